package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smnsjas/go-meshctrl"
	"github.com/smnsjas/go-meshctrl/eventbus"
	"github.com/smnsjas/go-meshctrl/transport"
)

// DefaultOpenTimeout bounds Open when the caller's context has no deadline.
const DefaultOpenTimeout = 10 * time.Second

// Controller is the control session a tunnel negotiates through.
type Controller interface {
	// SendCommand sends a correlated command and returns its response.
	SendCommand(ctx context.Context, name string, payload meshctrl.Message) (meshctrl.Message, error)

	// SendCommandByAction sends a command whose reply is matched by action.
	SendCommandByAction(ctx context.Context, payload meshctrl.Message) (meshctrl.Message, error)

	// ListenToEvents subscribes fn to server events matching filter.
	ListenToEvents(fn func(meshctrl.Message), filter meshctrl.Message) eventbus.Token

	// StopListeningToEvents removes a ListenToEvents subscription.
	StopListeningToEvents(tok eventbus.Token)

	// CurrentDomain returns the server's domain, if announced.
	CurrentDomain() (string, bool)

	// RelayURL returns the relay endpoint, without query.
	RelayURL() *url.URL

	// Dialer returns the dialer used for relay sockets.
	Dialer() *transport.Dialer
}

// State is the tunnel lifecycle state.
type State int

// Tunnel states.
const (
	StateIdle State = iota
	StateNegotiatingAuth
	StateNegotiatingRelay
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateNegotiatingAuth:
		return "NegotiatingAuth"
	case StateNegotiatingRelay:
		return "NegotiatingRelay"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures a Tunnel.
type Config struct {
	// OpenTimeout bounds Open when ctx has no deadline (default 10s).
	OpenTimeout time.Duration

	// SendQueueSize is the outbound frame queue capacity.
	SendQueueSize int

	// Logger receives lifecycle records. Nil discards them.
	Logger *slog.Logger
}

// Tunnel is one relay connection to a device agent.
type Tunnel struct {
	ctrl     Controller
	protocol meshctrl.Protocol
	cfg      Config
	logger   *slog.Logger
	mgr      *transport.Manager
	sub      transport.Handler

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	negDone   chan struct{}

	mu         sync.Mutex
	phase      State
	nodeID     string
	id         string
	recorded   bool
	handshaken bool
}

// New creates a tunnel to nodeID for protocol. Frames that follow the
// relay handshake are passed to h, which may be nil. Nothing happens until
// Open.
func New(ctrl Controller, nodeID string, protocol meshctrl.Protocol, cfg Config, h transport.Handler) *Tunnel {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		ctrl:     ctrl,
		protocol: protocol,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "tunnel", "protocol", protocol.String()),
		sub:      h,
		ctx:      ctx,
		cancel:   cancel,
		negDone:  make(chan struct{}),
		nodeID:   nodeID,
	}
	t.mgr = transport.NewManager(transport.Config{
		Name:          "tunnel",
		SendQueueSize: cfg.SendQueueSize,
		Logger:        cfg.Logger,
	}, ctrl.Dialer(), transport.HandlerFunc(t.handleFrame))
	return t
}

// Open starts negotiation if needed and waits until the relay handshake
// completed or the tunnel failed. Without a deadline on ctx it waits at
// most OpenTimeout.
func (t *Tunnel) Open(ctx context.Context) error {
	t.startOnce.Do(func() { go t.negotiate() })

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.OpenTimeout)
		defer cancel()
	}
	return t.mgr.Ready(ctx)
}

// Close stops negotiation and closes the relay socket. It is idempotent.
func (t *Tunnel) Close() error {
	t.startOnce.Do(func() { close(t.negDone) })
	t.cancel()
	<-t.negDone
	return t.mgr.Close()
}

// Send enqueues a frame on the relay socket.
func (t *Tunnel) Send(ctx context.Context, f transport.Frame) error {
	return t.mgr.Send(ctx, f)
}

// SendJSON enqueues v as a JSON text frame.
func (t *Tunnel) SendJSON(ctx context.Context, v any) error {
	return t.mgr.SendJSON(ctx, v)
}

// Ready blocks until the handshake completed or failed, then reports
// whether the tunnel is usable.
func (t *Tunnel) Ready(ctx context.Context) error {
	return t.mgr.Ready(ctx)
}

// Initialized is closed once the tunnel became usable or failed for good.
func (t *Tunnel) Initialized() <-chan struct{} {
	return t.mgr.Initialized()
}

// Terminated is closed once the tunnel is Closed or Failed.
func (t *Tunnel) Terminated() <-chan struct{} {
	return t.mgr.Terminated()
}

// Alive reports whether the relay socket is open.
func (t *Tunnel) Alive() bool {
	return t.mgr.Alive()
}

// Err returns the terminal error, if any.
func (t *Tunnel) Err() error {
	return t.mgr.Err()
}

// State returns the current lifecycle state.
func (t *Tunnel) State() State {
	switch t.mgr.State() {
	case transport.StateClosed:
		return StateClosed
	case transport.StateFailed:
		return StateFailed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// NodeID returns the device id, normalized once negotiation started.
func (t *Tunnel) NodeID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodeID
}

// ID returns the random tunnel id, empty before relay negotiation.
func (t *Tunnel) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Protocol returns the relay sub-protocol.
func (t *Tunnel) Protocol() meshctrl.Protocol {
	return t.protocol
}

// Recorded reports whether the relay announced that the session is recorded.
func (t *Tunnel) Recorded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recorded
}

func (t *Tunnel) setPhase(s State) {
	t.mu.Lock()
	t.phase = s
	t.mu.Unlock()
}

func (t *Tunnel) negotiate() {
	defer close(t.negDone)
	ctx := t.ctx

	t.setPhase(StateNegotiatingAuth)
	cookies, err := t.ctrl.SendCommandByAction(ctx, meshctrl.Message{"action": "authcookie"})
	if err != nil {
		t.abort(fmt.Errorf("request relay cookie: %w", err))
		return
	}

	domain, known := t.ctrl.CurrentDomain()
	id, err := randomHex(6)
	if err != nil {
		t.abort(err)
		return
	}

	t.mu.Lock()
	t.nodeID = normalizeNodeID(t.nodeID, domain, known)
	t.id = id
	t.phase = StateNegotiatingRelay
	nodeID := t.nodeID
	t.mu.Unlock()

	relay := t.ctrl.RelayURL()
	proto := strconv.Itoa(int(t.protocol))
	value := "*" + relay.Path + "?p=" + proto + "&nodeid=" + nodeID + "&id=" + id + "&rauth=" + cookies.String("rcookie")

	resp, err := t.ctrl.SendCommand(ctx, "initialize_tunnel", meshctrl.Message{
		"action": "msg",
		"nodeid": nodeID,
		"type":   "tunnel",
		"usage":  1,
		"value":  value,
	})
	if err != nil {
		t.abort(fmt.Errorf("initialize tunnel: %w", err))
		return
	}
	if result := resp.String("result"); result != "OK" {
		if result == "" {
			result = "failed to initialize remote tunnel"
		}
		t.logger.Warn("tunnel rejected", "nodeid", nodeID, "result", result)
		t.abort(&meshctrl.ServerError{Message: result})
		return
	}

	q := url.Values{}
	q.Set("browser", "1")
	q.Set("p", proto)
	q.Set("nodeid", nodeID)
	q.Set("id", id)
	q.Set("auth", cookies.String("cookie"))
	relay.RawQuery = q.Encode()

	t.setPhase(StateConnecting)
	t.logger.Debug("dialing relay", "nodeid", nodeID, "id", id)
	if err := t.mgr.Start(relay.String(), nil); err != nil {
		t.abort(err)
	}
}

// abort fails the tunnel unless it is being closed.
func (t *Tunnel) abort(err error) {
	if t.ctx.Err() != nil {
		return
	}
	t.logger.Error("tunnel negotiation failed", "error", err)
	t.mgr.Fail(err)
}

func (t *Tunnel) handleFrame(ctx context.Context, f transport.Frame) error {
	t.mu.Lock()
	if t.handshaken {
		t.mu.Unlock()
		if t.sub == nil {
			return nil
		}
		return t.sub.HandleFrame(ctx, f)
	}
	t.handshaken = true
	t.recorded = !f.Binary && string(f.Data) == "cr"
	t.phase = StateOpen
	recorded := t.recorded
	t.mu.Unlock()

	if err := t.mgr.Send(ctx, transport.TextFrame([]byte(strconv.Itoa(int(t.protocol))))); err != nil {
		return err
	}
	t.logger.Info("tunnel open", "recorded", recorded)
	t.mgr.MarkInitialized()
	return nil
}

// normalizeNodeID expands a bare node id to "node/<domain>/<id>" once the
// server's domain is known.
func normalizeNodeID(nodeID, domain string, known bool) string {
	if strings.Count(nodeID, "/") == 2 || !known {
		return nodeID
	}
	return "node/" + domain + "/" + nodeID
}

func randomHex(n int) (string, error) {
	b := make([]byte, (n+1)/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate tunnel id: %w", err)
	}
	return hex.EncodeToString(b)[:n], nil
}
