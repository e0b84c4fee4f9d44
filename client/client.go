package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/smnsjas/go-meshctrl"
	"github.com/smnsjas/go-meshctrl/auth"
	"github.com/smnsjas/go-meshctrl/eventbus"
	"github.com/smnsjas/go-meshctrl/transport"
	"github.com/smnsjas/go-meshctrl/tunnel"
)

const (
	controlPath = "control.ashx"
	relayPath   = "meshrelay.ashx"

	// topicServerEvent carries every "event", "msg" and "interuser" frame.
	topicServerEvent = "server_event"

	// topicClosed fires once when the control connection terminates.
	topicClosed = "meshctrl:closed"
)

var _ tunnel.Controller = (*Session)(nil)

// reply is what the event bus delivers to a waiting command: the decoded
// frame, or the error that ended the wait.
type reply struct {
	msg meshctrl.Message
	err error
}

// Session is a MeshCentral control channel. It correlates commands with
// their responses, publishes server events, and opens relay tunnels.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	security *SecurityLogger

	baseURL    *url.URL
	controlURL string
	header     http.Header
	dialer     *transport.Dialer

	mgr     *transport.Manager
	bus     *eventbus.Bus[reply]
	ids      *correlationIDs
	permits  *actionPermits
	breakers *tunnelBreakers

	opens atomic.Int64

	mu            sync.Mutex
	serverInfo    meshctrl.Message
	userInfo      meshctrl.Message
	domain        string
	domainKnown   bool
	authenticated bool
	started       bool
	closed        bool
	explorers     map[string]*tunnel.Files
}

// New creates a session from cfg. No connection is made until Connect.
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg = cfg.withDefaults()

	base, err := parseBaseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	authenticator, err := newAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	control := base.JoinPath(controlPath)
	header := http.Header{}
	if err := authenticator.Apply(control, header); err != nil {
		return nil, fmt.Errorf("apply %s authentication: %w", authenticator.Name(), err)
	}

	s := &Session{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "session"),
		security:   NewSecurityLogger(cfg.Logger, cfg.Username, base.Host),
		baseURL:    base,
		controlURL: control.String(),
		header:     header,
		dialer: transport.NewDialer(
			transport.WithInsecureSkipVerify(cfg.InsecureSkipVerify),
			transport.WithProxy(cfg.Proxy),
		),
		bus:       eventbus.New[reply](),
		ids:       newCorrelationIDs(),
		permits:   newActionPermits(),
		explorers: make(map[string]*tunnel.Files),
	}
	s.breakers = newTunnelBreakers(cfg.TunnelBreaker, s.onCircuitChange)

	s.mgr = transport.NewManager(transport.Config{
		Name:          "control",
		SendQueueSize: cfg.SendQueueSize,
		AutoReconnect: cfg.AutoReconnect,
		Reconnect:     cfg.Reconnect,
		Logger:        cfg.Logger,
		OnOpen:        s.onOpen,
		OnDisconnect:  s.onDisconnect,
		OnTerminate:   s.onTerminate,
	}, s.dialer, transport.HandlerFunc(s.handleFrame))

	if s.dialer.InsecureSkipVerify() {
		s.logger.Warn("TLS certificate verification disabled; use only for testing", "url", s.controlURL)
	}
	s.logger.Debug("session created", "auth", authenticator.Name(), "url", s.controlURL)
	return s, nil
}

// Dial creates a session and waits until the server has accepted it.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	return s, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("%w: %q", meshctrl.ErrInvalidURL, raw)
	}
	u.Path = strings.TrimSuffix(u.Path, controlPath)
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func newAuthenticator(cfg Config) (auth.Authenticator, error) {
	if cfg.LoginKey != "" {
		key, err := auth.LoadLoginKey(cfg.LoginKey)
		if err != nil {
			return nil, err
		}
		return auth.NewLoginKeyAuth(cfg.Username, cfg.Domain, key), nil
	}
	return auth.NewHeaderAuth(auth.Credentials{
		Username: cfg.Username,
		Password: cfg.Password,
		Token:    cfg.Token,
		Domain:   cfg.Domain,
	}), nil
}

// Connect opens the control channel and blocks until the server sent its
// user info, the connection failed for good, or ctx expired.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session is closed")
	}
	start := !s.started
	s.started = true
	s.mu.Unlock()

	if start {
		if err := s.mgr.Start(s.controlURL, s.header); err != nil {
			return err
		}
	}

	ctx, cancel := s.commandContext(ctx)
	defer cancel()
	return s.mgr.Ready(ctx)
}

// Close closes every cached file explorer and the control channel. It is
// idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	explorers := s.explorers
	s.explorers = make(map[string]*tunnel.Files)
	s.mu.Unlock()

	for _, f := range explorers {
		_ = f.Close()
	}

	done := make(chan error, 1)
	go func() { done <- s.mgr.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return meshctrl.Timeout("close session", ctx.Err())
	}
}

// Alive reports whether the control channel is currently open.
func (s *Session) Alive() bool {
	return s.mgr.Alive()
}

// State returns the control channel lifecycle state.
func (s *Session) State() transport.State {
	return s.mgr.State()
}

// Err returns the stored connection error, if any.
func (s *Session) Err() error {
	return s.mgr.Err()
}

// ServerInfo returns the last "serverinfo" payload received.
func (s *Session) ServerInfo() meshctrl.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// UserInfo returns the last "userinfo" payload received.
func (s *Session) UserInfo() meshctrl.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userInfo
}

// CurrentDomain returns the domain announced by the server and whether
// one was announced. The default domain is the empty string.
func (s *Session) CurrentDomain() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domain, s.domainKnown
}

// RelayURL returns the base URL of the relay endpoint.
func (s *Session) RelayURL() *url.URL {
	return s.baseURL.JoinPath(relayPath)
}

// Dialer returns the dialer shared by the control channel and tunnels.
func (s *Session) Dialer() *transport.Dialer {
	return s.dialer
}

// Logger returns the logger tunnels opened by this session should use.
func (s *Session) Logger() *slog.Logger {
	return s.cfg.Logger
}

// commandContext applies CommandTimeout to contexts without a deadline.
func (s *Session) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.CommandTimeout)
}

// SendCommand sends payload tagged with a fresh correlation id derived from
// name and returns the server's response. It fails fast with the stored
// connection error when the control channel is not alive.
func (s *Session) SendCommand(ctx context.Context, name string, payload meshctrl.Message) (meshctrl.Message, error) {
	ctx, cancel := s.commandContext(ctx)
	defer cancel()

	if err := s.mgr.Ready(ctx); err != nil {
		return nil, err
	}

	id := s.ids.Next(name)
	defer s.ids.Release(id)

	replies := make(chan reply, 1)
	tok := s.bus.Once(id, func(r reply) { replies <- r })
	defer s.bus.Off(id, tok)

	if err := s.mgr.SendJSON(ctx, payload.Merge(meshctrl.Message{"tag": id, "responseid": id})); err != nil {
		return nil, err
	}
	s.logger.Debug("command sent", "id", id, "action", payload.Action())

	select {
	case r := <-replies:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, meshctrl.Timeout(name, ctx.Err())
	}
}

// SendCommandByAction sends payload and waits for the next frame whose
// action matches, for the few server replies that carry no correlation id.
// Calls for the same action are serialized.
func (s *Session) SendCommandByAction(ctx context.Context, payload meshctrl.Message) (meshctrl.Message, error) {
	action := payload.Action()
	if action == "" {
		return nil, errors.New("payload has no action")
	}

	ctx, cancel := s.commandContext(ctx)
	defer cancel()

	release, err := s.permits.Acquire(ctx, action)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.mgr.Ready(ctx); err != nil {
		return nil, err
	}

	replies := make(chan reply, 1)
	tok := s.bus.Once(action, func(r reply) { replies <- r })
	defer s.bus.Off(action, tok)

	if err := s.mgr.SendJSON(ctx, payload); err != nil {
		return nil, err
	}

	select {
	case r := <-replies:
		return r.msg, r.err
	case <-s.mgr.Terminated():
		return nil, s.mgr.Err()
	case <-ctx.Done():
		return nil, meshctrl.Timeout(action, ctx.Err())
	}
}

// ListDeviceGroups returns the device groups the user can access.
func (s *Session) ListDeviceGroups(ctx context.Context) ([]meshctrl.Message, error) {
	resp, err := s.SendCommand(ctx, "list_device_groups", meshctrl.Message{"action": "meshes"})
	if err != nil {
		return nil, err
	}
	if result := resp.String("result"); result != "" && !resp.Has("meshes") {
		return nil, &meshctrl.ServerError{Message: result}
	}
	raw, _ := resp["meshes"].([]any)
	groups := make([]meshctrl.Message, 0, len(raw))
	for _, g := range raw {
		if m, ok := g.(map[string]any); ok {
			groups = append(groups, meshctrl.Message(m))
		}
	}
	return groups, nil
}

func (s *Session) onOpen() {
	n := s.opens.Add(1)
	details := map[string]any{"url": s.controlURL}
	if n == 1 {
		s.security.LogConnection(SubtypeConnEstablished, OutcomeSuccess, SeverityInfo, details)
		return
	}
	details["reconnects"] = n - 1
	s.security.LogReconnection(SubtypeReconnSuccess, OutcomeSuccess, SeverityInfo, details)
}

func (s *Session) onCircuitChange(nodeID string, from, to CircuitState) {
	severity := SeverityInfo
	if to == CircuitOpen {
		severity = SeverityWarning
	}
	s.security.LogTunnel(SubtypeTunnelCircuit, OutcomeAttempt, severity, map[string]any{
		"nodeid": nodeID,
		"from":   from.String(),
		"to":     to.String(),
	})
}

func (s *Session) onDisconnect(err error) {
	details := map[string]any{"error": err.Error(), "in_flight": s.ids.Len()}
	if s.cfg.AutoReconnect {
		s.security.LogReconnection(SubtypeReconnAttempt, OutcomeAttempt, SeverityWarning, details)
		return
	}
	s.security.LogConnection(SubtypeConnFailed, OutcomeFailure, SeverityError, details)
}

// onTerminate resolves every outstanding command with err and notifies
// OnClose subscribers.
func (s *Session) onTerminate(err error) {
	for _, id := range s.ids.InFlight() {
		s.bus.Emit(id, reply{err: err})
	}

	var se *meshctrl.SocketError
	switch {
	case errors.Is(err, transport.ErrUnauthorized):
		s.security.LogAuthentication(SubtypeAuthFailure, OutcomeDenied, SeverityError, map[string]any{"error": err.Error()})
	case errors.As(err, &se) && se.Reason == "closed":
		s.security.LogConnection(SubtypeConnClosed, OutcomeSuccess, SeverityInfo, nil)
	case errors.As(err, &se) && se.Reason == "reconnect attempts exhausted":
		s.security.LogReconnection(SubtypeReconnExhausted, OutcomeFailure, SeverityError, map[string]any{"error": err.Error()})
	default:
		s.security.LogConnection(SubtypeConnFailed, OutcomeFailure, SeverityError, map[string]any{"error": err.Error()})
	}

	s.bus.Emit(topicClosed, reply{err: err})
}
