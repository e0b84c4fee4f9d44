package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/smnsjas/go-meshctrl"
)

// DefaultSendQueueSize is the default capacity of the outbound queue.
const DefaultSendQueueSize = 1024

// Config configures a Manager.
type Config struct {
	// Name labels log records ("control", "tunnel").
	Name string

	// SendQueueSize is the outbound queue capacity. Send blocks when full.
	SendQueueSize int

	// WriteTimeout bounds a single websocket write (0 = no deadline).
	WriteTimeout time.Duration

	// AutoReconnect redials after a remote closure instead of failing.
	AutoReconnect bool

	// Reconnect is the backoff policy used when AutoReconnect is set.
	Reconnect ReconnectPolicy

	// Logger receives lifecycle records. Nil discards them.
	Logger *slog.Logger

	// OnOpen runs every time a socket is established.
	OnOpen func()

	// OnDisconnect runs when an open socket drops before any reconnect.
	OnDisconnect func(err error)

	// OnTerminate runs once when the manager becomes Closed or Failed.
	OnTerminate func(err error)
}

// handlerError marks an error returned by the frame handler. Those are
// terminal regardless of AutoReconnect.
type handlerError struct {
	err error
}

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

// Manager owns one websocket: a send queue, a receive loop, liveness flags
// and an optional auto-reconnect loop.
type Manager struct {
	cfg     Config
	dialer  *Dialer
	handler Handler
	logger  *slog.Logger

	sendq chan Frame

	mu      sync.Mutex
	state   State
	alive   bool
	err     error
	cancel  context.CancelFunc
	started bool

	initialized chan struct{}
	initOnce    sync.Once
	terminated  chan struct{}
	done        chan struct{}
}

// NewManager creates a manager that will dispatch inbound frames to h.
// No connection is made until Start.
func NewManager(cfg Config, dialer *Dialer, h Handler) *Manager {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	if dialer == nil {
		dialer = NewDialer()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Name != "" {
		logger = logger.With("conn", cfg.Name)
	}
	return &Manager{
		cfg:         cfg,
		dialer:      dialer,
		handler:     h,
		logger:      logger,
		sendq:       make(chan Frame, cfg.SendQueueSize),
		initialized: make(chan struct{}),
		terminated:  make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start dials rawURL in the background and runs the send and receive loops.
func (m *Manager) Start(rawURL string, header http.Header) error {
	m.mu.Lock()
	if m.started || m.state.Terminal() {
		m.mu.Unlock()
		return errors.New("transport: manager already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.started = true
	m.state = StateConnecting
	m.mu.Unlock()

	m.logger.Debug("starting connection", "url", redactURL(rawURL))
	go m.run(ctx, rawURL, header)
	return nil
}

// Close cancels the loops and waits for them to unwind. It is idempotent
// and safe to call on a manager that never started.
func (m *Manager) Close() error {
	m.terminate(StateClosed, meshctrl.NewSocketError("closed", nil))

	m.mu.Lock()
	cancel := m.cancel
	started := m.started
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-m.done
	}
	return nil
}

// Fail records err as the terminal error, wakes every waiter and stops the
// loops without waiting for them. It is used for failures detected outside
// the manager, such as a rejected tunnel negotiation.
func (m *Manager) Fail(err error) {
	m.terminate(StateFailed, err)
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Send enqueues a frame for the write loop. Frames are written strictly in
// enqueue order.
func (m *Manager) Send(ctx context.Context, f Frame) error {
	select {
	case <-m.terminated:
		return m.Err()
	default:
	}

	select {
	case m.sendq <- f:
		return nil
	case <-m.terminated:
		return m.Err()
	case <-ctx.Done():
		return meshctrl.Timeout("send", ctx.Err())
	}
}

// SendJSON encodes v and enqueues it as a text frame.
func (m *Manager) SendJSON(ctx context.Context, v any) error {
	f, err := JSONFrame(v)
	if err != nil {
		return err
	}
	return m.Send(ctx, f)
}

// MarkInitialized records that the connection is minimally usable. The
// transition happens once and never resets.
func (m *Manager) MarkInitialized() {
	m.initOnce.Do(func() { close(m.initialized) })
}

// Initialized is closed once the connection became usable or failed for good.
func (m *Manager) Initialized() <-chan struct{} {
	return m.initialized
}

// Terminated is closed once the manager is Closed or Failed.
func (m *Manager) Terminated() <-chan struct{} {
	return m.terminated
}

// Ready blocks until the manager is initialized, then returns the stored
// connection error if the socket is not alive.
func (m *Manager) Ready(ctx context.Context) error {
	select {
	case <-m.initialized:
	case <-ctx.Done():
		return meshctrl.Timeout("wait for connection", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alive {
		return nil
	}
	if m.err != nil {
		return m.err
	}
	return meshctrl.NewSocketError("not connected", nil)
}

// Alive reports whether a socket is currently open.
func (m *Manager) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the stored connection error, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil && m.state.Terminal() {
		return meshctrl.NewSocketError("closed", nil)
	}
	return m.err
}

func (m *Manager) run(ctx context.Context, rawURL string, header http.Header) {
	defer close(m.done)

	attempt := 0
	for {
		conn, err := m.dialer.Dial(ctx, rawURL, header)
		if err == nil {
			attempt = 0
			err = m.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			m.terminate(StateClosed, meshctrl.NewSocketError("closed", nil))
			return
		}

		var herr *handlerError
		if errors.As(err, &herr) {
			m.logger.Error("connection failed", "error", herr.err)
			m.terminate(StateFailed, herr.err)
			return
		}

		if errors.Is(err, ErrUnauthorized) {
			m.logger.Error("connection rejected", "error", err)
			m.terminate(StateFailed, meshctrl.NewSocketError("connect failed", err))
			return
		}

		m.disconnected(err)
		if !m.cfg.AutoReconnect {
			m.logger.Error("connection closed", "error", err)
			m.terminate(StateFailed, meshctrl.NewSocketError("connection closed", err))
			return
		}

		attempt++
		if m.cfg.Reconnect.Exhausted(attempt) {
			m.logger.Error("reconnect attempts exhausted", "attempts", attempt-1, "error", err)
			m.terminate(StateFailed, meshctrl.NewSocketError("reconnect attempts exhausted", err))
			return
		}

		delay := m.cfg.Reconnect.Delay(attempt)
		m.logger.Warn("connection lost, reconnecting", "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.terminate(StateClosed, meshctrl.NewSocketError("closed", nil))
			return
		case <-timer.C:
		}
	}
}

// serve runs the send and receive loops for one socket until either fails
// or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) error {
	m.opened()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.readLoop(gctx, conn) })
	g.Go(func() error { return m.writeLoop(gctx, conn) })
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return nil
	})
	return g.Wait()
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f := Frame{Binary: mt == websocket.BinaryMessage, Data: data}
		if err := m.handler.HandleFrame(ctx, f); err != nil {
			return &handlerError{err: err}
		}
	}
}

func (m *Manager) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-m.sendq:
			mt := websocket.TextMessage
			if f.Binary {
				mt = websocket.BinaryMessage
			}
			if m.cfg.WriteTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			}
			if err := conn.WriteMessage(mt, f.Data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (m *Manager) opened() {
	m.mu.Lock()
	if !m.state.Terminal() {
		m.state = StateOpen
		m.alive = true
		m.err = nil
	}
	m.mu.Unlock()

	m.logger.Info("connection open")
	if m.cfg.OnOpen != nil {
		m.cfg.OnOpen()
	}
}

func (m *Manager) disconnected(err error) {
	m.mu.Lock()
	wasAlive := m.alive
	m.alive = false
	if !m.state.Terminal() {
		m.state = StateReconnecting
		m.err = meshctrl.NewSocketError("connection lost", err)
	}
	m.mu.Unlock()

	if wasAlive && m.cfg.OnDisconnect != nil {
		m.cfg.OnDisconnect(err)
	}
}

// terminate moves the manager to a terminal state once, records err unless
// an error is already stored, and wakes every waiter.
func (m *Manager) terminate(state State, err error) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.alive = false
	if m.err == nil || state == StateFailed {
		m.err = err
	}
	err = m.err
	m.mu.Unlock()

	m.MarkInitialized()
	close(m.terminated)
	if m.cfg.OnTerminate != nil {
		m.cfg.OnTerminate(err)
	}
}
