package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-meshctrl"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// echoServer upgrades every request and echoes frames back. Each accepted
// connection is reported on conns.
type echoServer struct {
	*httptest.Server
	accepted atomic.Int32
	conns    chan *websocket.Conn
}

func newEchoServer(t *testing.T, echo bool) *echoServer {
	t.Helper()
	s := &echoServer{conns: make(chan *websocket.Conn, 8)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.conns <- conn
		if !echo {
			return
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

type recorder struct {
	mu     sync.Mutex
	frames []Frame
	got    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 64)}
}

func (r *recorder) HandleFrame(_ context.Context, f Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) []Frame {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i+1)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

func TestManager_SendReceiveFIFO(t *testing.T) {
	srv := newEchoServer(t, true)
	rec := newRecorder()
	m := NewManager(Config{Name: "test"}, NewDialer(), rec)
	require.NoError(t, m.Start(srv.wsURL(), nil))
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Send(ctx, TextFrame([]byte("one"))))
	require.NoError(t, m.Send(ctx, BinaryFrame([]byte{0, 1, 2})))
	require.NoError(t, m.SendJSON(ctx, map[string]string{"action": "three"}))

	frames := rec.wait(t, 3)
	require.Len(t, frames, 3)
	assert.Equal(t, "one", string(frames[0].Data))
	assert.False(t, frames[0].Binary)
	assert.Equal(t, []byte{0, 1, 2}, frames[1].Data)
	assert.True(t, frames[1].Binary)
	assert.True(t, frames[2].IsJSON())
	assert.True(t, m.Alive())
	assert.Equal(t, StateOpen, m.State())
}

func TestManager_RemoteCloseFailsWithoutReconnect(t *testing.T) {
	srv := newEchoServer(t, false)

	var terminated atomic.Value
	m := NewManager(Config{
		OnTerminate: func(err error) { terminated.Store(err) },
	}, NewDialer(), newRecorder())
	require.NoError(t, m.Start(srv.wsURL(), nil))
	defer m.Close()

	conn := <-srv.conns
	require.NoError(t, conn.Close())

	select {
	case <-m.Terminated():
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not fail after remote close")
	}

	assert.Equal(t, StateFailed, m.State())
	assert.False(t, m.Alive())

	err := m.Ready(context.Background())
	require.Error(t, err)
	assert.True(t, meshctrl.IsSocketError(err))
	assert.NotNil(t, terminated.Load())

	err = m.Send(context.Background(), TextFrame([]byte("late")))
	assert.True(t, meshctrl.IsSocketError(err))
}

func TestManager_AutoReconnect(t *testing.T) {
	srv := newEchoServer(t, false)

	var opens atomic.Int32
	var disconnects atomic.Int32
	m := NewManager(Config{
		AutoReconnect: true,
		Reconnect:     ReconnectPolicy{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		OnOpen:        func() { opens.Add(1) },
		OnDisconnect:  func(error) { disconnects.Add(1) },
	}, NewDialer(), newRecorder())
	require.NoError(t, m.Start(srv.wsURL(), nil))
	defer m.Close()

	first := <-srv.conns
	require.NoError(t, first.Close())

	select {
	case second := <-srv.conns:
		defer second.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not reconnect")
	}

	require.Eventually(t, func() bool { return m.Alive() && opens.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), disconnects.Load())
	assert.Equal(t, StateOpen, m.State())
}

func TestManager_ReconnectExhausted(t *testing.T) {
	srv := newEchoServer(t, false)
	m := NewManager(Config{
		AutoReconnect: true,
		Reconnect:     ReconnectPolicy{InitialDelay: 5 * time.Millisecond, MaxAttempts: 2},
	}, NewDialer(), newRecorder())
	require.NoError(t, m.Start(srv.wsURL(), nil))
	defer m.Close()

	first := <-srv.conns
	srv.Close()
	_ = first.Close()

	select {
	case <-m.Terminated():
	case <-time.After(5 * time.Second):
		t.Fatal("manager kept reconnecting")
	}
	assert.Equal(t, StateFailed, m.State())
	assert.Contains(t, m.Err().Error(), "exhausted")
}

func TestManager_HandlerErrorIsTerminal(t *testing.T) {
	srv := newEchoServer(t, true)
	boom := errors.New("boom")
	m := NewManager(Config{AutoReconnect: true}, NewDialer(), HandlerFunc(func(context.Context, Frame) error {
		return boom
	}))
	require.NoError(t, m.Start(srv.wsURL(), nil))
	defer m.Close()

	require.NoError(t, m.Send(context.Background(), TextFrame([]byte("x"))))

	select {
	case <-m.Terminated():
	case <-time.After(2 * time.Second):
		t.Fatal("handler error did not terminate the manager")
	}
	assert.ErrorIs(t, m.Ready(context.Background()), boom)
	assert.Equal(t, int32(1), srv.accepted.Load())
}

func TestManager_CloseIdempotent(t *testing.T) {
	t.Run("never started", func(t *testing.T) {
		m := NewManager(Config{}, nil, newRecorder())
		require.NoError(t, m.Close())
		require.NoError(t, m.Close())
		assert.Equal(t, StateClosed, m.State())
		assert.Error(t, m.Start("ws://127.0.0.1:1", nil))
	})

	t.Run("running", func(t *testing.T) {
		srv := newEchoServer(t, true)
		m := NewManager(Config{}, nil, newRecorder())
		require.NoError(t, m.Start(srv.wsURL(), nil))
		<-srv.conns
		require.Eventually(t, m.Alive, time.Second, 5*time.Millisecond)

		require.NoError(t, m.Close())
		require.NoError(t, m.Close())
		assert.Equal(t, StateClosed, m.State())
		assert.False(t, m.Alive())
	})
}

func TestManager_FailBeforeStart(t *testing.T) {
	m := NewManager(Config{}, nil, newRecorder())
	reason := &meshctrl.ServerError{Message: "nope"}
	m.Fail(reason)

	select {
	case <-m.Initialized():
	default:
		t.Fatal("Fail must mark the manager initialized")
	}
	err := m.Ready(context.Background())
	var se *meshctrl.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "nope", se.Message)
	require.NoError(t, m.Close())
}

func TestManager_ReadyTimeout(t *testing.T) {
	m := NewManager(Config{}, nil, newRecorder())
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Ready(ctx)
	assert.ErrorIs(t, err, meshctrl.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialer_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewDialer().Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDialer_Options(t *testing.T) {
	d := NewDialer(WithInsecureSkipVerify(true), WithHandshakeTimeout(3*time.Second), WithProxy("proxy.local:3128"))
	assert.True(t, d.InsecureSkipVerify())
	assert.Equal(t, 3*time.Second, d.ws.HandshakeTimeout)

	req, _ := http.NewRequest(http.MethodGet, "https://mesh.example.com/control.ashx", nil)
	proxyURL, err := d.ws.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "proxy.local:3128", proxyURL.Host)
}

func TestRedactURL(t *testing.T) {
	got := redactURL("wss://mesh.example.com/control.ashx?auth=secretcookie")
	assert.NotContains(t, got, "secretcookie")
	assert.Contains(t, got, "auth=")
	assert.Equal(t, "wss://mesh.example.com/control.ashx", redactURL("wss://mesh.example.com/control.ashx"))
}
