// Package meshtest provides an in-process MeshCentral server for tests. It
// serves the control channel, the relay endpoint and one device agent
// backed by an in-memory file system.
package meshtest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smnsjas/go-meshctrl"
	"github.com/smnsjas/go-meshctrl/auth"
)

// Default test identity.
const (
	Username = "admin"
	Password = "s3cret"
	DeviceID = "dev1"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// Handler answers one control message.
type Handler func(c *Conn, msg meshctrl.Message)

// Option configures a Server.
type Option func(*Server)

// WithDomain sets the domain announced in serverinfo.
func WithDomain(domain string) Option {
	return func(s *Server) { s.domain = domain }
}

// WithoutDomain omits the domain from serverinfo.
func WithoutDomain() Option {
	return func(s *Server) { s.announceDomain = false }
}

// WithLoginKey accepts login-key cookies encrypted with key.
func WithLoginKey(key []byte) Option {
	return func(s *Server) { s.loginKey = key }
}

// WithRecording makes the relay announce a recorded session.
func WithRecording() Option {
	return func(s *Server) { s.recorded = true }
}

// WithTunnelResult makes the server answer tunnel requests with result.
func WithTunnelResult(result string) Option {
	return func(s *Server) { s.tunnelResult = result }
}

// WithHTTPAuthFailure rejects bad credentials with 401 before the upgrade
// instead of a close message.
func WithHTTPAuthFailure() Option {
	return func(s *Server) { s.httpAuthFailure = true }
}

// WithDownloadChunkSize sets the size of download data frames.
func WithDownloadChunkSize(n int) Option {
	return func(s *Server) { s.agent.downloadChunk = n }
}

// WithAckDelay delays every upload acknowledgement by d.
func WithAckDelay(d time.Duration) Option {
	return func(s *Server) { s.agent.ackDelay = d }
}

// WithNoise makes the agent send frames for other requests before its
// real answers.
func WithNoise() Option {
	return func(s *Server) { s.agent.noise = true }
}

// Conn is one server-side websocket.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// Send writes v as a JSON text frame.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// SendText writes a text frame.
func (c *Conn) SendText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(s))
}

// SendBinary writes a binary frame.
func (c *Conn) SendBinary(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

// Close drops the connection without a close handshake.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Reply returns resp carrying the correlation fields of req.
func Reply(req, resp meshctrl.Message) meshctrl.Message {
	out := resp.Merge(nil)
	for _, k := range []string{"tag", "responseid"} {
		if v, ok := req[k]; ok {
			out[k] = v
		}
	}
	return out
}

type pendingTunnel struct {
	nodeID   string
	protocol string
}

// Server is a fake MeshCentral server.
type Server struct {
	*httptest.Server

	domain          string
	announceDomain  bool
	loginKey        []byte
	recorded        bool
	tunnelResult    string
	httpAuthFailure bool
	agent           *Agent

	mu         sync.Mutex
	handlers   map[string]Handler
	controls   map[*Conn]struct{}
	received   []meshctrl.Message
	cookies    map[string]bool
	nextCookie int
	tunnels    map[string]pendingTunnel
	relayDials int
	protocols  []string
	controlN   int
}

// New starts a server and registers its shutdown with t.
func New(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		announceDomain: true,
		tunnelResult:   "OK",
		handlers:       make(map[string]Handler),
		controls:       make(map[*Conn]struct{}),
		cookies:        make(map[string]bool),
		tunnels:        make(map[string]pendingTunnel),
	}
	s.agent = newAgent(s)
	for _, opt := range opts {
		opt(s)
	}
	s.handlers["authcookie"] = s.handleAuthCookie
	s.handlers["msg"] = s.handleTunnelRequest
	s.handlers["meshes"] = s.handleMeshes

	mux := http.NewServeMux()
	mux.HandleFunc("/control.ashx", s.serveControl)
	mux.HandleFunc("/meshrelay.ashx", s.serveRelay)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// URL returns the websocket base URL of the server, with a trailing slash.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/"
}

// ControlURL returns the websocket URL of the control channel.
func (s *Server) ControlURL() string {
	return s.URL() + "control.ashx"
}

// NodeID returns the full id of the fake device.
func (s *Server) NodeID() string {
	return "node/" + s.domain + "/" + DeviceID
}

// Agent returns the fake device agent.
func (s *Server) Agent() *Agent {
	return s.agent
}

// Handle replaces the handler for control messages with action.
func (s *Server) Handle(action string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = h
}

// Broadcast sends msg on every open control connection.
func (s *Server) Broadcast(msg meshctrl.Message) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.controls))
	for c := range s.controls {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Send(msg)
	}
}

// DropControl closes every open control connection.
func (s *Server) DropControl() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.controls {
		_ = c.Close()
	}
}

// Received returns the control messages received so far with action, or
// all of them when action is empty.
func (s *Server) Received(action string) []meshctrl.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []meshctrl.Message
	for _, m := range s.received {
		if action == "" || m.Action() == action {
			out = append(out, m)
		}
	}
	return out
}

// ControlConnections returns how many control connections were accepted.
func (s *Server) ControlConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlN
}

// RelayDials returns how many relay connections were attempted.
func (s *Server) RelayDials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayDials
}

// Protocols returns the protocol id each relay client sent.
func (s *Server) Protocols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.protocols...)
}

func (s *Server) authorized(r *http.Request) bool {
	if creds, ok := auth.ParseHeaderValue(r.Header.Get(auth.HeaderName)); ok {
		return creds.Username == Username && creds.Password == Password
	}
	if cookie := r.URL.Query().Get("auth"); cookie != "" && s.loginKey != nil {
		obj, err := auth.DecodeCookie(cookie, s.loginKey)
		return err == nil && obj.String("userid") == "user/"+s.domain+"/"+Username
	}
	return false
}

func (s *Server) serveControl(w http.ResponseWriter, r *http.Request) {
	ok := s.authorized(r)
	if !ok && s.httpAuthFailure {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{ws: ws}
	defer c.Close()

	if !ok {
		_ = c.Send(meshctrl.Message{"action": "close", "cause": "noauth", "msg": "noauthlogin"})
		return
	}

	s.mu.Lock()
	s.controls[c] = struct{}{}
	s.controlN++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.controls, c)
		s.mu.Unlock()
	}()

	info := meshctrl.Message{"name": "meshtest", "serverTime": time.Now().UnixMilli()}
	if s.announceDomain {
		info["domain"] = s.domain
	}
	_ = c.Send(meshctrl.Message{"action": "serverinfo", "serverinfo": info})
	_ = c.Send(meshctrl.Message{"action": "userinfo", "userinfo": meshctrl.Message{
		"_id":  "user/" + s.domain + "/" + Username,
		"name": Username,
	}})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := meshctrl.ParseMessage(data)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		h := s.handlers[msg.Action()]
		s.mu.Unlock()
		if h != nil {
			h(c, msg)
		}
	}
}

func (s *Server) handleAuthCookie(c *Conn, msg meshctrl.Message) {
	s.mu.Lock()
	s.nextCookie++
	cookie := fmt.Sprintf("cookie%d", s.nextCookie)
	rcookie := fmt.Sprintf("rcookie%d", s.nextCookie)
	s.cookies[cookie] = true
	s.cookies[rcookie] = true
	s.mu.Unlock()
	_ = c.Send(meshctrl.Message{"action": "authcookie", "cookie": cookie, "rcookie": rcookie})
}

func (s *Server) handleTunnelRequest(c *Conn, msg meshctrl.Message) {
	if msg.String("type") != "tunnel" {
		return
	}
	result := s.tunnelResult
	value := msg.String("value")
	u, err := url.Parse(strings.TrimPrefix(value, "*"))
	switch {
	case err != nil || !strings.HasPrefix(value, "*"):
		result = "Invalid tunnel value"
	case msg.String("nodeid") != s.NodeID() || u.Query().Get("nodeid") != s.NodeID():
		result = "Unknown device"
	case result == "OK":
		s.mu.Lock()
		if s.cookies[u.Query().Get("rauth")] {
			s.tunnels[u.Query().Get("id")] = pendingTunnel{nodeID: s.NodeID(), protocol: u.Query().Get("p")}
		} else {
			result = "Invalid relay cookie"
		}
		s.mu.Unlock()
	}
	_ = c.Send(Reply(msg, meshctrl.Message{"action": "msg", "result": result}))
}

func (s *Server) handleMeshes(c *Conn, msg meshctrl.Message) {
	_ = c.Send(Reply(msg, meshctrl.Message{
		"action": "meshes",
		"meshes": []meshctrl.Message{
			{"_id": "mesh/" + s.domain + "/servers", "name": "Servers"},
			{"_id": "mesh/" + s.domain + "/desktops", "name": "Desktops"},
		},
	}))
}

func (s *Server) serveRelay(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	s.relayDials++
	pending, ok := s.tunnels[q.Get("id")]
	ok = ok && s.cookies[q.Get("auth")] && q.Get("browser") == "1" &&
		pending.nodeID == q.Get("nodeid") && pending.protocol == q.Get("p")
	delete(s.tunnels, q.Get("id"))
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown tunnel", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &Conn{ws: ws}
	defer c.Close()

	hello := "c"
	if s.recorded {
		hello = "cr"
	}
	if err := c.SendText(hello); err != nil {
		return
	}
	_, proto, err := ws.ReadMessage()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.protocols = append(s.protocols, string(proto))
	s.mu.Unlock()

	s.agent.serve(c)
}
