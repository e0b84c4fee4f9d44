package meshtest

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smnsjas/go-meshctrl"
	"github.com/smnsjas/go-meshctrl/tunnel"
)

type entry struct {
	dir  bool
	data []byte
}

// Agent is the fake device. It answers file-explorer requests from an
// in-memory file system and reports results on the control channel the
// way a MeshCentral agent does.
type Agent struct {
	srv           *Server
	downloadChunk int
	ackDelay      time.Duration
	noise         bool

	mu          sync.Mutex
	files       map[string]*entry
	failNext    map[string]string
	reportBoth  bool
	omitFinal   bool
	staleChunk  bool
	silent      map[string]bool
	cancels     []meshctrl.Message
	uploads     [][]byte
	outstanding int
	maxInFlight int
	acks        int
}

func newAgent(s *Server) *Agent {
	return &Agent{
		srv:           s,
		downloadChunk: 16 * 1024,
		files:         map[string]*entry{"/": {dir: true}},
		failNext:      make(map[string]string),
		silent:        make(map[string]bool),
	}
}

// WriteFile stores data at p, creating parent directories.
func (a *Agent) WriteFile(p string, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mkdirAll(path.Dir(clean(p)))
	a.files[clean(p)] = &entry{data: append([]byte(nil), data...)}
}

// ReadFile returns the file stored at p.
func (a *Agent) ReadFile(p string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.files[clean(p)]
	if !ok || e.dir {
		return nil, false
	}
	return append([]byte(nil), e.data...), true
}

// Exists reports whether p is a file or directory.
func (a *Agent) Exists(p string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.files[clean(p)]
	return ok
}

// IsDir reports whether p is a directory.
func (a *Agent) IsDir(p string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.files[clean(p)]
	return ok && e.dir
}

// FailNext makes the next request with action fail with a console message.
func (a *Agent) FailNext(action, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext[action] = message
}

// ReportBoth makes failed requests also emit the success log line.
func (a *Agent) ReportBoth(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reportBoth = v
}

// OmitFinal makes downloads stop after the last data frame without
// setting the final flag.
func (a *Agent) OmitFinal(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.omitFinal = v
}

// StaleChunk makes the agent send a leftover data frame ahead of each
// download start, as happens when an earlier transfer is still draining.
func (a *Agent) StaleChunk(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.staleChunk = v
}

// Cancels returns the transfer cancellations received from the client,
// including those for silenced actions.
func (a *Agent) Cancels() []meshctrl.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]meshctrl.Message(nil), a.cancels...)
}

// Silence makes the agent ignore requests with action.
func (a *Agent) Silence(action string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.silent[action] = true
}

// UploadFrames returns the raw binary frames received for uploads.
func (a *Agent) UploadFrames() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.uploads...)
}

// MaxInFlight returns the largest number of unacknowledged upload chunks
// seen at once.
func (a *Agent) MaxInFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxInFlight
}

// DownloadAcks returns how many download acknowledgements were received.
func (a *Agent) DownloadAcks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func (a *Agent) mkdirAll(p string) {
	for p != "/" {
		if _, ok := a.files[p]; !ok {
			a.files[p] = &entry{dir: true}
		}
		p = path.Dir(p)
	}
}

func (a *Agent) takeFailure(action string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg, ok := a.failNext[action]
	delete(a.failNext, action)
	return msg, ok
}

func (a *Agent) agentLog(msg string) {
	a.srv.Broadcast(meshctrl.Message{
		"action": "event",
		"event": meshctrl.Message{
			"etype":  "node",
			"action": "agentlog",
			"nodeid": a.srv.NodeID(),
			"msg":    msg,
		},
	})
}

func (a *Agent) console(msg string) {
	a.srv.Broadcast(meshctrl.Message{
		"action": "msg",
		"type":   "console",
		"nodeid": a.srv.NodeID(),
		"value":  msg,
	})
}

// report publishes the outcome of a file command. Unrelated log lines go
// out first.
func (a *Agent) report(action, success string) {
	a.srv.Broadcast(meshctrl.Message{
		"action": "event",
		"event": meshctrl.Message{
			"etype":  "node",
			"action": "agentlog",
			"nodeid": "node/" + a.srv.domain + "/other",
			"msg":    "Create folder: \"/elsewhere\"",
		},
	})
	a.agentLog("Started file management")

	if failure, ok := a.takeFailure(action); ok {
		a.console(failure)
		a.mu.Lock()
		both := a.reportBoth
		a.mu.Unlock()
		if both {
			a.agentLog(success)
		}
		return
	}
	a.agentLog(success)
}

type download struct {
	id        string
	data      []byte
	off       int
	exhausted bool
}

type upload struct {
	reqid string
	path  string
	data  []byte
}

func (a *Agent) serve(c *Conn) {
	var (
		dl *download
		up *upload
	)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage && (len(data) == 0 || data[0] != '{') {
			if up == nil {
				continue
			}
			a.mu.Lock()
			a.uploads = append(a.uploads, append([]byte(nil), data...))
			a.outstanding++
			a.maxInFlight = max(a.maxInFlight, a.outstanding)
			a.mu.Unlock()
			up.data = append(up.data, tunnel.DecodeChunk(data)...)
			a.ack(c, up.reqid)
			continue
		}

		msg, err := meshctrl.ParseMessage(data)
		if err != nil {
			continue
		}
		a.mu.Lock()
		if msg.Action() == "uploadcancel" || (msg.Action() == "download" && msg.String("sub") == "cancel") {
			a.cancels = append(a.cancels, msg)
		}
		silent := a.silent[msg.Action()]
		a.mu.Unlock()
		if silent {
			continue
		}

		switch msg.Action() {
		case "ls":
			a.list(c, msg)
		case "mkdir":
			p := clean(msg.String("path"))
			a.mu.Lock()
			a.mkdirAll(p)
			a.mu.Unlock()
			a.report("mkdir", fmt.Sprintf("Create folder: %q", p))
		case "rm":
			a.remove(msg)
		case "rename":
			a.rename(msg)
		case "upload":
			if failure, ok := a.takeFailure("upload"); ok {
				_ = c.Send(meshctrl.Message{"action": "uploaderror", "reqid": msg["reqid"], "msg": failure})
				continue
			}
			target := msg.String("path")
			if name := msg.String("name"); name != "" {
				target = path.Join(target, name)
			}
			up = &upload{reqid: fmt.Sprint(msg["reqid"]), path: clean(target)}
			_ = c.Send(meshctrl.Message{"action": "uploadstart", "reqid": msg["reqid"]})
		case "uploadcancel":
			if up != nil && up.reqid == fmt.Sprint(msg["reqid"]) {
				up = nil
			}
		case "uploaddone":
			if up == nil {
				continue
			}
			a.WriteFile(up.path, up.data)
			_ = c.Send(meshctrl.Message{"action": "uploaddone", "reqid": up.reqid})
			up = nil
		case "download":
			dl = a.download(c, msg, dl)
		}
	}
}

func (a *Agent) ack(c *Conn, reqid string) {
	send := func() {
		a.mu.Lock()
		a.outstanding--
		a.mu.Unlock()
		_ = c.Send(meshctrl.Message{"action": "uploadack", "reqid": reqid})
	}
	if a.ackDelay > 0 {
		time.AfterFunc(a.ackDelay, send)
		return
	}
	send()
}

func (a *Agent) list(c *Conn, msg meshctrl.Message) {
	dir := clean(msg.String("path"))
	if a.noise {
		_ = c.Send(meshctrl.Message{"action": "ls", "reqid": "other", "dir": []any{}})
		_ = c.SendBinary([]byte{0x01})
	}

	a.mu.Lock()
	var names []string
	for p := range a.files {
		if p != "/" && path.Dir(p) == dir {
			names = append(names, p)
		}
	}
	sort.Strings(names)
	entries := make([]meshctrl.Message, 0, len(names))
	for _, p := range names {
		e := a.files[p]
		item := meshctrl.Message{"n": path.Base(p), "d": "2026-01-02T03:04:05.000Z"}
		if e.dir {
			item["t"] = int(meshctrl.FileTypeDirectory)
		} else {
			item["t"] = int(meshctrl.FileTypeFile)
			item["s"] = len(e.data)
		}
		entries = append(entries, item)
	}
	a.mu.Unlock()

	_ = c.Send(meshctrl.Message{"action": "ls", "reqid": msg["reqid"], "path": dir, "dir": entries})
}

func (a *Agent) remove(msg meshctrl.Message) {
	dir := clean(msg.String("path"))
	rec, _ := msg["rec"].(bool)
	names, _ := msg["delfiles"].([]any)

	a.mu.Lock()
	removed := 0
	for _, n := range names {
		target := path.Join(dir, fmt.Sprint(n))
		if _, ok := a.files[target]; !ok {
			continue
		}
		delete(a.files, target)
		removed++
		if rec {
			for p := range a.files {
				if strings.HasPrefix(p, target+"/") {
					delete(a.files, p)
					removed++
				}
			}
		}
	}
	a.mu.Unlock()

	line := fmt.Sprintf("Delete: %q", dir)
	if len(names) == 1 {
		line = fmt.Sprintf("Delete: %q", path.Join(dir, fmt.Sprint(names[0])))
	}
	if rec {
		line = fmt.Sprintf("%s, %d element(s) removed", line, removed)
	}
	a.report("rm", line)
}

func (a *Agent) rename(msg meshctrl.Message) {
	dir := clean(msg.String("path"))
	from := path.Join(dir, msg.String("oldname"))
	to := path.Join(dir, msg.String("newname"))

	a.mu.Lock()
	if e, ok := a.files[from]; ok {
		delete(a.files, from)
		a.files[to] = e
		for p, child := range a.files {
			if strings.HasPrefix(p, from+"/") {
				delete(a.files, p)
				a.files[to+strings.TrimPrefix(p, from)] = child
			}
		}
	}
	a.mu.Unlock()

	a.report("rename", fmt.Sprintf("Rename: %q to %q", from, msg.String("newname")))
}

func (a *Agent) download(c *Conn, msg meshctrl.Message, dl *download) *download {
	id := fmt.Sprint(msg["id"])
	switch msg.String("sub") {
	case "start":
		if a.noise {
			_ = c.Send(meshctrl.Message{"action": "download", "sub": "cancel", "id": "other"})
			_ = c.SendBinary([]byte{0x00, 0x01})
		}
		a.mu.Lock()
		stale := a.staleChunk
		a.mu.Unlock()
		if stale {
			_ = c.SendBinary(tunnel.DownloadFrame([]byte("STALE"), false))
		}
		data, ok := a.ReadFile(msg.String("path"))
		if !ok {
			_ = c.Send(meshctrl.Message{"action": "download", "sub": "cancel", "id": id})
			return nil
		}
		_ = c.Send(meshctrl.Message{"action": "download", "sub": "start", "id": id})
		return &download{id: id, data: data}
	case "startack":
		if dl == nil || dl.id != id {
			return dl
		}
		return a.sendChunk(c, dl)
	case "ack":
		if dl == nil || dl.id != id {
			return dl
		}
		a.mu.Lock()
		a.acks++
		a.mu.Unlock()
		return a.sendChunk(c, dl)
	case "cancel":
		return nil
	}
	return dl
}

func (a *Agent) sendChunk(c *Conn, dl *download) *download {
	a.mu.Lock()
	omitFinal := a.omitFinal
	a.mu.Unlock()

	if dl.exhausted {
		// Everything went out without the final flag; stay quiet.
		return dl
	}
	end := min(dl.off+a.downloadChunk, len(dl.data))
	final := end == len(dl.data) && !omitFinal
	_ = c.SendBinary(tunnel.DownloadFrame(dl.data[dl.off:end], final))
	dl.off = end
	dl.exhausted = end == len(dl.data)
	if final {
		return nil
	}
	return dl
}
