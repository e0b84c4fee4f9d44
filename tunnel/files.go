package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smnsjas/go-meshctrl"
	"github.com/smnsjas/go-meshctrl/transport"
)

// DefaultChunkSize is the upload chunk size.
const DefaultChunkSize = 65564

// FilesConfig configures a Files tunnel.
type FilesConfig struct {
	Tunnel Config

	// ChunkSize is the upload chunk size (default 65564).
	ChunkSize int

	// MaxInFlightChunks caps unacknowledged upload chunks (0 = unbounded).
	MaxInFlightChunks int

	// CommandTimeout bounds operations whose context has no deadline
	// (0 = wait until the tunnel closes).
	CommandTimeout time.Duration
}

// FileEntry is one item of a directory listing.
type FileEntry struct {
	Name     string            `json:"n"`
	Type     meshctrl.FileType `json:"t"`
	Size     int64             `json:"s,omitempty"`
	Modified string            `json:"d,omitempty"`
}

type requestKind int

const (
	kindList requestKind = iota
	kindMkdir
	kindRemove
	kindRename
	kindUpload
	kindDownload
)

func (k requestKind) String() string {
	return [...]string{"ls", "mkdir", "rm", "rename", "upload", "download"}[k]
}

// fileRequest is one queued operation. Exactly one is current at a time.
type fileRequest struct {
	kind    requestKind
	id      string
	payload meshctrl.Message
	source  io.Reader
	sink    io.Writer

	once   sync.Once
	done   chan struct{}
	result meshctrl.Message
	text   string
	size   int64
	err    error
}

func newFileRequest(kind requestKind, id string, payload meshctrl.Message) *fileRequest {
	return &fileRequest{kind: kind, id: id, payload: payload, done: make(chan struct{})}
}

// resolve completes the request once; later calls are ignored and report
// false.
func (r *fileRequest) resolve(result meshctrl.Message, text string, err error) bool {
	resolved := false
	r.once.Do(func() {
		r.result, r.text, r.err = result, text, err
		resolved = true
		close(r.done)
	})
	return resolved
}

func (r *fileRequest) stats(result string) meshctrl.TransferStats {
	return meshctrl.TransferStats{Result: result, Size: atomic.LoadInt64(&r.size)}
}

// Files is a tunnel speaking the file-explorer protocol.
type Files struct {
	*Tunnel

	cfg    FilesConfig
	logger *slog.Logger

	queue   *requestQueue
	inbox   *frameQueue
	current atomic.Pointer[fileRequest]

	idMu    sync.Mutex
	counter uint64

	opened     atomic.Bool
	workerOnce sync.Once
	workerDone chan struct{}
}

// NewFiles creates a file-explorer tunnel to nodeID. Call Open before use.
func NewFiles(ctrl Controller, nodeID string, cfg FilesConfig) *Files {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	f := &Files{
		cfg:        cfg,
		queue:      newRequestQueue(),
		inbox:      newFrameQueue(),
		workerDone: make(chan struct{}),
	}
	f.Tunnel = New(ctrl, nodeID, meshctrl.ProtocolFiles, cfg.Tunnel, transport.HandlerFunc(f.handleFrame))
	f.logger = f.Tunnel.logger
	return f
}

// Open negotiates the tunnel and starts the request worker.
func (f *Files) Open(ctx context.Context) error {
	f.opened.Store(true)
	f.workerOnce.Do(func() { go f.run() })
	return f.Tunnel.Open(ctx)
}

// Close closes the tunnel. Queued and current requests fail with a
// socket error.
func (f *Files) Close() error {
	err := f.Tunnel.Close()
	f.workerOnce.Do(func() { close(f.workerDone) })
	<-f.workerDone
	for _, r := range f.queue.close() {
		r.resolve(nil, "", f.closedErr())
	}
	return err
}

// Pending returns the number of requests waiting behind the current one.
func (f *Files) Pending() int {
	return f.queue.len()
}

func (f *Files) closedErr() error {
	var se *meshctrl.SocketError
	if err := f.Err(); errors.As(err, &se) {
		return err
	}
	return meshctrl.NewSocketError("closed", f.Err())
}

func (f *Files) nextID(prefix string) string {
	f.idMu.Lock()
	defer f.idMu.Unlock()
	f.counter = (f.counter + 1) % (1<<32 - 1)
	return fmt.Sprintf("%s_%d", prefix, f.counter)
}

func (f *Files) handleFrame(_ context.Context, fr transport.Frame) error {
	if f.current.Load() == nil {
		f.logger.Debug("dropping frame with no current request", "binary", fr.Binary, "size", len(fr.Data))
		return nil
	}
	f.inbox.push(fr)
	return nil
}

// Ls lists directory dir on the device.
func (f *Files) Ls(ctx context.Context, dir string) ([]FileEntry, error) {
	id := f.nextID("meshctrl_ls")
	r := newFileRequest(kindList, id, meshctrl.Message{"action": "ls", "reqid": id, "path": dir})
	if err := f.do(ctx, r); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(r.result["dir"])
	if err != nil {
		return nil, fmt.Errorf("ls %s: %w", dir, err)
	}
	var entries []FileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("ls %s: decode listing: %w", dir, err)
	}
	return entries, nil
}

// Mkdir creates directory dir. It reports whether the agent created it.
func (f *Files) Mkdir(ctx context.Context, dir string) (bool, error) {
	r := newFileRequest(kindMkdir, f.nextID("meshctrl_mkdir"), meshctrl.Message{"action": "mkdir", "path": dir})
	if err := f.do(ctx, r); err != nil {
		return false, err
	}
	return strings.HasPrefix(r.text, "Create folder"), nil
}

// Rm removes names from directory path and returns the agent's log line.
// Missing files are not an error.
func (f *Files) Rm(ctx context.Context, path string, names []string, recursive bool) (string, error) {
	r := newFileRequest(kindRemove, f.nextID("meshctrl_rm"), meshctrl.Message{
		"action":   "rm",
		"delfiles": names,
		"rec":      recursive,
		"path":     path,
	})
	if err := f.do(ctx, r); err != nil {
		return "", err
	}
	return r.text, nil
}

// Rename renames name in directory path to newName and returns the
// agent's log line.
func (f *Files) Rename(ctx context.Context, path, name, newName string) (string, error) {
	r := newFileRequest(kindRename, f.nextID("meshctrl_rename"), meshctrl.Message{
		"action":  "rename",
		"path":    path,
		"oldname": name,
		"newname": newName,
	})
	if err := f.do(ctx, r); err != nil {
		return "", err
	}
	return r.text, nil
}

// Upload streams src to target on the device. If target is a directory,
// name is the file name within it. Partial progress is reported in the
// stats of a FileTransferError.
func (f *Files) Upload(ctx context.Context, src io.Reader, target, name string) (meshctrl.TransferStats, error) {
	id := f.nextID("upload")
	payload := meshctrl.Message{"action": "upload", "reqid": id, "path": target}
	if name != "" {
		payload["name"] = name
	}
	if src == nil {
		return meshctrl.TransferStats{Result: "canceled"}, errors.New("upload: nil source")
	}
	r := newFileRequest(kindUpload, id, payload)
	r.source = src
	if err := f.do(ctx, r); err != nil {
		return r.stats("canceled"), err
	}
	return r.stats("success"), nil
}

// Download writes the device file source to dst.
func (f *Files) Download(ctx context.Context, source string, dst io.Writer) (meshctrl.TransferStats, error) {
	if dst == nil {
		return meshctrl.TransferStats{Result: "canceled"}, errors.New("download: nil destination")
	}
	id := f.nextID("download")
	r := newFileRequest(kindDownload, id, meshctrl.Message{"action": "download", "sub": "start", "id": id, "path": source})
	r.sink = dst
	if err := f.do(ctx, r); err != nil {
		return r.stats("canceled"), err
	}
	return r.stats("success"), nil
}

// do queues r and waits for it. When ctx expires first, r is resolved with
// a timeout so the worker moves on.
func (f *Files) do(ctx context.Context, r *fileRequest) error {
	if !f.opened.Load() {
		if f.State() >= StateClosed {
			return f.closedErr()
		}
		return meshctrl.NewSocketError("not connected", nil)
	}
	if _, ok := ctx.Deadline(); !ok && f.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.CommandTimeout)
		defer cancel()
	}

	if !f.queue.push(r) {
		return f.closedErr()
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		r.resolve(nil, "", meshctrl.Timeout(r.kind.String(), ctx.Err()))
	}
	<-r.done
	return r.err
}

// run serves requests one at a time until the tunnel terminates.
func (f *Files) run() {
	defer close(f.workerDone)

	select {
	case <-f.Initialized():
	case <-f.Terminated():
	}

	for {
		select {
		case <-f.Terminated():
			for _, r := range f.queue.close() {
				r.resolve(nil, "", f.closedErr())
			}
			return
		case <-f.queue.ready:
		}

		for {
			r, ok := f.queue.pop()
			if !ok {
				break
			}
			f.serve(r)
		}
	}
}

func (f *Files) serve(r *fileRequest) {
	select {
	case <-r.done:
		return
	case <-f.Terminated():
		r.resolve(nil, "", f.closedErr())
		return
	default:
	}

	f.current.Store(r)
	f.inbox.reset()
	defer f.current.Store(nil)

	log := f.logger.With("op", r.kind.String(), "reqid", r.id)
	log.Debug("serving file request")

	switch r.kind {
	case kindUpload:
		f.serveUpload(r)
	case kindDownload:
		f.serveDownload(r)
	default:
		f.serveSimple(r)
	}

	<-r.done
	if r.err != nil {
		log.Debug("file request failed", "error", r.err)
	}
}

// wait blocks until r is resolved, the tunnel terminates, or frames are
// buffered for r. It reports false when r is finished.
func (f *Files) wait(r *fileRequest) bool {
	select {
	case <-r.done:
		return false
	case <-f.Terminated():
		r.resolve(nil, "", f.closedErr())
		return false
	case <-f.inbox.ready:
		return true
	}
}

func finished(r *fileRequest) bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// abandon tells the agent to drop a transfer the client stopped waiting
// for, so none of its frames reach the next request.
func (f *Files) abandon(msg meshctrl.Message) {
	select {
	case <-f.Terminated():
		return
	default:
	}
	if err := f.SendJSON(context.Background(), msg); err != nil {
		f.logger.Debug("cancel transfer", "error", err)
	}
}

func (f *Files) send(r *fileRequest, v any) bool {
	if err := f.SendJSON(context.Background(), v); err != nil {
		r.resolve(nil, "", err)
		return false
	}
	return true
}

// serveSimple handles ls, mkdir, rm and rename. The agent reports success
// through an agentlog event on the control session and failure through a
// console message; ls is also answered directly on the tunnel.
func (f *Files) serveSimple(r *fileRequest) {
	nodeID := f.NodeID()
	forNode := func(m meshctrl.Message) bool {
		n := m.String("nodeid")
		if n == "" {
			n = m.Object("event").String("nodeid")
		}
		return n == "" || n == nodeID
	}

	var tokens []func()
	if r.kind != kindList {
		tok := f.ctrl.ListenToEvents(func(m meshctrl.Message) {
			msg := m.Object("event").String("msg")
			if !forNode(m) || strings.HasPrefix(msg, "Started") {
				return
			}
			r.resolve(nil, msg, nil)
		}, meshctrl.Message{"event": meshctrl.Message{"etype": "node", "action": "agentlog"}})
		tokens = append(tokens, func() { f.ctrl.StopListeningToEvents(tok) })
	}
	tok := f.ctrl.ListenToEvents(func(m meshctrl.Message) {
		if !forNode(m) {
			return
		}
		r.resolve(nil, "", &meshctrl.ServerError{Message: m.String("value")})
	}, meshctrl.Message{"action": "msg", "type": "console"})
	tokens = append(tokens, func() { f.ctrl.StopListeningToEvents(tok) })

	defer func() {
		for _, stop := range tokens {
			stop()
		}
	}()

	if !f.send(r, r.payload) {
		return
	}

	for f.wait(r) {
		for _, fr := range f.inbox.drain() {
			if r.kind != kindList || !fr.IsJSON() {
				continue
			}
			msg, err := meshctrl.ParseMessage(fr.Data)
			if err != nil {
				continue
			}
			if reqid, ok := msg["reqid"]; ok && fmt.Sprint(reqid) != r.id {
				continue
			}
			r.resolve(msg, "", nil)
		}
	}
}

func (f *Files) serveUpload(r *fileRequest) {
	if !f.send(r, r.payload) {
		return
	}

	var (
		settled  bool
		started  bool
		complete bool
		inflight int
		buf      = make([]byte, f.cfg.ChunkSize)
	)
	window := f.cfg.MaxInFlightChunks
	defer func() {
		if !settled {
			f.abandon(meshctrl.Message{"action": "uploadcancel", "reqid": r.id})
		}
	}()

	uploadDone := func() bool {
		return f.send(r, meshctrl.Message{"action": "uploaddone", "reqid": r.id})
	}

	handle := func(fr transport.Frame) bool {
		if !fr.IsJSON() {
			return true
		}
		msg, err := meshctrl.ParseMessage(fr.Data)
		if err != nil || fmt.Sprint(msg["reqid"]) != r.id {
			return true
		}
		switch msg.Action() {
		case "uploadstart":
			started = true
		case "uploadack":
			if inflight > 0 {
				inflight--
			}
			if inflight == 0 && complete {
				return uploadDone()
			}
		case "uploaddone":
			settled = true
			r.resolve(nil, "", nil)
			return false
		case "uploaderror":
			settled = true
			r.resolve(nil, "", &meshctrl.FileTransferError{Message: "upload failed", Stats: r.stats("canceled")})
			return false
		}
		return true
	}

	sendChunk := func() bool {
		if finished(r) {
			return false
		}
		n, err := io.ReadFull(r.source, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			r.resolve(nil, "", &meshctrl.FileTransferError{Message: "read source: " + err.Error(), Stats: r.stats("canceled")})
			return false
		}
		if n == 0 {
			complete = true
			if inflight == 0 {
				return uploadDone()
			}
			return true
		}
		if err := f.Send(context.Background(), transport.BinaryFrame(EncodeChunk(buf[:n]))); err != nil {
			r.resolve(nil, "", err)
			return false
		}
		atomic.AddInt64(&r.size, int64(n))
		inflight++
		return true
	}

	for {
		if started && !complete && (window <= 0 || inflight < window) {
			// Let acknowledgements in between chunks.
			select {
			case <-r.done:
				return
			case <-f.Terminated():
				r.resolve(nil, "", f.closedErr())
				return
			case <-f.inbox.ready:
				for _, fr := range f.inbox.drain() {
					if !handle(fr) {
						return
					}
				}
			default:
				if !sendChunk() {
					return
				}
			}
			continue
		}

		if !f.wait(r) {
			return
		}
		for _, fr := range f.inbox.drain() {
			if !handle(fr) {
				return
			}
		}
	}
}

func (f *Files) serveDownload(r *fileRequest) {
	if !f.send(r, r.payload) {
		return
	}

	// Data frames carry no id; only those after this request's start
	// belong to it.
	var settled, started bool
	defer func() {
		if !settled {
			f.abandon(meshctrl.Message{"action": "download", "sub": "cancel", "id": r.id})
		}
	}()

	for f.wait(r) {
		for _, fr := range f.inbox.drain() {
			if finished(r) {
				return
			}
			if fr.IsJSON() {
				msg, err := meshctrl.ParseMessage(fr.Data)
				if err != nil || msg.Action() != "download" || fmt.Sprint(msg["id"]) != r.id {
					continue
				}
				switch msg.String("sub") {
				case "start":
					started = true
					if !f.send(r, meshctrl.Message{"action": "download", "sub": "startack", "id": r.id}) {
						return
					}
				case "cancel":
					settled = true
					r.resolve(nil, "", &meshctrl.FileTransferCancelled{
						FileTransferError: meshctrl.FileTransferError{Message: "download cancelled", Stats: r.stats("canceled")},
					})
					return
				}
				continue
			}

			if !started {
				f.logger.Debug("dropping data frame before download start", "size", len(fr.Data))
				continue
			}
			if len(fr.Data) < chunkHeaderSize {
				f.logger.Debug("ignoring short download frame", "size", len(fr.Data))
				continue
			}
			if data := fr.Data[chunkHeaderSize:]; len(data) > 0 {
				if _, err := r.sink.Write(data); err != nil {
					r.resolve(nil, "", &meshctrl.FileTransferError{Message: "write destination: " + err.Error(), Stats: r.stats("canceled")})
					return
				}
				atomic.AddInt64(&r.size, int64(len(data)))
			}
			if isFinalChunk(fr.Data) {
				settled = true
				r.resolve(nil, "", nil)
				return
			}
			if !f.send(r, meshctrl.Message{"action": "download", "sub": "ack", "id": r.id}) {
				return
			}
		}
	}
}
