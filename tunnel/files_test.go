package tunnel_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-meshctrl"
	"github.com/smnsjas/go-meshctrl/client"
	"github.com/smnsjas/go-meshctrl/internal/meshtest"
	"github.com/smnsjas/go-meshctrl/tunnel"
)

func dial(t *testing.T, srv *meshtest.Server) *client.Session {
	t.Helper()
	cfg := client.DefaultConfig()
	cfg.URL = srv.ControlURL()
	cfg.Username = meshtest.Username
	cfg.Password = meshtest.Password
	cfg.CommandTimeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := client.Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func openFiles(t *testing.T, srv *meshtest.Server, cfg tunnel.FilesConfig) *tunnel.Files {
	t.Helper()
	s := dial(t, srv)
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	f := tunnel.NewFiles(s, meshtest.DeviceID, cfg)
	require.NoError(t, f.Open(context.Background()))
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestTunnel_OpenHandshake(t *testing.T) {
	srv := meshtest.New(t, meshtest.WithDomain("corp"), meshtest.WithRecording())
	f := openFiles(t, srv, tunnel.FilesConfig{})

	assert.Equal(t, tunnel.StateOpen, f.State())
	assert.True(t, f.Alive())
	assert.True(t, f.Recorded())
	assert.Equal(t, "node/corp/dev1", f.NodeID())
	assert.Regexp(t, `^[0-9a-f]{6}$`, f.ID())
	assert.Equal(t, meshctrl.ProtocolFiles, f.Protocol())
	assert.Equal(t, []string{"5"}, srv.Protocols())

	reqs := srv.Received("msg")
	require.Len(t, reqs, 1)
	assert.Equal(t, "tunnel", reqs[0].String("type"))
	assert.Contains(t, reqs[0].String("value"), "*/meshrelay.ashx?p=5&nodeid=node/corp/dev1&id="+f.ID())
	assert.Equal(t, "meshctrl_initialize_tunnel_1", reqs[0].String("tag"))

	require.NoError(t, f.Close())
	assert.Equal(t, tunnel.StateClosed, f.State())
	require.NoError(t, f.Close())
}

func TestTunnel_NotRecorded(t *testing.T) {
	srv := meshtest.New(t)
	f := openFiles(t, srv, tunnel.FilesConfig{})
	assert.False(t, f.Recorded())
	assert.Equal(t, srv.NodeID(), f.NodeID())
}

func TestTunnel_RejectedNeverDials(t *testing.T) {
	srv := meshtest.New(t, meshtest.WithTunnelResult("Device is offline"))
	s := dial(t, srv)

	f := tunnel.NewFiles(s, meshtest.DeviceID, tunnel.FilesConfig{})
	defer f.Close()
	err := f.Open(context.Background())
	require.Error(t, err)

	var se *meshctrl.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Device is offline", se.Message)
	assert.Equal(t, tunnel.StateFailed, f.State())
	assert.Equal(t, 0, srv.RelayDials())

	_, err = f.Ls(context.Background(), "/")
	assert.True(t, meshctrl.IsServerError(err) || meshctrl.IsSocketError(err))
}

func TestTunnel_CloseBeforeOpen(t *testing.T) {
	srv := meshtest.New(t)
	s := dial(t, srv)

	f := tunnel.NewFiles(s, meshtest.DeviceID, tunnel.FilesConfig{})
	require.NoError(t, f.Close())
	assert.Equal(t, tunnel.StateClosed, f.State())
	assert.Empty(t, srv.Received("authcookie"))
}

func TestFiles_Ls(t *testing.T) {
	srv := meshtest.New(t, meshtest.WithNoise())
	srv.Agent().WriteFile("/data/a.txt", []byte("hello"))
	srv.Agent().WriteFile("/data/sub/b.txt", []byte("x"))
	f := openFiles(t, srv, tunnel.FilesConfig{})

	entries, err := f.Ls(context.Background(), "/data")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, meshctrl.FileTypeFile, entries[0].Type)
	assert.Equal(t, int64(5), entries[0].Size)
	assert.Equal(t, "sub", entries[1].Name)
	assert.Equal(t, meshctrl.FileTypeDirectory, entries[1].Type)

	entries, err = f.Ls(context.Background(), "/missing")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFiles_DirectoryOperations(t *testing.T) {
	srv := meshtest.New(t)
	agent := srv.Agent()
	agent.WriteFile("/data/old.txt", []byte("1"))
	agent.WriteFile("/data/tree/x/y.txt", []byte("2"))
	f := openFiles(t, srv, tunnel.FilesConfig{})
	ctx := context.Background()

	created, err := f.Mkdir(ctx, "/data/new")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, agent.IsDir("/data/new"))

	text, err := f.Rename(ctx, "/data", "old.txt", "renamed.txt")
	require.NoError(t, err)
	assert.Equal(t, `Rename: "/data/old.txt" to "renamed.txt"`, text)
	assert.False(t, agent.Exists("/data/old.txt"))
	assert.True(t, agent.Exists("/data/renamed.txt"))

	text, err = f.Rm(ctx, "/data", []string{"tree"}, true)
	require.NoError(t, err)
	assert.Equal(t, `Delete: "/data/tree", 3 element(s) removed`, text)
	assert.False(t, agent.Exists("/data/tree/x/y.txt"))

	_, err = f.Rm(ctx, "/data", []string{"nope"}, false)
	assert.NoError(t, err, "missing files are not an error")
}

func TestFiles_ConsoleErrorWinsRace(t *testing.T) {
	srv := meshtest.New(t)
	agent := srv.Agent()
	agent.FailNext("mkdir", "Access denied")
	agent.ReportBoth(true)
	f := openFiles(t, srv, tunnel.FilesConfig{})
	ctx := context.Background()

	_, err := f.Mkdir(ctx, "/locked")
	var se *meshctrl.ServerError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Access denied", se.Message)

	// The late success line must not leak into the next request.
	entries, err := f.Ls(ctx, "/")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFiles_RequestsRunInOrder(t *testing.T) {
	srv := meshtest.New(t)
	f := openFiles(t, srv, tunnel.FilesConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.Mkdir(ctx, fmt.Sprintf("/d%d", i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err)
		assert.True(t, srv.Agent().IsDir(fmt.Sprintf("/d%d", i)))
	}
}

func patterned(n int) []byte {
	const pattern = "{\x00ab"
	out := make([]byte, n)
	for i := range out {
		out[i] = pattern[i%len(pattern)]
	}
	return out
}

func TestFiles_UploadDownloadRoundTrip(t *testing.T) {
	const chunk = 1024
	sizes := []int{0, 1, chunk - 1, chunk, chunk + 1, 5*chunk + 17}

	for _, n := range sizes {
		t.Run(fmt.Sprintf("%d bytes", n), func(t *testing.T) {
			srv := meshtest.New(t, meshtest.WithDownloadChunkSize(700))
			f := openFiles(t, srv, tunnel.FilesConfig{ChunkSize: chunk})
			ctx := context.Background()
			data := patterned(n)

			stats, err := f.Upload(ctx, bytes.NewReader(data), "/up", "file.bin")
			require.NoError(t, err)
			assert.Equal(t, "success", stats.Result)
			assert.Equal(t, int64(n), stats.Size)

			stored, ok := srv.Agent().ReadFile("/up/file.bin")
			require.True(t, ok)
			assert.Equal(t, data, stored)

			frames := srv.Agent().UploadFrames()
			assert.Len(t, frames, (n+chunk-1)/chunk)
			for _, fr := range frames {
				assert.Equal(t, byte(0x00), fr[0], "chunks starting with '{' are escaped")
			}

			var sink bytes.Buffer
			stats, err = f.Download(ctx, "/up/file.bin", &sink)
			require.NoError(t, err)
			assert.Equal(t, int64(n), stats.Size)
			assert.Equal(t, data, sink.Bytes())
		})
	}
}

func TestFiles_UploadWindow(t *testing.T) {
	srv := meshtest.New(t, meshtest.WithAckDelay(10*time.Millisecond))
	f := openFiles(t, srv, tunnel.FilesConfig{ChunkSize: 100, MaxInFlightChunks: 2})

	data := bytes.Repeat([]byte("z"), 1050)
	_, err := f.Upload(context.Background(), bytes.NewReader(data), "/w.bin", "")
	require.NoError(t, err)

	stored, ok := srv.Agent().ReadFile("/w.bin")
	require.True(t, ok)
	assert.Equal(t, data, stored)
	assert.LessOrEqual(t, srv.Agent().MaxInFlight(), 2)
	assert.Len(t, srv.Agent().UploadFrames(), 11)
}

func TestFiles_UploadRejected(t *testing.T) {
	srv := meshtest.New(t)
	srv.Agent().FailNext("upload", "disk full")
	f := openFiles(t, srv, tunnel.FilesConfig{})

	stats, err := f.Upload(context.Background(), bytes.NewReader([]byte("abc")), "/x", "")
	var fe *meshctrl.FileTransferError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "canceled", stats.Result)
	assert.False(t, srv.Agent().Exists("/x"))
}

func TestFiles_DownloadMissingFileCancelled(t *testing.T) {
	srv := meshtest.New(t, meshtest.WithNoise())
	f := openFiles(t, srv, tunnel.FilesConfig{})

	var sink bytes.Buffer
	_, err := f.Download(context.Background(), "/nope", &sink)
	var cancelled *meshctrl.FileTransferCancelled
	require.ErrorAs(t, err, &cancelled)
	assert.Zero(t, sink.Len())
}

func TestFiles_DownloadWithoutFinalFlagTimesOut(t *testing.T) {
	srv := meshtest.New(t, meshtest.WithDownloadChunkSize(10))
	srv.Agent().WriteFile("/f", patterned(35))
	srv.Agent().OmitFinal(true)
	f := openFiles(t, srv, tunnel.FilesConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var sink bytes.Buffer
	_, err := f.Download(ctx, "/f", &sink)
	require.ErrorIs(t, err, meshctrl.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	// Every non-final frame is acknowledged, the last one included.
	assert.Eventually(t, func() bool { return srv.Agent().DownloadAcks() == 4 }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.Close())
	assert.Equal(t, patterned(35), sink.Bytes())
}

func TestFiles_CloseFailsQueuedRequests(t *testing.T) {
	srv := meshtest.New(t)
	srv.Agent().Silence("ls")
	f := openFiles(t, srv, tunnel.FilesConfig{CommandTimeout: time.Minute})

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := f.Ls(context.Background(), "/")
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return f.Pending() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.Close())
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.True(t, meshctrl.IsSocketError(err), "got %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("request not failed on close")
		}
	}

	_, err := f.Mkdir(context.Background(), "/late")
	assert.True(t, meshctrl.IsSocketError(err))
}

func TestFiles_CallerTimeoutDoesNotStallQueue(t *testing.T) {
	srv := meshtest.New(t)
	srv.Agent().OmitFinal(true)
	srv.Agent().WriteFile("/stuck", []byte("abc"))
	f := openFiles(t, srv, tunnel.FilesConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := f.Download(ctx, "/stuck", &bytes.Buffer{})
	require.True(t, errors.Is(err, meshctrl.ErrTimeout))

	created, err := f.Mkdir(context.Background(), "/after")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestFiles_DownloadIgnoresDataBeforeStart(t *testing.T) {
	srv := meshtest.New(t)
	srv.Agent().StaleChunk(true)
	srv.Agent().WriteFile("/a", []byte("hello"))
	f := openFiles(t, srv, tunnel.FilesConfig{})

	var sink bytes.Buffer
	stats, err := f.Download(context.Background(), "/a", &sink)
	require.NoError(t, err)
	assert.Equal(t, "hello", sink.String())
	assert.Equal(t, int64(5), stats.Size)
}

func TestFiles_DownloadTimeoutCancelsTransfer(t *testing.T) {
	srv := meshtest.New(t)
	srv.Agent().Silence("download")
	srv.Agent().WriteFile("/a", []byte("hello"))
	f := openFiles(t, srv, tunnel.FilesConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := f.Download(ctx, "/a", &bytes.Buffer{})
	require.ErrorIs(t, err, meshctrl.ErrTimeout)

	require.Eventually(t, func() bool { return len(srv.Agent().Cancels()) == 1 }, 2*time.Second, 10*time.Millisecond)
	c := srv.Agent().Cancels()[0]
	assert.Equal(t, "download", c.Action())
	assert.Equal(t, "cancel", c.String("sub"))
	assert.Equal(t, "download_1", c.String("id"))
}

func TestFiles_UploadTimeoutCancelsTransfer(t *testing.T) {
	srv := meshtest.New(t)
	srv.Agent().Silence("upload")
	f := openFiles(t, srv, tunnel.FilesConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := f.Upload(ctx, bytes.NewReader([]byte("data")), "/", "a.txt")
	require.ErrorIs(t, err, meshctrl.ErrTimeout)

	require.Eventually(t, func() bool { return len(srv.Agent().Cancels()) == 1 }, 2*time.Second, 10*time.Millisecond)
	c := srv.Agent().Cancels()[0]
	assert.Equal(t, "uploadcancel", c.Action())
	assert.Equal(t, "upload_1", c.String("reqid"))
	assert.False(t, srv.Agent().Exists("/a.txt"))
}

func TestFiles_CompletedTransfersSendNoCancel(t *testing.T) {
	srv := meshtest.New(t)
	f := openFiles(t, srv, tunnel.FilesConfig{})
	ctx := context.Background()

	_, err := f.Upload(ctx, bytes.NewReader([]byte("abc")), "/", "a.txt")
	require.NoError(t, err)
	var sink bytes.Buffer
	_, err = f.Download(ctx, "/a.txt", &sink)
	require.NoError(t, err)

	// A later request is served only after the agent saw everything above.
	_, err = f.Ls(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, srv.Agent().Cancels())
}

func TestFiles_NilSourceAndSink(t *testing.T) {
	srv := meshtest.New(t)
	srv.Agent().WriteFile("/a", []byte("x"))
	f := openFiles(t, srv, tunnel.FilesConfig{})
	ctx := context.Background()

	_, err := f.Upload(ctx, nil, "/", "a")
	assert.Error(t, err)
	_, err = f.Download(ctx, "/a", nil)
	assert.Error(t, err)

	created, err := f.Mkdir(ctx, "/still-serving")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestFiles_RequestBeforeOpenFailsFast(t *testing.T) {
	srv := meshtest.New(t)
	s := dial(t, srv)
	f := tunnel.NewFiles(s, meshtest.DeviceID, tunnel.FilesConfig{})
	t.Cleanup(func() { _ = f.Close() })

	errs := make(chan error, 1)
	go func() {
		_, err := f.Ls(context.Background(), "/")
		errs <- err
	}()
	select {
	case err := <-errs:
		assert.True(t, meshctrl.IsSocketError(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request before Open blocked")
	}
	assert.Empty(t, srv.Received("authcookie"))
}
