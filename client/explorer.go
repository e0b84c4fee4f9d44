package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/smnsjas/go-meshctrl"
	"github.com/smnsjas/go-meshctrl/tunnel"
)

func explorerKey(nodeID string) string {
	return nodeID + "#" + meshctrl.ProtocolFiles.String()
}

func (s *Session) filesConfig() tunnel.FilesConfig {
	return tunnel.FilesConfig{
		Tunnel: tunnel.Config{
			OpenTimeout:   s.cfg.TunnelOpenTimeout,
			SendQueueSize: s.cfg.SendQueueSize,
			Logger:        s.cfg.Logger,
		},
		ChunkSize:         s.cfg.ChunkSize,
		MaxInFlightChunks: s.cfg.MaxInFlightChunks,
		CommandTimeout:    s.cfg.CommandTimeout,
	}
}

// FileExplorer returns an open file-explorer tunnel to nodeID. With unique
// set the caller owns the tunnel and must close it; otherwise a tunnel
// cached per node is returned and the session closes it. Opens to a device
// whose tunnels keep failing are refused with ErrCircuitOpen for a while.
func (s *Session) FileExplorer(ctx context.Context, nodeID string, unique bool) (*tunnel.Files, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, meshctrl.NewSocketError("closed", nil)
	}
	var files *tunnel.Files
	if !unique {
		key := explorerKey(nodeID)
		files = s.explorers[key]
		if files != nil && files.State() >= tunnel.StateClosed {
			delete(s.explorers, key)
			files = nil
		}
		if files == nil {
			files = tunnel.NewFiles(s, nodeID, s.filesConfig())
			s.explorers[key] = files
		}
	} else {
		files = tunnel.NewFiles(s, nodeID, s.filesConfig())
	}
	s.mu.Unlock()

	if err := s.breakers.get(nodeID).execute(func() error { return files.Open(ctx) }); err != nil {
		s.logTunnelFailure(nodeID, err)
		if !unique {
			s.mu.Lock()
			if s.explorers[explorerKey(nodeID)] == files {
				delete(s.explorers, explorerKey(nodeID))
			}
			s.mu.Unlock()
		}
		_ = files.Close()
		return nil, err
	}

	s.security.LogTunnel(SubtypeTunnelOpened, OutcomeSuccess, SeverityInfo, map[string]any{
		"nodeid":   files.NodeID(),
		"protocol": files.Protocol().String(),
		"recorded": files.Recorded(),
	})
	return files, nil
}

func (s *Session) logTunnelFailure(nodeID string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		return
	}
	details := map[string]any{"nodeid": nodeID, "error": err.Error()}
	if meshctrl.IsServerError(err) {
		s.security.LogTunnel(SubtypeTunnelRejected, OutcomeDenied, SeverityWarning, details)
		return
	}
	s.security.LogTunnel(SubtypeTunnelRejected, OutcomeFailure, SeverityError, details)
}

// withFiles runs fn against a file explorer for nodeID, closing it
// afterwards when unique is set.
func (s *Session) withFiles(ctx context.Context, nodeID string, unique bool, fn func(*tunnel.Files) error) error {
	files, err := s.FileExplorer(ctx, nodeID, unique)
	if err != nil {
		return err
	}
	if unique {
		defer files.Close()
	}
	return fn(files)
}

// Upload streams src to target on nodeID.
func (s *Session) Upload(ctx context.Context, nodeID string, src io.Reader, target string, unique bool) (meshctrl.TransferStats, error) {
	var stats meshctrl.TransferStats
	err := s.withFiles(ctx, nodeID, unique, func(f *tunnel.Files) error {
		var err error
		stats, err = f.Upload(ctx, src, target, "")
		return err
	})
	return stats, err
}

// UploadFile uploads the local file at localPath to target on nodeID.
func (s *Session) UploadFile(ctx context.Context, nodeID, localPath, target string, unique bool) (meshctrl.TransferStats, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return meshctrl.TransferStats{}, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()
	return s.Upload(ctx, nodeID, src, target, unique)
}

// Download writes source on nodeID to dst.
func (s *Session) Download(ctx context.Context, nodeID, source string, dst io.Writer, unique bool) (meshctrl.TransferStats, error) {
	var stats meshctrl.TransferStats
	err := s.withFiles(ctx, nodeID, unique, func(f *tunnel.Files) error {
		var err error
		stats, err = f.Download(ctx, source, dst)
		return err
	})
	return stats, err
}

// DownloadFile downloads source on nodeID into the local file localPath.
func (s *Session) DownloadFile(ctx context.Context, nodeID, source, localPath string, unique bool) (meshctrl.TransferStats, error) {
	dst, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return meshctrl.TransferStats{}, fmt.Errorf("create %s: %w", localPath, err)
	}
	stats, err := s.Download(ctx, nodeID, source, dst, unique)
	return stats, errors.Join(err, dst.Close())
}
