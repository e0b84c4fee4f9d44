package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures New.
type Options struct {
	// Level is "debug", "info", "warn" or "error". Empty disables logging.
	Level string

	// JSON selects the JSON handler instead of the text handler.
	JSON bool

	// File writes to a size-rotated file instead of stderr.
	File string

	// MaxSize is the rotation threshold in bytes (default 10MB).
	MaxSize int64

	// MaxBackups is the number of rotated files kept (default 3).
	MaxBackups int
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a redacting slog.Logger from opts. The returned closer
// releases the log file, if any.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	if opts.Level == "" {
		return slog.New(slog.DiscardHandler), nopCloser{}, nil
	}

	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		maxSize := opts.MaxSize
		if maxSize <= 0 {
			maxSize = 10 * 1024 * 1024
		}
		backups := opts.MaxBackups
		if backups <= 0 {
			backups = 3
		}
		rf, err := NewRotatingFile(opts.File, maxSize, backups)
		if err != nil {
			return nil, nil, err
		}
		w, closer = rf, rf
	}

	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(NewRedactingHandler(h)), closer, nil
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
