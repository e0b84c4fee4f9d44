package meshctrl

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no response arrived within the caller's
	// deadline. Errors wrapping it also wrap the underlying context error.
	ErrTimeout = errors.New("meshctrl: timed out waiting for response")

	// ErrNoCredentials is returned when neither a password nor a login key
	// was configured.
	ErrNoCredentials = errors.New("meshctrl: no login credentials given")

	// ErrInvalidURL is returned for server URLs that are not ws:// or wss://.
	ErrInvalidURL = errors.New("meshctrl: invalid URL")

	// ErrInvalidLoginKey is returned when a login key does not decode to 80 bytes.
	ErrInvalidLoginKey = errors.New("meshctrl: invalid login key")
)

// SocketError reports that a connection was never established or closed
// while a call was outstanding.
type SocketError struct {
	Reason string
	Err    error
}

// NewSocketError returns a SocketError with the given reason.
func NewSocketError(reason string, err error) *SocketError {
	return &SocketError{Reason: reason, Err: err}
}

// Error implements the error interface.
func (e *SocketError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("socket error: %s: %v", e.Reason, e.Err)
	}
	return "socket error: " + e.Reason
}

// Unwrap returns the underlying cause.
func (e *SocketError) Unwrap() error { return e.Err }

// ServerError carries failure text reported by the remote side.
type ServerError struct {
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// TransferStats describes how far a file transfer got.
type TransferStats struct {
	// Result is "success" or "canceled".
	Result string `json:"result"`
	// Size is the number of payload bytes moved.
	Size int64 `json:"size"`
}

// FileTransferError reports an aborted transfer with its partial progress.
type FileTransferError struct {
	Message string
	Stats   TransferStats
}

// Error implements the error interface.
func (e *FileTransferError) Error() string {
	return fmt.Sprintf("file transfer failed: %s (%s, %d bytes)", e.Message, e.Stats.Result, e.Stats.Size)
}

// FileTransferCancelled reports a transfer cancelled by the remote side.
// errors.As with a *FileTransferError target matches it as well.
type FileTransferCancelled struct {
	FileTransferError
}

// Error implements the error interface.
func (e *FileTransferCancelled) Error() string {
	return fmt.Sprintf("file transfer cancelled: %s (%d bytes)", e.Message, e.Stats.Size)
}

// As lets errors.As treat a cancellation as a FileTransferError.
func (e *FileTransferCancelled) As(target any) bool {
	if t, ok := target.(**FileTransferError); ok {
		*t = &e.FileTransferError
		return true
	}
	return false
}

// IsSocketError reports whether err is or wraps a SocketError.
func IsSocketError(err error) bool {
	var se *SocketError
	return errors.As(err, &se)
}

// IsServerError reports whether err is or wraps a ServerError.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

// Timeout wraps a context error so that it matches both ErrTimeout and
// the original error.
func Timeout(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
}
