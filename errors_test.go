package meshctrl

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutWrapsBoth(t *testing.T) {
	err := Timeout("ls", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "ls")
}

func TestSocketError(t *testing.T) {
	cause := errors.New("EOF")
	err := fmt.Errorf("send: %w", NewSocketError("connection lost", cause))

	assert.True(t, IsSocketError(err))
	assert.False(t, IsServerError(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "socket error: closed", NewSocketError("closed", nil).Error())
}

func TestServerError(t *testing.T) {
	err := fmt.Errorf("mkdir: %w", &ServerError{Message: "Access denied"})
	assert.True(t, IsServerError(err))
	assert.Contains(t, err.Error(), "Access denied")
}

func TestFileTransferCancelledIsTransferError(t *testing.T) {
	stats := TransferStats{Result: "canceled", Size: 42}
	var err error = &FileTransferCancelled{FileTransferError{Message: "cancelled", Stats: stats}}

	var fte *FileTransferError
	require.True(t, errors.As(err, &fte))
	assert.Equal(t, stats, fte.Stats)

	var ftc *FileTransferCancelled
	assert.True(t, errors.As(err, &ftc))

	var plain error = &FileTransferError{Message: "errored", Stats: stats}
	assert.False(t, errors.As(plain, &ftc))
}
