package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// Frame is one websocket message.
type Frame struct {
	// Binary selects a binary frame; otherwise the frame is UTF-8 text.
	Binary bool
	Data   []byte
}

// TextFrame returns a text frame holding data.
func TextFrame(data []byte) Frame {
	return Frame{Data: data}
}

// BinaryFrame returns a binary frame holding data.
func BinaryFrame(data []byte) Frame {
	return Frame{Binary: true, Data: data}
}

// JSONFrame encodes v as a text frame.
func JSONFrame(v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("encode frame: %w", err)
	}
	return TextFrame(data), nil
}

// IsJSON reports whether the frame looks like a JSON control object.
func (f Frame) IsJSON() bool {
	return len(f.Data) > 0 && f.Data[0] == '{' && json.Valid(f.Data)
}

// Handler receives every inbound frame in arrival order on the receive loop.
// A non-nil error is terminal: the manager fails with it and does not
// reconnect.
type Handler interface {
	HandleFrame(ctx context.Context, f Frame) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, f Frame) error

// HandleFrame implements Handler.
func (fn HandlerFunc) HandleFrame(ctx context.Context, f Frame) error {
	return fn(ctx, f)
}
