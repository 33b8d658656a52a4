package beacon

import (
	"context"
	"fmt"
)

// RegisterID names a device register (a GATT characteristic on real hardware).
// The mapping to radio-level addresses belongs to the Transport.
type RegisterID string

// OpKind selects between register reads and writes
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// Request is a single register access sent over a Link
type Request struct {
	Kind     OpKind
	Register RegisterID
	Payload  []byte
}

// Response carries the register bytes returned by the device.
// For writes it is the value the device acknowledged.
type Response struct {
	Register RegisterID
	Payload  []byte
}

// Frame is an unsolicited notification pushed by the device
type Frame struct {
	Register RegisterID
	Payload  []byte
}

// FrameHandler receives notification frames. Transports may call it from any goroutine.
type FrameHandler func(Frame)

// Link is an open radio link to one beacon.
//
// Send must honour ctx and return an error wrapping ErrDisconnected once the
// link has dropped. Done is closed when the link goes away for any reason;
// Err then reports the transport's cause (nil after Close).
type Link interface {
	Send(ctx context.Context, req Request) (Response, error)
	Close() error
	Done() <-chan struct{}
	Err() error
}

// Transport opens links to beacons. Implementations enforce that at most one
// link per physical device is open at a time.
type Transport interface {
	Open(ctx context.Context, id Identifier, onFrame FrameHandler) (Link, error)
}
