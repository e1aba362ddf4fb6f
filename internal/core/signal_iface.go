package core

import "errors"

// Frame is a raw encoded envelope.
type Frame []byte

// SessionID identifies one client connection (the client token cookie).
type SessionID string

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// SignalConnection abstracts a client messaging transport.
// Owned by the adapter; the adapter must Close() it.
// TrySend never blocks: a full buffer yields ErrBackpressure.
type SignalConnection interface {
	IsOpen() bool
	TrySend(Frame) error
	Close()
}
