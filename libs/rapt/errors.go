package rapt

import "errors"

// Errors returned by Send, Recv and SetMtu. Input and PeekSize keep the
// integer result codes of the wire-protocol family instead.
var (
	// ErrEmptyData is returned by Send for a zero-length buffer.
	ErrEmptyData = errors.New("rapt: send on empty data")
	// ErrFragmentTooLarge is returned by Send when the message would need
	// at least as many fragments as the receive window holds.
	ErrFragmentTooLarge = errors.New("rapt: message exceeds fragment limit")
	// ErrNoData is returned by Recv when the receive queue is empty.
	ErrNoData = errors.New("rapt: no data available")
	// ErrFragmentIncomplete is returned by Recv while the head message is
	// still missing fragments.
	ErrFragmentIncomplete = errors.New("rapt: fragments incomplete")
	// ErrBufferTooSmall is returned by Recv when the caller's buffer cannot
	// hold the next message; size it with PeekSize.
	ErrBufferTooSmall = errors.New("rapt: receive buffer too small")
	// ErrInvalidMtu is returned by SetMtu for an MTU below the minimum.
	ErrInvalidMtu = errors.New("rapt: invalid mtu")
)
