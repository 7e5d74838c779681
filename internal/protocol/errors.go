package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrPacketTooSmall   = errors.New("protocol: packet too small")
	ErrInvalidSync      = errors.New("protocol: invalid sync word")
	ErrIncompletePacket = errors.New("protocol: incomplete packet")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	ErrPayloadTooLarge  = errors.New("protocol: payload too large")
	ErrPayloadLength    = errors.New("protocol: unexpected payload length")
)

// FrameError describes one malformed frame. Kind is one of the sentinel
// errors above so callers can branch with errors.Is.
type FrameError struct {
	Kind error
	// Len is the number of bytes that made up the rejected frame.
	Len int
	// Detail carries kind-specific context, e.g. the sync word seen.
	Detail string
}

func (e *FrameError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v (%d bytes)", e.Kind, e.Len)
	}
	return fmt.Sprintf("%v (%d bytes): %s", e.Kind, e.Len, e.Detail)
}

func (e *FrameError) Unwrap() error { return e.Kind }
