package protocol

import (
	"errors"
	"fmt"
)

// State is the position of the Reader within a frame.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateReadingHeader
	StateReadingPayload
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateReadingHeader:
		return "reading_header"
	case StateReadingPayload:
		return "reading_payload"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReaderStats counts what the Reader has seen since construction.
type ReaderStats struct {
	Bytes          uint64 `json:"bytes"`
	Packets        uint64 `json:"packets"`
	FrameErrors    uint64 `json:"frame_errors"`
	ChecksumErrors uint64 `json:"checksum_errors"`
	// ResyncShifts counts bytes discarded while hunting for a sync word.
	ResyncShifts uint64 `json:"resync_shifts"`
}

// Reader recovers frames from an unbounded byte stream. It is fed one byte
// at a time (or a chunk via Write) and hands every complete frame to the
// packet sink or, when malformed, to the error sink. After each frame
// attempt it re-anchors on the next sync word.
//
// A Reader is not safe for concurrent use; the read loop owns it.
type Reader struct {
	state    State
	buf      [MaxPacketSize]byte
	n        int
	expected int

	onPacket func(Packet)
	onError  func(error)

	stats ReaderStats
}

// NewReader returns a Reader in the Idle state. Either sink may be nil.
func NewReader(onPacket func(Packet), onError func(error)) *Reader {
	return &Reader{onPacket: onPacket, onError: onError}
}

// State returns the current state.
func (r *Reader) State() State { return r.state }

// Stats returns a copy of the counters.
func (r *Reader) Stats() ReaderStats { return r.stats }

// Buffered returns how many bytes of the current frame attempt are held.
func (r *Reader) Buffered() int { return r.n }

// Reset discards any partial frame and returns to Idle.
func (r *Reader) Reset() {
	r.state = StateIdle
	r.n = 0
	r.expected = 0
}

// Write feeds every byte of p through the state machine. It never fails, so
// a Reader can sit behind io.Copy or io.MultiWriter.
func (r *Reader) Write(p []byte) (int, error) {
	for _, b := range p {
		r.Feed(b)
	}
	return len(p), nil
}

// Feed advances the state machine by one byte.
func (r *Reader) Feed(b byte) {
	r.stats.Bytes++

	switch r.state {
	case StateIdle:
		r.state = StateSyncing
		r.n = 0
		fallthrough

	case StateSyncing:
		r.buf[r.n] = b
		r.n++
		if r.n < 2 {
			return
		}
		if uint16(r.buf[0])<<8|uint16(r.buf[1]) == SyncWord {
			r.state = StateReadingHeader
			return
		}
		// Drop the oldest byte; the newer one may start a sync word.
		r.buf[0] = r.buf[1]
		r.n = 1
		r.stats.ResyncShifts++

	case StateReadingHeader:
		r.buf[r.n] = b
		r.n++
		if r.n == HeaderSize {
			r.expected = int(r.buf[2])
			r.state = StateReadingPayload
		}

	case StateReadingPayload:
		r.buf[r.n] = b
		r.n++
		if r.n == HeaderSize+r.expected+1 {
			r.complete()
		}
	}
}

func (r *Reader) complete() {
	pkt, err := Decode(r.buf[:r.n])
	frameLen := r.n
	r.state = StateSyncing
	r.n = 0
	r.expected = 0

	if err != nil {
		r.stats.FrameErrors++
		r.emitError(err)
		return
	}
	if !pkt.Valid() {
		r.stats.ChecksumErrors++
		want := byte(pkt.Command) ^ Calculate(pkt.Payload)
		r.emitError(&FrameError{
			Kind:   ErrChecksumMismatch,
			Len:    frameLen,
			Detail: fmt.Sprintf("got 0x%02x, computed 0x%02x", pkt.Checksum, want),
		})
		return
	}
	r.stats.Packets++
	if r.onPacket != nil {
		r.onPacket(pkt)
	}
}

func (r *Reader) emitError(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}

// IsFrameError reports whether err came from a single malformed frame, as
// opposed to a transport fault.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}
