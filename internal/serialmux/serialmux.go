// Package serialmux owns the serial link to the arm controller. A single
// port is shared by one reader, which recovers frames from the incoming byte
// stream and fans packets out to subscribers, and one throttled writer,
// which paces outgoing frames.
package serialmux

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/openarm/armlink/internal/httputil"
	"github.com/openarm/armlink/internal/monitoring"
	"github.com/openarm/armlink/internal/protocol"
	"github.com/openarm/armlink/internal/timeutil"
)

// subscriberBuffer is the channel depth per subscriber; a full subscriber
// misses packets rather than stalling the read loop.
const subscriberBuffer = 16

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving decoded packets. The
	// channel ID is used to identify the unique channel when unsubscribing.
	Subscribe() (string, chan protocol.Packet)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendAngles encodes a SET_JOINT_ANGLE frame and queues it for writing.
	SendAngles(protocol.JointAngles) error
	// SendFrame queues a pre-encoded frame for writing. A write fault from
	// an earlier frame is reported here as a *TransportError.
	SendFrame([]byte) error
	// Monitor reads the serial port and dispatches packets until the port
	// closes, a transport fault occurs, or the context is cancelled.
	Monitor(context.Context) error
	// Stats returns link counters.
	Stats() LinkStats
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	Initialise() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// LinkStats combines reader and writer counters.
type LinkStats struct {
	Reader      protocol.ReaderStats `json:"reader"`
	Writer      WriterStats          `json:"writer"`
	Subscribers int                  `json:"subscribers"`
}

// Option configures a SerialMux.
type Option func(*config)

type config struct {
	writer WriterConfig
}

// WithWriteRate caps outgoing frames per second.
func WithWriteRate(hz float64) Option {
	return func(c *config) { c.writer.RateHz = hz }
}

// WithQueueCapacity bounds the outgoing backlog.
func WithQueueCapacity(n int) Option {
	return func(c *config) { c.writer.Capacity = n }
}

// WithClock replaces the writer's clock.
func WithClock(clock timeutil.Clock) Option {
	return func(c *config) { c.writer.Clock = clock }
}

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to packets from a single serial port.
type SerialMux[T SerialPorter] struct {
	port   T
	reader *protocol.Reader
	writer *ThrottledWriter

	subscribers  map[string]chan protocol.Packet
	subscriberMu sync.Mutex

	// readerMu guards reader between the monitor goroutine and Stats.
	readerMu sync.Mutex

	closing   bool
	closingMu sync.Mutex
}

// NewSerialMux creates a SerialMux instance backed by port.
func NewSerialMux[T SerialPorter](port T, opts ...Option) *SerialMux[T] {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan protocol.Packet),
	}
	cfg.writer.OnError = func(err error) {
		monitoring.Opsf("serial write fault: %v", err)
	}
	s.writer = NewThrottledWriter(port, cfg.writer)
	s.reader = protocol.NewReader(s.dispatch, s.frameError)
	return s
}

// Subscribe registers a new packet subscriber.
func (s *SerialMux[T]) Subscribe() (string, chan protocol.Packet) {
	id := uuid.NewString()
	ch := make(chan protocol.Packet, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialise homes the arm by commanding every joint to zero.
func (s *SerialMux[T]) Initialise() error {
	if err := s.SendAngles(protocol.JointAngles{}); err != nil {
		return fmt.Errorf("failed to send home position: %w", err)
	}
	return nil
}

// SendAngles encodes a and queues the frame.
func (s *SerialMux[T]) SendAngles(a protocol.JointAngles) error {
	return s.SendFrame(protocol.EncodeJointAngles(a))
}

// SendFrame queues frame for the throttled writer. If an earlier drain was
// aborted by a failed write, that *TransportError is returned once and frame
// is not queued.
func (s *SerialMux[T]) SendFrame(frame []byte) error {
	if s.isClosing() {
		return ErrClosed
	}
	if err := s.writer.TakeFault(); err != nil {
		return err
	}
	s.writer.Enqueue(frame)
	return nil
}

// Flush waits for the backlog to drain and returns any write fault.
func (s *SerialMux[T]) Flush(ctx context.Context) error {
	return s.writer.Flush(ctx)
}

// Monitor runs the read loop on the calling goroutine.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	err := ReadLoop(ctx, s.port, lockedSink[T]{s}, nil)
	if err != nil {
		monitoring.Opsf("serial monitor stopped: %v", err)
	}
	return err
}

// lockedSink feeds the frame reader while holding readerMu.
type lockedSink[T SerialPorter] struct{ s *SerialMux[T] }

func (l lockedSink[T]) Write(p []byte) (int, error) {
	l.s.readerMu.Lock()
	defer l.s.readerMu.Unlock()
	return l.s.reader.Write(p)
}

func (s *SerialMux[T]) dispatch(p protocol.Packet) {
	if s.isClosing() {
		return
	}
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- p:
		default:
			// if the channel is full skip so as not to block the read loop
		}
	}
}

func (s *SerialMux[T]) frameError(err error) {
	monitoring.Tracef("dropped malformed frame: %v", err)
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// Stats returns reader and writer counters.
func (s *SerialMux[T]) Stats() LinkStats {
	s.readerMu.Lock()
	rs := s.reader.Stats()
	s.readerMu.Unlock()

	s.subscriberMu.Lock()
	n := len(s.subscribers)
	s.subscriberMu.Unlock()

	return LinkStats{Reader: rs, Writer: s.writer.Stats(), Subscribers: n}
}

// Close stops the writer, closes subscriber channels and the port.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.writer.Close()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

type anglesRequest struct {
	Angles protocol.JointAngles `json:"angles"`
}

type packetEvent struct {
	Command  string                `json:"command"`
	Length   uint8                 `json:"length"`
	Payload  string                `json:"payload"`
	Checksum byte                  `json:"checksum"`
	Angles   *protocol.JointAngles `json:"angles,omitempty"`
}

func newPacketEvent(p protocol.Packet) packetEvent {
	ev := packetEvent{
		Command:  p.Command.String(),
		Length:   p.Length,
		Payload:  hex.EncodeToString(p.Payload),
		Checksum: p.Checksum,
	}
	if a, err := protocol.DecodeJointAngles(p); err == nil {
		ev.Angles = &a
	}
	return ev
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("link-stats", "serial link reader/writer counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, s.Stats())
	})

	// API endpoint to queue a raw angle command, bypassing joint limits.
	debug.HandleSilentFunc("send-angles-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		var req anglesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid body: %v", err))
			return
		}
		if err := s.SendAngles(req.Angles); err != nil {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, "transport", err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, req)
	})

	// Server-Sent Events stream of decoded packets.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case p, ok := <-c:
				if !ok {
					return
				}
				data, err := json.Marshal(newPacketEvent(p))
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
