package serialmux

import (
	"context"
	"io"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/openarm/armlink/internal/monitoring"
	"github.com/openarm/armlink/internal/timeutil"
)

const (
	DefaultWriteRateHz   = 100
	DefaultQueueCapacity = 10
	// spacingWindow is how many recent inter-write gaps feed WriterStats.
	spacingWindow = 256
)

// WriterConfig configures a ThrottledWriter. Zero values take defaults.
type WriterConfig struct {
	// RateHz is the maximum number of physical writes per second.
	RateHz float64
	// Capacity bounds the backlog; overflow drops the oldest frames.
	Capacity int
	Clock    timeutil.Clock
	// OnError receives the transport fault that aborts a drain.
	OnError func(error)
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.RateHz <= 0 {
		c.RateHz = DefaultWriteRateHz
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultQueueCapacity
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// Interval returns the minimum spacing between writes, 1000/RateHz ms.
func (c WriterConfig) Interval() time.Duration {
	c = c.withDefaults()
	return time.Duration(float64(time.Second) / c.RateHz)
}

// WriterStats summarises writer activity.
type WriterStats struct {
	Queued  int    `json:"queued"`
	Writes  uint64 `json:"writes"`
	Dropped uint64 `json:"dropped"`
	Faults  uint64 `json:"faults"`
	// SpacingMeanMs and SpacingStdDevMs describe the gaps between recent
	// physical writes.
	SpacingMeanMs   float64 `json:"spacing_mean_ms"`
	SpacingStdDevMs float64 `json:"spacing_stddev_ms"`
}

// ThrottledWriter serialises frames onto w no faster than the configured
// rate, holding at most Capacity frames. At most one drain goroutine runs at
// a time, so frames reach the transport in enqueue order.
type ThrottledWriter struct {
	w        io.Writer
	clock    timeutil.Clock
	interval time.Duration
	capacity int
	onError  func(error)

	mu        sync.Mutex
	queue     [][]byte
	draining  bool
	done      chan struct{}
	lastWrite time.Time
	fault     error
	closed    bool
	stop      chan struct{}

	writes  uint64
	dropped uint64
	faults  uint64
	spacing []float64
}

// NewThrottledWriter returns a writer draining onto w.
func NewThrottledWriter(w io.Writer, cfg WriterConfig) *ThrottledWriter {
	cfg = cfg.withDefaults()
	done := make(chan struct{})
	close(done)
	return &ThrottledWriter{
		w:        w,
		clock:    cfg.Clock,
		interval: cfg.Interval(),
		capacity: cfg.Capacity,
		onError:  cfg.OnError,
		done:     done,
		stop:     make(chan struct{}),
	}
}

// Interval returns the minimum spacing between physical writes.
func (t *ThrottledWriter) Interval() time.Duration { return t.interval }

// Enqueue appends a copy of frame to the backlog, dropping the oldest
// pending frames if the backlog is full, and starts a drain if none is
// running. Enqueue never blocks on the transport.
func (t *ThrottledWriter) Enqueue(frame []byte) {
	f := make([]byte, len(frame))
	copy(f, frame)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	dropped := 0
	for len(t.queue) >= t.capacity {
		t.queue[0] = nil
		t.queue = t.queue[1:]
		dropped++
	}
	t.dropped += uint64(dropped)
	t.queue = append(t.queue, f)

	start := !t.draining
	if start {
		t.draining = true
		t.done = make(chan struct{})
	}
	t.mu.Unlock()

	if dropped > 0 {
		monitoring.Diagf("write backlog full: dropped %d stale frame(s)", dropped)
	}
	if start {
		go t.drain()
	}
}

func (t *ThrottledWriter) drain() {
	for {
		t.mu.Lock()
		if len(t.queue) == 0 || t.closed {
			t.finishLocked(nil)
			t.mu.Unlock()
			return
		}
		var wait time.Duration
		if !t.lastWrite.IsZero() {
			wait = t.interval - t.clock.Since(t.lastWrite)
		}
		if wait > 0 {
			t.mu.Unlock()
			select {
			case <-t.clock.After(wait):
			case <-t.stop:
			}
			// Clear may have emptied the backlog meanwhile; recheck.
			continue
		}
		frame := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.mu.Unlock()

		if _, err := t.w.Write(frame); err != nil {
			fault := &TransportError{Op: "write", Err: err}
			monitoring.Opsf("write drain aborted: %v", fault)
			if t.onError != nil {
				t.onError(fault)
			}
			t.mu.Lock()
			t.faults++
			t.finishLocked(fault)
			t.mu.Unlock()
			return
		}

		now := t.clock.Now()
		t.mu.Lock()
		if !t.lastWrite.IsZero() {
			t.recordSpacingLocked(now.Sub(t.lastWrite))
		}
		t.lastWrite = now
		t.writes++
		t.mu.Unlock()
	}
}

func (t *ThrottledWriter) finishLocked(fault error) {
	if fault != nil {
		t.fault = fault
	}
	t.draining = false
	close(t.done)
}

func (t *ThrottledWriter) recordSpacingLocked(d time.Duration) {
	if len(t.spacing) == spacingWindow {
		copy(t.spacing, t.spacing[1:])
		t.spacing = t.spacing[:spacingWindow-1]
	}
	t.spacing = append(t.spacing, float64(d)/float64(time.Millisecond))
}

// Flush waits until the current drain finishes. It returns, and clears, the
// transport fault of a drain that was aborted by a failed write.
func (t *ThrottledWriter) Flush(ctx context.Context) error {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.fault
	t.fault = nil
	return err
}

// TakeFault returns, and clears, the transport fault of the last aborted
// drain without waiting for a running one.
func (t *ThrottledWriter) TakeFault() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.fault
	t.fault = nil
	return err
}

// Clear empties the backlog and returns how many frames were discarded. A
// frame already handed to the transport is not affected.
func (t *ThrottledWriter) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.queue)
	t.queue = nil
	return n
}

// Len returns the backlog depth.
func (t *ThrottledWriter) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Pending returns copies of the queued frames, oldest first.
func (t *ThrottledWriter) Pending() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.queue))
	for i, f := range t.queue {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Stats returns counters and the spacing of recent writes.
func (t *ThrottledWriter) Stats() WriterStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := WriterStats{
		Queued:  len(t.queue),
		Writes:  t.writes,
		Dropped: t.dropped,
		Faults:  t.faults,
	}
	switch len(t.spacing) {
	case 0:
	case 1:
		s.SpacingMeanMs = t.spacing[0]
	default:
		s.SpacingMeanMs, s.SpacingStdDevMs = stat.MeanStdDev(t.spacing, nil)
	}
	return s
}

// Close stops a drain that is waiting out the interval and rejects further
// frames. A write already dispatched to the transport cannot be aborted.
func (t *ThrottledWriter) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.stop)
}
