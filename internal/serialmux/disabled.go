package serialmux

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/openarm/armlink/internal/protocol"
)

// DisabledSerialMux stands in for the link when the arm is absent
// (--disable-arm). Frames are discarded; subscribers are tracked so their
// channels close on Unsubscribe or Close and readers unblock at shutdown.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan protocol.Packet
	closing     bool
	discarded   uint64
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{
		subscribers: make(map[string]chan protocol.Packet),
	}
}

func (d *DisabledSerialMux) Subscribe() (string, chan protocol.Packet) {
	id := uuid.NewString()
	ch := make(chan protocol.Packet)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledSerialMux) SendAngles(protocol.JointAngles) error {
	return d.SendFrame(nil)
}

func (d *DisabledSerialMux) SendFrame([]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return ErrClosed
	}
	d.discarded++
	return nil
}

func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Stats reports discarded frames as writer drops.
func (d *DisabledSerialMux) Stats() LinkStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return LinkStats{
		Writer:      WriterStats{Dropped: d.discarded},
		Subscribers: len(d.subscribers),
	}
}

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

// Initialise discards a home frame, as SerialMux.Initialise sends one.
func (d *DisabledSerialMux) Initialise() error {
	return d.SendAngles(protocol.JointAngles{})
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("serial disabled"))
	})
}
