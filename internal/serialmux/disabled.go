package serialmux

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/sortgate/internal/protocol"
)

// DisabledLink is a no-op Actuator used when the actuator is absent
// (--disable-serial). Packets are counted and discarded. Subscribers are
// tracked so their channels close deterministically on Unsubscribe or Close.
type DisabledLink struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
	discarded   atomic.Uint64
}

var _ Actuator = (*DisabledLink)(nil)

func NewDisabledLink() *DisabledLink {
	return &DisabledLink{
		subscribers: make(map[string]chan string),
	}
}

func (d *DisabledLink) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledLink) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledLink) WritePacket(protocol.Packet) error {
	d.discarded.Add(1)
	return nil
}

func (d *DisabledLink) Stats() LinkStats {
	return LinkStats{PacketsWritten: d.discarded.Load()}
}

func (d *DisabledLink) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledLink) Close() error {
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

func (d *DisabledLink) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, d)
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("serial disabled"))
	})
}
