package motorlink

import (
	"context"
	"net/http"
	"sync"

	"github.com/banshee-data/explorer/internal/motion"
)

// Disabled stands in for the motor link when no hardware is attached
// (-disable-motor). Velocity commands are dropped. Subscriber channels are
// closed on Unsubscribe or Close so tail readers unblock during shutdown.
type Disabled struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
	last        motion.Velocity
}

func NewDisabled() *Disabled {
	return &Disabled{subscribers: make(map[string]chan string)}
}

func (d *Disabled) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *Disabled) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *Disabled) SendLine(string) error { return nil }

func (d *Disabled) PublishVelocity(v motion.Velocity) error {
	d.mu.Lock()
	d.last = v
	d.mu.Unlock()
	return nil
}

// Last returns the most recent velocity that would have been sent.
func (d *Disabled) Last() motion.Velocity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *Disabled) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *Disabled) Close() error {
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

func (d *Disabled) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/motor", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "motor link disabled", http.StatusServiceUnavailable)
	})
}
