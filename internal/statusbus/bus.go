// Package statusbus fans mission notifications out to in-process observers,
// debug SSE clients and a gRPC health endpoint.
package statusbus

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/explorer/internal/monitoring"
	"github.com/banshee-data/explorer/internal/timeutil"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"tailscale.com/tsweb"
)

var logf = monitoring.Tagged("Status")

const subscriberBuffer = 32

// Event is one published notification.
type Event struct {
	Status    string
	MissionID uuid.UUID
	At        time.Time
}

// Struct converts the event to a protobuf Struct.
func (e Event) Struct() (*structpb.Struct, error) {
	fields := map[string]any{
		"status": e.Status,
		"at":     e.At.UTC().Format(time.RFC3339Nano),
	}
	if e.MissionID != uuid.Nil {
		fields["mission_id"] = e.MissionID.String()
	}
	return structpb.NewStruct(fields)
}

// MarshalJSON renders the event through protojson.
func (e Event) MarshalJSON() ([]byte, error) {
	s, err := e.Struct()
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

// Bus implements mission.StatusSink. Publishing never blocks: subscribers
// that fall behind lose events.
type Bus struct {
	clock timeutil.Clock

	mu          sync.Mutex
	missionID   uuid.UUID
	subscribers map[string]chan Event
	observers   []func(Event)
	last        *Event
	dropped     int
}

func New(clock timeutil.Clock) *Bus {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Bus{
		clock:       clock,
		subscribers: make(map[string]chan Event),
	}
}

// SetMission tags subsequent events with id.
func (b *Bus) SetMission(id uuid.UUID) {
	b.mu.Lock()
	b.missionID = id
	b.mu.Unlock()
}

// Observe registers fn to be called synchronously for every event.
func (b *Bus) Observe(fn func(Event)) {
	b.mu.Lock()
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

func (b *Bus) PublishStatus(status string) {
	b.mu.Lock()
	ev := Event{Status: status, MissionID: b.missionID, At: b.clock.Now()}
	b.last = &ev
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
	observers := slices.Clone(b.observers)
	b.mu.Unlock()

	logf("published %q", status)
	for _, fn := range observers {
		fn(ev)
	}
}

// Last returns the most recent event.
func (b *Bus) Last() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Event{}, false
	}
	return *b.last, true
}

// Dropped counts events not delivered to slow subscribers.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bus) Subscribe() (string, <-chan Event) {
	buf := make([]byte, 8)
	crand.Read(buf)
	id := hex.EncodeToString(buf)

	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// AttachAdminRoutes mounts an SSE tail of events at /debug/status-tail.
func (b *Bus) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("status-tail", "mission status events (SSE)", b.serveTail)
}

func (b *Bus) serveTail(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, events := b.Subscribe()
	defer b.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := ev.MarshalJSON()
			if err != nil {
				logf("failed to encode event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
