package ride

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/surface.report/internal/monitoring"
	"github.com/banshee-data/surface.report/internal/surface"
)

// StatusKind names an operator-visible condition.
type StatusKind string

const (
	StatusWaiting           StatusKind = "waiting"
	StatusRecording         StatusKind = "recording"
	StatusStopped           StatusKind = "stopped"
	StatusSensorUnavailable StatusKind = "sensor_unavailable"
	StatusPermissionDenied  StatusKind = "permission_denied"
	StatusSensorTimeout     StatusKind = "sensor_timeout"
	StatusStorageFailure    StatusKind = "storage_failure"
)

// Status is one status-channel message. RideID is zero when no ride is
// involved.
type Status struct {
	Kind    StatusKind `json:"kind"`
	RideID  int64      `json:"ride_id,omitempty"`
	Message string     `json:"message,omitempty"`
}

func (s Status) String() string {
	if s.Message == "" {
		return fmt.Sprintf("%s ride=%d", s.Kind, s.RideID)
	}
	return fmt.Sprintf("%s ride=%d: %s", s.Kind, s.RideID, s.Message)
}

// Sink receives everything the recorder wants shown. Calls come from the
// fusion loop, sensor goroutines and Start/Stop, so implementations must be
// safe for concurrent use and must not block.
type Sink interface {
	PointAdded(surface.RidePoint)
	MapEntryUpserted(surface.RoughnessMapEntry)
	RidesChanged()
	StatusChanged(Status)
}

// NopSink discards every notification.
type NopSink struct{}

func (NopSink) PointAdded(surface.RidePoint)               {}
func (NopSink) MapEntryUpserted(surface.RoughnessMapEntry) {}
func (NopSink) RidesChanged()                              {}
func (NopSink) StatusChanged(Status)                       {}

// EventType tags an Event.
type EventType string

const (
	EventPoint        EventType = "point"
	EventMapEntry     EventType = "map_entry"
	EventRidesChanged EventType = "rides_changed"
	EventStatus       EventType = "status"
)

// Event is the broadcast form of a Sink notification. Exactly one of the
// payload fields is set, matching Type (none for EventRidesChanged).
type Event struct {
	Type     EventType                  `json:"type"`
	Time     time.Time                  `json:"time"`
	Point    *surface.RidePoint         `json:"point,omitempty"`
	MapEntry *surface.RoughnessMapEntry `json:"map_entry,omitempty"`
	Status   *Status                    `json:"status,omitempty"`
}

// BroadcastBuffer is the per-subscriber event channel depth.
const BroadcastBuffer = 64

var statusLogf = monitoring.Component("ride")

// Broadcaster is a Sink that logs status changes and fans every event out to
// its subscribers. Slow subscribers miss events rather than stall the
// recorder.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	last        *Status
	now         func() time.Time
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[int]chan Event),
		now:         time.Now,
	}
}

// Subscribe registers a new event channel.
func (b *Broadcaster) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Event, BroadcastBuffer)
	b.subscribers[b.nextID] = ch
	return b.nextID, ch
}

// Unsubscribe closes the channel registered under id.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// LastStatus returns the most recent status, if any.
func (b *Broadcaster) LastStatus() (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Status{}, false
	}
	return *b.last, true
}

func (b *Broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev.Time = b.now()
	if ev.Status != nil {
		s := *ev.Status
		b.last = &s
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Broadcaster) PointAdded(p surface.RidePoint) {
	b.publish(Event{Type: EventPoint, Point: &p})
}

func (b *Broadcaster) MapEntryUpserted(e surface.RoughnessMapEntry) {
	b.publish(Event{Type: EventMapEntry, MapEntry: &e})
}

func (b *Broadcaster) RidesChanged() {
	b.publish(Event{Type: EventRidesChanged})
}

func (b *Broadcaster) StatusChanged(s Status) {
	statusLogf("%s", s)
	b.publish(Event{Type: EventStatus, Status: &s})
}

// AttachAdminRoutes serves the event stream as server-sent events on
// /debug/ride-events.
func (b *Broadcaster) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("ride-events", "live recorder events (SSE)", func(w http.ResponseWriter, r *http.Request) {
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

		if s, ok := b.LastStatus(); ok {
			writeEvent(w, Event{Type: EventStatus, Time: b.now(), Status: &s})
		}
		flusher.Flush()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", ev.Type, payload)
	_, err = w.Write(buf.Bytes())
	return err
}
