package eventbus

import (
	"context"
	"log/slog"
	"sync"
)

// Handler processes events on the bus. Handlers are called in priority order
// (lower priority value = called earlier) for matching event types.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes.
	Handles() []EventType

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle processes a single event.
	// Returning an error logs a warning but does not stop the handler chain.
	Handle(ctx context.Context, event *Event) error
}

// AlertHandler writes operator-visible alerts for abandoned flags.
// Priority 10 (alerts go out before anything else sees the event).
type AlertHandler struct {
	Log *slog.Logger
}

func (h *AlertHandler) ID() string           { return "alert" }
func (h *AlertHandler) Handles() []EventType { return []EventType{EventFlagAbandoned} }
func (h *AlertHandler) Priority() int        { return 10 }

func (h *AlertHandler) Handle(ctx context.Context, event *Event) error {
	h.Log.ErrorContext(ctx, "flag abandoned",
		"flag", event.Flag,
		"retry_count", event.RetryCount,
		"reason", event.Reason)
	return nil
}

// Recorder keeps the most recent events in a fixed-size ring for the
// reporting API. Priority 100.
type Recorder struct {
	mu   sync.Mutex
	ring []Event
	next int
	full bool
}

// DefaultRecorderSize is the ring capacity used by anthill serve.
const DefaultRecorderSize = 512

// NewRecorder creates a recorder holding up to size events.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = DefaultRecorderSize
	}
	return &Recorder{ring: make([]Event, size)}
}

func (r *Recorder) ID() string { return "recorder" }
func (r *Recorder) Handles() []EventType {
	return []EventType{EventFlagCaptured, EventFlagStateChanged, EventFlagAbandoned}
}
func (r *Recorder) Priority() int { return 100 }

func (r *Recorder) Handle(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = *event
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (r *Recorder) Recent(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}
