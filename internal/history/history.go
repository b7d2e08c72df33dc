package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of node event.
type EventType string

const (
	EventPullStarted     EventType = "pull_started"
	EventPullFinished    EventType = "pull_finished"
	EventNodeAdded       EventType = "node_added"
	EventNodeRemoved     EventType = "node_removed"
	EventNodeStartFailed EventType = "node_start_failed"
	EventHead            EventType = "head"
	EventNodesLoaded     EventType = "nodes_loaded"
)

// Event is one orchestrator occurrence, exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	URL        string    `json:"url,omitempty"`
	Slot       uint64    `json:"slot,omitempty"`
	Status     string    `json:"status,omitempty"`
	// Detail carries the image for pull events, the pull result, or a node count.
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(t EventType, url string) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC(), URL: url}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Forward delivers events to every sink until events is closed or ctx ends. A failing
// sink is logged and does not hold back the others.
func Forward(ctx context.Context, events <-chan Event, sinks []Sink, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			for _, s := range sinks {
				sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := s.Send(sctx, e); err != nil {
					log.Warn("history sink failed", "type", e.Type, "url", e.URL, "error", err)
				}
				cancel()
			}
		}
	}
}
