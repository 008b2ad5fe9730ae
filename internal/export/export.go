// Package export ships service lifecycle transitions to external analytics
// systems. Sinks are fire-and-forget: a failed send is logged and dropped,
// never retried, and never blocks the supervisor.
package export

import (
	"context"
	"log/slog"
	"time"

	"github.com/kodegen/kodegend/internal/supervisor"
)

// Event is one lifecycle transition as shipped to an external system.
type Event struct {
	At           time.Time `json:"at"`
	Service      string    `json:"service"`
	Category     string    `json:"category"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	PID          int       `json:"pid"`
	RestartCount uint32    `json:"restart_count"`
	Reason       string    `json:"reason,omitempty"`
}

// FromTransition converts a supervisor notification into an export event.
func FromTransition(t supervisor.Transition) Event {
	return Event{
		At:           t.At,
		Service:      t.Service,
		Category:     t.Category,
		From:         string(t.From),
		To:           string(t.To),
		PID:          t.PID,
		RestartCount: t.RestartCount,
		Reason:       t.Reason,
	}
}

// Sink is a destination for transition events. Implementations must be
// safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Dispatcher feeds one or more sinks from a buffered channel so sends
// happen off the supervisor's notification path. A full buffer drops the
// event with a warning.
type Dispatcher struct {
	sinks []Sink
	ch    chan Event
	done  chan struct{}
}

func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		sinks: sinks,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go d.pump()
	return d
}

func (d *Dispatcher) pump() {
	defer close(d.done)
	for e := range d.ch {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Send(ctx, e); err != nil {
				slog.Warn("export send failed", "service", e.Service, "to", e.To, "err", err)
			}
			cancel()
		}
	}
}

// Enqueue accepts a transition for export. Safe to call from the
// supervisor's notify path.
func (d *Dispatcher) Enqueue(t supervisor.Transition) {
	select {
	case d.ch <- FromTransition(t):
	default:
		slog.Warn("export buffer full, dropping event", "service", t.Service, "to", t.To)
	}
}

// Close drains buffered events and waits for in-flight sends. Call only
// after the supervisor has shut down.
func (d *Dispatcher) Close() {
	close(d.ch)
	<-d.done
}
