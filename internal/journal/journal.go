// Package journal persists service lifecycle transitions so operators can
// reconstruct what the supervisor did and why. It never stores aggregation
// results; those are computed fresh per query and discarded.
package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/kodegen/kodegend/internal/supervisor"
)

const (
	// DefaultRecentLimit applies when a reader asks for zero entries.
	DefaultRecentLimit = 50
	// MaxRecentLimit caps a single read regardless of what was asked.
	MaxRecentLimit = 1000
)

// Entry is one recorded lifecycle transition.
type Entry struct {
	At           time.Time `json:"at"`
	Service      string    `json:"service"`
	Category     string    `json:"category"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	PID          int       `json:"pid,omitempty"`
	RestartCount uint32    `json:"restart_count"`
	Reason       string    `json:"reason,omitempty"`
}

// FromTransition converts a supervisor notification into a journal entry.
func FromTransition(t supervisor.Transition) Entry {
	return Entry{
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

// Journal is a persistent transition log. Implementations must be safe for
// concurrent use.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	// Recent returns the newest entries first. An empty service matches all
	// services; limit is clamped to [1, MaxRecentLimit].
	Recent(ctx context.Context, service string, limit int) ([]Entry, error)
	Close() error
}

// ClampLimit normalizes a caller-supplied limit for Recent.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}

// Recorder decouples journal writes from the supervisor's notification
// path: entries enter a buffered channel and a single goroutine persists
// them in order. When the buffer is full the entry is dropped with a
// warning rather than stalling a service's run loop.
type Recorder struct {
	j    Journal
	ch   chan Entry
	done chan struct{}
}

func NewRecorder(j Journal, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		j:    j,
		ch:   make(chan Entry, buffer),
		done: make(chan struct{}),
	}
	go r.pump()
	return r
}

func (r *Recorder) pump() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.j.Record(ctx, e); err != nil {
			slog.Warn("journal write failed", "service", e.Service, "to", e.To, "err", err)
		}
		cancel()
	}
}

// Enqueue accepts a transition for persistence. Safe to call from the
// supervisor's notify path.
func (r *Recorder) Enqueue(t supervisor.Transition) {
	select {
	case r.ch <- FromTransition(t):
	default:
		slog.Warn("journal buffer full, dropping entry", "service", t.Service, "to", t.To)
	}
}

// Close drains buffered entries and waits for the writer to finish. Call
// only after the supervisor has shut down.
func (r *Recorder) Close() {
	close(r.ch)
	<-r.done
}
