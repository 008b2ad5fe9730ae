package server

import (
	"sync"

	"github.com/kodegen/kodegend/internal/supervisor"
)

// TransitionEvent is the wire form of one lifecycle transition on the
// event stream.
type TransitionEvent struct {
	Service      string `json:"service"`
	Category     string `json:"category"`
	From         string `json:"from"`
	To           string `json:"to"`
	PID          int    `json:"pid,omitempty"`
	RestartCount uint32 `json:"restart_count"`
	Reason       string `json:"reason,omitempty"`
	At           int64  `json:"at"`
}

// Hub fans supervisor transitions out to event-stream subscribers. A slow
// subscriber loses events rather than stalling the supervisor.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan TransitionEvent
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan TransitionEvent)}
}

// Publish is safe to hand to Supervisor.OnTransition.
func (h *Hub) Publish(t supervisor.Transition) {
	ev := TransitionEvent{
		Service:      t.Service,
		Category:     t.Category,
		From:         string(t.From),
		To:           string(t.To),
		PID:          t.PID,
		RestartCount: t.RestartCount,
		Reason:       t.Reason,
		At:           t.At.Unix(),
	}
	h.mu.Lock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Subscribe() (<-chan TransitionEvent, func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	ch := make(chan TransitionEvent, 64)
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}
