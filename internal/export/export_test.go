package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kodegen/kodegend/internal/supervisor"
	"github.com/kodegen/kodegend/pkg/ipc"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("send refused")
	}
	m.events = append(m.events, e)
	return nil
}

func transition(service string, to ipc.ServiceState) supervisor.Transition {
	return supervisor.Transition{
		Service:  service,
		Category: "filesystem",
		From:     ipc.StateStarting,
		To:       to,
		PID:      7,
		At:       time.Now().UTC(),
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &memSink{}
	d := NewDispatcher(16, sink)
	d.Enqueue(transition("files", ipc.StateRunning))
	d.Enqueue(transition("files", ipc.StateRestarting))
	d.Enqueue(transition("search", ipc.StateRunning))
	d.Close()

	if len(sink.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(sink.events))
	}
	if sink.events[0].To != "running" || sink.events[1].To != "restarting" || sink.events[2].Service != "search" {
		t.Fatalf("order lost: %+v", sink.events)
	}
}

func TestDispatcherFansOut(t *testing.T) {
	a := &memSink{}
	b := &memSink{}
	d := NewDispatcher(16, a, b)
	d.Enqueue(transition("files", ipc.StateRunning))
	d.Close()

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both sinks fed: a=%d b=%d", len(a.events), len(b.events))
	}
}

func TestDispatcherToleratesFailingSink(t *testing.T) {
	bad := &memSink{fail: true}
	good := &memSink{}
	d := NewDispatcher(16, bad, good)
	d.Enqueue(transition("files", ipc.StateRunning))
	d.Enqueue(transition("files", ipc.StateStopped))
	d.Close()

	if len(good.events) != 2 {
		t.Fatalf("healthy sink starved: %+v", good.events)
	}
}

func TestFromTransition(t *testing.T) {
	tr := supervisor.Transition{
		Service:      "search",
		Category:     "search",
		From:         ipc.StateRunning,
		To:           ipc.StateFailed,
		PID:          101,
		RestartCount: 3,
		Reason:       "restart budget exhausted after 3 failures: exit status 1",
		At:           time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	e := FromTransition(tr)
	if e.From != "running" || e.To != "failed" || e.RestartCount != 3 {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.Reason == "" || !e.At.Equal(tr.At) {
		t.Fatalf("fields lost: %+v", e)
	}
}
