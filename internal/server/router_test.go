package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kodegen/kodegend/internal/aggregate"
	"github.com/kodegen/kodegend/internal/journal"
	"github.com/kodegen/kodegend/internal/registry"
	"github.com/kodegen/kodegend/internal/supervisor"
	"github.com/kodegen/kodegend/pkg/ipc"
)

type stubSupervisor struct {
	statuses  []ipc.ServiceStatus
	started   atomic.Int32
	stopped   atomic.Int32
	restarted atomic.Int32
	since     time.Time
}

func (s *stubSupervisor) StatusAll() []ipc.ServiceStatus { return s.statuses }

func (s *stubSupervisor) Status(name string) (ipc.ServiceStatus, error) {
	for _, st := range s.statuses {
		if st.Name == name {
			return st, nil
		}
	}
	return ipc.ServiceStatus{}, fmt.Errorf("unknown service: %s", name)
}

func (s *stubSupervisor) known(name string) error {
	_, err := s.Status(name)
	return err
}

func (s *stubSupervisor) Start(name string) error   { s.started.Add(1); return s.known(name) }
func (s *stubSupervisor) Stop(name string) error    { s.stopped.Add(1); return s.known(name) }
func (s *stubSupervisor) Restart(name string) error { s.restarted.Add(1); return s.known(name) }
func (s *stubSupervisor) StartedAt() time.Time      { return s.since }

type fakeFetcher struct {
	snaps map[uint16]ipc.UsageStatsSnapshot
	calls map[uint16][]ipc.ToolCallRecord
	down  map[uint16]bool
}

func (f *fakeFetcher) Stats(_ context.Context, port uint16, _ string) (ipc.UsageStatsSnapshot, error) {
	if f.down[port] {
		return ipc.UsageStatsSnapshot{}, errors.New("connection refused")
	}
	return f.snaps[port], nil
}

func (f *fakeFetcher) History(_ context.Context, port uint16, _ string) ([]ipc.ToolCallRecord, error) {
	if f.down[port] {
		return nil, errors.New("connection refused")
	}
	return f.calls[port], nil
}

type memEventLog struct {
	entries []journal.Entry
	err     error
}

func (m *memEventLog) Recent(_ context.Context, service string, limit int) ([]journal.Entry, error) {
	if m.err != nil {
		return nil, m.err
	}
	limit = journal.ClampLimit(limit)
	out := make([]journal.Entry, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if service == "" || m.entries[i].Service == service {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

type rig struct {
	h   http.Handler
	sup *stubSupervisor
	reg *registry.Registry
	hub *Hub
	log *memEventLog
}

func setupRouter(t *testing.T, base string) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sup := &stubSupervisor{
		since: time.Now().Add(-time.Minute),
		statuses: []ipc.ServiceStatus{
			ipc.NewRunning("files", 4242, 90*time.Second, 0),
			ipc.NewFailed("search", "restart budget exhausted after 3 failures: exit status 1"),
		},
	}
	reg := registry.New(registry.Options{})
	for _, s := range []registry.Server{
		{Name: "files", Category: "filesystem", Port: 9301},
		{Name: "search", Category: "search", Port: 9302},
	} {
		if err := reg.AddServer(s); err != nil {
			t.Fatalf("add server: %v", err)
		}
	}
	fetcher := &fakeFetcher{
		snaps: map[uint16]ipc.UsageStatsSnapshot{
			9301: {TotalToolCalls: 10, SuccessfulCalls: 9, FailedCalls: 1, ToolCounts: map[string]uint64{"read_file": 10}, FirstUsed: 1700000000, LastUsed: 1700000100, TotalSessions: 1},
		},
		calls: map[uint16][]ipc.ToolCallRecord{
			9301: {{Timestamp: "2026-08-25T09:00:00Z", ToolName: "read_file", ArgsJSON: `{"path":"/tmp/x"}`, OutputJSON: `"data"`}},
		},
		down: map[uint16]bool{9302: true},
	}
	hub := NewHub()
	log := &memEventLog{entries: []journal.Entry{
		{At: time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC), Service: "files", Category: "filesystem", From: "starting", To: "running", PID: 4242},
		{At: time.Date(2026, 8, 25, 9, 1, 0, 0, time.UTC), Service: "search", Category: "search", From: "running", To: "restarting", RestartCount: 1, Reason: "exit status 1"},
		{At: time.Date(2026, 8, 25, 9, 2, 0, 0, time.UTC), Service: "search", Category: "search", From: "restarting", To: "starting"},
	}}
	r := NewRouter(sup, reg, aggregate.New(fetcher, 200*time.Millisecond), hub, log, base)
	return &rig{h: r.Handler(), sup: sup, reg: reg, hub: hub, log: log}
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rdr = strings.NewReader(b)
		default:
			buf, _ := json.Marshal(body)
			rdr = bytes.NewReader(buf)
		}
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestQueryAllReturnsDaemonStatus(t *testing.T) {
	rg := setupRouter(t, "")
	rec := doReq(t, rg.h, http.MethodPost, "/query", `{"type":"all"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ipc.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.DaemonRunning || resp.DaemonPID == 0 {
		t.Fatalf("daemon fields: %+v", resp)
	}
	if len(resp.Services) != 2 || resp.Services[0].Name != "files" || resp.Services[1].Name != "search" {
		t.Fatalf("services: %+v", resp.Services)
	}
	if strings.Contains(rec.Body.String(), `"version"`) {
		t.Fatalf("status answer must not carry a version field: %s", rec.Body.String())
	}
}

func TestQueryService(t *testing.T) {
	rg := setupRouter(t, "")
	rec := doReq(t, rg.h, http.MethodPost, "/query", `{"type":"service","service":"search"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var st ipc.ServiceStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != ipc.StateFailed || st.FailureReason == nil {
		t.Fatalf("status: %+v", st)
	}

	rec = doReq(t, rg.h, http.MethodPost, "/query", `{"type":"service","service":"nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown service: expected 400, got %d", rec.Code)
	}
}

func TestQueryRejectsMalformed(t *testing.T) {
	rg := setupRouter(t, "")
	cases := []string{
		`{"type":"bogus"}`,
		`{"type":"usage_stats"}`,
		`{"type":"tool_history"}`,
		`{"type":"all","service":"x"}`,
		`{"type":"usage_stats","connection_id":"c","service":"x"}`,
		`{"type":"service"}`,
		`not json at all`,
		`{}`,
	}
	for _, body := range cases {
		rec := doReq(t, rg.h, http.MethodPost, "/query", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d: %s", body, rec.Code, rec.Body.String())
		}
		var e errorResp
		if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Error == "" {
			t.Fatalf("body %s: error answer malformed: %s", body, rec.Body.String())
		}
	}
}

func TestUsageStatsQueryToleratesDownServer(t *testing.T) {
	rg := setupRouter(t, "")
	rec := doReq(t, rg.h, http.MethodPost, "/connections", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("open connection: %d", rec.Code)
	}
	var conn connResp
	if err := json.Unmarshal(rec.Body.Bytes(), &conn); err != nil || conn.ConnectionID == "" {
		t.Fatalf("connection answer: %s", rec.Body.String())
	}

	q := fmt.Sprintf(`{"type":"usage_stats","connection_id":%q}`, conn.ConnectionID)
	rec = doReq(t, rg.h, http.MethodPost, "/query", q)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var agg ipc.AggregatedUsageStats
	if err := json.Unmarshal(rec.Body.Bytes(), &agg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := agg.Validate(); err != nil {
		t.Fatalf("invalid aggregate: %v", err)
	}
	if agg.ServersQueried != 2 || agg.ServersFailed != 1 {
		t.Fatalf("counts: %+v", agg)
	}
	if agg.Global.TotalToolCalls != 10 || agg.Global.SuccessfulCalls != 9 {
		t.Fatalf("global: %+v", agg.Global)
	}
}

func TestUsageStatsUnknownConnectionYieldsEmpty(t *testing.T) {
	rg := setupRouter(t, "")
	rec := doReq(t, rg.h, http.MethodPost, "/query", `{"type":"usage_stats","connection_id":"ghost"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var agg ipc.AggregatedUsageStats
	if err := json.Unmarshal(rec.Body.Bytes(), &agg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if agg.ServersQueried != 0 || len(agg.Servers) != 0 || agg.Global.SuccessRate != 0 {
		t.Fatalf("unknown connection result: %+v", agg)
	}
	if !strings.Contains(rec.Body.String(), `"servers":[]`) {
		t.Fatalf("servers must encode as []: %s", rec.Body.String())
	}
}

func TestToolHistoryScopedByActivity(t *testing.T) {
	rg := setupRouter(t, "")
	act := `{"connection_id":"conn-1","category":"filesystem"}`
	if rec := doReq(t, rg.h, http.MethodPost, "/activity", act); rec.Code != http.StatusOK {
		t.Fatalf("activity: %d %s", rec.Code, rec.Body.String())
	}

	rec := doReq(t, rg.h, http.MethodPost, "/query", `{"type":"tool_history","connection_id":"conn-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var hist ipc.AggregatedToolHistory
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := hist.Validate(); err != nil {
		t.Fatalf("invalid history: %v", err)
	}
	if hist.ConnectionID != "conn-1" {
		t.Fatalf("connection id: %q", hist.ConnectionID)
	}
	// only the category with recorded activity is queried
	if hist.ServersQueried != 1 || hist.Servers[0].Category != "filesystem" {
		t.Fatalf("candidate set: %+v", hist.Servers)
	}
	if hist.TotalCalls != 1 {
		t.Fatalf("total calls: %d", hist.TotalCalls)
	}
	if hist.Servers[0].Calls[0].ArgsJSON != `{"path":"/tmp/x"}` {
		t.Fatalf("payload altered: %q", hist.Servers[0].Calls[0].ArgsJSON)
	}
}

func TestActivityValidation(t *testing.T) {
	rg := setupRouter(t, "")
	if rec := doReq(t, rg.h, http.MethodPost, "/activity", `{"category":"filesystem"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing connection_id: expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, rg.h, http.MethodPost, "/activity", `{"connection_id":"c","category":"no-such"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown category: expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, rg.h, http.MethodPost, "/activity", `{broken`); rec.Code != http.StatusBadRequest {
		t.Fatalf("broken body: expected 400, got %d", rec.Code)
	}
}

func TestServiceActions(t *testing.T) {
	rg := setupRouter(t, "")
	if rec := doReq(t, rg.h, http.MethodPost, "/services/start?name=files", nil); rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doReq(t, rg.h, http.MethodPost, "/services/stop?name=files", nil); rec.Code != http.StatusOK {
		t.Fatalf("stop: %d", rec.Code)
	}
	if rec := doReq(t, rg.h, http.MethodPost, "/services/restart?name=files", nil); rec.Code != http.StatusOK {
		t.Fatalf("restart: %d", rec.Code)
	}
	if got := rg.sup.started.Load() + rg.sup.stopped.Load() + rg.sup.restarted.Load(); got != 3 {
		t.Fatalf("operations reached the supervisor %d times, want 3", got)
	}
	if rec := doReq(t, rg.h, http.MethodPost, "/services/start?name=no-such-svc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown name: expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, rg.h, http.MethodPost, "/services/start?name=a%2Fb", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unsafe name: expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, rg.h, http.MethodPost, "/services/start", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing name: expected 400, got %d", rec.Code)
	}
}

func TestHealthzAndBasePath(t *testing.T) {
	rg := setupRouter(t, "/kodegend")
	rec := doReq(t, rg.h, http.MethodGet, "/kodegend/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var h healthResp
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil || !h.OK || h.PID == 0 {
		t.Fatalf("health answer: %s", rec.Body.String())
	}
	if rec := doReq(t, rg.h, http.MethodGet, "/healthz", nil); rec.Code == http.StatusOK {
		t.Fatalf("route outside base path answered")
	}
}

func TestConnectionsListing(t *testing.T) {
	rg := setupRouter(t, "")
	doReq(t, rg.h, http.MethodPost, "/connections", nil)
	rec := doReq(t, rg.h, http.MethodGet, "/connections", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var infos []registry.ConnectionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d connections", len(infos))
	}
}

func TestRecentEvents(t *testing.T) {
	rg := setupRouter(t, "")
	rec := doReq(t, rg.h, http.MethodGet, "/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp eventsResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 3 || resp.Events[0].To != "starting" {
		t.Fatalf("expected newest first: %+v", resp.Events)
	}

	rec = doReq(t, rg.h, http.MethodGet, "/events?service=search&limit=1", nil)
	var filtered eventsResp
	if err := json.Unmarshal(rec.Body.Bytes(), &filtered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(filtered.Events) != 1 || filtered.Events[0].Service != "search" {
		t.Fatalf("filter: %+v", filtered.Events)
	}
}

func TestRecentEventsValidation(t *testing.T) {
	rg := setupRouter(t, "")
	if rec := doReq(t, rg.h, http.MethodGet, "/events?limit=abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, rg.h, http.MethodGet, "/events?service=a%2Fb", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unsafe service: expected 400, got %d", rec.Code)
	}

	rg.log.err = errors.New("database is locked")
	if rec := doReq(t, rg.h, http.MethodGet, "/events", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("journal error: expected 500, got %d", rec.Code)
	}
}

func TestRecentEventsWithoutJournal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sup := &stubSupervisor{since: time.Now()}
	r := NewRouter(sup, registry.New(registry.Options{}), aggregate.New(&fakeFetcher{}, time.Second), nil, nil, "")
	rec := doReq(t, r.Handler(), http.MethodGet, "/events", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without journal, got %d", rec.Code)
	}
	rec = doReq(t, r.Handler(), http.MethodGet, "/events/stream", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without hub, got %d", rec.Code)
	}
}

func TestEventsStreamDeliversTransitions(t *testing.T) {
	rg := setupRouter(t, "")
	srv := httptest.NewServer(rg.h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events/stream")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type: %q", ct)
	}

	// publish until the subscriber inside the handler is registered
	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rg.hub.Publish(supervisor.Transition{
					Service: "files", Category: "filesystem",
					From: ipc.StateRunning, To: ipc.StateRestarting,
					RestartCount: 1, At: time.Now(),
				})
			}
		}
	}()

	deadline := time.AfterFunc(3*time.Second, func() { _ = resp.Body.Close() })
	defer deadline.Stop()
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev TransitionEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		if ev.Service != "files" || ev.To != "restarting" || ev.RestartCount != 1 {
			t.Fatalf("event: %+v", ev)
		}
		return
	}
	t.Fatalf("no event arrived: %v", scanner.Err())
}
