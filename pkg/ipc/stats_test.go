package ipc

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func sampleSnapshot(total, ok, failed uint64) UsageStatsSnapshot {
	return UsageStatsSnapshot{
		TotalToolCalls:  total,
		SuccessfulCalls: ok,
		FailedCalls:     failed,
		ToolCounts:      map[string]uint64{"read_file": total},
		FirstUsed:       1700000000,
		LastUsed:        1700000500,
		TotalSessions:   3,
	}
}

func TestAggregatedStatsCountsAndGlobal(t *testing.T) {
	servers := []ServerStats{
		AvailableStats("filesystem", 7601, sampleSnapshot(10, 8, 1)),
		UnavailableStats("git", 7602, "dial tcp: connection refused"),
		AvailableStats("terminal", 7603, sampleSnapshot(30, 30, 0)),
	}
	agg := NewAggregatedUsageStats(time.Unix(1700001000, 0), servers)

	if agg.ServersQueried != 3 || agg.ServersFailed != 1 {
		t.Fatalf("counts wrong: queried=%d failed=%d", agg.ServersQueried, agg.ServersFailed)
	}
	if agg.AggregatedAt != 1700001000 {
		t.Fatalf("aggregated_at wrong: %d", agg.AggregatedAt)
	}
	if agg.Global.TotalToolCalls != 40 || agg.Global.SuccessfulCalls != 38 || agg.Global.FailedCalls != 1 {
		t.Fatalf("global sums must exclude the unavailable server: %+v", agg.Global)
	}
	if agg.Global.TotalSessions != 6 {
		t.Fatalf("sessions sum wrong: %d", agg.Global.TotalSessions)
	}
	if agg.Global.CategoriesActive != 2 {
		t.Fatalf("categories_active counts available categories only: %d", agg.Global.CategoriesActive)
	}
	if got, want := agg.Global.SuccessRate, 38.0/40.0; got != want {
		t.Fatalf("success_rate %v != %v", got, want)
	}
	if err := agg.Validate(); err != nil {
		t.Fatalf("assembled response invalid: %v", err)
	}
}

func TestSuccessRateZeroWhenNoCalls(t *testing.T) {
	agg := NewAggregatedUsageStats(time.Now(), []ServerStats{
		AvailableStats("filesystem", 7601, UsageStatsSnapshot{}),
		UnavailableStats("git", 7602, "timeout"),
	})
	if agg.Global.SuccessRate != 0.0 {
		t.Fatalf("success_rate must be 0.0 with no calls, got %v", agg.Global.SuccessRate)
	}
	b, err := json.Marshal(agg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"success_rate":0`) {
		t.Fatalf("success_rate missing from encoding: %s", b)
	}
}

func TestEmptyCandidateSetEncodesAsEmptyList(t *testing.T) {
	agg := NewAggregatedUsageStats(time.Now(), nil)
	if agg.ServersQueried != 0 || agg.ServersFailed != 0 {
		t.Fatalf("empty set counts wrong: %+v", agg)
	}
	b, err := json.Marshal(agg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"servers":[]`) {
		t.Fatalf("servers must encode as [], got %s", b)
	}
}

func TestUnavailableSlotKeepsZeroPayload(t *testing.T) {
	s := UnavailableStats("git", 7602, "deadline exceeded")
	if s.Available || s.Error == nil || *s.Error == "" {
		t.Fatalf("unavailable slot malformed: %+v", s)
	}
	if !zeroSnapshot(s.Stats) {
		t.Fatalf("unavailable slot carries payload: %+v", s.Stats)
	}
}

func TestAggregatedStatsValidateCatchesTampering(t *testing.T) {
	agg := NewAggregatedUsageStats(time.Now(), []ServerStats{
		AvailableStats("filesystem", 7601, sampleSnapshot(5, 5, 0)),
	})
	agg.ServersQueried = 2
	if err := agg.Validate(); err == nil {
		t.Fatalf("tampered servers_queried passed validation")
	}
	agg = NewAggregatedUsageStats(time.Now(), []ServerStats{
		UnavailableStats("git", 7602, "down"),
	})
	agg.ServersFailed = 0
	if err := agg.Validate(); err == nil {
		t.Fatalf("tampered servers_failed passed validation")
	}
}

func TestSnapshotInvariants(t *testing.T) {
	bad := UsageStatsSnapshot{TotalToolCalls: 3, SuccessfulCalls: 3, FailedCalls: 1}
	if err := bad.Validate(); err == nil {
		t.Fatalf("successful+failed > total passed validation")
	}
	inflight := UsageStatsSnapshot{TotalToolCalls: 5, SuccessfulCalls: 3, FailedCalls: 1, FirstUsed: 10, LastUsed: 20}
	if err := inflight.Validate(); err != nil {
		t.Fatalf("in-flight undercount must be legal: %v", err)
	}
	reversed := UsageStatsSnapshot{TotalToolCalls: 1, FirstUsed: 30, LastUsed: 20}
	if err := reversed.Validate(); err == nil {
		t.Fatalf("first_used after last_used passed validation")
	}
}
