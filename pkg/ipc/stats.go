package ipc

import (
	"fmt"
	"time"
)

// UsageStatsSnapshot is one backend server's own telemetry counters, taken
// as-is from its introspection endpoint. successful + failed may undercount
// total while calls are still in flight.
type UsageStatsSnapshot struct {
	TotalToolCalls  uint64            `json:"total_tool_calls"`
	SuccessfulCalls uint64            `json:"successful_calls"`
	FailedCalls     uint64            `json:"failed_calls"`
	ToolCounts      map[string]uint64 `json:"tool_counts"`
	FirstUsed       int64             `json:"first_used"`
	LastUsed        int64             `json:"last_used"`
	TotalSessions   uint64            `json:"total_sessions"`
}

func (u UsageStatsSnapshot) Validate() error {
	if u.SuccessfulCalls+u.FailedCalls > u.TotalToolCalls {
		return fmt.Errorf("usage snapshot: successful+failed (%d) exceeds total (%d)",
			u.SuccessfulCalls+u.FailedCalls, u.TotalToolCalls)
	}
	if u.TotalToolCalls > 0 && u.FirstUsed > u.LastUsed {
		return fmt.Errorf("usage snapshot: first_used %d after last_used %d", u.FirstUsed, u.LastUsed)
	}
	return nil
}

// ServerStats is one slot of an aggregated usage response. When the server
// did not answer, Available is false, Error holds the cause and Stats stays
// zero-valued; a partially parsed payload never leaks through.
type ServerStats struct {
	Category  string             `json:"category"`
	Port      uint16             `json:"port"`
	Available bool               `json:"available"`
	Error     *string            `json:"error,omitempty"`
	Stats     UsageStatsSnapshot `json:"stats"`
}

func AvailableStats(category string, port uint16, snap UsageStatsSnapshot) ServerStats {
	return ServerStats{Category: category, Port: port, Available: true, Stats: snap}
}

func UnavailableStats(category string, port uint16, cause string) ServerStats {
	return ServerStats{Category: category, Port: port, Available: false, Error: &cause}
}

// GlobalAggregates is derived from the available slots only; it is never
// settable independently of the per-server list it summarizes.
type GlobalAggregates struct {
	TotalToolCalls   uint64  `json:"total_tool_calls"`
	SuccessfulCalls  uint64  `json:"successful_calls"`
	FailedCalls      uint64  `json:"failed_calls"`
	SuccessRate      float64 `json:"success_rate"`
	TotalSessions    uint64  `json:"total_sessions"`
	CategoriesActive int     `json:"categories_active"`
}

type AggregatedUsageStats struct {
	AggregatedAt   int64            `json:"aggregated_at"`
	ServersQueried int              `json:"servers_queried"`
	ServersFailed  int              `json:"servers_failed"`
	Servers        []ServerStats    `json:"servers"`
	Global         GlobalAggregates `json:"global"`
}

// NewAggregatedUsageStats folds finished per-server slots into one response.
// The redundant counts and the global sums are computed here and nowhere
// else.
func NewAggregatedUsageStats(at time.Time, servers []ServerStats) AggregatedUsageStats {
	if servers == nil {
		servers = []ServerStats{}
	}
	return AggregatedUsageStats{
		AggregatedAt:   at.Unix(),
		ServersQueried: len(servers),
		ServersFailed:  countFailedStats(servers),
		Servers:        servers,
		Global:         computeGlobal(servers),
	}
}

func zeroSnapshot(u UsageStatsSnapshot) bool {
	return u.TotalToolCalls == 0 && u.SuccessfulCalls == 0 && u.FailedCalls == 0 &&
		len(u.ToolCounts) == 0 && u.FirstUsed == 0 && u.LastUsed == 0 && u.TotalSessions == 0
}

func countFailedStats(servers []ServerStats) int {
	n := 0
	for _, s := range servers {
		if !s.Available {
			n++
		}
	}
	return n
}

func computeGlobal(servers []ServerStats) GlobalAggregates {
	var g GlobalAggregates
	categories := make(map[string]struct{})
	for _, s := range servers {
		if !s.Available {
			continue
		}
		g.TotalToolCalls += s.Stats.TotalToolCalls
		g.SuccessfulCalls += s.Stats.SuccessfulCalls
		g.FailedCalls += s.Stats.FailedCalls
		g.TotalSessions += s.Stats.TotalSessions
		categories[s.Category] = struct{}{}
	}
	g.CategoriesActive = len(categories)
	if g.TotalToolCalls > 0 {
		g.SuccessRate = float64(g.SuccessfulCalls) / float64(g.TotalToolCalls)
	}
	return g
}

// Validate checks the cross-field invariants of an assembled response.
func (a AggregatedUsageStats) Validate() error {
	if a.ServersQueried != len(a.Servers) {
		return fmt.Errorf("aggregated stats: servers_queried %d != %d servers", a.ServersQueried, len(a.Servers))
	}
	if failed := countFailedStats(a.Servers); a.ServersFailed != failed {
		return fmt.Errorf("aggregated stats: servers_failed %d != %d unavailable entries", a.ServersFailed, failed)
	}
	for i, s := range a.Servers {
		if !s.Available {
			if s.Error == nil || *s.Error == "" {
				return fmt.Errorf("aggregated stats: server %d unavailable without error", i)
			}
			if !zeroSnapshot(s.Stats) {
				return fmt.Errorf("aggregated stats: server %d unavailable with non-empty payload", i)
			}
			continue
		}
		if err := s.Stats.Validate(); err != nil {
			return fmt.Errorf("aggregated stats: server %d: %w", i, err)
		}
	}
	if a.Global.SuccessRate < 0 || a.Global.SuccessRate > 1 {
		return fmt.Errorf("aggregated stats: success_rate %v out of range", a.Global.SuccessRate)
	}
	return nil
}
