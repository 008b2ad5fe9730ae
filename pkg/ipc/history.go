package ipc

import (
	"fmt"
	"time"
)

// ToolCallRecord is one tool invocation as a backend server logged it.
// ArgsJSON and OutputJSON are pre-serialized payloads carried through
// byte-for-byte; the daemon never parses them. DurationMS disappears from
// the encoding entirely when unknown, it is never null.
type ToolCallRecord struct {
	Timestamp  string  `json:"timestamp"`
	ToolName   string  `json:"tool_name"`
	ArgsJSON   string  `json:"args_json"`
	OutputJSON string  `json:"output_json"`
	DurationMS *uint64 `json:"duration_ms,omitempty"`
}

// ToolCallTimestamp renders the wire timestamp format: ISO-8601 in UTC.
func ToolCallTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

type ServerToolHistory struct {
	Category  string           `json:"category"`
	Port      uint16           `json:"port"`
	Available bool             `json:"available"`
	Error     *string          `json:"error,omitempty"`
	Calls     []ToolCallRecord `json:"calls"`
}

func AvailableHistory(category string, port uint16, calls []ToolCallRecord) ServerToolHistory {
	if calls == nil {
		calls = []ToolCallRecord{}
	}
	return ServerToolHistory{Category: category, Port: port, Available: true, Calls: calls}
}

func UnavailableHistory(category string, port uint16, cause string) ServerToolHistory {
	return ServerToolHistory{Category: category, Port: port, Available: false, Error: &cause, Calls: []ToolCallRecord{}}
}

type AggregatedToolHistory struct {
	AggregatedAt   int64               `json:"aggregated_at"`
	ConnectionID   string              `json:"connection_id"`
	ServersQueried int                 `json:"servers_queried"`
	ServersFailed  int                 `json:"servers_failed"`
	Servers        []ServerToolHistory `json:"servers"`
	TotalCalls     int                 `json:"total_calls"`
}

// NewAggregatedToolHistory folds finished per-server slots into one
// response; counts are derived here, never passed in.
func NewAggregatedToolHistory(at time.Time, connectionID string, servers []ServerToolHistory) AggregatedToolHistory {
	if servers == nil {
		servers = []ServerToolHistory{}
	}
	total := 0
	failed := 0
	for _, s := range servers {
		if !s.Available {
			failed++
			continue
		}
		total += len(s.Calls)
	}
	return AggregatedToolHistory{
		AggregatedAt:   at.Unix(),
		ConnectionID:   connectionID,
		ServersQueried: len(servers),
		ServersFailed:  failed,
		Servers:        servers,
		TotalCalls:     total,
	}
}

func (a AggregatedToolHistory) Validate() error {
	if a.ServersQueried != len(a.Servers) {
		return fmt.Errorf("aggregated history: servers_queried %d != %d servers", a.ServersQueried, len(a.Servers))
	}
	failed := 0
	total := 0
	for i, s := range a.Servers {
		if !s.Available {
			failed++
			if s.Error == nil || *s.Error == "" {
				return fmt.Errorf("aggregated history: server %d unavailable without error", i)
			}
			if len(s.Calls) != 0 {
				return fmt.Errorf("aggregated history: server %d unavailable with %d calls", i, len(s.Calls))
			}
			continue
		}
		total += len(s.Calls)
	}
	if a.ServersFailed != failed {
		return fmt.Errorf("aggregated history: servers_failed %d != %d unavailable entries", a.ServersFailed, failed)
	}
	if a.TotalCalls != total {
		return fmt.Errorf("aggregated history: total_calls %d != %d calls across available servers", a.TotalCalls, total)
	}
	return nil
}
