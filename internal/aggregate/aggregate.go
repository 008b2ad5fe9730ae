// Package aggregate fans one query out to every candidate server
// concurrently and folds the answers into a single partial-failure-tolerant
// result. One slow or dead server costs its own slot, never the query.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kodegen/kodegend/internal/metrics"
	"github.com/kodegen/kodegend/internal/registry"
	"github.com/kodegen/kodegend/pkg/ipc"
)

// DefaultServerTimeout bounds each server's answer. The slowest healthy
// server decides overall latency, never an unhealthy one beyond this cap.
const DefaultServerTimeout = 2 * time.Second

// Fetcher is the introspection protocol the engine drives.
type Fetcher interface {
	Stats(ctx context.Context, port uint16, connectionID string) (ipc.UsageStatsSnapshot, error)
	History(ctx context.Context, port uint16, connectionID string) ([]ipc.ToolCallRecord, error)
}

type Engine struct {
	fetcher Fetcher
	timeout time.Duration
}

func New(fetcher Fetcher, serverTimeout time.Duration) *Engine {
	if serverTimeout <= 0 {
		serverTimeout = DefaultServerTimeout
	}
	return &Engine{fetcher: fetcher, timeout: serverTimeout}
}

// UsageStats queries every candidate server for its per-connection counters.
// The result always has one slot per candidate, in candidate order.
func (e *Engine) UsageStats(ctx context.Context, connectionID string, servers []registry.Server) ipc.AggregatedUsageStats {
	start := time.Now()
	metrics.IncAggregateQuery(string(ipc.QueryKindUsageStats))

	slots := make([]ipc.ServerStats, len(servers))
	var wg sync.WaitGroup
	for i, srv := range servers {
		wg.Add(1)
		go func(i int, srv registry.Server) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			snap, err := e.fetcher.Stats(cctx, srv.Port, connectionID)
			if err != nil {
				metrics.IncAggregateServerFailure(srv.Category)
				slots[i] = ipc.UnavailableStats(srv.Category, srv.Port, e.describe(err))
				return
			}
			slots[i] = ipc.AvailableStats(srv.Category, srv.Port, snap)
		}(i, srv)
	}
	wg.Wait()

	out := ipc.NewAggregatedUsageStats(time.Now(), slots)
	metrics.ObserveAggregateDuration(string(ipc.QueryKindUsageStats), time.Since(start).Seconds())
	return out
}

// ToolHistory queries the candidate servers for their per-connection call
// records.
func (e *Engine) ToolHistory(ctx context.Context, connectionID string, servers []registry.Server) ipc.AggregatedToolHistory {
	start := time.Now()
	metrics.IncAggregateQuery(string(ipc.QueryKindToolHistory))

	slots := make([]ipc.ServerToolHistory, len(servers))
	var wg sync.WaitGroup
	for i, srv := range servers {
		wg.Add(1)
		go func(i int, srv registry.Server) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			calls, err := e.fetcher.History(cctx, srv.Port, connectionID)
			if err != nil {
				metrics.IncAggregateServerFailure(srv.Category)
				slots[i] = ipc.UnavailableHistory(srv.Category, srv.Port, e.describe(err))
				return
			}
			slots[i] = ipc.AvailableHistory(srv.Category, srv.Port, calls)
		}(i, srv)
	}
	wg.Wait()

	out := ipc.NewAggregatedToolHistory(time.Now(), connectionID, slots)
	metrics.ObserveAggregateDuration(string(ipc.QueryKindToolHistory), time.Since(start).Seconds())
	return out
}

// describe turns a fetch error into the diagnostic carried in the slot.
func (e *Engine) describe(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("no answer within %s", e.timeout)
	}
	return err.Error()
}
