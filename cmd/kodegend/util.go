package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kodegen/kodegend/pkg/client"
	"github.com/kodegen/kodegend/pkg/ipc"
)

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func printServices(services []ipc.ServiceStatus) {
	if len(services) == 0 {
		fmt.Println("no services registered")
		return
	}
	for _, s := range services {
		fmt.Println(formatService(s))
	}
}

// formatService renders one status line; the detail part depends on the
// state the same way the optional wire fields do.
func formatService(s ipc.ServiceStatus) string {
	detail := ""
	switch s.State {
	case ipc.StateRunning:
		detail = fmt.Sprintf("pid %d, up %s", *s.PID, s.Uptime.Std())
	case ipc.StateStarting:
		if s.PID != nil {
			detail = fmt.Sprintf("pid %d", *s.PID)
		}
	case ipc.StateRestarting:
		if s.NextRestartDelay != nil {
			detail = fmt.Sprintf("retry in %s", s.NextRestartDelay.Std())
		}
	case ipc.StateFailed:
		if s.FailureReason != nil {
			detail = *s.FailureReason
		}
	}
	line := fmt.Sprintf("%-16s %-12s", s.Name, s.State)
	if detail != "" {
		line += " " + detail
	}
	if s.RestartCount > 0 {
		line += fmt.Sprintf(" (restarts: %d)", s.RestartCount)
	}
	return line
}

func printUsageStats(a ipc.AggregatedUsageStats) {
	at := time.Unix(a.AggregatedAt, 0).UTC()
	fmt.Printf("aggregated at %s: %d servers queried, %d failed\n",
		at.Format(time.RFC3339), a.ServersQueried, a.ServersFailed)
	for _, s := range a.Servers {
		if !s.Available {
			fmt.Printf("  %-16s :%d  unavailable: %s\n", s.Category, s.Port, derefStr(s.Error))
			continue
		}
		fmt.Printf("  %-16s :%d  calls %d (ok %d, failed %d), sessions %d\n",
			s.Category, s.Port, s.Stats.TotalToolCalls, s.Stats.SuccessfulCalls,
			s.Stats.FailedCalls, s.Stats.TotalSessions)
	}
	g := a.Global
	fmt.Printf("global: calls %d (ok %d, failed %d), success rate %.2f, sessions %d, categories active %d\n",
		g.TotalToolCalls, g.SuccessfulCalls, g.FailedCalls, g.SuccessRate,
		g.TotalSessions, g.CategoriesActive)
}

func printToolHistory(a ipc.AggregatedToolHistory) {
	fmt.Printf("connection %s: %d calls, %d servers queried, %d failed\n",
		a.ConnectionID, a.TotalCalls, a.ServersQueried, a.ServersFailed)
	for _, s := range a.Servers {
		if !s.Available {
			fmt.Printf("  %-16s :%d  unavailable: %s\n", s.Category, s.Port, derefStr(s.Error))
			continue
		}
		fmt.Printf("  %-16s :%d  %d calls\n", s.Category, s.Port, len(s.Calls))
		for _, call := range s.Calls {
			line := fmt.Sprintf("    %s  %s", call.Timestamp, call.ToolName)
			if call.DurationMS != nil {
				line += fmt.Sprintf(" (%dms)", *call.DurationMS)
			}
			fmt.Println(line)
		}
	}
}

func printConnections(conns []client.ConnectionInfo) {
	if len(conns) == 0 {
		fmt.Println("no tracked connections")
		return
	}
	for _, c := range conns {
		fmt.Printf("%-12s categories [%s], last seen %s\n",
			c.ID, strings.Join(c.Categories, ", "), c.LastSeen.UTC().Format(time.RFC3339))
	}
}

func printEvents(events []client.Event) {
	if len(events) == 0 {
		fmt.Println("no events recorded")
		return
	}
	for _, e := range events {
		fmt.Println(formatEventLine(e.At, e.Service, e.From, e.To, e.PID, e.Reason))
	}
}

func formatStreamEvent(e client.StreamEvent) string {
	return formatEventLine(time.Unix(e.At, 0).UTC(), e.Service, e.From, e.To, e.PID, e.Reason)
}

func formatEventLine(at time.Time, service, from, to string, pid int, reason string) string {
	line := fmt.Sprintf("%s  %-16s %s -> %s", at.Format(time.RFC3339), service, from, to)
	if pid > 0 {
		line += fmt.Sprintf(" (pid %d)", pid)
	}
	if reason != "" {
		line += ": " + reason
	}
	return line
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
