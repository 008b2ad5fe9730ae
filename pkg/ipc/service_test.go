package ipc

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestConstructorsSatisfyStateInvariant(t *testing.T) {
	statuses := []ServiceStatus{
		NewStarting("web", 0),
		NewStarting("web", 100),
		NewRunning("web", 100, 5*time.Second, 0),
		NewRunning("web", 100, 5*time.Second, 30*time.Second),
		NewStopped("web"),
		NewFailed("web", "exit status 2"),
		NewRestarting("web", 2*time.Second),
	}
	for _, s := range statuses {
		if err := s.Validate(); err != nil {
			t.Fatalf("constructor for %s produced invalid status: %v", s.State, err)
		}
	}
}

func TestRunningRequiresPidAndForbidsDelay(t *testing.T) {
	s := NewRunning("web", 42, time.Second, 0)
	if s.PID == nil || *s.PID != 42 {
		t.Fatalf("running status lost pid: %+v", s)
	}
	if s.NextRestartDelay != nil {
		t.Fatalf("running status carries a restart delay")
	}
	s.PID = nil
	if err := s.Validate(); err == nil {
		t.Fatalf("running status without pid passed validation")
	}
}

func TestTerminalStatesCarryNoPid(t *testing.T) {
	for _, s := range []ServiceStatus{NewStopped("web"), NewFailed("web", "oom killed")} {
		if s.PID != nil || s.Uptime != nil {
			t.Fatalf("%s status carries pid or uptime", s.State)
		}
	}
	bad := NewFailed("web", "oom killed")
	bad.PID = pidPtr(1)
	if err := bad.Validate(); err == nil {
		t.Fatalf("failed status with pid passed validation")
	}
}

func TestFailedRequiresReason(t *testing.T) {
	s := ServiceStatus{Name: "web", State: StateFailed}
	if err := s.Validate(); err == nil {
		t.Fatalf("failed status without reason passed validation")
	}
	empty := ""
	s.FailureReason = &empty
	if err := s.Validate(); err == nil {
		t.Fatalf("failed status with empty reason passed validation")
	}
}

func TestSuccessWindowOnlyWhileRunning(t *testing.T) {
	s := NewStopped("web")
	s.SuccessWindowRemaining = durationPtr(time.Second)
	if err := s.Validate(); err == nil {
		t.Fatalf("stopped status with success window passed validation")
	}
}

func TestAbsentFieldsStayOffTheWire(t *testing.T) {
	b, err := json.Marshal(NewStopped("web"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{"pid", "uptime", "next_restart_delay", "success_window_remaining", "failure_reason", "max_restarts"} {
		if strings.Contains(string(b), `"`+field+`"`) {
			t.Fatalf("stopped status leaked %q: %s", field, b)
		}
	}
	if !strings.Contains(string(b), `"restart_count":0`) {
		t.Fatalf("restart_count must always be encoded: %s", b)
	}
}

func TestServiceStatusRoundTrip(t *testing.T) {
	max := uint32(5)
	orig := NewRunning("web", 77, 90*time.Second, 12*time.Second)
	orig.RestartCount = 2
	orig.MaxRestarts = &max

	b, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got ServiceStatus
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Name != orig.Name || got.State != orig.State || *got.PID != *orig.PID {
		t.Fatalf("identity fields changed: %+v", got)
	}
	if got.Uptime.Std() != 90*time.Second || got.SuccessWindowRemaining.Std() != 12*time.Second {
		t.Fatalf("durations changed: uptime=%v window=%v", got.Uptime.Std(), got.SuccessWindowRemaining.Std())
	}
	if got.RestartCount != 2 || *got.MaxRestarts != 5 {
		t.Fatalf("restart bookkeeping changed: %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("decoded status invalid: %v", err)
	}
}

func TestDurationEncodesAsSeconds(t *testing.T) {
	b, err := json.Marshal(Duration(1500 * time.Millisecond))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != "1.5" {
		t.Fatalf("expected 1.5, got %s", b)
	}
	var d Duration
	if err := json.Unmarshal([]byte("0.3"), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Std() != 300*time.Millisecond {
		t.Fatalf("expected 300ms, got %v", d.Std())
	}
	if err := json.Unmarshal([]byte("-1"), &d); err == nil {
		t.Fatalf("negative duration passed")
	}
}

func TestStatusResponseRoundTrip(t *testing.T) {
	orig := StatusResponse{
		DaemonRunning: true,
		DaemonPID:     1234,
		DaemonUptime:  Duration(time.Hour),
		Services:      []ServiceStatus{NewRunning("web", 77, time.Minute, 0), NewStopped("db")},
	}
	b, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got StatusResponse
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.DaemonRunning || got.DaemonPID != 1234 || got.DaemonUptime.Std() != time.Hour {
		t.Fatalf("daemon fields changed: %+v", got)
	}
	if len(got.Services) != 2 || got.Services[0].Name != "web" || got.Services[1].State != StateStopped {
		t.Fatalf("services changed: %+v", got.Services)
	}
}
