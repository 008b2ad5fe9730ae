package ipc

import (
	"fmt"
	"time"
)

type ServiceState string

const (
	StateStarting   ServiceState = "starting"
	StateRunning    ServiceState = "running"
	StateStopped    ServiceState = "stopped"
	StateFailed     ServiceState = "failed"
	StateRestarting ServiceState = "restarting"
)

// ServiceStatus reports one supervised service. Which optional fields are
// populated follows from State alone; build values through the NewXxx
// constructors and Validate enforces the pairing.
type ServiceStatus struct {
	Name                   string       `json:"name"`
	State                  ServiceState `json:"state"`
	PID                    *uint32      `json:"pid,omitempty"`
	Uptime                 *Duration    `json:"uptime,omitempty"`
	RestartCount           uint32       `json:"restart_count"`
	MaxRestarts            *uint32      `json:"max_restarts,omitempty"`
	NextRestartDelay       *Duration    `json:"next_restart_delay,omitempty"`
	SuccessWindowRemaining *Duration    `json:"success_window_remaining,omitempty"`
	FailureReason          *string      `json:"failure_reason,omitempty"`
}

// StatusResponse answers the "all" and "service" queries.
type StatusResponse struct {
	DaemonRunning bool            `json:"daemon_running"`
	DaemonPID     uint32          `json:"daemon_pid"`
	DaemonUptime  Duration        `json:"daemon_uptime"`
	Services      []ServiceStatus `json:"services"`
}

// NewStarting builds a status for a service whose process is being brought
// up. pid <= 0 means the OS process does not exist yet.
func NewStarting(name string, pid int) ServiceStatus {
	s := ServiceStatus{Name: name, State: StateStarting}
	if pid > 0 {
		s.PID = pidPtr(pid)
	}
	return s
}

// NewRunning builds a status for a live service. windowRemaining <= 0 means
// no success window is currently running down.
func NewRunning(name string, pid int, uptime, windowRemaining time.Duration) ServiceStatus {
	s := ServiceStatus{Name: name, State: StateRunning, PID: pidPtr(pid), Uptime: durationPtr(uptime)}
	if windowRemaining > 0 {
		s.SuccessWindowRemaining = durationPtr(windowRemaining)
	}
	return s
}

func NewStopped(name string) ServiceStatus {
	return ServiceStatus{Name: name, State: StateStopped}
}

// NewFailed builds the terminal status of a service whose restart budget is
// exhausted. reason must be non-empty.
func NewFailed(name, reason string) ServiceStatus {
	return ServiceStatus{Name: name, State: StateFailed, FailureReason: &reason}
}

// NewRestarting builds a status for a service waiting out its backoff delay
// before the next start attempt.
func NewRestarting(name string, nextDelay time.Duration) ServiceStatus {
	return ServiceStatus{Name: name, State: StateRestarting, NextRestartDelay: durationPtr(nextDelay)}
}

// Validate enforces the per-state field pairing: exactly the fields valid
// for the current state are populated.
func (s ServiceStatus) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("service status: empty name")
	}
	switch s.State {
	case StateStarting:
		if s.Uptime != nil || s.NextRestartDelay != nil {
			return fmt.Errorf("service %s: starting state carries no uptime or restart delay", s.Name)
		}
	case StateRunning:
		if s.PID == nil || s.Uptime == nil {
			return fmt.Errorf("service %s: running state requires pid and uptime", s.Name)
		}
		if s.NextRestartDelay != nil {
			return fmt.Errorf("service %s: running state carries no restart delay", s.Name)
		}
	case StateStopped:
		if s.PID != nil || s.Uptime != nil || s.NextRestartDelay != nil || s.FailureReason != nil {
			return fmt.Errorf("service %s: stopped state carries only restart bookkeeping", s.Name)
		}
	case StateFailed:
		if s.PID != nil || s.Uptime != nil || s.NextRestartDelay != nil {
			return fmt.Errorf("service %s: failed state carries no pid, uptime or restart delay", s.Name)
		}
		if s.FailureReason == nil || *s.FailureReason == "" {
			return fmt.Errorf("service %s: failed state requires a failure reason", s.Name)
		}
	case StateRestarting:
		if s.NextRestartDelay == nil {
			return fmt.Errorf("service %s: restarting state requires a restart delay", s.Name)
		}
		if s.Uptime != nil {
			return fmt.Errorf("service %s: restarting state carries no uptime", s.Name)
		}
	default:
		return fmt.Errorf("service %s: unknown state %q", s.Name, s.State)
	}
	if s.SuccessWindowRemaining != nil && s.State != StateRunning {
		return fmt.Errorf("service %s: success window only runs down while running", s.Name)
	}
	return nil
}

func pidPtr(pid int) *uint32 {
	v := uint32(pid)
	return &v
}
