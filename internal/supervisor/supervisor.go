// Package supervisor keeps a table of managed backend servers and drives
// each one through its lifecycle: spawn, readiness, restart with backoff,
// and the restart budget that decides when a service is declared failed.
package supervisor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kodegen/kodegend/internal/env"
	"github.com/kodegen/kodegend/internal/metrics"
	"github.com/kodegen/kodegend/pkg/ipc"
)

type Supervisor struct {
	mu        sync.RWMutex
	services  map[string]*service
	order     []string
	env       *env.Env
	listeners []TransitionFunc
	startedAt time.Time
}

func New() *Supervisor {
	return &Supervisor{
		services:  make(map[string]*service),
		env:       env.New(),
		startedAt: time.Now(),
	}
}

// SetGlobalEnv layers vars over the daemon environment for every service.
func (sv *Supervisor) SetGlobalEnv(vars map[string]string) {
	sv.env.SetAll(vars)
}

// ExcludeOSEnv stops services from inheriting the daemon's own environment;
// they receive only global and per-service variables.
func (sv *Supervisor) ExcludeOSEnv() {
	sv.env.ExcludeOS()
}

// OnTransition subscribes fn to every state transition of every service.
// Subscribe before Register; transitions fire from service goroutines.
func (sv *Supervisor) OnTransition(fn TransitionFunc) {
	sv.mu.Lock()
	sv.listeners = append(sv.listeners, fn)
	sv.mu.Unlock()
}

// Register validates spec, adds the service to the table and begins its
// first start. A freshly registered service is observable as starting
// before the process is even spawned.
func (sv *Supervisor) Register(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	spec = spec.normalized()

	sv.mu.Lock()
	if _, exists := sv.services[spec.Name]; exists {
		sv.mu.Unlock()
		return fmt.Errorf("service %s already registered", spec.Name)
	}
	svc := newService(spec, sv.env.Merge, sv.dispatch)
	sv.services[spec.Name] = svc
	sv.order = append(sv.order, spec.Name)
	sv.mu.Unlock()

	slog.Info("service registered", "service", spec.Name, "category", spec.Category, "port", spec.Port)
	return svc.send(actionStart)
}

func (sv *Supervisor) Start(name string) error {
	svc, err := sv.lookup(name)
	if err != nil {
		return err
	}
	return svc.send(actionStart)
}

func (sv *Supervisor) Stop(name string) error {
	svc, err := sv.lookup(name)
	if err != nil {
		return err
	}
	return svc.send(actionStop)
}

func (sv *Supervisor) Restart(name string) error {
	svc, err := sv.lookup(name)
	if err != nil {
		return err
	}
	return svc.send(actionRestart)
}

// Status reports one service.
func (sv *Supervisor) Status(name string) (ipc.ServiceStatus, error) {
	svc, err := sv.lookup(name)
	if err != nil {
		return ipc.ServiceStatus{}, err
	}
	return svc.Status(), nil
}

// StatusAll reports every service in registration order.
func (sv *Supervisor) StatusAll() []ipc.ServiceStatus {
	sv.mu.RLock()
	names := make([]string, len(sv.order))
	copy(names, sv.order)
	svcs := make([]*service, 0, len(names))
	for _, n := range names {
		svcs = append(svcs, sv.services[n])
	}
	sv.mu.RUnlock()

	out := make([]ipc.ServiceStatus, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, svc.Status())
	}
	return out
}

// Specs returns the registered specs in registration order.
func (sv *Supervisor) Specs() []Spec {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make([]Spec, 0, len(sv.order))
	for _, n := range sv.order {
		out = append(out, sv.services[n].spec)
	}
	return out
}

// PIDs reports the live process id per service, for resource sampling.
func (sv *Supervisor) PIDs() map[string]int32 {
	sv.mu.RLock()
	svcs := make([]*service, 0, len(sv.services))
	for _, svc := range sv.services {
		svcs = append(svcs, svc)
	}
	sv.mu.RUnlock()

	out := make(map[string]int32)
	for _, svc := range svcs {
		st := svc.Status()
		if st.PID != nil {
			out[st.Name] = int32(*st.PID)
		}
	}
	return out
}

func (sv *Supervisor) StartedAt() time.Time {
	return sv.startedAt
}

// Shutdown stops every service and retires its goroutine. Services stop in
// reverse registration order so dependents go down before their backends.
func (sv *Supervisor) Shutdown() {
	sv.mu.Lock()
	names := make([]string, len(sv.order))
	copy(names, sv.order)
	svcs := sv.services
	sv.services = make(map[string]*service)
	sv.order = nil
	sv.mu.Unlock()

	for i := len(names) - 1; i >= 0; i-- {
		if svc, ok := svcs[names[i]]; ok {
			_ = svc.send(actionShutdown)
		}
	}
}

func (sv *Supervisor) lookup(name string) (*service, error) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	svc, ok := sv.services[name]
	if !ok {
		return nil, fmt.Errorf("unknown service: %s", name)
	}
	return svc, nil
}

// dispatch fans a transition out to metrics and every listener.
func (sv *Supervisor) dispatch(t Transition) {
	recordTransitionMetrics(t)
	sv.mu.RLock()
	listeners := make([]TransitionFunc, len(sv.listeners))
	copy(listeners, sv.listeners)
	sv.mu.RUnlock()
	for _, fn := range listeners {
		fn(t)
	}
}

func recordTransitionMetrics(t Transition) {
	metrics.RecordStateTransition(t.Service, string(t.From), string(t.To))
	metrics.SetCurrentState(t.Service, string(t.From), false)
	metrics.SetCurrentState(t.Service, string(t.To), true)
	switch t.To {
	case ipc.StateStarting:
		metrics.IncStart(t.Service)
	case ipc.StateRestarting:
		metrics.IncRestart(t.Service)
	case ipc.StateStopped:
		metrics.IncStop(t.Service)
	case ipc.StateFailed:
		metrics.IncFailure(t.Service)
	}
}
