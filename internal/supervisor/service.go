package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kodegen/kodegend/pkg/ipc"
)

type action int

const (
	actionStart action = iota
	actionStop
	actionRestart
	actionShutdown
)

type command struct {
	action action
	reply  chan error
}

// service drives one supervised server. Every lifecycle mutation happens on
// the run goroutine; Status reads the snapshot fields under mu, so a query
// never observes a half-applied transition.
type service struct {
	spec   Spec
	merge  func([]string) []string
	notify TransitionFunc

	cmdCh  chan command
	doneCh chan struct{}

	// owned by run()
	proc        *procHandle
	readyCh     chan error
	cancelProbe context.CancelFunc
	backoffC    <-chan time.Time
	windowC     <-chan time.Time

	mu             sync.Mutex
	state          ipc.ServiceState
	pid            int
	startedAt      time.Time
	restartCount   uint32
	windowDeadline time.Time
	nextDelay      time.Duration
	failureReason  string
}

func newService(spec Spec, merge func([]string) []string, notify TransitionFunc) *service {
	s := &service{
		spec:   spec,
		merge:  merge,
		notify: notify,
		cmdCh:  make(chan command, 16),
		doneCh: make(chan struct{}),
		state:  ipc.StateStarting,
	}
	go s.run()
	return s
}

func (s *service) send(a action) error {
	reply := make(chan error, 1)
	select {
	case s.cmdCh <- command{action: a, reply: reply}:
		return <-reply
	case <-s.doneCh:
		return fmt.Errorf("service %s has shut down", s.spec.Name)
	}
}

func (s *service) run() {
	defer close(s.doneCh)
	for {
		select {
		case cmd := <-s.cmdCh:
			if s.handleCommand(cmd) {
				return
			}
		case err := <-s.waitC():
			s.handleExit(err)
		case err := <-s.readyC():
			s.handleReady(err)
		case <-s.backoffC:
			s.backoffC = nil
			s.handleBackoffElapsed()
		case <-s.windowC:
			s.windowC = nil
			s.handleWindowComplete()
		}
	}
}

// waitC is nil while no process runs, which parks that select arm.
func (s *service) waitC() chan error {
	if s.proc == nil {
		return nil
	}
	return s.proc.waitCh
}

func (s *service) readyC() chan error {
	return s.readyCh
}

// handleCommand returns true when the loop must exit.
func (s *service) handleCommand(cmd command) bool {
	var err error
	switch cmd.action {
	case actionStart:
		err = s.adminStart()
	case actionStop:
		s.adminStop()
	case actionRestart:
		s.adminStop()
		err = s.doStart(true)
	case actionShutdown:
		s.adminStop()
		if cmd.reply != nil {
			cmd.reply <- nil
		}
		return true
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
	return false
}

func (s *service) adminStart() error {
	switch s.snapshotState() {
	case ipc.StateStopped, ipc.StateFailed:
		return s.doStart(true)
	case ipc.StateRestarting:
		s.backoffC = nil
		return s.doStart(true)
	case ipc.StateStarting:
		if s.proc == nil {
			// first start after registration
			return s.doStart(false)
		}
		return fmt.Errorf("service %s is already starting", s.spec.Name)
	default:
		return fmt.Errorf("service %s is already running", s.spec.Name)
	}
}

// adminStop deliberately stops whatever is in flight. Stopping an already
// terminal service is a no-op; a Failed service stays Failed.
func (s *service) adminStop() {
	switch s.snapshotState() {
	case ipc.StateStopped, ipc.StateFailed:
	case ipc.StateRestarting:
		s.backoffC = nil
		s.transitionStopped()
	default:
		s.doStop()
	}
}

// doStart spawns the process and arms the readiness probe. Spawn failures
// go through the same restart policy as abnormal exits, so a missing
// binary backs off instead of flapping.
func (s *service) doStart(resetBudget bool) error {
	if resetBudget {
		s.mu.Lock()
		s.restartCount = 0
		s.mu.Unlock()
	}
	s.transitionStarting()
	h, err := launch(s.spec, s.merge(s.spec.Env))
	if err != nil {
		s.applyFailurePolicy(err.Error())
		return err
	}
	s.proc = h
	s.mu.Lock()
	s.pid = h.pid()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelProbe = cancel
	s.readyCh = make(chan error, 1)
	go probeReady(ctx, s.spec.Port, s.spec.HealthPath, s.spec.StartTimeout, s.readyCh)
	return nil
}

func (s *service) doStop() {
	s.stopProbe()
	h := s.proc
	if h == nil {
		s.transitionStopped()
		return
	}
	h.signalStop()
	select {
	case <-h.waitCh:
	case <-time.After(s.spec.StopTimeout):
		h.kill()
		select {
		case <-h.waitCh:
		case <-time.After(200 * time.Millisecond):
		}
	}
	s.cleanupProc()
	s.transitionStopped()
}

// handleReady fires when the readiness probe concludes. A deadline pass
// with the process still alive also counts as running; servers without a
// health route come up this way.
func (s *service) handleReady(err error) {
	s.readyCh = nil
	s.stopProbe()
	if s.snapshotState() != ipc.StateStarting || s.proc == nil {
		return
	}
	if err != nil && err != errProbeDeadline {
		return
	}
	s.transitionRunning()
	if s.spec.SuccessWindow > 0 {
		s.mu.Lock()
		s.windowDeadline = time.Now().Add(s.spec.SuccessWindow)
		s.mu.Unlock()
		s.windowC = time.After(s.spec.SuccessWindow)
	}
}

// handleExit fires when the process exits without a deliberate stop.
func (s *service) handleExit(err error) {
	s.stopProbe()
	s.readyCh = nil
	state := s.snapshotState()
	s.cleanupProc()

	if state == ipc.StateRunning && err == nil {
		// success indication
		s.transitionStopped()
		return
	}
	reason := "exit status 0"
	if err != nil {
		reason = err.Error()
	}
	if state == ipc.StateStarting {
		reason = "exited during startup: " + reason
	}
	s.applyFailurePolicy(reason)
}

// applyFailurePolicy accounts one abnormal termination: the failure streak
// grows by one, then either the restart budget is exhausted (terminal
// Failed) or a backoff delay is scheduled.
func (s *service) applyFailurePolicy(reason string) {
	s.mu.Lock()
	s.restartCount++
	count := s.restartCount
	s.windowDeadline = time.Time{}
	s.mu.Unlock()
	s.windowC = nil

	if s.spec.MaxRestarts > 0 && count >= s.spec.MaxRestarts {
		s.transitionFailed(fmt.Sprintf("restart budget exhausted after %d failures: %s", count, reason))
		return
	}
	delay := s.spec.backoff().Delay(count)
	s.transitionRestarting(delay)
	s.backoffC = time.After(delay)
}

func (s *service) handleBackoffElapsed() {
	if s.snapshotState() != ipc.StateRestarting {
		return
	}
	_ = s.doStart(false)
}

// handleWindowComplete restores the restart budget after a stable run.
func (s *service) handleWindowComplete() {
	s.mu.Lock()
	if s.state != ipc.StateRunning || s.windowDeadline.IsZero() {
		s.mu.Unlock()
		return
	}
	s.restartCount = 0
	s.windowDeadline = time.Time{}
	s.mu.Unlock()
	slog.Debug("success window completed", "service", s.spec.Name)
}

func (s *service) stopProbe() {
	if s.cancelProbe != nil {
		s.cancelProbe()
		s.cancelProbe = nil
	}
}

func (s *service) cleanupProc() {
	if s.proc != nil {
		s.proc.closeWriters()
		s.proc = nil
	}
	s.mu.Lock()
	s.pid = 0
	s.mu.Unlock()
}

func (s *service) snapshotState() ipc.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status builds a fresh wire status from the snapshot fields.
func (s *service) Status() ipc.ServiceStatus {
	s.mu.Lock()
	state := s.state
	pid := s.pid
	startedAt := s.startedAt
	count := s.restartCount
	windowDeadline := s.windowDeadline
	nextDelay := s.nextDelay
	reason := s.failureReason
	s.mu.Unlock()

	var st ipc.ServiceStatus
	switch state {
	case ipc.StateStarting:
		st = ipc.NewStarting(s.spec.Name, pid)
	case ipc.StateRunning:
		var remaining time.Duration
		if !windowDeadline.IsZero() {
			if r := time.Until(windowDeadline); r > 0 {
				remaining = r
			}
		}
		st = ipc.NewRunning(s.spec.Name, pid, time.Since(startedAt), remaining)
	case ipc.StateStopped:
		st = ipc.NewStopped(s.spec.Name)
	case ipc.StateFailed:
		st = ipc.NewFailed(s.spec.Name, reason)
	case ipc.StateRestarting:
		st = ipc.NewRestarting(s.spec.Name, nextDelay)
	}
	st.RestartCount = count
	if s.spec.MaxRestarts > 0 {
		m := s.spec.MaxRestarts
		st.MaxRestarts = &m
	}
	return st
}

// Transition helpers: mutate the snapshot under mu, then notify listeners
// outside the lock.

func (s *service) transitionStarting() {
	s.applyTransition(ipc.StateStarting, func() {
		s.failureReason = ""
		s.nextDelay = 0
		s.startedAt = time.Time{}
	}, "")
}

func (s *service) transitionRunning() {
	s.applyTransition(ipc.StateRunning, func() {
		s.startedAt = time.Now()
		s.failureReason = ""
		s.nextDelay = 0
	}, "")
}

func (s *service) transitionStopped() {
	s.applyTransition(ipc.StateStopped, func() {
		s.pid = 0
		s.startedAt = time.Time{}
		s.windowDeadline = time.Time{}
		s.nextDelay = 0
		s.failureReason = ""
	}, "")
}

func (s *service) transitionFailed(reason string) {
	s.applyTransition(ipc.StateFailed, func() {
		s.pid = 0
		s.startedAt = time.Time{}
		s.windowDeadline = time.Time{}
		s.nextDelay = 0
		s.failureReason = reason
	}, reason)
}

func (s *service) transitionRestarting(delay time.Duration) {
	s.applyTransition(ipc.StateRestarting, func() {
		s.startedAt = time.Time{}
		s.windowDeadline = time.Time{}
		s.nextDelay = delay
	}, "")
}

func (s *service) applyTransition(to ipc.ServiceState, mutate func(), reason string) {
	s.mu.Lock()
	from := s.state
	if from == to {
		mutate()
		s.mu.Unlock()
		return
	}
	s.state = to
	mutate()
	pid := s.pid
	count := s.restartCount
	s.mu.Unlock()

	if s.notify != nil {
		s.notify(Transition{
			Service:      s.spec.Name,
			Category:     s.spec.Category,
			From:         from,
			To:           to,
			PID:          pid,
			RestartCount: count,
			Reason:       reason,
			At:           time.Now(),
		})
	}
}
