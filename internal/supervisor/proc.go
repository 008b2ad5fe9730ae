package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// procHandle owns one spawned server process. Exactly one goroutine (the
// service loop) receives from waitCh, so exit reaping never races.
type procHandle struct {
	cmd    *exec.Cmd
	outW   io.WriteCloser
	errW   io.WriteCloser
	waitCh chan error
}

// launch builds and starts the server process in its own process group,
// with stdout/stderr routed to the spec's log writers or /dev/null.
func launch(spec Spec, mergedEnv []string) (*procHandle, error) {
	cmd := spec.buildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	configureProcAttrs(cmd)

	h := &procHandle{cmd: cmd, waitCh: make(chan error, 1)}
	if spec.Log.Dir != "" || spec.Log.StdoutPath != "" || spec.Log.StderrPath != "" {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		h.outW, h.errW, _ = spec.Log.Writers(spec.Name)
	}
	if h.outW != nil {
		cmd.Stdout = h.outW
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if h.errW != nil {
		cmd.Stderr = h.errW
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}

	if err := cmd.Start(); err != nil {
		h.closeWriters()
		return nil, fmt.Errorf("spawn %s: %w", spec.Name, err)
	}
	go func() { h.waitCh <- cmd.Wait() }()
	return h, nil
}

func (h *procHandle) pid() int {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// signalStop asks the whole process group to terminate.
func (h *procHandle) signalStop() {
	if pid := h.pid(); pid > 0 {
		terminateGroup(pid)
	}
}

func (h *procHandle) kill() {
	if pid := h.pid(); pid > 0 {
		killGroup(pid)
	}
}

func (h *procHandle) closeWriters() {
	if h.outW != nil {
		_ = h.outW.Close()
		h.outW = nil
	}
	if h.errW != nil {
		_ = h.errW.Close()
		h.errW = nil
	}
}
