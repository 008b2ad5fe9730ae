//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// configureProcAttrs puts the child in its own process group so stop
// signals reach the whole process tree.
func configureProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
}

func killGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
