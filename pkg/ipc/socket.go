package ipc

import (
	"os"
	"path/filepath"
)

// DefaultSocketPath is where the daemon listens when no control socket is
// configured. It prefers the per-user runtime directory when one exists.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "kodegend", "control.sock")
	}
	return filepath.Join(os.TempDir(), "kodegend.sock")
}
