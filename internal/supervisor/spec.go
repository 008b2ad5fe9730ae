package supervisor

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kodegen/kodegend/internal/logger"
)

const (
	defaultStartTimeout   = 3 * time.Second
	defaultStopTimeout    = 3 * time.Second
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = 30 * time.Second
	defaultBackoffFactor  = 2.0
	defaultHealthPath     = "/healthz"
)

// Spec describes one backend server the daemon supervises. Name is the
// unique service key; Category and Port identify the server to aggregation
// queries.
type Spec struct {
	Name     string   `mapstructure:"name" json:"name"`
	Category string   `mapstructure:"category" json:"category"`
	Port     uint16   `mapstructure:"port" json:"port"`
	Command  string   `mapstructure:"command" json:"command"`
	WorkDir  string   `mapstructure:"work_dir" json:"work_dir"`
	Env      []string `mapstructure:"env" json:"env"`

	// MaxRestarts caps consecutive abnormal exits; 0 means unlimited.
	MaxRestarts uint32 `mapstructure:"max_restarts" json:"max_restarts"`
	// SuccessWindow is how long the server must stay up before its restart
	// budget is considered recovered; 0 disables the window.
	SuccessWindow  time.Duration `mapstructure:"success_window" json:"success_window"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial" json:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" json:"backoff_max"`
	BackoffFactor  float64       `mapstructure:"backoff_factor" json:"backoff_factor"`

	// StartTimeout bounds the readiness probe; a server still alive at the
	// deadline counts as running even without a health route.
	StartTimeout time.Duration `mapstructure:"start_timeout" json:"start_timeout"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout" json:"stop_timeout"`
	HealthPath   string        `mapstructure:"health_path" json:"health_path"`

	Log logger.Config `mapstructure:"log" json:"log"`
}

func (s *Spec) Validate() error {
	if !safeName(s.Name) {
		return fmt.Errorf("invalid service name %q", s.Name)
	}
	if s.Category == "" {
		return fmt.Errorf("service %s: empty category", s.Name)
	}
	if s.Port == 0 {
		return fmt.Errorf("service %s: port required", s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("service %s: command required", s.Name)
	}
	if s.BackoffFactor != 0 && s.BackoffFactor < 1 {
		return fmt.Errorf("service %s: backoff factor must be >= 1", s.Name)
	}
	return nil
}

// normalized fills zero-valued knobs with their defaults.
func (s Spec) normalized() Spec {
	if s.StartTimeout <= 0 {
		s.StartTimeout = defaultStartTimeout
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = defaultStopTimeout
	}
	if s.BackoffInitial <= 0 {
		s.BackoffInitial = defaultBackoffInitial
	}
	if s.BackoffMax <= 0 {
		s.BackoffMax = defaultBackoffMax
	}
	if s.BackoffFactor < 1 {
		s.BackoffFactor = defaultBackoffFactor
	}
	if s.HealthPath == "" {
		s.HealthPath = defaultHealthPath
	}
	return s
}

func (s Spec) backoff() Backoff {
	return Backoff{Initial: s.BackoffInitial, Max: s.BackoffMax, Factor: s.BackoffFactor}
}

// safeName permits the same conservative charset the control API accepts.
func safeName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// buildCommand constructs the exec.Cmd for Command. A command that already
// invokes a shell is honored without wrapping a second one; bare commands
// with shell metacharacters get /bin/sh -c; everything else runs directly.
func (s *Spec) buildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if script, ok := explicitShellScript(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", script)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// explicitShellScript matches a leading "sh -c <script>" (or an absolute
// shell path) and returns the script with one layer of outer quotes
// stripped, so the script's own quoting and redirections survive.
func explicitShellScript(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, prefix := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, prefix) {
			continue
		}
		script := trim[len(prefix):]
		if n := len(script); n >= 2 {
			if (script[0] == '\'' && script[n-1] == '\'') || (script[0] == '"' && script[n-1] == '"') {
				script = script[1 : n-1]
			}
		}
		return script, true
	}
	return "", false
}
