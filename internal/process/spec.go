package process

import (
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/beacon-ops/gwfailover/internal/logger"
)

// ConfigPlaceholder is replaced in Spec.Command with the rendered config path.
const ConfigPlaceholder = "{config}"

// Spec describes the gateway process to be managed.
type Spec struct {
	Name          string        `json:"name" mapstructure:"name"`
	Command       string        `json:"command" mapstructure:"command"`               // command line; {config} is replaced with the config path
	WorkDir       string        `json:"work_dir" mapstructure:"work_dir"`             // optional working dir
	Env           []string      `json:"env" mapstructure:"env"`                       // optional extra env
	PIDFile       string        `json:"pid_file" mapstructure:"pid_file"`             // optional pidfile path
	StartDuration time.Duration `json:"start_duration" mapstructure:"start_duration"` // minimum time the process must stay up to be considered started
	Log           logger.Config `json:"log" mapstructure:"log"`
}

// Validate checks the invariants a spec needs before it can be started.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("process command is required")
	}
	if s.StartDuration < 0 {
		return errors.New("start duration cannot be negative")
	}
	return nil
}

// WithConfig returns a copy of the spec whose command references configPath.
// If the command has no {config} placeholder the path is appended as the
// last argument, which is how the gateway binary takes it.
func (s Spec) WithConfig(configPath string) Spec {
	if configPath == "" {
		return s
	}
	if strings.Contains(s.Command, ConfigPlaceholder) {
		s.Command = strings.ReplaceAll(s.Command, ConfigPlaceholder, configPath)
	} else {
		s.Command = strings.TrimSpace(s.Command) + " " + configPath
	}
	return s
}

// BuildCommand constructs an *exec.Cmd for the given spec.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns ARG with
// one pair of wrapping quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
