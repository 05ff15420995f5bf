package process

import (
	"os/exec"
	"strings"

	"github.com/loykin/warden/internal/logger"
)

// Spec describes the supervised command.
type Spec struct {
	Name    string        `json:"name" mapstructure:"name"`
	Command string        `json:"command" mapstructure:"command"`
	Args    []string      `json:"args" mapstructure:"args"`
	WorkDir string        `json:"work_dir" mapstructure:"workdir"`
	Log     logger.Config `json:"log" mapstructure:"log"`
}

// BuildCommand constructs an *exec.Cmd for the spec. When Args is set the
// command is executed directly. Otherwise Command is split on whitespace, or
// handed to /bin/sh -c when it contains shell syntax.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(cmdStr, s.Args...)
	}
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if after, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects a leading "sh -c <script>" and returns the script
// with one pair of surrounding quotes stripped.
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
