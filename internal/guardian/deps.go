package guardian

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

const defaultCheckTimeout = 60 * time.Second

// DependencyConfig lists executables the target needs. Required ones block
// the start when missing, optional ones only warn.
type DependencyConfig struct {
	Required []string
	Optional []string
	// CheckCommand is an optional shell command that reports missing
	// packages with a "Missing packages: a, b" line and a non-zero exit.
	CheckCommand string
	CheckTimeout time.Duration
}

func (dc DependencyConfig) check(ctx context.Context, workdir string, env map[string]string) Check {
	var missingReq, missingOpt []string
	for _, b := range dc.Required {
		if _, err := exec.LookPath(b); err != nil {
			missingReq = append(missingReq, b)
		}
	}
	for _, b := range dc.Optional {
		if _, err := exec.LookPath(b); err != nil {
			missingOpt = append(missingOpt, b)
		}
	}
	if dc.CheckCommand != "" {
		missingOpt = append(missingOpt, dc.runCheckCommand(ctx, workdir, env)...)
	}
	if len(missingReq) > 0 {
		return Check{
			Name:        CheckDependencies,
			Status:      StatusFailed,
			Detail:      "missing required: " + strings.Join(missingReq, ", "),
			Remediation: "install the missing executables",
		}
	}
	if len(missingOpt) > 0 {
		return Check{
			Name:        CheckDependencies,
			Status:      StatusWarning,
			Detail:      "missing optional: " + strings.Join(missingOpt, ", "),
			Remediation: "features depending on these will be unavailable",
		}
	}
	return Check{Name: CheckDependencies, Status: StatusOK, Detail: "dependencies present"}
}

func (dc DependencyConfig) runCheckCommand(ctx context.Context, workdir string, env map[string]string) []string {
	timeout := dc.CheckTimeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", dc.CheckCommand)
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if pkgs := ParseMissing(string(out)); len(pkgs) > 0 {
		return pkgs
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return []string{fmt.Sprintf("check command exited %d", ee.ExitCode())}
	}
	return []string{"check command: " + err.Error()}
}

// ParseMissing extracts package names from a "Missing packages: a, b" line.
func ParseMissing(out string) []string {
	const marker = "Missing packages:"
	for _, line := range strings.Split(out, "\n") {
		i := strings.Index(line, marker)
		if i < 0 {
			continue
		}
		var pkgs []string
		for _, p := range strings.Split(line[i+len(marker):], ",") {
			if p = strings.TrimSpace(p); p != "" {
				pkgs = append(pkgs, p)
			}
		}
		return pkgs
	}
	return nil
}
