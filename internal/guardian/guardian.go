// Package guardian runs the preflight checks that gate every start attempt.
//
// Checks run in a fixed order: config, runtime_dirs, port, dependencies.
// A failed config or runtime_dirs check short-circuits the rest. Port
// conflicts are repaired by substituting a free port and never fail the run.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/warden/internal/metrics"
)

// CheckStatus is the outcome of a single preflight check.
type CheckStatus string

const (
	StatusOK        CheckStatus = "ok"
	StatusFailed    CheckStatus = "failed"
	StatusAutoFixed CheckStatus = "auto_fixed"
	StatusWarning   CheckStatus = "warning"
)

// Check names.
const (
	CheckConfig       = "config"
	CheckRuntimeDirs  = "runtime_dirs"
	CheckPort         = "port"
	CheckDependencies = "dependencies"
)

type Check struct {
	Name        string      `json:"name"`
	Status      CheckStatus `json:"status"`
	Detail      string      `json:"detail,omitempty"`
	Remediation string      `json:"remediation,omitempty"`
	// Paths lists the configured paths a failed check is about.
	Paths []string `json:"paths,omitempty"`
}

// Result is the outcome of one preflight run. Overrides holds environment
// values the caller must apply to the next start (e.g. a substituted port).
type Result struct {
	Passed    bool              `json:"passed"`
	Checks    []Check           `json:"checks"`
	Overrides map[string]string `json:"overrides,omitempty"`
	Port      int               `json:"port,omitempty"`
}

// Failed returns the checks that blocked the run.
func (r Result) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Status == StatusFailed {
			out = append(out, c)
		}
	}
	return out
}

func (r Result) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

// Guardian holds the static part of the preflight configuration.
type Guardian struct {
	Port PortConfig
	Deps DependencyConfig
	// RuntimeDirs are created on demand, relative to the target workdir.
	RuntimeDirs []string
	// RequiredEnv keys must be present and non-empty in the start environment.
	RequiredEnv []string
}

// Input is the per-attempt part: what is about to be started and with which env.
type Input struct {
	Target Target
	Env    map[string]string
	// Running marks a sweep of a live target. The port check is skipped
	// because the target itself holds the port.
	Running bool
}

// Run executes the checks in order. It never panics and always returns a result.
func (g *Guardian) Run(ctx context.Context, in Input) Result {
	res := Result{Passed: true, Overrides: map[string]string{}}

	add := func(c Check) {
		res.Checks = append(res.Checks, c)
		metrics.IncPreflightCheck(c.Name, string(c.Status))
		if c.Status == StatusFailed {
			res.Passed = false
		}
		if c.Status != StatusOK {
			slog.Warn("preflight check", "check", c.Name, "status", c.Status, "detail", c.Detail)
		}
	}

	add(checkConfig(in, g.RequiredEnv))
	if !res.Passed {
		return res
	}
	add(checkRuntimeDirs(in.Target.Workdir, g.RuntimeDirs))
	if !res.Passed {
		return res
	}
	if !in.Running {
		pc, port := g.Port.check(ctx)
		add(pc)
		if port > 0 {
			res.Port = port
			if pc.Status == StatusAutoFixed {
				for k, v := range g.Port.overrides(port) {
					res.Overrides[k] = v
				}
			}
		}
	}
	add(g.Deps.check(ctx, in.Target.Workdir, in.Env))
	return res
}

// Report renders a result for operators.
func Report(r Result) string {
	var b strings.Builder
	verdict := "PASSED"
	if !r.Passed {
		verdict = "FAILED"
	}
	fmt.Fprintf(&b, "preflight %s\n", verdict)
	for _, c := range r.Checks {
		fmt.Fprintf(&b, "  [%-10s] %-13s %s\n", c.Status, c.Name, c.Detail)
		if c.Remediation != "" {
			fmt.Fprintf(&b, "               fix: %s\n", c.Remediation)
		}
	}
	for k, v := range r.Overrides {
		fmt.Fprintf(&b, "  override %s=%s\n", k, v)
	}
	return b.String()
}
