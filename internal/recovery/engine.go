// Package recovery runs the emergency remediation step that follows a cluster
// of failed restarts.
//
// A Diagnoser proposes actions from recent logs. Proposals are untrusted: each
// action must belong to the closed action set, resolve inside the workdir and
// match the Allowlist before it is executed. The outcome of an attempt is only
// known after the supervisor has tried one more start, so Run and Finish are
// separate calls.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/metrics"
)

// DefaultLogLines is how many trailing log lines are handed to the diagnoser.
const DefaultLogLines = 80

var (
	// ErrRecoveryFailed is returned by Finish when the post-recovery start did
	// not succeed. The alert has already been emitted.
	ErrRecoveryFailed = errors.New("emergency recovery failed")
	ErrFinished       = errors.New("recovery attempt already finished")
)

// LogSource returns up to n of the most recent log lines.
type LogSource func(n int) []string

// TailLogs reads the trailing lines of the given log files.
func TailLogs(paths ...string) LogSource {
	return func(n int) []string { return logger.TailAll(n, paths...) }
}

// Trigger describes why recovery was invoked.
type Trigger struct {
	Name                string   `json:"name"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	RestartCount        int      `json:"restart_count"`
	LastExitCode        int      `json:"last_exit_code"`
	Suggested           []Action `json:"suggested,omitempty"`
	// Report is the preflight report taken when recovery was triggered.
	Report string `json:"report,omitempty"`
}

// Attempt is one emergency recovery invocation. Once finished it is appended
// to the history ledger and never modified again.
type Attempt struct {
	ID            string         `json:"id"`
	TriggerTime   time.Time      `json:"trigger_time"`
	Trigger       Trigger        `json:"trigger"`
	DiagnosisText string         `json:"diagnosis_text"`
	Confidence    float64        `json:"confidence,omitempty"`
	Proposed      []Action       `json:"proposed_actions"`
	Executed      []ActionResult `json:"executed_actions"`
	Rejections    []Rejection    `json:"allowlist_rejections"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason,omitempty"`

	finished bool
}

// ActionsOK reports whether at least one action ran and none failed.
func (a *Attempt) ActionsOK() bool {
	if len(a.Executed) == 0 {
		return false
	}
	for _, r := range a.Executed {
		if !r.OK {
			return false
		}
	}
	return true
}

func (a *Attempt) detail() map[string]any {
	return map[string]any{
		"attempt_id":           a.ID,
		"trigger_time":         a.TriggerTime,
		"diagnosis_text":       a.DiagnosisText,
		"proposed_actions":     a.Proposed,
		"executed_actions":     a.Executed,
		"allowlist_rejections": a.Rejections,
		"consecutive_failures": a.Trigger.ConsecutiveFailures,
		"reason":               a.Reason,
	}
}

type Engine struct {
	Workdir   string
	Diagnoser Diagnoser
	Allowlist Allowlist
	Logs      LogSource
	LogLines  int
	History   history.Sink
	Alerts    AlertSink
	// AutoFix disables execution when false; permitted actions are then
	// recorded as proposed only.
	AutoFix bool

	mu  sync.Mutex
	now func() time.Time
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now().UTC()
}

// Run gathers logs, asks for a diagnosis, filters the proposal through the
// allowlist and executes what remains. A diagnoser error degrades to an empty
// proposal; Run itself only fails on a nil engine configuration.
func (e *Engine) Run(ctx context.Context, t Trigger) (*Attempt, error) {
	if e.Workdir == "" {
		return nil, errors.New("recovery engine has no workdir")
	}
	a := &Attempt{ID: uuid.NewString(), TriggerTime: e.clock(), Trigger: t}
	lines := e.LogLines
	if lines <= 0 {
		lines = DefaultLogLines
	}
	var logs []string
	if e.Logs != nil {
		logs = e.Logs(lines)
	}

	var p Proposal
	if e.Diagnoser != nil {
		var err error
		if rd, ok := e.Diagnoser.(ReportDiagnoser); ok && t.Report != "" {
			p, err = rd.DiagnoseReport(ctx, logs, t.Report)
		} else {
			p, err = e.Diagnoser.Diagnose(ctx, logs)
		}
		if err != nil {
			slog.Warn("diagnosis failed", "name", t.Name, "error", err)
			p = Proposal{RootCause: fmt.Sprintf("diagnosis unavailable: %v", err)}
		}
	}
	if p.RootCause == "" {
		p.RootCause = "heuristic-only"
	}
	a.DiagnosisText = p.RootCause
	a.Confidence = p.Confidence
	a.Proposed = dedupe(append(append([]Action(nil), t.Suggested...), p.Actions...))

	permitted, rejected := e.Allowlist.Partition(a.Proposed)
	a.Rejections = rejected
	for _, r := range rejected {
		metrics.IncRecoveryAction(string(r.Action.Type), "rejected")
		slog.Warn("recovery action rejected", "name", t.Name, "action", r.Action.String(), "reason", r.Reason)
	}
	if !e.AutoFix {
		slog.Info("recovery auto-fix disabled; actions not executed", "name", t.Name, "permitted", len(permitted))
		return a, nil
	}
	for _, act := range permitted {
		if err := ctx.Err(); err != nil {
			return a, err
		}
		res := Execute(e.Workdir, act)
		a.Executed = append(a.Executed, res)
		if res.OK {
			metrics.IncRecoveryAction(string(act.Type), "executed")
			slog.Info("recovery action applied", "name", t.Name, "action", act.String(), "changed", res.Changed)
		} else {
			metrics.IncRecoveryAction(string(act.Type), "failed")
			slog.Warn("recovery action failed", "name", t.Name, "action", act.String(), "error", res.Error)
		}
	}
	return a, nil
}

// Finish records the outcome of the start that followed Run. It appends the
// attempt to the ledger exactly once. On failure the alert sink is invoked and
// ErrRecoveryFailed is returned.
func (e *Engine) Finish(ctx context.Context, a *Attempt, success bool, reason string) error {
	result := "failure"
	if success {
		result = "success"
	}
	if err := e.record(ctx, a, success, result, reason); err != nil {
		return err
	}
	if success {
		slog.Info("emergency recovery succeeded", "name", a.Trigger.Name, "attempt", a.ID)
		return nil
	}

	slog.Error("emergency recovery failed", "name", a.Trigger.Name, "attempt", a.ID, "reason", reason)
	if e.Alerts != nil {
		alert := Alert{
			Timestamp: e.clock(),
			Kind:      AlertRecoveryFailed,
			Name:      a.Trigger.Name,
			AttemptID: a.ID,
			Diagnosis: a.DiagnosisText,
			Reason:    reason,
			Detail: map[string]any{
				"consecutive_failures": a.Trigger.ConsecutiveFailures,
				"restart_count":        a.Trigger.RestartCount,
				"executed_actions":     len(a.Executed),
				"rejected_actions":     len(a.Rejections),
			},
		}
		if err := e.Alerts.Alert(ctx, alert); err != nil {
			slog.Error("alert sink failed", "name", a.Trigger.Name, "error", err)
		}
	}
	return fmt.Errorf("%w: %s", ErrRecoveryFailed, reason)
}

// Abandon records an attempt whose outcome will never be observed because the
// supervisor was stopped first. The ledger entry is marked unsuccessful but no
// alert is raised.
func (e *Engine) Abandon(ctx context.Context, a *Attempt, reason string) error {
	if err := e.record(ctx, a, false, "abandoned", reason); err != nil {
		return err
	}
	slog.Info("emergency recovery abandoned", "name", a.Trigger.Name, "attempt", a.ID, "reason", reason)
	return nil
}

func (e *Engine) record(ctx context.Context, a *Attempt, success bool, result, reason string) error {
	if a == nil {
		return errors.New("nil recovery attempt")
	}
	e.mu.Lock()
	if a.finished {
		e.mu.Unlock()
		return ErrFinished
	}
	a.finished = true
	a.Success = success
	a.Reason = reason
	e.mu.Unlock()

	metrics.IncRecoveryAttempt(result)
	if e.History == nil {
		return nil
	}
	detail := a.detail()
	detail["outcome"] = result
	ev := history.Event{
		Timestamp:    e.clock(),
		Type:         history.EventRecoveryAttempt,
		Name:         a.Trigger.Name,
		AttemptCount: a.Trigger.ConsecutiveFailures,
		Success:      success,
		Detail:       detail,
	}
	if err := e.History.Send(ctx, ev); err != nil {
		slog.Warn("recovery ledger append failed", "name", a.Trigger.Name, "error", err)
	}
	return nil
}

func dedupe(actions []Action) []Action {
	seen := make(map[string]bool, len(actions))
	out := actions[:0]
	for _, a := range actions {
		sig := a.Signature()
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, a)
	}
	return out
}
