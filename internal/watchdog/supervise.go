package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loykin/warden/internal/guardian"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/recovery"
)

type exitKind int

const (
	exitCrashed exitKind = iota
	exitClean
	exitStopped
)

// outcome describes how one supervised run ended.
type outcome struct {
	kind   exitKind
	code   int
	uptime time.Duration
	cause  string
	err    error
}

func (o outcome) reason() string {
	switch o.cause {
	case "unhealthy":
		return "process stayed unhealthy after recovery"
	case "launch_failed":
		return fmt.Sprintf("launch failed after recovery: %v", o.err)
	default:
		return fmt.Sprintf("process exited with code %d after recovery", o.code)
	}
}

type wakeReason int

const (
	wakeElapsed wakeReason = iota
	wakeStop
	wakeExited
)

// pause waits for d in PollInterval slices. The stop sentinel is checked
// before every slice and whenever the file watcher fires. done may be nil.
func (w *Watchdog) pause(ctx context.Context, d time.Duration, done <-chan struct{}) wakeReason {
	deadline := w.now().Add(d)
	for {
		if w.stopRequested(ctx) {
			return wakeStop
		}
		if done != nil {
			select {
			case <-done:
				return wakeExited
			default:
			}
		}
		remaining := deadline.Sub(w.now())
		if remaining <= 0 {
			return wakeElapsed
		}
		step := min(remaining, w.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return wakeStop
		case <-w.stopCh:
			return wakeStop
		case <-w.wake:
		case <-done:
			return wakeExited
		case <-w.after(step):
		}
	}
}

// supervise watches one child until it exits, is killed for being
// unhealthy, or a stop is requested. A pending recovery attempt is resolved
// as successful the first time the child reaches Running.
func (w *Watchdog) supervise(ctx context.Context, child Child, pending **recovery.Attempt) outcome {
	started := w.now()
	graceEnd := started.Add(w.cfg.StartGrace)
	nextProbe := started.Add(w.cfg.HealthInterval)
	nextSweep := started.Add(w.cfg.GuardianInterval)
	var unhealthySince time.Time
	if w.prober != nil {
		w.prober.Reset()
	}

	for {
		switch w.pause(ctx, w.cfg.PollInterval, child.Done()) {
		case wakeStop:
			w.terminate(child)
			return outcome{kind: exitStopped, code: child.ExitCode(), uptime: w.now().Sub(started)}
		case wakeExited:
			code := child.ExitCode()
			up := w.now().Sub(started)
			slog.Info("process exited", "name", w.cfg.Name, "code", code, "uptime", up)
			if code == 0 {
				return outcome{kind: exitClean, code: 0, uptime: up, cause: "exit"}
			}
			return outcome{kind: exitCrashed, code: code, uptime: up, cause: "crash"}
		}

		now := w.now()
		if w.prober == nil {
			if w.State() == StateStarting && !now.Before(graceEnd) {
				w.becameRunning(ctx, pending)
			}
		} else if !now.Before(nextProbe) {
			nextProbe = now.Add(w.cfg.HealthInterval)
			res := w.prober.Poll(ctx)
			metrics.IncHealthProbe(w.cfg.Name, string(res.Status))
			w.noteProbe(res.OK(), now)
			switch w.State() {
			case StateStarting:
				switch {
				case res.OK():
					w.becameRunning(ctx, pending)
				case now.Before(graceEnd):
					w.prober.Reset()
				case w.prober.Unhealthy():
					w.transition(StateUnhealthy)
					unhealthySince = now
				}
			case StateRunning:
				if w.prober.Unhealthy() {
					slog.Warn("process unhealthy", "name", w.cfg.Name, "failures", w.prober.ConsecutiveFailures(), "error", res.Err)
					w.transition(StateUnhealthy)
					unhealthySince = now
				}
			case StateUnhealthy:
				if res.OK() {
					w.becameRunning(ctx, pending)
				}
			}
		}

		if w.State() == StateUnhealthy && !now.Before(unhealthySince.Add(w.cfg.UnhealthyGrace)) {
			failures := 0
			if w.prober != nil {
				failures = w.prober.ConsecutiveFailures()
			}
			slog.Warn("health threshold exceeded; restarting process", "name", w.cfg.Name, "failures", failures)
			w.emit(ctx, history.EventHealthRestart, false, map[string]any{"failures": failures})
			w.terminate(child)
			return outcome{kind: exitCrashed, code: child.ExitCode(), uptime: w.now().Sub(started), cause: "unhealthy"}
		}

		if w.preflight != nil && w.cfg.GuardianInterval > 0 && !now.Before(nextSweep) {
			nextSweep = now.Add(w.cfg.GuardianInterval)
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) becameRunning(ctx context.Context, pending **recovery.Attempt) {
	w.transition(StateRunning)
	if *pending != nil {
		_ = w.finishRecovery(ctx, pending, true, "process healthy after recovery")
	}
}

func (w *Watchdog) noteProbe(ok bool, now time.Time) {
	w.mu.Lock()
	if ok {
		w.rec.LastHealthOK = now
	}
	if w.prober != nil {
		w.rec.ConsecutiveHealthFailures = w.prober.ConsecutiveFailures()
	}
	w.mu.Unlock()
	w.persist()
}

// sweep re-runs the preflight against the live target. Findings are logged
// and recorded; the process is never restarted because of them.
func (w *Watchdog) sweep(ctx context.Context) {
	res := w.preflight.Run(ctx, guardian.Input{Target: w.cfg.Target, Env: w.env.Map(w.cfg.Env), Running: true})
	var issues []guardian.Check
	for _, c := range res.Checks {
		if c.Status != guardian.StatusOK {
			issues = append(issues, c)
		}
	}
	if len(issues) == 0 {
		return
	}
	slog.Warn("guardian sweep found issues", "name", w.cfg.Name, "issues", len(issues))
	w.emit(ctx, history.EventGuardianSweep, res.Passed, map[string]any{"checks": issues})
}

func (w *Watchdog) terminate(child Child) {
	if err := child.Terminate(w.cfg.StopTimeout); err != nil {
		slog.Warn("terminate", "name", w.cfg.Name, "pid", child.PID(), "error", err)
	}
	metrics.IncStop(w.cfg.Name)
}

func dirOf(p string) string { return filepath.Dir(p) }
