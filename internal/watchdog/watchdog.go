// Package watchdog supervises a single long-running process.
//
// The supervisor walks a small state machine:
//
//	Stopped -> Starting -> Running -> (Unhealthy | Crashed) -> Restarting -> Starting ...
//
// Every start is gated by the guardian preflight. Crashes are restarted with
// exponential backoff, and a run of consecutive short-lived crashes hands off
// to emergency recovery exactly once. A stop sentinel file, an explicit Stop
// call or context cancellation drains the loop to Stopped at the next
// suspension point.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/warden/internal/backoff"
	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/guardian"
	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/recovery"
)

var (
	ErrAlreadyRunning = errors.New("another watchdog holds the lock")
	ErrMaxRestarts    = errors.New("maximum restarts exceeded")
)

// Prober is the health-check surface the watchdog needs; *health.Prober
// implements it.
type Prober interface {
	Poll(ctx context.Context) health.Result
	ConsecutiveFailures() int
	Unhealthy() bool
	Reset()
}

// retargeter is implemented by probers whose endpoint can be moved to the
// port the preflight settled on; *health.Prober implements it.
type retargeter interface {
	Target() string
	SetTarget(url string)
}

// Preflight gates each start; *guardian.Guardian implements it.
type Preflight interface {
	Run(ctx context.Context, in guardian.Input) guardian.Result
}

// Recoverer is the emergency recovery step; *recovery.Engine implements it.
type Recoverer interface {
	Run(ctx context.Context, t recovery.Trigger) (*recovery.Attempt, error)
	Finish(ctx context.Context, a *recovery.Attempt, success bool, reason string) error
	Abandon(ctx context.Context, a *recovery.Attempt, reason string) error
}

type Config struct {
	Name   string
	Target guardian.Target
	// Env is applied on top of the composed environment for every start.
	Env map[string]string

	PIDFile   string
	StateFile string
	StopFile  string

	RestartBackoff time.Duration
	MaxBackoff     time.Duration
	MinUptime      time.Duration
	// BackoffJitter shaves up to this fraction off restart delays.
	BackoffJitter float64
	// MaxRestartFailures consecutive short-lived crashes trigger recovery.
	MaxRestartFailures int
	// MaxRestarts caps the lifetime restart count; 0 means unlimited.
	MaxRestarts int

	StartGrace       time.Duration
	HealthInterval   time.Duration
	UnhealthyGrace   time.Duration
	StopTimeout      time.Duration
	PollInterval     time.Duration
	GuardianInterval time.Duration
}

const (
	DefaultRestartBackoff     = 3 * time.Second
	DefaultMaxBackoff         = 60 * time.Second
	DefaultMinUptime          = 20 * time.Second
	DefaultMaxRestartFailures = 5
	DefaultStartGrace         = 20 * time.Second
	DefaultHealthInterval     = 5 * time.Second
	DefaultStopTimeout        = 10 * time.Second
	DefaultPollInterval       = time.Second
)

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "target"
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = DefaultRestartBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MinUptime <= 0 {
		c.MinUptime = DefaultMinUptime
	}
	if c.StartGrace <= 0 {
		c.StartGrace = DefaultStartGrace
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRestartFailures < 0 {
		c.MaxRestartFailures = 0
	}
	return c
}

type Watchdog struct {
	cfg       Config
	launcher  Launcher
	prober    Prober
	preflight Preflight
	recov     Recoverer
	history   history.Sink
	alerts    recovery.AlertSink
	env       *env.Env
	backoff   *backoff.Timer
	// healthURL is the prober endpoint as configured, before any port
	// substitution.
	healthURL string

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu       sync.RWMutex
	rec      ProcessRecord
	stopCh   chan struct{}
	stopOnce sync.Once
	wake     chan struct{}
}

type Option func(*Watchdog)

func WithProber(p Prober) Option             { return func(w *Watchdog) { w.prober = p } }
func WithPreflight(p Preflight) Option       { return func(w *Watchdog) { w.preflight = p } }
func WithRecovery(r Recoverer) Option        { return func(w *Watchdog) { w.recov = r } }
func WithHistory(s history.Sink) Option      { return func(w *Watchdog) { w.history = s } }
func WithAlerts(a recovery.AlertSink) Option { return func(w *Watchdog) { w.alerts = a } }
func WithEnv(e *env.Env) Option              { return func(w *Watchdog) { w.env = e } }

func New(cfg Config, l Launcher, opts ...Option) *Watchdog {
	cfg = cfg.withDefaults()
	w := &Watchdog{
		cfg:      cfg,
		launcher: l,
		now:      time.Now,
		after:    time.After,
		stopCh:   make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(w)
	}
	if w.env == nil {
		w.env = env.New()
	}
	if rt, ok := w.prober.(retargeter); ok {
		w.healthURL = rt.Target()
	}
	bopts := []backoff.Option{backoff.WithClock(func() time.Time { return w.now() })}
	if cfg.BackoffJitter > 0 {
		bopts = append(bopts, backoff.WithJitter(cfg.BackoffJitter))
	}
	w.backoff = backoff.New(cfg.RestartBackoff, cfg.MaxBackoff, bopts...)
	w.rec = ProcessRecord{Name: cfg.Name, SupervisorPID: os.Getpid(), State: StateStopped, LastExitCode: -1}
	return w
}

// Record returns a copy of the current process record.
func (w *Watchdog) Record() ProcessRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rec
}

func (w *Watchdog) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rec.State
}

// Backoff exposes the restart backoff state.
func (w *Watchdog) Backoff() backoff.State { return w.backoff.State() }

// Stop asks a running watchdog to drain to Stopped. It does not wait.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Watchdog) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-w.stopCh:
		return true
	default:
	}
	return sentinelPresent(w.cfg.StopFile)
}

// Run supervises the target until a stop is requested or supervision is
// abandoned. It returns nil on a requested stop or a clean exit of the
// target, ErrMaxRestarts when the restart cap is hit and an error wrapping
// recovery.ErrRecoveryFailed when emergency recovery did not help.
func (w *Watchdog) Run(ctx context.Context) error {
	if w.launcher == nil {
		return errors.New("watchdog has no launcher")
	}
	if w.cfg.PIDFile != "" {
		lock := flock.New(w.cfg.PIDFile + ".lock")
		if err := os.MkdirAll(dirOf(w.cfg.PIDFile), 0o750); err != nil {
			return err
		}
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !locked {
			return ErrAlreadyRunning
		}
		defer func() { _ = lock.Unlock() }()
	}

	consumeSentinel(w.cfg.StopFile)
	w.reapOrphan()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchSentinel(wctx, w.cfg.StopFile, w.wake)
	defer w.cleanup()

	slog.Info("watchdog started", "name", w.cfg.Name, "pid", os.Getpid(), "command", w.cfg.Target.Command, "workdir", w.cfg.Target.Workdir)
	return w.loop(ctx)
}

func (w *Watchdog) loop(ctx context.Context) error {
	var pending *recovery.Attempt
	for {
		if w.stopRequested(ctx) {
			w.honorStop(ctx, "before launch", &pending)
			return nil
		}
		w.transition(StateStarting)
		child, err := w.start(ctx)
		if errors.Is(err, errPreflightFailed) {
			if pending != nil {
				return w.finishRecovery(ctx, &pending, false, "preflight failed after recovery")
			}
			d := w.backoff.Next()
			w.transition(StateRestarting)
			if w.pause(ctx, d, nil) == wakeStop {
				w.honorStop(ctx, "during preflight backoff", &pending)
				return nil
			}
			continue
		}

		var out outcome
		if err != nil {
			slog.Error("launch failed", "name", w.cfg.Name, "error", err)
			out = outcome{kind: exitCrashed, code: -1, cause: "launch_failed", err: err}
		} else {
			out = w.supervise(ctx, child, &pending)
		}

		switch out.kind {
		case exitStopped:
			w.honorStop(ctx, "while running", &pending)
			return nil
		case exitClean:
			w.recordExit(ctx, out)
			if pending != nil {
				_ = w.finishRecovery(ctx, &pending, true, "process exited cleanly")
			}
			slog.Info("process exited cleanly; not restarting", "name", w.cfg.Name)
			w.transition(StateStopped)
			return nil
		}

		w.transition(StateCrashed)
		w.recordExit(ctx, out)
		if pending != nil {
			return w.finishRecovery(ctx, &pending, false, out.reason())
		}
		needRecovery, err := w.afterCrash(ctx, out)
		if err != nil {
			return err
		}
		if needRecovery {
			a, err := w.runRecovery(ctx, out)
			if err != nil {
				return err
			}
			pending = a
			w.transition(StateRestarting)
			continue
		}
		d := w.backoff.Next()
		w.transition(StateRestarting)
		w.emit(ctx, history.EventRestart, true, map[string]any{
			"delay_seconds": d.Seconds(),
			"cause":         out.cause,
			"exit_code":     out.code,
		})
		metrics.IncRestart(w.cfg.Name, out.cause)
		slog.Info("restarting", "name", w.cfg.Name, "delay", d, "restart_count", w.Record().RestartCount)
		if w.pause(ctx, d, nil) == wakeStop {
			w.honorStop(ctx, "during backoff", &pending)
			return nil
		}
	}
}

var errPreflightFailed = errors.New("preflight failed")

// start runs the preflight and spawns the target.
func (w *Watchdog) start(ctx context.Context) (Child, error) {
	overrides := make(map[string]string, len(w.cfg.Env))
	for k, v := range w.cfg.Env {
		overrides[k] = v
	}
	if w.preflight != nil {
		res := w.preflight.Run(ctx, guardian.Input{Target: w.cfg.Target, Env: w.env.Map(overrides)})
		if !res.Passed {
			slog.Error("preflight failed", "name", w.cfg.Name, "report", guardian.Report(res))
			w.emit(ctx, history.EventPreflightFailed, false, map[string]any{"checks": res.Failed()})
			return nil, errPreflightFailed
		}
		for k, v := range res.Overrides {
			overrides[k] = v
		}
		w.retargetHealth(res.Port)
	}
	child, err := w.launcher.Launch(ctx, w.env.Merge(overrides))
	if err != nil {
		return nil, err
	}
	now := w.now()
	w.mu.Lock()
	w.rec.PID = child.PID()
	w.rec.StartTime = now
	w.rec.LastHealthOK = time.Time{}
	w.rec.ConsecutiveHealthFailures = 0
	w.mu.Unlock()
	if err := process.WritePIDFile(w.cfg.PIDFile, child.PID()); err != nil {
		slog.Warn("write pid file", "path", w.cfg.PIDFile, "error", err)
	}
	w.persist()
	metrics.IncStart(w.cfg.Name)
	w.emit(ctx, history.EventStart, true, map[string]any{"pid": child.PID()})
	slog.Info("process started", "name", w.cfg.Name, "pid", child.PID())
	return child, nil
}

// afterCrash updates the restart counters and reports whether recovery
// should run instead of a plain restart.
func (w *Watchdog) afterCrash(ctx context.Context, out outcome) (bool, error) {
	stable := out.uptime >= w.cfg.MinUptime
	if stable {
		w.backoff.Reset()
	}
	w.mu.Lock()
	if stable {
		w.rec.ConsecutiveRestartFailures = 0
	} else {
		w.rec.ConsecutiveRestartFailures++
	}
	w.rec.RestartCount++
	failures, restarts := w.rec.ConsecutiveRestartFailures, w.rec.RestartCount
	w.mu.Unlock()
	w.persist()
	metrics.SetRestartFailures(w.cfg.Name, failures)

	if w.cfg.MaxRestarts > 0 && restarts > w.cfg.MaxRestarts {
		slog.Error("max restarts exceeded", "name", w.cfg.Name, "max", w.cfg.MaxRestarts)
		detail := map[string]any{
			"max_restarts":         w.cfg.MaxRestarts,
			"restart_count":        restarts,
			"consecutive_failures": failures,
		}
		w.emit(ctx, history.EventMaxRestartsExceeded, false, detail)
		w.alert(ctx, recovery.Alert{Kind: recovery.AlertMaxRestartsExceeded, Reason: "max restarts exceeded", Detail: detail})
		w.transition(StateStopped)
		return false, ErrMaxRestarts
	}
	return w.recov != nil && w.cfg.MaxRestartFailures > 0 && failures >= w.cfg.MaxRestartFailures, nil
}

// retargetHealth points a retargetable prober at port when the configured
// health URL is served on the target port. The rewrite always starts from the
// configured URL.
func (w *Watchdog) retargetHealth(port int) {
	rt, ok := w.prober.(retargeter)
	if !ok || w.healthURL == "" {
		return
	}
	target := w.healthURL
	if port > 0 && port != w.cfg.Target.Port && urlPort(w.healthURL) == w.cfg.Target.Port {
		if u, err := guardian.RewritePort(w.healthURL, port); err == nil {
			target = u
		}
	}
	if rt.Target() != target {
		slog.Info("health endpoint retargeted", "name", w.cfg.Name, "url", target)
		rt.SetTarget(target)
	}
}

func urlPort(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(u.Port())
	return n
}

func (w *Watchdog) runRecovery(ctx context.Context, out outcome) (*recovery.Attempt, error) {
	rec := w.Record()
	slog.Warn("restart failure threshold reached; running emergency recovery", "name", w.cfg.Name, "failures", rec.ConsecutiveRestartFailures)
	metrics.IncRestart(w.cfg.Name, "recovery")
	t := recovery.Trigger{
		Name:                w.cfg.Name,
		ConsecutiveFailures: rec.ConsecutiveRestartFailures,
		RestartCount:        rec.RestartCount,
		LastExitCode:        out.code,
	}
	if w.preflight != nil {
		res := w.preflight.Run(ctx, guardian.Input{Target: w.cfg.Target, Env: w.env.Map(w.cfg.Env), Running: true})
		t.Suggested = suggestActions(w.cfg.Target.Workdir, res)
		t.Report = guardian.Report(res)
	}
	a, err := w.recov.Run(ctx, t)
	if err != nil || a == nil {
		reason := "recovery could not run"
		if err != nil {
			reason = fmt.Sprintf("recovery could not run: %v", err)
		}
		w.alert(ctx, recovery.Alert{Kind: recovery.AlertRecoveryFailed, Reason: reason})
		w.transition(StateStopped)
		return nil, fmt.Errorf("%w: %s", recovery.ErrRecoveryFailed, reason)
	}
	return a, nil
}

// finishRecovery resolves the pending attempt. On failure the watchdog
// stops and the error is returned.
func (w *Watchdog) finishRecovery(ctx context.Context, pending **recovery.Attempt, success bool, reason string) error {
	a := *pending
	*pending = nil
	err := w.recov.Finish(ctx, a, success, reason)
	if success {
		w.backoff.Reset()
		w.mu.Lock()
		w.rec.ConsecutiveRestartFailures = 0
		w.mu.Unlock()
		metrics.SetRestartFailures(w.cfg.Name, 0)
		w.persist()
		return nil
	}
	w.transition(StateStopped)
	if err == nil {
		err = fmt.Errorf("%w: %s", recovery.ErrRecoveryFailed, reason)
	}
	return err
}

// suggestActions maps failed preflight checks onto recovery actions. Only
// runtime directory failures have a mechanical fix: a non-directory in the
// way is removed and the directory is created.
func suggestActions(workdir string, res guardian.Result) []recovery.Action {
	var out []recovery.Action
	for _, c := range res.Failed() {
		if c.Name != guardian.CheckRuntimeDirs {
			continue
		}
		for _, d := range c.Paths {
			p := d
			if !filepath.IsAbs(p) {
				p = filepath.Join(workdir, d)
			}
			if fi, err := os.Lstat(p); err == nil && !fi.IsDir() {
				out = append(out, recovery.Action{Type: recovery.ActionRemoveFile, Path: d})
			}
			out = append(out, recovery.Action{Type: recovery.ActionCreateDir, Path: d})
		}
	}
	return out
}

// honorStop drains to Stopped. A recovery attempt still waiting for its
// outcome is recorded as abandoned without alerting.
func (w *Watchdog) honorStop(ctx context.Context, where string, pending **recovery.Attempt) {
	slog.Info("stop requested", "name", w.cfg.Name, "where", where)
	consumeSentinel(w.cfg.StopFile)
	bg := context.WithoutCancel(ctx)
	if a := *pending; a != nil {
		*pending = nil
		if err := w.recov.Abandon(bg, a, "stopped before recovery outcome ("+where+")"); err != nil {
			slog.Warn("record abandoned recovery", "name", w.cfg.Name, "error", err)
		}
	}
	w.emit(bg, history.EventStop, true, map[string]any{"where": where})
	w.transition(StateStopped)
}

func (w *Watchdog) recordExit(ctx context.Context, out outcome) {
	w.mu.Lock()
	w.rec.LastExitCode = out.code
	w.rec.PID = 0
	w.mu.Unlock()
	if out.uptime > 0 {
		metrics.ObserveUptime(w.cfg.Name, out.uptime.Seconds())
	}
	detail := map[string]any{
		"exit_code":      out.code,
		"uptime_seconds": int(out.uptime.Seconds()),
		"cause":          out.cause,
	}
	if out.err != nil {
		detail["error"] = out.err.Error()
	}
	w.emit(ctx, history.EventExit, out.kind == exitClean, detail)
	_ = process.RemovePIDFile(w.cfg.PIDFile)
	w.persist()
}

func (w *Watchdog) transition(to State) {
	w.mu.Lock()
	from := w.rec.State
	w.rec.State = to
	w.mu.Unlock()
	if from == to {
		return
	}
	metrics.RecordStateTransition(w.cfg.Name, from.String(), to.String())
	for _, s := range allStates {
		metrics.SetCurrentState(w.cfg.Name, s.String(), s == to)
	}
	slog.Debug("state transition", "name", w.cfg.Name, "from", from, "to", to)
	if to != StateStopped {
		w.persist()
	}
}

func (w *Watchdog) persist() {
	rec := w.Record()
	rec.UpdatedAt = w.now()
	if err := WriteState(w.cfg.StateFile, rec); err != nil {
		slog.Warn("write state file", "path", w.cfg.StateFile, "error", err)
	}
}

func (w *Watchdog) cleanup() {
	_ = process.RemovePIDFile(w.cfg.PIDFile)
	_ = process.RemovePIDFile(w.cfg.StateFile)
	w.mu.Lock()
	w.rec.PID = 0
	w.mu.Unlock()
	w.transition(StateStopped)
	slog.Info("watchdog stopped", "name", w.cfg.Name)
}

func (w *Watchdog) emit(ctx context.Context, t history.EventType, success bool, detail map[string]any) {
	if w.history == nil {
		return
	}
	rec := w.Record()
	e := history.Event{
		Timestamp:    w.now().UTC(),
		Type:         t,
		Name:         w.cfg.Name,
		PID:          rec.PID,
		AttemptCount: rec.ConsecutiveRestartFailures,
		Success:      success,
		Detail:       detail,
	}
	if err := w.history.Send(ctx, e); err != nil {
		slog.Warn("history append failed", "event", t, "error", err)
	}
}

func (w *Watchdog) alert(ctx context.Context, a recovery.Alert) {
	if w.alerts == nil {
		return
	}
	a.Timestamp = w.now().UTC()
	a.Name = w.cfg.Name
	if err := w.alerts.Alert(ctx, a); err != nil {
		slog.Error("alert sink failed", "name", w.cfg.Name, "error", err)
	}
}
