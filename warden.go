// Package warden supervises one long-running process: it gates every start
// behind preflight checks, restarts crashes with backoff and falls back to
// allowlisted emergency recovery when restarts keep failing.
package warden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	cfg "github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/guardian"
	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/history/factory"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/queue"
	"github.com/loykin/warden/internal/recovery"
	iapi "github.com/loykin/warden/internal/server"
	"github.com/loykin/warden/internal/watchdog"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type ProcessRecord = watchdog.ProcessRecord

type State = watchdog.State

type HistorySink = history.Sink

type PreflightResult = guardian.Result

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Daemon wires the watchdog with its preflight, health probe, recovery
// engine, request queue, history sinks and HTTP surface.
type Daemon struct {
	cfg      *Config
	watchdog *watchdog.Watchdog
	engine   *recovery.Engine
	queue    *queue.Queue
	sampler  *metrics.Sampler
	history  history.Multi
}

// New builds a daemon from c. c must pass Validate.
func New(c *Config) (*Daemon, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	d := &Daemon{cfg: c}

	jsonl, err := history.NewJSONLSink(c.History.File)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	extra, err := factory.NewMulti(c.History.Sinks)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	d.history = append(history.Multi{jsonl}, extra...)

	alerts, err := recovery.NewFileAlertSink(c.Recovery.AlertFile)
	if err != nil {
		_ = d.history.Close()
		return nil, err
	}

	diag, err := d.diagnoser()
	if err != nil {
		_ = d.history.Close()
		return nil, err
	}
	d.engine = &recovery.Engine{
		Workdir:   c.Target.Workdir,
		Diagnoser: diag,
		Allowlist: c.Allowlist(),
		Logs:      recovery.TailLogs(c.LogPaths()...),
		LogLines:  c.Recovery.LogLines,
		History:   d.history,
		Alerts:    alerts,
		AutoFix:   c.Recovery.AutoFix,
	}

	opts := []watchdog.Option{
		watchdog.WithPreflight(c.Preflight()),
		watchdog.WithHistory(d.history),
		watchdog.WithAlerts(alerts),
		watchdog.WithEnv(c.Env()),
	}
	if c.Health.URL != "" {
		opts = append(opts, watchdog.WithProber(health.NewProber(c.Health.URL, c.Health.Timeout, c.Health.FailureThreshold)))
	}
	if c.Recovery.Enabled {
		opts = append(opts, watchdog.WithRecovery(d.engine))
	}
	d.watchdog = watchdog.New(c.WatchdogConfig(), watchdog.ProcessLauncher{Spec: c.ProcessSpec()}, opts...)
	d.sampler = metrics.NewSampler(c.Target.Name, c.Health.Interval, func() int { return d.watchdog.Record().PID })
	return d, nil
}

func (d *Daemon) diagnoser() (recovery.Diagnoser, error) {
	c := d.cfg
	if c.Recovery.Diagnoser != "http" {
		pats, err := c.Patterns()
		if err != nil {
			return nil, err
		}
		return recovery.NewRuleDiagnoser(pats...), nil
	}
	header := http.Header{}
	header.Set("anthropic-version", "2023-06-01")
	if c.Recovery.APIKeyEnv != "" {
		if key := os.Getenv(c.Recovery.APIKeyEnv); key != "" {
			header.Set("x-api-key", key)
		} else {
			slog.Warn("diagnosis API key not set", "env", c.Recovery.APIKeyEnv)
		}
	}
	var qopts []queue.Option
	if c.Queue.UsageFile != "" {
		usage, err := queue.NewJSONLUsageSink(c.Queue.UsageFile)
		if err != nil {
			return nil, err
		}
		qopts = append(qopts, queue.WithUsageSink(usage))
	}
	d.queue = queue.New(&queue.HTTPCaller{URL: c.Recovery.Endpoint, Header: header}, c.QueueConfig(), qopts...)
	return &recovery.HTTPDiagnoser{Queue: d.queue, Lane: recovery.DiagnosisLane, Model: c.Recovery.Model}, nil
}

// Watchdog exposes the underlying supervisor.
func (d *Daemon) Watchdog() *watchdog.Watchdog { return d.watchdog }

// Handler returns the HTTP API for this daemon.
func (d *Daemon) Handler() http.Handler { return d.router().Handler() }

func (d *Daemon) router() *iapi.Router {
	opts := []iapi.Option{iapi.WithSampler(d.sampler), iapi.WithEvents(d.cfg.History.File)}
	if d.queue != nil {
		opts = append(opts, iapi.WithLanes(d.queue))
	}
	return iapi.NewRouter(d.watchdog, "", opts...)
}

// Run supervises the target until it stops, then shuts down the HTTP server
// and sampler. The watchdog's error is returned.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	sctx, stopAux := context.WithCancel(gctx)
	g.Go(func() error {
		defer stopAux()
		return d.watchdog.Run(gctx)
	})
	g.Go(func() error {
		d.sampler.Run(sctx)
		return nil
	})
	if d.cfg.Server.Listen != "" {
		srv := iapi.NewServer(d.cfg.Server.Listen, d.router())
		slog.Info("http api listening", "addr", d.cfg.Server.Listen)
		g.Go(func() error { return iapi.Serve(sctx, srv) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases the history sinks.
func (d *Daemon) Close() error { return d.history.Close() }

// RequestStop asks a running daemon to stop by writing its stop sentinel.
func RequestStop(c *Config) error { return watchdog.RequestStop(c.Watchdog.StopFile) }

// ReadStatus returns the record persisted by a running daemon. The state
// file is removed on shutdown, so a missing file reads as stopped.
func ReadStatus(c *Config) (ProcessRecord, error) {
	rec, err := watchdog.ReadState(c.Watchdog.StateFile)
	if errors.Is(err, os.ErrNotExist) {
		return ProcessRecord{Name: c.Target.Name, State: watchdog.StateStopped, LastExitCode: -1}, nil
	}
	return rec, err
}

// Preflight runs the guardian checks once without starting anything.
func Preflight(ctx context.Context, c *Config) PreflightResult {
	e := c.Env()
	return c.Preflight().Run(ctx, guardian.Input{Target: c.GuardianTarget(), Env: e.Map(c.WatchdogConfig().Env)})
}

// Probe polls the configured health endpoint once.
func Probe(ctx context.Context, c *Config) (health.Result, error) {
	if c.Health.URL == "" {
		return health.Result{}, errors.New("health.url is not configured")
	}
	return health.NewProber(c.Health.URL, c.Health.Timeout, c.Health.FailureThreshold).Poll(ctx), nil
}

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
