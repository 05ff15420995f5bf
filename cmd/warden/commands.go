package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loykin/warden"
	"github.com/loykin/warden/internal/guardian"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/pkg/client"
)

// command carries the shared flags into each subcommand implementation.
type command struct {
	flags *GlobalFlags
}

func (c command) load() (*warden.Config, error) {
	conf, err := warden.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return conf, nil
}

func (c command) Run(ctx context.Context, f RunFlags) error {
	conf, err := c.load()
	if err != nil {
		return err
	}
	if f.Listen != "" {
		conf.Server.Listen = f.Listen
	}
	log, closer, err := logger.New(conf.LoggerOptions())
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	if err := warden.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := warden.New(conf)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	slog.Info("warden starting", "name", conf.Target.Name, "command", conf.Target.Command, "workdir", conf.Target.Workdir)
	return d.Run(ctx)
}

func (c command) Stop(ctx context.Context, out io.Writer, f StopFlags) error {
	if f.APIUrl != "" {
		cl := client.New(client.Config{BaseURL: f.APIUrl})
		if err := cl.Stop(ctx); err != nil {
			return fmt.Errorf("request stop: %w", err)
		}
		_, _ = fmt.Fprintf(out, "stop requested via %s\n", f.APIUrl)
		return waitStopped(ctx, out, f.Wait, func() (string, error) {
			st, err := cl.Status(ctx)
			if err != nil {
				// daemon gone
				return "stopped", nil
			}
			return st.Record.State, nil
		})
	}
	conf, err := c.load()
	if err != nil {
		return err
	}
	if err := warden.RequestStop(conf); err != nil {
		return fmt.Errorf("request stop: %w", err)
	}
	_, _ = fmt.Fprintf(out, "stop requested via %s\n", conf.Watchdog.StopFile)
	return waitStopped(ctx, out, f.Wait, func() (string, error) {
		rec, err := warden.ReadStatus(conf)
		return string(rec.State), err
	})
}

func waitStopped(ctx context.Context, out io.Writer, wait time.Duration, state func() (string, error)) error {
	if wait <= 0 {
		return nil
	}
	deadline := time.Now().Add(wait)
	for {
		st, err := state()
		if err == nil && st == "stopped" {
			_, _ = fmt.Fprintln(out, "stopped")
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("watchdog still running after wait")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c command) Status(ctx context.Context, out io.Writer, f StatusFlags) error {
	if f.APIUrl != "" {
		st, err := client.New(client.Config{BaseURL: f.APIUrl}).Status(ctx)
		if err != nil {
			return err
		}
		if f.JSON {
			return printJSON(out, st)
		}
		return printRemoteStatus(out, st)
	}
	conf, err := c.load()
	if err != nil {
		return err
	}
	rec, err := warden.ReadStatus(conf)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(out, rec)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "name\t%s\n", rec.Name)
	_, _ = fmt.Fprintf(tw, "state\t%s\n", rec.State)
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(tw, "pid\t%d\n", rec.PID)
		_, _ = fmt.Fprintf(tw, "uptime\t%s\n", rec.Uptime(time.Now()).Round(time.Second))
	}
	_, _ = fmt.Fprintf(tw, "restarts\t%d\n", rec.RestartCount)
	_, _ = fmt.Fprintf(tw, "restart failures\t%d\n", rec.ConsecutiveRestartFailures)
	_, _ = fmt.Fprintf(tw, "health failures\t%d\n", rec.ConsecutiveHealthFailures)
	if rec.LastExitCode >= 0 {
		_, _ = fmt.Fprintf(tw, "last exit code\t%d\n", rec.LastExitCode)
	}
	if !rec.LastHealthOK.IsZero() {
		_, _ = fmt.Fprintf(tw, "last healthy\t%s\n", rec.LastHealthOK.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printRemoteStatus(out io.Writer, st client.Status) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	rec := st.Record
	_, _ = fmt.Fprintf(tw, "name\t%s\n", rec.Name)
	_, _ = fmt.Fprintf(tw, "state\t%s\n", rec.State)
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(tw, "pid\t%d\n", rec.PID)
		_, _ = fmt.Fprintf(tw, "uptime\t%s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	}
	_, _ = fmt.Fprintf(tw, "restarts\t%d\n", rec.RestartCount)
	_, _ = fmt.Fprintf(tw, "restart failures\t%d\n", rec.ConsecutiveRestartFailures)
	_, _ = fmt.Fprintf(tw, "next backoff\t%s\n", st.Backoff.CurrentDelay)
	if r := st.Resources; r != nil {
		_, _ = fmt.Fprintf(tw, "cpu\t%.1f%%\n", r.CPUPercent)
		_, _ = fmt.Fprintf(tw, "memory\t%.1f MB\n", r.MemoryMB)
	}
	for _, l := range st.Lanes {
		_, _ = fmt.Fprintf(tw, "lane %s\tpending=%d in_flight=%t\n", l.ID, l.Pending, l.InFlight)
	}
	return tw.Flush()
}

func (c command) Preflight(ctx context.Context, out io.Writer, f OutputFlags) error {
	conf, err := c.load()
	if err != nil {
		return err
	}
	res := warden.Preflight(ctx, conf)
	if f.JSON {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprint(out, guardian.Report(res))
	}
	if !res.Passed {
		return errors.New("preflight failed")
	}
	return nil
}

func (c command) Probe(ctx context.Context, out io.Writer, f OutputFlags) error {
	conf, err := c.load()
	if err != nil {
		return err
	}
	res, err := warden.Probe(ctx, conf)
	if err != nil {
		return err
	}
	if f.JSON {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintf(out, "%s %s code=%d latency=%s\n", conf.Health.URL, res.Status, res.Code, res.Latency.Round(time.Millisecond))
		if res.Err != "" {
			_, _ = fmt.Fprintf(out, "error: %s\n", res.Err)
		}
	}
	if !res.OK() {
		return errors.New("health check failed")
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
