package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/guardian"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/queue"
	"github.com/loykin/warden/internal/recovery"
	"github.com/loykin/warden/internal/watchdog"
)

// Config represents the top-level TOML structure.
type Config struct {
	Target   TargetConfig   `mapstructure:"target"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Health   HealthConfig   `mapstructure:"health"`
	Guardian GuardianConfig `mapstructure:"guardian"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Queue    QueueConfig    `mapstructure:"queue"`
	History  HistoryConfig  `mapstructure:"history"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type TargetConfig struct {
	Name        string   `mapstructure:"name"`
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"`
	Workdir     string   `mapstructure:"workdir"`
	Env         []string `mapstructure:"env"`
	EnvFiles    []string `mapstructure:"env_files"`
	LogDir      string   `mapstructure:"log_dir"`
	RequiredEnv []string `mapstructure:"required_env"`
	RuntimeDirs []string `mapstructure:"runtime_dirs"`
}

type WatchdogConfig struct {
	PIDFile            string        `mapstructure:"pid_file"`
	StateFile          string        `mapstructure:"state_file"`
	StopFile           string        `mapstructure:"stop_file"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	BackoffFloor       time.Duration `mapstructure:"backoff_floor"`
	BackoffCeiling     time.Duration `mapstructure:"backoff_ceiling"`
	BackoffJitter      float64       `mapstructure:"backoff_jitter"`
	MinUptime          time.Duration `mapstructure:"min_uptime"`
	MaxRestartFailures int           `mapstructure:"max_restart_failures"`
	MaxRestarts        int           `mapstructure:"max_restarts"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
	GuardianInterval   time.Duration `mapstructure:"guardian_interval"`
}

type HealthConfig struct {
	URL              string        `mapstructure:"url"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Grace            time.Duration `mapstructure:"grace"`
	UnhealthyGrace   time.Duration `mapstructure:"unhealthy_grace"`
}

type GuardianConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	PortEnv      string        `mapstructure:"port_env"`
	HealthURLEnv string        `mapstructure:"health_url_env"`
	ScanRange    int           `mapstructure:"scan_range"`
	RequiredBins []string      `mapstructure:"required_bins"`
	OptionalBins []string      `mapstructure:"optional_bins"`
	CheckCommand string        `mapstructure:"check_command"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
}

// RuleConfig is a log pattern for the rule diagnoser.
type RuleConfig struct {
	Match   string            `mapstructure:"match"`
	Cause   string            `mapstructure:"cause"`
	Actions []recovery.Action `mapstructure:"actions"`
}

type RecoveryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	AutoFix   bool   `mapstructure:"auto_fix"`
	LogLines  int    `mapstructure:"log_lines"`
	AlertFile string `mapstructure:"alert_file"`
	// Diagnoser is "rule" or "http".
	Diagnoser string          `mapstructure:"diagnoser"`
	Endpoint  string          `mapstructure:"endpoint"`
	Model     string          `mapstructure:"model"`
	APIKeyEnv string          `mapstructure:"api_key_env"`
	Allowlist []recovery.Rule `mapstructure:"allowlist"`
	Rules     []RuleConfig    `mapstructure:"rules"`
}

type QueueConfig struct {
	MaxRetries     int                         `mapstructure:"max_retries"`
	BackoffFloor   time.Duration               `mapstructure:"backoff_floor"`
	BackoffCeiling time.Duration               `mapstructure:"backoff_ceiling"`
	AttemptTimeout time.Duration               `mapstructure:"attempt_timeout"`
	UsageFile      string                      `mapstructure:"usage_file"`
	Lanes          map[string]queue.LanePolicy `mapstructure:"lanes"`
}

type HistoryConfig struct {
	// File is the append-only JSONL recovery metrics log.
	File string `mapstructure:"file"`
	// Sinks are extra destinations by DSN (sqlite, postgres, clickhouse, opensearch).
	Sinks []string `mapstructure:"sinks"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	Color      bool   `mapstructure:"color"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

var defaults = map[string]any{
	"target.name":                   "target",
	"target.command":                "",
	"target.workdir":                ".",
	"target.log_dir":                "logs",
	"watchdog.pid_file":             "logs/watchdog.pid",
	"watchdog.state_file":           "logs/watchdog.state.json",
	"watchdog.stop_file":            "logs/watchdog.stop",
	"watchdog.poll_interval":        "1s",
	"watchdog.backoff_floor":        "3s",
	"watchdog.backoff_ceiling":      "60s",
	"watchdog.backoff_jitter":       0.0,
	"watchdog.min_uptime":           "20s",
	"watchdog.max_restart_failures": 5,
	"watchdog.max_restarts":         0,
	"watchdog.stop_timeout":         "10s",
	"watchdog.guardian_interval":    "180s",
	"health.url":                    "",
	"health.interval":               "5s",
	"health.timeout":                "2s",
	"health.failure_threshold":      3,
	"health.grace":                  "20s",
	"health.unhealthy_grace":        "0s",
	"guardian.host":                 "127.0.0.1",
	"guardian.port":                 0,
	"guardian.scan_range":           guardian.DefaultScanRange,
	"guardian.check_timeout":        "60s",
	"recovery.enabled":              true,
	"recovery.auto_fix":             false,
	"recovery.log_lines":            recovery.DefaultLogLines,
	"recovery.alert_file":           "logs/recovery_alerts.jsonl",
	"recovery.diagnoser":            "rule",
	"recovery.endpoint":             "",
	"recovery.model":                "claude-3-5-haiku-latest",
	"recovery.api_key_env":          "ANTHROPIC_API_KEY",
	"queue.max_retries":             queue.DefaultMaxRetries,
	"queue.backoff_floor":           queue.DefaultFloor.String(),
	"queue.backoff_ceiling":         queue.DefaultCeiling.String(),
	"queue.attempt_timeout":         "60s",
	"queue.usage_file":              "logs/api_usage.jsonl",
	"history.file":                  "logs/recovery_metrics.jsonl",
	"server.listen":                 "",
	"log.level":                     "info",
	"log.format":                    "text",
	"log.file":                      "",
}

// legacy maps WATCHDOG_* variables to config keys. Durations are given in
// whole seconds.
var legacy = []struct {
	env  string
	key  string
	kind string
}{
	{"WATCHDOG_WORKDIR", "target.workdir", "string"},
	{"WATCHDOG_LOG_FILE", "log.file", "string"},
	{"WATCHDOG_STOP_FILE", "watchdog.stop_file", "string"},
	{"WATCHDOG_PID_FILE", "watchdog.pid_file", "string"},
	{"WATCHDOG_RESTART_BACKOFF_SECONDS", "watchdog.backoff_floor", "seconds"},
	{"WATCHDOG_MAX_BACKOFF_SECONDS", "watchdog.backoff_ceiling", "seconds"},
	{"WATCHDOG_MIN_UPTIME_SECONDS", "watchdog.min_uptime", "seconds"},
	{"WATCHDOG_MAX_RESTARTS", "watchdog.max_restarts", "int"},
	{"WATCHDOG_GUARDIAN_INTERVAL_SECONDS", "watchdog.guardian_interval", "seconds"},
	{"WATCHDOG_EMERGENCY_RESTART_THRESHOLD", "watchdog.max_restart_failures", "int"},
	{"WATCHDOG_HEALTH_URL", "health.url", "string"},
	{"WATCHDOG_HEALTH_TIMEOUT_SECONDS", "health.timeout", "seconds"},
	{"WATCHDOG_HEALTH_FAILURE_THRESHOLD", "health.failure_threshold", "int"},
	{"WATCHDOG_HEALTH_CHECK_INTERVAL_SECONDS", "health.interval", "seconds"},
	{"WATCHDOG_HEALTH_GRACE_SECONDS", "health.grace", "seconds"},
	{"WATCHDOG_RECOVERY_METRICS_FILE", "history.file", "string"},
	{"WATCHDOG_ALERT_FILE", "recovery.alert_file", "string"},
	{"WATCHDOG_AUTO_FIX", "recovery.auto_fix", "bool"},
	{"WATCHDOG_LLM_DIAG_ENABLED", "recovery.diagnoser", "diagnoser"},
	{"WATCHDOG_DIAG_MODEL", "recovery.model", "string"},
}

func applyLegacyEnv(v *viper.Viper) error {
	for _, l := range legacy {
		raw, ok := os.LookupEnv(l.env)
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			continue
		}
		switch l.kind {
		case "string":
			v.Set(l.key, raw)
		case "int":
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", l.env, err)
			}
			v.Set(l.key, n)
		case "seconds":
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", l.env, err)
			}
			v.Set(l.key, (time.Duration(n) * time.Second).String())
		case "bool":
			v.Set(l.key, parseBool(raw))
		case "diagnoser":
			if parseBool(raw) {
				v.Set(l.key, "http")
			} else {
				v.Set(l.key, "rule")
			}
		}
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Load reads path (TOML) on top of the built-in defaults. An empty path
// loads defaults only. WARDEN_<SECTION>_<KEY> and the WATCHDOG_* variables
// override file values. Relative paths are resolved against target.workdir.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := applyLegacyEnv(v); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if err := c.resolve(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) resolve() error {
	wd, err := filepath.Abs(c.Target.Workdir)
	if err != nil {
		return err
	}
	c.Target.Workdir = wd
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(wd, *p)
		}
	}
	abs(&c.Target.LogDir)
	abs(&c.Watchdog.PIDFile)
	abs(&c.Watchdog.StateFile)
	abs(&c.Watchdog.StopFile)
	abs(&c.Recovery.AlertFile)
	abs(&c.Queue.UsageFile)
	abs(&c.History.File)
	abs(&c.Log.File)
	for i := range c.Target.EnvFiles {
		abs(&c.Target.EnvFiles[i])
	}
	return nil
}

// Validate reports configuration errors that make supervision impossible.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Target.Command) == "" {
		errs = append(errs, errors.New("target.command is required"))
	}
	if c.Watchdog.BackoffFloor <= 0 || c.Watchdog.BackoffCeiling < c.Watchdog.BackoffFloor {
		errs = append(errs, fmt.Errorf("watchdog backoff floor %s / ceiling %s invalid", c.Watchdog.BackoffFloor, c.Watchdog.BackoffCeiling))
	}
	if c.Watchdog.BackoffJitter < 0 || c.Watchdog.BackoffJitter >= 1 {
		errs = append(errs, fmt.Errorf("watchdog.backoff_jitter %v must be in [0,1)", c.Watchdog.BackoffJitter))
	}
	switch c.Recovery.Diagnoser {
	case "rule", "":
	case "http":
		if c.Recovery.Endpoint == "" {
			errs = append(errs, errors.New("recovery.endpoint is required for the http diagnoser"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown recovery.diagnoser %q", c.Recovery.Diagnoser))
	}
	for _, r := range c.Recovery.Rules {
		if _, err := regexp.Compile(r.Match); err != nil {
			errs = append(errs, fmt.Errorf("recovery rule %q: %w", r.Match, err))
		}
	}
	return errors.Join(errs...)
}

// ProcessSpec builds the supervised command.
func (c *Config) ProcessSpec() process.Spec {
	return process.Spec{
		Name:    c.Target.Name,
		Command: c.Target.Command,
		Args:    c.Target.Args,
		WorkDir: c.Target.Workdir,
		Log: logger.Config{
			Dir:        c.Target.LogDir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// LogPaths are the child's stdout and stderr files, used as the recovery log source.
func (c *Config) LogPaths() []string {
	out, errp := c.ProcessSpec().Log.Paths(c.Target.Name)
	var paths []string
	for _, p := range []string{errp, out} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Env composes the child environment layers from the target section.
func (c *Config) Env() *env.Env {
	e := env.New()
	e.Files = append([]string(nil), c.Target.EnvFiles...)
	e.Files = append(e.Files, filepath.Join(c.Target.Workdir, ".env"))
	for k, v := range env.Parse(c.Target.Env) {
		e.Set(k, v)
	}
	return e
}

func (c *Config) GuardianTarget() guardian.Target {
	return guardian.Target{
		Command:   c.Target.Command,
		Workdir:   c.Target.Workdir,
		HealthURL: c.Health.URL,
		Port:      c.Guardian.Port,
	}
}

// Preflight builds the guardian that runs before every launch.
func (c *Config) Preflight() *guardian.Guardian {
	return &guardian.Guardian{
		Port: guardian.PortConfig{
			Host:         c.Guardian.Host,
			Port:         c.Guardian.Port,
			ScanRange:    c.Guardian.ScanRange,
			Env:          c.Guardian.PortEnv,
			HealthURLEnv: c.Guardian.HealthURLEnv,
			HealthURL:    c.Health.URL,
		},
		Deps: guardian.DependencyConfig{
			Required:     c.Guardian.RequiredBins,
			Optional:     c.Guardian.OptionalBins,
			CheckCommand: c.Guardian.CheckCommand,
			CheckTimeout: c.Guardian.CheckTimeout,
		},
		RuntimeDirs: c.Target.RuntimeDirs,
		RequiredEnv: c.Target.RequiredEnv,
	}
}

func (c *Config) WatchdogConfig() watchdog.Config {
	return watchdog.Config{
		Name:               c.Target.Name,
		Target:             c.GuardianTarget(),
		Env:                map[string]string{"AGENT_MODE": "daemon"},
		PIDFile:            c.Watchdog.PIDFile,
		StateFile:          c.Watchdog.StateFile,
		StopFile:           c.Watchdog.StopFile,
		RestartBackoff:     c.Watchdog.BackoffFloor,
		MaxBackoff:         c.Watchdog.BackoffCeiling,
		BackoffJitter:      c.Watchdog.BackoffJitter,
		MinUptime:          c.Watchdog.MinUptime,
		MaxRestartFailures: c.Watchdog.MaxRestartFailures,
		MaxRestarts:        c.Watchdog.MaxRestarts,
		StartGrace:         c.Health.Grace,
		HealthInterval:     c.Health.Interval,
		UnhealthyGrace:     c.Health.UnhealthyGrace,
		StopTimeout:        c.Watchdog.StopTimeout,
		PollInterval:       c.Watchdog.PollInterval,
		GuardianInterval:   c.Watchdog.GuardianInterval,
	}
}

func (c *Config) QueueConfig() queue.Config {
	qc := queue.Config{
		MaxRetries:     c.Queue.MaxRetries,
		Floor:          c.Queue.BackoffFloor,
		Ceiling:        c.Queue.BackoffCeiling,
		AttemptTimeout: c.Queue.AttemptTimeout,
		Lanes:          make(map[string]queue.LanePolicy, len(c.Queue.Lanes)),
	}
	for name, l := range c.Queue.Lanes {
		qc.Lanes[name] = l
	}
	return qc
}

// Allowlist returns the configured rules, or the defaults when none are set.
func (c *Config) Allowlist() recovery.Allowlist {
	if len(c.Recovery.Allowlist) == 0 {
		return recovery.DefaultAllowlist()
	}
	return recovery.Allowlist(c.Recovery.Allowlist)
}

// Patterns compiles the rule diagnoser patterns. Defaults are used when none are configured.
func (c *Config) Patterns() ([]recovery.Pattern, error) {
	if len(c.Recovery.Rules) == 0 {
		return recovery.DefaultPatterns(), nil
	}
	out := make([]recovery.Pattern, 0, len(c.Recovery.Rules))
	for _, r := range c.Recovery.Rules {
		re, err := regexp.Compile(r.Match)
		if err != nil {
			return nil, fmt.Errorf("recovery rule %q: %w", r.Match, err)
		}
		out = append(out, recovery.Pattern{Match: re, Cause: r.Cause, Actions: r.Actions})
	}
	return out, nil
}

func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File:   c.Log.File,
		Color:  c.Log.Color,
		Config: logger.Config{
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}
