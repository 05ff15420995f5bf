// Package health polls a supervised process's HTTP health endpoint and
// serves the same endpoint contract for Go programs that embed it.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Default probe settings.
const (
	DefaultTimeout   = 2 * time.Second
	DefaultThreshold = 3
)

// Status of a single poll.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Result describes one poll. UptimeSeconds is set only when the endpoint
// reported it.
type Result struct {
	Status        Status        `json:"status"`
	Code          int           `json:"code,omitempty"`
	Latency       time.Duration `json:"latency"`
	UptimeSeconds *float64      `json:"uptime_seconds,omitempty"`
	Err           string        `json:"error,omitempty"`
}

func (r Result) OK() bool { return r.Status == StatusOK }

// Prober issues GET requests and tracks consecutive failures. It never acts on
// the result; the caller decides what an unhealthy process means.
type Prober struct {
	URL       string
	Timeout   time.Duration
	Threshold int
	Client    *http.Client

	mu        sync.Mutex
	failures  int
	lastOK    time.Time
	announced bool
}

func NewProber(url string, timeout time.Duration, threshold int) *Prober {
	return &Prober{URL: url, Timeout: timeout, Threshold: threshold}
}

// Target returns the URL currently probed.
func (p *Prober) Target() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.URL
}

// SetTarget moves the prober to a new URL, e.g. after a port substitution.
func (p *Prober) SetTarget(url string) {
	p.mu.Lock()
	p.URL = url
	p.mu.Unlock()
}

// Poll probes the endpoint once. Any 2xx response counts as ok.
func (p *Prober) Poll(ctx context.Context) Result {
	res := p.do(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if res.OK() {
		p.failures = 0
		p.lastOK = time.Now()
		p.announced = false
		return res
	}
	p.failures++
	if p.failures >= p.threshold() && !p.announced {
		p.announced = true
		slog.Warn("health threshold crossed", "url", p.URL, "failures", p.failures, "error", res.Err)
	}
	return res
}

func (p *Prober) do(ctx context.Context) Result {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, p.Target(), nil)
	if err != nil {
		return Result{Status: StatusFailed, Err: err.Error()}
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Status: StatusFailed, Latency: time.Since(start), Err: describe(err)}
	}
	defer func() { _ = resp.Body.Close() }()
	res := Result{Code: resp.StatusCode, Latency: time.Since(start)}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.Status = StatusFailed
		res.Err = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return res
	}
	res.Status = StatusOK
	var body Payload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.UptimeSeconds != nil {
		res.UptimeSeconds = body.UptimeSeconds
	}
	return res
}

func describe(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

func (p *Prober) threshold() int {
	if p.Threshold <= 0 {
		return DefaultThreshold
	}
	return p.Threshold
}

func (p *Prober) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Unhealthy reports whether consecutive failures reached the threshold.
func (p *Prober) Unhealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures >= p.threshold()
}

// LastOK is the time of the most recent ok poll, zero if none.
func (p *Prober) LastOK() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOK
}

// Reset clears the failure counter, typically when a new process instance starts.
func (p *Prober) Reset() {
	p.mu.Lock()
	p.failures = 0
	p.announced = false
	p.lastOK = time.Time{}
	p.mu.Unlock()
}
