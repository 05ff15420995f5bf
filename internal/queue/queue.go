// Package queue serializes outbound API calls per named lane.
//
// Requests in the same lane run strictly one at a time in enqueue order;
// different lanes never block each other. Transient failures are retried with
// exponential backoff and every attempt produces one UsageRecord.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/warden/internal/backoff"
	"github.com/loykin/warden/internal/metrics"
)

// Defaults mirror the limits used against hosted model APIs.
const (
	DefaultMaxRetries = 3
	DefaultFloor      = 500 * time.Millisecond
	DefaultCeiling    = 2 * time.Second
)

// Usage is the token accounting reported by the API for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Response struct {
	Status int
	Body   []byte
	Usage  Usage
}

// Caller performs one attempt of a request.
type Caller interface {
	Call(ctx context.Context, payload any) (Response, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, payload any) (Response, error)

func (f CallerFunc) Call(ctx context.Context, payload any) (Response, error) { return f(ctx, payload) }

// QueuedRequest is a request waiting for or holding its lane.
type QueuedRequest struct {
	ID           string    `json:"id"`
	LaneID       string    `json:"lane_id"`
	Payload      any       `json:"-"`
	AttemptCount int       `json:"attempt_count"`
	EnqueueTime  time.Time `json:"enqueue_time"`
}

// Result of a served request.
type Result struct {
	RequestID string
	Response  Response
	Attempts  int
	Latency   time.Duration
}

// LanePolicy overrides queue defaults for one lane. A nil MaxRetries inherits.
type LanePolicy struct {
	MaxRetries    *int    `mapstructure:"max_retries"`
	RatePerSecond float64 `mapstructure:"rate"`
	Burst         int     `mapstructure:"burst"`
}

type Config struct {
	MaxRetries int
	Floor      time.Duration
	Ceiling    time.Duration
	// AttemptTimeout bounds a single call; zero leaves it to the caller's context.
	AttemptTimeout time.Duration
	Lanes          map[string]LanePolicy
}

// Queue owns the set of lanes. Lanes are created on first use.
type Queue struct {
	caller Caller
	cfg    Config
	usage  UsageSink

	mu    sync.Mutex
	lanes map[string]*lane

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

type Option func(*Queue)

func WithUsageSink(s UsageSink) Option { return func(q *Queue) { q.usage = s } }

func New(caller Caller, cfg Config, opts ...Option) *Queue {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Floor <= 0 {
		cfg.Floor = DefaultFloor
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	q := &Queue{
		caller: caller,
		cfg:    cfg,
		lanes:  map[string]*lane{},
		sleep:  sleepCtx,
		now:    time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) lane(id string) *lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[id]
	if !ok {
		l = newLane(id, q.cfg.Lanes[id])
		q.lanes[id] = l
	}
	return l
}

func (q *Queue) maxRetries(l *lane) int {
	if l.policy.MaxRetries != nil {
		if *l.policy.MaxRetries < 0 {
			return 0
		}
		return *l.policy.MaxRetries
	}
	return q.cfg.MaxRetries
}

// Enqueue blocks until the request has been served or has permanently failed.
// If ctx ends while the request is still waiting, it is removed from the lane
// and ctx.Err() is returned.
func (q *Queue) Enqueue(ctx context.Context, laneID string, payload any) (Result, error) {
	req := &QueuedRequest{ID: uuid.NewString(), LaneID: laneID, Payload: payload, EnqueueTime: q.now()}
	l := q.lane(laneID)
	if err := l.acquire(ctx); err != nil {
		return Result{RequestID: req.ID}, fmt.Errorf("lane %s: %w", laneID, err)
	}
	defer l.release()

	start := q.now()
	limit := q.maxRetries(l)
	for {
		req.AttemptCount++
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return Result{RequestID: req.ID, Attempts: req.AttemptCount - 1}, fmt.Errorf("lane %s: %w", laneID, err)
			}
		}
		resp, err := q.attempt(ctx, req)
		if err == nil {
			return Result{RequestID: req.ID, Response: resp, Attempts: req.AttemptCount, Latency: q.now().Sub(start)}, nil
		}
		if ctx.Err() != nil {
			return Result{RequestID: req.ID, Attempts: req.AttemptCount}, fmt.Errorf("lane %s: %w", laneID, ctx.Err())
		}
		if !IsTransient(err) || req.AttemptCount > limit {
			return Result{RequestID: req.ID, Attempts: req.AttemptCount}, fmt.Errorf("lane %s: attempt %d: %w", laneID, req.AttemptCount, err)
		}
		delay := backoff.NextDelay(req.AttemptCount-1, q.cfg.Floor, q.cfg.Ceiling)
		slog.Debug("retrying request", "lane", laneID, "request", req.ID, "attempt", req.AttemptCount, "delay", delay, "error", err)
		if err := q.sleep(ctx, delay); err != nil {
			return Result{RequestID: req.ID, Attempts: req.AttemptCount}, fmt.Errorf("lane %s: %w", laneID, err)
		}
	}
}

func (q *Queue) attempt(ctx context.Context, req *QueuedRequest) (Response, error) {
	actx := ctx
	if q.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, q.cfg.AttemptTimeout)
		defer cancel()
	}
	started := q.now()
	resp, err := q.caller.Call(actx, req.Payload)
	elapsed := q.now().Sub(started)

	rec := UsageRecord{
		Lane:      req.LaneID,
		RequestID: req.ID,
		Attempt:   req.AttemptCount,
		LatencyMS: elapsed.Milliseconds(),
		Timestamp: started,
		Outcome:   OutcomeOK,
	}
	switch {
	case err == nil:
		rec.TokensIn, rec.TokensOut = resp.Usage.InputTokens, resp.Usage.OutputTokens
	case IsTransient(err):
		rec.Outcome = OutcomeTransient
		rec.Error = err.Error()
	default:
		rec.Outcome = OutcomeFailed
		rec.Error = err.Error()
	}
	metrics.ObserveQueueAttempt(req.LaneID, string(rec.Outcome), elapsed.Seconds())
	if q.usage != nil {
		if uerr := q.usage.RecordUsage(ctx, rec); uerr != nil {
			slog.Warn("usage record failed", "lane", req.LaneID, "error", uerr)
		}
	}
	return resp, err
}

// LaneStatus is a snapshot of one lane.
type LaneStatus struct {
	ID       string `json:"id"`
	Pending  int    `json:"pending"`
	InFlight bool   `json:"in_flight"`
}

// Lanes returns a snapshot of all known lanes sorted by id.
func (q *Queue) Lanes() []LaneStatus {
	q.mu.Lock()
	ls := make([]*lane, 0, len(q.lanes))
	for _, l := range q.lanes {
		ls = append(ls, l)
	}
	q.mu.Unlock()
	out := make([]LaneStatus, 0, len(ls))
	for _, l := range ls {
		out = append(out, LaneStatus{ID: l.id, Pending: l.pending(), InFlight: l.inFlight()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
