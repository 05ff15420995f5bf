// Package history records watchdog lifecycle and recovery events.
//
// The JSONL sink is the durable, append-only log kept next to the daemon.
// Additional sinks (SQLite, Postgres, ClickHouse, OpenSearch) receive the
// same events for analytics and are configured by DSN.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of event.
type EventType string

const (
	EventStart               EventType = "start"
	EventExit                EventType = "exit"
	EventRestart             EventType = "restart"
	EventHealthRestart       EventType = "health_restart"
	EventPreflightFailed     EventType = "preflight_failed"
	EventGuardianSweep       EventType = "guardian_sweep"
	EventRecoveryAttempt     EventType = "recovery_attempt"
	EventStop                EventType = "stop"
	EventMaxRestartsExceeded EventType = "max_restarts_exceeded"
)

// Event is one line of the recovery metrics log.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"event_type"`
	Name         string         `json:"name,omitempty"`
	PID          int            `json:"pid,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	Success      bool           `json:"success"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// DetailJSON renders Detail for column-oriented sinks.
func (e Event) DetailJSON() string {
	if len(e.Detail) == 0 {
		return "{}"
	}
	b, err := json.Marshal(e.Detail)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink. A failing sink does not stop the
// others; the joined error is returned.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("history sink failed", "event", e.Type, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that supports it.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
