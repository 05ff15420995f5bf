package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTransient Outcome = "transient_error"
	OutcomeFailed    Outcome = "error"
)

// UsageRecord is emitted once per attempt, successful or not.
type UsageRecord struct {
	Lane      string    `json:"lane"`
	RequestID string    `json:"request_id"`
	Attempt   int       `json:"attempt"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	LatencyMS int64     `json:"latency_ms"`
	Outcome   Outcome   `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type UsageSink interface {
	RecordUsage(ctx context.Context, r UsageRecord) error
}

// UsageFunc adapts a function to UsageSink.
type UsageFunc func(ctx context.Context, r UsageRecord) error

func (f UsageFunc) RecordUsage(ctx context.Context, r UsageRecord) error { return f(ctx, r) }

// JSONLUsageSink appends one JSON line per record.
type JSONLUsageSink struct {
	mu   sync.Mutex
	path string
}

func NewJSONLUsageSink(path string) (*JSONLUsageSink, error) {
	if path == "" {
		return nil, fmt.Errorf("usage sink: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("usage sink: %w", err)
	}
	return &JSONLUsageSink{path: path}, nil
}

func (s *JSONLUsageSink) RecordUsage(_ context.Context, r UsageRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(append(b, '\n'))
	return err
}
