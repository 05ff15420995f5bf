package recovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/warden/internal/history"
)

const (
	AlertRecoveryFailed      = "emergency_recovery_failed"
	AlertMaxRestartsExceeded = "max_restarts_exceeded"
)

// Alert is emitted when supervision is abandoned.
type Alert struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Name      string         `json:"name,omitempty"`
	AttemptID string         `json:"attempt_id,omitempty"`
	Diagnosis string         `json:"diagnosis,omitempty"`
	Reason    string         `json:"reason"`
	Detail    map[string]any `json:"detail,omitempty"`
}

type AlertSink interface {
	Alert(ctx context.Context, a Alert) error
}

// AlertFunc adapts a callback to AlertSink.
type AlertFunc func(ctx context.Context, a Alert) error

func (f AlertFunc) Alert(ctx context.Context, a Alert) error { return f(ctx, a) }

// FileAlertSink appends alerts to a JSONL file.
type FileAlertSink struct {
	mu   sync.Mutex
	path string
}

func NewFileAlertSink(path string) (*FileAlertSink, error) {
	if path == "" {
		return nil, errors.New("empty alert path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return &FileAlertSink{path: path}, nil
}

func (s *FileAlertSink) Path() string { return s.path }

func (s *FileAlertSink) Alert(_ context.Context, a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	return history.AppendJSONL(&s.mu, s.path, a)
}
