package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// JSONLSink appends one JSON object per line. Existing lines are never rewritten.
type JSONLSink struct {
	mu   sync.Mutex
	path string
}

func NewJSONLSink(path string) (*JSONLSink, error) {
	if path == "" {
		return nil, errors.New("empty JSONL path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return &JSONLSink{path: path}, nil
}

func (s *JSONLSink) Path() string { return s.path }

func (s *JSONLSink) Send(_ context.Context, e Event) error {
	return AppendJSONL(&s.mu, s.path, e)
}

// AppendJSONL marshals v and appends it as a single line to path under mu.
func AppendJSONL(mu *sync.Mutex, path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadJSONL decodes every line of path. Malformed lines are skipped.
func ReadJSONL(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var out []Event
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64<<10), 4<<20)
	for s.Scan() {
		var e Event
		if json.Unmarshal(s.Bytes(), &e) == nil {
			out = append(out, e)
		}
	}
	return out, s.Err()
}
