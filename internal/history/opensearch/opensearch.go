// Package opensearch indexes history events into OpenSearch or Elasticsearch.
package opensearch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/queue"
)

// Sink writes one document per event with PUT {base}/{index}/_doc/{id}.
// Detail is flattened to a JSON string so the index mapping stays fixed.
type Sink struct {
	caller *queue.HTTPCaller
	base   string
	index  string
	newID  func() string
}

type document struct {
	Timestamp    time.Time `json:"@timestamp"`
	Type         string    `json:"event_type"`
	Name         string    `json:"name,omitempty"`
	PID          int       `json:"pid,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	Success      bool      `json:"success"`
	Detail       string    `json:"detail"`
}

// New returns a sink for base (scheme://host[:port], optionally with
// user:password) and index.
func New(base, index string) *Sink {
	header := http.Header{}
	if u, err := url.Parse(base); err == nil && u.User != nil {
		pw, _ := u.User.Password()
		req := &http.Request{Header: http.Header{}}
		req.SetBasicAuth(u.User.Username(), pw)
		header.Set("Authorization", req.Header.Get("Authorization"))
		u.User = nil
		base = u.String()
	}
	return &Sink{
		caller: &queue.HTTPCaller{Header: header, Client: &http.Client{Timeout: 5 * time.Second}, Method: http.MethodPut},
		base:   strings.TrimRight(base, "/"),
		index:  index,
		newID:  func() string { return uuid.NewString() },
	}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	doc := document{
		Timestamp:    e.Timestamp,
		Type:         string(e.Type),
		Name:         e.Name,
		PID:          e.PID,
		AttemptCount: e.AttemptCount,
		Success:      e.Success,
		Detail:       e.DetailJSON(),
	}
	c := *s.caller
	c.URL = fmt.Sprintf("%s/%s/_doc/%s", s.base, url.PathEscape(s.index), s.newID())
	if _, err := c.Call(ctx, doc); err != nil {
		return fmt.Errorf("opensearch index %s: %w", s.index, err)
	}
	return nil
}
