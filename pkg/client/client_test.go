package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/warden/internal/backoff"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/server"
	"github.com/loykin/warden/internal/watchdog"
)

type fakeSup struct{ stopped atomic.Bool }

func (f *fakeSup) Record() watchdog.ProcessRecord {
	return watchdog.ProcessRecord{Name: "svc", PID: 99, StartTime: time.Now().Add(-time.Minute), State: watchdog.StateRunning, RestartCount: 1}
}
func (f *fakeSup) Backoff() backoff.State { return backoff.State{AttemptCount: 1, Floor: 3 * time.Second} }
func (f *fakeSup) Stop()                  { f.stopped.Store(true) }

func newTestServer(t *testing.T) (*Client, *fakeSup) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	events := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := history.NewJSONLSink(events)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_ = sink.Send(ctx, history.Event{Timestamp: time.Now(), Type: history.EventStart, Name: "svc"})
	_ = sink.Send(ctx, history.Event{Timestamp: time.Now(), Type: history.EventRestart, Name: "svc", Detail: map[string]any{"cause": "crash"}})

	sup := &fakeSup{}
	srv := httptest.NewServer(server.NewRouter(sup, "", server.WithEvents(events)).Handler())
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/"}), sup
}

func TestStatus(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()
	if !c.IsReachable(ctx) {
		t.Fatal("server should be reachable")
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Record.Name != "svc" || st.Record.State != "running" || st.Record.PID != 99 {
		t.Fatalf("record %+v", st.Record)
	}
	if st.UptimeSeconds < 59 || st.Backoff.Floor != 3*time.Second {
		t.Fatalf("status %+v", st)
	}
}

func TestStop(t *testing.T) {
	c, sup := newTestServer(t)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !sup.stopped.Load() {
		t.Fatal("stop not delivered")
	}
}

func TestEvents(t *testing.T) {
	c, _ := newTestServer(t)
	evs, err := c.Events(context.Background(), EventQuery{Type: "restart"})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 1 || evs[0].Detail["cause"] != "crash" {
		t.Fatalf("events %+v", evs)
	}
	evs, err = c.Events(context.Background(), EventQuery{Limit: 1})
	if err != nil || len(evs) != 1 || evs[0].Type != "restart" {
		t.Fatalf("limited events %+v %v", evs, err)
	}
}

func TestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"history file not configured"}`))
	}))
	defer srv.Close()
	_, err := New(Config{BaseURL: srv.URL}).Events(context.Background(), EventQuery{})
	if err == nil || err.Error() != "API error: history file not configured" {
		t.Fatalf("err %v", err)
	}
}

func TestUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	if c.IsReachable(context.Background()) {
		t.Fatal("expected unreachable")
	}
	if _, err := c.Status(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
