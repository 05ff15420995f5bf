package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loykin/warden/internal/backoff"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/queue"
	"github.com/loykin/warden/internal/watchdog"
)

type fakeSup struct {
	rec     watchdog.ProcessRecord
	stopped atomic.Bool
}

func (f *fakeSup) Record() watchdog.ProcessRecord { return f.rec }
func (f *fakeSup) Backoff() backoff.State {
	return backoff.State{AttemptCount: 2, CurrentDelay: 6 * time.Second, Floor: 3 * time.Second, Ceiling: time.Minute}
}
func (f *fakeSup) Stop() { f.stopped.Store(true) }

type fakeLanes []queue.LaneStatus

func (f fakeLanes) Lanes() []queue.LaneStatus { return f }

type fakeSampler metrics.ProcessSample

func (f fakeSampler) Last() metrics.ProcessSample { return metrics.ProcessSample(f) }

func setupRouter(t *testing.T, base string, sup Supervisor, opts ...Option) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(sup, base, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h := setupRouter(t, "/api", &fakeSup{})
	rec := doReq(t, h, http.MethodGet, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["agent_mode"] != "watchdog" {
		t.Fatalf("body %v", body)
	}
}

func TestStatus(t *testing.T) {
	sup := &fakeSup{rec: watchdog.ProcessRecord{
		Name:         "agent",
		PID:          4242,
		StartTime:    time.Now().Add(-30 * time.Second),
		State:        watchdog.StateRunning,
		RestartCount: 3,
	}}
	h := setupRouter(t, "", sup,
		WithLanes(fakeLanes{{ID: "diagnosis", Pending: 1, InFlight: true}}),
		WithSampler(fakeSampler{PID: 4242, MemoryMB: 12.5}),
	)
	rec := doReq(t, h, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got StatusResp
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Record.PID != 4242 || got.Record.State != watchdog.StateRunning || got.Record.RestartCount != 3 {
		t.Fatalf("record %+v", got.Record)
	}
	if got.UptimeSeconds < 29 {
		t.Fatalf("uptime %v", got.UptimeSeconds)
	}
	if got.Backoff.AttemptCount != 2 || got.Backoff.CurrentDelay != 6*time.Second {
		t.Fatalf("backoff %+v", got.Backoff)
	}
	if len(got.Lanes) != 1 || got.Lanes[0].ID != "diagnosis" {
		t.Fatalf("lanes %+v", got.Lanes)
	}
	if got.Resources == nil || got.Resources.MemoryMB != 12.5 {
		t.Fatalf("resources %+v", got.Resources)
	}
}

func TestStatusWithoutChild(t *testing.T) {
	h := setupRouter(t, "", &fakeSup{rec: watchdog.ProcessRecord{State: watchdog.StateStopped}}, WithSampler(fakeSampler{}))
	rec := doReq(t, h, http.MethodGet, "/status")
	var got StatusResp
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.UptimeSeconds != 0 || got.Resources != nil {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestStop(t *testing.T) {
	sup := &fakeSup{}
	h := setupRouter(t, "", sup)
	if rec := doReq(t, h, http.MethodGet, "/stop"); rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /stop should not be routed, got %d", rec.Code)
	}
	if sup.stopped.Load() {
		t.Fatal("stopped by GET")
	}
	rec := doReq(t, h, http.MethodPost, "/stop")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !sup.stopped.Load() {
		t.Fatal("Stop not called")
	}
}

func TestEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := history.NewJSONLSink(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i, typ := range []history.EventType{history.EventStart, history.EventRestart, history.EventStart, history.EventRecoveryAttempt} {
		if err := sink.Send(ctx, history.Event{Timestamp: time.Now(), Type: typ, AttemptCount: i}); err != nil {
			t.Fatal(err)
		}
	}
	h := setupRouter(t, "", &fakeSup{}, WithEvents(path))

	decode := func(rec *httptest.ResponseRecorder) []history.Event {
		t.Helper()
		var out []history.Event
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %q: %v", rec.Body.String(), err)
		}
		return out
	}

	if got := decode(doReq(t, h, http.MethodGet, "/events")); len(got) != 4 {
		t.Fatalf("all events: %d", len(got))
	}
	got := decode(doReq(t, h, http.MethodGet, "/events?limit=2"))
	if len(got) != 2 || got[1].Type != history.EventRecoveryAttempt {
		t.Fatalf("limited events %+v", got)
	}
	got = decode(doReq(t, h, http.MethodGet, "/events?type=start"))
	if len(got) != 2 || got[0].AttemptCount != 0 || got[1].AttemptCount != 2 {
		t.Fatalf("filtered events %+v", got)
	}
	if got := decode(doReq(t, h, http.MethodGet, "/events?type=stop")); len(got) != 0 {
		t.Fatalf("expected empty list, got %+v", got)
	}
}

func TestEventsNotConfigured(t *testing.T) {
	h := setupRouter(t, "", &fakeSup{})
	if rec := doReq(t, h, http.MethodGet, "/events"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatal(err)
	}
	metrics.IncStart("router-test")
	h := setupRouter(t, "/x", &fakeSup{}, WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	rec := doReq(t, h, http.MethodGet, "/x/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `name="router-test"`) {
		t.Fatalf("metrics body missing counter:\n%s", rec.Body.String())
	}
}
