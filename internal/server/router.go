package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/warden/internal/backoff"
	"github.com/loykin/warden/internal/health"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/queue"
	"github.com/loykin/warden/internal/watchdog"
)

// Router exposes the supervisor over HTTP.
// Endpoints:
//
//	GET  {basePath}/health   liveness of the supervisor itself
//	GET  {basePath}/status   process record, backoff and queue lanes
//	POST {basePath}/stop     request a graceful stop
//	GET  {basePath}/events   recent history events; query: limit=N, type=...
//	GET  {basePath}/metrics  Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      Supervisor
	basePath string
	started  time.Time
	lanes    LaneLister
	sampler  Sampler
	events   string
	gatherer http.Handler
}

// Supervisor is the part of *watchdog.Watchdog the router reads.
type Supervisor interface {
	Record() watchdog.ProcessRecord
	Backoff() backoff.State
	Stop()
}

type LaneLister interface {
	Lanes() []queue.LaneStatus
}

type Sampler interface {
	Last() metrics.ProcessSample
}

type Option func(*Router)

func WithLanes(l LaneLister) Option { return func(r *Router) { r.lanes = l } }
func WithSampler(s Sampler) Option  { return func(r *Router) { r.sampler = s } }

// WithEvents serves /events from the JSONL history file at path.
func WithEvents(path string) Option { return func(r *Router) { r.events = path } }

// WithMetricsHandler replaces the default Prometheus handler.
func WithMetricsHandler(h http.Handler) Option { return func(r *Router) { r.gatherer = h } }

func NewRouter(sup Supervisor, basePath string, opts ...Option) *Router {
	r := &Router{sup: sup, basePath: sanitizeBase(basePath), started: time.Now()}
	for _, o := range opts {
		o(r)
	}
	if r.gatherer == nil {
		r.gatherer = metrics.Handler()
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	health.Mount(group, r.started, "watchdog", nil)
	group.GET("/status", r.handleStatus)
	group.POST("/stop", r.handleStop)
	group.GET("/events", r.handleEvents)
	group.GET("/metrics", gin.WrapH(r.gatherer))
	return g
}

// NewServer wraps the router in an http.Server with conservative timeouts.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx is done, then shuts it down.
func Serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// StatusResp is the body served by /status.
type StatusResp struct {
	Record        watchdog.ProcessRecord `json:"record"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Backoff       backoff.State          `json:"backoff"`
	Lanes         []queue.LaneStatus     `json:"lanes,omitempty"`
	Resources     *metrics.ProcessSample `json:"resources,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	rec := r.sup.Record()
	resp := StatusResp{
		Record:        rec,
		UptimeSeconds: rec.Uptime(time.Now()).Seconds(),
		Backoff:       r.sup.Backoff(),
	}
	if r.lanes != nil {
		resp.Lanes = r.lanes.Lanes()
	}
	if r.sampler != nil {
		if s := r.sampler.Last(); s.PID != 0 {
			resp.Resources = &s
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStop(c *gin.Context) {
	r.sup.Stop()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.events == "" {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history file not configured"})
		return
	}
	events, err := history.ReadJSONL(r.events)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if typ := c.Query("type"); typ != "" {
		filtered := events[:0]
		for _, e := range events {
			if string(e.Type) == typ {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if n := queryLimit(c, "limit", 50, 1000); len(events) > n {
		events = events[len(events)-n:]
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
