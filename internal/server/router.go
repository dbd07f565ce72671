// Package server exposes the recorder and the diagnostics over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/cradle/internal/diagnostics"
	"github.com/loykin/cradle/internal/event"
	"github.com/loykin/cradle/internal/recorder"
)

// Commands is the command side served by the router.
type Commands interface {
	Start(ctx context.Context, kind event.Kind, opt recorder.StartOptions) (event.Event, error)
	Stop(ctx context.Context, kind event.Kind, opt recorder.StopOptions) (event.Event, error)
	Amend(ctx context.Context, kind event.Kind, patch map[string]any) (event.Event, error)
	Open(ctx context.Context) ([]event.Event, error)
}

// Health serves reports. Poll is used only until the first scheduled poll lands.
type Health interface {
	Latest() (diagnostics.Report, bool)
	Poll(ctx context.Context) (diagnostics.Report, error)
}

// Router provides embeddable HTTP handlers.
// Endpoints:
//
//	POST {basePath}/events/:kind/start   body: {"at"?, "metadata"?}
//	POST {basePath}/events/:kind/stop    body: {"at"?}
//	POST {basePath}/events/:kind/amend   body: {"metadata"}; null values delete keys
//	GET  {basePath}/events/open
//	GET  {basePath}/health
//	POST {basePath}/flush
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	cmd      Commands
	health   Health
	flush    func() bool
	guards   []gin.HandlerFunc
	basePath string
	log      *slog.Logger
}

type Option func(*Router)

// WithFlushTrigger sets the function behind POST /flush. It reports whether a
// flush cycle was scheduled.
func WithFlushTrigger(fn func() bool) Option { return func(r *Router) { r.flush = fn } }

// WithMiddleware runs handlers in front of every API route, e.g. auth.
func WithMiddleware(h ...gin.HandlerFunc) Option {
	return func(r *Router) { r.guards = append(r.guards, h...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(cmd Commands, health Health, basePath string, opts ...Option) *Router {
	r := &Router{cmd: cmd, health: health, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	group := g.Group(r.basePath, r.guards...)
	group.POST("/events/:kind/start", r.handleStart)
	group.POST("/events/:kind/stop", r.handleStop)
	group.POST("/events/:kind/amend", r.handleAmend)
	group.GET("/events/open", r.handleOpen)
	group.GET("/health", r.handleHealth)
	group.POST("/flush", r.handleFlush)
	return g
}

// NewServer wraps h in an http.Server with the usual timeouts. The caller
// owns ListenAndServe and Shutdown.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type startReq struct {
	At       *time.Time     `json:"at,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type stopReq struct {
	At *time.Time `json:"at,omitempty"`
}

type amendReq struct {
	Metadata map[string]any `json:"metadata"`
}

func (r *Router) handleStart(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	var req startReq
	if !bindOptional(c, &req) {
		return
	}
	opt := recorder.StartOptions{Metadata: req.Metadata}
	if req.At != nil {
		opt.At = *req.At
	}
	e, err := r.cmd.Start(c.Request.Context(), kind, opt)
	if err != nil {
		r.writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, e)
}

func (r *Router) handleStop(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	var req stopReq
	if !bindOptional(c, &req) {
		return
	}
	var opt recorder.StopOptions
	if req.At != nil {
		opt.At = *req.At
	}
	e, err := r.cmd.Stop(c.Request.Context(), kind, opt)
	if err != nil {
		r.writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleAmend(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	var req amendReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Metadata) == 0 {
		badRequest(c, "metadata required")
		return
	}
	e, err := r.cmd.Amend(c.Request.Context(), kind, req.Metadata)
	if err != nil {
		r.writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, e)
}

func (r *Router) handleOpen(c *gin.Context) {
	events, err := r.cmd.Open(c.Request.Context())
	if err != nil {
		r.writeErr(c, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleHealth(c *gin.Context) {
	if rep, ok := r.health.Latest(); ok {
		writeJSON(c, http.StatusOK, rep)
		return
	}
	rep, err := r.health.Poll(c.Request.Context())
	if err != nil {
		r.writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleFlush(c *gin.Context) {
	if r.flush == nil || !r.flush() {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "flush scheduler not running"})
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) writeErr(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.log.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, event.ErrInvalidKind),
		errors.Is(err, event.ErrInvalidTimestamp),
		errors.Is(err, event.ErrInvalidMetadata):
		return http.StatusBadRequest
	case errors.Is(err, event.ErrAlreadyOpen),
		errors.Is(err, event.ErrNoOpenEvent),
		errors.Is(err, event.ErrAlreadyClosed),
		errors.Is(err, event.ErrNotOpen),
		errors.Is(err, event.ErrNotClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
