// Package httpx exposes the engine over HTTP: the project API, the
// WebSocket session endpoints and the event streams.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/hostd/internal/domain"
	"github.com/splax/hostd/internal/events"
	"github.com/splax/hostd/internal/metrics"
	"github.com/splax/hostd/internal/repository"
	"github.com/splax/hostd/internal/service/project"
	"github.com/splax/hostd/internal/service/session"
	"github.com/splax/hostd/internal/ws"
	jwtpkg "github.com/splax/hostd/pkg/jwt"
)

// ProjectService is the orchestrator surface used by the API.
type ProjectService interface {
	Get(ctx context.Context, projectID string) (*domain.Project, error)
	List(ctx context.Context, filter repository.ProjectFilter) ([]domain.Project, error)
	Deploy(ctx context.Context, in project.DeployInput) (*domain.Project, error)
	Redeploy(ctx context.Context, projectID string) (*domain.Project, error)
	Start(ctx context.Context, projectID string) (*domain.Project, error)
	Stop(ctx context.Context, projectID string) (*domain.Project, error)
	Restart(ctx context.Context, projectID string) (*domain.Project, error)
	UpdatePort(ctx context.Context, projectID string, port int) (*domain.Project, error)
	Delete(ctx context.Context, projectID string, purge bool) error
}

// SessionService runs the sessions of one kind over client connections.
type SessionService interface {
	Handle(ctx context.Context, conn session.Conn, principal session.Principal, raw []byte)
	Disconnect(conn session.Conn)
}

// EventSource fans lifecycle events out to streaming subscribers.
type EventSource interface {
	Subscribe(topic string, client events.Subscriber)
	Unsubscribe(topic string, client events.Subscriber)
}

// HealthCheck probes one dependency.
type HealthCheck func(context.Context) error

// AuthConfig configures token verification and issuance.
type AuthConfig struct {
	Secret            string
	TokenTTL          time.Duration
	AdminPasswordHash string
}

// Options carries the router dependencies.
// The per-minute limits apply per subject; zero disables a budget.
type Options struct {
	Projects           ProjectService
	Logs               SessionService
	Console            SessionService
	Events             EventSource
	Metrics            *metrics.Metrics
	Gatherer           prometheus.Gatherer
	Limiter            RateLimiter
	Auth               AuthConfig
	RateLimitPerMin    int
	DeployLimitPerMin  int
	SessionLimitPerMin int
	Checks             map[string]HealthCheck
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	projects   ProjectService
	logs       SessionService
	console    SessionService
	events     EventSource
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	budgets    map[rateClass]rateBudget
	auth       AuthConfig
	checks     map[string]HealthCheck
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitToken     = 12
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	defaultTokenTTL    = time.Hour
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, opts Options) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger.With("component", "http"),
		projects: opts.Projects,
		logs:     opts.Logs,
		console:  opts.Console,
		events:   opts.Events,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: opts.Limiter,
		budgets: map[rateClass]rateBudget{
			rateClassToken:   {limit: rateLimitToken, window: rateWindowDefault},
			rateClassAPI:     {limit: opts.RateLimitPerMin, window: rateWindowDefault},
			rateClassDeploy:  {limit: opts.DeployLimitPerMin, window: rateWindowDefault},
			rateClassSession: {limit: opts.SessionLimitPerMin, window: rateWindowDefault},
			rateClassEvents:  {limit: rateLimitWebsocket, window: rateWindowRealtime},
		},
		auth:   opts.Auth,
		checks: opts.Checks,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	if r.auth.TokenTTL <= 0 {
		r.auth.TokenTTL = defaultTokenTTL
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/auth/token", r.audit("/auth/token", r.withRateLimit(fixedClass(rateClassToken), rateLimitKeyIP, r.handleToken)))
	r.mux.HandleFunc("/projects", r.audit("/projects", r.handlerAuthRate(classifyProjectRequest, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("/projects/{id}", r.handlerAuthRate(classifyProjectRequest, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/ws/logs", r.audit("/ws/logs", r.handlerAuthRate(fixedClass(rateClassSession), r.handleSessionWS(r.logs))))
	r.mux.HandleFunc("/ws/console", r.audit("/ws/console", r.handlerAuthRate(fixedClass(rateClassSession), r.handleSessionWS(r.console))))
	r.mux.HandleFunc("/ws/events", r.audit("/ws/events", r.handlerAuthRate(fixedClass(rateClassEvents), r.handleEventsWS)))
	r.mux.HandleFunc("/events", r.audit("/events", r.handlerAuthRate(fixedClass(rateClassEvents), r.handleEventsSSE)))
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.listProjects(w, req)
	case http.MethodPost:
		r.deployProject(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) listProjects(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for project listing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	query := req.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	if limit < 0 || offset < 0 {
		writeError(w, http.StatusBadRequest, "limit and offset must not be negative")
		return
	}
	filter := repository.ProjectFilter{
		Status:         domain.Status(query.Get("status")),
		IncludeDeleted: query.Get("include_deleted") == "true",
		Limit:          limit,
		Offset:         offset,
	}
	projects, err := r.projects.List(req.Context(), filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	visible := make([]domain.Project, 0, len(projects))
	for _, p := range projects {
		if info.Claims.CanAccess(p.ID) {
			visible = append(visible, p)
		}
	}
	writeJSON(w, http.StatusOK, presentProjects(visible))
}

// deployProject runs the first deployment to completion. The pipeline is
// detached from the request so a dropped client does not abort it halfway.
func (r *Router) deployProject(w http.ResponseWriter, req *http.Request) {
	if !r.authorizeProject(w, req, jwtpkg.AllProjects) {
		return
	}
	var payload project.DeployInput
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p, err := r.projects.Deploy(context.WithoutCancel(req.Context()), payload)
	if err != nil {
		writeAppErrorWith(w, err, p)
		return
	}
	writeJSON(w, http.StatusCreated, presentProject(p))
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	if !r.authorizeProject(w, req, projectID) {
		return
	}
	if len(parts) == 1 {
		r.handleProject(w, req, projectID)
		return
	}
	switch parts[1] {
	case "start", "stop", "restart", "redeploy":
		r.handleProjectAction(w, req, projectID, parts[1])
	case "port":
		r.handleProjectPort(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		p, err := r.projects.Get(req.Context(), projectID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, presentProject(p))
	case http.MethodDelete:
		purge := req.URL.Query().Get("purge") == "true"
		if err := r.projects.Delete(req.Context(), projectID, purge); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectAction(w http.ResponseWriter, req *http.Request, projectID, action string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	ctx := context.WithoutCancel(req.Context())
	var (
		p   *domain.Project
		err error
	)
	switch action {
	case "start":
		p, err = r.projects.Start(ctx, projectID)
	case "stop":
		p, err = r.projects.Stop(ctx, projectID)
	case "restart":
		p, err = r.projects.Restart(ctx, projectID)
	case "redeploy":
		p, err = r.projects.Redeploy(ctx, projectID)
	}
	if err != nil {
		writeAppErrorWith(w, err, p)
		return
	}
	writeJSON(w, http.StatusOK, presentProject(p))
}

func (r *Router) handleProjectPort(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Port int `json:"port"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p, err := r.projects.UpdatePort(context.WithoutCancel(req.Context()), projectID, payload.Port)
	if err != nil {
		writeAppErrorWith(w, err, p)
		return
	}
	writeJSON(w, http.StatusOK, presentProject(p))
}

// handleSessionWS upgrades the request and feeds inbound frames to svc until
// the client goes away.
func (r *Router) handleSessionWS(svc SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		info, ok := authInfoFromContext(req.Context())
		if !ok {
			r.logger.Error("auth context missing for session websocket", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "authorization context missing")
			return
		}
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Error("websocket upgrade failed", "error", err)
			return
		}
		client := ws.NewClient(conn, r.logger)
		ctx := req.Context()
		err = client.ReadLoop(ctx, func(raw []byte) {
			svc.Handle(ctx, client, info.Claims, raw)
		})
		svc.Disconnect(client)
		if err != nil {
			r.logger.Debug("session websocket ended", "conn_id", client.ID(), "error", err)
		}
	}
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	topic := eventTopic(req)
	if !r.authorizeProject(w, req, topic) {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.events.Subscribe(topic, client)
	defer r.events.Unsubscribe(topic, client)
	_ = client.ReadLoop(req.Context(), func([]byte) {})
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	topic := eventTopic(req)
	if !r.authorizeProject(w, req, topic) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := newSSEStream(w, flusher, r.logger)
	r.events.Subscribe(topic, stream)
	defer r.events.Unsubscribe(topic, stream)

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			stream.Close()
			return
		case now := <-ticker.C:
			if err := stream.Heartbeat(now); err != nil {
				return
			}
		}
	}
}

func eventTopic(req *http.Request) string {
	if id := strings.TrimSpace(req.URL.Query().Get("project_id")); id != "" {
		return id
	}
	return events.AllProjects
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make(map[string]any, len(names))
	status := "ok"
	for _, name := range names {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := r.checks[name](ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.HTTPRequest(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		actor := "anonymous"
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Subject
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
