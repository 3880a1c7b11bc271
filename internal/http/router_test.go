package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/hostd/internal/apperr"
	"github.com/splax/hostd/internal/domain"
	"github.com/splax/hostd/internal/events"
	"github.com/splax/hostd/internal/metrics"
	"github.com/splax/hostd/internal/repository"
	"github.com/splax/hostd/internal/service/project"
	"github.com/splax/hostd/internal/service/session"
	"github.com/splax/hostd/pkg/crypto"
	jwtpkg "github.com/splax/hostd/pkg/jwt"
)

const testSecret = "router-test-secret"

type fakeProjects struct {
	mu       sync.Mutex
	projects map[string]domain.Project
	calls    []string
	err      error
	failed   *domain.Project
	deployed project.DeployInput
	port     int
	purge    bool
}

func newFakeProjects(ps ...domain.Project) *fakeProjects {
	f := &fakeProjects{projects: map[string]domain.Project{}}
	for _, p := range ps {
		f.projects[p.ID] = p
	}
	return f
}

func (f *fakeProjects) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProjects) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeProjects) Get(_ context.Context, projectID string) (*domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return nil, apperr.NotFound("project.get", "project %s not found", projectID)
	}
	return &p, nil
}

func (f *fakeProjects) List(context.Context, repository.ProjectFilter) ([]domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Project, 0, len(f.projects))
	for _, p := range f.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeProjects) Deploy(_ context.Context, in project.DeployInput) (*domain.Project, error) {
	f.record("deploy")
	f.mu.Lock()
	f.deployed = in
	f.mu.Unlock()
	if f.err != nil {
		return f.failed, f.err
	}
	return &domain.Project{ID: "new", Name: in.Name, Status: domain.StatusRunning}, nil
}

func (f *fakeProjects) action(name, projectID string) (*domain.Project, error) {
	f.record(name + ":" + projectID)
	p, err := f.Get(context.Background(), projectID)
	if err != nil {
		return nil, err
	}
	return p, f.err
}

func (f *fakeProjects) Redeploy(_ context.Context, id string) (*domain.Project, error) {
	return f.action("redeploy", id)
}

func (f *fakeProjects) Start(_ context.Context, id string) (*domain.Project, error) {
	return f.action("start", id)
}

func (f *fakeProjects) Stop(_ context.Context, id string) (*domain.Project, error) {
	return f.action("stop", id)
}

func (f *fakeProjects) Restart(_ context.Context, id string) (*domain.Project, error) {
	return f.action("restart", id)
}

func (f *fakeProjects) UpdatePort(_ context.Context, id string, port int) (*domain.Project, error) {
	f.mu.Lock()
	f.port = port
	f.mu.Unlock()
	return f.action("port", id)
}

func (f *fakeProjects) Delete(_ context.Context, id string, purge bool) error {
	f.mu.Lock()
	f.purge = purge
	f.mu.Unlock()
	_, err := f.action("delete", id)
	return err
}

type fakeSessions struct {
	mu           sync.Mutex
	principals   []session.Principal
	disconnected chan string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{disconnected: make(chan string, 4)}
}

func (f *fakeSessions) Handle(_ context.Context, conn session.Conn, principal session.Principal, raw []byte) {
	f.mu.Lock()
	f.principals = append(f.principals, principal)
	f.mu.Unlock()
	_ = conn.Send(append([]byte("echo:"), raw...))
}

func (f *fakeSessions) Disconnect(conn session.Conn) {
	f.disconnected <- conn.ID()
}

type fakeEvents struct {
	subscribed   chan events.Subscriber
	unsubscribed chan string
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{subscribed: make(chan events.Subscriber, 2), unsubscribed: make(chan string, 2)}
}

func (f *fakeEvents) Subscribe(_ string, client events.Subscriber) { f.subscribed <- client }
func (f *fakeEvents) Unsubscribe(topic string, _ events.Subscriber) { f.unsubscribed <- topic }

type harness struct {
	server   *httptest.Server
	projects *fakeProjects
	logs     *fakeSessions
	events   *fakeEvents
	registry *prometheus.Registry
	logOut   *bytes.Buffer
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		projects: newFakeProjects(
			domain.Project{ID: "p1", Name: "blog", Status: domain.StatusRunning, Environment: map[string]string{"SECRET": "hunter2"}},
			domain.Project{ID: "p2", Name: "shop", Status: domain.StatusStopped},
		),
		logs:     newFakeSessions(),
		events:   newFakeEvents(),
		registry: prometheus.NewRegistry(),
		logOut:   &bytes.Buffer{},
	}
	opts := Options{
		Projects:           h.projects,
		Logs:               h.logs,
		Console:            newFakeSessions(),
		Events:             h.events,
		Metrics:            metrics.New(h.registry),
		Gatherer:           h.registry,
		Auth:               AuthConfig{Secret: testSecret, TokenTTL: time.Hour},
		RateLimitPerMin:    100,
		DeployLimitPerMin:  100,
		SessionLimitPerMin: 100,
	}
	if mutate != nil {
		mutate(&opts)
	}
	logger := slog.New(slog.NewJSONHandler(h.logOut, nil))
	router := NewRouter(logger, opts)
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		router.Close()
	})
	return h
}

func token(t *testing.T, projects []string, admin bool) string {
	t.Helper()
	tok, err := jwtpkg.GenerateToken("tester", projects, admin, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, tok string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func TestHealthzReportsComponents(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Checks = map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
			"docker":   func(context.Context) error { return errors.New("daemon unreachable") },
		}
	})
	resp, body := h.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
	components := body["components"].(map[string]any)
	assert.Equal(t, "up", components["database"].(map[string]any)["status"])
	assert.Equal(t, "down", components["docker"].(map[string]any)["status"])
}

func TestProjectsRequireToken(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodGet, "/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["code"])

	resp, _ = h.do(t, http.MethodGet, "/projects", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListHidesProjectsOutsideScope(t *testing.T) {
	h := newHarness(t, nil)
	req, _ := http.NewRequest(http.MethodGet, h.server.URL+"/projects", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, []string{"p1"}, false))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "p1", listed[0]["id"])
	assert.Equal(t, []any{"SECRET"}, listed[0]["environment"])
}

func TestDeployRequiresWildcardScope(t *testing.T) {
	h := newHarness(t, nil)
	input := map[string]any{"name": "docs", "repoUrl": "https://example.com/docs.git", "port": 3000, "autoPort": true}

	resp, body := h.do(t, http.MethodPost, "/projects", token(t, []string{"p1"}, false), input)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", body["code"])

	resp, body = h.do(t, http.MethodPost, "/projects", token(t, []string{jwtpkg.AllProjects}, false), input)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "docs", body["name"])
	assert.Equal(t, "running", body["status"])
	assert.True(t, h.projects.deployed.AutoPort)
	assert.Equal(t, 3000, h.projects.deployed.Port)
}

func TestDeployFailureCarriesProjectAndPublicMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.projects.err = &apperr.Error{Kind: apperr.KindCommandExecution, Op: "runner", ExitCode: 1, Stderr: "npm ERR! secret path"}
	h.projects.failed = &domain.Project{ID: "new", Name: "docs", Status: domain.StatusError, LastError: "build failed"}

	resp, body := h.do(t, http.MethodPost, "/projects", token(t, nil, true), map[string]any{"name": "docs"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "command_execution", body["code"])
	assert.Equal(t, "command exited with code 1", body["message"])
	assert.Equal(t, "error", body["project"].(map[string]any)["status"])
	assert.NotContains(t, body["message"], "npm")
}

func TestInternalErrorsStayPrivate(t *testing.T) {
	h := newHarness(t, nil)
	h.projects.err = errors.New("pq: connection refused at 10.0.0.5")

	resp, body := h.do(t, http.MethodPost, "/projects/p1/stop", token(t, nil, true), nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal", body["code"])
	assert.Equal(t, "internal error", body["message"])
}

func TestProjectRoutes(t *testing.T) {
	h := newHarness(t, nil)
	admin := token(t, nil, true)

	resp, body := h.do(t, http.MethodGet, "/projects/p1", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "blog", body["name"])

	resp, body = h.do(t, http.MethodGet, "/projects/missing", admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["code"])

	for _, action := range []string{"start", "stop", "restart", "redeploy"} {
		resp, _ = h.do(t, http.MethodPost, "/projects/p1/"+action, admin, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, action)
	}
	resp, _ = h.do(t, http.MethodGet, "/projects/p1/stop", admin, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPut, "/projects/p1/port", admin, map[string]int{"port": 4000})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4000, h.projects.port)

	resp, _ = h.do(t, http.MethodDelete, "/projects/p1?purge=true", admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, h.projects.purge)

	resp, _ = h.do(t, http.MethodGet, "/projects/p1/unknown", admin, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, []string{"start:p1", "stop:p1", "restart:p1", "redeploy:p1", "port:p1", "delete:p1"}, h.projects.Calls())
}

func TestProjectRoutesCheckScope(t *testing.T) {
	h := newHarness(t, nil)
	scoped := token(t, []string{"p1"}, false)

	resp, _ := h.do(t, http.MethodPost, "/projects/p2/start", scoped, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, h.projects.Calls())
}

func TestConflictMapsTo409(t *testing.T) {
	h := newHarness(t, nil)
	h.projects.err = apperr.Conflict("project.port", "port 4000 is in use")

	resp, body := h.do(t, http.MethodPut, "/projects/p1/port", token(t, nil, true), map[string]int{"port": 4000})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", body["code"])
	assert.Equal(t, "port 4000 is in use", body["message"])
}

func TestTokenEndpoint(t *testing.T) {
	hash, err := crypto.HashPassword("correct horse")
	require.NoError(t, err)
	h := newHarness(t, func(o *Options) { o.Auth.AdminPasswordHash = hash })

	resp, _ := h.do(t, http.MethodPost, "/auth/token", "", map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/auth/token", "", map[string]any{"password": "correct horse", "projects": []string{"p1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claims, err := jwtpkg.Parse(body["token"].(string), testSecret)
	require.NoError(t, err)
	assert.False(t, claims.Admin)
	assert.True(t, claims.CanAccess("p1"))
	assert.False(t, claims.CanAccess("p2"))
}

func TestTokenEndpointDisabledWithoutHash(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, http.MethodPost, "/auth/token", "", map[string]string{"password": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRateLimitPerSubject(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RateLimitPerMin = 2 })
	admin := token(t, nil, true)

	for i := 0; i < 2; i++ {
		resp, _ := h.do(t, http.MethodGet, "/projects/p1", admin, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := h.do(t, http.MethodGet, "/projects/p1", admin, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "too_many_requests", body["code"])
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 20, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })

	first := rl.Allow("k", 1, time.Minute)
	assert.True(t, first.allowed)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC), first.windowEnd)
	assert.False(t, rl.Allow("k", 1, time.Minute).allowed)
	assert.True(t, rl.Allow("other", 1, time.Minute).allowed)

	now = now.Add(2 * time.Minute)
	assert.True(t, rl.Allow("k", 1, time.Minute).allowed)

	now = now.Add(2 * time.Minute)
	rl.cleanup(now)
	assert.Empty(t, rl.entries)
}

func TestDeployBudgetIsSeparateFromReads(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.DeployLimitPerMin = 1 })
	admin := token(t, nil, true)

	resp, _ := h.do(t, http.MethodPost, "/projects/p1/redeploy", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Limit"))

	resp, body := h.do(t, http.MethodPost, "/projects/p1/restart", admin, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "too_many_requests", body["code"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp, _ = h.do(t, http.MethodPost, "/projects/p1/stop", admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/projects/p1", admin, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "100", resp.Header.Get("X-RateLimit-Limit"))
}

func TestClassifyProjectRequest(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   rateClass
	}{
		{http.MethodPost, "/projects", rateClassDeploy},
		{http.MethodGet, "/projects", rateClassAPI},
		{http.MethodPost, "/projects/p1/redeploy", rateClassDeploy},
		{http.MethodPost, "/projects/p1/start", rateClassDeploy},
		{http.MethodPost, "/projects/p1/stop", rateClassAPI},
		{http.MethodPut, "/projects/p1/port", rateClassAPI},
		{http.MethodDelete, "/projects/p1", rateClassAPI},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		assert.Equal(t, tc.want, classifyProjectRequest(req), tc.method+" "+tc.path)
	}
}

func TestRateKeysIncludeClass(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })

	assert.True(t, rl.Allow(rateKey(rateClassDeploy, "sub:alice"), 1, time.Minute).allowed)
	assert.False(t, rl.Allow(rateKey(rateClassDeploy, "sub:alice"), 1, time.Minute).allowed)
	assert.True(t, rl.Allow(rateKey(rateClassSession, "sub:alice"), 1, time.Minute).allowed)
	assert.Equal(t, "hostd:ratelimit:deploy:sub:alice:1735689600", redisWindowKey(rateKey(rateClassDeploy, "sub:alice"), now))
}

func TestAuditLogsRequests(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/projects/p1", token(t, nil, true), nil)

	line := strings.TrimSpace(h.logOut.String())
	require.NotEmpty(t, line)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.Split(line, "\n")[0]), &entry))
	assert.Equal(t, "http_request", entry["msg"])
	assert.Equal(t, "/projects/p1", entry["path"])
	assert.Equal(t, "tester", entry["actor"])
	assert.EqualValues(t, 200, entry["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/projects/p1", token(t, nil, true), nil)

	resp, err := http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `hostd_api_http_requests_total{method="GET",route="/projects/{id}",status="200"} 1`)
}

func wsURL(h *harness, path string) string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http") + path
}

func TestSessionWebSocketUsesQueryToken(t *testing.T) {
	h := newHarness(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(h, "/ws/logs"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h, "/ws/logs?token="+token(t, []string{"p1"}, false)), nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `echo:{"type":"ping"}`, string(payload))

	h.logs.mu.Lock()
	require.Len(t, h.logs.principals, 1)
	assert.True(t, h.logs.principals[0].CanAccess("p1"))
	assert.False(t, h.logs.principals[0].CanAccess("p2"))
	h.logs.mu.Unlock()

	require.NoError(t, conn.Close())
	select {
	case id := <-h.logs.disconnected:
		assert.NotEmpty(t, id)
	case <-time.After(2 * time.Second):
		t.Fatal("session service was not told about the disconnect")
	}
}

func TestEventsWebSocketSubscribes(t *testing.T) {
	h := newHarness(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h, "/ws/events?project_id=p1&token="+token(t, []string{"p1"}, false)), nil)
	require.NoError(t, err)

	var sub events.Subscriber
	select {
	case sub = <-h.events.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription")
	}
	require.NoError(t, sub.Send([]byte(`{"type":"project.status_changed"}`)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(payload), "status_changed")

	require.NoError(t, conn.Close())
	select {
	case topic := <-h.events.unsubscribed:
		assert.Equal(t, "p1", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("no unsubscribe")
	}
}

func TestEventsRequireScopeForAllProjects(t *testing.T) {
	h := newHarness(t, nil)
	req, _ := http.NewRequest(http.MethodGet, h.server.URL+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, []string{"p1"}, false))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEventsSSEStreamsPayloads(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, nil, true))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sub := <-h.events.subscribed
	require.NoError(t, sub.Send([]byte(`{"type":"deployment.completed"}`)))

	buf := make([]byte, 256)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "id: 1\nevent: deployment.completed\ndata: {\"type\":\"deployment.completed\"}\n\n", string(buf[:n]))
}

func TestSSEStreamFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := newSSEStream(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, stream.Send([]byte(`{"type":"project.deleted","projectId":"p1"}`)))
	require.NoError(t, stream.Heartbeat(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, stream.Send([]byte(`{"projectId":"p1"}`)))
	assert.Equal(t, "id: 1\nevent: project.deleted\ndata: {\"type\":\"project.deleted\",\"projectId\":\"p1\"}\n\n"+
		": keepalive 2025-01-01T12:00:00Z\n\n"+
		"id: 2\ndata: {\"projectId\":\"p1\"}\n\n", rec.Body.String())

	stream.Close()
	assert.ErrorIs(t, stream.Send([]byte("{}")), io.EOF)
}
