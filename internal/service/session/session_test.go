package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/hostd/internal/apperr"
	"github.com/splax/hostd/internal/container"
	"github.com/splax/hostd/internal/domain"
	"github.com/splax/hostd/pkg/jwt"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames []ServerFrame
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) error {
	var frame ServerFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) snapshot() []ServerFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ServerFrame(nil), c.frames...)
}

func (c *fakeConn) count(frameType string) int {
	n := 0
	for _, f := range c.snapshot() {
		if f.Type == frameType {
			n++
		}
	}
	return n
}

func (c *fakeConn) waitFor(t *testing.T, frameType string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.count(frameType) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %q frames", n, frameType)
}

type fakeProjects map[string]domain.Project

func (f fakeProjects) Get(_ context.Context, id string) (*domain.Project, error) {
	p, ok := f[id]
	if !ok {
		return nil, apperr.NotFound("project.get", "project not found")
	}
	return &p, nil
}

type allowAll struct{}

func (allowAll) CanAccess(string) bool { return true }

type fakeLogStream struct {
	lines     chan container.LogLine
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeLogStream() *fakeLogStream {
	return &fakeLogStream{lines: make(chan container.LogLine, 16), closed: make(chan struct{})}
}

func (s *fakeLogStream) Lines() <-chan container.LogLine { return s.lines }
func (s *fakeLogStream) Err() error                      { return nil }
func (s *fakeLogStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeLogStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeLogSource struct {
	mu      sync.Mutex
	streams []*fakeLogStream
	opts    []container.LogOptions
}

func (f *fakeLogSource) FollowLogs(_ context.Context, _ domain.Project, opts container.LogOptions) (container.LogStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeLogStream()
	f.streams = append(f.streams, s)
	f.opts = append(f.opts, opts)
	return s, nil
}

func (f *fakeLogSource) last() *fakeLogStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

var testProjects = fakeProjects{
	"p1": {ID: "p1", Name: "blog", Status: domain.StatusRunning},
	"p2": {ID: "p2", Name: "docs", Status: domain.StatusStopped},
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newLogManager(cfg Config) (*LogManager, *fakeLogSource) {
	source := &fakeLogSource{}
	return NewLogManager(testProjects, source, cfg, nil, quietLogger()), source
}

func line(stream, message string) container.LogLine {
	return container.LogLine{Container: "hostd-blog", Stream: stream, Message: message}
}

func TestLogSessionConnectsBeforeData(t *testing.T) {
	lm, source := newLogManager(Config{})
	conn := newFakeConn("c1")

	require.NoError(t, lm.Start(context.Background(), conn, allowAll{}, "p1", LogOptions{}))
	assert.Equal(t, 100, source.opts[0].Tail)

	stream := source.last()
	stream.lines <- line("stdout", "hello")
	conn.waitFor(t, FrameLog, 1)

	frames := conn.snapshot()
	assert.Equal(t, FrameConnected, frames[0].Type)
	assert.Equal(t, "blog", frames[0].ProjectName)
	assert.Equal(t, KindLogs, frames[0].Kind)
	assert.Equal(t, 1, conn.count(FrameConnected))
}

func TestLogSessionFiltersAndPause(t *testing.T) {
	lm, source := newLogManager(Config{})
	conn := newFakeConn("c1")
	ctx := context.Background()

	require.NoError(t, lm.Start(ctx, conn, allowAll{}, "p1", LogOptions{Filter: Filter{Level: "error"}}))
	stream := source.last()
	stream.lines <- line("stdout", "INFO ready")
	stream.lines <- line("stderr", "ERROR failed to connect")
	conn.waitFor(t, FrameLog, 1)

	lm.Handle(ctx, conn, allowAll{}, []byte(`{"type":"filter","stream":"stdout","keyword":"ready"}`))
	lm.Handle(ctx, conn, allowAll{}, []byte(`{"type":"pause"}`))
	conn.waitFor(t, FramePaused, 1)
	assert.False(t, lm.registry.get("p1").admit(func(Filter) bool { return true }))
	lm.Handle(ctx, conn, allowAll{}, []byte(`{"type":"resume"}`))
	conn.waitFor(t, FrameResumed, 1)
	stream.lines <- line("stderr", "ready on stderr")
	stream.lines <- line("stdout", "ready again")
	conn.waitFor(t, FrameLog, 2)

	var messages []string
	for _, f := range conn.snapshot() {
		if f.Type == FrameLog {
			data := f.Data.(map[string]any)
			messages = append(messages, data["message"].(string))
		}
	}
	assert.Equal(t, []string{"ERROR failed to connect", "ready again"}, messages)
}

func TestFilterMatch(t *testing.T) {
	l := container.LogLine{Container: "hostd-blog", Stream: "stderr", Message: "WARN disk Almost full"}
	assert.True(t, Filter{}.Match(l))
	assert.True(t, Filter{Level: "warn"}.Match(l))
	assert.True(t, Filter{Keyword: "Almost", Stream: "stderr", Container: "hostd-blog"}.Match(l))
	assert.False(t, Filter{Keyword: "almost"}.Match(l))
	assert.False(t, Filter{Stream: "stdout"}.Match(l))
	assert.False(t, Filter{Container: "hostd-docs"}.Match(l))
	assert.False(t, Filter{Stream: "both"}.Valid())
}

func TestLogSessionStartFailures(t *testing.T) {
	lm, source := newLogManager(Config{})
	ctx := context.Background()

	cases := []struct {
		name      string
		principal Principal
		projectID string
		code      apperr.Kind
	}{
		{"denied", &jwt.Claims{Projects: []string{"other"}}, "p1", apperr.KindPermission},
		{"missing", allowAll{}, "nope", apperr.KindNotFound},
		{"not running", allowAll{}, "p2", apperr.KindValidation},
		{"no principal", nil, "p1", apperr.KindPermission},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := newFakeConn(tc.name)
			err := lm.Start(ctx, conn, tc.principal, tc.projectID, LogOptions{})
			assert.Equal(t, tc.code, apperr.KindOf(err))
			frames := conn.snapshot()
			require.Len(t, frames, 1)
			assert.Equal(t, FrameError, frames[0].Type)
			assert.Equal(t, string(tc.code), frames[0].Code)
		})
	}
	assert.Empty(t, source.streams)
	assert.Equal(t, 0, lm.Active())
}

func TestDuplicateStartReplacesSession(t *testing.T) {
	lm, source := newLogManager(Config{})
	ctx := context.Background()
	first := newFakeConn("c1")
	second := newFakeConn("c2")

	require.NoError(t, lm.Start(ctx, first, allowAll{}, "p1", LogOptions{}))
	oldStream := source.last()
	require.NoError(t, lm.Start(ctx, second, allowAll{}, "p1", LogOptions{}))

	assert.Equal(t, 1, lm.Active())
	assert.True(t, oldStream.isClosed())
	frames := first.snapshot()
	require.NotEmpty(t, frames)
	end := frames[len(frames)-1]
	assert.Equal(t, FrameSessionEnd, end.Type)
	assert.Equal(t, ReasonReplaced, end.Reason)
	assert.Equal(t, 1, second.count(FrameConnected))
	assert.Equal(t, 0, second.count(FrameSessionEnd))
}

func TestMessageCapWarnsOnce(t *testing.T) {
	lm, source := newLogManager(Config{MessageCap: 3})
	conn := newFakeConn("c1")
	require.NoError(t, lm.Start(context.Background(), conn, allowAll{}, "p1", LogOptions{}))

	stream := source.last()
	for i := 0; i < 6; i++ {
		stream.lines <- line("stdout", "line")
	}
	conn.waitFor(t, FrameSessionEnd, 1)

	assert.Equal(t, 3, conn.count(FrameLog))
	assert.Equal(t, 1, conn.count(FrameWarning))
	assert.True(t, stream.isClosed())
	assert.Equal(t, 0, lm.Active())

	frames := conn.snapshot()
	assert.Equal(t, ReasonMessageLimit, frames[len(frames)-1].Reason)
}

func TestStreamEndTearsDownOnce(t *testing.T) {
	lm, source := newLogManager(Config{})
	conn := newFakeConn("c1")
	require.NoError(t, lm.Start(context.Background(), conn, allowAll{}, "p1", LogOptions{}))

	close(source.last().lines)
	conn.waitFor(t, FrameSessionEnd, 1)

	assert.Equal(t, 1, conn.count(FrameStreamEnd))
	assert.Equal(t, 0, lm.Active())

	lm.Disconnect(conn)
	lm.Shutdown()
	assert.Equal(t, 1, conn.count(FrameSessionEnd))
}

func TestStopAndDisconnect(t *testing.T) {
	lm, source := newLogManager(Config{})
	ctx := context.Background()
	conn := newFakeConn("c1")
	other := newFakeConn("c2")

	require.NoError(t, lm.Start(ctx, conn, allowAll{}, "p1", LogOptions{}))
	lm.Handle(ctx, other, allowAll{}, []byte(`{"type":"stop","projectId":"p1"}`))
	assert.Equal(t, 1, other.count(FrameError))
	assert.Equal(t, 1, lm.Active())

	lm.Handle(ctx, conn, allowAll{}, []byte(`{"type":"stop","projectId":"p1"}`))
	assert.Equal(t, 0, lm.Active())
	assert.True(t, source.last().isClosed())

	require.NoError(t, lm.Start(ctx, conn, allowAll{}, "p1", LogOptions{}))
	before := conn.count(FrameSessionEnd)
	lm.Disconnect(conn)
	assert.Equal(t, 0, lm.Active())
	assert.True(t, source.last().isClosed())
	assert.Equal(t, before, conn.count(FrameSessionEnd))
}

func TestInboundThrottleWarnsOncePerBurst(t *testing.T) {
	lm, _ := newLogManager(Config{InputRate: 0.001, InputBurst: 2})
	conn := newFakeConn("c1")
	for i := 0; i < 5; i++ {
		lm.Handle(context.Background(), conn, allowAll{}, []byte(`{"type":"ping"}`))
	}
	assert.Equal(t, 2, conn.count(FramePong))
	assert.Equal(t, 1, conn.count(FrameWarning))
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	lm, _ := newLogManager(Config{})
	conn := newFakeConn("c1")
	lm.Handle(context.Background(), conn, allowAll{}, []byte(`not json`))
	lm.Handle(context.Background(), conn, allowAll{}, []byte(`{"type":"input","data":"ls"}`))

	frames := conn.snapshot()
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Equal(t, FrameError, f.Type)
		assert.Equal(t, string(apperr.KindValidation), f.Code)
	}
}

func TestSweepEndsIdleSessions(t *testing.T) {
	lm, source := newLogManager(Config{IdleTimeout: time.Minute})
	conn := newFakeConn("c1")
	require.NoError(t, lm.Start(context.Background(), conn, allowAll{}, "p1", LogOptions{}))

	assert.Equal(t, 0, lm.Sweep(time.Now()))
	assert.Equal(t, 1, lm.Sweep(time.Now().Add(2*time.Minute)))
	assert.True(t, source.last().isClosed())

	frames := conn.snapshot()
	assert.Equal(t, ReasonIdle, frames[len(frames)-1].Reason)
}

type fakeConsole struct {
	outR   *io.PipeReader
	outW   *io.PipeWriter
	mu     sync.Mutex
	input  []string
	sizes  [][2]uint
	closed bool
}

func newFakeConsole() *fakeConsole {
	r, w := io.Pipe()
	return &fakeConsole{outR: r, outW: w}
}

func (c *fakeConsole) Read(p []byte) (int, error) { return c.outR.Read(p) }

func (c *fakeConsole) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("closed")
	}
	c.input = append(c.input, string(p))
	return len(p), nil
}

func (c *fakeConsole) Resize(_ context.Context, cols, rows uint) error {
	c.mu.Lock()
	c.sizes = append(c.sizes, [2]uint{cols, rows})
	c.mu.Unlock()
	return nil
}

func (c *fakeConsole) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.outR.Close()
}

type fakeConsoleSource struct {
	console *fakeConsole
	opts    container.ExecOptions
}

func (f *fakeConsoleSource) Exec(_ context.Context, _ domain.Project, opts container.ExecOptions) (container.ConsoleStream, error) {
	f.opts = opts
	return f.console, nil
}

func TestConsoleSession(t *testing.T) {
	source := &fakeConsoleSource{console: newFakeConsole()}
	cm := NewConsoleManager(testProjects, source, Config{}, nil, quietLogger())
	conn := newFakeConn("c1")
	ctx := context.Background()

	cm.Handle(ctx, conn, allowAll{}, []byte(`{"type":"start","projectId":"p1","options":{"cols":80,"rows":24}}`))
	require.Equal(t, 1, conn.count(FrameConnected))
	assert.Equal(t, "/bin/sh", source.opts.Shell)
	assert.Equal(t, uint(80), source.opts.Cols)

	cm.Handle(ctx, conn, allowAll{}, []byte(`{"type":"input","data":"ls\n"}`))
	cm.Handle(ctx, conn, allowAll{}, []byte(`{"type":"resize","cols":120,"rows":40}`))
	source.console.mu.Lock()
	assert.Equal(t, []string{"ls\n"}, source.console.input)
	assert.Equal(t, [][2]uint{{120, 40}}, source.console.sizes)
	source.console.mu.Unlock()

	go func() { _, _ = source.console.outW.Write([]byte("app.js\n")) }()
	conn.waitFor(t, FrameOutput, 1)

	_ = source.console.outW.Close()
	conn.waitFor(t, FrameSessionEnd, 1)
	assert.Equal(t, 1, conn.count(FrameStreamEnd))
	assert.Equal(t, 0, cm.Active())

	for _, f := range conn.snapshot() {
		if f.Type == FrameOutput {
			assert.Equal(t, "app.js\n", f.Data)
		}
	}
}
