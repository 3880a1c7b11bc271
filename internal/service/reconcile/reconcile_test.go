package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/hostd/internal/container"
	"github.com/splax/hostd/internal/domain"
	"github.com/splax/hostd/internal/events"
	"github.com/splax/hostd/internal/repository"
	"github.com/splax/hostd/internal/repository/memory"
)

type countingStore struct {
	*memory.Repository
	mu     sync.Mutex
	writes int
}

func (s *countingStore) UpdateProjectStatus(ctx context.Context, update repository.StatusUpdate) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return s.Repository.UpdateProjectStatus(ctx, update)
}

type fakeContainers struct {
	states map[string]container.State
	errs   map[string]error
}

func (f fakeContainers) Status(_ context.Context, p domain.Project) (container.State, error) {
	if err := f.errs[p.Name]; err != nil {
		return container.State{}, err
	}
	return f.states[p.Name], nil
}

type recordingPublisher struct {
	events []events.Event
}

func (r *recordingPublisher) Publish(evt events.Event) { r.events = append(r.events, evt) }

func seed(t *testing.T, store *countingStore, name string, port int, status domain.Status, updated time.Time) domain.Project {
	t.Helper()
	p := domain.Project{
		ID:           name + "-id",
		Name:         name,
		Domain:       name + ".example.com",
		AssignedPort: port,
		Status:       status,
		CreatedAt:    updated,
		UpdatedAt:    updated,
	}
	if status.HoldsContainer() {
		p.ContainerID = "c-" + name
	}
	require.NoError(t, store.CreateProject(context.Background(), &p))
	return p
}

func newReconciler(store Store, containers Containers, publisher events.Publisher, now time.Time) *Reconciler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(store, containers, nil, publisher, nil, Config{
		Interval:      30 * time.Second,
		DeployTimeout: 10 * time.Minute,
		StuckTimeout:  30 * time.Minute,
	}, logger)
	r.now = func() time.Time { return now }
	return r
}

func status(t *testing.T, store *countingStore, id string) domain.Status {
	t.Helper()
	p, err := store.GetProjectByID(context.Background(), id)
	require.NoError(t, err)
	return p.Status
}

func TestRunOnceCorrectsAndIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-time.Hour)
	store := &countingStore{Repository: memory.New()}

	crashed := seed(t, store, "crashed", 3001, domain.StatusRunning, old)
	revived := seed(t, store, "revived", 3002, domain.StatusStopped, old)
	stuck := seed(t, store, "stuck", 3003, domain.StatusDeploying, old)
	healthy := seed(t, store, "healthy", 3004, domain.StatusRunning, old)

	containers := fakeContainers{states: map[string]container.State{
		"revived": {Exists: true, Running: true, ContainerID: "c-revived-2"},
		"healthy": {Exists: true, Running: true, ContainerID: "c-healthy"},
		"crashed": {Exists: true, Running: false, Status: "exited"},
	}}
	publisher := &recordingPublisher{}
	r := newReconciler(store, containers, publisher, now)

	report := r.RunOnce(context.Background())
	assert.Equal(t, Report{Checked: 4, Corrected: 3}, report)
	assert.Equal(t, 3, store.writes)
	assert.Len(t, publisher.events, 3)

	assert.Equal(t, domain.StatusStopped, status(t, store, crashed.ID))
	assert.Equal(t, domain.StatusRunning, status(t, store, revived.ID))
	assert.Equal(t, domain.StatusError, status(t, store, stuck.ID))
	assert.Equal(t, domain.StatusRunning, status(t, store, healthy.ID))

	p, err := store.GetProjectByID(context.Background(), crashed.ID)
	require.NoError(t, err)
	assert.Empty(t, p.ContainerID)

	r.now = func() time.Time { return now.Add(5 * time.Minute) }
	report = r.RunOnce(context.Background())
	assert.Equal(t, 0, report.Corrected)
	assert.Equal(t, 3, store.writes)
}

func TestRunOnceSkipsRecentlyUpdated(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &countingStore{Repository: memory.New()}
	p := seed(t, store, "fresh", 3001, domain.StatusRunning, now.Add(-5*time.Second))

	r := newReconciler(store, fakeContainers{}, nil, now)
	report := r.RunOnce(context.Background())

	assert.Equal(t, Report{Checked: 1, Skipped: 1}, report)
	assert.Equal(t, 0, store.writes)
	assert.Equal(t, domain.StatusRunning, status(t, store, p.ID))
}

func TestRunOnceQueryFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &countingStore{Repository: memory.New()}
	stuck := seed(t, store, "stuck", 3001, domain.StatusDeploying, now.Add(-time.Hour))
	recent := seed(t, store, "recent", 3002, domain.StatusBuilding, now.Add(-15*time.Minute))
	running := seed(t, store, "running", 3003, domain.StatusRunning, now.Add(-time.Hour))

	boom := errors.New("docker unreachable")
	containers := fakeContainers{errs: map[string]error{"stuck": boom, "recent": boom, "running": boom}}
	r := newReconciler(store, containers, nil, now)

	report := r.RunOnce(context.Background())
	assert.Equal(t, 1, report.Corrected)
	assert.Equal(t, domain.StatusError, status(t, store, stuck.ID))
	assert.Equal(t, domain.StatusBuilding, status(t, store, recent.ID))
	assert.Equal(t, domain.StatusRunning, status(t, store, running.ID))
}

func TestExpectedStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{Interval: 30 * time.Second, DeployTimeout: 10 * time.Minute, StuckTimeout: 30 * time.Minute}
	queryErr := errors.New("timeout")

	cases := []struct {
		name     string
		status   domain.Status
		age      time.Duration
		obs      Observation
		expected domain.Status
	}{
		{"running observed", domain.StatusStopped, time.Hour, Observation{Running: true}, domain.StatusRunning},
		{"error recovers when running", domain.StatusError, time.Hour, Observation{Running: true}, domain.StatusRunning},
		{"running lost", domain.StatusRunning, time.Hour, Observation{}, domain.StatusStopped},
		{"error without container stops", domain.StatusError, time.Hour, Observation{}, domain.StatusStopped},
		{"deploying within timeout", domain.StatusDeploying, 5 * time.Minute, Observation{}, domain.StatusDeploying},
		{"deploying past timeout", domain.StatusDeploying, 11 * time.Minute, Observation{}, domain.StatusError},
		{"building past timeout", domain.StatusBuilding, 11 * time.Minute, Observation{}, domain.StatusError},
		{"query failure keeps status", domain.StatusRunning, time.Hour, Observation{Err: queryErr}, domain.StatusRunning},
		{"query failure before stuck", domain.StatusDeploying, 20 * time.Minute, Observation{Err: queryErr}, domain.StatusDeploying},
		{"query failure stuck", domain.StatusDeploying, 31 * time.Minute, Observation{Err: queryErr}, domain.StatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := domain.Project{Status: tc.status, UpdatedAt: now.Add(-tc.age)}
			assert.Equal(t, tc.expected, ExpectedStatus(p, tc.obs, now, cfg))
		})
	}
}

func TestRunStopsWithContext(t *testing.T) {
	store := &countingStore{Repository: memory.New()}
	r := newReconciler(store, fakeContainers{}, nil, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}
