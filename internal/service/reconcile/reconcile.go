// Package reconcile keeps persisted project status in line with the
// container runtime.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/splax/hostd/internal/cache"
	"github.com/splax/hostd/internal/container"
	"github.com/splax/hostd/internal/domain"
	"github.com/splax/hostd/internal/events"
	"github.com/splax/hostd/internal/metrics"
	"github.com/splax/hostd/internal/repository"
)

const (
	defaultInterval      = 30 * time.Second
	defaultDeployTimeout = 10 * time.Minute
	defaultStuckTimeout  = 30 * time.Minute
)

// Store is the persistence surface used by the reconciler.
type Store interface {
	ListProjects(ctx context.Context, filter repository.ProjectFilter) ([]domain.Project, error)
	UpdateProjectStatus(ctx context.Context, update repository.StatusUpdate) error
}

// Containers reports container state.
type Containers interface {
	Status(ctx context.Context, p domain.Project) (container.State, error)
}

// Config tunes the reconciler.
type Config struct {
	Interval      time.Duration
	DeployTimeout time.Duration
	StuckTimeout  time.Duration
}

// Report summarizes one reconcile pass.
type Report struct {
	Checked   int
	Skipped   int
	Corrected int
	Failed    int
}

// Reconciler periodically corrects project status.
type Reconciler struct {
	store      Store
	containers Containers
	cache      cache.ListingCache
	events     events.Publisher
	metrics    *metrics.Metrics
	cfg        Config
	logger     *slog.Logger

	now func() time.Time
}

// New constructs a Reconciler. cache, publisher and m may be nil.
func New(store Store, containers Containers, listing cache.ListingCache, publisher events.Publisher, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.DeployTimeout <= 0 {
		cfg.DeployTimeout = defaultDeployTimeout
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = defaultStuckTimeout
	}
	if listing == nil {
		listing = cache.Noop{}
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Reconciler{
		store:      store,
		containers: containers,
		cache:      listing,
		events:     publisher,
		metrics:    m,
		cfg:        cfg,
		logger:     logger.With("component", "reconciler"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run reconciles once, then on every interval until ctx is cancelled. A
// pass still running when the next one is due is skipped.
func (r *Reconciler) Run(ctx context.Context) error {
	scheduler := cron.New(
		cron.WithLogger(cronLogger{r.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.logger})),
	)
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", r.cfg.Interval), func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule reconciler: %w", err)
	}

	r.logger.Info("reconciler started", "interval", r.cfg.Interval)
	r.RunOnce(ctx)
	scheduler.Start()

	<-ctx.Done()
	<-scheduler.Stop().Done()
	r.logger.Info("reconciler stopped")
	return nil
}

// RunOnce performs a single pass over all non-deleted projects.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	var report Report
	projects, err := r.store.ListProjects(ctx, repository.ProjectFilter{})
	if err != nil {
		r.logger.Error("list projects failed", "error", err)
		report.Failed++
		return report
	}
	now := r.now()
	for _, p := range projects {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		if now.Sub(p.UpdatedAt) < r.cfg.Interval {
			report.Skipped++
			continue
		}
		corrected, err := r.reconcile(ctx, p, now)
		if err != nil {
			r.logger.Warn("reconcile project failed", "project_id", p.ID, "error", err)
			report.Failed++
			continue
		}
		if corrected {
			report.Corrected++
		}
	}
	r.metrics.ReconcileRun()
	if report.Corrected > 0 || report.Failed > 0 {
		r.logger.Info("reconcile pass finished", "checked", report.Checked, "skipped", report.Skipped, "corrected", report.Corrected, "failed", report.Failed)
	}
	return report
}

func (r *Reconciler) reconcile(ctx context.Context, p domain.Project, now time.Time) (bool, error) {
	state, err := r.containers.Status(ctx, p)
	if err != nil {
		r.logger.Debug("container status unavailable", "project_id", p.ID, "error", err)
	}
	expected := ExpectedStatus(p, Observation{Running: state.Running, Err: err}, now, r.cfg)
	if expected == p.Status {
		return false, nil
	}

	update := repository.StatusUpdate{ProjectID: p.ID, Status: expected, UpdatedAt: now}
	switch expected {
	case domain.StatusRunning:
		update.ContainerID = repository.Ptr(state.ContainerID)
	case domain.StatusError:
		update.LastError = repository.Ptr(fmt.Sprintf("deployment did not finish within %s", r.timeoutFor(err)))
	default:
		update.ContainerID = repository.Ptr("")
	}
	if werr := r.store.UpdateProjectStatus(ctx, update); werr != nil {
		return false, fmt.Errorf("update status: %w", werr)
	}

	r.logger.Info("status corrected", "project_id", p.ID, "from", p.Status, "to", expected)
	r.metrics.Correction(string(p.Status), string(expected))
	r.cache.Invalidate(ctx)
	r.events.Publish(events.Event{
		Type:           events.TypeStatusChanged,
		ProjectID:      p.ID,
		ProjectName:    p.Name,
		Status:         expected,
		PreviousStatus: p.Status,
		Message:        "corrected by reconciler",
		OccurredAt:     now,
	})
	return true, nil
}

func (r *Reconciler) timeoutFor(queryErr error) time.Duration {
	if queryErr != nil {
		return r.cfg.StuckTimeout
	}
	return r.cfg.DeployTimeout
}

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
