// Package container drives a project's container: docker compose through the
// command runner for lifecycle, the Docker Engine SDK for inspection, logs and
// interactive exec.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/splax/hostd/internal/apperr"
	"github.com/splax/hostd/internal/compose"
	"github.com/splax/hostd/internal/docker"
	"github.com/splax/hostd/internal/domain"
	"github.com/splax/hostd/internal/runner"
)

// Engine is the Docker Engine surface used by the gateway.
type Engine interface {
	Ping(ctx context.Context) error
	Inspect(ctx context.Context, nameOrID string) (docker.ContainerState, error)
	PublishedPorts(ctx context.Context) ([]int, error)
	Logs(ctx context.Context, nameOrID string, opts docker.LogsOptions, stdout, stderr io.Writer) error
	Exec(ctx context.Context, nameOrID string, opts docker.ExecOptions) (*docker.ExecSession, error)
	RemoveContainer(ctx context.Context, name string) error
}

// Config tunes gateway timeouts.
type Config struct {
	Network        string
	ComposeTimeout time.Duration
	StatusTimeout  time.Duration
}

// State is the observed container state of a project.
type State struct {
	Exists      bool
	Running     bool
	Status      string
	ContainerID string
	StartedAt   time.Time
}

// Gateway manages project containers.
type Gateway struct {
	runner runner.Runner
	engine Engine
	cfg    Config
	logger *slog.Logger
}

// New constructs a Gateway.
func New(r runner.Runner, engine Engine, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.Network == "" {
		cfg.Network = compose.DefaultNetwork
	}
	if cfg.ComposeTimeout <= 0 {
		cfg.ComposeTimeout = 10 * time.Minute
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 10 * time.Second
	}
	return &Gateway{runner: r, engine: engine, cfg: cfg, logger: logger.With("component", "container")}
}

// Health reports whether the engine answers within StatusTimeout.
func (g *Gateway) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.StatusTimeout)
	defer cancel()
	if err := g.engine.Ping(ctx); err != nil {
		return apperr.External("container.health", "docker engine unavailable", err)
	}
	return nil
}

// EnsureNetwork creates the shared project network when it is missing.
func (g *Gateway) EnsureNetwork(ctx context.Context) error {
	_, err := g.runner.Run(ctx, runner.Command{
		Name:    "docker",
		Args:    []string{"network", "inspect", g.cfg.Network},
		Timeout: g.cfg.StatusTimeout,
	})
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != apperr.KindCommandExecution {
		return err
	}
	g.logger.Info("creating docker network", "network", g.cfg.Network)
	if _, err := g.runner.Run(ctx, runner.Command{
		Name:    "docker",
		Args:    []string{"network", "create", g.cfg.Network},
		Timeout: g.cfg.StatusTimeout,
	}); err != nil {
		return fmt.Errorf("create network %s: %w", g.cfg.Network, err)
	}
	return nil
}

// Build builds the project's image from its working copy.
func (g *Gateway) Build(ctx context.Context, p domain.Project) (runner.Result, error) {
	return g.compose(ctx, p, "build")
}

// Up creates or recreates the project's container and starts it detached.
func (g *Gateway) Up(ctx context.Context, p domain.Project) error {
	_, err := g.compose(ctx, p, "up", "-d", "--remove-orphans")
	return err
}

// Stop stops the project's container, keeping it for a later Up.
func (g *Gateway) Stop(ctx context.Context, p domain.Project) error {
	if !g.hasDescriptor(p) {
		_, err := g.runner.Run(ctx, runner.Command{
			Name:    "docker",
			Args:    []string{"stop", p.ContainerName()},
			Timeout: g.cfg.ComposeTimeout,
		})
		if apperr.KindOf(err) == apperr.KindCommandExecution {
			g.logger.Warn("stop without descriptor failed", "project_id", p.ID, "error", err)
			return nil
		}
		return err
	}
	_, err := g.compose(ctx, p, "stop")
	return err
}

// Down stops and removes the project's container.
func (g *Gateway) Down(ctx context.Context, p domain.Project) error {
	if !g.hasDescriptor(p) {
		return g.engine.RemoveContainer(ctx, p.ContainerName())
	}
	_, err := g.compose(ctx, p, "down", "--remove-orphans")
	return err
}

// Status inspects the project's container.
func (g *Gateway) Status(ctx context.Context, p domain.Project) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.StatusTimeout)
	defer cancel()
	info, err := g.engine.Inspect(ctx, p.ContainerName())
	if errors.Is(err, docker.ErrNotFound) {
		return State{}, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return State{}, &apperr.Error{Kind: apperr.KindTimeout, Op: "container.status", Message: "container status timed out", Err: err}
		}
		return State{}, apperr.External("container.status", "docker inspect failed", err)
	}
	return State{
		Exists:      true,
		Running:     info.Running,
		Status:      info.Status,
		ContainerID: info.ID,
		StartedAt:   info.StartedAt,
	}, nil
}

// WaitRunning polls Status until the container runs or attempts run out.
func (g *Gateway) WaitRunning(ctx context.Context, p domain.Project, attempts int, interval time.Duration) (State, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var last State
	var lastErr error
	for i := 0; i < attempts; i++ {
		last, lastErr = g.Status(ctx, p)
		if lastErr == nil && last.Running {
			return last, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return last, &apperr.Error{Kind: apperr.KindTimeout, Op: "container.verify", Message: "verification cancelled", Err: ctx.Err()}
		case <-time.After(interval):
		}
	}
	if lastErr != nil {
		return last, lastErr
	}
	status := last.Status
	if status == "" {
		status = "missing"
	}
	return last, apperr.External("container.verify", fmt.Sprintf("container is not running (status %s)", status), nil)
}

// PublishedPorts returns host ports published by running containers.
func (g *Gateway) PublishedPorts(ctx context.Context) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.StatusTimeout)
	defer cancel()
	return g.engine.PublishedPorts(ctx)
}

func (g *Gateway) hasDescriptor(p domain.Project) bool {
	if p.WorkingDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(p.WorkingDir, compose.FileName))
	return err == nil
}

func (g *Gateway) compose(ctx context.Context, p domain.Project, sub ...string) (runner.Result, error) {
	if p.WorkingDir == "" {
		return runner.Result{}, apperr.Validation("container.compose", "project %s has no working copy", p.Name)
	}
	args := append([]string{"compose", "-p", p.ComposeProject(), "-f", filepath.Join(p.WorkingDir, compose.FileName)}, sub...)
	res, err := g.runner.Run(ctx, runner.Command{
		Name:    "docker",
		Args:    args,
		Dir:     p.WorkingDir,
		Timeout: g.cfg.ComposeTimeout,
	})
	if err != nil {
		return res, fmt.Errorf("docker compose %s: %w", sub[0], err)
	}
	return res, nil
}
