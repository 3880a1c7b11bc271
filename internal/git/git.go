// Package git validates, clones and updates project working copies through
// the command runner.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/hostd/internal/apperr"
	"github.com/splax/hostd/internal/runner"
)

const (
	DefaultValidateTimeout = 10 * time.Second
	DefaultCloneTimeout    = 5 * time.Minute
)

// Gateway runs git against remote repositories.
type Gateway struct {
	runner          runner.Runner
	validateTimeout time.Duration
	cloneTimeout    time.Duration
	logger          *slog.Logger
}

// New constructs a Gateway.
func New(r runner.Runner, validateTimeout, cloneTimeout time.Duration, logger *slog.Logger) *Gateway {
	if validateTimeout <= 0 {
		validateTimeout = DefaultValidateTimeout
	}
	if cloneTimeout <= 0 {
		cloneTimeout = DefaultCloneTimeout
	}
	return &Gateway{
		runner:          r,
		validateTimeout: validateTimeout,
		cloneTimeout:    cloneTimeout,
		logger:          logger.With("component", "git"),
	}
}

// Validate checks that the remote is reachable and the branch exists using a
// lightweight remote listing.
func (g *Gateway) Validate(ctx context.Context, repoURL, branch string) error {
	_, err := g.run(ctx, "", g.validateTimeout, "ls-remote", "--exit-code", "--heads", repoURL, "refs/heads/"+branch)
	if err == nil {
		return nil
	}
	appErr, ok := apperr.As(err)
	if !ok {
		return err
	}
	switch {
	case appErr.Kind == apperr.KindCommandExecution && appErr.ExitCode == 2:
		return apperr.Validation("git.validate", "branch %q not found in repository", branch)
	case appErr.Kind == apperr.KindCommandExecution, appErr.Kind == apperr.KindTimeout:
		g.logger.Warn("repository validation failed", "repo_url", repoURL, "error", err, "stderr", strings.TrimSpace(appErr.Stderr))
		return &apperr.Error{Kind: apperr.KindValidation, Op: "git.validate", Message: "repository is not reachable", Err: err}
	default:
		return err
	}
}

// Clone performs a shallow single-branch clone into dest, which must exist and be empty.
func (g *Gateway) Clone(ctx context.Context, repoURL, branch, dest string) error {
	if repoURL == "" {
		return apperr.Validation("git.clone", "repository URL cannot be empty")
	}
	if dest == "" {
		return apperr.Validation("git.clone", "destination cannot be empty")
	}
	if _, err := g.run(ctx, dest, g.cloneTimeout, "clone", "--depth", "1", "--single-branch", "--branch", branch, repoURL, "."); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// Update fetches branch into an existing working copy and hard resets to it.
func (g *Gateway) Update(ctx context.Context, dir, branch string) error {
	if _, err := g.run(ctx, dir, g.cloneTimeout, "fetch", "--depth", "1", "origin", branch); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}
	if _, err := g.run(ctx, dir, g.validateTimeout, "reset", "--hard", "FETCH_HEAD"); err != nil {
		return fmt.Errorf("git reset failed: %w", err)
	}
	return nil
}

// Head returns the commit currently checked out in dir.
func (g *Gateway) Head(ctx context.Context, dir string) (string, error) {
	res, err := g.run(ctx, dir, g.validateTimeout, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (g *Gateway) run(ctx context.Context, dir string, timeout time.Duration, args ...string) (runner.Result, error) {
	return g.runner.Run(ctx, runner.Command{
		Name:    "git",
		Args:    args,
		Dir:     dir,
		Timeout: timeout,
		// Prevent git from prompting for credentials interactively.
		Env: []string{"GIT_TERMINAL_PROMPT=0"},
	})
}
