package project

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/hostd/internal/apperr"
	"github.com/splax/hostd/internal/compose"
	"github.com/splax/hostd/internal/domain"
	"github.com/splax/hostd/internal/events"
	"github.com/splax/hostd/internal/repository"
	"github.com/splax/hostd/internal/runner"
	"github.com/splax/hostd/internal/workspace"
)

const (
	stageSource  = "source"
	stageBuild   = "build"
	stageImage   = "image"
	stageCompose = "compose"
	stageStart   = "start"
	stageVerify  = "verify"
	stageRecord  = "record"
)

// failureRecordTimeout bounds the write that records a failed attempt after
// the caller's context is gone.
const failureRecordTimeout = 10 * time.Second

// DeployInput describes a new project.
type DeployInput struct {
	Name         string             `json:"name"`
	Domain       string             `json:"domain"`
	RepoURL      string             `json:"repoUrl"`
	Branch       string             `json:"branch"`
	BuildCommand string             `json:"buildCommand"`
	Port         int                `json:"port"`
	AutoPort     bool               `json:"autoPort"`
	Type         domain.ProjectType `json:"type"`
	Environment  map[string]string  `json:"environment"`
}

// Deploy validates input, claims a port, records the project and runs the
// first deployment. On a pipeline failure the recorded project is returned
// in status error together with the failure.
func (s *Service) Deploy(ctx context.Context, in DeployInput) (*domain.Project, error) {
	p, err := s.newProject(in)
	if err != nil {
		return nil, err
	}
	if err := s.sources.Validate(ctx, p.RepoURL, p.Branch); err != nil {
		return nil, err
	}

	s.allocMu.Lock()
	err = s.register(ctx, &p, in.Port)
	s.allocMu.Unlock()
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx)
	s.publishChange(&p, "", "deployment requested")
	s.logger.Info("project registered", "project_id", p.ID, "name", p.Name, "assigned_port", p.AssignedPort)

	unlock := s.lock(p.ID)
	defer unlock()
	err = s.rollout(ctx, &p, false)
	return &p, err
}

// Redeploy refreshes the working copy and rebuilds an existing project.
func (s *Service) Redeploy(ctx context.Context, projectID string) (*domain.Project, error) {
	unlock := s.lock(projectID)
	defer unlock()

	p, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status.InProgress() {
		return p, apperr.Conflict("project.redeploy", "deployment of %s already in progress", p.Name)
	}
	if err := s.transition(ctx, p, domain.StatusDeploying, "redeploy requested", nil); err != nil {
		return p, err
	}
	return p, s.rollout(ctx, p, true)
}

func (s *Service) newProject(in DeployInput) (domain.Project, error) {
	const op = "project.deploy"
	name := strings.TrimSpace(in.Name)
	if err := domain.ValidateName(name); err != nil {
		return domain.Project{}, apperr.Validation(op, "%s", err.Error())
	}
	host := domain.NormalizeDomain(in.Domain)
	if err := domain.ValidateDomain(host); err != nil {
		return domain.Project{}, apperr.Validation(op, "%s", err.Error())
	}
	repoURL := strings.TrimSpace(in.RepoURL)
	if err := domain.ValidateRepoURL(repoURL); err != nil {
		return domain.Project{}, apperr.Validation(op, "%s", err.Error())
	}
	branch := strings.TrimSpace(in.Branch)
	if branch == "" {
		branch = domain.DefaultBranch
	}
	if err := domain.ValidateBranch(branch); err != nil {
		return domain.Project{}, apperr.Validation(op, "%s", err.Error())
	}
	projectType := in.Type
	if projectType == "" {
		projectType = domain.TypeWeb
	}
	if !projectType.Valid() {
		return domain.Project{}, apperr.Validation(op, "unknown project type %q", in.Type)
	}
	port := in.Port
	if port == 0 {
		port = projectType.DefaultPort()
	}
	if err := domain.ValidatePort(port); err != nil {
		return domain.Project{}, apperr.Validation(op, "%s", err.Error())
	}
	if err := domain.ValidateEnvironment(in.Environment); err != nil {
		return domain.Project{}, apperr.Validation(op, "%s", err.Error())
	}
	now := s.now()
	p := domain.Project{
		ID:           uuid.NewString(),
		Name:         name,
		Domain:       host,
		RepoURL:      repoURL,
		Branch:       branch,
		BuildCommand: strings.TrimSpace(in.BuildCommand),
		Port:         port,
		AutoPort:     in.AutoPort,
		Type:         projectType,
		Environment:  map[string]string{},
		Status:       domain.StatusDeploying,
		WorkingDir:   s.workspaces.Path(name),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for k, v := range in.Environment {
		p.Environment[k] = v
	}
	return p, nil
}

// register resolves the host port and records the project. Callers hold
// allocMu.
func (s *Service) register(ctx context.Context, p *domain.Project, declared int) error {
	const op = "project.deploy"
	var (
		port int
		err  error
	)
	if p.AutoPort {
		port, err = s.ports.AutoAssign(ctx, p.Type, declared)
	} else {
		port, err = s.ports.ResolveExplicit(ctx, p.Port, s.cfg.PortConflictWindow)
	}
	if err != nil {
		return err
	}
	p.AssignedPort = port
	if err := s.store.CheckProjectUnique(ctx, repository.UniqueCheck{Name: p.Name, Domain: p.Domain, Port: port}); err != nil {
		return storeError(op, err)
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return storeError(op, err)
	}
	return nil
}

// start moves a stopped or failed project through deploying to running,
// rebuilding from source when the working copy is gone.
func (s *Service) start(ctx context.Context, p *domain.Project) error {
	if p.Status.InProgress() {
		return apperr.Conflict("project.start", "deployment of %s already in progress", p.Name)
	}
	if err := s.transition(ctx, p, domain.StatusDeploying, "start requested", nil); err != nil {
		return err
	}
	if !s.workspaces.Exists(p.WorkingDir) {
		s.logger.Warn("working copy missing, rebuilding", "project_id", p.ID, "dir", p.WorkingDir)
		return s.rollout(ctx, p, false)
	}
	started := s.now()
	stage, err := s.launch(ctx, p)
	return s.finish(ctx, p, started, stage, err, nil)
}

// rollout runs the full pipeline for a project in status deploying: source,
// optional build command, image build, compose up and verification.
func (s *Service) rollout(ctx context.Context, p *domain.Project, refresh bool) error {
	started := s.now()
	tail := newBuildTail(buildTailLines)
	stage, err := s.prepare(ctx, p, refresh, tail)
	if err == nil {
		stage, err = s.launch(ctx, p)
	}
	return s.finish(ctx, p, started, stage, err, tail)
}

func (s *Service) prepare(ctx context.Context, p *domain.Project, refresh bool, tail *buildTail) (string, error) {
	if err := s.syncSource(ctx, p, refresh); err != nil {
		return stageSource, err
	}
	if p.BuildCommand != "" {
		if err := s.transition(ctx, p, domain.StatusBuilding, "running build command", nil); err != nil {
			return stageBuild, err
		}
		cmd := runner.Shell(p.WorkingDir, p.BuildCommand, s.cfg.BuildTimeout)
		cmd.Env = environ(p.Environment)
		res, err := s.runner.Run(ctx, cmd)
		tail.AddOutput(res.Stdout, res.Stderr)
		if err != nil {
			return stageBuild, err
		}
	}
	if err := workspace.EnsureDockerfile(p.WorkingDir); err != nil {
		return stageImage, apperr.Validation("project.build", "%s", err.Error())
	}
	if err := s.writeDescriptor(p); err != nil {
		return stageCompose, err
	}
	res, err := s.containers.Build(ctx, *p)
	tail.AddOutput(res.Stdout, res.Stderr)
	if err != nil {
		return stageImage, err
	}
	return "", nil
}

func (s *Service) syncSource(ctx context.Context, p *domain.Project, refresh bool) error {
	if refresh && s.workspaces.Exists(p.WorkingDir) {
		if err := s.sources.Update(ctx, p.WorkingDir, p.Branch); err != nil {
			return err
		}
		s.logCommit(ctx, p)
		return nil
	}
	dir, err := s.workspaces.Prepare(p.Name)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "project.workspace", err)
	}
	if err := s.sources.Clone(ctx, p.RepoURL, p.Branch, dir); err != nil {
		return err
	}
	if p.WorkingDir != dir {
		p.WorkingDir = dir
		if err := s.store.UpdateProject(ctx, p); err != nil {
			return storeError("project.workspace", err)
		}
	}
	s.logCommit(ctx, p)
	return nil
}

// logCommit records which commit a deployment builds. Failures are not fatal.
func (s *Service) logCommit(ctx context.Context, p *domain.Project) {
	commit, err := s.sources.Head(ctx, p.WorkingDir)
	if err != nil {
		s.logger.Debug("read source commit failed", "project_id", p.ID, "error", err)
		return
	}
	s.logger.Info("source ready", "project_id", p.ID, "branch", p.Branch, "commit", commit)
}

// launch writes the descriptor, starts the container and waits for it to
// run, then records the project as running.
func (s *Service) launch(ctx context.Context, p *domain.Project) (string, error) {
	if err := s.writeDescriptor(p); err != nil {
		return stageCompose, err
	}
	if err := s.containers.Up(ctx, *p); err != nil {
		return stageStart, err
	}
	state, err := s.containers.WaitRunning(ctx, *p, s.cfg.VerifyAttempts, s.cfg.VerifyInterval)
	if err != nil {
		return stageVerify, err
	}
	deployed := s.now()
	err = s.transition(ctx, p, domain.StatusRunning, "container running", func(u *repository.StatusUpdate) {
		u.ContainerID = repository.Ptr(state.ContainerID)
		u.LastError = repository.Ptr("")
		u.LastDeployed = &deployed
	})
	if err != nil {
		return stageRecord, err
	}
	return "", nil
}

func (s *Service) writeDescriptor(p *domain.Project) error {
	_, err := compose.Write(p.WorkingDir, compose.Spec{
		ProjectID:     p.ID,
		Name:          p.Name,
		HostPort:      p.AssignedPort,
		ContainerPort: p.Port,
		Environment:   p.Environment,
		Network:       s.cfg.Network,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "project.compose", err)
	}
	return nil
}

// finish records the outcome of a deployment attempt.
func (s *Service) finish(ctx context.Context, p *domain.Project, started time.Time, stage string, err error, tail *buildTail) error {
	elapsed := s.now().Sub(started)
	if err == nil {
		s.metrics.DeployFinished("success", elapsed)
		s.publish(events.TypeDeploymentCompleted, p, p.Status, "deployment completed")
		s.logger.Info("deployment completed", "project_id", p.ID, "name", p.Name, "container_id", p.ContainerID, "duration", elapsed)
		return nil
	}
	s.metrics.DeployFinished("failure", elapsed)

	attrs := []any{"project_id", p.ID, "name", p.Name, "stage", stage, "error", err, "duration", elapsed}
	if lines := tail.Snapshot(); len(lines) > 0 {
		attrs = append(attrs, "output_tail", strings.Join(lines, "\n"))
	}
	s.logger.Error("deployment failed", attrs...)

	message := fmt.Sprintf("%s failed: %s", stage, apperr.PublicMessage(err))
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureRecordTimeout)
	defer cancel()
	if p.Status != domain.StatusError {
		if terr := s.transition(recordCtx, p, domain.StatusError, message, func(u *repository.StatusUpdate) {
			u.LastError = repository.Ptr(message)
		}); terr != nil {
			s.logger.Error("record deployment failure", "project_id", p.ID, "error", terr)
		}
	}
	s.publish(events.TypeDeploymentFailed, p, p.Status, message)
	return err
}

func environ(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
