package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/hostd/internal/domain"
	"github.com/splax/hostd/internal/repository"
	"github.com/splax/hostd/pkg/crypto"
)

const projectColumns = `id, name, domain, repo_url, branch, build_command, port, assigned_port, auto_port, type,
	environment, status, container_id, working_dir, last_deployed, last_error, created_at, updated_at, deleted_at`

// selectColumns reads the uuid primary key back as text.
var selectColumns = "id::text" + strings.TrimPrefix(projectColumns, "id")

// Repository implements ProjectRepository on PostgreSQL. Environment maps are
// stored encrypted.
type Repository struct {
	pool   *pgxpool.Pool
	cipher *crypto.Cipher
}

// New constructs a Repository.
func New(pool *pgxpool.Pool, cipher *crypto.Cipher) *Repository {
	return &Repository{pool: pool, cipher: cipher}
}

// ensure Repository satisfies interfaces.
var _ repository.ProjectRepository = (*Repository)(nil)

// CreateProject inserts a project. Unique index violations surface as *repository.ConflictError.
func (r *Repository) CreateProject(ctx context.Context, p *domain.Project) error {
	env, err := r.sealEnvironment(p.Environment)
	if err != nil {
		return err
	}
	const query = `INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err = r.pool.Exec(ctx, query,
		p.ID, p.Name, p.Domain, p.RepoURL, p.Branch, p.BuildCommand, p.Port, p.AssignedPort, p.AutoPort, string(p.Type),
		env, string(p.Status), p.ContainerID, p.WorkingDir, p.LastDeployed, p.LastError, p.CreatedAt, p.UpdatedAt, p.DeletedAt)
	return translateError(err, p)
}

// GetProjectByID fetches a non-deleted project.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	if !validID(projectID) {
		return nil, repository.ErrNotFound
	}
	query := `SELECT ` + selectColumns + ` FROM projects WHERE id = $1 AND deleted_at IS NULL`
	return r.getOne(ctx, query, projectID)
}

// GetProjectByName fetches a non-deleted project by name.
func (r *Repository) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	query := `SELECT ` + selectColumns + ` FROM projects WHERE name = $1 AND deleted_at IS NULL`
	return r.getOne(ctx, query, name)
}

// ListProjects returns projects newest first.
func (r *Repository) ListProjects(ctx context.Context, filter repository.ProjectFilter) ([]domain.Project, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	query := `SELECT ` + selectColumns + ` FROM projects`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// UpdateProject writes every mutable column of a non-deleted project.
func (r *Repository) UpdateProject(ctx context.Context, p *domain.Project) error {
	if !validID(p.ID) {
		return repository.ErrNotFound
	}
	env, err := r.sealEnvironment(p.Environment)
	if err != nil {
		return err
	}
	const query = `UPDATE projects SET name = $2, domain = $3, repo_url = $4, branch = $5, build_command = $6,
		port = $7, assigned_port = $8, auto_port = $9, type = $10, environment = $11, status = $12,
		container_id = $13, working_dir = $14, last_deployed = $15, last_error = $16, updated_at = $17
		WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query,
		p.ID, p.Name, p.Domain, p.RepoURL, p.Branch, p.BuildCommand, p.Port, p.AssignedPort, p.AutoPort, string(p.Type),
		env, string(p.Status), p.ContainerID, p.WorkingDir, p.LastDeployed, p.LastError, p.UpdatedAt)
	if err != nil {
		return translateError(err, p)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateProjectStatus applies a status update. The WHERE clause skips rows
// already in the requested state so repeated updates do not bump updated_at.
func (r *Repository) UpdateProjectStatus(ctx context.Context, u repository.StatusUpdate) error {
	if !validID(u.ProjectID) {
		return repository.ErrNotFound
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now().UTC()
	}
	const query = `UPDATE projects SET
			status = $2,
			container_id = COALESCE($3, container_id),
			last_error = COALESCE($4, last_error),
			last_deployed = COALESCE($5, last_deployed),
			updated_at = $6
		WHERE id = $1 AND deleted_at IS NULL
			AND (status <> $2
				OR ($3::text IS NOT NULL AND container_id <> $3)
				OR ($4::text IS NOT NULL AND last_error <> $4)
				OR ($5::timestamptz IS NOT NULL AND last_deployed IS DISTINCT FROM $5))`
	tag, err := r.pool.Exec(ctx, query, u.ProjectID, string(u.Status), u.ContainerID, u.LastError, u.LastDeployed, u.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1 AND deleted_at IS NULL)`, u.ProjectID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return nil
}

// CheckProjectUnique reports the first colliding field as a *ConflictError.
func (r *Repository) CheckProjectUnique(ctx context.Context, check repository.UniqueCheck) error {
	const query = `SELECT name, domain, assigned_port FROM projects
		WHERE deleted_at IS NULL AND id::text <> $4
			AND (name = $1 OR domain = $2 OR assigned_port = $3)
		LIMIT 1`
	var (
		name, domainName string
		port             int
	)
	err := r.pool.QueryRow(ctx, query, check.Name, check.Domain, check.Port, check.ExcludeID).Scan(&name, &domainName, &port)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	switch {
	case check.Name != "" && name == check.Name:
		return &repository.ConflictError{Field: "name", Value: check.Name}
	case check.Domain != "" && domainName == check.Domain:
		return &repository.ConflictError{Field: "domain", Value: check.Domain}
	default:
		return &repository.ConflictError{Field: "port", Value: strconv.Itoa(check.Port)}
	}
}

// AssignedPorts maps each assigned port to its project id.
func (r *Repository) AssignedPorts(ctx context.Context) (map[int]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT assigned_port, id::text FROM projects WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int]string)
	for rows.Next() {
		var (
			port int
			id   string
		)
		if err := rows.Scan(&port, &id); err != nil {
			return nil, err
		}
		out[port] = id
	}
	return out, rows.Err()
}

// SoftDeleteProject marks a project deleted.
func (r *Repository) SoftDeleteProject(ctx context.Context, projectID string, at time.Time) error {
	if !validID(projectID) {
		return repository.ErrNotFound
	}
	const query = `UPDATE projects SET deleted_at = $2, updated_at = $2, status = 'stopped', container_id = ''
		WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, projectID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) getOne(ctx context.Context, query string, arg any) (*domain.Project, error) {
	p, err := r.scan(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *Repository) scan(row pgx.Row) (*domain.Project, error) {
	var (
		p           domain.Project
		projectType string
		status      string
		env         []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Domain, &p.RepoURL, &p.Branch, &p.BuildCommand, &p.Port, &p.AssignedPort,
		&p.AutoPort, &projectType, &env, &status, &p.ContainerID, &p.WorkingDir, &p.LastDeployed, &p.LastError,
		&p.CreatedAt, &p.UpdatedAt, &p.DeletedAt); err != nil {
		return nil, err
	}
	p.Type = domain.ProjectType(projectType)
	p.Status = domain.Status(status)
	environment, err := r.openEnvironment(env)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", p.ID, err)
	}
	p.Environment = environment
	return &p, nil
}

func (r *Repository) sealEnvironment(env map[string]string) ([]byte, error) {
	if len(env) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode environment: %w", err)
	}
	if r.cipher == nil {
		return raw, nil
	}
	sealed, err := r.cipher.Encrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("encrypt environment: %w", err)
	}
	return sealed, nil
}

func (r *Repository) openEnvironment(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw := data
	if r.cipher != nil {
		plain, err := r.cipher.Decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("decrypt environment: %w", err)
		}
		raw = plain
	}
	var env map[string]string
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return env, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// translateError maps unique index violations onto repository conflicts.
func translateError(err error, p *domain.Project) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "projects_name_live_idx":
			return &repository.ConflictError{Field: "name", Value: p.Name}
		case "projects_domain_live_idx":
			return &repository.ConflictError{Field: "domain", Value: p.Domain}
		case "projects_assigned_port_live_idx":
			return &repository.ConflictError{Field: "port", Value: strconv.Itoa(p.AssignedPort)}
		default:
			return &repository.ConflictError{Field: "id", Value: p.ID}
		}
	}
	return err
}
