package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns project working copies under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the workspace root.
func (m *Manager) Root() string { return m.root }

// Path returns the working copy location for a project name.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.root, name)
}

// Prepare creates an empty working copy directory for name, replacing any
// leftover directory from a previous project of the same name.
func (m *Manager) Prepare(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	dir := m.Path(name)
	if err := m.guard(dir); err != nil {
		return "", err
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Exists reports whether dir holds a git working copy.
func (m *Manager) Exists(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if err := m.guard(path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// EnsureDockerfile verifies the working copy can be built by compose.
func EnsureDockerfile(dir string) error {
	for _, name := range []string{"Dockerfile", "dockerfile"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && !info.IsDir() {
			return nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("check dockerfile: %w", err)
		}
	}
	return fmt.Errorf("dockerfile not found in repository root (expected Dockerfile)")
}

// guard only allows paths strictly inside the configured root.
func (m *Manager) guard(path string) error {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to touch path outside workspace root")
	}
	return nil
}
