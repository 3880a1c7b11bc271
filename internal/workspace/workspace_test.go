package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareCreatesFreshDirectory(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, err := m.Prepare("blog")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	again, err := m.Prepare("blog")
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if again != dir {
		t.Fatalf("expected same directory, got %s and %s", dir, again)
	}
	if _, err := os.Stat(filepath.Join(dir, "stale")); !os.IsNotExist(err) {
		t.Fatalf("expected stale file removed, got %v", err)
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := m.Cleanup(t.TempDir()); err == nil {
		t.Fatalf("expected refusal for path outside root")
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatalf("expected refusal for the root itself")
	}
	if _, err := m.Prepare("../escape"); err == nil {
		t.Fatalf("expected refusal for traversal")
	}
}

func TestExistsAndDockerfile(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, _ := m.Prepare("api")
	if m.Exists(dir) {
		t.Fatalf("expected no working copy yet")
	}
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if !m.Exists(dir) {
		t.Fatalf("expected working copy detected")
	}
	if err := EnsureDockerfile(dir); err == nil {
		t.Fatalf("expected missing dockerfile error")
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := EnsureDockerfile(dir); err != nil {
		t.Fatalf("expected dockerfile found, got %v", err)
	}
}
