package migrate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewUsesEmbeddedMigrations(t *testing.T) {
	r, err := New("postgres://localhost/hostd", "", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	files, err := r.Files()
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) == 0 || filepath.Base(files[0]) != "00001_projects.sql" {
		t.Fatalf("expected embedded migrations, got %v", files)
	}
}

func TestNewWithDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "00001_init.sql"), []byte("-- +goose Up\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := New("postgres://localhost/hostd", dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	files, err := r.Files()
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one migration, got %v", files)
	}
}

func TestNewValidatesInput(t *testing.T) {
	if _, err := New("", "", nil); err == nil {
		t.Fatalf("expected empty dsn error")
	}
	if _, err := New("postgres://localhost/hostd", filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Fatalf("expected missing dir error")
	}
}
