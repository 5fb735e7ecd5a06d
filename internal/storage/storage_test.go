package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCaseStore_Upload(t *testing.T) {
	store, err := NewCaseStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.Upload("cavity", "system/controlDict", []byte("startTime 0;")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dir, err := store.CaseDir("cavity")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "system", "controlDict"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "startTime 0;" {
		t.Errorf("unexpected content: %s", data)
	}
}

func TestCaseStore_UploadEscape(t *testing.T) {
	store, _ := NewCaseStore(t.TempDir())

	err := store.Upload("cavity", "../outside.txt", []byte("x"))
	if !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
}

func TestCaseStore_ResolveEscape(t *testing.T) {
	store, _ := NewCaseStore(t.TempDir())

	if _, err := store.CaseDir("../elsewhere"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
	if _, err := store.CaseDir(""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath for empty path, got %v", err)
	}
	if _, err := store.CaseDir("/tmp/other"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath for foreign absolute path, got %v", err)
	}
}

func TestCaseStore_ResultsDir(t *testing.T) {
	store, _ := NewCaseStore(t.TempDir())

	if _, err := store.ResultsDir("cavity"); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("expected ErrCaseNotFound, got %v", err)
	}

	if _, err := store.EnsureCaseDir("cavity"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dir, err := store.ResultsDir("cavity")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(dir) != "results" {
		t.Errorf("expected results dir, got %s", dir)
	}
}
