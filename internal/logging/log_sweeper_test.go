package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func seedLogFile(t *testing.T, dir, name string, size int, ageMinutes int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	mod := time.Now().Add(-time.Duration(ageMinutes) * time.Minute)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func TestTrimLogDirRemovesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	oldest := seedLogFile(t, dir, "main-2026-08-01.log.gz", 60, 30)
	middle := seedLogFile(t, dir, "main-2026-08-10.log", 60, 20)
	active := seedLogFile(t, dir, "main.log", 60, 10)

	removed, err := trimLogDir(dir, 120, filepath.Clean(active))
	if err != nil {
		t.Fatalf("trimLogDir: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d files, want 1", removed)
	}
	if _, err := os.Stat(oldest); !os.IsNotExist(err) {
		t.Errorf("oldest rotation should be gone, stat: %v", err)
	}
	for _, path := range []string{middle, active} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("%s should survive: %v", filepath.Base(path), err)
		}
	}
}

func TestTrimLogDirSparesActiveFile(t *testing.T) {
	dir := t.TempDir()
	// The active file alone blows the budget; only the rotation may go.
	active := seedLogFile(t, dir, "main.log", 200, 60)
	rotation := seedLogFile(t, dir, "main-2026-08-20.log", 50, 5)

	removed, err := trimLogDir(dir, 100, filepath.Clean(active))
	if err != nil {
		t.Fatalf("trimLogDir: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d files, want 1", removed)
	}
	if _, err := os.Stat(active); err != nil {
		t.Errorf("active file must never be swept: %v", err)
	}
	if _, err := os.Stat(rotation); !os.IsNotExist(err) {
		t.Errorf("rotation should be gone, stat: %v", err)
	}
}

func TestTrimLogDirUnderBudgetIsNoop(t *testing.T) {
	dir := t.TempDir()
	seedLogFile(t, dir, "main.log", 30, 10)
	seedLogFile(t, dir, "main-2026-08-15.log", 30, 20)

	removed, err := trimLogDir(dir, 100, filepath.Join(dir, "main.log"))
	if err != nil {
		t.Fatalf("trimLogDir: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed %d files under budget, want 0", removed)
	}
}

func TestTrimLogDirIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	foreign := seedLogFile(t, dir, "notes.txt", 500, 60)

	removed, err := trimLogDir(dir, 100, filepath.Join(dir, "main.log"))
	if err != nil {
		t.Fatalf("trimLogDir: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed %d files, want 0", removed)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Errorf("non-log file must not be touched: %v", err)
	}
}

func TestTrimLogDirMissingDirectory(t *testing.T) {
	removed, err := trimLogDir(filepath.Join(t.TempDir(), "absent"), 100, "")
	if err != nil {
		t.Fatalf("missing directory should not error: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed %d files, want 0", removed)
	}
}

func TestHasLogSuffix(t *testing.T) {
	for name, want := range map[string]bool{
		"main.log":         true,
		"main-old.LOG":     true,
		"main-old.log.gz":  true,
		"main.log.gz.part": false,
		"notes.txt":        false,
		"":                 false,
	} {
		if got := hasLogSuffix(name); got != want {
			t.Errorf("hasLogSuffix(%q) = %v, want %v", name, got, want)
		}
	}
}
