package imagestore

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStore_SaveBase64(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 10)

	payload := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
	filename, err := s.SaveBase64(payload, "image/png")
	if err != nil {
		t.Fatalf("SaveBase64: %v", err)
	}
	if !strings.HasSuffix(filename, ".png") {
		t.Errorf("filename = %q", filename)
	}
	if strings.ContainsAny(filename, "/\\") {
		t.Errorf("filename %q must be a bare name", filename)
	}

	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if string(data) != "fake-png-bytes" {
		t.Errorf("stored bytes = %q", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d files, want 1 (no temp leftovers)", len(entries))
	}
}

func TestStore_SaveBase64DataURLPrefix(t *testing.T) {
	s := New(t.TempDir(), 10)

	payload := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpg"))
	filename, err := s.SaveBase64(payload, "image/jpeg")
	if err != nil {
		t.Fatalf("SaveBase64: %v", err)
	}
	if !strings.HasSuffix(filename, ".jpg") {
		t.Errorf("filename = %q", filename)
	}
}

func TestStore_UnknownMimeFallsBackToBin(t *testing.T) {
	s := New(t.TempDir(), 10)

	filename, err := s.SaveBase64(base64.StdEncoding.EncodeToString([]byte("x")), "application/octet-stream")
	if err != nil {
		t.Fatalf("SaveBase64: %v", err)
	}
	if !strings.HasSuffix(filename, ".bin") {
		t.Errorf("filename = %q, want .bin extension", filename)
	}
}

func TestStore_EmptyPayloadRejected(t *testing.T) {
	s := New(t.TempDir(), 10)
	if _, err := s.SaveBase64("   ", "image/png"); err == nil {
		t.Error("expected error for empty payload")
	}
	if _, err := s.SaveBase64("not base64 at all!!!", "image/png"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestStore_PruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 3)

	payload := base64.StdEncoding.EncodeToString([]byte("img"))
	var filenames []string
	for i := 0; i < 5; i++ {
		filename, err := s.SaveBase64(payload, "image/png")
		if err != nil {
			t.Fatalf("SaveBase64 %d: %v", i, err)
		}
		filenames = append(filenames, filename)
		// Spread modification times so prune ordering is deterministic.
		mod := time.Now().Add(time.Duration(i-5) * time.Minute)
		if err := os.Chtimes(filepath.Join(dir, filename), mod, mod); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d files after prune, want 3", len(entries))
	}
	// The newest file must survive.
	if _, err := os.Stat(filepath.Join(dir, filenames[len(filenames)-1])); err != nil {
		t.Errorf("newest file pruned: %v", err)
	}
}
