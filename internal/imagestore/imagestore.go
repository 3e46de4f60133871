// Package imagestore persists generated images to local disk. The store is
// bounded: once it holds more than the configured number of images the
// oldest files are pruned. Callers turn the returned filenames into public
// URLs; the base differs per request.
package imagestore

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var mimeExtensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/webp": "webp",
}

// Store writes images under dir.
type Store struct {
	dir       string
	maxImages int

	now func() time.Time
}

// New creates a store. maxImages at or below zero disables pruning.
func New(dir string, maxImages int) *Store {
	return &Store{
		dir:       dir,
		maxImages: maxImages,
		now:       time.Now,
	}
}

// Dir returns the directory images are written to.
func (s *Store) Dir() string {
	return s.dir
}

// SaveBase64 decodes and persists a base64 image payload, returning the
// stored filename. Data URL prefixes are tolerated.
func (s *Store) SaveBase64(data, mimeType string) (string, error) {
	payload := strings.TrimSpace(data)
	if idx := strings.Index(payload, ","); idx >= 0 && strings.HasPrefix(strings.ToLower(payload), "data:image/") {
		payload = strings.TrimSpace(payload[idx+1:])
	}
	if payload == "" {
		return "", errors.New("imagestore: empty image payload")
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return "", fmt.Errorf("imagestore: decode payload: %w", err)
		}
	}

	ext, ok := mimeExtensions[strings.ToLower(mimeType)]
	if !ok {
		ext = "bin"
	}
	filename := fmt.Sprintf("%d_%s.%s", s.now().UnixMilli(), randomHex(8), ext)

	if errMkdir := os.MkdirAll(s.dir, 0o755); errMkdir != nil {
		return "", fmt.Errorf("imagestore: create %s: %w", s.dir, errMkdir)
	}

	target := filepath.Join(s.dir, filename)
	tmp := filepath.Join(s.dir, "."+filename+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("imagestore: create temp file: %w", err)
	}
	if _, errWrite := f.Write(raw); errWrite != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("imagestore: write image: %w", errWrite)
	}
	if errSync := f.Sync(); errSync != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("imagestore: sync image: %w", errSync)
	}
	if errClose := f.Close(); errClose != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("imagestore: close image: %w", errClose)
	}
	if errRename := os.Rename(tmp, target); errRename != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("imagestore: rename image: %w", errRename)
	}

	s.prune()
	return filename, nil
}

// prune removes the oldest files beyond the store bound. Failures are logged
// and ignored; pruning is best effort.
func (s *Store) prune() {
	if s.maxImages <= 0 {
		return
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Warnf("imagestore: prune: %v", err)
		return
	}

	type fileAge struct {
		name    string
		modTime time.Time
	}
	var files []fileAge
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil {
			continue
		}
		files = append(files, fileAge{name: entry.Name(), modTime: info.ModTime()})
	}
	if len(files) <= s.maxImages {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	for _, f := range files[s.maxImages:] {
		if errRemove := os.Remove(filepath.Join(s.dir, f.name)); errRemove != nil && !os.IsNotExist(errRemove) {
			log.Warnf("imagestore: prune %s: %v", f.name, errRemove)
		}
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
