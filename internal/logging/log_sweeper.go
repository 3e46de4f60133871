package logging

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const logSweepPeriod = time.Minute

var logSweepCancel context.CancelFunc

// startLogSweeperLocked launches the background sweep that keeps the log
// directory under maxTotalSizeMB. active names the file currently written by
// lumberjack; it is counted against the budget but never removed. Callers
// hold writerMu.
func startLogSweeperLocked(dir string, maxTotalSizeMB int, active string) {
	stopLogSweeperLocked()

	if maxTotalSizeMB <= 0 || strings.TrimSpace(dir) == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	logSweepCancel = cancel
	go sweepLogDir(ctx, filepath.Clean(dir), int64(maxTotalSizeMB)<<20, filepath.Clean(active))
}

func stopLogSweeperLocked() {
	if logSweepCancel != nil {
		logSweepCancel()
		logSweepCancel = nil
	}
}

func sweepLogDir(ctx context.Context, dir string, maxBytes int64, active string) {
	ticker := time.NewTicker(logSweepPeriod)
	defer ticker.Stop()

	for {
		if removed, err := trimLogDir(dir, maxBytes, active); err != nil {
			log.Warnf("logging: log directory sweep: %v", err)
		} else if removed > 0 {
			log.Debugf("logging: sweep removed %d rotated log file(s)", removed)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// trimLogDir deletes rotated log files, oldest first, until the directory
// fits within maxBytes. The active file survives regardless of age.
func trimLogDir(dir string, maxBytes int64, active string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	type rotated struct {
		path string
		size int64
		mod  time.Time
	}
	var (
		total      int64
		candidates []rotated
	)
	for _, entry := range entries {
		if entry.IsDir() || !hasLogSuffix(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		total += info.Size()
		path := filepath.Join(dir, entry.Name())
		if filepath.Clean(path) == active {
			continue
		}
		candidates = append(candidates, rotated{path: path, size: info.Size(), mod: info.ModTime()})
	}
	if total <= maxBytes {
		return 0, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mod.Before(candidates[j].mod) })

	removed := 0
	for _, c := range candidates {
		if total <= maxBytes {
			break
		}
		if errRemove := os.Remove(c.path); errRemove != nil {
			log.Warnf("logging: sweep remove %s: %v", filepath.Base(c.path), errRemove)
			continue
		}
		total -= c.size
		removed++
	}
	return removed, nil
}

func hasLogSuffix(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
