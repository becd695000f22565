package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anyllm/broker/internal/config"
)

func TestForPort_WritesJSONLineUnderPortFile(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(config.LogConfig{Dir: dir, RotateMinutes: 5, RetentionDays: 7})

	logger := r.ForPort(8787)
	logger.Info("hello", "requestId", "req-1")

	var found []string
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			found = append(found, path)
		}
		return nil
	})
	if len(found) != 1 {
		t.Fatalf("expected exactly one log file, got %+v", found)
	}
	b, err := os.ReadFile(found[0])
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !filepath.IsAbs(found[0]) {
		t.Fatalf("expected absolute path, got %s", found[0])
	}
	if len(b) == 0 {
		t.Fatal("expected a non-empty log line")
	}
}

func TestForPort_ReusesLoggerForSamePort(t *testing.T) {
	r := NewRegistry(config.LogConfig{Dir: t.TempDir()})
	a := r.ForPort(1)
	b := r.ForPort(1)
	if a != b {
		t.Fatal("expected ForPort to return the cached logger for a repeated port")
	}
}

func TestSweep_RemovesBucketsOlderThanRetention(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, time.Now().Add(-48*time.Hour).UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("mkdir stale bucket: %v", err)
	}

	w := newRotatingWriter(config.LogConfig{Dir: dir, RotateMinutes: 5, RetentionDays: 1}, 1)
	w.sweep(time.Now())

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale bucket to be swept, stat err: %v", err)
	}
}
