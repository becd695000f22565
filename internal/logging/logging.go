// Package logging implements the per-port logger registry spec.md §9 asks
// for in place of a global logging singleton ("Logger-per-port... each is
// a process-wide mapping keyed by listening port. Re-implement as an
// explicit registry owned by the HTTP frame; pass handles into
// coordinators"). Every logger writes append-only, best-effort JSON lines
// (spec.md §6) into a directory that rotates every RotateMinutes and ages
// out entries past RetentionDays, the way the teacher's packages lean on
// log/slog throughout rather than a third-party logging framework.
package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/anyllm/broker/internal/config"
)

// Registry owns one *slog.Logger per listening port, lazily built on first
// use. Safe for concurrent use.
type Registry struct {
	cfg config.LogConfig

	mu      sync.Mutex
	loggers map[int]*slog.Logger
}

// NewRegistry builds a Registry rooted at cfg.Dir.
func NewRegistry(cfg config.LogConfig) *Registry {
	return &Registry{cfg: cfg, loggers: make(map[int]*slog.Logger)}
}

// ForPort returns the logger for port, building it on first call. Every
// record it emits carries a "port" attribute, matching the per-port
// isolation spec.md §9 asks for.
func (r *Registry) ForPort(port int) *slog.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loggers[port]; ok {
		return l
	}
	w := newRotatingWriter(r.cfg, port)
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})).With("port", port)
	r.loggers[port] = l
	return l
}

// rotatingWriter implements io.Writer over a directory of timestamped
// subdirectories, rotating into a new one every rotate interval and
// sweeping entries older than retain on each rotation (spec.md §6: "Log
// directory rotated every 5 minutes into timestamped subdirectories;
// retention configurable"). Writes never return an error to the caller —
// slog.Logger silently drops the handler's error either way, and spec.md
// §9 asks for "non-blocking best-effort on write failure" — so a failed
// open or write here is swallowed rather than surfaced.
type rotatingWriter struct {
	dir    string
	port   int
	rotate time.Duration
	retain time.Duration

	mu          sync.Mutex
	bucketStart time.Time
	file        *os.File
}

func newRotatingWriter(cfg config.LogConfig, port int) *rotatingWriter {
	rotate := time.Duration(cfg.RotateMinutes) * time.Minute
	if rotate <= 0 {
		rotate = 5 * time.Minute
	}
	retain := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	if retain <= 0 {
		retain = 7 * 24 * time.Hour
	}
	dir := cfg.Dir
	if dir == "" {
		dir = defaultLogDir()
	}
	return &rotatingWriter{dir: dir, port: port, rotate: rotate, retain: retain}
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".route-claudecode/logs"
	}
	return filepath.Join(home, ".route-claudecode", "logs")
}

func (w *rotatingWriter) bucketFor(t time.Time) time.Time {
	return t.Truncate(w.rotate)
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	bucket := w.bucketFor(now)
	if w.file == nil || !bucket.Equal(w.bucketStart) {
		if w.file != nil {
			w.file.Close()
		}
		f, err := w.openBucket(bucket)
		if err != nil {
			// Best-effort: drop the line rather than block or error out the
			// caller's logger.
			return len(p), nil
		}
		w.file = f
		w.bucketStart = bucket
		go w.sweep(now)
	}

	if _, err := w.file.Write(p); err != nil {
		return len(p), nil
	}
	return len(p), nil
}

func (w *rotatingWriter) openBucket(bucket time.Time) (*os.File, error) {
	subdir := filepath.Join(w.dir, bucket.UTC().Format("20060102T150405Z"))
	if err := os.MkdirAll(subdir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(subdir, "port-"+strconv.Itoa(w.port)+".log")
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// sweep removes rotation subdirectories older than retain, run once per
// rotation rather than per write so it doesn't add latency to the hot path.
func (w *rotatingWriter) sweep(now time.Time) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	cutoff := now.Add(-w.retain)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := time.Parse("20060102T150405Z", e.Name())
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			os.RemoveAll(filepath.Join(w.dir, e.Name()))
		}
	}
}
