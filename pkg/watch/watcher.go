// Package watch reports image files appearing in watched directories.
package watch

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/sysexec"
)

const (
	BackendNative  = "native"
	BackendFSWatch = "fswatch"

	DefaultStopTimeout    = 5 * time.Second
	DefaultSettleInterval = time.Second
)

var (
	ErrAlreadyWatching = errors.New("watcher is already running")
	ErrStopTimeout     = errors.New("watcher did not stop in time")
)

// DefaultExtensions are matched case-insensitively.
var DefaultExtensions = []string{".iso"}

// ChangeKind classifies a filesystem change.
type ChangeKind string

const (
	Created ChangeKind = "Created"
	Renamed ChangeKind = "Renamed"
	Updated ChangeKind = "Updated"
	Removed ChangeKind = "Removed"
	Other   ChangeKind = "Other"
)

// Change is one record produced by a backend.
type Change struct {
	Path string
	Kind ChangeKind
}

// Config selects the backend and filtering.
type Config struct {
	Backend     string
	Extensions  []string
	StopTimeout time.Duration
	// InitialScan reports files already present when watching starts.
	InitialScan bool
	// SettleInterval is how often a new file's size is polled. It is
	// reported once two polls agree, so downloads in progress are skipped
	// until they finish.
	SettleInterval time.Duration
}

// Watcher runs one backend in the background.
type Watcher struct {
	cfg     Config
	runner  sysexec.Runner
	command func(ctx context.Context, name string, args ...string) *exec.Cmd

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	seen   map[string]bool

	// foundMu serialises onFound across settling files.
	foundMu sync.Mutex
}

// New creates a watcher. runner is used to locate fswatch.
func New(cfg Config, runner sysexec.Runner) *Watcher {
	if cfg.Backend == "" {
		cfg.Backend = BackendNative
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = DefaultSettleInterval
	}
	return &Watcher{cfg: cfg, runner: runner, command: exec.CommandContext}
}

// Watch starts watching paths in the background and returns. onFound is
// called from a watcher goroutine, never concurrently, once per distinct
// path per session and only after the file has stopped growing.
// If the mechanism is unavailable a warning is logged and the watcher
// stays idle; this is not an error.
func (w *Watcher) Watch(ctx context.Context, paths []string, onFound func(string)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return ErrAlreadyWatching
	}

	existing := existingDirs(paths)
	if len(existing) == 0 {
		slog.Warn("watch_no_directories", "paths", paths)
		return nil
	}

	w.seen = make(map[string]bool)
	runCtx, cancel := context.WithCancel(ctx)
	var settling sync.WaitGroup
	report := func(c Change) {
		if c.Kind != Created && c.Kind != Renamed {
			return
		}
		if !HasExtension(c.Path, w.cfg.Extensions) || !isRegularFile(c.Path) {
			return
		}
		w.mu.Lock()
		dup := w.seen[c.Path]
		w.seen[c.Path] = true
		w.mu.Unlock()
		if dup {
			return
		}
		settling.Add(1)
		go func() {
			defer settling.Done()
			w.settle(runCtx, c, onFound)
		}()
	}

	var run func(ctx context.Context, paths []string, report func(Change)) error
	switch w.cfg.Backend {
	case BackendFSWatch:
		if _, err := w.runner.LookPath("fswatch"); err != nil {
			slog.Warn("watch_unavailable", "backend", BackendFSWatch, "error", err)
			cancel()
			return nil
		}
		run = w.runFSWatch
	default:
		native, err := newNative(existing)
		if err != nil {
			slog.Warn("watch_unavailable", "backend", BackendNative, "error", err)
			cancel()
			return nil
		}
		run = native.run
	}

	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done

	go func() {
		defer close(done)
		defer settling.Wait()
		if w.cfg.InitialScan {
			found, _ := Scan(existing, w.cfg.Extensions)
			for _, p := range found {
				report(Change{Path: p, Kind: Created})
			}
		}
		slog.Info("watch_started", "backend", w.cfg.Backend, "paths", existing)
		if err := run(runCtx, existing, report); err != nil && runCtx.Err() == nil {
			slog.Error("watch_failed", "backend", w.cfg.Backend, "error", err)
		}
		slog.Info("watch_stopped", "backend", w.cfg.Backend)
	}()
	return nil
}

// settle polls c.Path until its size holds still for one interval, then
// reports it. A file that disappears first is forgotten so a later copy can
// be reported.
func (w *Watcher) settle(ctx context.Context, c Change, onFound func(string)) {
	ticker := time.NewTicker(w.cfg.SettleInterval)
	defer ticker.Stop()

	last := int64(-1)
	for {
		info, err := os.Stat(c.Path)
		if err != nil || !info.Mode().IsRegular() {
			w.mu.Lock()
			delete(w.seen, c.Path)
			w.mu.Unlock()
			slog.Debug("image_vanished", "path", c.Path)
			return
		}
		if info.Size() == last {
			break
		}
		last = info.Size()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	w.foundMu.Lock()
	defer w.foundMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	slog.Info("image_found", "path", c.Path, "change", c.Kind, "size", last)
	onFound(c.Path)
}

// Stop cancels the background task and waits up to the configured timeout.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	// The fswatch child gets its own timeout before being killed, so allow
	// for that on top of ours.
	select {
	case <-done:
		return nil
	case <-time.After(2 * w.cfg.StopTimeout):
		slog.Error("watch_stop_timeout", "timeout", w.cfg.StopTimeout.String())
		return ErrStopTimeout
	}
}

// Running reports whether a session is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// HasExtension reports whether the base name ends with one of exts,
// ignoring case.
func HasExtension(path string, exts []string) bool {
	name := strings.ToLower(filepath.Base(path))
	for _, ext := range exts {
		if strings.HasSuffix(name, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func existingDirs(paths []string) []string {
	var result []string
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			result = append(result, p)
		}
	}
	return result
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
