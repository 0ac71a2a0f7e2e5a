package watch

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/isoflash/isoflash/pkg/sysexec"
)

type collector struct {
	mu    sync.Mutex
	paths []string
	ch    chan string
}

func newCollector() *collector {
	return &collector{ch: make(chan string, 16)}
}

func (c *collector) found(p string) {
	c.mu.Lock()
	c.paths = append(c.paths, p)
	c.mu.Unlock()
	c.ch <- p
}

func (c *collector) wait(t *testing.T) string {
	t.Helper()
	select {
	case p := <-c.ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a found image")
		return ""
	}
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseFSWatchRecord(t *testing.T) {
	tests := []struct {
		record string
		want   Change
		ok     bool
	}{
		{"/tmp/a.iso Created IsFile", Change{"/tmp/a.iso", Created}, true},
		{"/tmp/my image.iso Renamed IsFile\n", Change{"/tmp/my image.iso", Renamed}, true},
		{"/tmp/a.iso Updated IsFile Created", Change{"/tmp/a.iso", Created}, true},
		{"/tmp/a.iso Removed IsFile", Change{"/tmp/a.iso", Removed}, true},
		{"/tmp/a.iso", Change{"/tmp/a.iso", Other}, true},
		{"/tmp/Created", Change{"/tmp/Created", Other}, true},
		{"", Change{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.record, func(t *testing.T) {
			got, ok := parseFSWatchRecord(tt.record)
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseFSWatchRecord(%q) = %+v, %v, want %+v, %v", tt.record, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestHasExtension(t *testing.T) {
	tests := []struct {
		path string
		exts []string
		want bool
	}{
		{"/a/b.iso", DefaultExtensions, true},
		{"/a/B.ISO", DefaultExtensions, true},
		{"/a/b.iso.part", DefaultExtensions, false},
		{"/a/b.img", []string{".iso", ".IMG"}, true},
		{"/a/iso", DefaultExtensions, false},
	}

	for _, tt := range tests {
		if got := HasExtension(tt.path, tt.exts); got != tt.want {
			t.Errorf("HasExtension(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestWatchNative_ReportsNewImage(t *testing.T) {
	dir := t.TempDir()
	w := New(Config{SettleInterval: 20 * time.Millisecond}, &sysexec.FakeRunner{})
	c := newCollector()

	if err := w.Watch(context.Background(), []string{dir}, c.found); err != nil {
		t.Fatal(err)
	}
	if !w.Running() {
		t.Skip("native watcher unavailable on this host")
	}
	defer w.Stop()

	touch(t, filepath.Join(dir, "notes.txt"))
	target := filepath.Join(dir, "ubuntu.iso")
	touch(t, target)

	if got := c.wait(t); got != target {
		t.Errorf("found %q, want %q", got, target)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop() = %v", err)
	}
	if w.Running() {
		t.Error("watcher still running after Stop")
	}
}

func TestWatch_InitialScan(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "old.iso")
	touch(t, existing)

	w := New(Config{InitialScan: true, SettleInterval: 20 * time.Millisecond}, &sysexec.FakeRunner{})
	c := newCollector()
	if err := w.Watch(context.Background(), []string{dir}, c.found); err != nil {
		t.Fatal(err)
	}
	if !w.Running() {
		t.Skip("native watcher unavailable on this host")
	}
	defer w.Stop()

	if got := c.wait(t); got != existing {
		t.Errorf("found %q, want %q", got, existing)
	}
}

func TestWatch_FSWatchUnavailableStaysIdle(t *testing.T) {
	w := New(Config{Backend: BackendFSWatch}, &sysexec.FakeRunner{})

	if err := w.Watch(context.Background(), []string{t.TempDir()}, func(string) {}); err != nil {
		t.Fatalf("Watch() = %v, want nil", err)
	}
	if w.Running() {
		t.Error("watcher running without fswatch")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop() on idle watcher = %v", err)
	}
}

func TestWatch_NoDirectoriesStaysIdle(t *testing.T) {
	w := New(Config{}, &sysexec.FakeRunner{})
	missing := filepath.Join(t.TempDir(), "missing")

	if err := w.Watch(context.Background(), []string{missing}, func(string) {}); err != nil {
		t.Fatalf("Watch() = %v, want nil", err)
	}
	if w.Running() {
		t.Error("watcher running with no directories")
	}
}

func TestWatchFSWatch_DedupAndStop(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	image := filepath.Join(dir, "debian 12.iso")
	touch(t, image)
	touch(t, filepath.Join(dir, "readme.txt"))

	script := `printf '%s Created IsFile\0' "$1/readme.txt" "$1/debian 12.iso" "$1/debian 12.iso" "$1/gone.iso"; ` +
		`printf '%s Removed IsFile\0' "$1/debian 12.iso"; exec sleep 30`

	runner := &sysexec.FakeRunner{Paths: map[string]string{"fswatch": "/usr/bin/fswatch"}}
	w := New(Config{Backend: BackendFSWatch, StopTimeout: time.Second, SettleInterval: 20 * time.Millisecond}, runner)
	w.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script, "fswatch", dir)
	}

	c := newCollector()
	if err := w.Watch(context.Background(), []string{dir}, c.found); err != nil {
		t.Fatal(err)
	}
	if got := c.wait(t); got != image {
		t.Errorf("found %q, want %q", got, image)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if got := c.snapshot(); !reflect.DeepEqual(got, []string{image}) {
		t.Errorf("found = %v, want exactly one report", got)
	}
}

func TestWatchFSWatch_StopKillsChildIgnoringTERM(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	image := filepath.Join(dir, "arch.iso")
	touch(t, image)
	// The record is printed after the trap is installed, so by the time it
	// is reported SIGTERM is already ignored by the process that stays.
	script := `trap '' TERM; printf '%s Created IsFile\0' "$1/arch.iso"; exec sleep 30`

	const stopTimeout = 300 * time.Millisecond
	runner := &sysexec.FakeRunner{Paths: map[string]string{"fswatch": "/usr/bin/fswatch"}}
	w := New(Config{Backend: BackendFSWatch, StopTimeout: stopTimeout, SettleInterval: 20 * time.Millisecond}, runner)
	var child *exec.Cmd
	w.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		child = exec.CommandContext(ctx, "sh", "-c", script, "fswatch", dir)
		return child
	}

	c := newCollector()
	if err := w.Watch(context.Background(), []string{dir}, c.found); err != nil {
		t.Fatal(err)
	}
	if got := c.wait(t); got != image {
		t.Fatalf("found %q, want %q", got, image)
	}

	start := time.Now()
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < stopTimeout {
		t.Errorf("Stop() took %v; the child should have outlived SIGTERM for %v", elapsed, stopTimeout)
	}
	if elapsed > 2*stopTimeout+200*time.Millisecond {
		t.Errorf("Stop() took %v, want about %v", elapsed, 2*stopTimeout)
	}
	if child.ProcessState == nil {
		t.Fatal("child was never reaped")
	}
	if err := child.Process.Signal(syscall.Signal(0)); !errors.Is(err, os.ErrProcessDone) {
		t.Errorf("child still alive after Stop: %v", err)
	}
}

func TestWatch_DownloadReportedOnceComplete(t *testing.T) {
	dir := t.TempDir()
	w := New(Config{SettleInterval: 100 * time.Millisecond}, &sysexec.FakeRunner{})

	sizes := make(chan int64, 4)
	if err := w.Watch(context.Background(), []string{dir}, func(p string) {
		info, err := os.Stat(p)
		if err == nil {
			sizes <- info.Size()
		}
	}); err != nil {
		t.Fatal(err)
	}
	if !w.Running() {
		t.Skip("native watcher unavailable on this host")
	}
	defer w.Stop()

	path := filepath.Join(dir, "fedora.iso")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	chunk := make([]byte, 4096)
	for i := 0; i < 15; i++ {
		if _, err := f.Write(chunk); err != nil {
			t.Fatal(err)
		}
		time.Sleep(30 * time.Millisecond)
	}
	f.Close()
	want := int64(15 * len(chunk))

	select {
	case got := <-sizes:
		if got != want {
			t.Errorf("reported at %d bytes, want the finished %d", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("finished download never reported")
	}

	select {
	case got := <-sizes:
		t.Errorf("reported twice, second at %d bytes", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatch_AlreadyWatching(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	runner := &sysexec.FakeRunner{Paths: map[string]string{"fswatch": "/usr/bin/fswatch"}}
	w := New(Config{Backend: BackendFSWatch, StopTimeout: time.Second}, runner)
	w.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "exec sleep 30")
	}

	if err := w.Watch(context.Background(), []string{dir}, func(string) {}); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.Watch(context.Background(), []string{dir}, func(string) {}); err != ErrAlreadyWatching {
		t.Errorf("second Watch() = %v, want ErrAlreadyWatching", err)
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a.iso"))
	touch(t, filepath.Join(root, "nested", "deeper", "B.ISO"))
	touch(t, filepath.Join(root, "nested", "c.txt"))
	if err := os.MkdirAll(filepath.Join(root, "folder.iso"), 0o755); err != nil {
		t.Fatal(err)
	}
	other := t.TempDir()
	touch(t, filepath.Join(other, "z.iso"))

	got, err := Scan([]string{root, filepath.Join(root, "missing"), other}, nil)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		filepath.Join(root, "a.iso"),
		filepath.Join(root, "nested", "deeper", "B.ISO"),
		filepath.Join(other, "z.iso"),
	}
	sort.Strings(want)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Scan() = %v, want %v", got, want)
	}
}
