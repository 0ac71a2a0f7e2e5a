package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/isoflash/isoflash/pkg/devlock"
	"github.com/isoflash/isoflash/pkg/progress"
	"github.com/isoflash/isoflash/pkg/writer"
)

func populate(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestEngine(free, total uint64) *Engine {
	e := NewEngine(devlock.NewRegistry(), nil)
	e.now = func() time.Time { return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC) }
	e.usage = func(string) (uint64, uint64, error) { return free, total, nil }
	return e
}

func TestBackupAndRestore(t *testing.T) {
	files := map[string]string{
		"notes.txt":          "remember the milk",
		"photos/2025/a.jpg":  string(make([]byte, 3000)),
		"photos/2025/b.jpg":  string(make([]byte, 5000)),
		"empty/dir/file.bin": "",
	}
	drive := t.TempDir()
	populate(t, drive, files)

	e := newTestEngine(1<<30, 8<<30)
	var events []progress.Event
	m, err := e.Backup(context.Background(), drive, t.TempDir(), func(ev progress.Event) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("Backup() = %v", err)
	}

	if m.FileCount != 4 || m.UsedBytes != 8017 || m.TotalBytes != 8<<30 || m.Device != drive {
		t.Errorf("manifest = %+v", m)
	}
	if filepath.Base(m.Dir) != "usb-backup-20260314-150926" {
		t.Errorf("backup dir %s", m.Dir)
	}
	last := events[len(events)-1]
	if last.Op != opBackup || last.Kind != progress.KindCompleted {
		t.Errorf("last event = %v", last)
	}

	saved, err := ReadManifest(m.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if saved.UsedBytes != m.UsedBytes || saved.FileCount != m.FileCount || !saved.Date.Equal(m.Date) {
		t.Errorf("saved manifest %+v, want %+v", saved, m)
	}

	fresh := t.TempDir()
	if _, err := e.Restore(context.Background(), m.Dir, fresh, nil); err != nil {
		t.Fatalf("Restore() = %v", err)
	}
	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(fresh, filepath.FromSlash(name)))
		if err != nil || string(got) != want {
			t.Errorf("%s restored as %d bytes, err %v", name, len(got), err)
		}
	}
	if _, err := os.Stat(filepath.Join(fresh, ManifestName)); !os.IsNotExist(err) {
		t.Error("manifest should not be restored onto the drive")
	}
}

func TestBackup_Failures(t *testing.T) {
	drive := t.TempDir()
	populate(t, drive, map[string]string{"big.bin": string(make([]byte, 4096))})

	t.Run("destination too small", func(t *testing.T) {
		_, err := newTestEngine(100, 1<<30).Backup(context.Background(), drive, t.TempDir(), nil)
		if !errors.Is(err, ErrInsufficientSpace) {
			t.Errorf("Backup() = %v, want ErrInsufficientSpace", err)
		}
	})

	t.Run("drive busy", func(t *testing.T) {
		e := newTestEngine(1<<30, 1<<30)
		release, err := e.locks.TryAcquire(drive, "write")
		if err != nil {
			t.Fatal(err)
		}
		defer release()
		if _, err := e.Backup(context.Background(), drive, t.TempDir(), nil); !errors.Is(err, writer.ErrAlreadyInProgress) {
			t.Errorf("Backup() = %v, want ErrAlreadyInProgress", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		e := newTestEngine(1<<30, 1<<30)
		if _, err := e.Backup(ctx, drive, t.TempDir(), nil); !errors.Is(err, writer.ErrCancelled) {
			t.Errorf("Backup() = %v, want ErrCancelled", err)
		}
		if held := e.locks.Held(); len(held) != 0 {
			t.Errorf("lock still held: %v", held)
		}
	})

	t.Run("missing drive", func(t *testing.T) {
		_, err := newTestEngine(1<<30, 1<<30).Backup(context.Background(), filepath.Join(drive, "nope"), t.TempDir(), nil)
		if !errors.Is(err, writer.ErrDeviceRemoved) {
			t.Errorf("Backup() = %v, want ErrDeviceRemoved", err)
		}
	})
}

func TestRestore_Failures(t *testing.T) {
	t.Run("not a backup", func(t *testing.T) {
		_, err := newTestEngine(1<<30, 1<<30).Restore(context.Background(), t.TempDir(), t.TempDir(), nil)
		if !errors.Is(err, ErrNotABackup) {
			t.Errorf("Restore() = %v, want ErrNotABackup", err)
		}
	})

	t.Run("target too small", func(t *testing.T) {
		drive := t.TempDir()
		populate(t, drive, map[string]string{"a.bin": string(make([]byte, 4096))})
		e := newTestEngine(1<<30, 1<<30)
		m, err := e.Backup(context.Background(), drive, t.TempDir(), nil)
		if err != nil {
			t.Fatal(err)
		}

		e.usage = func(string) (uint64, uint64, error) { return 0, 1024, nil }
		if _, err := e.Restore(context.Background(), m.Dir, t.TempDir(), nil); !errors.Is(err, ErrInsufficientSpace) {
			t.Errorf("Restore() = %v, want ErrInsufficientSpace", err)
		}
	})
}
