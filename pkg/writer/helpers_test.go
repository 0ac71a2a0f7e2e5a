package writer

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kdomanski/iso9660"

	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/progress"
)

func randomFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func emptyTarget(t *testing.T) device.Descriptor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.img")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	return device.Descriptor{Path: path, IsRemovable: true, SizeBytes: device.SizeUnknown}
}

func buildISO(t *testing.T, files map[string]string) string {
	t.Helper()
	w, err := iso9660.NewWriter()
	if err != nil {
		t.Fatalf("new iso writer: %v", err)
	}
	defer w.Cleanup()

	for name, content := range files {
		if err := w.AddFile(bytes.NewReader([]byte(content)), name); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	path := filepath.Join(t.TempDir(), "tree.iso")
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	if err := w.WriteTo(out, "TREE"); err != nil {
		t.Fatalf("write iso: %v", err)
	}
	return path
}

func collect(events <-chan progress.Event) []progress.Event {
	var all []progress.Event
	for ev := range events {
		all = append(all, ev)
	}
	return all
}

// fakeClock advances one second per call.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type scriptedTarget struct {
	write func(p []byte) (int, error)
}

func (s *scriptedTarget) Write(p []byte) (int, error) { return s.write(p) }
func (s *scriptedTarget) Sync() error                 { return nil }
func (s *scriptedTarget) Close() error                { return nil }
