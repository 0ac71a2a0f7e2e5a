package health

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/devlock"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/progress"
	"github.com/isoflash/isoflash/pkg/writer"
)

// flakySource fails reads starting at the listed offsets.
type flakySource struct {
	size int64
	bad  map[int64]bool
}

func (f *flakySource) ReadAt(p []byte, off int64) (int, error) {
	if f.bad[off] {
		return 0, syscall.EIO
	}
	if off >= f.size {
		return 0, io.EOF
	}
	n := len(p)
	if rem := f.size - off; rem < int64(n) {
		n = int(rem)
		return n, io.EOF
	}
	return n, nil
}

func (f *flakySource) Close() error { return nil }

func newFlakyScanner(src *flakySource) *Scanner {
	s := NewScanner(devlock.NewRegistry(), nil)
	s.open = func(string) (source, error) { return src, nil }
	return s
}

func TestScan_FileIsHealthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 3*MinChunkSize+100), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewScanner(devlock.NewRegistry(), nil)
	var events []progress.Event
	report, err := s.Run(context.Background(), device.Descriptor{Path: path, SizeBytes: device.SizeUnknown},
		Options{ChunkSize: MinChunkSize}, func(ev progress.Event) { events = append(events, ev) })
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if !report.Healthy() {
		t.Errorf("report not healthy: %+v", report)
	}
	if report.SizeBytes != 3*MinChunkSize+100 || report.BytesScanned != report.SizeBytes {
		t.Errorf("size=%d scanned=%d", report.SizeBytes, report.BytesScanned)
	}

	var progressEvents int
	for _, ev := range events {
		if ev.Kind == progress.KindProgress {
			progressEvents++
		}
	}
	if progressEvents != 4 {
		t.Errorf("progress events = %d, want 4", progressEvents)
	}
	last := events[len(events)-1]
	if last.Kind != progress.KindCompleted || !strings.Contains(last.Message, "0 bad blocks") {
		t.Errorf("last event = %+v", last)
	}
}

func TestScan_RecordsBadBlocks(t *testing.T) {
	chunk := MinChunkSize
	src := &flakySource{size: 8 * chunk, bad: map[int64]bool{2 * chunk: true, 5 * chunk: true}}

	report, err := newFlakyScanner(src).Run(context.Background(),
		device.Descriptor{Path: "/dev/sdz", SizeBytes: 8 * chunk}, Options{ChunkSize: chunk}, nil)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if report.Healthy() {
		t.Error("report unexpectedly healthy")
	}
	if len(report.BadBlocks) != 2 || report.BadBlocks[0].Offset != 2*chunk || report.BadBlocks[1].Offset != 5*chunk {
		t.Errorf("bad blocks = %+v", report.BadBlocks)
	}
	if report.BytesScanned != 6*chunk {
		t.Errorf("bytes scanned = %d, want %d", report.BytesScanned, 6*chunk)
	}
}

func TestScan_MaxBadBlocks(t *testing.T) {
	chunk := MinChunkSize
	src := &flakySource{size: 8 * chunk, bad: map[int64]bool{0: true, chunk: true, 2 * chunk: true}}

	_, err := newFlakyScanner(src).Run(context.Background(),
		device.Descriptor{Path: "/dev/sdz", SizeBytes: 8 * chunk}, Options{ChunkSize: chunk, MaxBadBlocks: 2}, nil)
	if !errors.Is(err, ErrTooManyBadBlocks) {
		t.Errorf("Run() = %v, want ErrTooManyBadBlocks", err)
	}
}

func TestScan_ShorterThanReported(t *testing.T) {
	chunk := MinChunkSize
	src := &flakySource{size: 2*chunk + 10}

	report, err := newFlakyScanner(src).Run(context.Background(),
		device.Descriptor{Path: "/dev/sdz", SizeBytes: 4 * chunk}, Options{ChunkSize: chunk}, nil)
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if report.SizeBytes != 2*chunk+10 || report.BytesScanned != 2*chunk+10 {
		t.Errorf("size=%d scanned=%d", report.SizeBytes, report.BytesScanned)
	}
}

func TestScan_SharesDeviceLock(t *testing.T) {
	locks := devlock.NewRegistry()
	release, err := locks.TryAcquire("/dev/sdz", "write")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	s := NewScanner(locks, nil)
	_, err = s.Scan(context.Background(), device.Descriptor{Path: "/dev/sdz"}, DefaultOptions())
	if !errors.Is(err, writer.ErrAlreadyInProgress) {
		t.Errorf("Scan() = %v, want ErrAlreadyInProgress", err)
	}
}

func TestScan_CancelledReleasesLock(t *testing.T) {
	locks := devlock.NewRegistry()
	s := NewScanner(locks, nil)
	s.open = func(string) (source, error) { return &flakySource{size: 64 * MinChunkSize}, nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Run(ctx, device.Descriptor{Path: "/dev/sdz", SizeBytes: 64 * MinChunkSize}, Options{ChunkSize: MinChunkSize}, nil)
	if !errors.Is(err, writer.ErrCancelled) {
		t.Errorf("Run() = %v, want ErrCancelled", err)
	}
	if _, held := locks.Holder("/dev/sdz"); held {
		t.Error("lock still held after cancelled scan")
	}
}

func TestScan_InvalidOptionsAndMissingDevice(t *testing.T) {
	s := NewScanner(devlock.NewRegistry(), nil)

	if _, err := s.Scan(context.Background(), device.Descriptor{Path: "/dev/sdz"}, Options{ChunkSize: 1}); !errors.Is(err, writer.ErrInvalidOptions) {
		t.Errorf("Scan(chunk=1) = %v, want ErrInvalidOptions", err)
	}

	missing := filepath.Join(t.TempDir(), "gone")
	_, err := s.Run(context.Background(), device.Descriptor{Path: missing}, DefaultOptions(), nil)
	if !errors.Is(err, writer.ErrDeviceRemoved) {
		t.Errorf("Run(missing) = %v, want ErrDeviceRemoved", err)
	}
}
