// Package health runs a read-only surface scan of a removable device.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/devlock"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/progress"
	"github.com/isoflash/isoflash/pkg/writer"
)

const (
	opHealth    = "health"
	eventBuffer = 16

	DefaultChunkSize int64 = 1 << 20
	MinChunkSize     int64 = 4096
)

// ErrTooManyBadBlocks stops a scan once Options.MaxBadBlocks is exceeded.
var ErrTooManyBadBlocks = errors.New("too many unreadable blocks")

// Options tunes a scan.
type Options struct {
	ChunkSize int64 `json:"chunk_size" mapstructure:"chunk_size"`
	// MaxBadBlocks aborts the scan when exceeded; zero scans everything.
	MaxBadBlocks int `json:"max_bad_blocks" mapstructure:"max_bad_blocks"`
}

// DefaultOptions returns 1 MiB chunks and no bad block limit.
func DefaultOptions() Options {
	return Options{ChunkSize: DefaultChunkSize}
}

// BadBlock is one chunk that could not be read.
type BadBlock struct {
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Error  string `json:"error"`
}

// Report is the outcome of a scan.
type Report struct {
	Path           string        `json:"path"`
	SizeBytes      int64         `json:"size_bytes"`
	BytesScanned   int64         `json:"bytes_scanned"`
	BadBlocks      []BadBlock    `json:"bad_blocks"`
	Elapsed        time.Duration `json:"elapsed"`
	BytesPerSecond float64       `json:"bytes_per_second"`
}

// Healthy reports a complete scan with no unreadable blocks.
func (r *Report) Healthy() bool {
	return len(r.BadBlocks) == 0 && r.BytesScanned == r.SizeBytes
}

func (r *Report) String() string {
	return fmt.Sprintf("%s: scanned %s of %s, %d bad blocks, %s",
		r.Path, humanize.IBytes(uint64(r.BytesScanned)), humanize.IBytes(uint64(r.SizeBytes)),
		len(r.BadBlocks), progress.FormatSpeed(r.BytesPerSecond))
}

type source interface {
	io.ReaderAt
	io.Closer
}

// Scanner reads devices. It takes the same per-device lock as writes and
// verifications.
type Scanner struct {
	locks    *devlock.Registry
	observer progress.Observer
	now      func() time.Time
	open     func(path string) (source, error)
}

// NewScanner creates a scanner. observer may be nil.
func NewScanner(locks *devlock.Registry, observer progress.Observer) *Scanner {
	if observer == nil {
		observer = progress.NopObserver{}
	}
	return &Scanner{
		locks:    locks,
		observer: observer,
		now:      time.Now,
		open:     func(path string) (source, error) { return os.Open(path) },
	}
}

// Job is a running scan.
type Job struct {
	events <-chan progress.Event
	report *Report
}

// Events must be drained.
func (j *Job) Events() <-chan progress.Event { return j.events }

// Report is complete once the terminal event has been received.
func (j *Job) Report() *Report { return j.report }

// Scan starts reading target in the background.
func (s *Scanner) Scan(ctx context.Context, target device.Descriptor, opts Options) (*Job, error) {
	if opts.ChunkSize < MinChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d below minimum %d", writer.ErrInvalidOptions, opts.ChunkSize, MinChunkSize)
	}

	release, err := s.locks.TryAcquire(target.Path, opHealth)
	if err != nil {
		return nil, &writer.TransferError{Op: opHealth, Path: target.Path, Reason: writer.ErrAlreadyInProgress}
	}

	em := progress.NewEmitter(opHealth, eventBuffer)
	em.OnClose(release)
	job := &Job{events: em.Events(), report: &Report{Path: target.Path}}

	go func() {
		start := s.now()
		slog.Info("health_scan_start", "device", target.Path, "chunk_size", opts.ChunkSize)

		err := s.scan(ctx, target, opts, job.report, em)
		job.report.Elapsed = s.now().Sub(start)
		if secs := job.report.Elapsed.Seconds(); secs > 0 {
			job.report.BytesPerSecond = float64(job.report.BytesScanned) / secs
		}
		s.observer.Finished(opHealth, err, job.report.Elapsed)

		if err != nil {
			slog.Error("health_scan_failed", "device", target.Path, "bytes_scanned", job.report.BytesScanned, "error", err)
			em.Finish(err, "")
			return
		}
		slog.Info("health_scan_complete", "device", target.Path,
			"bad_blocks", len(job.report.BadBlocks), "bytes_per_second", job.report.BytesPerSecond)
		em.Finish(nil, job.report.String())
	}()

	return job, nil
}

// Run scans synchronously, forwarding events to sink (which may be nil).
func (s *Scanner) Run(ctx context.Context, target device.Descriptor, opts Options, sink progress.Sink) (*Report, error) {
	job, err := s.Scan(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	err = progress.Forward(context.Background(), job.Events(), sink)
	return job.Report(), err
}

func (s *Scanner) scan(ctx context.Context, target device.Descriptor, opts Options, report *Report, em *progress.Emitter) error {
	src, err := s.open(target.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = errors.Join(writer.ErrDeviceRemoved, err)
		}
		return writer.TransferFailure(opHealth, target.Path, 0, err, image.ErrReadFailure)
	}
	defer src.Close()

	size := target.SizeBytes
	if size <= 0 {
		if size, err = sizeOf(src); err != nil {
			return writer.TransferFailure(opHealth, target.Path, 0, err, image.ErrReadFailure)
		}
	}
	report.SizeBytes = size

	em.Statusf("scanning %s (%s)", target.Path, device.FormatSize(size))
	state := progress.NewState(opHealth, size, s.now)
	buf := make([]byte, opts.ChunkSize)

	for offset := int64(0); offset < size; {
		if err := ctx.Err(); err != nil {
			return writer.Cancelled(opHealth, target.Path, offset, err)
		}

		chunk := buf
		if remaining := size - offset; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}

		n, err := src.ReadAt(chunk, offset)
		if err != nil && !(errors.Is(err, io.EOF) && n == len(chunk)) {
			if errors.Is(err, io.EOF) {
				// Device is shorter than reported.
				report.BytesScanned += int64(n)
				em.Emit(state.Advance(int64(n)))
				report.SizeBytes = offset + int64(n)
				return nil
			}
			slog.Warn("health_bad_block", "device", target.Path, "offset", offset, "error", err)
			report.BadBlocks = append(report.BadBlocks, BadBlock{Offset: offset, Length: int64(len(chunk)), Error: err.Error()})
			if opts.MaxBadBlocks > 0 && len(report.BadBlocks) > opts.MaxBadBlocks {
				return fmt.Errorf("%w: %d on %s", ErrTooManyBadBlocks, len(report.BadBlocks), target.Path)
			}
		} else {
			report.BytesScanned += int64(len(chunk))
		}

		offset += int64(len(chunk))
		s.observer.Transferred(opHealth, int64(len(chunk)))
		em.Emit(state.Advance(int64(len(chunk))))
	}

	if size == 0 {
		em.Emit(state.Advance(0))
	}
	return nil
}

func sizeOf(src source) (int64, error) {
	seeker, ok := src.(io.Seeker)
	if !ok {
		return 0, errors.New("device size unknown")
	}
	size, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "failed to determine device size")
	}
	return size, nil
}
