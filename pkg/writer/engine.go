// Package writer transfers an image onto a removable device.
//
// A write runs in its own goroutine and reports on a channel that ends with
// exactly one Completed or Failed event. The caller must drain it. The
// device lock is held until that terminal event has been delivered.
package writer

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/devlock"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/mount"
	"github.com/isoflash/isoflash/pkg/progress"
)

const (
	opWrite     = "write"
	eventBuffer = 16
)

// Target is the writable side of a raw transfer.
type Target interface {
	Write(p []byte) (int, error)
	Sync() error
	Close() error
}

// Engine executes writes.
type Engine struct {
	locks    *devlock.Registry
	mounts   mount.Manager
	observer progress.Observer
	now      func() time.Time
	open     func(path string) (Target, error)
}

// Option customises an Engine.
type Option func(*Engine)

// WithObserver reports transferred bytes and outcomes, e.g. to metrics.
func WithObserver(o progress.Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithClock replaces time.Now for throughput sampling.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTargetOpener replaces how raw targets are opened.
func WithTargetOpener(open func(path string) (Target, error)) Option {
	return func(e *Engine) { e.open = open }
}

// NewEngine creates an engine. mounts may be nil, in which case targets are
// neither unmounted nor formatted and image trees are read in process.
func NewEngine(locks *devlock.Registry, mounts mount.Manager, opts ...Option) *Engine {
	e := &Engine{
		locks:    locks,
		mounts:   mounts,
		observer: progress.NopObserver{},
		now:      time.Now,
		open:     openDevice,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Write starts writing imagePath onto target. The returned error is
// reserved for rejections made before the device is touched: invalid
// options and ErrAlreadyInProgress. Everything else arrives on the channel.
func (e *Engine) Write(ctx context.Context, imagePath string, target device.Descriptor, opts Options) (<-chan progress.Event, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	release, err := e.locks.TryAcquire(target.Path, opWrite)
	if err != nil {
		return nil, &TransferError{Op: opWrite, Path: target.Path, Reason: ErrAlreadyInProgress}
	}

	em := progress.NewEmitter(opWrite, eventBuffer)
	em.OnClose(release)

	go func() {
		start := e.now()
		slog.Info("write_start", "image", imagePath, "device", target.Path, "strategy", opts.Strategy, "buffer_size", opts.BufferSizeBytes)

		written, err := e.run(ctx, imagePath, target, opts, em)
		elapsed := e.now().Sub(start)
		e.observer.Finished(opWrite, err, elapsed)

		if err != nil {
			slog.Error("write_failed", "device", target.Path, "bytes_written", written, "error", err)
			em.Finish(err, "")
			return
		}
		slog.Info("write_complete", "device", target.Path, "bytes_written", written, "duration", elapsed.String())
		em.Finish(nil, "wrote "+device.FormatSize(written)+" to "+target.Path)
	}()

	return em.Events(), nil
}

// Run is Write followed by draining the events into sink.
func (e *Engine) Run(ctx context.Context, imagePath string, target device.Descriptor, opts Options, sink progress.Sink) error {
	events, err := e.Write(ctx, imagePath, target, opts)
	if err != nil {
		return err
	}
	return progress.Forward(context.Background(), events, sink)
}

func (e *Engine) run(ctx context.Context, imagePath string, target device.Descriptor, opts Options, em *progress.Emitter) (int64, error) {
	if err := e.prepare(ctx, target, opts, em); err != nil {
		return 0, err
	}

	if opts.IsTreeCopy() {
		return e.copyTree(ctx, imagePath, target, opts, em)
	}
	return e.writeRaw(ctx, imagePath, target, opts, em)
}

// prepare unmounts the target. Only the file-copy strategy formats: a raw
// image brings its own partition table and merging keeps the existing
// filesystem. Some platforms mount a freshly formatted volume on their own,
// so the disk is unmounted again before anything opens it.
func (e *Engine) prepare(ctx context.Context, target device.Descriptor, opts Options, em *progress.Emitter) error {
	if e.mounts == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return Cancelled(opWrite, target.Path, 0, err)
	}

	em.Statusf("unmounting %s", target.Path)
	if err := e.mounts.UnmountDisk(ctx, target.Path); err != nil {
		return TransferFailure(opWrite, target.Path, 0, err, ErrWriteFailed)
	}

	if opts.Strategy != StrategyCopy {
		return nil
	}

	em.Statusf("formatting %s as %s", target.Path, opts.formatOptions().Filesystem)
	if err := e.mounts.Format(ctx, target.Path, opts.formatOptions()); err != nil {
		return TransferFailure(opWrite, target.Path, 0, err, ErrWriteFailed)
	}
	if err := e.mounts.UnmountDisk(ctx, target.Path); err != nil {
		return TransferFailure(opWrite, target.Path, 0, err, ErrWriteFailed)
	}
	return nil
}

func openDevice(path string) (Target, error) {
	return OpenDevice(path, os.O_WRONLY)
}

// OpenDevice opens a target with flag. Device nodes are opened exclusively,
// so a second process writing the same disk fails with EBUSY, which
// classifies as ErrAlreadyInProgress.
func OpenDevice(path string, flag int) (*os.File, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Join(ErrDeviceRemoved, err)
		}
		return nil, err
	}
	f, err := os.OpenFile(path, openFlags(info, flag), 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Join(ErrDeviceRemoved, err)
		}
		return nil, err
	}
	return f, nil
}

func openFlags(info os.FileInfo, flag int) int {
	if info.Mode()&os.ModeDevice != 0 {
		return flag | os.O_EXCL
	}
	return flag
}
