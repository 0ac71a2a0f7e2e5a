// Package verify compares a written target against its source image.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/devlock"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/mount"
	"github.com/isoflash/isoflash/pkg/progress"
	"github.com/isoflash/isoflash/pkg/writer"
)

const (
	opVerify    = "verify"
	eventBuffer = 16
)

// ErrMismatch is matched by every *MismatchError.
var ErrMismatch = errors.New("target does not match image")

// MismatchError reports the first differing byte. Offset is counted from
// the start of the image for raw writes and cumulatively across the file
// walk for tree strategies, where File names the differing file.
type MismatchError struct {
	Path      string
	File      string
	Offset    int64
	Truncated bool
}

func (e *MismatchError) Error() string {
	what := "first difference"
	if e.Truncated {
		what = "target ends"
	}
	if e.File != "" {
		return fmt.Sprintf("verify %s: %s at offset %d in %s", e.Path, what, e.Offset, e.File)
	}
	return fmt.Sprintf("verify %s: %s at offset %d", e.Path, what, e.Offset)
}

func (e *MismatchError) Unwrap() error { return ErrMismatch }

// Engine runs verifications. It shares the device lock registry with the
// write engine, so a device is never written and verified at once.
type Engine struct {
	locks    *devlock.Registry
	mounts   mount.Manager
	observer progress.Observer
	now      func() time.Time
}

// NewEngine creates an engine. mounts may be nil.
func NewEngine(locks *devlock.Registry, mounts mount.Manager, observer progress.Observer) *Engine {
	if observer == nil {
		observer = progress.NopObserver{}
	}
	return &Engine{locks: locks, mounts: mounts, observer: observer, now: time.Now}
}

// Verify starts comparing target against imagePath in opts.BufferSizeBytes
// chunks. Like writer.Engine.Write, only lock and option problems are
// returned directly.
func (e *Engine) Verify(ctx context.Context, imagePath string, target device.Descriptor, opts writer.Options) (<-chan progress.Event, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	release, err := e.locks.TryAcquire(target.Path, opVerify)
	if err != nil {
		return nil, &writer.TransferError{Op: opVerify, Path: target.Path, Reason: writer.ErrAlreadyInProgress}
	}

	em := progress.NewEmitter(opVerify, eventBuffer)
	em.OnClose(release)

	go func() {
		start := e.now()
		slog.Info("verify_start", "image", imagePath, "device", target.Path, "strategy", opts.Strategy)

		var checked int64
		var err error
		if opts.IsTreeCopy() {
			checked, err = e.verifyTree(ctx, imagePath, target, opts, em)
		} else {
			checked, err = e.verifyRaw(ctx, imagePath, target, opts, em)
		}
		e.observer.Finished(opVerify, err, e.now().Sub(start))

		if err != nil {
			slog.Error("verify_failed", "device", target.Path, "bytes_checked", checked, "error", err)
			em.Finish(err, "")
			return
		}
		slog.Info("verify_complete", "device", target.Path, "bytes_checked", checked)
		em.Finish(nil, "verified "+device.FormatSize(checked)+" on "+target.Path)
	}()

	return em.Events(), nil
}

// Run verifies synchronously, forwarding events to sink (which may be nil).
func (e *Engine) Run(ctx context.Context, imagePath string, target device.Descriptor, opts writer.Options, sink progress.Sink) error {
	events, err := e.Verify(ctx, imagePath, target, opts)
	if err != nil {
		return err
	}
	return progress.Forward(context.Background(), events, sink)
}

func (e *Engine) verifyRaw(ctx context.Context, imagePath string, target device.Descriptor, opts writer.Options, em *progress.Emitter) (int64, error) {
	src, err := os.Open(imagePath)
	if err != nil {
		return 0, &writer.TransferError{Op: opVerify, Path: imagePath, Reason: image.ErrReadFailure, Err: err}
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, &writer.TransferError{Op: opVerify, Path: imagePath, Reason: image.ErrReadFailure, Err: err}
	}

	dst, err := writer.OpenDevice(target.Path, os.O_RDONLY)
	if err != nil {
		return 0, writer.TransferFailure(opVerify, target.Path, 0, err, image.ErrReadFailure)
	}
	defer dst.Close()

	em.Statusf("verifying %s against %s", target.Path, imagePath)
	state := progress.NewState(opVerify, info.Size(), e.now)
	c := &comparer{
		ctx:      ctx,
		path:     target.Path,
		want:     make([]byte, opts.BufferSizeBytes),
		got:      make([]byte, opts.BufferSizeBytes),
		state:    state,
		em:       em,
		observer: e.observer,
	}

	if err := c.compare(src, dst, ""); err != nil {
		return c.offset, err
	}
	if state.TotalBytes == 0 {
		em.Emit(state.Advance(0))
	}
	return c.offset, nil
}

func (e *Engine) verifyTree(ctx context.Context, imagePath string, target device.Descriptor, opts writer.Options, em *progress.Emitter) (int64, error) {
	src, err := writer.OpenSourceTree(ctx, e.mounts, imagePath)
	if err != nil {
		return 0, &writer.TransferError{Op: opVerify, Path: imagePath, Reason: image.ErrReadFailure, Err: err}
	}
	defer src.Close(context.WithoutCancel(ctx))

	dst, err := writer.OpenTargetTree(ctx, e.mounts, target.Path, opts.Strategy, false)
	if err != nil {
		return 0, writer.TransferFailure(opVerify, target.Path, 0, err, image.ErrReadFailure)
	}
	defer dst.Close(context.WithoutCancel(ctx))

	em.Statusf("verifying %d entries on %s", len(src.Files()), target.Path)
	state := progress.NewState(opVerify, src.TotalSize(), e.now)
	c := &comparer{
		ctx:      ctx,
		path:     target.Path,
		want:     make([]byte, opts.BufferSizeBytes),
		got:      make([]byte, opts.BufferSizeBytes),
		state:    state,
		em:       em,
		observer: e.observer,
	}

	for _, f := range src.Files() {
		if f.Dir {
			continue
		}
		if err := c.compareFile(f, dst); err != nil {
			return c.offset, err
		}
	}
	if state.TotalBytes == 0 {
		em.Emit(state.Advance(0))
	}
	return c.offset, nil
}

// comparer reads two streams in lockstep. offset is cumulative across every
// stream compared with it.
type comparer struct {
	ctx      context.Context
	path     string
	want     []byte
	got      []byte
	offset   int64
	state    *progress.State
	em       *progress.Emitter
	observer progress.Observer
}

func (c *comparer) compareFile(f writer.SourceFile, dst writer.TargetTree) error {
	in, err := f.Open()
	if err != nil {
		return &writer.TransferError{Op: opVerify, Path: f.Path, Offset: c.offset, Reason: image.ErrReadFailure, Err: err}
	}
	defer in.Close()

	out, err := dst.Open(f.Path)
	if err != nil {
		slog.Warn("verify_file_missing", "file", f.Path, "error", err)
		return &MismatchError{Path: c.path, File: f.Path, Offset: c.offset, Truncated: true}
	}
	defer out.Close()

	return c.compare(in, out, f.Path)
}

func (c *comparer) compare(want, got io.Reader, file string) error {
	for {
		if err := c.ctx.Err(); err != nil {
			return writer.Cancelled(opVerify, c.path, c.offset, err)
		}

		n, rerr := io.ReadFull(want, c.want)
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return &writer.TransferError{Op: opVerify, Path: file, Offset: c.offset, Reason: image.ErrReadFailure, Err: rerr}
		}
		if n == 0 {
			return nil
		}

		m, gerr := io.ReadFull(got, c.got[:n])
		if gerr != nil && gerr != io.EOF && gerr != io.ErrUnexpectedEOF {
			return writer.TransferFailure(opVerify, c.path, c.offset+int64(m), gerr, image.ErrReadFailure)
		}

		if i := firstDifference(c.want[:m], c.got[:m]); i >= 0 {
			return &MismatchError{Path: c.path, File: file, Offset: c.offset + int64(i)}
		}
		if m < n {
			return &MismatchError{Path: c.path, File: file, Offset: c.offset + int64(m), Truncated: true}
		}

		c.offset += int64(n)
		c.observer.Transferred(opVerify, int64(n))
		c.em.Emit(c.state.Advance(int64(n)))

		if rerr != nil {
			return nil
		}
	}
}

func firstDifference(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return -1
}
