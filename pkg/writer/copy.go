package writer

import (
	"context"
	"io"
	"log/slog"

	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/progress"
)

// copyTree recreates the image's file tree on the target. Progress covers
// the combined size of all regular files.
func (e *Engine) copyTree(ctx context.Context, imagePath string, target device.Descriptor, opts Options, em *progress.Emitter) (written int64, err error) {
	em.Statusf("opening image tree")
	src, err := OpenSourceTree(ctx, e.mounts, imagePath)
	if err != nil {
		return 0, &TransferError{Op: opWrite, Path: imagePath, Reason: image.ErrReadFailure, Err: err}
	}
	defer func() {
		if cerr := src.Close(context.WithoutCancel(ctx)); cerr != nil {
			slog.Warn("image_tree_close_failed", "image", imagePath, "error", cerr)
		}
	}()

	dst, err := OpenTargetTree(ctx, e.mounts, target.Path, opts.Strategy, true)
	if err != nil {
		return 0, TransferFailure(opWrite, target.Path, 0, err, ErrWriteFailed)
	}
	defer func() {
		if cerr := dst.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = TransferFailure(opWrite, target.Path, written, cerr, ErrWriteFailed)
		}
	}()

	total := src.TotalSize()
	em.Statusf("copying %d entries (%s) to %s", len(src.Files()), device.FormatSize(total), target.Path)
	state := progress.NewState(opWrite, total, e.now)
	buf := make([]byte, opts.BufferSizeBytes)

	for _, f := range src.Files() {
		if cerr := ctx.Err(); cerr != nil {
			return written, Cancelled(opWrite, target.Path, written, cerr)
		}
		if f.Dir {
			if merr := dst.Mkdir(f.Path); merr != nil {
				return written, TransferFailure(opWrite, target.Path+":"+f.Path, written, merr, ErrWriteFailed)
			}
			continue
		}

		n, cerr := e.copyFile(ctx, f, dst, buf, state, em)
		written += n
		if cerr != nil {
			var te *TransferError
			if errors.As(cerr, &te) {
				te.Offset += written - n
			}
			return written, cerr
		}
	}

	if total == 0 {
		em.Emit(state.Advance(0))
	}
	return written, nil
}

func (e *Engine) copyFile(ctx context.Context, f SourceFile, dst TargetTree, buf []byte, state *progress.State, em *progress.Emitter) (written int64, err error) {
	name := "file " + f.Path

	in, err := f.Open()
	if err != nil {
		return 0, &TransferError{Op: opWrite, Path: name, Reason: image.ErrReadFailure, Err: err}
	}
	defer in.Close()

	out, err := dst.Create(f.Path)
	if err != nil {
		return 0, TransferFailure(opWrite, name, 0, err, ErrWriteFailed)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = TransferFailure(opWrite, name, written, cerr, ErrWriteFailed)
		}
	}()

	for {
		if cerr := ctx.Err(); cerr != nil {
			return written, Cancelled(opWrite, name, written, cerr)
		}

		n, rerr := io.ReadFull(in, buf)
		if n > 0 {
			w, werr := out.Write(buf[:n])
			if werr != nil || w < n {
				fail := writeFailure(name, written+int64(w), werr)
				return written + int64(w), fail
			}
			written += int64(n)
			e.observer.Transferred(opWrite, int64(n))
			em.Emit(state.Advance(int64(n)))
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return written, nil
		}
		if rerr != nil {
			return written, &TransferError{Op: opWrite, Path: name, Offset: written, Reason: image.ErrReadFailure, Err: rerr}
		}
	}
}
