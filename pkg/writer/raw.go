package writer

import (
	"context"
	"io"
	"os"

	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/progress"
)

func (e *Engine) writeRaw(ctx context.Context, imagePath string, target device.Descriptor, opts Options, em *progress.Emitter) (written int64, err error) {
	src, err := os.Open(imagePath)
	if err != nil {
		return 0, &TransferError{Op: opWrite, Path: imagePath, Reason: image.ErrReadFailure, Err: err}
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, &TransferError{Op: opWrite, Path: imagePath, Reason: image.ErrReadFailure, Err: err}
	}

	dst, err := e.open(target.Path)
	if err != nil {
		return 0, TransferFailure(opWrite, target.Path, 0, err, ErrWriteFailed)
	}
	defer func() {
		if cerr := dst.Close(); cerr != nil && err == nil {
			err = TransferFailure(opWrite, target.Path, written, cerr, ErrWriteFailed)
		}
	}()

	em.Statusf("writing %s to %s", device.FormatSize(info.Size()), target.Path)
	state := progress.NewState(opWrite, info.Size(), e.now)
	buf := make([]byte, opts.BufferSizeBytes)

	for {
		if cerr := ctx.Err(); cerr != nil {
			return written, Cancelled(opWrite, target.Path, written, cerr)
		}

		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			if werr != nil || w < n {
				return written + int64(w), writeFailure(target.Path, written+int64(w), werr)
			}
			written += int64(n)
			e.observer.Transferred(opWrite, int64(n))
			em.Emit(state.Advance(int64(n)))
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return written, &TransferError{Op: opWrite, Path: imagePath, Offset: written, Reason: image.ErrReadFailure, Err: rerr}
		}
	}

	if state.TotalBytes == 0 {
		em.Emit(state.Advance(0))
	}

	em.Statusf("flushing %s", target.Path)
	if serr := dst.Sync(); serr != nil {
		return written, TransferFailure(opWrite, target.Path, written, serr, ErrWriteFailed)
	}
	return written, nil
}

// writeFailure maps a failed or short Write.
func writeFailure(path string, offset int64, err error) *TransferError {
	if err == nil || err == io.ErrShortWrite {
		return &TransferError{Op: opWrite, Path: path, Offset: offset, Reason: ErrShortWrite, Err: err}
	}
	return TransferFailure(opWrite, path, offset, err, ErrWriteFailed)
}
