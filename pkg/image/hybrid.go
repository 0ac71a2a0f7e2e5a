package image

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/sysexec"
)

var (
	ErrHybridToolMissing = errors.New("isohybrid not found (install syslinux-utils)")
	ErrHybridFailed      = errors.New("image is still not hybrid after conversion")
)

// ConvertToHybrid writes an isohybrid MBR into the image so that a raw
// write of it boots from USB. isohybrid runs on a copy next to the image,
// which replaces the original only once the copy carries a partition table.
// An image that is already hybrid is left untouched.
func ConvertToHybrid(ctx context.Context, runner sysexec.Runner, path string, uefi bool) error {
	f, err := os.Open(path)
	if err != nil {
		return &IntegrityError{Path: path, Err: errors.Join(ErrReadFailure, err)}
	}
	header, err := readHeader(f)
	hybrid := err == nil && isHybrid(f)
	f.Close()
	if err != nil {
		return &IntegrityError{Path: path, Err: errors.Join(ErrReadFailure, err)}
	}
	if !hasSignature(header) {
		return &IntegrityError{Path: path, Err: ErrNotAnImage}
	}
	if hybrid {
		slog.Info("image_already_hybrid", "path", path)
		return nil
	}

	if _, err := runner.LookPath("isohybrid"); err != nil {
		return errors.Join(ErrHybridToolMissing, err)
	}

	tmp, err := copyAlongside(path)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	args := []string{tmp}
	if uefi {
		args = []string{"--uefi", tmp}
	}
	slog.Info("image_hybrid_convert", "path", path, "uefi", uefi)
	if _, err := runner.Run(ctx, "isohybrid", args...); err != nil {
		return errors.Wrap(err, "isohybrid failed")
	}

	converted, err := os.Open(tmp)
	if err != nil {
		return errors.Wrap(err, "failed to reopen converted image")
	}
	ok := isHybrid(converted)
	converted.Close()
	if !ok {
		return ErrHybridFailed
	}

	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "failed to replace image")
	}
	slog.Info("image_hybrid_converted", "path", path)
	return nil
}

func copyAlongside(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open image")
	}
	defer src.Close()

	dst, err := os.CreateTemp(filepath.Dir(path), ".isoflash-hybrid-*.iso")
	if err != nil {
		return "", errors.Wrap(err, "failed to create working copy")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", errors.Wrap(err, "failed to copy image")
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", errors.Wrap(err, "failed to copy image")
	}
	return dst.Name(), nil
}
