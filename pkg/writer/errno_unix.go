//go:build linux || darwin

package writer

import (
	"io/fs"

	"golang.org/x/sys/unix"

	"github.com/isoflash/isoflash/pkg/errors"
)

func isRemoval(err error) bool {
	return errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENXIO) || errors.Is(err, unix.EIO)
}

func isPermission(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EROFS)
}

func isBusy(err error) bool {
	return errors.Is(err, unix.EBUSY)
}
