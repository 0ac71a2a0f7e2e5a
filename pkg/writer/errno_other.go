//go:build !linux && !darwin

package writer

import (
	"io/fs"

	"github.com/isoflash/isoflash/pkg/errors"
)

func isRemoval(err error) bool {
	return false
}

func isPermission(err error) bool {
	return errors.Is(err, fs.ErrPermission)
}

func isBusy(err error) bool {
	return false
}
