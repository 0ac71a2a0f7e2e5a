//go:build linux || darwin

package device

import (
	"golang.org/x/sys/unix"

	"github.com/isoflash/isoflash/pkg/errors"
)

// Usage returns free and total bytes of the filesystem mounted at path.
func Usage(path string) (free, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, errors.Wrap(err, "statfs "+path)
	}
	bsize := uint64(st.Bsize)
	return st.Bavail * bsize, st.Blocks * bsize, nil
}
