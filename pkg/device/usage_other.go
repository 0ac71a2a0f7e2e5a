//go:build !linux && !darwin

package device

import (
	"fmt"
	"runtime"
)

// Usage is not supported on this platform.
func Usage(path string) (free, total uint64, err error) {
	return 0, 0, fmt.Errorf("filesystem usage not supported on %s", runtime.GOOS)
}
