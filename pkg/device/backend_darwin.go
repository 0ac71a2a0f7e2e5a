//go:build darwin

package device

import "github.com/isoflash/isoflash/pkg/sysexec"

func newPlatformBackend(runner sysexec.Runner) Backend {
	return NewDiskutilBackend(runner)
}
