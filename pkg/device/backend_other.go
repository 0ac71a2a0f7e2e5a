//go:build !linux && !darwin

package device

import (
	"context"
	"fmt"
	"runtime"

	"github.com/isoflash/isoflash/pkg/sysexec"
)

// StubBackend reports that enumeration is unsupported.
type StubBackend struct{}

func newPlatformBackend(runner sysexec.Runner) Backend {
	return StubBackend{}
}

func (StubBackend) Name() string { return "stub" }

func (StubBackend) Disks(ctx context.Context) ([]RawDisk, error) {
	return nil, fmt.Errorf("device enumeration not supported on %s", runtime.GOOS)
}

func (StubBackend) SizeSources() []SizeSource { return nil }

func (StubBackend) BootDisks(ctx context.Context) ([]string, error) {
	return nil, ErrBootDiskUnknown
}
