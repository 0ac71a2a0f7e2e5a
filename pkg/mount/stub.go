//go:build !linux && !darwin

package mount

import (
	"context"
	"fmt"
	"runtime"

	"github.com/isoflash/isoflash/pkg/sysexec"
)

// StubManager is used on platforms without mount support.
type StubManager struct{}

// NewManager creates a stub manager.
func NewManager(runner sysexec.Runner) (Manager, error) {
	return &StubManager{}, nil
}

func (m *StubManager) MountImage(ctx context.Context, imagePath, mountPath string) error {
	return fmt.Errorf("mount not supported on %s", runtime.GOOS)
}

func (m *StubManager) MountDevice(ctx context.Context, devicePath, mountPath string, writable bool) error {
	return fmt.Errorf("mount not supported on %s", runtime.GOOS)
}

func (m *StubManager) Unmount(ctx context.Context, mountPath string) error {
	return fmt.Errorf("unmount not supported on %s", runtime.GOOS)
}

func (m *StubManager) UnmountDisk(ctx context.Context, diskPath string) error {
	if isRegularFile(diskPath) {
		return nil
	}
	return fmt.Errorf("unmount not supported on %s", runtime.GOOS)
}

func (m *StubManager) Format(ctx context.Context, diskPath string, opts FormatOptions) error {
	if isRegularFile(diskPath) {
		return FormatImageFile(diskPath, opts)
	}
	return fmt.Errorf("format not supported on %s", runtime.GOOS)
}

func (m *StubManager) Eject(ctx context.Context, diskPath string) error {
	return fmt.Errorf("eject not supported on %s", runtime.GOOS)
}

func (m *StubManager) Close() error {
	return nil
}
