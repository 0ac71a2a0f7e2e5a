//go:build darwin

package mount

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/sysexec"
)

// DarwinManager drives hdiutil and diskutil.
type DarwinManager struct {
	runner sysexec.Runner

	mu     sync.Mutex
	images map[string]bool
}

// NewManager creates a macOS manager.
func NewManager(runner sysexec.Runner) (Manager, error) {
	slog.Info("mount_manager_init", "platform", "darwin")
	return &DarwinManager{runner: runner, images: make(map[string]bool)}, nil
}

func (m *DarwinManager) MountImage(ctx context.Context, imagePath, mountPath string) error {
	slog.Info("mount_image", "image", imagePath, "mount_path", mountPath)

	if _, err := m.runner.Run(ctx, "hdiutil", "attach", "-readonly", "-nobrowse", "-mountpoint", mountPath, imagePath); err != nil {
		slog.Error("mount_image_failed", "image", imagePath, "mount_path", mountPath, "error", err)
		return errors.Wrap(err, "failed to attach image")
	}

	m.mu.Lock()
	m.images[mountPath] = true
	m.mu.Unlock()
	return nil
}

func (m *DarwinManager) MountDevice(ctx context.Context, devicePath, mountPath string, writable bool) error {
	slog.Info("mount_device", "device_path", devicePath, "mount_path", mountPath, "writable", writable)

	args := []string{"mount"}
	if !writable {
		args = append(args, "readOnly")
	}
	args = append(args, "-mountPoint", mountPath, devicePath)
	if _, err := m.runner.Run(ctx, "diskutil", args...); err != nil {
		slog.Error("mount_failed", "device_path", devicePath, "mount_path", mountPath, "error", err)
		return errors.Wrap(err, "failed to mount device")
	}
	return nil
}

func (m *DarwinManager) Unmount(ctx context.Context, mountPath string) error {
	slog.Info("unmount_device", "mount_path", mountPath)

	m.mu.Lock()
	image := m.images[mountPath]
	delete(m.images, mountPath)
	m.mu.Unlock()

	var err error
	if image {
		_, err = m.runner.Run(ctx, "hdiutil", "detach", mountPath)
	} else {
		_, err = m.runner.Run(ctx, "diskutil", "unmount", mountPath)
	}
	if err != nil {
		slog.Error("unmount_failed", "mount_path", mountPath, "error", err)
		return errors.Wrap(err, "failed to unmount")
	}
	return nil
}

func (m *DarwinManager) UnmountDisk(ctx context.Context, diskPath string) error {
	if isRegularFile(diskPath) {
		return nil
	}
	if _, err := m.runner.Run(ctx, "diskutil", "unmountDisk", diskPath); err != nil {
		slog.Error("unmount_disk_failed", "device_path", diskPath, "error", err)
		return errors.Wrap(err, "failed to unmount disk")
	}
	return nil
}

func (m *DarwinManager) Format(ctx context.Context, diskPath string, opts FormatOptions) error {
	opts = opts.normalize()
	if isRegularFile(diskPath) {
		return FormatImageFile(diskPath, opts)
	}

	personality := "MS-DOS FAT32"
	switch strings.ToLower(opts.Filesystem) {
	case "exfat":
		personality = "ExFAT"
	case "ext4":
		return errors.New("ext4 cannot be created by diskutil")
	}

	slog.Info("format_device", "device_path", diskPath, "filesystem", personality, "label", opts.Label)
	if _, err := m.runner.Run(ctx, "diskutil", "eraseDisk", personality, opts.Label, "MBRFormat", diskPath); err != nil {
		slog.Error("device_format_failed", "device_path", diskPath, "error", err)
		return errors.Wrap(err, "failed to format device")
	}
	return nil
}

func (m *DarwinManager) Eject(ctx context.Context, diskPath string) error {
	if _, err := m.runner.Run(ctx, "diskutil", "eject", diskPath); err != nil {
		slog.Error("eject_failed", "device_path", diskPath, "error", err)
		return errors.Wrap(err, "failed to eject device")
	}
	slog.Info("eject_complete", "device_path", diskPath)
	return nil
}

func (m *DarwinManager) Close() error {
	return nil
}
