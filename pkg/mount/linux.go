//go:build linux

package mount

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/sysexec"
)

// LinuxManager shells out to mount/umount/mkfs and talks to UDisks2 when a
// system bus is available.
type LinuxManager struct {
	runner     sysexec.Runner
	udisks     *udisksClient
	mountsPath string
}

// NewManager creates a Linux manager. A missing system bus is not an error;
// the command-line fallbacks are used instead.
func NewManager(runner sysexec.Runner) (Manager, error) {
	slog.Info("mount_manager_init", "platform", "linux")

	m := &LinuxManager{runner: runner, mountsPath: "/proc/self/mounts"}

	udisks, err := newUDisksClient()
	if err != nil {
		slog.Warn("udisks_unavailable", "error", err)
	} else {
		m.udisks = udisks
	}
	return m, nil
}

func (m *LinuxManager) MountImage(ctx context.Context, imagePath, mountPath string) error {
	slog.Info("mount_image", "image", imagePath, "mount_path", mountPath)

	if _, err := m.runner.Run(ctx, "mount", "-o", "loop,ro", imagePath, mountPath); err != nil {
		slog.Error("mount_image_failed", "image", imagePath, "mount_path", mountPath, "error", err)
		return errors.Wrap(err, "failed to mount image")
	}

	slog.Info("mount_complete", "mount_path", mountPath)
	return nil
}

func (m *LinuxManager) MountDevice(ctx context.Context, devicePath, mountPath string, writable bool) error {
	slog.Info("mount_device", "device_path", devicePath, "mount_path", mountPath, "writable", writable)

	mode := "ro"
	if writable {
		mode = "rw"
	}
	if _, err := m.runner.Run(ctx, "mount", "-o", mode, devicePath, mountPath); err != nil {
		slog.Error("mount_failed", "device_path", devicePath, "mount_path", mountPath, "error", err)
		return errors.Wrap(err, "failed to mount device")
	}

	slog.Info("mount_complete", "mount_path", mountPath)
	return nil
}

func (m *LinuxManager) Unmount(ctx context.Context, mountPath string) error {
	slog.Info("unmount_device", "mount_path", mountPath)

	if _, err := m.runner.Run(ctx, "umount", mountPath); err != nil {
		slog.Error("unmount_failed", "mount_path", mountPath, "error", err)
		return errors.Wrap(err, "failed to unmount device")
	}

	slog.Info("unmount_complete", "mount_path", mountPath)
	return nil
}

func (m *LinuxManager) UnmountDisk(ctx context.Context, diskPath string) error {
	if isRegularFile(diskPath) {
		return nil
	}

	entries, err := readMounts(m.mountsPath)
	if err != nil {
		return errors.Wrap(err, "failed to read mount table")
	}

	for _, e := range mountsOnDisk(entries, diskPath) {
		if m.udisks != nil {
			err := m.udisks.Unmount(ctx, e.Source)
			if err == nil {
				slog.Info("unmount_complete", "device_path", e.Source, "via", "udisks")
				continue
			}
			slog.Warn("udisks_unmount_failed", "device_path", e.Source, "error", err)
		}
		if err := m.Unmount(ctx, e.Mountpoint); err != nil {
			return err
		}
	}
	return nil
}

func (m *LinuxManager) Format(ctx context.Context, diskPath string, opts FormatOptions) error {
	opts = opts.normalize()
	if isRegularFile(diskPath) {
		return FormatImageFile(diskPath, opts)
	}

	name, args, err := mkfsCommand(diskPath, opts)
	if err != nil {
		return err
	}

	slog.Info("format_device", "device_path", diskPath, "filesystem", opts.Filesystem, "label", opts.Label)
	if _, err := m.runner.Run(ctx, name, args...); err != nil {
		slog.Error("device_format_failed", "device_path", diskPath, "error", err)
		return errors.Wrap(err, "failed to format device")
	}
	return nil
}

func (m *LinuxManager) Eject(ctx context.Context, diskPath string) error {
	if _, err := m.runner.Run(ctx, "sync"); err != nil {
		slog.Warn("sync_failed", "error", err)
	}

	if m.udisks != nil {
		err := m.udisks.PowerOff(ctx, diskPath)
		if err == nil {
			slog.Info("eject_complete", "device_path", diskPath, "via", "udisks")
			return nil
		}
		slog.Warn("udisks_power_off_failed", "device_path", diskPath, "error", err)
	}

	if _, err := m.runner.Run(ctx, "eject", diskPath); err != nil {
		slog.Error("eject_failed", "device_path", diskPath, "error", err)
		return errors.Wrap(err, "failed to eject device")
	}
	slog.Info("eject_complete", "device_path", diskPath, "via", "eject")
	return nil
}

func (m *LinuxManager) Close() error {
	if m.udisks != nil {
		return m.udisks.Close()
	}
	return nil
}

func mkfsCommand(diskPath string, opts FormatOptions) (string, []string, error) {
	switch strings.ToLower(opts.Filesystem) {
	case "fat32", "vfat":
		return "mkfs.vfat", []string{"-I", "-F", "32", "-n", opts.Label, diskPath}, nil
	case "exfat":
		return "mkfs.exfat", []string{"-n", opts.Label, diskPath}, nil
	case "ext4":
		return "mkfs.ext4", []string{"-F", "-L", opts.Label, diskPath}, nil
	}
	return "", nil, fmt.Errorf("unsupported filesystem %q", opts.Filesystem)
}
