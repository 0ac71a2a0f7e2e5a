// Package mount wraps the OS utilities that mount, unmount, format and
// eject removable media.
package mount

import "context"

// FormatOptions select the filesystem written by Format.
type FormatOptions struct {
	// Filesystem is one of FilesystemFAT32, FilesystemExFAT or FilesystemExt4.
	Filesystem string
	Label      string
}

// Manager mounts images and prepares target devices.
type Manager interface {
	// MountImage attaches an image read-only at mountPath
	MountImage(ctx context.Context, imagePath, mountPath string) error

	// MountDevice mounts a device or partition at mountPath, read-only
	// unless writable is set
	MountDevice(ctx context.Context, devicePath, mountPath string, writable bool) error

	// Unmount detaches whatever is mounted at mountPath
	Unmount(ctx context.Context, mountPath string) error

	// UnmountDisk unmounts every mounted partition of a whole disk
	UnmountDisk(ctx context.Context, diskPath string) error

	// Format creates a fresh filesystem on a whole disk
	Format(ctx context.Context, diskPath string, opts FormatOptions) error

	// Eject flushes and powers off a disk
	Eject(ctx context.Context, diskPath string) error

	// Close releases bus connections
	Close() error
}
