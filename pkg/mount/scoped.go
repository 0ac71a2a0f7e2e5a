package mount

import (
	"context"
	"log/slog"
	"os"

	"github.com/isoflash/isoflash/pkg/errors"
)

// Scoped is a mount living in its own temporary directory.
type Scoped struct {
	Dir     string
	manager Manager
	done    bool
}

// MountImageTemp mounts an image read-only into a fresh temporary directory.
// Release must be called on every exit path.
func MountImageTemp(ctx context.Context, m Manager, imagePath string) (*Scoped, error) {
	dir, err := os.MkdirTemp("", TempDirPattern)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temp mount directory")
	}

	if err := m.MountImage(ctx, imagePath, dir); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &Scoped{Dir: dir, manager: m}, nil
}

// MountDeviceTemp mounts a device or partition into a fresh temporary
// directory. Release must be called on every exit path.
func MountDeviceTemp(ctx context.Context, m Manager, devicePath string, writable bool) (*Scoped, error) {
	dir, err := os.MkdirTemp("", TempDirPattern)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temp mount directory")
	}

	if err := m.MountDevice(ctx, devicePath, dir, writable); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &Scoped{Dir: dir, manager: m}, nil
}

// Release unmounts and removes the directory. It is safe to call twice.
func (s *Scoped) Release(ctx context.Context) error {
	if s == nil || s.done {
		return nil
	}
	s.done = true

	if err := s.manager.Unmount(ctx, s.Dir); err != nil {
		slog.Error("scoped_unmount_failed", "dir", s.Dir, "error", err)
		return err
	}
	if err := os.Remove(s.Dir); err != nil {
		return errors.Wrap(err, "failed to remove temp mount directory")
	}
	return nil
}
