package mount

import (
	"context"
	"fmt"
	"sync"
)

// FakeManager records calls and mounts nothing. Image and device mounts
// always fail, so callers take their in-process fallbacks.
type FakeManager struct {
	mu    sync.Mutex
	Calls []string

	UnmountErr error
	FormatErr  error
	EjectErr   error
}

func (f *FakeManager) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// Called reports whether a call with this description was recorded.
func (f *FakeManager) Called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *FakeManager) MountImage(ctx context.Context, imagePath, mountPath string) error {
	f.record("mount-image %s", imagePath)
	return fmt.Errorf("fake manager cannot mount %s", imagePath)
}

func (f *FakeManager) MountDevice(ctx context.Context, devicePath, mountPath string, writable bool) error {
	mode := "ro"
	if writable {
		mode = "rw"
	}
	f.record("mount-device %s %s", devicePath, mode)
	return fmt.Errorf("fake manager cannot mount %s", devicePath)
}

func (f *FakeManager) Unmount(ctx context.Context, mountPath string) error {
	f.record("unmount %s", mountPath)
	return nil
}

func (f *FakeManager) UnmountDisk(ctx context.Context, diskPath string) error {
	f.record("unmount-disk %s", diskPath)
	return f.UnmountErr
}

func (f *FakeManager) Format(ctx context.Context, diskPath string, opts FormatOptions) error {
	opts = opts.normalize()
	f.record("format %s %s %s", diskPath, opts.Filesystem, opts.Label)
	return f.FormatErr
}

func (f *FakeManager) Eject(ctx context.Context, diskPath string) error {
	f.record("eject %s", diskPath)
	return f.EjectErr
}

func (f *FakeManager) Close() error {
	return nil
}
