//go:build linux

package mount

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/isoflash/isoflash/pkg/sysexec"
)

func newTestManager(t *testing.T, runner *sysexec.FakeRunner) *LinuxManager {
	t.Helper()
	mounts := filepath.Join(t.TempDir(), "mounts")
	if err := os.WriteFile(mounts, []byte(mountsFixture), 0o644); err != nil {
		t.Fatal(err)
	}
	return &LinuxManager{runner: runner, mountsPath: mounts}
}

func TestLinuxMountImage(t *testing.T) {
	runner := &sysexec.FakeRunner{Outputs: map[string]string{
		"mount -o loop,ro /tmp/a.iso /mnt/iso": "",
	}}
	m := newTestManager(t, runner)

	if err := m.MountImage(context.Background(), "/tmp/a.iso", "/mnt/iso"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.MountImage(context.Background(), "/tmp/b.iso", "/mnt/iso"); err == nil {
		t.Error("expected failure for unscripted mount")
	}
}

func TestLinuxMountDevice(t *testing.T) {
	tests := []struct {
		writable bool
		want     string
	}{
		{false, "mount -o ro /dev/sdb1 /mnt/usb"},
		{true, "mount -o rw /dev/sdb1 /mnt/usb"},
	}

	for _, tt := range tests {
		runner := &sysexec.FakeRunner{Outputs: map[string]string{tt.want: ""}}
		m := newTestManager(t, runner)
		if err := m.MountDevice(context.Background(), "/dev/sdb1", "/mnt/usb", tt.writable); err != nil {
			t.Errorf("writable=%v: %v", tt.writable, err)
		}
		if !runner.Called(tt.want) {
			t.Errorf("expected %q, got %v", tt.want, runner.Calls)
		}
	}
}

func TestLinuxUnmountDisk_FallsBackToUmount(t *testing.T) {
	runner := &sysexec.FakeRunner{Outputs: map[string]string{
		"umount /media/user/USB STICK/nested": "",
		"umount /media/user/USB STICK":        "",
	}}
	m := newTestManager(t, runner)

	if err := m.UnmountDisk(context.Background(), "/dev/sdb"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runner.Calls) != 2 || runner.Calls[0] != "umount /media/user/USB STICK/nested" {
		t.Errorf("unexpected calls: %v", runner.Calls)
	}
}

func TestLinuxFormat(t *testing.T) {
	tests := []struct {
		opts FormatOptions
		want string
	}{
		{FormatOptions{}, "mkfs.vfat -I -F 32 -n ISOFLASH /dev/sdz"},
		{FormatOptions{Filesystem: FilesystemExFAT, Label: "data"}, "mkfs.exfat -n DATA /dev/sdz"},
		{FormatOptions{Filesystem: FilesystemExt4, Label: "root"}, "mkfs.ext4 -F -L root /dev/sdz"},
	}

	for _, tt := range tests {
		runner := &sysexec.FakeRunner{Outputs: map[string]string{tt.want: ""}}
		m := newTestManager(t, runner)
		if err := m.Format(context.Background(), "/dev/sdz", tt.opts); err != nil {
			t.Errorf("%+v: %v", tt.opts, err)
		}
		if !runner.Called(tt.want) {
			t.Errorf("expected %q, got %v", tt.want, runner.Calls)
		}
	}

	m := newTestManager(t, &sysexec.FakeRunner{})
	if err := m.Format(context.Background(), "/dev/sdz", FormatOptions{Filesystem: "ntfs"}); err == nil {
		t.Error("expected unsupported filesystem error")
	}
}

func TestLinuxEject_WithoutUDisks(t *testing.T) {
	runner := &sysexec.FakeRunner{Outputs: map[string]string{
		"sync":           "",
		"eject /dev/sdb": "",
	}}
	m := newTestManager(t, runner)

	if err := m.Eject(context.Background(), "/dev/sdb"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !runner.Called("eject /dev/sdb") {
		t.Errorf("eject not called: %v", runner.Calls)
	}
}

func TestBlockObjectPath(t *testing.T) {
	if got := blockObjectPath("/dev/sdb1"); got != "/org/freedesktop/UDisks2/block_devices/sdb1" {
		t.Errorf("unexpected path %s", got)
	}
	if got := blockObjectPath("/dev/dm-0"); got != "/org/freedesktop/UDisks2/block_devices/dm_2d0" {
		t.Errorf("unexpected path %s", got)
	}
}
