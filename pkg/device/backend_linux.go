//go:build linux

package device

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/jaypipes/ghw"
	"golang.org/x/sys/unix"

	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/sysexec"
)

// ignoredPrefixes are kernel block devices that are never USB targets.
var ignoredPrefixes = []string{"loop", "ram", "zram", "sr", "dm-", "md", "nbd", "fd"}

// LinuxBackend lists disks with ghw, falling back to lsblk JSON.
type LinuxBackend struct {
	runner     sysexec.Runner
	mountsPath string
	sysBlock   string
	useGHW     bool
}

// NewLinuxBackend creates a backend reading the live system.
func NewLinuxBackend(runner sysexec.Runner) *LinuxBackend {
	return &LinuxBackend{
		runner:     runner,
		mountsPath: "/proc/self/mounts",
		sysBlock:   "/sys/block",
		useGHW:     true,
	}
}

func newPlatformBackend(runner sysexec.Runner) Backend {
	return NewLinuxBackend(runner)
}

func (b *LinuxBackend) Name() string { return "linux" }

func (b *LinuxBackend) Disks(ctx context.Context) ([]RawDisk, error) {
	if b.useGHW {
		disks, err := b.ghwDisks()
		if err == nil {
			return disks, nil
		}
		slog.Warn("ghw_block_failed", "error", err, "fallback", "lsblk")
	}

	out, err := b.runner.Run(ctx, "lsblk", "-J", "-b", "-o", LsblkColumns)
	if err != nil {
		return nil, errors.Wrap(err, "lsblk")
	}
	disks, err := parseLsblk(out)
	if err != nil {
		return nil, err
	}
	return filterIgnored(disks), nil
}

func (b *LinuxBackend) ghwDisks() ([]RawDisk, error) {
	info, err := ghw.Block()
	if err != nil {
		return nil, err
	}

	var disks []RawDisk
	for _, d := range info.Disks {
		size := int64(d.SizeBytes)
		if size == 0 {
			size = SizeUnknown
		}
		transport := strings.ToLower(d.StorageController.String())
		if strings.Contains(d.BusPath, "usb") {
			transport = "usb"
		}
		disk := RawDisk{
			Path:      "/dev/" + d.Name,
			Name:      d.Name,
			Model:     strings.TrimSpace(d.Model),
			Vendor:    strings.TrimSpace(d.Vendor),
			Transport: transport,
			SizeBytes: size,
			Removable: d.IsRemovable || transport == "usb",
		}
		for _, p := range d.Partitions {
			disk.Partitions = append(disk.Partitions, RawPartition{
				Path:       "/dev/" + p.Name,
				Name:       p.Name,
				Filesystem: p.Type,
				Label:      p.Label,
				Mountpoint: p.MountPoint,
				SizeBytes:  int64(p.SizeBytes),
			})
		}
		disks = append(disks, disk)
	}
	return filterIgnored(disks), nil
}

func filterIgnored(disks []RawDisk) []RawDisk {
	out := disks[:0]
	for _, d := range disks {
		skip := false
		for _, prefix := range ignoredPrefixes {
			if strings.HasPrefix(d.Name, prefix) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, d)
		}
	}
	return out
}

// SizeSources: structured lsblk query, sysfs sector count, BLKGETSIZE64,
// then statfs of a mounted partition.
func (b *LinuxBackend) SizeSources() []SizeSource {
	return []SizeSource{
		{Name: "lsblk", Size: b.lsblkSize},
		{Name: "sysfs", Size: b.sysfsSize},
		{Name: "ioctl", Size: ioctlSize},
		{Name: "statfs", Size: statfsSize},
	}
}

func (b *LinuxBackend) lsblkSize(ctx context.Context, disk RawDisk) (int64, error) {
	out, err := b.runner.Run(ctx, "lsblk", "-J", "-b", "-d", "-o", "SIZE", disk.Path)
	if err != nil {
		return SizeUnknown, err
	}
	return parseLsblkSize(out)
}

func (b *LinuxBackend) sysfsSize(ctx context.Context, disk RawDisk) (int64, error) {
	data, err := os.ReadFile(filepath.Join(b.sysBlock, disk.Name, "size"))
	if err != nil {
		return SizeUnknown, err
	}
	return parseSysfsSize(string(data))
}

func ioctlSize(ctx context.Context, disk RawDisk) (int64, error) {
	f, err := os.Open(disk.Path)
	if err != nil {
		return SizeUnknown, err
	}
	defer f.Close()

	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return SizeUnknown, errno
	}
	return int64(size), nil
}

func statfsSize(ctx context.Context, disk RawDisk) (int64, error) {
	mounts := []string{disk.Mountpoint}
	for _, p := range disk.Partitions {
		mounts = append(mounts, p.Mountpoint)
	}
	for _, mp := range mounts {
		if mp == "" || mp == "[SWAP]" {
			continue
		}
		_, total, err := Usage(mp)
		if err == nil && total > 0 {
			return int64(total), nil
		}
	}
	return SizeUnknown, errors.New("no mounted filesystem to measure")
}

// BootDisks resolves the root mount from /proc/self/mounts to its disk,
// following device-mapper slaves.
func (b *LinuxBackend) BootDisks(ctx context.Context) ([]string, error) {
	data, err := os.ReadFile(b.mountsPath)
	if err != nil {
		return nil, errors.Wrap(err, "read mounts")
	}
	root, err := parseRootDevice(string(data))
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(root, "/dev/") {
		return nil, errors.Wrap(ErrBootDiskUnknown, "root is not a block device: "+root)
	}

	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	name := filepath.Base(root)
	if strings.HasPrefix(name, "dm-") {
		slaves, err := os.ReadDir(filepath.Join(b.sysBlock, name, "slaves"))
		if err != nil || len(slaves) == 0 {
			return nil, errors.Wrap(ErrBootDiskUnknown, "device-mapper root without slaves")
		}
		var disks []string
		for _, s := range slaves {
			disks = append(disks, BaseDisk("/dev/"+s.Name()))
		}
		return disks, nil
	}

	return []string{BaseDisk(root)}, nil
}
