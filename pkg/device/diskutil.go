package device

import (
	"context"
	"log/slog"
	"strings"

	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/sysexec"
)

// DiskutilBackend lists disks by parsing macOS diskutil output. The parsers
// are platform independent so they can be exercised anywhere.
type DiskutilBackend struct {
	runner sysexec.Runner
}

// NewDiskutilBackend creates a diskutil-backed backend.
func NewDiskutilBackend(runner sysexec.Runner) *DiskutilBackend {
	return &DiskutilBackend{runner: runner}
}

func (b *DiskutilBackend) Name() string { return "diskutil" }

func (b *DiskutilBackend) Disks(ctx context.Context) ([]RawDisk, error) {
	out, err := b.runner.Run(ctx, "diskutil", "list")
	if err != nil {
		return nil, errors.Wrap(err, "diskutil list")
	}

	entries := parseDiskutilList(string(out))
	disks := make([]RawDisk, 0, len(entries))
	for _, entry := range entries {
		if !entry.Physical {
			// Synthesized APFS containers and disk images are not targets.
			continue
		}
		disk := RawDisk{
			Path:      entry.Path,
			Name:      strings.TrimPrefix(entry.Path, "/dev/"),
			SizeBytes: SizeUnknown,
			Removable: entry.External,
		}

		info, err := b.info(ctx, entry.Path)
		if err != nil {
			slog.Warn("diskutil_info_failed", "device", entry.Path, "error", err)
		} else {
			if size, err := diskutilInfoSize(info); err == nil {
				disk.SizeBytes = size
			}
			disk.Model = info["Device / Media Name"]
			if disk.Model == "" {
				disk.Model = info["Media Name"]
			}
			disk.Transport = strings.ToLower(info["Protocol"])
			disk.Removable = disk.Removable || diskutilRemovable(info)
			disk.Filesystem = info["File System Personality"]
			disk.VolumeLabel = info["Volume Name"]
			disk.Mountpoint = info["Mount Point"]
		}

		for _, part := range entry.Partitions {
			p := RawPartition{Path: part, Name: strings.TrimPrefix(part, "/dev/"), SizeBytes: SizeUnknown}
			if pinfo, err := b.info(ctx, part); err == nil {
				p.Filesystem = pinfo["File System Personality"]
				p.Label = pinfo["Volume Name"]
				p.Mountpoint = pinfo["Mount Point"]
				if size, err := diskutilInfoSize(pinfo); err == nil {
					p.SizeBytes = size
				}
			}
			disk.Partitions = append(disk.Partitions, p)
		}
		disks = append(disks, disk)
	}
	return disks, nil
}

func (b *DiskutilBackend) info(ctx context.Context, target string) (map[string]string, error) {
	out, err := b.runner.Run(ctx, "diskutil", "info", target)
	if err != nil {
		return nil, err
	}
	return parseDiskutilInfo(string(out)), nil
}

// SizeSources: diskutil info, diskutil list, then df on a mounted volume.
func (b *DiskutilBackend) SizeSources() []SizeSource {
	return []SizeSource{
		{Name: "diskutil-info", Size: b.infoSize},
		{Name: "diskutil-list", Size: b.listSize},
		{Name: "df", Size: b.dfSize},
	}
}

func (b *DiskutilBackend) infoSize(ctx context.Context, disk RawDisk) (int64, error) {
	info, err := b.info(ctx, disk.Path)
	if err != nil {
		return SizeUnknown, err
	}
	return diskutilInfoSize(info)
}

func (b *DiskutilBackend) listSize(ctx context.Context, disk RawDisk) (int64, error) {
	out, err := b.runner.Run(ctx, "diskutil", "list", disk.Path)
	if err != nil {
		return SizeUnknown, err
	}
	for _, entry := range parseDiskutilList(string(out)) {
		if entry.Path == disk.Path && entry.Size > 0 {
			return entry.Size, nil
		}
	}
	return SizeUnknown, errors.New("diskutil list has no size for " + disk.Path)
}

func (b *DiskutilBackend) dfSize(ctx context.Context, disk RawDisk) (int64, error) {
	mounts := []string{disk.Mountpoint}
	for _, p := range disk.Partitions {
		mounts = append(mounts, p.Mountpoint)
	}
	for _, mp := range mounts {
		if mp == "" {
			continue
		}
		out, err := b.runner.Run(ctx, "df", "-k", mp)
		if err != nil {
			continue
		}
		if size, err := parseDfSize(string(out)); err == nil {
			return size, nil
		}
	}
	return SizeUnknown, errors.New("no mounted volume to measure")
}

// BootDisks reads "Part of Whole" and the APFS physical store of "/".
func (b *DiskutilBackend) BootDisks(ctx context.Context) ([]string, error) {
	info, err := b.info(ctx, "/")
	if err != nil {
		return nil, errors.Wrap(err, "diskutil info /")
	}

	var disks []string
	if whole := info["Part of Whole"]; whole != "" {
		disks = append(disks, "/dev/"+whole)
	}
	for _, key := range []string{"APFS Physical Store", "Physical Store"} {
		if store := info[key]; store != "" {
			disks = append(disks, BaseDisk("/dev/"+store))
		}
	}
	if len(disks) == 0 {
		return nil, ErrBootDiskUnknown
	}
	return disks, nil
}
