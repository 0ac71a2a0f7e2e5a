package mount

import (
	"log/slog"
	"os"
	"strings"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/isoflash/isoflash/pkg/errors"
)

// FormatImageFile writes a FAT32 filesystem over a whole disk image file.
// It is used for regular-file targets, which need no OS tools or privileges.
func FormatImageFile(path string, opts FormatOptions) error {
	opts = opts.normalize()
	if !strings.EqualFold(opts.Filesystem, FilesystemFAT32) {
		return errors.New("disk image targets support only " + FilesystemFAT32)
	}

	slog.Info("format_image_file", "path", path, "label", opts.Label)

	d, err := diskfs.Open(path, diskfs.WithOpenMode(diskfs.ReadWriteExclusive))
	if err != nil {
		return errors.Wrap(err, "failed to open disk image")
	}
	defer d.Close()

	if _, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: opts.Label,
	}); err != nil {
		slog.Error("format_image_file_failed", "path", path, "error", err)
		return errors.Wrap(err, "failed to create filesystem")
	}
	return nil
}

// CreateImageFile creates a new FAT32 formatted disk image of the given size.
func CreateImageFile(path string, size int64, opts FormatOptions) error {
	opts = opts.normalize()
	if _, err := os.Stat(path); err == nil {
		return errors.New("disk image already exists: " + path)
	}

	d, err := diskfs.Create(path, size, diskfs.SectorSizeDefault)
	if err != nil {
		return errors.Wrap(err, "failed to create disk image")
	}
	defer d.Close()

	if _, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: opts.Label,
	}); err != nil {
		return errors.Wrap(err, "failed to create filesystem")
	}
	return nil
}
