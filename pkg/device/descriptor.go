// Package device discovers removable block devices and describes them.
//
// Listing is platform specific (ghw/lsblk on Linux, diskutil on macOS) and
// best effort: fields that cannot be determined are reported with the
// SizeUnknown and FilesystemUnknown sentinels instead of failing the
// enumeration.
package device

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/isoflash/isoflash/pkg/errors"
)

const (
	// SizeUnknown marks a capacity no fallback could determine.
	SizeUnknown int64 = -1
	// FilesystemUnknown marks an undetermined filesystem type.
	FilesystemUnknown = "unknown"
)

var (
	ErrNotFound        = errors.New("device not found")
	ErrBootDiskUnknown = errors.New("boot disk could not be determined")
)

// EnumerationError reports a failed listing. It is informational: callers
// still receive an empty device list alongside it.
type EnumerationError struct {
	Backend string
	Err     error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("device enumeration via %s failed: %v", e.Backend, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// Descriptor identifies a candidate target. Values are snapshots taken at
// enumeration time and are never updated.
type Descriptor struct {
	Path         string   `json:"path"`
	DisplayLabel string   `json:"display_label"`
	SizeBytes    int64    `json:"size_bytes"`
	IsRemovable  bool     `json:"is_removable"`
	Filesystem   string   `json:"filesystem"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	Vendor       string   `json:"vendor,omitempty"`
	Transport    string   `json:"transport,omitempty"`
	VolumeLabel  string   `json:"volume_label,omitempty"`
	Mountpoints  []string `json:"mountpoints,omitempty"`
	IsSystem     bool     `json:"is_system"`
}

// SizeKnown reports whether SizeBytes holds a real capacity.
func (d Descriptor) SizeKnown() bool {
	return d.SizeBytes > 0
}

// RawPartition is a partition as reported by a backend.
type RawPartition struct {
	Path       string
	Name       string
	Filesystem string
	Label      string
	Mountpoint string
	SizeBytes  int64
}

// RawDisk is a whole disk as reported by a backend, before filtering.
type RawDisk struct {
	Path        string
	Name        string
	Model       string
	Vendor      string
	Transport   string
	SizeBytes   int64
	Removable   bool
	Filesystem  string
	VolumeLabel string
	Mountpoint  string
	Partitions  []RawPartition
}

// FormatSize renders a capacity for humans, or "unknown size".
func FormatSize(size int64) string {
	if size <= 0 {
		return "unknown size"
	}
	return humanize.Bytes(uint64(size))
}

// displayLabel renders "volume (path) - size [fs]".
func displayLabel(volume, path string, size int64, fs string) string {
	if volume == "" {
		volume = strings.TrimPrefix(path, "/dev/")
	}
	return fmt.Sprintf("%s (%s) - %s [%s]", volume, path, FormatSize(size), fs)
}
