package device

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/isoflash/isoflash/pkg/sysexec"
)

// Backend is a platform-specific source of disk information.
type Backend interface {
	Name() string
	// Disks lists every whole disk, removable or not.
	Disks(ctx context.Context) ([]RawDisk, error)
	// SizeSources is the ordered fallback chain used when Disks could not
	// determine a disk's size.
	SizeSources() []SizeSource
	// BootDisks returns the whole-disk paths backing the running system.
	BootDisks(ctx context.Context) ([]string, error)
}

// SizeSource is one step of a size fallback chain.
type SizeSource struct {
	Name string
	Size func(ctx context.Context, disk RawDisk) (int64, error)
}

// Enumerator turns backend listings into Descriptors.
type Enumerator struct {
	backend Backend
}

// NewEnumerator wraps a backend.
func NewEnumerator(backend Backend) *Enumerator {
	return &Enumerator{backend: backend}
}

// NewPlatformEnumerator uses the backend for the running OS.
func NewPlatformEnumerator(runner sysexec.Runner) *Enumerator {
	return NewEnumerator(newPlatformBackend(runner))
}

// ListRemovable returns removable, non-system disks. On failure it returns
// an empty list together with an *EnumerationError; it never returns nil.
func (e *Enumerator) ListRemovable(ctx context.Context) ([]Descriptor, error) {
	all, err := e.All(ctx)
	if err != nil {
		return []Descriptor{}, err
	}

	result := make([]Descriptor, 0, len(all))
	for _, d := range all {
		if !d.IsRemovable || d.IsSystem {
			continue
		}
		result = append(result, d)
	}

	slog.Info("device_enumeration_complete", "backend", e.backend.Name(), "disks", len(all), "removable", len(result))
	return result, nil
}

// All returns every disk the backend can see, with IsSystem marked.
func (e *Enumerator) All(ctx context.Context) ([]Descriptor, error) {
	raw, err := e.backend.Disks(ctx)
	if err != nil {
		slog.Warn("device_enumeration_failed", "backend", e.backend.Name(), "error", err)
		return []Descriptor{}, &EnumerationError{Backend: e.backend.Name(), Err: err}
	}

	boot := make(map[string]bool)
	bootDisks, err := e.backend.BootDisks(ctx)
	if err != nil {
		slog.Warn("boot_disk_unknown", "backend", e.backend.Name(), "error", err)
	}
	for _, b := range bootDisks {
		boot[BaseDisk(b)] = true
	}

	result := make([]Descriptor, 0, len(raw))
	for _, r := range raw {
		if r.SizeBytes <= 0 {
			r.SizeBytes = e.lookupSize(ctx, r)
		}
		result = append(result, describe(r, boot[r.Path]))
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}

// Lookup re-queries the OS for a single device. Partition paths resolve to
// their whole disk. Missing devices yield ErrNotFound.
func (e *Enumerator) Lookup(ctx context.Context, path string) (Descriptor, error) {
	want := BaseDisk(filepath.Clean(path))
	if resolved, err := filepath.EvalSymlinks(want); err == nil {
		want = BaseDisk(resolved)
	}

	all, err := e.All(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	for _, d := range all {
		if d.Path == want {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// BootDisks exposes the backend's boot disk detection.
func (e *Enumerator) BootDisks(ctx context.Context) ([]string, error) {
	return e.backend.BootDisks(ctx)
}

func (e *Enumerator) lookupSize(ctx context.Context, disk RawDisk) int64 {
	for _, p := range e.backend.SizeSources() {
		size, err := p.Size(ctx, disk)
		if err == nil && size > 0 {
			slog.Debug("device_size_found", "device", disk.Path, "source", p.Name, "size", size)
			return size
		}
		slog.Debug("device_size_lookup_failed", "device", disk.Path, "source", p.Name, "error", err)
	}
	slog.Warn("device_size_unknown", "device", disk.Path)
	return SizeUnknown
}

func describe(r RawDisk, isBoot bool) Descriptor {
	d := Descriptor{
		Path:        r.Path,
		Name:        r.Name,
		SizeBytes:   r.SizeBytes,
		IsRemovable: r.Removable,
		Filesystem:  r.Filesystem,
		Model:       r.Model,
		Vendor:      r.Vendor,
		Transport:   r.Transport,
		VolumeLabel: r.VolumeLabel,
		IsSystem:    isBoot || isSystemMount(r.Mountpoint),
	}
	if d.SizeBytes <= 0 {
		d.SizeBytes = SizeUnknown
	}
	if r.Mountpoint != "" {
		d.Mountpoints = append(d.Mountpoints, r.Mountpoint)
	}

	for _, p := range r.Partitions {
		if d.Filesystem == "" && p.Filesystem != "" {
			d.Filesystem = p.Filesystem
		}
		if d.VolumeLabel == "" && p.Label != "" {
			d.VolumeLabel = p.Label
		}
		if p.Mountpoint != "" {
			d.Mountpoints = append(d.Mountpoints, p.Mountpoint)
			if isSystemMount(p.Mountpoint) {
				d.IsSystem = true
			}
		}
	}
	if d.Filesystem == "" {
		d.Filesystem = FilesystemUnknown
	}

	volume := d.VolumeLabel
	if volume == "" {
		volume = d.Model
	}
	d.DisplayLabel = displayLabel(volume, d.Path, d.SizeBytes, d.Filesystem)
	return d
}
