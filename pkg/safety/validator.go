// Package safety gates destructive operations on a target device.
package safety

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/errors"
)

// DefaultMinFreeRatio is the free/total ratio below which a warning is raised.
const DefaultMinFreeRatio = 0.10

var (
	ErrNotRemovable         = errors.New("device is not removable")
	ErrDeviceVanished       = errors.New("device is no longer present")
	ErrIsBootDevice         = errors.New("device hosts the running system")
	ErrInsufficientCapacity = errors.New("device is smaller than the image")
)

// SafetyError explains why a target was refused.
type SafetyError struct {
	Path   string
	Reason error
	Detail string
}

func (e *SafetyError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("safety: %s: %v (%s)", e.Path, e.Reason, e.Detail)
	}
	return fmt.Sprintf("safety: %s: %v", e.Path, e.Reason)
}

func (e *SafetyError) Unwrap() error { return e.Reason }

// DeviceLookup re-queries the OS for a single device.
type DeviceLookup interface {
	Lookup(ctx context.Context, path string) (device.Descriptor, error)
}

// UsageFunc reports free and total bytes of a mounted filesystem.
type UsageFunc func(path string) (free, total uint64, err error)

// Report is the outcome of a successful validation.
type Report struct {
	Device   device.Descriptor `json:"device"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Validator checks a target before anything is written to it.
type Validator struct {
	lookup       DeviceLookup
	usage        UsageFunc
	minFreeRatio float64
}

// NewValidator creates a validator. A ratio <= 0 selects DefaultMinFreeRatio.
func NewValidator(lookup DeviceLookup, minFreeRatio float64) *Validator {
	if minFreeRatio <= 0 {
		minFreeRatio = DefaultMinFreeRatio
	}
	slog.Info("safety_validator_init", "min_free_ratio", minFreeRatio)

	return &Validator{
		lookup:       lookup,
		usage:        device.Usage,
		minFreeRatio: minFreeRatio,
	}
}

// WithUsage replaces the disk usage query.
func (v *Validator) WithUsage(fn UsageFunc) *Validator {
	v.usage = fn
	return v
}

// Validate re-queries the device and applies the checks in order: present,
// removable, not the boot device. Low free space only produces a warning.
func (v *Validator) Validate(ctx context.Context, path string) (*Report, error) {
	desc, err := v.lookup.Lookup(ctx, path)
	if err != nil {
		slog.Error("safety_validation_failed", "device", path, "reason", "vanished", "error", err)
		return nil, &SafetyError{Path: path, Reason: ErrDeviceVanished, Detail: err.Error()}
	}

	if !desc.IsRemovable {
		slog.Error("safety_validation_failed", "device", desc.Path, "reason", "not_removable")
		return nil, &SafetyError{Path: desc.Path, Reason: ErrNotRemovable}
	}

	if desc.IsSystem {
		slog.Error("safety_validation_failed", "device", desc.Path, "reason", "boot_device")
		return nil, &SafetyError{Path: desc.Path, Reason: ErrIsBootDevice}
	}

	report := &Report{Device: desc}
	if warning := v.freeSpaceWarning(desc); warning != "" {
		report.Warnings = append(report.Warnings, warning)
		slog.Warn("safety_low_free_space", "device", desc.Path, "warning", warning)
	}

	slog.Info("safety_validated", "device", desc.Path, "warnings", len(report.Warnings))
	return report, nil
}

// ValidateCapacity refuses targets whose known size cannot hold the image.
// An unknown size passes; the write itself will fail if space runs out.
func (v *Validator) ValidateCapacity(desc device.Descriptor, imageSize int64) error {
	if !desc.SizeKnown() || desc.SizeBytes >= imageSize {
		return nil
	}
	slog.Error("safety_capacity_insufficient",
		"device", desc.Path,
		"device_size", desc.SizeBytes,
		"image_size", imageSize)
	return &SafetyError{
		Path:   desc.Path,
		Reason: ErrInsufficientCapacity,
		Detail: fmt.Sprintf("need %s, have %s", device.FormatSize(imageSize), device.FormatSize(desc.SizeBytes)),
	}
}

func (v *Validator) freeSpaceWarning(desc device.Descriptor) string {
	if !desc.SizeKnown() || v.usage == nil {
		return ""
	}

	var free, total uint64
	for _, mp := range desc.Mountpoints {
		f, t, err := v.usage(mp)
		if err != nil {
			slog.Debug("safety_usage_unavailable", "mountpoint", mp, "error", err)
			continue
		}
		free += f
		total += t
	}
	if total == 0 {
		return ""
	}

	ratio := float64(free) / float64(total)
	if ratio >= v.minFreeRatio {
		return ""
	}
	return fmt.Sprintf("only %.0f%% free on mounted volumes; existing data will be overwritten", ratio*100)
}
