package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/isoflash/isoflash/pkg/device"
)

type fakeLookup map[string]device.Descriptor

func (f fakeLookup) Lookup(ctx context.Context, path string) (device.Descriptor, error) {
	d, ok := f[device.BaseDisk(path)]
	if !ok {
		return device.Descriptor{}, device.ErrNotFound
	}
	return d, nil
}

func devices() fakeLookup {
	return fakeLookup{
		"/dev/sdb": {Path: "/dev/sdb", SizeBytes: 16_000_000_000, IsRemovable: true, Mountpoints: []string{"/media/usb"}},
		"/dev/sda": {Path: "/dev/sda", SizeBytes: 256_000_000_000, IsRemovable: false},
		"/dev/sdc": {Path: "/dev/sdc", SizeBytes: 32_000_000_000, IsRemovable: true, IsSystem: true},
		"/dev/sdd": {Path: "/dev/sdd", SizeBytes: device.SizeUnknown, IsRemovable: true},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{"removable", "/dev/sdb", nil},
		{"partition resolves to disk", "/dev/sdb1", nil},
		{"unknown size", "/dev/sdd", nil},
		{"fixed disk", "/dev/sda", ErrNotRemovable},
		{"boot disk", "/dev/sdc", ErrIsBootDevice},
		{"vanished", "/dev/sdz", ErrDeviceVanished},
	}

	v := NewValidator(devices(), 0).WithUsage(func(string) (uint64, uint64, error) {
		return 50, 100, nil
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := v.Validate(context.Background(), tt.path)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if report == nil {
					t.Fatal("expected a report")
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			var safetyErr *SafetyError
			if !errors.As(err, &safetyErr) {
				t.Errorf("expected *SafetyError, got %T", err)
			}
		})
	}
}

func TestValidate_LowFreeSpaceIsAdvisory(t *testing.T) {
	v := NewValidator(devices(), 0.10).WithUsage(func(string) (uint64, uint64, error) {
		return 5, 100, nil
	})

	report, err := v.Validate(context.Background(), "/dev/sdb")
	if err != nil {
		t.Fatalf("low free space must not be fatal: %v", err)
	}
	if len(report.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", report.Warnings)
	}
}

func TestValidate_NoWarningWithoutMounts(t *testing.T) {
	calls := 0
	v := NewValidator(devices(), 0.10).WithUsage(func(string) (uint64, uint64, error) {
		calls++
		return 0, 100, nil
	})

	report, err := v.Validate(context.Background(), "/dev/sdd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Warnings) != 0 || calls != 0 {
		t.Errorf("unknown-size device should skip usage check: warnings=%v calls=%d", report.Warnings, calls)
	}
}

func TestValidateCapacity(t *testing.T) {
	v := NewValidator(devices(), 0)

	tests := []struct {
		name      string
		size      int64
		imageSize int64
		wantErr   bool
	}{
		{"fits", 16_000_000_000, 4_000_000_000, false},
		{"exact", 4_000_000_000, 4_000_000_000, false},
		{"too small", 2_000_000_000, 4_000_000_000, true},
		{"unknown size", device.SizeUnknown, 4_000_000_000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateCapacity(device.Descriptor{Path: "/dev/sdb", SizeBytes: tt.size}, tt.imageSize)
			if tt.wantErr && !errors.Is(err, ErrInsufficientCapacity) {
				t.Errorf("expected ErrInsufficientCapacity, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
