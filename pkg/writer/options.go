package writer

import (
	"fmt"

	"github.com/isoflash/isoflash/pkg/mount"
)

// Strategy selects how an image reaches the target.
type Strategy string

const (
	// StrategyRaw copies the image byte for byte onto the device.
	StrategyRaw Strategy = "raw-block"
	// StrategyCopy formats the device and copies the image's file tree.
	StrategyCopy Strategy = "filesystem-copy"
	// StrategyMerge copies the file tree onto the existing filesystem,
	// preserving data already on the device.
	StrategyMerge Strategy = "filesystem-merge"

	DefaultBufferSize = 4 << 20
	MinBufferSize     = 4 << 10
	MaxBufferSize     = 64 << 20
)

// Options configure one write. Obtain defaults from DefaultOptions.
type Options struct {
	Strategy            Strategy `json:"strategy" mapstructure:"strategy"`
	BufferSizeBytes     int      `json:"buffer_size_bytes" mapstructure:"buffer_size_bytes"`
	VerifyAfterWrite    bool     `json:"verify_after_write" mapstructure:"verify_after_write"`
	SkipVerify          bool     `json:"skip_verify" mapstructure:"skip_verify"`
	ForceUEFI           bool     `json:"force_uefi" mapstructure:"force_uefi"`
	AllowNonHybridForce bool     `json:"allow_non_hybrid_force" mapstructure:"allow_non_hybrid_force"`
	FilesystemType      string   `json:"filesystem_type" mapstructure:"filesystem_type"`
	VolumeLabel         string   `json:"volume_label" mapstructure:"volume_label"`
}

// DefaultOptions returns a fresh value: raw-block, 4 MiB chunks, verify on.
func DefaultOptions() Options {
	return Options{
		Strategy:         StrategyRaw,
		BufferSizeBytes:  DefaultBufferSize,
		VerifyAfterWrite: true,
		FilesystemType:   mount.FilesystemFAT32,
		VolumeLabel:      mount.DefaultVolumeLabel,
	}
}

// ParseStrategy accepts the strategy names and a few short aliases.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case string(StrategyRaw), "raw", "dd":
		return StrategyRaw, nil
	case string(StrategyCopy), "copy", "iso9660":
		return StrategyCopy, nil
	case string(StrategyMerge), "merge":
		return StrategyMerge, nil
	}
	return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidOptions, s)
}

// Validate rejects options the engine cannot honour.
func (o Options) Validate() error {
	if _, err := ParseStrategy(string(o.Strategy)); err != nil {
		return err
	}
	if o.BufferSizeBytes < MinBufferSize || o.BufferSizeBytes > MaxBufferSize {
		return fmt.Errorf("%w: buffer size %d outside [%d, %d]", ErrInvalidOptions, o.BufferSizeBytes, MinBufferSize, MaxBufferSize)
	}
	return nil
}

// ShouldVerify reports whether a verification pass follows the write.
func (o Options) ShouldVerify() bool {
	return o.VerifyAfterWrite && !o.SkipVerify
}

// IsTreeCopy reports whether the strategy works on files rather than blocks.
func (o Options) IsTreeCopy() bool {
	return o.Strategy == StrategyCopy || o.Strategy == StrategyMerge
}

func (o Options) formatOptions() mount.FormatOptions {
	return mount.FormatOptions{Filesystem: o.FilesystemType, Label: o.VolumeLabel}
}
