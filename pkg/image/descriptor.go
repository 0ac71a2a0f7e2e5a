// Package image inspects ISO 9660 images before they are written.
//
// Classification is heuristic: an image flagged bootable, UEFI-capable or
// hybrid carries the on-disk structures that usually mean so, but nothing
// here boots the image to prove it.
package image

import (
	"fmt"

	"github.com/isoflash/isoflash/pkg/errors"
)

const (
	// MinImageSize is the smallest file accepted as a plausible image.
	MinImageSize = 1 << 20
	// DefaultHashBufferSize is the chunk size used while hashing.
	DefaultHashBufferSize = 64 << 10
	// MinHashBufferSize is the smallest accepted hashing chunk.
	MinHashBufferSize = 4 << 10

	sectorSize       = 2048
	systemAreaSize   = 16 * sectorSize
	signatureOffset  = systemAreaSize + 1
	headerReadSize   = systemAreaSize + sectorSize
	maxDescriptors   = 32
	isoSignature     = "CD001"
	elToritoSystemID = "EL TORITO SPECIFICATION"
)

var (
	ErrNotAnImage       = errors.New("not an ISO 9660 image")
	ErrImplausiblySmall = errors.New("image is implausibly small")
	ErrReadFailure      = errors.New("image could not be read")
	ErrChecksumMismatch = errors.New("image checksum does not match")
)

// IntegrityError reports why an image was rejected. Err may join several
// sentinels, so errors.Is matches each of them.
type IntegrityError struct {
	Path string
	Err  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("image %s: %v", e.Path, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Descriptor is the result of one analysis. It is never modified afterwards.
type Descriptor struct {
	Path          string `json:"path"`
	SizeBytes     int64  `json:"size_bytes"`
	SHA256        string `json:"sha256"`
	MD5           string `json:"md5,omitempty"`
	IsBootable    bool   `json:"is_bootable"`
	IsUEFICapable bool   `json:"is_uefi_capable"`
	IsHybrid      bool   `json:"is_hybrid"`
	VolumeLabel   string `json:"volume_label,omitempty"`
	// Bootloader is "grub2", "syslinux" or "isolinux" when its config is found.
	Bootloader string `json:"bootloader,omitempty"`
	// EFIBootEntries lists the *.efi loaders under EFI/BOOT.
	EFIBootEntries []string `json:"efi_boot_entries,omitempty"`
}
