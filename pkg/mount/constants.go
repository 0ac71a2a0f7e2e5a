package mount

import "strings"

const (
	FilesystemFAT32 = "FAT32"
	FilesystemExFAT = "exFAT"
	FilesystemExt4  = "ext4"

	// DefaultVolumeLabel is used when no label is configured.
	DefaultVolumeLabel = "ISOFLASH"
	// fatLabelMax is the FAT volume label length limit.
	fatLabelMax = 11
	// TempDirPattern names scoped mount directories under os.TempDir.
	TempDirPattern = "isoflash-mount-*"
)

// normalize fills defaults and makes the label acceptable to FAT tools.
func (o FormatOptions) normalize() FormatOptions {
	if o.Filesystem == "" {
		o.Filesystem = FilesystemFAT32
	}
	if o.Label == "" {
		o.Label = DefaultVolumeLabel
	}
	if strings.EqualFold(o.Filesystem, FilesystemFAT32) || strings.EqualFold(o.Filesystem, FilesystemExFAT) {
		o.Label = strings.ToUpper(o.Label)
		if len(o.Label) > fatLabelMax {
			o.Label = o.Label[:fatLabelMax]
		}
	}
	return o
}
