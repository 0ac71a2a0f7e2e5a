package db

import "github.com/isoflash/isoflash/pkg/image"

// Schema creates the burn history and the image catalog.
const Schema = `
CREATE TABLE IF NOT EXISTS burns (
    id TEXT PRIMARY KEY,
    image_path TEXT NOT NULL,
    image_sha256 TEXT,
    device_path TEXT NOT NULL,
    device_label TEXT,
    strategy TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'inspecting', 'validating', 'writing', 'verifying', 'completed', 'failed', 'cancelled')),
    bytes_written INTEGER NOT NULL DEFAULT 0,
    verified INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_burns_status ON burns(status);
CREATE INDEX IF NOT EXISTS idx_burns_device_path ON burns(device_path);
CREATE INDEX IF NOT EXISTS idx_burns_created_at ON burns(created_at);

CREATE TABLE IF NOT EXISTS images (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    sha256 TEXT,
    volume_label TEXT,
    is_bootable INTEGER NOT NULL DEFAULT 0,
    is_uefi INTEGER NOT NULL DEFAULT 0,
    is_hybrid INTEGER NOT NULL DEFAULT 0,
    source TEXT NOT NULL CHECK(source IN ('watch', 'scan', 'fetch', 'inspect')),
    s3_key TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_images_source ON images(source);
`

// Burn status values.
const (
	StatusPending    = "pending"
	StatusInspecting = "inspecting"
	StatusValidating = "validating"
	StatusWriting    = "writing"
	StatusVerifying  = "verifying"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Image sources.
const (
	SourceWatch   = "watch"
	SourceScan    = "scan"
	SourceFetch   = "fetch"
	SourceInspect = "inspect"
)

// IsTerminal reports whether a burn in status can no longer change.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Burn is one write attempt of an image to a device.
type Burn struct {
	ID           string `json:"id"`
	ImagePath    string `json:"image_path"`
	ImageSHA256  string `json:"image_sha256,omitempty"`
	DevicePath   string `json:"device_path"`
	DeviceLabel  string `json:"device_label,omitempty"`
	Strategy     string `json:"strategy"`
	Status       string `json:"status"`
	BytesWritten int64  `json:"bytes_written"`
	Verified     bool   `json:"verified"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	FinishedAt   string `json:"finished_at,omitempty"`
}

// Image is a catalogued image file.
type Image struct {
	ID          int64  `json:"id"`
	Path        string `json:"path"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256,omitempty"`
	VolumeLabel string `json:"volume_label,omitempty"`
	IsBootable  bool   `json:"is_bootable"`
	IsUEFI      bool   `json:"is_uefi"`
	IsHybrid    bool   `json:"is_hybrid"`
	Source      string `json:"source"`
	S3Key       string `json:"s3_key,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// ImageFromDescriptor converts an analysis result into a catalog row.
func ImageFromDescriptor(desc *image.Descriptor, source string) *Image {
	return &Image{
		Path:        desc.Path,
		SizeBytes:   desc.SizeBytes,
		SHA256:      desc.SHA256,
		VolumeLabel: desc.VolumeLabel,
		IsBootable:  desc.IsBootable,
		IsUEFI:      desc.IsUEFICapable,
		IsHybrid:    desc.IsHybrid,
		Source:      source,
	}
}
