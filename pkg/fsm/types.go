package fsm

import (
	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/writer"
)

// BurnRequest is the FSM input
type BurnRequest struct {
	BurnID         string         `json:"burn_id"`
	ImagePath      string         `json:"image_path"`
	DevicePath     string         `json:"device_path"`
	ExpectedSHA256 string         `json:"expected_sha256,omitempty"`
	Options        writer.Options `json:"options"`
	// Eject powers the device off after a successful burn.
	Eject bool `json:"eject"`
}

// BurnResponse is the FSM output (accumulated across transitions)
type BurnResponse struct {
	BurnID string `json:"burn_id"`

	// From Inspect
	Image *image.Descriptor `json:"image,omitempty"`

	// From Validate
	Device   device.Descriptor `json:"device"`
	Warnings []string          `json:"warnings,omitempty"`

	// From Write / Verify
	BytesWritten int64 `json:"bytes_written"`
	Verified     bool  `json:"verified"`

	// From Complete/Failed
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// State names
const (
	StateInspect  = "inspect"
	StateValidate = "validate"
	StateWrite    = "write"
	StateVerify   = "verify"
	StateComplete = "complete"
	StateFailed   = "failed"
)
