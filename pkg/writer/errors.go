package writer

import (
	"fmt"

	"github.com/isoflash/isoflash/pkg/devlock"
	"github.com/isoflash/isoflash/pkg/errors"
)

var (
	ErrShortWrite       = errors.New("short write")
	ErrWriteFailed      = errors.New("write failed")
	ErrDeviceRemoved    = errors.New("device was removed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrCancelled        = errors.New("cancelled; the target is left in an undefined, partially written state")
	ErrInvalidOptions   = errors.New("invalid write options")
	// ErrAlreadyInProgress is shared with every operation holding device locks.
	ErrAlreadyInProgress = devlock.ErrAlreadyInProgress
)

// TransferError describes a failed transfer. Reason is one of the package
// sentinels; Err carries the OS error text when there is one.
type TransferError struct {
	Op     string
	Path   string
	Offset int64
	Reason error
	Err    error
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("%s %s at offset %d: %v", e.Op, e.Path, e.Offset, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// classify maps an OS error to the sentinel describing it, or nil when the
// error has no specific meaning.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDeviceRemoved) || isRemoval(err):
		return ErrDeviceRemoved
	case isPermission(err):
		return ErrPermissionDenied
	case isBusy(err):
		return ErrAlreadyInProgress
	}
	return nil
}

// TransferFailure wraps an I/O error of op, falling back to fallback when
// the error is not recognised.
func TransferFailure(op, path string, offset int64, err, fallback error) *TransferError {
	reason := classify(err)
	if reason == nil {
		reason = fallback
	}
	return &TransferError{Op: op, Path: path, Offset: offset, Reason: reason, Err: err}
}

// Cancelled builds the error reported when ctx ends mid-transfer.
func Cancelled(op, path string, offset int64, cause error) *TransferError {
	return &TransferError{Op: op, Path: path, Offset: offset, Reason: ErrCancelled, Err: cause}
}
