package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/isoflash/isoflash/pkg/db"
	"github.com/isoflash/isoflash/pkg/device"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/image"
	"github.com/isoflash/isoflash/pkg/mount"
	"github.com/isoflash/isoflash/pkg/progress"
	"github.com/isoflash/isoflash/pkg/safety"
	"github.com/isoflash/isoflash/pkg/writer"
)

const opBurn = "burn"

var (
	// ErrUEFINotDetected rejects images without UEFI boot support when UEFI
	// is forced.
	ErrUEFINotDetected = errors.New("image is not UEFI-capable")
	// ErrNotHybrid rejects raw writes of images without an MBR partition
	// table; such images usually do not boot from USB.
	ErrNotHybrid = errors.New("image is not a hybrid ISO; raw write would likely not boot")
)

// Inspector analyses images.
type Inspector interface {
	Analyze(ctx context.Context, path string) (*image.Descriptor, error)
	VerifyIntegrity(ctx context.Context, path, expectedSHA256 string) (*image.Descriptor, error)
}

// Validator gates targets.
type Validator interface {
	Validate(ctx context.Context, path string) (*safety.Report, error)
	ValidateCapacity(desc device.Descriptor, imageSize int64) error
}

// Transfer runs a write or a verification to completion.
type Transfer interface {
	Run(ctx context.Context, imagePath string, target device.Descriptor, opts writer.Options, sink progress.Sink) error
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	inspector Inspector
	validator Validator
	writer    Transfer
	verifier  Transfer
	mounts    mount.Manager
	repo      *db.Repository
	sink      progress.Sink
}

// NewMachine creates a new FSM machine. mounts, repo and sink may be nil;
// sink receives events of runs started through the fsm manager.
func NewMachine(
	inspector Inspector,
	validator Validator,
	w Transfer,
	verifier Transfer,
	mounts mount.Manager,
	repo *db.Repository,
	sink progress.Sink,
) *Machine {
	return &Machine{
		inspector: inspector,
		validator: validator,
		writer:    w,
		verifier:  verifier,
		mounts:    mounts,
		repo:      repo,
		sink:      sink,
	}
}

// Begin assigns the burn id and records the pending burn.
func (m *Machine) Begin(ctx context.Context, req *BurnRequest) error {
	if err := req.Options.Validate(); err != nil {
		return err
	}
	if m.repo == nil {
		if req.BurnID == "" {
			req.BurnID = uuid.NewString()
		}
		return nil
	}

	burn := &db.Burn{
		ID:         req.BurnID,
		ImagePath:  req.ImagePath,
		DevicePath: req.DevicePath,
		Strategy:   string(req.Options.Strategy),
	}
	if err := m.repo.CreateBurn(ctx, burn); err != nil {
		return errors.Wrap(err, "failed to record burn")
	}
	req.BurnID = burn.ID
	return nil
}

func (m *Machine) setStatus(ctx context.Context, req *BurnRequest, resp *BurnResponse, status string, sink progress.Sink) {
	resp.Status = status
	emit(sink, progress.Status(opBurn, "%s", status))
	if m.repo == nil {
		return
	}
	if err := m.repo.UpdateBurnStatus(context.WithoutCancel(ctx), req.BurnID, status, ""); err != nil {
		slog.Warn("burn_status_update_failed", "burn_id", req.BurnID, "status", status, "error", err)
	}
}

func emit(sink progress.Sink, ev progress.Event) {
	if sink != nil {
		sink(ev)
	}
}

// emitStep relays a step's event. The step's own outcome becomes a status
// line, so the burn-level Completed or Failed is the only terminal event a
// burn stream carries. A step failure is reported there.
func emitStep(sink progress.Sink, ev progress.Event) {
	switch ev.Kind {
	case progress.KindFailed:
		return
	case progress.KindCompleted:
		ev.Kind = progress.KindStatus
		if ev.Message == "" {
			ev.Message = "done"
		}
	}
	emit(sink, ev)
}

// inspect analyses the image and applies the UEFI and hybrid gates.
func (m *Machine) inspect(ctx context.Context, req *BurnRequest, resp *BurnResponse, sink progress.Sink) error {
	slog.Info("fsm_state_inspect", "burn_id", req.BurnID, "image", req.ImagePath)
	m.setStatus(ctx, req, resp, db.StatusInspecting, sink)

	var desc *image.Descriptor
	var err error
	if req.ExpectedSHA256 != "" {
		desc, err = m.inspector.VerifyIntegrity(ctx, req.ImagePath, req.ExpectedSHA256)
	} else {
		desc, err = m.inspector.Analyze(ctx, req.ImagePath)
	}
	if err != nil {
		return err
	}
	resp.Image = desc

	if req.Options.ForceUEFI && !desc.IsUEFICapable {
		return fmt.Errorf("%w: %s", ErrUEFINotDetected, req.ImagePath)
	}
	if req.Options.Strategy == writer.StrategyRaw && !desc.IsHybrid && !req.Options.AllowNonHybridForce {
		return fmt.Errorf("%w: %s", ErrNotHybrid, req.ImagePath)
	}

	emit(sink, progress.Status(opBurn, "image %s: bootable=%t uefi=%t hybrid=%t",
		desc.VolumeLabel, desc.IsBootable, desc.IsUEFICapable, desc.IsHybrid))
	return nil
}

// validate re-checks the target right before it is touched.
func (m *Machine) validate(ctx context.Context, req *BurnRequest, resp *BurnResponse, sink progress.Sink) error {
	slog.Info("fsm_state_validate", "burn_id", req.BurnID, "device", req.DevicePath)
	m.setStatus(ctx, req, resp, db.StatusValidating, sink)

	report, err := m.validator.Validate(ctx, req.DevicePath)
	if err != nil {
		return err
	}
	if resp.Image != nil {
		if err := m.validator.ValidateCapacity(report.Device, resp.Image.SizeBytes); err != nil {
			return err
		}
	}

	resp.Device = report.Device
	resp.Warnings = report.Warnings
	for _, w := range report.Warnings {
		emit(sink, progress.Status(opBurn, "warning: %s", w))
	}
	return nil
}

func (m *Machine) write(ctx context.Context, req *BurnRequest, resp *BurnResponse, sink progress.Sink) error {
	slog.Info("fsm_state_write", "burn_id", req.BurnID, "device", resp.Device.Path, "strategy", req.Options.Strategy)
	m.setStatus(ctx, req, resp, db.StatusWriting, sink)

	return m.writer.Run(ctx, req.ImagePath, resp.Device, req.Options, func(ev progress.Event) {
		if ev.Kind == progress.KindProgress {
			resp.BytesWritten = ev.BytesDone
		}
		emitStep(sink, ev)
	})
}

func (m *Machine) verify(ctx context.Context, req *BurnRequest, resp *BurnResponse, sink progress.Sink) error {
	if !req.Options.ShouldVerify() || m.verifier == nil {
		slog.Info("fsm_state_verify_skipped", "burn_id", req.BurnID)
		emit(sink, progress.Status(opBurn, "verification skipped"))
		return nil
	}

	slog.Info("fsm_state_verify", "burn_id", req.BurnID, "device", resp.Device.Path)
	m.setStatus(ctx, req, resp, db.StatusVerifying, sink)

	if err := m.verifier.Run(ctx, req.ImagePath, resp.Device, req.Options, func(ev progress.Event) { emitStep(sink, ev) }); err != nil {
		return err
	}
	resp.Verified = true
	return nil
}

// complete records the outcome and optionally ejects the device.
func (m *Machine) complete(ctx context.Context, req *BurnRequest, resp *BurnResponse, sink progress.Sink) error {
	slog.Info("fsm_state_complete", "burn_id", req.BurnID)

	if req.Eject && m.mounts != nil {
		if err := m.mounts.Eject(ctx, resp.Device.Path); err != nil {
			slog.Warn("eject_failed", "device", resp.Device.Path, "error", err)
			emit(sink, progress.Status(opBurn, "eject failed: %v", err))
		}
	}

	resp.Status = db.StatusCompleted
	m.record(ctx, req, resp)
	emit(sink, progress.Completed(opBurn, fmt.Sprintf("burned %s to %s", req.ImagePath, resp.Device.Path)))
	return nil
}

// fail records a failed or cancelled burn and emits the terminal event.
func (m *Machine) fail(ctx context.Context, state string, req *BurnRequest, resp *BurnResponse, sink progress.Sink, err error) {
	resp.Status = failureStatus(err)
	resp.ErrorMessage = err.Error()

	slog.Error("burn_failed", "burn_id", req.BurnID, "state", state, "status", resp.Status, "error", err)
	m.record(ctx, req, resp)
	emit(sink, progress.Failed(opBurn, err))
}

func (m *Machine) record(ctx context.Context, req *BurnRequest, resp *BurnResponse) {
	if m.repo == nil {
		return
	}

	burn := &db.Burn{
		ID:           req.BurnID,
		DeviceLabel:  resp.Device.DisplayLabel,
		Status:       resp.Status,
		BytesWritten: resp.BytesWritten,
		Verified:     resp.Verified,
		ErrorMessage: resp.ErrorMessage,
	}
	if resp.Image != nil {
		burn.ImageSHA256 = resp.Image.SHA256
	}
	if err := m.repo.UpdateBurn(context.WithoutCancel(ctx), burn); err != nil {
		slog.Warn("burn_record_failed", "burn_id", req.BurnID, "error", err)
	}
}
