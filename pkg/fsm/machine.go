// Package fsm implements the burn pipeline: inspect the image, validate the
// target, write, optionally verify. Steps run either under the superfly/fsm
// manager (durable run log) or directly through Machine.Run.
package fsm

import (
	"context"
	"log/slog"

	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/progress"
	"github.com/superfly/fsm"
)

// Register registers the burn FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[BurnRequest, BurnResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[BurnRequest, BurnResponse](manager, "burn").
		Start(StateInspect, m.transition(StateInspect, m.inspect)).
		To(StateValidate, m.transition(StateValidate, m.validate)).
		To(StateWrite, m.transition(StateWrite, m.write)).
		To(StateVerify, m.transition(StateVerify, m.verify)).
		To(StateComplete, m.transition(StateComplete, m.complete)).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

type step func(ctx context.Context, req *BurnRequest, resp *BurnResponse, sink progress.Sink) error

// transition adapts a step to an fsm handler. Every failure aborts the run;
// nothing in the pipeline is retried.
func (m *Machine) transition(state string, s step) func(context.Context, *fsm.Request[BurnRequest, BurnResponse]) (*fsm.Response[BurnResponse], error) {
	return func(ctx context.Context, req *fsm.Request[BurnRequest, BurnResponse]) (*fsm.Response[BurnResponse], error) {
		resp := req.W.Msg
		if resp == nil {
			resp = &BurnResponse{BurnID: req.Msg.BurnID}
		}

		if err := s(ctx, req.Msg, resp, m.sink); err != nil {
			m.fail(ctx, state, req.Msg, resp, m.sink, err)
			return nil, fsm.Abort(err)
		}
		return fsm.NewResponse(resp), nil
	}
}

// Run executes every step in order in the calling goroutine, reporting to
// sink instead of the machine's own sink.
func (m *Machine) Run(ctx context.Context, req *BurnRequest, sink progress.Sink) (*BurnResponse, error) {
	if req.BurnID == "" {
		if err := m.Begin(ctx, req); err != nil {
			return nil, err
		}
	}

	resp := &BurnResponse{BurnID: req.BurnID}
	steps := []struct {
		state string
		run   step
	}{
		{StateInspect, m.inspect},
		{StateValidate, m.validate},
		{StateWrite, m.write},
		{StateVerify, m.verify},
		{StateComplete, m.complete},
	}

	for _, s := range steps {
		if err := s.run(ctx, req, resp, sink); err != nil {
			m.fail(ctx, s.state, req, resp, sink, err)
			return resp, err
		}
	}

	slog.Info("burn_complete", "burn_id", req.BurnID, "bytes_written", resp.BytesWritten, "verified", resp.Verified)
	return resp, nil
}
