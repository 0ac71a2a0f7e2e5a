package fsm

import (
	"context"
	"sync"

	"github.com/isoflash/isoflash/pkg/db"
	"github.com/isoflash/isoflash/pkg/errors"
	"github.com/isoflash/isoflash/pkg/progress"
	"github.com/isoflash/isoflash/pkg/writer"
)

// Outcome captures the burn-level terminal event of a run. The machine
// records the burn before emitting it, so once Wait returns the history
// row is final.
type Outcome struct {
	once sync.Once
	done chan struct{}
	ev   progress.Event
}

func NewOutcome() *Outcome {
	return &Outcome{done: make(chan struct{})}
}

// Sink returns a sink that passes every event to next and keeps the first
// burn terminal event.
func (o *Outcome) Sink(next progress.Sink) progress.Sink {
	return func(ev progress.Event) {
		if next != nil {
			next(ev)
		}
		if ev.Op == opBurn && ev.Terminal() {
			o.once.Do(func() {
				o.ev = ev
				close(o.done)
			})
		}
	}
}

// Wait returns the terminal event, or false if ctx ends first.
func (o *Outcome) Wait(ctx context.Context) (progress.Event, bool) {
	select {
	case <-o.done:
		return o.ev, true
	case <-ctx.Done():
		return progress.Event{}, false
	}
}

// StatusOf maps a burn terminal event to its history status.
func StatusOf(ev progress.Event) string {
	if ev.Kind == progress.KindCompleted {
		return db.StatusCompleted
	}
	return failureStatus(ev.Err)
}

func failureStatus(err error) string {
	if errors.Is(err, writer.ErrCancelled) || errors.Is(err, context.Canceled) {
		return db.StatusCancelled
	}
	return db.StatusFailed
}
