package progress

import (
	"context"
	"sync"

	"github.com/isoflash/isoflash/pkg/errors"
)

// ErrNoTerminalEvent is returned by Wait when a stream closes without a
// Completed or Failed event.
var ErrNoTerminalEvent = errors.New("event stream closed without a terminal event")

// Sink receives events, typically a presentation layer.
type Sink func(Event)

// Emitter owns the channel of one operation. It guarantees that exactly one
// terminal event is sent and that nothing follows it.
type Emitter struct {
	op   string
	ch   chan Event
	once sync.Once
	mu   sync.Mutex
	done bool

	closers []func()
}

// NewEmitter creates an emitter with a buffered channel.
func NewEmitter(op string, buffer int) *Emitter {
	if buffer < 1 {
		buffer = 1
	}
	return &Emitter{op: op, ch: make(chan Event, buffer)}
}

// Events is the receive side handed to callers. It must be drained.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Emit sends a non-terminal event. Events after Finish are dropped.
func (e *Emitter) Emit(ev Event) {
	if ev.Terminal() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	if ev.Op == "" {
		ev.Op = e.op
	}
	e.ch <- ev
}

// Statusf emits a status event.
func (e *Emitter) Statusf(format string, args ...any) {
	e.Emit(Status(e.op, format, args...))
}

// OnClose registers fn to run after the terminal event is sent and before
// the channel is closed. A consumer that drains the channel therefore
// observes every registered fn as done.
func (e *Emitter) OnClose(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closers = append(e.closers, fn)
}

// Finish sends Completed (err == nil) or Failed and closes the channel.
// Only the first call has any effect.
func (e *Emitter) Finish(err error, message string) {
	e.once.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.done = true
		if err != nil {
			e.ch <- Failed(e.op, err)
		} else {
			e.ch <- Completed(e.op, message)
		}
		for _, fn := range e.closers {
			fn()
		}
		close(e.ch)
	})
}

// Wait drains events until the terminal one and returns its error.
func Wait(events <-chan Event) error {
	return Forward(context.Background(), events, nil)
}

// Forward drains events into sink (which may be nil) and returns the
// terminal error. If ctx ends first the remaining events are still drained
// so the producer can release its resources.
func Forward(ctx context.Context, events <-chan Event, sink Sink) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ErrNoTerminalEvent
			}
			if sink != nil {
				sink(ev)
			}
			switch ev.Kind {
			case KindCompleted:
				drain(events)
				return nil
			case KindFailed:
				drain(events)
				return ev.Err
			}
		case <-ctx.Done():
			go drain(events)
			return ctx.Err()
		}
	}
}

func drain(events <-chan Event) {
	for range events {
	}
}
