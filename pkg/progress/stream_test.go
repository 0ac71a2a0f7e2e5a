package progress

import (
	"context"
	"errors"
	"testing"
)

func TestEmitter_SingleTerminalEvent(t *testing.T) {
	e := NewEmitter("write", 8)

	go func() {
		e.Statusf("starting")
		e.Emit(Event{Kind: KindProgress, Percent: 50})
		e.Finish(nil, "done")
		e.Finish(errors.New("late failure"), "")
		e.Emit(Event{Kind: KindProgress, Percent: 60})
	}()

	var terminals, total int
	for ev := range e.Events() {
		total++
		if ev.Terminal() {
			terminals++
			if ev.Kind != KindCompleted {
				t.Errorf("expected completed, got %s", ev.Kind)
			}
		}
		if ev.Op != "write" {
			t.Errorf("expected op write, got %q", ev.Op)
		}
	}

	if terminals != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminals)
	}
	if total != 3 {
		t.Errorf("expected 3 events, got %d", total)
	}
}

func TestEmitter_IgnoresTerminalThroughEmit(t *testing.T) {
	e := NewEmitter("verify", 4)
	e.Emit(Completed("verify", "sneaky"))
	e.Finish(nil, "real")

	var got []Event
	for ev := range e.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Message != "real" {
		t.Errorf("unexpected events: %+v", got)
	}
}

func TestWait_ReturnsTerminalError(t *testing.T) {
	boom := errors.New("boom")
	e := NewEmitter("write", 4)
	e.Emit(Event{Kind: KindProgress, Percent: 10})
	e.Finish(boom, "")

	if err := Wait(e.Events()); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestForward_ClosedWithoutTerminal(t *testing.T) {
	ch := make(chan Event, 1)
	ch <- Event{Kind: KindProgress}
	close(ch)

	var seen int
	err := Forward(context.Background(), ch, func(Event) { seen++ })
	if !errors.Is(err, ErrNoTerminalEvent) {
		t.Errorf("expected ErrNoTerminalEvent, got %v", err)
	}
	if seen != 1 {
		t.Errorf("sink should see 1 event, saw %d", seen)
	}
}

func TestEmitter_OnCloseRunsBeforeClose(t *testing.T) {
	em := NewEmitter("write", 4)
	released := false
	em.OnClose(func() { released = true })

	go em.Finish(nil, "done")

	if err := Wait(em.Events()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !released {
		t.Error("OnClose hook should have run before the channel closed")
	}
}
