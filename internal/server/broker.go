package server

import (
	"sync"

	"github.com/isoflash/isoflash/pkg/progress"
)

// broker keeps every event of one burn and fans them out to subscribers.
// It closes once the burn-level terminal event has been published.
type broker struct {
	mu      sync.Mutex
	history []progress.Event
	subs    map[chan progress.Event]struct{}
	closed  bool
}

func newBroker() *broker {
	return &broker{subs: make(map[chan progress.Event]struct{})}
}

// publish never blocks the burn: a subscriber that falls behind loses
// intermediate events rather than stalling the write. The burn terminal
// event is always delivered before the channel closes.
func (b *broker) publish(ev progress.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.history = append(b.history, ev)
	final := ev.Op == opBurn && ev.Terminal()
	for ch := range b.subs {
		if final {
			deliverLast(ch, ev)
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}

	if final {
		b.closed = true
		for ch := range b.subs {
			close(ch)
		}
		b.subs = nil
	}
}

// deliverLast sends ev, evicting the oldest buffered events of a full
// channel until it fits. Only the subscriber receives from ch besides us.
func deliverLast(ch chan progress.Event, ev progress.Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// subscribe returns the events so far and, unless the burn is over, a
// channel with the ones that follow.
func (b *broker) subscribe() ([]progress.Event, chan progress.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	history := append([]progress.Event(nil), b.history...)
	if b.closed {
		return history, nil
	}
	ch := make(chan progress.Event, 64)
	b.subs[ch] = struct{}{}
	return history, ch
}

func (b *broker) unsubscribe(ch chan progress.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *broker) done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
