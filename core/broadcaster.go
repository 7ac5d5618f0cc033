package core

import (
	"sync"
	"time"
)

const (
	// subscriberBuffer is each subscriber's private queue. A subscriber
	// that falls this far behind is disconnected rather than blocked on.
	subscriberBuffer = 64

	// terminalGrace is how long connected subscribers get to drain after
	// the terminal event before their channels close.
	terminalGrace = 100 * time.Millisecond
)

// broadcaster fans one job's events out to any number of subscribers, each
// with an independent bounded buffer.
type broadcaster struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	terminal *Event
	closed   bool
}

type subscriber struct {
	ch chan Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel func. If the job already reached a terminal status, the channel
// immediately delivers that terminal event and closes.
func (b *broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	if b.closed {
		if b.terminal != nil {
			sub.ch <- *b.terminal
		}
		close(sub.ch)
		return sub.ch, func() {}
	}

	b.subs[sub] = struct{}{}
	streamSubscribers.Inc()
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
			streamSubscribers.Dec()
		}
	}
	return sub.ch, cancel
}

// Publish delivers ev to every subscriber. A subscriber whose buffer is
// full is dropped on the spot; nothing ever blocks the publisher.
func (b *broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(b.subs, sub)
			close(sub.ch)
			streamSubscribers.Dec()
			streamLaggards.Inc()
		}
	}
}

// PublishTerminal delivers the final event and closes every subscriber
// after a brief grace. Further publishes are dropped, and late subscribers
// get the terminal event straight away.
func (b *broadcaster) PublishTerminal(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.terminal = &ev
	b.closed = true

	delivered := make([]*subscriber, 0, len(b.subs))
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
			delivered = append(delivered, sub)
		default:
			close(sub.ch)
			streamLaggards.Inc()
		}
		delete(b.subs, sub)
		streamSubscribers.Dec()
	}
	b.mu.Unlock()

	time.AfterFunc(terminalGrace, func() {
		for _, sub := range delivered {
			close(sub.ch)
		}
	})
}

// Close shuts the broadcaster without a terminal event. Used for jobs that
// never left pending when the engine stops.
func (b *broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
		streamSubscribers.Dec()
	}
}
