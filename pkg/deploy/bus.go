package deploy

import (
	"sync"

	"github.com/wisbric/instancer/internal/telemetry"
)

// subscriberBuffer is the per-subscriber update buffer size. A subscriber
// that falls this far behind starts losing its oldest updates; the gateway
// resynchronizes clients from the store on reconnect.
const subscriberBuffer = 16

// Bus is a process-wide broadcast channel for deployment updates. Every
// session gateway subscribes and filters by user id.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// NewBus creates an update bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscriber receives all updates published after Subscribe.
type Subscriber struct {
	bus *Bus
	ch  chan Update
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{bus: b, ch: make(chan Update, subscriberBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers the update to every subscriber. A full subscriber drops
// its oldest buffered update rather than blocking the publisher.
func (b *Bus) Publish(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		select {
		case s.ch <- u:
			continue
		default:
		}
		// Buffer full: evict the oldest and retry once. Sends only happen
		// here under b.mu and a concurrent receive only frees room, so a
		// slot is free for the retry; the drop branch is defensive.
		select {
		case <-s.ch:
			telemetry.DroppedUpdatesTotal.Inc()
		default:
		}
		select {
		case s.ch <- u:
		default:
			telemetry.DroppedUpdatesTotal.Inc()
		}
	}
}

// Updates returns the subscriber's receive channel.
func (s *Subscriber) Updates() <-chan Update {
	return s.ch
}

// Close unregisters the subscriber. The channel is left open so concurrent
// publishes never panic; it simply stops receiving.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}
