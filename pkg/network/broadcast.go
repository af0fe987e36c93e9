package network

import (
	"context"
	"sync"

	"github.com/duskline/punch/pkg/errs"
	"github.com/duskline/punch/pkg/protocol"
)

// broadcaster fans a published message out to every currently-registered
// Subscription. Subscriptions created after a Publish call never observe
// that publication — this ordering is load-bearing for WaitForConnection
// and the receiver loops, which must subscribe before the condition they
// wait for can fire.
type broadcaster struct {
	mu       sync.Mutex
	capacity int
	nextID   uint64
	subs     map[uint64]chan protocol.Message
	lagged   map[uint64]*lagFlag
}

type lagFlag struct {
	mu  sync.Mutex
	set bool
}

func newBroadcaster(capacity int) *broadcaster {
	return &broadcaster{
		capacity: capacity,
		subs:     make(map[uint64]chan protocol.Message),
		lagged:   make(map[uint64]*lagFlag),
	}
}

// Subscription is a fresh view onto the broadcaster's future publications.
type Subscription struct {
	b    *broadcaster
	id   uint64
	ch   chan protocol.Message
	lag  *lagFlag
}

func (b *broadcaster) subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan protocol.Message, b.capacity)
	lag := &lagFlag{}
	b.subs[id] = ch
	b.lagged[id] = lag
	return &Subscription{b: b, id: id, ch: ch, lag: lag}
}

func (b *broadcaster) publish(msg protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.lagged[id].mu.Lock()
			b.lagged[id].set = true
			b.lagged[id].mu.Unlock()
			// Drain one stale entry to make room, matching a bounded
			// ring buffer's drop-oldest behavior under lag.
			select {
			case <-ch:
				select {
				case ch <- msg:
				default:
				}
			default:
			}
		}
	}
}

// Recv blocks until a message is published, the subscription is lagged
// (in which case a single errs.Channel error is surfaced and the
// subscriber is expected to call Recv again to resume with fresh
// messages), or ctx is done.
func (s *Subscription) Recv(ctx context.Context) (protocol.Message, error) {
	s.lag.mu.Lock()
	lagged := s.lag.set
	if lagged {
		s.lag.set = false
	}
	s.lag.mu.Unlock()
	if lagged {
		return protocol.Message{}, errs.Channel("subscriber lagged, messages were dropped")
	}

	select {
	case msg := <-s.ch:
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Close removes the subscription from the broadcaster.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.subs, s.id)
	delete(s.b.lagged, s.id)
}

// C exposes the raw message channel for use in a caller's own select
// statement (e.g. alongside a retransmit ticker). TakeLag should be
// checked before trusting a value read this way.
func (s *Subscription) C() <-chan protocol.Message {
	return s.ch
}

// TakeLag reports whether this subscription missed messages since the
// last call, clearing the flag.
func (s *Subscription) TakeLag() bool {
	s.lag.mu.Lock()
	defer s.lag.mu.Unlock()
	lagged := s.lag.set
	s.lag.set = false
	return lagged
}
