// Package events is the fan-out surface toward external observers
// (dashboard, CLI, logs). Publishing is fire-and-forget: a slow subscriber
// loses its oldest queued event instead of blocking the emitter.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind identifies an event stream.
type Kind string

// Event kinds emitted by the gateway.
const (
	KindConnectionStatus Kind = "connectionStatus"
	KindLog              Kind = "log"
	KindMeshSummary      Kind = "meshSummary"
	KindAPRSUplink       Kind = "aprsUplink"
	KindTelemetryUpdate  Kind = "telemetryUpdate"
	KindNodeUpdate       Kind = "nodeUpdate"
	KindStateSnapshot    Kind = "stateSnapshot"
)

// Event is one notification.
type Event struct {
	Time    time.Time
	Kind    Kind
	Payload any
}

// Subscriber receives events over a bounded channel.
type Subscriber struct {
	ch    chan Event
	kinds map[Kind]struct{} // empty means all kinds
}

// C returns the subscriber's receive channel.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// Bus distributes events to subscribers. Safe for concurrent use.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber with the given channel capacity. With no
// kinds listed the subscriber receives everything.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}

	s := &Subscriber{
		ch:    make(chan Event, buffer),
		kinds: make(map[Kind]struct{}, len(kinds)),
	}
	for _, k := range kinds {
		s.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
	b.mu.Unlock()
}

// Publish delivers an event to all matching subscribers without blocking.
// When a subscriber's queue is full the oldest queued event is dropped to
// make room, and the drop is logged.
func (b *Bus) Publish(kind Kind, payload any) {
	ev := Event{Time: time.Now(), Kind: kind, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		if len(s.kinds) > 0 {
			if _, ok := s.kinds[kind]; !ok {
				continue
			}
		}

		select {
		case s.ch <- ev:
			continue
		default:
		}

		// Queue full: drop the oldest entry, then retry once
		select {
		case <-s.ch:
			log.Debug().Str("kind", string(kind)).Msg("Slow event subscriber, dropped oldest event")
		default:
		}

		select {
		case s.ch <- ev:
		default:
		}
	}
}
