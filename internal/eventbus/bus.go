package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get a buffered channel; a slow subscriber drops events.
//
// Data should be small and JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]struct{} // nil: all types
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types != nil {
			if _, ok := s.types[e.Type]; !ok {
				continue
			}
		}
		targets = append(targets, s.ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		func() {
			// unsubscribe may close ch concurrently
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

// Subscribe registers a listener for the given event types (all when none).
func (b *MemBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Dropped counts deliveries lost to full subscriber buffers.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
