package fanout

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
	"github.com/eldtechnologies/chatrelay/internal/models"
)

// MemoryBus is an in-process Bus for single-instance deployments and tests.
// Publish never blocks: a full subscriber buffer drops the event.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*memSub
	seq    atomic.Uint64
	buffer int
	closed bool
}

// NewMemoryBus creates a bus whose subscribers buffer up to buffer events.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &MemoryBus{subs: map[string]map[uint64]*memSub{}, buffer: buffer}
}

type memSub struct {
	bus     *MemoryBus
	channel string
	id      uint64
	ch      chan models.MessageEvent
	done    chan struct{}
	once    sync.Once
}

func (s *memSub) Events() <-chan models.MessageEvent { return s.ch }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs, ok := s.bus.subs[s.channel]; ok {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(s.bus.subs, s.channel)
			}
		}
		// Sends happen under the read lock, so nothing can be sending now.
		close(s.ch)
		s.bus.mu.Unlock()
		close(s.done)
		metrics.LiveSubscribers.Dec()
	})
	return nil
}

// Publish delivers event to every current subscriber of channel.
func (b *MemoryBus) Publish(ctx context.Context, channel string, event models.MessageEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		metrics.PublishFailures.WithLabelValues("memory").Inc()
		return ErrClosed
	}
	for _, s := range b.subs[channel] {
		select {
		case s.ch <- event:
		default:
			metrics.EventsDropped.WithLabelValues("memory").Inc()
		}
	}
	return nil
}

// Subscribe registers a new subscriber on channel.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	s := &memSub{
		bus:     b,
		channel: channel,
		id:      b.seq.Add(1),
		ch:      make(chan models.MessageEvent, b.buffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.subs[channel] == nil {
		b.subs[channel] = map[uint64]*memSub{}
	}
	b.subs[channel][s.id] = s
	b.mu.Unlock()
	metrics.LiveSubscribers.Inc()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

// Close ends every subscription and rejects further use.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memSub
	for _, subs := range b.subs {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	return nil
}
