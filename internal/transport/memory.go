package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const memoryBufferSize = 256

// MemoryBus is an in-process Bus for single-node deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
	log    zerolog.Logger
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{
		subs: make(map[string]map[*memorySub]struct{}),
		log:  logger.With().Str("component", "memory_bus").Logger(),
	}
}

type memorySub struct {
	bus     *MemoryBus
	channel string
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

// Publish delivers payload to every current subscriber of channel. Slow subscribers drop.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[channel] {
		select {
		case sub.queue <- payload:
		default:
			b.log.Warn().Str("channel", channel).Msg("dropping payload for slow subscriber")
		}
	}
	return nil
}

// Subscribe registers handler on channel. Payloads are handled in publish order.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		bus:     b,
		channel: channel,
		queue:   make(chan []byte, memoryBufferSize),
		done:    make(chan struct{}),
	}
	if _, ok := b.subs[channel]; !ok {
		b.subs[channel] = make(map[*memorySub]struct{})
	}
	b.subs[channel][sub] = struct{}{}

	go sub.run(handler)
	return sub, nil
}

// Close stops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, subs := range b.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*memorySub]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	return nil
}

func (s *memorySub) run(handler Handler) {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.queue:
			handler(context.Background(), payload)
		}
	}
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	if subs, ok := s.bus.subs[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.subs, s.channel)
		}
	}
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}
