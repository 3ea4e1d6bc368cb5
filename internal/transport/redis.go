package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus is a Bus backed by Redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// NewRedisBus wraps a connected client. prefix namespaces every channel name.
func NewRedisBus(client *redis.Client, prefix string, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		prefix: prefix,
		log:    logger.With().Str("component", "redis_bus").Logger(),
		subs:   make(map[*redisSub]struct{}),
	}
}

func (b *RedisBus) key(channel string) string {
	if b.prefix == "" {
		return channel
	}
	return b.prefix + ":" + channel
}

// Publish sends payload to channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, b.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe confirms the subscription with Redis before returning, so payloads
// published afterwards are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, b.key(channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	sub := &redisSub{bus: b, channel: channel, pubsub: pubsub, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(handler)
	return sub, nil
}

// Close unsubscribes everything. The client itself is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type redisSub struct {
	bus     *RedisBus
	channel string
	pubsub  *redis.PubSub
	done    chan struct{}
	once    sync.Once
}

func (s *redisSub) run(handler Handler) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			handler(context.Background(), []byte(msg.Payload))
		}
	}
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		err = s.pubsub.Close()
		if err != nil {
			s.bus.log.Warn().Err(err).Str("channel", s.channel).Msg("failed to close redis subscription")
		}
	})
	return err
}
