package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSBus is a Bus backed by core NATS subjects.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NewNATSBus wraps a connected NATS connection.
func NewNATSBus(conn *nats.Conn, prefix string, logger zerolog.Logger) *NATSBus {
	return &NATSBus{
		conn:   conn,
		prefix: prefix,
		log:    logger.With().Str("component", "nats_bus").Logger(),
	}
}

// subject maps "typing:<id>" style channel names onto NATS subject tokens.
func (b *NATSBus) subject(channel string) string {
	subject := strings.ReplaceAll(channel, ":", ".")
	if b.prefix == "" {
		return subject
	}
	return strings.ReplaceAll(b.prefix, ":", ".") + "." + subject
}

// Publish sends payload to the channel's subject.
func (b *NATSBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if err := b.conn.Publish(b.subject(channel), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers handler on the channel's subject.
func (b *NATSBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(b.subject(channel), func(msg *nats.Msg) {
		handler(context.Background(), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	if err := b.conn.Flush(); err != nil {
		b.log.Warn().Err(err).Str("channel", channel).Msg("nats flush after subscribe failed")
	}
	return sub, nil
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	return b.conn.Drain()
}
