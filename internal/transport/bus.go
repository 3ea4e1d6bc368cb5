// Package transport provides the named-channel publish/subscribe primitive the
// realtime components ride on. Delivery is at-most-once and ordered per channel
// for a given subscriber; nothing is ordered across channels.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("transport closed")

// Handler receives one payload published on a channel.
type Handler func(ctx context.Context, payload []byte)

// Subscription is an active channel subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a named-channel publish/subscribe transport.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
	Close() error
}

// PresenceChannel is the single global presence channel.
const PresenceChannel = "presence"

// TypingChannel is the per-thread typing broadcast channel.
func TypingChannel(threadID string) string {
	return "typing:" + threadID
}

// InboxChannel carries row deltas addressed to one user.
func InboxChannel(userID string) string {
	return "inbox:" + userID
}

// PublishJSON marshals v and publishes it on channel.
func PublishJSON(ctx context.Context, bus Bus, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, channel, payload)
}
