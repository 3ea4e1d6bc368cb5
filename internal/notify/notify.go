// Package notify hands push notifications to the delivery service over RabbitMQ.
// Delivery is fire-and-forget: failures are logged and counted, never returned.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chat-realtime/internal/observability"
	"chat-realtime/internal/rabbitmq"
)

const (
	DefaultRoutingKey = "push.notification"
	sendTimeout       = 5 * time.Second
)

// Notification is a push notification addressed to one user.
type Notification struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

func (Notification) EventTypeName() string { return "push_notification" }

// Notifier sends push notifications without blocking the caller.
type Notifier interface {
	Send(ctx context.Context, n Notification)
}

// AMQPNotifier publishes notifications on a topic exchange.
type AMQPNotifier struct {
	publisher  rabbitmq.Publisher
	routingKey string
	log        zerolog.Logger
}

func NewAMQPNotifier(publisher rabbitmq.Publisher, routingKey string, logger zerolog.Logger) *AMQPNotifier {
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	return &AMQPNotifier{
		publisher:  publisher,
		routingKey: routingKey,
		log:        logger.With().Str("component", "notify").Logger(),
	}
}

// Send publishes n in the background. The request id from ctx headers is kept
// but cancellation of ctx is not.
func (a *AMQPNotifier) Send(ctx context.Context, n Notification) {
	if a == nil || a.publisher == nil || n.UserID == "" {
		return
	}
	headers := observability.BuildHeaders(requestIDFrom(ctx), "")

	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := a.publisher.PublishWithHeaders(sendCtx, a.routingKey, n, headers); err != nil {
			observability.IncNotificationFailure()
			a.log.Warn().Err(err).Str("user_id", n.UserID).Msg("push notification failed")
		}
	}()
}

// SendAll sends the same title and body to every user in userIDs.
func SendAll(ctx context.Context, notifier Notifier, userIDs []string, title, body string, data map[string]string) {
	if notifier == nil {
		return
	}
	for _, id := range userIDs {
		notifier.Send(ctx, Notification{UserID: id, Title: title, Body: body, Data: data})
	}
}

type requestIDKey struct{}

// WithRequestID stores a request id for notifications sent under ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
