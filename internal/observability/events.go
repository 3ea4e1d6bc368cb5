package observability

import (
	"context"

	"chat-realtime/internal/rabbitmq"
)

// EventEnvelope wraps websocket and call lifecycle events published to AMQP.
type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// EventTypeName implements rabbitmq.Typed.
func (e EventEnvelope) EventTypeName() string {
	return e.EventType + "." + e.EventName
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

var defaultPublisher rabbitmq.Publisher

// SetPublisher installs the publisher used by PublishEvent.
func SetPublisher(publisher rabbitmq.Publisher) {
	defaultPublisher = publisher
}

// PublishEvent publishes an envelope if a publisher is installed.
func PublishEvent(ctx context.Context, routingKey string, message EventEnvelope, headers map[string]string) error {
	if defaultPublisher == nil {
		return nil
	}

	err := defaultPublisher.PublishWithHeaders(ctx, routingKey, message, headers)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}
