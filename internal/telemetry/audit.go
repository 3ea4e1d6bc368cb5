package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chat-realtime/internal/models"
	"chat-realtime/internal/rabbitmq"
)

const DefaultRoutingKey = "audit.log"

type AuditEmitter struct {
	publisher   rabbitmq.Publisher
	routingKey  string
	service     string
	environment string
	log         zerolog.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

// EventTypeName implements rabbitmq.Typed.
func (AuditEnvelope) EventTypeName() string { return "audit_log" }

type AuditPayload struct {
	Level string       `json:"level"`
	Text  string       `json:"text"`
	Call  *CallPayload `json:"call,omitempty"`
}

// CallPayload describes one call lifecycle transition.
type CallPayload struct {
	Event    string `json:"event"`
	ThreadID string `json:"thread_id"`
	RoomID   string `json:"room_id,omitempty"`
	CallType string `json:"call_type"`
	State    string `json:"state"`
	CallerID string `json:"caller_id"`
	Outgoing bool   `json:"outgoing"`
	Reason   string `json:"reason,omitempty"`
}

func NewAuditEmitter(publisher rabbitmq.Publisher, routingKey, service, environment string, logger zerolog.Logger) *AuditEmitter {
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		log:         logger.With().Str("component", "audit").Logger(),
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID string, userID *string) {
	e.emit(ctx, requestID, userID, AuditPayload{Level: level, Text: text})
}

// CallEvent records a call transition. It satisfies calls.Auditor.
func (e *AuditEmitter) CallEvent(ctx context.Context, event string, call models.CallSession, reason string) {
	if e == nil {
		return
	}
	var userID *string
	if uid, ok := ctx.Value(userIDKey{}).(string); ok && uid != "" {
		userID = &uid
	}
	requestID, _ := ctx.Value(requestIDKey{}).(string)
	e.emit(ctx, requestID, userID, AuditPayload{
		Level: "INFO",
		Text:  event,
		Call: &CallPayload{
			Event:    event,
			ThreadID: call.ThreadID,
			RoomID:   call.RoomID,
			CallType: string(call.CallType),
			State:    string(call.State),
			CallerID: call.CallerID,
			Outgoing: call.Outgoing,
			Reason:   reason,
		},
	})
}

func (e *AuditEmitter) emit(ctx context.Context, requestID string, userID *string, payload AuditPayload) {
	if e == nil || e.publisher == nil {
		return
	}

	ev := e.log.Debug().Str("level", payload.Level).Str("request_id", requestID).Str("text", payload.Text)
	if userID != nil {
		ev = ev.Str("user_id", *userID)
	}
	ev.Msg("audit emit")

	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload:       payload,
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.log.Warn().Err(err).Str("routing_key", e.routingKey).Msg("audit publish failed")
	}
}

type userIDKey struct{}
type requestIDKey struct{}

// WithActor attaches the acting user and request to ctx for CallEvent.
func WithActor(ctx context.Context, userID, requestID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey{}, userID)
	return context.WithValue(ctx, requestIDKey{}, requestID)
}
