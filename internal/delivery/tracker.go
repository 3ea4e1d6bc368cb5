// Package delivery appends messages to threads and derives read state from
// receipts. Unread counts are always recomputed, never stored.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx/types"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"chat-realtime/internal/models"
	"chat-realtime/internal/notify"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/threads"
	"chat-realtime/internal/transport"
)

const (
	MaxPreviewLength  = 100
	AttachmentPreview = "Shared an attachment"
	DefaultPageSize   = 50
	MaxPageSize       = 200
)

var (
	ErrEmptyMessage = errors.New("message has no content and no attachments")
	ErrInvalidReply = errors.New("reply target is not in this thread")
	ErrNotSender    = errors.New("only the sender can delete a message for everyone")
)

// PostInput describes a message to append.
type PostInput struct {
	ThreadID    string
	SenderID    string
	Content     string
	Type        models.MessageType
	Metadata    types.JSONText
	Attachments []models.Attachment
	ReplyToID   *string
}

// Tracker posts messages and answers read-state questions.
type Tracker struct {
	threads     repositories.ThreadRepository
	messages    repositories.MessageRepository
	receipts    repositories.ReceiptRepository
	attachments repositories.AttachmentRepository
	bus         transport.Bus
	notifier    notify.Notifier
	sanitizer   *bluemonday.Policy
	validate    *validator.Validate
	tracer      trace.Tracer
	log         zerolog.Logger
}

func NewTracker(
	threadRepo repositories.ThreadRepository,
	messageRepo repositories.MessageRepository,
	receiptRepo repositories.ReceiptRepository,
	attachmentRepo repositories.AttachmentRepository,
	bus transport.Bus,
	notifier notify.Notifier,
	logger zerolog.Logger,
) *Tracker {
	return &Tracker{
		threads:     threadRepo,
		messages:    messageRepo,
		receipts:    receiptRepo,
		attachments: attachmentRepo,
		bus:         bus,
		notifier:    notifier,
		sanitizer:   bluemonday.StrictPolicy(),
		validate:    validator.New(),
		tracer:      otel.Tracer("chat-realtime/delivery"),
		log:         logger.With().Str("component", "delivery").Logger(),
	}
}

// BuildPreview renders the thread preview for a message.
func BuildPreview(content string, hasAttachments bool) string {
	content = strings.TrimSpace(content)
	if content == "" {
		if hasAttachments {
			return AttachmentPreview
		}
		return ""
	}
	if utf8.RuneCountInString(content) <= MaxPreviewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:MaxPreviewLength-3]) + "..."
}

// SignalPreview labels a call-signaling message in the thread list.
func SignalPreview(kind models.MessageType, metadata types.JSONText) string {
	switch kind {
	case models.MessageCallRequest:
		var req models.CallRequest
		if err := json.Unmarshal(metadata, &req); err == nil && req.CallType == models.CallVideo {
			return "Video call"
		}
		return "Voice call"
	case models.MessageCallAccepted:
		return "Call started"
	case models.MessageCallRejected:
		return "Call declined"
	case models.MessageCallEnded:
		var out models.CallOutcome
		if err := json.Unmarshal(metadata, &out); err == nil && out.Reason == models.EndReasonNoAnswer {
			return "Missed call"
		}
		return "Call ended"
	}
	return ""
}

// sanitize strips markup. The result is plain text, so entities produced by
// the policy are decoded again.
func (t *Tracker) sanitize(content string) string {
	return strings.TrimSpace(html.UnescapeString(t.sanitizer.Sanitize(content)))
}

// PostMessage appends a message and runs its side effects: the sender's own
// receipt, the thread preview and timestamps, attachments, inbox deltas and a
// push notification to the other members.
func (t *Tracker) PostMessage(ctx context.Context, in PostInput) (models.Message, error) {
	ctx, span := t.tracer.Start(ctx, "delivery.PostMessage", trace.WithAttributes(
		attribute.String("thread.id", in.ThreadID),
		attribute.String("message.type", string(in.Type)),
	))
	defer span.End()

	msg, err := t.postMessage(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return msg, err
}

func (t *Tracker) postMessage(ctx context.Context, in PostInput) (models.Message, error) {
	if in.Type == "" {
		in.Type = models.MessageText
	}
	content := t.sanitize(in.Content)
	if content == "" && len(in.Attachments) == 0 && !in.Type.IsCallSignal() {
		return models.Message{}, ErrEmptyMessage
	}
	for _, a := range in.Attachments {
		if err := t.validate.Struct(a); err != nil {
			return models.Message{}, fmt.Errorf("invalid attachment: %w", err)
		}
	}

	thread, err := t.threads.GetThread(ctx, in.ThreadID)
	if err != nil {
		return models.Message{}, err
	}
	if !thread.HasParticipant(in.SenderID) {
		return models.Message{}, threads.ErrNotParticipant
	}

	if in.ReplyToID != nil && *in.ReplyToID != "" {
		target, err := t.messages.GetMessage(ctx, *in.ReplyToID)
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return models.Message{}, ErrInvalidReply
		}
		if err != nil {
			return models.Message{}, fmt.Errorf("load reply target: %w", err)
		}
		if target.ThreadID != in.ThreadID {
			return models.Message{}, ErrInvalidReply
		}
	} else {
		in.ReplyToID = nil
	}

	msg, err := t.messages.CreateMessage(ctx, models.Message{
		ThreadID:  in.ThreadID,
		SenderID:  in.SenderID,
		Content:   content,
		Type:      in.Type,
		Metadata:  in.Metadata,
		ReplyToID: in.ReplyToID,
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("create message: %w", err)
	}

	if _, err := t.receipts.InsertReceipt(ctx, msg.ID, in.SenderID); err != nil {
		t.log.Warn().Err(err).Str("message_id", msg.ID).Msg("sender receipt not recorded")
	} else {
		msg.ReadBy = []string{in.SenderID}
	}

	preview := BuildPreview(content, len(in.Attachments) > 0)
	if preview == "" && in.Type.IsCallSignal() {
		preview = SignalPreview(in.Type, in.Metadata)
	}
	if err := t.threads.UpdatePreview(ctx, in.ThreadID, preview, msg.CreatedAt); err != nil {
		t.log.Warn().Err(err).Str("thread_id", in.ThreadID).Msg("thread preview not updated")
	}

	if len(in.Attachments) > 0 {
		stored, err := t.attachments.CreateAttachments(ctx, msg.ID, in.Attachments)
		if err != nil {
			if delErr := t.messages.DeleteForEveryone(ctx, msg.ID, in.SenderID); delErr != nil {
				t.log.Error().Err(delErr).Str("message_id", msg.ID).Msg("failed to retract message after attachment error")
			}
			return models.Message{}, fmt.Errorf("store attachments: %w", err)
		}
		msg.Attachments = stored
	}

	observability.IncMessagePosted(string(msg.Type))
	t.fanOut(ctx, thread, models.ThreadEvent{
		Type:     models.EventMessageCreated,
		ThreadID: in.ThreadID,
		Message:  &msg,
		Preview:  preview,
	})

	if !msg.Type.IsCallSignal() {
		notify.SendAll(ctx, t.notifier, thread.ParticipantIDs(in.SenderID), threadTitle(thread), preview,
			map[string]string{"thread_id": in.ThreadID, "message_id": msg.ID})
	}
	return msg, nil
}

// MarkRead records that userID read messageID. Repeating it is a no-op.
func (t *Tracker) MarkRead(ctx context.Context, messageID, userID string) error {
	msg, err := t.messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	thread, err := t.threads.GetThread(ctx, msg.ThreadID)
	if err != nil {
		return err
	}
	if !thread.HasParticipant(userID) {
		return threads.ErrNotParticipant
	}

	inserted, err := t.receipts.InsertReceipt(ctx, messageID, userID)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	if inserted {
		t.fanOut(ctx, thread, models.ThreadEvent{
			Type:      models.EventReceiptAdded,
			ThreadID:  msg.ThreadID,
			MessageID: messageID,
			UserID:    userID,
		})
	}
	return nil
}

// MarkThreadRead marks every unread message of the thread as read and returns
// how many receipts were added.
func (t *Tracker) MarkThreadRead(ctx context.Context, threadID, userID string) (int, error) {
	thread, err := t.memberThread(ctx, threadID, userID)
	if err != nil {
		return 0, err
	}
	unread, err := t.unreadIDs(ctx, threadID, userID)
	if err != nil {
		return 0, err
	}
	if len(unread) == 0 {
		return 0, nil
	}

	count, err := t.receipts.InsertReceipts(ctx, userID, unread)
	if err != nil {
		return 0, fmt.Errorf("insert receipts: %w", err)
	}
	if count > 0 {
		t.fanOut(ctx, thread, models.ThreadEvent{Type: models.EventReceiptAdded, ThreadID: threadID, UserID: userID})
	}
	return count, nil
}

// UnreadCount counts visible messages from others that userID has no receipt for.
func (t *Tracker) UnreadCount(ctx context.Context, threadID, userID string) (int, error) {
	if _, err := t.memberThread(ctx, threadID, userID); err != nil {
		return 0, err
	}
	unread, err := t.unreadIDs(ctx, threadID, userID)
	if err != nil {
		return 0, err
	}
	return len(unread), nil
}

// ReadBy returns the users holding a receipt for messageID.
func (t *Tracker) ReadBy(ctx context.Context, messageID string) ([]string, error) {
	readers, err := t.receipts.ReadersByMessage(ctx, []string{messageID})
	if err != nil {
		return nil, fmt.Errorf("load receipts: %w", err)
	}
	if readers[messageID] == nil {
		return []string{}, nil
	}
	return readers[messageID], nil
}

// ListMessages returns a page of messages visible to userID, newest first, with
// read-by sets and attachments filled in.
func (t *Tracker) ListMessages(ctx context.Context, threadID, userID string, before *time.Time, limit int) ([]models.Message, error) {
	if _, err := t.memberThread(ctx, threadID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	msgs, err := t.messages.ListMessages(ctx, threadID, userID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(msgs) == 0 {
		return []models.Message{}, nil
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}

	var readers map[string][]string
	var files map[string][]models.Attachment
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		readers, err = t.receipts.ReadersByMessage(gctx, ids)
		return err
	})
	g.Go(func() error {
		var err error
		files, err = t.attachments.ListByMessages(gctx, ids)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load message details: %w", err)
	}

	for i := range msgs {
		msgs[i].ReadBy = readers[msgs[i].ID]
		msgs[i].Attachments = files[msgs[i].ID]
	}
	return msgs, nil
}

// DeleteForMe hides a message from userID only.
func (t *Tracker) DeleteForMe(ctx context.Context, messageID, userID string) error {
	msg, err := t.messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := t.memberThread(ctx, msg.ThreadID, userID); err != nil {
		return err
	}
	if err := t.messages.DeleteForMe(ctx, messageID, userID); err != nil {
		return fmt.Errorf("delete for me: %w", err)
	}
	event := models.ThreadEvent{Type: models.EventMessageDeleted, ThreadID: msg.ThreadID, MessageID: messageID, UserID: userID}
	if err := transport.PublishJSON(ctx, t.bus, transport.InboxChannel(userID), event); err != nil {
		t.log.Warn().Err(err).Str("message_id", messageID).Msg("message_deleted delta not delivered")
	}
	return nil
}

// DeleteForEveryone hides a message for all members. Only the sender may do it.
func (t *Tracker) DeleteForEveryone(ctx context.Context, messageID, userID string) error {
	msg, err := t.messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	thread, err := t.memberThread(ctx, msg.ThreadID, userID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return ErrNotSender
	}
	if err := t.messages.DeleteForEveryone(ctx, messageID, userID); err != nil {
		return err
	}
	t.fanOut(ctx, thread, models.ThreadEvent{Type: models.EventMessageDeleted, ThreadID: msg.ThreadID, MessageID: messageID})
	return nil
}

func (t *Tracker) memberThread(ctx context.Context, threadID, userID string) (models.Thread, error) {
	thread, err := t.threads.GetThread(ctx, threadID)
	if err != nil {
		return models.Thread{}, err
	}
	if !thread.HasParticipant(userID) {
		return models.Thread{}, threads.ErrNotParticipant
	}
	return thread, nil
}

// unreadIDs is the set difference between candidate messages and the user's receipts.
func (t *Tracker) unreadIDs(ctx context.Context, threadID, userID string) ([]string, error) {
	var candidates, read []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		candidates, err = t.messages.UnreadCandidateIDs(gctx, threadID, userID)
		return err
	})
	g.Go(func() error {
		var err error
		read, err = t.receipts.ReadMessageIDs(gctx, threadID, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute unread: %w", err)
	}

	seen := make(map[string]struct{}, len(read))
	for _, id := range read {
		seen[id] = struct{}{}
	}
	unread := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if _, ok := seen[id]; !ok {
			unread = append(unread, id)
		}
	}
	return unread, nil
}

func (t *Tracker) fanOut(ctx context.Context, thread models.Thread, event models.ThreadEvent) {
	for _, id := range thread.ParticipantIDs("") {
		if err := transport.PublishJSON(ctx, t.bus, transport.InboxChannel(id), event); err != nil {
			t.log.Warn().Err(err).Str("event", event.Type).Str("user_id", id).Msg("inbox delta not delivered")
		}
	}
}

func threadTitle(thread models.Thread) string {
	if thread.Title != "" {
		return thread.Title
	}
	return "New message"
}
