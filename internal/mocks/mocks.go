package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
)

type ThreadRepositoryMock struct {
	mock.Mock
}

func (m *ThreadRepositoryMock) CreateThread(ctx context.Context, thread models.Thread) (models.Thread, error) {
	args := m.Called(ctx, thread)
	var out models.Thread
	if val := args.Get(0); val != nil {
		out = val.(models.Thread)
	}
	return out, args.Error(1)
}

func (m *ThreadRepositoryMock) DeleteThread(ctx context.Context, threadID string) error {
	args := m.Called(ctx, threadID)
	return args.Error(0)
}

func (m *ThreadRepositoryMock) AddParticipants(ctx context.Context, threadID string, participants []models.Participant) error {
	args := m.Called(ctx, threadID, participants)
	return args.Error(0)
}

func (m *ThreadRepositoryMock) FindThreadsByParticipants(ctx context.Context, kind models.ThreadKind, userIDs []string) ([]string, error) {
	args := m.Called(ctx, kind, userIDs)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *ThreadRepositoryMock) GetThread(ctx context.Context, threadID string) (models.Thread, error) {
	args := m.Called(ctx, threadID)
	var out models.Thread
	if val := args.Get(0); val != nil {
		out = val.(models.Thread)
	}
	return out, args.Error(1)
}

func (m *ThreadRepositoryMock) ListParticipants(ctx context.Context, threadID string) ([]models.Participant, error) {
	args := m.Called(ctx, threadID)
	var out []models.Participant
	if val := args.Get(0); val != nil {
		out = val.([]models.Participant)
	}
	return out, args.Error(1)
}

func (m *ThreadRepositoryMock) ListThreadsForUser(ctx context.Context, userID string, limit, offset int) ([]models.Thread, error) {
	args := m.Called(ctx, userID, limit, offset)
	var out []models.Thread
	if val := args.Get(0); val != nil {
		out = val.([]models.Thread)
	}
	return out, args.Error(1)
}

func (m *ThreadRepositoryMock) IsParticipant(ctx context.Context, threadID string, userID string) (bool, error) {
	args := m.Called(ctx, threadID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ThreadRepositoryMock) UpdatePreview(ctx context.Context, threadID string, preview string, at time.Time) error {
	args := m.Called(ctx, threadID, preview, at)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, msg)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var out models.Message
	if val := args.Get(0); val != nil {
		out = val.(models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, threadID string, userID string, before *time.Time, limit int) ([]models.Message, error) {
	args := m.Called(ctx, threadID, userID, before, limit)
	var out []models.Message
	if val := args.Get(0); val != nil {
		out = val.([]models.Message)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) UnreadCandidateIDs(ctx context.Context, threadID string, userID string) ([]string, error) {
	args := m.Called(ctx, threadID, userID)
	var out []string
	if val := args.Get(0); val != nil {
		out = val.([]string)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) DeleteForMe(ctx context.Context, messageID string, userID string) error {
	args := m.Called(ctx, messageID, userID)
	return args.Error(0)
}

func (m *MessageRepositoryMock) DeleteForEveryone(ctx context.Context, messageID string, senderID string) error {
	args := m.Called(ctx, messageID, senderID)
	return args.Error(0)
}

type ReceiptRepositoryMock struct {
	mock.Mock
}

func (m *ReceiptRepositoryMock) InsertReceipt(ctx context.Context, messageID string, userID string) (bool, error) {
	args := m.Called(ctx, messageID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ReceiptRepositoryMock) InsertReceipts(ctx context.Context, userID string, messageIDs []string) (int, error) {
	args := m.Called(ctx, userID, messageIDs)
	return args.Int(0), args.Error(1)
}

func (m *ReceiptRepositoryMock) ReadMessageIDs(ctx context.Context, threadID string, userID string) ([]string, error) {
	args := m.Called(ctx, threadID, userID)
	var out []string
	if val := args.Get(0); val != nil {
		out = val.([]string)
	}
	return out, args.Error(1)
}

func (m *ReceiptRepositoryMock) ReadersByMessage(ctx context.Context, messageIDs []string) (map[string][]string, error) {
	args := m.Called(ctx, messageIDs)
	var out map[string][]string
	if val := args.Get(0); val != nil {
		out = val.(map[string][]string)
	}
	return out, args.Error(1)
}

type AttachmentRepositoryMock struct {
	mock.Mock
}

func (m *AttachmentRepositoryMock) CreateAttachments(ctx context.Context, messageID string, attachments []models.Attachment) ([]models.Attachment, error) {
	args := m.Called(ctx, messageID, attachments)
	var out []models.Attachment
	if val := args.Get(0); val != nil {
		out = val.([]models.Attachment)
	}
	return out, args.Error(1)
}

func (m *AttachmentRepositoryMock) ListByMessages(ctx context.Context, messageIDs []string) (map[string][]models.Attachment, error) {
	args := m.Called(ctx, messageIDs)
	var out map[string][]models.Attachment
	if val := args.Get(0); val != nil {
		out = val.(map[string][]models.Attachment)
	}
	return out, args.Error(1)
}

var _ repositories.ThreadRepository = (*ThreadRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.ReceiptRepository = (*ReceiptRepositoryMock)(nil)
var _ repositories.AttachmentRepository = (*AttachmentRepositoryMock)(nil)
