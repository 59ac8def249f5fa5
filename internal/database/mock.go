package database

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) GetUser(ctx context.Context, id int) (User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	args := m.Called(ctx, externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetMembership(ctx context.Context, roomId, userId int) (Membership, error) {
	args := m.Called(ctx, roomId, userId)
	return args.Get(0).(Membership), args.Error(1)
}
func (m *MockChatRepository) SetOnline(ctx context.Context, roomId, userId int, online bool, at time.Time) error {
	args := m.Called(ctx, roomId, userId, online, at)
	return args.Error(0)
}
func (m *MockChatRepository) IncrementMessagesCount(ctx context.Context, roomId, userId int) error {
	args := m.Called(ctx, roomId, userId)
	return args.Error(0)
}
func (m *MockChatRepository) IncrementReactionsGiven(ctx context.Context, roomId, userId int) error {
	args := m.Called(ctx, roomId, userId)
	return args.Error(0)
}
func (m *MockChatRepository) ResetOnline(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessage(ctx context.Context, id int) (Message, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) UpdateMessageContent(ctx context.Context, params UpdateMessageParams) (Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) SoftDeleteMessage(ctx context.Context, id int, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}
func (m *MockChatRepository) FindReaction(ctx context.Context, messageId, userId int, emoji string) (Reaction, error) {
	args := m.Called(ctx, messageId, userId, emoji)
	return args.Get(0).(Reaction), args.Error(1)
}
func (m *MockChatRepository) CreateReaction(ctx context.Context, messageId, userId int, emoji string) (Reaction, error) {
	args := m.Called(ctx, messageId, userId, emoji)
	return args.Get(0).(Reaction), args.Error(1)
}
func (m *MockChatRepository) DeleteReaction(ctx context.Context, id int) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
func (m *MockChatRepository) ListReactions(ctx context.Context, messageId int) ([]Reaction, error) {
	args := m.Called(ctx, messageId)
	if reactions, ok := args.Get(0).([]Reaction); ok {
		return reactions, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) UpsertTyping(ctx context.Context, roomId, userId int, expiresAt time.Time) error {
	args := m.Called(ctx, roomId, userId, expiresAt)
	return args.Error(0)
}
func (m *MockChatRepository) DeleteTyping(ctx context.Context, roomId, userId int) error {
	args := m.Called(ctx, roomId, userId)
	return args.Error(0)
}
func (m *MockChatRepository) DeleteExpiredTyping(ctx context.Context, now time.Time) ([]TypingIndicator, error) {
	args := m.Called(ctx, now)
	if rows, ok := args.Get(0).([]TypingIndicator); ok {
		return rows, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) IncrementRoomAnalytics(ctx context.Context, roomId int, delta AnalyticsDelta) error {
	args := m.Called(ctx, roomId, delta)
	return args.Error(0)
}
func (m *MockChatRepository) CreateRoomEvent(ctx context.Context, roomId, userId int, kind string, payload []byte) (RoomEvent, error) {
	args := m.Called(ctx, roomId, userId, kind, payload)
	return args.Get(0).(RoomEvent), args.Error(1)
}
