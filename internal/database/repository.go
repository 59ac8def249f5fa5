package database

import (
	"context"
	"time"
)

type UserStore interface {
	GetUser(ctx context.Context, id int) (User, error)
}

type RoomStore interface {
	GetRoomByExternalId(ctx context.Context, externalId string) (Room, error)
}

type MembershipStore interface {
	GetMembership(ctx context.Context, roomId, userId int) (Membership, error)
	SetOnline(ctx context.Context, roomId, userId int, online bool, at time.Time) error
	IncrementMessagesCount(ctx context.Context, roomId, userId int) error
	IncrementReactionsGiven(ctx context.Context, roomId, userId int) error
	ResetOnline(ctx context.Context) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessage(ctx context.Context, id int) (Message, error)
	UpdateMessageContent(ctx context.Context, params UpdateMessageParams) (Message, error)
	SoftDeleteMessage(ctx context.Context, id int, at time.Time) error
}

type ReactionStore interface {
	FindReaction(ctx context.Context, messageId, userId int, emoji string) (Reaction, error)
	CreateReaction(ctx context.Context, messageId, userId int, emoji string) (Reaction, error)
	DeleteReaction(ctx context.Context, id int) error
	ListReactions(ctx context.Context, messageId int) ([]Reaction, error)
}

type TypingStore interface {
	UpsertTyping(ctx context.Context, roomId, userId int, expiresAt time.Time) error
	DeleteTyping(ctx context.Context, roomId, userId int) error
	DeleteExpiredTyping(ctx context.Context, now time.Time) ([]TypingIndicator, error)
}

type AnalyticsStore interface {
	IncrementRoomAnalytics(ctx context.Context, roomId int, delta AnalyticsDelta) error
}

type RoomEventStore interface {
	CreateRoomEvent(ctx context.Context, roomId, userId int, kind string, payload []byte) (RoomEvent, error)
}

type ChatRepository interface {
	Ping() error
	UserStore
	RoomStore
	MembershipStore
	MessageStore
	ReactionStore
	TypingStore
	AnalyticsStore
	RoomEventStore
}
