package database

import (
	"database/sql"
	"time"
)

type User struct {
	Id        int            `db:"id"`
	Username  string         `db:"username"`
	AvatarUrl sql.NullString `db:"avatar_url"`
}

type Room struct {
	Id          int       `db:"id"`
	ExternalId  string    `db:"external_id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
}

// Membership is the (room, user) participation record. It is the only
// source of truth for authorization; in-memory room state is a cache of
// who is attached.
type Membership struct {
	RoomId         int          `db:"room_id"`
	UserId         int          `db:"user_id"`
	IsBanned       bool         `db:"is_banned"`
	IsOnline       bool         `db:"is_online"`
	LastSeen       sql.NullTime `db:"last_seen"`
	MessagesCount  int          `db:"messages_count"`
	ReactionsGiven int          `db:"reactions_given"`
}

// Authorized reports whether the membership may attach to the room and
// mutate its state.
func (m Membership) Authorized() bool {
	return !m.IsBanned
}

type Message struct {
	Id               int            `db:"id"`
	RoomId           int            `db:"room_id"`
	UserId           int            `db:"user_id"`
	EncryptedContent string         `db:"encrypted_content"`
	ContentHash      string         `db:"content_hash"`
	MessageType      string         `db:"message_type"`
	ReplyToId        sql.NullInt64  `db:"reply_to_id"`
	MediaUrl         sql.NullString `db:"media_url"`
	WordCount        int            `db:"word_count"`
	CharacterCount   int            `db:"character_count"`
	IsEdited         bool           `db:"is_edited"`
	EditedAt         sql.NullTime   `db:"edited_at"`
	IsDeleted        bool           `db:"is_deleted"`
	DeletedAt        sql.NullTime   `db:"deleted_at"`
	CreatedAt        time.Time      `db:"created_at"`
}

type Reaction struct {
	Id        int       `db:"id"`
	MessageId int       `db:"message_id"`
	UserId    int       `db:"user_id"`
	Emoji     string    `db:"emoji"`
	CreatedAt time.Time `db:"created_at"`
}

func (r Reaction) GetEmoji() string { return r.Emoji }
func (r Reaction) GetUserId() int   { return r.UserId }

type TypingIndicator struct {
	RoomId    int       `db:"room_id"`
	UserId    int       `db:"user_id"`
	IsTyping  bool      `db:"is_typing"`
	ExpiresAt time.Time `db:"expires_at"`
}

type RoomEvent struct {
	Id        int       `db:"id"`
	RoomId    int       `db:"room_id"`
	UserId    int       `db:"user_id"`
	Kind      string    `db:"kind"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

type CreateMessageParams struct {
	RoomId           int
	UserId           int
	EncryptedContent string
	ContentHash      string
	MessageType      string
	ReplyToId        *int
	MediaUrl         string
	WordCount        int
	CharacterCount   int
	CreatedAt        time.Time
}

type UpdateMessageParams struct {
	Id               int
	EncryptedContent string
	ContentHash      string
	WordCount        int
	CharacterCount   int
	EditedAt         time.Time
}

// AnalyticsDelta is added to a room's counters. Counters only grow.
type AnalyticsDelta struct {
	Messages  int
	Words     int
	Reactions int
}
