package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = "id, room_id, user_id, encrypted_content, content_hash, message_type, reply_to_id, " +
	"media_url, word_count, character_count, is_edited, edited_at, is_deleted, deleted_at, created_at"

func (db *PgChatRepository) GetUser(ctx context.Context, id int) (User, error) {
	var u User
	err := db.conn.GetContext(ctx, &u,
		"SELECT id, username, avatar_url FROM users WHERE id = $1 LIMIT 1",
		id,
	)

	return u, translateError(err)
}

func (db *PgChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	var room Room
	err := db.conn.GetContext(ctx, &room,
		"SELECT id, external_id, name, description, created_at FROM rooms "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	return room, translateError(err)
}

func (db *PgChatRepository) GetMembership(ctx context.Context, roomId, userId int) (Membership, error) {
	var m Membership
	err := db.conn.GetContext(ctx, &m,
		"SELECT room_id, user_id, is_banned, is_online, last_seen, messages_count, reactions_given "+
			"FROM room_participants WHERE room_id = $1 AND user_id = $2 LIMIT 1",
		roomId,
		userId,
	)

	return m, translateError(err)
}

func (db *PgChatRepository) SetOnline(ctx context.Context, roomId, userId int, online bool, at time.Time) error {
	var (
		res sql.Result
		err error
	)
	if online {
		res, err = db.conn.ExecContext(ctx,
			"UPDATE room_participants SET is_online = true WHERE room_id = $1 AND user_id = $2",
			roomId, userId,
		)
	} else {
		res, err = db.conn.ExecContext(ctx,
			"UPDATE room_participants SET is_online = false, last_seen = $3 WHERE room_id = $1 AND user_id = $2",
			roomId, userId, at.UTC(),
		)
	}
	if err != nil {
		return translateError(err)
	}

	return expectRows(res)
}

func (db *PgChatRepository) IncrementMessagesCount(ctx context.Context, roomId, userId int) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE room_participants SET messages_count = messages_count + 1 WHERE room_id = $1 AND user_id = $2",
		roomId, userId,
	)
	if err != nil {
		return translateError(err)
	}

	return expectRows(res)
}

func (db *PgChatRepository) IncrementReactionsGiven(ctx context.Context, roomId, userId int) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE room_participants SET reactions_given = reactions_given + 1 WHERE room_id = $1 AND user_id = $2",
		roomId, userId,
	)
	if err != nil {
		return translateError(err)
	}

	return expectRows(res)
}

func (db *PgChatRepository) ResetOnline(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE room_participants SET is_online = false, last_seen = $1 WHERE is_online = true",
		time.Now().UTC(),
	)

	return translateError(err)
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	var replyTo sql.NullInt64
	if params.ReplyToId != nil {
		replyTo = sql.NullInt64{Int64: int64(*params.ReplyToId), Valid: true}
	}

	var msg Message
	err := db.conn.GetContext(ctx, &msg,
		"INSERT INTO messages (room_id, user_id, encrypted_content, content_hash, message_type, reply_to_id, "+
			"media_url, word_count, character_count, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING "+messageColumns,
		params.RoomId,
		params.UserId,
		params.EncryptedContent,
		params.ContentHash,
		params.MessageType,
		replyTo,
		sql.NullString{String: params.MediaUrl, Valid: params.MediaUrl != ""},
		params.WordCount,
		params.CharacterCount,
		params.CreatedAt.UTC(),
	)

	return msg, translateError(err)
}

func (db *PgChatRepository) GetMessage(ctx context.Context, id int) (Message, error) {
	var msg Message
	err := db.conn.GetContext(ctx, &msg,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 AND is_deleted = false LIMIT 1",
		id,
	)

	return msg, translateError(err)
}

func (db *PgChatRepository) UpdateMessageContent(ctx context.Context, params UpdateMessageParams) (Message, error) {
	var msg Message
	err := db.conn.GetContext(ctx, &msg,
		"UPDATE messages SET encrypted_content = $2, content_hash = $3, word_count = $4, character_count = $5, "+
			"is_edited = true, edited_at = $6 WHERE id = $1 AND is_deleted = false RETURNING "+messageColumns,
		params.Id,
		params.EncryptedContent,
		params.ContentHash,
		params.WordCount,
		params.CharacterCount,
		params.EditedAt.UTC(),
	)

	return msg, translateError(err)
}

func (db *PgChatRepository) SoftDeleteMessage(ctx context.Context, id int, at time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_deleted = true, deleted_at = $2 WHERE id = $1 AND is_deleted = false",
		id, at.UTC(),
	)
	if err != nil {
		return translateError(err)
	}

	return expectRows(res)
}

func (db *PgChatRepository) FindReaction(ctx context.Context, messageId, userId int, emoji string) (Reaction, error) {
	var r Reaction
	err := db.conn.GetContext(ctx, &r,
		"SELECT id, message_id, user_id, emoji, created_at FROM message_reactions "+
			"WHERE message_id = $1 AND user_id = $2 AND emoji = $3 LIMIT 1",
		messageId, userId, emoji,
	)

	return r, translateError(err)
}

// CreateReaction relies on the unique (message_id, user_id, emoji)
// constraint; a concurrent insert of the same triple yields ErrDuplicate.
func (db *PgChatRepository) CreateReaction(ctx context.Context, messageId, userId int, emoji string) (Reaction, error) {
	var r Reaction
	err := db.conn.GetContext(ctx, &r,
		"INSERT INTO message_reactions (message_id, user_id, emoji, created_at) VALUES ($1, $2, $3, $4) "+
			"RETURNING id, message_id, user_id, emoji, created_at",
		messageId, userId, emoji, time.Now().UTC(),
	)

	return r, translateError(err)
}

func (db *PgChatRepository) DeleteReaction(ctx context.Context, id int) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM message_reactions WHERE id = $1", id)
	if err != nil {
		return translateError(err)
	}

	return expectRows(res)
}

func (db *PgChatRepository) ListReactions(ctx context.Context, messageId int) ([]Reaction, error) {
	reactions := make([]Reaction, 0)
	err := db.conn.SelectContext(ctx, &reactions,
		"SELECT id, message_id, user_id, emoji, created_at FROM message_reactions "+
			"WHERE message_id = $1 ORDER BY created_at, id",
		messageId,
	)
	if err != nil {
		return nil, translateError(err)
	}

	return reactions, nil
}

func (db *PgChatRepository) UpsertTyping(ctx context.Context, roomId, userId int, expiresAt time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO typing_indicators (room_id, user_id, is_typing, expires_at) VALUES ($1, $2, true, $3) "+
			"ON CONFLICT (room_id, user_id) DO UPDATE SET is_typing = true, expires_at = EXCLUDED.expires_at",
		roomId, userId, expiresAt.UTC(),
	)

	return translateError(err)
}

func (db *PgChatRepository) DeleteTyping(ctx context.Context, roomId, userId int) error {
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM typing_indicators WHERE room_id = $1 AND user_id = $2",
		roomId, userId,
	)

	return translateError(err)
}

func (db *PgChatRepository) DeleteExpiredTyping(ctx context.Context, now time.Time) ([]TypingIndicator, error) {
	expired := make([]TypingIndicator, 0)
	err := db.conn.SelectContext(ctx, &expired,
		"DELETE FROM typing_indicators WHERE expires_at < $1 RETURNING room_id, user_id, is_typing, expires_at",
		now.UTC(),
	)
	if err != nil {
		return nil, translateError(err)
	}

	return expired, nil
}

func (db *PgChatRepository) IncrementRoomAnalytics(ctx context.Context, roomId int, delta AnalyticsDelta) error {
	if delta.Messages < 0 || delta.Words < 0 || delta.Reactions < 0 {
		return fmt.Errorf("analytics counters cannot be decremented: %+v", delta)
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO room_analytics (room_id, total_messages, total_words, total_reactions, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5) ON CONFLICT (room_id) DO UPDATE SET "+
			"total_messages = room_analytics.total_messages + EXCLUDED.total_messages, "+
			"total_words = room_analytics.total_words + EXCLUDED.total_words, "+
			"total_reactions = room_analytics.total_reactions + EXCLUDED.total_reactions, "+
			"updated_at = EXCLUDED.updated_at",
		roomId, delta.Messages, delta.Words, delta.Reactions, time.Now().UTC(),
	)

	return translateError(err)
}

func (db *PgChatRepository) CreateRoomEvent(ctx context.Context, roomId, userId int, kind string, payload []byte) (RoomEvent, error) {
	var ev RoomEvent
	err := db.conn.GetContext(ctx, &ev,
		"INSERT INTO room_events (room_id, user_id, kind, payload, created_at) VALUES ($1, $2, $3, $4, $5) "+
			"RETURNING id, room_id, user_id, kind, payload, created_at",
		roomId, userId, kind, payload, time.Now().UTC(),
	)

	return ev, translateError(err)
}

func expectRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
