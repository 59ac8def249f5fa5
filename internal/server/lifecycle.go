package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/go-livechat/internal/codec"
	"github.com/npezzotti/go-livechat/internal/database"
	"github.com/npezzotti/go-livechat/internal/types"
)

const (
	actionTimeout     = 10 * time.Second
	replyPreviewRunes = 100
)

// actionError is a rejection reported back to the requesting connection
// with its code.
type actionError struct {
	code    int
	message string
}

func (e *actionError) Error() string { return e.message }

var (
	errNotJoined       = &actionError{http.StatusNotFound, "room not joined"}
	errNotMember       = &actionError{http.StatusForbidden, "not a member of this room"}
	errBanned          = &actionError{http.StatusForbidden, "banned from this room"}
	errNotAuthor       = &actionError{http.StatusForbidden, "only the author can modify this message"}
	errMessageNotFound = &actionError{http.StatusNotFound, "message not found"}
	errReplyNotFound   = &actionError{http.StatusBadRequest, "reply target not found"}
)

type MessageEditedData struct {
	MessageId      int       `json:"messageId"`
	RoomId         string    `json:"roomId"`
	Content        string    `json:"content"`
	WordCount      int       `json:"wordCount"`
	CharacterCount int       `json:"characterCount"`
	IsEdited       bool      `json:"isEdited"`
	EditedAt       time.Time `json:"editedAt"`
}

type MessageDeletedData struct {
	MessageId int `json:"messageId"`
}

type ReactionData struct {
	MessageId int                   `json:"messageId"`
	RoomId    string                `json:"roomId"`
	UserId    int                   `json:"userId"`
	Emoji     string                `json:"emoji"`
	Added     bool                  `json:"added"`
	Reactions []types.ReactionGroup `json:"reactions"`
}

type RoomEventData struct {
	Id        int             `json:"id"`
	RoomId    string          `json:"roomId"`
	UserId    int             `json:"userId"`
	Username  string          `json:"username"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (c *Client) handleAction(a *action) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Printf("panic handling %s from %s: %v", a.cmd.command(), c.id, rec)
			c.queueMessage(ErrInternalError(a.id))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	cs := c.chatServer
	var err error
	switch cmd := a.cmd.(type) {
	case *SendMessage:
		err = cs.sendMessage(ctx, c, cmd)
	case *EditMessage:
		err = cs.editMessage(ctx, c, cmd)
	case *DeleteMessage:
		err = cs.deleteMessage(ctx, c, cmd)
	case *ToggleReaction:
		err = cs.toggleReaction(ctx, c, a.id, cmd)
	case *Typing:
		// typing is fire-and-forget
		if err := cs.setTyping(ctx, c, cmd); err != nil {
			c.log.Printf("typing from %s: %v", c.id, err)
		}
		return
	case *RoomEvent:
		err = cs.publishRoomEvent(ctx, c, cmd)
	default:
		err = fmt.Errorf("unhandled command %q", a.cmd.command())
	}

	if err != nil {
		c.queueMessage(c.errorResponse(a.id, err))
	}
}

func (c *Client) errorResponse(id int, err error) *ServerMessage {
	var ae *actionError
	switch {
	case errors.As(err, &ae):
		return NewError(id, ae.code, ae.message)
	case errors.Is(err, database.ErrNotFound):
		return ErrNotFound(id, "not found")
	default:
		c.log.Printf("action %d from %s: %v", id, c.id, err)
		return ErrInternalError(id)
	}
}

// authorize re-reads the connection's membership of r. A banned member is
// also detached from the room.
func (cs *ChatServer) authorize(ctx context.Context, c *Client, r *Room) (database.Membership, error) {
	ms, err := cs.db.GetMembership(ctx, r.id, c.user.Id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Membership{}, errNotMember
		}
		return database.Membership{}, fmt.Errorf("get membership: %w", err)
	}

	if !ms.Authorized() {
		c.evict(r)
		return database.Membership{}, errBanned
	}

	return ms, nil
}

// joinedRoom returns the room the connection joined under roomId and
// checks the membership behind it.
func (cs *ChatServer) joinedRoom(ctx context.Context, c *Client, roomId string) (*Room, error) {
	r, ok := c.getRoom(roomId)
	if !ok {
		return nil, errNotJoined
	}
	if _, err := cs.authorize(ctx, c, r); err != nil {
		return nil, err
	}
	return r, nil
}

// messageRoom loads a live message and authorizes the connection against
// the room it belongs to.
func (cs *ChatServer) messageRoom(ctx context.Context, c *Client, messageId int) (database.Message, *Room, error) {
	msg, err := cs.db.GetMessage(ctx, messageId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.Message{}, nil, errMessageNotFound
		}
		return database.Message{}, nil, fmt.Errorf("get message: %w", err)
	}

	r, ok := c.getRoomById(msg.RoomId)
	if !ok {
		return database.Message{}, nil, errNotJoined
	}
	if _, err := cs.authorize(ctx, c, r); err != nil {
		return database.Message{}, nil, err
	}

	return msg, r, nil
}

func (cs *ChatServer) sendMessage(ctx context.Context, c *Client, cmd *SendMessage) error {
	r, err := cs.joinedRoom(ctx, c, cmd.RoomId)
	if err != nil {
		return err
	}

	var preview *types.ReplyPreview
	if cmd.ReplyToId != nil {
		if preview, err = cs.replyPreview(ctx, r, *cmd.ReplyToId); err != nil {
			return err
		}
	}

	enc, err := cs.codec.Encode(cmd.Content)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	msgType := cmd.MessageType
	if msgType == "" {
		msgType = "text"
	}
	words, chars := codec.WordCount(cmd.Content), codec.CharacterCount(cmd.Content)

	saved, err := cs.db.CreateMessage(ctx, database.CreateMessageParams{
		RoomId:           r.id,
		UserId:           c.user.Id,
		EncryptedContent: enc.Ciphertext,
		ContentHash:      enc.Hash,
		MessageType:      msgType,
		ReplyToId:        cmd.ReplyToId,
		MediaUrl:         cmd.MediaUrl,
		WordCount:        words,
		CharacterCount:   chars,
		CreatedAt:        cs.now(),
	})
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	cs.stats.Incr("NumMessagesSent")

	// counters trail the committed message; a failure here is logged only
	if err := cs.db.IncrementMessagesCount(ctx, r.id, c.user.Id); err != nil {
		cs.log.Println("IncrementMessagesCount:", err)
	}
	if err := cs.db.IncrementRoomAnalytics(ctx, r.id, database.AnalyticsDelta{Messages: 1, Words: words}); err != nil {
		cs.log.Println("IncrementRoomAnalytics:", err)
	}

	msg := types.Message{
		Id:             saved.Id,
		RoomId:         r.externalId,
		UserId:         c.user.Id,
		Author:         cs.author(ctx, c),
		Content:        cmd.Content,
		MessageType:    msgType,
		ReplyToId:      cmd.ReplyToId,
		ReplyTo:        preview,
		MediaUrl:       cmd.MediaUrl,
		WordCount:      words,
		CharacterCount: chars,
		Reactions:      []types.ReactionGroup{},
		CreatedAt:      saved.CreatedAt,
	}

	if err := cs.broadcast(ctx, r.externalId, NewServerMessage(0, EventMessageNew, msg), ""); err != nil {
		cs.log.Println("broadcast new message:", err)
	}
	return nil
}

func (cs *ChatServer) replyPreview(ctx context.Context, r *Room, parentId int) (*types.ReplyPreview, error) {
	parent, err := cs.db.GetMessage(ctx, parentId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, errReplyNotFound
		}
		return nil, fmt.Errorf("get reply target: %w", err)
	}
	if parent.RoomId != r.id {
		return nil, errReplyNotFound
	}

	content, err := cs.codec.Decode(parent.EncryptedContent)
	if err != nil {
		return nil, fmt.Errorf("decode reply target %d: %w", parent.Id, err)
	}

	preview := &types.ReplyPreview{
		Id:      parent.Id,
		UserId:  parent.UserId,
		Content: truncateRunes(content, replyPreviewRunes),
	}
	if u, err := cs.db.GetUser(ctx, parent.UserId); err == nil {
		preview.Username = u.Username
	}
	return preview, nil
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func (cs *ChatServer) editMessage(ctx context.Context, c *Client, cmd *EditMessage) error {
	msg, r, err := cs.messageRoom(ctx, c, cmd.MessageId)
	if err != nil {
		return err
	}
	if msg.UserId != c.user.Id {
		return errNotAuthor
	}

	enc, err := cs.codec.Encode(cmd.Content)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	updated, err := cs.db.UpdateMessageContent(ctx, database.UpdateMessageParams{
		Id:               msg.Id,
		EncryptedContent: enc.Ciphertext,
		ContentHash:      enc.Hash,
		WordCount:        codec.WordCount(cmd.Content),
		CharacterCount:   codec.CharacterCount(cmd.Content),
		EditedAt:         cs.now(),
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errMessageNotFound
		}
		return fmt.Errorf("update message: %w", err)
	}

	err = cs.broadcast(ctx, r.externalId, NewServerMessage(0, EventMessageEdited, MessageEditedData{
		MessageId:      updated.Id,
		RoomId:         r.externalId,
		Content:        cmd.Content,
		WordCount:      updated.WordCount,
		CharacterCount: updated.CharacterCount,
		IsEdited:       true,
		EditedAt:       updated.EditedAt.Time,
	}), "")
	if err != nil {
		cs.log.Println("broadcast edited message:", err)
	}
	return nil
}

func (cs *ChatServer) deleteMessage(ctx context.Context, c *Client, cmd *DeleteMessage) error {
	msg, r, err := cs.messageRoom(ctx, c, cmd.MessageId)
	if err != nil {
		return err
	}
	if msg.UserId != c.user.Id {
		return errNotAuthor
	}

	if err := cs.db.SoftDeleteMessage(ctx, msg.Id, cs.now()); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return errMessageNotFound
		}
		return fmt.Errorf("delete message: %w", err)
	}

	err = cs.broadcast(ctx, r.externalId, NewServerMessage(0, EventMessageDeleted, MessageDeletedData{
		MessageId: msg.Id,
	}), "")
	if err != nil {
		cs.log.Println("broadcast deleted message:", err)
	}
	return nil
}

// toggleReaction adds the reaction if the user has none with that emoji and
// removes it otherwise. Losing a concurrent add to the unique constraint is
// not an error: the caller is resynced from the stored rows instead.
func (cs *ChatServer) toggleReaction(ctx context.Context, c *Client, id int, cmd *ToggleReaction) error {
	msg, r, err := cs.messageRoom(ctx, c, cmd.MessageId)
	if err != nil {
		return err
	}

	data := ReactionData{
		MessageId: msg.Id,
		RoomId:    r.externalId,
		UserId:    c.user.Id,
		Emoji:     cmd.Emoji,
	}

	existing, err := cs.db.FindReaction(ctx, msg.Id, c.user.Id, cmd.Emoji)
	switch {
	case err == nil:
		if err := cs.db.DeleteReaction(ctx, existing.Id); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return cs.resyncReaction(ctx, c, id, data, false)
			}
			return fmt.Errorf("delete reaction: %w", err)
		}
		data.Added = false
	case errors.Is(err, database.ErrNotFound):
		if _, err := cs.db.CreateReaction(ctx, msg.Id, c.user.Id, cmd.Emoji); err != nil {
			if errors.Is(err, database.ErrDuplicate) {
				return cs.resyncReaction(ctx, c, id, data, true)
			}
			return fmt.Errorf("create reaction: %w", err)
		}
		data.Added = true

		if err := cs.db.IncrementReactionsGiven(ctx, r.id, c.user.Id); err != nil {
			cs.log.Println("IncrementReactionsGiven:", err)
		}
		if err := cs.db.IncrementRoomAnalytics(ctx, r.id, database.AnalyticsDelta{Reactions: 1}); err != nil {
			cs.log.Println("IncrementRoomAnalytics:", err)
		}
	default:
		return fmt.Errorf("find reaction: %w", err)
	}
	cs.stats.Incr("NumReactionsToggled")

	if data.Reactions, err = cs.reactionGroups(ctx, msg.Id); err != nil {
		return err
	}

	event := EventReactionRemoved
	if data.Added {
		event = EventReactionAdded
	}
	if err := cs.broadcast(ctx, r.externalId, NewServerMessage(0, event, data), ""); err != nil {
		cs.log.Println("broadcast reaction:", err)
	}
	return nil
}

func (cs *ChatServer) resyncReaction(ctx context.Context, c *Client, id int, data ReactionData, added bool) error {
	groups, err := cs.reactionGroups(ctx, data.MessageId)
	if err != nil {
		return err
	}

	data.Added = added
	data.Reactions = groups
	c.queueMessage(NewServerMessage(id, EventReactionToggle, data))
	return nil
}

func (cs *ChatServer) reactionGroups(ctx context.Context, messageId int) ([]types.ReactionGroup, error) {
	rows, err := cs.db.ListReactions(ctx, messageId)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	return types.GroupReactions(rows), nil
}

func (cs *ChatServer) publishRoomEvent(ctx context.Context, c *Client, cmd *RoomEvent) error {
	r, err := cs.joinedRoom(ctx, c, cmd.RoomId)
	if err != nil {
		return err
	}

	ev, err := cs.db.CreateRoomEvent(ctx, r.id, c.user.Id, cmd.Kind, cmd.Payload)
	if err != nil {
		return fmt.Errorf("create room event: %w", err)
	}

	err = cs.broadcast(ctx, r.externalId, NewServerMessage(0, cmd.Kind, RoomEventData{
		Id:        ev.Id,
		RoomId:    r.externalId,
		UserId:    c.user.Id,
		Username:  c.user.Username,
		Payload:   json.RawMessage(ev.Payload),
		CreatedAt: ev.CreatedAt,
	}), "")
	if err != nil {
		cs.log.Printf("broadcast %s: %v", cmd.Kind, err)
	}
	return nil
}
