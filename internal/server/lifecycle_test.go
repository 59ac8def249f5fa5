package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/npezzotti/go-livechat/internal/database"
	"github.com/npezzotti/go-livechat/internal/stats"
	"github.com/npezzotti/go-livechat/internal/testutil"
	"github.com/npezzotti/go-livechat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func (f *roomFixture) send(t *testing.T, c *Client, content string) types.Message {
	t.Helper()
	require.NoError(t, f.cs.sendMessage(context.Background(), c, &SendMessage{RoomId: testRoomName, Content: content}))
	in := recvQueued(t, c)
	require.Equal(t, EventMessageNew, in.Event)
	var msg types.Message
	in.decode(t, &msg)
	return msg
}

func expectEviction(t *testing.T, f *roomFixture, c *Client) {
	t.Helper()
	select {
	case req := <-f.room.leaveChan:
		assert.Equal(t, c, req.client, "expected the banned connection to be evicted")
		assert.False(t, req.reply)
	default:
		t.Error("expected an eviction request")
	}
}

func TestSendMessage(t *testing.T) {
	f := newRoomFixture(t)
	alice := f.join(t, aliceId, "alice")
	bob := f.join(t, bobId, "bob")
	drain(alice)

	err := f.cs.sendMessage(context.Background(), alice, &SendMessage{RoomId: testRoomName, Content: "hello world"})
	require.NoError(t, err)

	for _, c := range []*Client{alice, bob} {
		in := recvQueued(t, c)
		require.Equal(t, EventMessageNew, in.Event)
		var msg types.Message
		in.decode(t, &msg)
		assert.Equal(t, "hello world", msg.Content)
		assert.Equal(t, testRoomName, msg.RoomId)
		assert.Equal(t, aliceId, msg.UserId)
		assert.Equal(t, "alice", msg.Author.Username)
		assert.Equal(t, "text", msg.MessageType)
		assert.Equal(t, 2, msg.WordCount)
		assert.Equal(t, 11, msg.CharacterCount)
		assert.False(t, msg.IsEdited)
		assert.Empty(t, msg.Reactions)
	}

	stored, ok := f.db.RawMessage(1)
	require.True(t, ok, "expected message to be stored")
	assert.NotContains(t, stored.EncryptedContent, "hello world", "expected only ciphertext at rest")
	plain, err := f.cs.codec.Decode(stored.EncryptedContent)
	require.NoError(t, err)
	assert.Equal(t, "hello world", plain)

	assert.Equal(t, database.AnalyticsDelta{Messages: 1, Words: 2}, f.db.Analytics(testRoomId))
	assert.Equal(t, 1, f.membership(t, aliceId).MessagesCount)
}

func TestSendMessage_Rejections(t *testing.T) {
	t.Run("room not joined", func(t *testing.T) {
		f := newRoomFixture(t)
		carol := f.newClient(t, carolId, "carol")

		err := f.cs.sendMessage(context.Background(), carol, &SendMessage{RoomId: testRoomName, Content: "hi"})
		assert.ErrorIs(t, err, errNotJoined)
		assert.Equal(t, 0, f.db.MessageCount())
	})

	t.Run("banned after joining", func(t *testing.T) {
		f := newRoomFixture(t)
		alice := f.join(t, aliceId, "alice")
		f.db.SetBanned(testRoomId, aliceId, true)

		err := f.cs.sendMessage(context.Background(), alice, &SendMessage{RoomId: testRoomName, Content: "hi"})
		assert.ErrorIs(t, err, errBanned)
		assert.Equal(t, 0, f.db.MessageCount())
		expectEviction(t, f, alice)
	})

	t.Run("reply to a message that does not exist", func(t *testing.T) {
		f := newRoomFixture(t)
		alice := f.join(t, aliceId, "alice")
		missing := 999

		err := f.cs.sendMessage(context.Background(), alice, &SendMessage{RoomId: testRoomName, Content: "hi", ReplyToId: &missing})
		assert.ErrorIs(t, err, errReplyNotFound)
		assert.Equal(t, 0, f.db.MessageCount())
	})

	t.Run("reply to a message in another room", func(t *testing.T) {
		f := newRoomFixture(t)
		alice := f.join(t, aliceId, "alice")
		other, err := f.db.CreateMessage(context.Background(), database.CreateMessageParams{RoomId: 200, UserId: aliceId})
		require.NoError(t, err)

		err = f.cs.sendMessage(context.Background(), alice, &SendMessage{RoomId: testRoomName, Content: "hi", ReplyToId: &other.Id})
		assert.ErrorIs(t, err, errReplyNotFound)
	})
}

func TestSendMessage_ReplyPreview(t *testing.T) {
	f := newRoomFixture(t)
	alice := f.join(t, aliceId, "alice")

	long := strings.Repeat("é", 150)
	parent := f.send(t, alice, long)

	err := f.cs.sendMessage(context.Background(), alice, &SendMessage{RoomId: testRoomName, Content: "agreed", ReplyToId: &parent.Id})
	require.NoError(t, err)

	in := recvQueued(t, alice)
	var msg types.Message
	in.decode(t, &msg)
	require.NotNil(t, msg.ReplyTo)
	assert.Equal(t, parent.Id, msg.ReplyTo.Id)
	assert.Equal(t, "alice", msg.ReplyTo.Username)
	assert.Equal(t, strings.Repeat("é", replyPreviewRunes), msg.ReplyTo.Content)
	require.NotNil(t, msg.ReplyToId)
	assert.Equal(t, parent.Id, *msg.ReplyToId)
}

func TestSendMessage_CounterFailureStillBroadcasts(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db, anyStats())
	room := newRoom(cs, database.Room{Id: testRoomId, ExternalId: testRoomName})
	require.NoError(t, room.subscribe(context.Background()))

	c := NewClient(types.User{Id: aliceId, Username: "alice"}, nil, cs, testutil.TestLogger(t))
	c.addRoom(room)
	room.addClient(c)

	db.On("GetMembership", mock.Anything, testRoomId, aliceId).Return(database.Membership{RoomId: testRoomId, UserId: aliceId}, nil).Once()
	db.On("CreateMessage", mock.Anything, mock.AnythingOfType("database.CreateMessageParams")).
		Return(database.Message{Id: 5, RoomId: testRoomId, UserId: aliceId, CreatedAt: time.Now()}, nil).Once()
	db.On("IncrementMessagesCount", mock.Anything, testRoomId, aliceId).Return(errors.New("db down")).Once()
	db.On("IncrementRoomAnalytics", mock.Anything, testRoomId, database.AnalyticsDelta{Messages: 1, Words: 1}).Return(errors.New("db down")).Once()
	db.On("GetUser", mock.Anything, aliceId).Return(database.User{}, database.ErrNotFound).Once()

	err := cs.sendMessage(context.Background(), c, &SendMessage{RoomId: testRoomName, Content: "hi"})
	require.NoError(t, err, "expected counter failures to stay internal")

	in := recvQueued(t, c)
	assert.Equal(t, EventMessageNew, in.Event)
	var msg types.Message
	in.decode(t, &msg)
	assert.Equal(t, 5, msg.Id)
	assert.Equal(t, "alice", msg.Author.Username)
}

func TestEditMessage(t *testing.T) {
	f := newRoomFixture(t)
	alice := f.join(t, aliceId, "alice")
	bob := f.join(t, bobId, "bob")
	drain(alice)

	msg := f.send(t, alice, "helo")
	drain(bob)

	t.Run("only the author may edit", func(t *testing.T) {
		err := f.cs.editMessage(context.Background(), bob, &EditMessage{MessageId: msg.Id, Content: "hijacked"})
		assert.ErrorIs(t, err, errNotAuthor)
		assertNothingQueued(t, alice)
	})

	t.Run("author edits", func(t *testing.T) {
		err := f.cs.editMessage(context.Background(), alice, &EditMessage{MessageId: msg.Id, Content: "hello there"})
		require.NoError(t, err)

		in := recvQueued(t, bob)
		assert.Equal(t, EventMessageEdited, in.Event)
		var data MessageEditedData
		in.decode(t, &data)
		assert.Equal(t, msg.Id, data.MessageId)
		assert.Equal(t, "hello there", data.Content)
		assert.Equal(t, 2, data.WordCount)
		assert.True(t, data.IsEdited)
		assert.False(t, data.EditedAt.IsZero())

		stored, _ := f.db.RawMessage(msg.Id)
		assert.True(t, stored.IsEdited)
		plain, err := f.cs.codec.Decode(stored.EncryptedContent)
		require.NoError(t, err)
		assert.Equal(t, "hello there", plain)
	})

	t.Run("unknown message", func(t *testing.T) {
		err := f.cs.editMessage(context.Background(), alice, &EditMessage{MessageId: 999, Content: "x"})
		assert.ErrorIs(t, err, errMessageNotFound)
	})
}

func TestEditMessage_BannedAuthor(t *testing.T) {
	f := newRoomFixture(t)
	alice := f.join(t, aliceId, "alice")
	bob := f.join(t, bobId, "bob")
	drain(alice)
	msg := f.send(t, alice, "original")
	drain(bob)
	f.db.SetBanned(testRoomId, aliceId, true)

	err := f.cs.editMessage(context.Background(), alice, &EditMessage{MessageId: msg.Id, Content: "rewritten"})
	assert.ErrorIs(t, err, errBanned)

	stored, _ := f.db.RawMessage(msg.Id)
	assert.False(t, stored.IsEdited, "expected the stored message to be untouched")
	plain, err := f.cs.codec.Decode(stored.EncryptedContent)
	require.NoError(t, err)
	assert.Equal(t, "original", plain)

	assertNothingQueued(t, alice)
	assertNothingQueued(t, bob)
	expectEviction(t, f, alice)
}

func TestDeleteMessage(t *testing.T) {
	t.Run("author deletes", func(t *testing.T) {
		f := newRoomFixture(t)
		alice := f.join(t, aliceId, "alice")
		bob := f.join(t, bobId, "bob")
		drain(alice)
		msg := f.send(t, alice, "oops")
		drain(bob)

		err := f.cs.deleteMessage(context.Background(), bob, &DeleteMessage{MessageId: msg.Id})
		assert.ErrorIs(t, err, errNotAuthor)

		require.NoError(t, f.cs.deleteMessage(context.Background(), alice, &DeleteMessage{MessageId: msg.Id}))

		in := recvQueued(t, bob)
		assert.Equal(t, EventMessageDeleted, in.Event)
		assert.JSONEq(t, fmt.Sprintf(`{"messageId":%d}`, msg.Id), string(in.Data))

		_, err = f.db.GetMessage(context.Background(), msg.Id)
		assert.ErrorIs(t, err, database.ErrNotFound, "expected deleted message to be hidden from reads")
		stored, _ := f.db.RawMessage(msg.Id)
		assert.True(t, stored.IsDeleted)

		err = f.cs.editMessage(context.Background(), alice, &EditMessage{MessageId: msg.Id, Content: "again"})
		assert.ErrorIs(t, err, errMessageNotFound)
	})

	t.Run("banned author cannot delete", func(t *testing.T) {
		f := newRoomFixture(t)
		alice := f.join(t, aliceId, "alice")
		msg := f.send(t, alice, "keep me")
		f.db.SetBanned(testRoomId, aliceId, true)

		err := f.cs.deleteMessage(context.Background(), alice, &DeleteMessage{MessageId: msg.Id})
		assert.ErrorIs(t, err, errBanned)
		stored, _ := f.db.RawMessage(msg.Id)
		assert.False(t, stored.IsDeleted)
	})
}

func TestToggleReaction(t *testing.T) {
	f := newRoomFixture(t)
	alice := f.join(t, aliceId, "alice")
	bob := f.join(t, bobId, "bob")
	drain(alice)
	msg := f.send(t, alice, "vote")
	drain(bob)

	toggle := func(c *Client) ReactionData {
		t.Helper()
		require.NoError(t, f.cs.toggleReaction(context.Background(), c, 1, &ToggleReaction{MessageId: msg.Id, Emoji: "👍"}))
		in := recvQueued(t, alice)
		var data ReactionData
		in.decode(t, &data)
		if data.Added {
			assert.Equal(t, EventReactionAdded, in.Event)
		} else {
			assert.Equal(t, EventReactionRemoved, in.Event)
		}
		drain(bob)
		return data
	}

	data := toggle(bob)
	assert.True(t, data.Added)
	assert.Equal(t, []types.ReactionGroup{{Emoji: "👍", Count: 1, Users: []int{bobId}}}, data.Reactions)

	data = toggle(alice)
	assert.True(t, data.Added)
	assert.Equal(t, []types.ReactionGroup{{Emoji: "👍", Count: 2, Users: []int{bobId, aliceId}}}, data.Reactions)

	data = toggle(bob)
	assert.False(t, data.Added)
	assert.Equal(t, []types.ReactionGroup{{Emoji: "👍", Count: 1, Users: []int{aliceId}}}, data.Reactions)

	assert.Equal(t, 2, f.db.Analytics(testRoomId).Reactions, "removals never decrement analytics")
	assert.Equal(t, 1, f.membership(t, bobId).ReactionsGiven)
}

func TestToggleReaction_BannedMember(t *testing.T) {
	f := newRoomFixture(t)
	alice := f.join(t, aliceId, "alice")
	bob := f.join(t, bobId, "bob")
	drain(alice)
	drain(bob)
	msg := f.send(t, bob, "react to me")
	drain(alice)
	f.db.SetBanned(testRoomId, aliceId, true)

	err := f.cs.toggleReaction(context.Background(), alice, 1, &ToggleReaction{MessageId: msg.Id, Emoji: "👍"})
	assert.ErrorIs(t, err, errBanned)

	reactions, err := f.db.ListReactions(context.Background(), msg.Id)
	require.NoError(t, err)
	assert.Empty(t, reactions, "expected no reaction row")
	assert.Zero(t, f.db.Analytics(testRoomId).Reactions)
	assert.Zero(t, f.membership(t, aliceId).ReactionsGiven)

	assertNothingQueued(t, alice)
	assertNothingQueued(t, bob)
	expectEviction(t, f, alice)
}

func TestToggleReaction_LostRaceResyncsCaller(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	cs := newTestChatServer(t, db, anyStats())
	room := newRoom(cs, database.Room{Id: testRoomId, ExternalId: testRoomName})
	require.NoError(t, room.subscribe(context.Background()))

	c := NewClient(types.User{Id: aliceId, Username: "alice"}, nil, cs, testutil.TestLogger(t))
	c.addRoom(room)
	room.addClient(c)

	db.On("GetMessage", mock.Anything, 10).Return(database.Message{Id: 10, RoomId: testRoomId, UserId: bobId}, nil).Once()
	db.On("GetMembership", mock.Anything, testRoomId, aliceId).Return(database.Membership{}, nil).Once()
	db.On("FindReaction", mock.Anything, 10, aliceId, "🔥").Return(database.Reaction{}, database.ErrNotFound).Once()
	db.On("CreateReaction", mock.Anything, 10, aliceId, "🔥").
		Return(database.Reaction{}, fmt.Errorf("%w: message_reactions_unique", database.ErrDuplicate)).Once()
	db.On("ListReactions", mock.Anything, 10).
		Return([]database.Reaction{{Id: 1, MessageId: 10, UserId: aliceId, Emoji: "🔥"}}, nil).Once()

	err := cs.toggleReaction(context.Background(), c, 42, &ToggleReaction{MessageId: 10, Emoji: "🔥"})
	require.NoError(t, err, "expected the duplicate to be absorbed")

	in := recvQueued(t, c)
	assert.Equal(t, EventReactionToggle, in.Event)
	assert.Equal(t, 42, in.Id)
	var data ReactionData
	in.decode(t, &data)
	assert.True(t, data.Added)
	assert.Equal(t, []types.ReactionGroup{{Emoji: "🔥", Count: 1, Users: []int{aliceId}}}, data.Reactions)
	assertNothingQueued(t, c)
}

func TestPublishRoomEvent(t *testing.T) {
	f := newRoomFixture(t)
	alice := f.join(t, aliceId, "alice")
	bob := f.join(t, bobId, "bob")
	drain(alice)

	payload := []byte(`{"roomId":"general","title":"How do I deploy?"}`)
	err := f.cs.publishRoomEvent(context.Background(), alice, &RoomEvent{Kind: "question:new", RoomId: testRoomName, Payload: payload})
	require.NoError(t, err)

	for _, c := range []*Client{alice, bob} {
		in := recvQueued(t, c)
		assert.Equal(t, "question:new", in.Event)
		var data struct {
			RoomId   string         `json:"roomId"`
			UserId   int            `json:"userId"`
			Username string         `json:"username"`
			Payload  map[string]any `json:"payload"`
		}
		in.decode(t, &data)
		assert.Equal(t, testRoomName, data.RoomId)
		assert.Equal(t, aliceId, data.UserId)
		assert.Equal(t, "alice", data.Username)
		assert.Equal(t, "How do I deploy?", data.Payload["title"])
	}

	carol := f.newClient(t, carolId, "carol")
	err = f.cs.publishRoomEvent(context.Background(), carol, &RoomEvent{Kind: "goals:update", RoomId: testRoomName})
	assert.ErrorIs(t, err, errNotJoined)
}

func Test_handleAction(t *testing.T) {
	t.Run("rejection is reported with its code", func(t *testing.T) {
		f := newRoomFixture(t)
		carol := f.newClient(t, carolId, "carol")

		carol.handleAction(&action{id: 3, cmd: &SendMessage{RoomId: testRoomName, Content: "hi"}})

		in := recvQueued(t, carol)
		assert.Equal(t, 3, in.Id)
		data := in.errorData(t)
		assert.Equal(t, http.StatusNotFound, data.Code)
		assert.Equal(t, "room not joined", data.Message)
	})

	t.Run("typing failures are not acknowledged", func(t *testing.T) {
		f := newRoomFixture(t)
		carol := f.newClient(t, carolId, "carol")

		carol.handleAction(&action{id: 4, cmd: &Typing{RoomId: testRoomName, IsTyping: true}})
		assertNothingQueued(t, carol)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		f := newRoomFixture(t)
		alice := f.join(t, aliceId, "alice")
		f.cs.codec = nil

		assert.NotPanics(t, func() {
			alice.handleAction(&action{id: 9, cmd: &SendMessage{RoomId: testRoomName, Content: "boom"}})
		})

		in := recvQueued(t, alice)
		assert.Equal(t, 9, in.Id)
		assert.Equal(t, http.StatusInternalServerError, in.errorData(t).Code)
	})

	t.Run("unhandled command", func(t *testing.T) {
		f := newRoomFixture(t)
		alice := f.newClient(t, aliceId, "alice")

		alice.handleAction(&action{id: 5, cmd: &JoinRoom{RoomId: testRoomName}})
		assert.Equal(t, http.StatusInternalServerError, recvQueued(t, alice).errorData(t).Code)
	})

	t.Run("storage errors are internal", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", mock.Anything, 1).Return(database.Message{}, errors.New("db down")).Once()

		cs := newTestChatServer(t, db, &stats.MockStatsUpdater{})
		c := NewClient(types.User{Id: aliceId}, nil, cs, testutil.TestLogger(t))

		c.handleAction(&action{id: 6, cmd: &DeleteMessage{MessageId: 1}})
		assert.Equal(t, http.StatusInternalServerError, recvQueued(t, c).errorData(t).Code)
	})
}

func Test_truncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 5))
	assert.Equal(t, "ab", truncateRunes("abc", 2))
	assert.Equal(t, "日本", truncateRunes("日本語", 2))
}
