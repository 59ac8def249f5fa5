package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type reactionKey struct {
	messageId int
	userId    int
	emoji     string
}

type membershipKey struct {
	roomId int
	userId int
}

// MemoryRepository is an in-process ChatRepository. It enforces the same
// uniqueness and soft-delete contracts as the Postgres implementation and
// backs the package tests of the server and api layers.
type MemoryRepository struct {
	mu          sync.Mutex
	users       map[int]User
	rooms       map[string]Room
	memberships map[membershipKey]Membership
	messages    map[int]Message
	reactions   map[int]Reaction
	reactionIdx map[reactionKey]int
	typing      map[membershipKey]TypingIndicator
	analytics   map[int]AnalyticsDelta
	events      []RoomEvent
	nextId      int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       make(map[int]User),
		rooms:       make(map[string]Room),
		memberships: make(map[membershipKey]Membership),
		messages:    make(map[int]Message),
		reactions:   make(map[int]Reaction),
		reactionIdx: make(map[reactionKey]int),
		typing:      make(map[membershipKey]TypingIndicator),
		analytics:   make(map[int]AnalyticsDelta),
	}
}

func (m *MemoryRepository) id() int {
	m.nextId++
	return m.nextId
}

func (m *MemoryRepository) AddUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Id] = u
}

func (m *MemoryRepository) AddRoom(r Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[r.ExternalId] = r
}

func (m *MemoryRepository) AddMembership(ms Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[membershipKey{ms.RoomId, ms.UserId}] = ms
}

func (m *MemoryRepository) SetBanned(roomId, userId int, banned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := membershipKey{roomId, userId}
	if ms, ok := m.memberships[key]; ok {
		ms.IsBanned = banned
		m.memberships[key] = ms
	}
}

// RawMessage returns the stored row including soft-deleted ones.
func (m *MemoryRepository) RawMessage(id int) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	return msg, ok
}

func (m *MemoryRepository) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *MemoryRepository) Analytics(roomId int) AnalyticsDelta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.analytics[roomId]
}

func (m *MemoryRepository) Ping() error {
	return nil
}

func (m *MemoryRepository) GetUser(_ context.Context, id int) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryRepository) GetRoomByExternalId(_ context.Context, externalId string) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[externalId]
	if !ok {
		return Room{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepository) GetMembership(_ context.Context, roomId, userId int) (Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.memberships[membershipKey{roomId, userId}]
	if !ok {
		return Membership{}, ErrNotFound
	}
	return ms, nil
}

func (m *MemoryRepository) updateMembership(roomId, userId int, fn func(*Membership)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := membershipKey{roomId, userId}
	ms, ok := m.memberships[key]
	if !ok {
		return ErrNotFound
	}
	fn(&ms)
	m.memberships[key] = ms
	return nil
}

func (m *MemoryRepository) SetOnline(_ context.Context, roomId, userId int, online bool, at time.Time) error {
	return m.updateMembership(roomId, userId, func(ms *Membership) {
		ms.IsOnline = online
		if !online {
			ms.LastSeen.Time = at.UTC()
			ms.LastSeen.Valid = true
		}
	})
}

func (m *MemoryRepository) IncrementMessagesCount(_ context.Context, roomId, userId int) error {
	return m.updateMembership(roomId, userId, func(ms *Membership) { ms.MessagesCount++ })
}

func (m *MemoryRepository) IncrementReactionsGiven(_ context.Context, roomId, userId int) error {
	return m.updateMembership(roomId, userId, func(ms *Membership) { ms.ReactionsGiven++ })
}

func (m *MemoryRepository) ResetOnline(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for key, ms := range m.memberships {
		if ms.IsOnline {
			ms.IsOnline = false
			ms.LastSeen.Time = now
			ms.LastSeen.Valid = true
			m.memberships[key] = ms
		}
	}
	return nil
}

func (m *MemoryRepository) CreateMessage(_ context.Context, params CreateMessageParams) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := Message{
		Id:               m.id(),
		RoomId:           params.RoomId,
		UserId:           params.UserId,
		EncryptedContent: params.EncryptedContent,
		ContentHash:      params.ContentHash,
		MessageType:      params.MessageType,
		WordCount:        params.WordCount,
		CharacterCount:   params.CharacterCount,
		CreatedAt:        params.CreatedAt.UTC(),
	}
	if params.ReplyToId != nil {
		msg.ReplyToId.Int64 = int64(*params.ReplyToId)
		msg.ReplyToId.Valid = true
	}
	if params.MediaUrl != "" {
		msg.MediaUrl.String = params.MediaUrl
		msg.MediaUrl.Valid = true
	}

	m.messages[msg.Id] = msg
	return msg, nil
}

func (m *MemoryRepository) GetMessage(_ context.Context, id int) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.IsDeleted {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *MemoryRepository) UpdateMessageContent(_ context.Context, params UpdateMessageParams) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[params.Id]
	if !ok || msg.IsDeleted {
		return Message{}, ErrNotFound
	}

	msg.EncryptedContent = params.EncryptedContent
	msg.ContentHash = params.ContentHash
	msg.WordCount = params.WordCount
	msg.CharacterCount = params.CharacterCount
	msg.IsEdited = true
	msg.EditedAt.Time = params.EditedAt.UTC()
	msg.EditedAt.Valid = true
	m.messages[msg.Id] = msg
	return msg, nil
}

func (m *MemoryRepository) SoftDeleteMessage(_ context.Context, id int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.IsDeleted {
		return ErrNotFound
	}

	msg.IsDeleted = true
	msg.DeletedAt.Time = at.UTC()
	msg.DeletedAt.Valid = true
	m.messages[id] = msg
	return nil
}

func (m *MemoryRepository) FindReaction(_ context.Context, messageId, userId int, emoji string) (Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.reactionIdx[reactionKey{messageId, userId, emoji}]
	if !ok {
		return Reaction{}, ErrNotFound
	}
	return m.reactions[id], nil
}

func (m *MemoryRepository) CreateReaction(_ context.Context, messageId, userId int, emoji string) (Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reactionKey{messageId, userId, emoji}
	if _, ok := m.reactionIdx[key]; ok {
		return Reaction{}, ErrDuplicate
	}

	r := Reaction{
		Id:        m.id(),
		MessageId: messageId,
		UserId:    userId,
		Emoji:     emoji,
		CreatedAt: time.Now().UTC(),
	}
	m.reactions[r.Id] = r
	m.reactionIdx[key] = r.Id
	return r, nil
}

func (m *MemoryRepository) DeleteReaction(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reactions[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.reactions, id)
	delete(m.reactionIdx, reactionKey{r.MessageId, r.UserId, r.Emoji})
	return nil
}

func (m *MemoryRepository) ListReactions(_ context.Context, messageId int) ([]Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reactions := make([]Reaction, 0)
	for _, r := range m.reactions {
		if r.MessageId == messageId {
			reactions = append(reactions, r)
		}
	}
	sort.Slice(reactions, func(i, j int) bool { return reactions[i].Id < reactions[j].Id })
	return reactions, nil
}

func (m *MemoryRepository) UpsertTyping(_ context.Context, roomId, userId int, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing[membershipKey{roomId, userId}] = TypingIndicator{
		RoomId:    roomId,
		UserId:    userId,
		IsTyping:  true,
		ExpiresAt: expiresAt,
	}
	return nil
}

func (m *MemoryRepository) DeleteTyping(_ context.Context, roomId, userId int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.typing, membershipKey{roomId, userId})
	return nil
}

func (m *MemoryRepository) DeleteExpiredTyping(_ context.Context, now time.Time) ([]TypingIndicator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := make([]TypingIndicator, 0)
	for key, ti := range m.typing {
		if ti.ExpiresAt.Before(now) {
			expired = append(expired, ti)
			delete(m.typing, key)
		}
	}
	return expired, nil
}

func (m *MemoryRepository) IncrementRoomAnalytics(_ context.Context, roomId int, delta AnalyticsDelta) error {
	if delta.Messages < 0 || delta.Words < 0 || delta.Reactions < 0 {
		return fmt.Errorf("analytics counters cannot be decremented: %+v", delta)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.analytics[roomId]
	cur.Messages += delta.Messages
	cur.Words += delta.Words
	cur.Reactions += delta.Reactions
	m.analytics[roomId] = cur
	return nil
}

func (m *MemoryRepository) CreateRoomEvent(_ context.Context, roomId, userId int, kind string, payload []byte) (RoomEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := RoomEvent{
		Id:        m.id(),
		RoomId:    roomId,
		UserId:    userId,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	m.events = append(m.events, ev)
	return ev, nil
}
