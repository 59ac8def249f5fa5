package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepository_ReactionUniqueness(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dups    int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CreateReaction(ctx, 1, 2, "🔥")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else {
				assert.ErrorIs(t, err, ErrDuplicate)
				dups++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created, "expected exactly one insert to win")
	assert.Equal(t, 15, dups)

	reactions, err := repo.ListReactions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, reactions, 1)
}

func TestMemoryRepository_SoftDelete(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	msg, err := repo.CreateMessage(ctx, CreateMessageParams{RoomId: 1, UserId: 1, EncryptedContent: "x", CreatedAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, repo.SoftDeleteMessage(ctx, msg.Id, time.Now()))

	_, err = repo.GetMessage(ctx, msg.Id)
	assert.ErrorIs(t, err, ErrNotFound, "expected reads to filter deleted messages")

	raw, ok := repo.RawMessage(msg.Id)
	assert.True(t, ok, "expected row to be retained")
	assert.True(t, raw.IsDeleted)
	assert.True(t, raw.DeletedAt.Valid)

	assert.ErrorIs(t, repo.SoftDeleteMessage(ctx, msg.Id, time.Now()), ErrNotFound)
}

func TestMemoryRepository_DeleteExpiredTyping(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.UpsertTyping(ctx, 1, 1, now.Add(-time.Second)))
	require.NoError(t, repo.UpsertTyping(ctx, 1, 2, now.Add(5*time.Second)))

	expired, err := repo.DeleteExpiredTyping(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, 1, expired[0].UserId)

	expired, err = repo.DeleteExpiredTyping(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired, "expected expired rows to be removed once")
}

func TestMemoryRepository_ResetOnline(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	repo.AddMembership(Membership{RoomId: 1, UserId: 2})
	repo.AddMembership(Membership{RoomId: 1, UserId: 3})

	require.NoError(t, repo.SetOnline(ctx, 1, 2, true, time.Now()))
	require.NoError(t, repo.ResetOnline(ctx))

	m, err := repo.GetMembership(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, m.IsOnline, "expected online flag to be cleared")
	assert.True(t, m.LastSeen.Valid, "expected last seen to be stamped")

	m, err = repo.GetMembership(ctx, 1, 3)
	require.NoError(t, err)
	assert.False(t, m.LastSeen.Valid, "expected offline members to be untouched")
}
