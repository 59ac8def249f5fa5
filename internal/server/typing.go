package server

import (
	"context"
	"fmt"
	"log"
	"time"
)

const defaultTypingSweepInterval = 10 * time.Second

func (cs *ChatServer) setTyping(ctx context.Context, c *Client, cmd *Typing) error {
	r, err := cs.joinedRoom(ctx, c, cmd.RoomId)
	if err != nil {
		return err
	}

	if cmd.IsTyping {
		if err := cs.db.UpsertTyping(ctx, r.id, c.user.Id, cs.now().Add(cs.typingTTL)); err != nil {
			return fmt.Errorf("upsert typing: %w", err)
		}
	} else {
		if err := cs.db.DeleteTyping(ctx, r.id, c.user.Id); err != nil {
			return fmt.Errorf("delete typing: %w", err)
		}
	}

	return cs.broadcast(ctx, r.externalId, NewServerMessage(0, EventUserTyping, TypingData{
		RoomId:   r.externalId,
		UserId:   c.user.Id,
		Username: c.user.Username,
		IsTyping: cmd.IsTyping,
	}), c.id)
}

// TypingSweeper clears typing indicators whose TTL has passed and tells the
// room the user stopped typing.
type TypingSweeper struct {
	cs       *ChatServer
	interval time.Duration
	log      *log.Logger
}

func NewTypingSweeper(cs *ChatServer, interval time.Duration, logger *log.Logger) *TypingSweeper {
	return &TypingSweeper{
		cs:       cs,
		interval: orDefault(interval, defaultTypingSweepInterval),
		log:      logger,
	}
}

// Run sweeps every interval until ctx is done.
func (ts *TypingSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(ts.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ts.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep removes expired indicators and returns how many were announced.
// Rows for rooms not loaded on this node are removed silently.
func (ts *TypingSweeper) sweep(ctx context.Context) int {
	expired, err := ts.cs.db.DeleteExpiredTyping(ctx, ts.cs.now())
	if err != nil {
		ts.log.Println("DeleteExpiredTyping:", err)
		return 0
	}

	announced := 0
	for _, row := range expired {
		r, ok := ts.cs.getRoomById(row.RoomId)
		if !ok {
			continue
		}

		err := ts.cs.broadcast(ctx, r.externalId, NewServerMessage(0, EventUserTyping, TypingData{
			RoomId:   r.externalId,
			UserId:   row.UserId,
			IsTyping: false,
		}), "")
		if err != nil {
			ts.log.Println("broadcast typing expiry:", err)
			continue
		}
		announced++
	}

	return announced
}
