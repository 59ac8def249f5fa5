package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-livechat/internal/database"
	"github.com/npezzotti/go-livechat/internal/pubsub"
	"github.com/npezzotti/go-livechat/internal/types"
)

type leaveRequest struct {
	id     int
	client *Client
	// reply is set for explicit leaves; teardown and eviction are silent.
	reply bool
}

type exitReq struct{}

type Room struct {
	id          int
	externalId  string
	name        string
	description string
	createdAt   time.Time
	cs          *ChatServer
	joinChan    chan *joinRequest
	leaveChan   chan *leaveRequest
	clients     map[*Client]struct{}
	clientLock  sync.RWMutex
	sub         pubsub.Subscription
	log         *log.Logger
	// killTimer unloads the room once it has had no clients for a while
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(cs *ChatServer, dbRoom database.Room) *Room {
	return &Room{
		id:          dbRoom.Id,
		externalId:  dbRoom.ExternalId,
		name:        dbRoom.Name,
		description: dbRoom.Description,
		createdAt:   dbRoom.CreatedAt,
		cs:          cs,
		joinChan:    make(chan *joinRequest, 256),
		leaveChan:   make(chan *leaveRequest, 256),
		clients:     make(map[*Client]struct{}),
		log:         cs.log,
		exit:        make(chan exitReq),
		done:        make(chan struct{}),
	}
}

func (r *Room) subscribe(ctx context.Context) error {
	sub, err := r.cs.broker.Subscribe(ctx, r.externalId, r.deliver)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

func (r *Room) start() {
	defer close(r.done)

	r.killTimer = time.NewTimer(r.cs.idleRoomTimeout)
	defer r.killTimer.Stop()

	for {
		select {
		case req := <-r.joinChan:
			r.handleJoin(req)
		case req := <-r.leaveChan:
			r.handleLeave(req)
		case <-r.killTimer.C:
			if r.handleRoomTimeout() {
				return
			}
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

// handleRoomTimeout asks the chat server to unload the room and reports
// whether the room has exited. Once asked, the room only waits for exit;
// joins queued meanwhile are re-routed by the chat server.
func (r *Room) handleRoomTimeout() bool {
	if r.clientCount() > 0 {
		return false
	}

	select {
	case r.cs.unloadRoomChan <- r.externalId:
	default:
		r.killTimer.Reset(r.cs.idleRoomTimeout)
		return false
	}

	e := <-r.exit
	r.handleRoomExit(e)
	return true
}

func (r *Room) handleRoomExit(exitReq) {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			r.log.Printf("unsubscribe room %q: %v", r.externalId, err)
		}
	}

	r.clientLock.Lock()
	clients := r.clients
	r.clients = make(map[*Client]struct{})
	r.clientLock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	for c := range clients {
		c.delRoom(r.externalId)
		if userId, last, ok := r.cs.presence.Detach(c.id, r.externalId); ok && last {
			if err := r.cs.db.SetOnline(ctx, r.id, userId, false, r.cs.now()); err != nil {
				r.log.Println("SetOnline:", err)
			}
		}
	}
}

func (r *Room) handleJoin(req *joinRequest) {
	r.killTimer.Stop()
	c := req.client

	if r.hasClient(c) {
		c.queueMessage(NewServerMessage(req.id, EventRoomJoined, r.info()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	ms, err := r.cs.db.GetMembership(ctx, r.id, c.user.Id)
	switch {
	case errors.Is(err, database.ErrNotFound):
		c.queueMessage(ErrForbidden(req.id, "not a member of this room"))
		r.resetIfIdle()
		return
	case err != nil:
		r.log.Println("GetMembership:", err)
		c.queueMessage(ErrInternalError(req.id))
		r.resetIfIdle()
		return
	case !ms.Authorized():
		c.queueMessage(ErrForbidden(req.id, "banned from this room"))
		r.resetIfIdle()
		return
	}

	if !c.addRoom(r) {
		// the connection is already tearing down
		r.resetIfIdle()
		return
	}

	first := r.cs.presence.Attach(c.id, c.user.Id, r.externalId)
	if first {
		if err := r.cs.db.SetOnline(ctx, r.id, c.user.Id, true, r.cs.now()); err != nil {
			r.log.Println("SetOnline:", err)
		}
	}

	c.queueMessage(NewServerMessage(req.id, EventRoomJoined, r.info()))
	r.addClient(c)

	if first {
		err := r.cs.broadcast(ctx, r.externalId, NewServerMessage(0, EventUserOnline, PresenceData{
			RoomId:   r.externalId,
			UserId:   c.user.Id,
			Username: c.user.Username,
		}), c.id)
		if err != nil {
			r.log.Println("broadcast user online:", err)
		}
	}
}

// handleLeave detaches a connection. A pair that is no longer attached is
// left alone, so teardown racing an explicit leave yields one transition.
func (r *Room) handleLeave(req *leaveRequest) {
	c := req.client
	if !r.removeClient(c) {
		if req.reply {
			c.queueMessage(ErrNotFound(req.id, "room not joined"))
		}
		return
	}
	c.delRoom(r.externalId)

	userId, last, ok := r.cs.presence.Detach(c.id, r.externalId)
	if req.reply {
		c.queueMessage(NewServerMessage(req.id, EventRoomLeft, RoomLeftData{RoomId: r.externalId}))
	}

	if ok && last {
		r.markOffline(userId, c.user.Username)
	}

	r.resetIfIdle()
}

func (r *Room) markOffline(userId int, username string) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	now := r.cs.now()
	if err := r.cs.db.SetOnline(ctx, r.id, userId, false, now); err != nil {
		r.log.Println("SetOnline:", err)
	}
	if err := r.cs.db.DeleteTyping(ctx, r.id, userId); err != nil {
		r.log.Println("DeleteTyping:", err)
	}

	err := r.cs.broadcast(ctx, r.externalId, NewServerMessage(0, EventUserOffline, PresenceData{
		RoomId:   r.externalId,
		UserId:   userId,
		Username: username,
		LastSeen: &now,
	}), "")
	if err != nil {
		r.log.Println("broadcast user offline:", err)
	}
}

// deliver hands one broker payload to every attached connection. The read
// lock keeps the set of recipients fixed for the whole event.
func (r *Room) deliver(payload []byte) {
	var env roomEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Printf("room %q: invalid broker payload: %v", r.externalId, err)
		return
	}

	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	for c := range r.clients {
		if c.id == env.SkipConn {
			continue
		}
		if !c.queueBytes(env.Message) {
			c.closeSlow()
		}
	}
}

func (r *Room) info() types.Room {
	return types.Room{
		Id:          r.id,
		ExternalId:  r.externalId,
		Name:        r.name,
		Description: r.description,
		OnlineUsers: r.cs.presence.Online(r.externalId),
		CreatedAt:   r.createdAt,
	}
}

func (r *Room) resetIfIdle() {
	if r.clientCount() == 0 {
		r.killTimer.Reset(r.cs.idleRoomTimeout)
	}
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
}

func (r *Room) removeClient(c *Client) bool {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return false
	}
	delete(r.clients, c)
	return true
}

func (r *Room) hasClient(c *Client) bool {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	_, ok := r.clients[c]
	return ok
}

func (r *Room) clientCount() int {
	r.clientLock.RLock()
	defer r.clientLock.RUnlock()

	return len(r.clients)
}
