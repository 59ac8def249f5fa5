package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-livechat/internal/codec"
	"github.com/npezzotti/go-livechat/internal/database"
	"github.com/npezzotti/go-livechat/internal/pubsub"
	"github.com/npezzotti/go-livechat/internal/stats"
	"github.com/npezzotti/go-livechat/internal/types"
)

const (
	defaultHeartbeatTimeout = 60 * time.Second
	defaultTypingTTL        = 5 * time.Second
	defaultIdleRoomTimeout  = 5 * time.Second
	dbTimeout               = 5 * time.Second
)

// Options tunes timing. Zero values fall back to the package defaults.
type Options struct {
	TypingTTL        time.Duration
	HeartbeatTimeout time.Duration
	IdleRoomTimeout  time.Duration
}

type joinRequest struct {
	id     int
	roomId string
	client *Client
}

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log      *log.Logger
	db       database.ChatRepository
	codec    *codec.Codec
	broker   pubsub.Broker
	stats    stats.StatsProvider
	presence *Presence

	clients     map[*Client]struct{}
	userMap     map[int]map[*Client]struct{}
	clientsLock sync.RWMutex
	rooms       map[string]*Room
	roomsLock   sync.RWMutex

	joinChan       chan *joinRequest
	unloadRoomChan chan string
	stop           chan stopReq

	typingTTL        time.Duration
	heartbeatTimeout time.Duration
	idleRoomTimeout  time.Duration
	now              func() time.Time
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, c *codec.Codec, broker pubsub.Broker,
	su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if db == nil {
		return nil, errors.New("chat server requires a repository")
	}
	if c == nil {
		return nil, errors.New("chat server requires a message codec")
	}
	if broker == nil {
		return nil, errors.New("chat server requires a broker")
	}

	su.RegisterMetric("NumActiveClients")
	su.RegisterMetric("NumActiveRooms")
	su.RegisterMetric("NumMessagesSent")
	su.RegisterMetric("NumReactionsToggled")

	return &ChatServer{
		log:              logger,
		db:               db,
		codec:            c,
		broker:           broker,
		stats:            su,
		presence:         NewPresence(),
		clients:          make(map[*Client]struct{}),
		userMap:          make(map[int]map[*Client]struct{}),
		rooms:            make(map[string]*Room),
		joinChan:         make(chan *joinRequest, 256),
		unloadRoomChan:   make(chan string, 64),
		stop:             make(chan stopReq),
		typingTTL:        orDefault(opts.TypingTTL, defaultTypingTTL),
		heartbeatTimeout: orDefault(opts.HeartbeatTimeout, defaultHeartbeatTimeout),
		idleRoomTimeout:  orDefault(opts.IdleRoomTimeout, defaultIdleRoomTimeout),
		now:              Now,
	}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (cs *ChatServer) Presence() *Presence {
	return cs.presence
}

func (cs *ChatServer) Run() {
	for {
		select {
		case req := <-cs.joinChan:
			cs.handleJoinRoom(req)
		case id := <-cs.unloadRoomChan:
			cs.unloadRoom(id)
		case req := <-cs.stop:
			cs.log.Println("shutting down rooms")
			cs.unloadAllRooms()
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) handleJoinRoom(req *joinRequest) {
	if room, ok := cs.getRoom(req.roomId); ok {
		select {
		case room.joinChan <- req:
		default:
			cs.log.Printf("join channel full on room %q", room.externalId)
			req.client.queueMessage(ErrServiceUnavailable(req.id))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	dbRoom, err := cs.db.GetRoomByExternalId(ctx, req.roomId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			req.client.queueMessage(ErrRoomNotFound(req.id))
		} else {
			cs.log.Println("GetRoomByExternalId:", err)
			req.client.queueMessage(ErrInternalError(req.id))
		}
		return
	}

	room := newRoom(cs, dbRoom)
	if err := room.subscribe(ctx); err != nil {
		cs.log.Printf("subscribe room %q: %v", room.externalId, err)
		req.client.queueMessage(ErrInternalError(req.id))
		return
	}

	cs.addRoom(room.externalId, room)
	go room.start()
	room.joinChan <- req
}

// unloadRoom stops an idle room. Joins that reached the room after it went
// idle are routed again so they load a fresh instance.
func (cs *ChatServer) unloadRoom(roomId string) {
	r, ok := cs.getRoom(roomId)
	if !ok {
		return
	}

	cs.removeRoom(roomId)
	r.exit <- exitReq{}
	<-r.done

	for {
		select {
		case req := <-r.joinChan:
			cs.handleJoinRoom(req)
		default:
			return
		}
	}
}

func (cs *ChatServer) unloadAllRooms() {
	cs.roomsLock.RLock()
	rooms := make([]*Room, 0, len(cs.rooms))
	for _, r := range cs.rooms {
		rooms = append(rooms, r)
	}
	cs.roomsLock.RUnlock()

	for _, r := range rooms {
		cs.removeRoom(r.externalId)
		r.exit <- exitReq{}
		<-r.done

		for drained := false; !drained; {
			select {
			case req := <-r.joinChan:
				req.client.queueMessage(ErrServiceUnavailable(req.id))
			default:
				drained = true
			}
		}
	}
}

func (cs *ChatServer) addRoom(id string, r *Room) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if _, ok := cs.rooms[id]; !ok {
		cs.stats.Incr("NumActiveRooms")
	}
	cs.rooms[id] = r
}

func (cs *ChatServer) getRoom(id string) (*Room, bool) {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()

	r, ok := cs.rooms[id]
	return r, ok
}

func (cs *ChatServer) getRoomById(id int) (*Room, bool) {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()

	for _, r := range cs.rooms {
		if r.id == id {
			return r, true
		}
	}
	return nil, false
}

func (cs *ChatServer) removeRoom(id string) {
	cs.roomsLock.Lock()
	defer cs.roomsLock.Unlock()

	if _, ok := cs.rooms[id]; ok {
		delete(cs.rooms, id)
		cs.stats.Decr("NumActiveRooms")
	}
}

// RegisterClient admits an authenticated connection and greets it with its
// connection id.
func (cs *ChatServer) RegisterClient(c *Client) {
	c.setState(StateAuthenticated)
	cs.addClient(c)
	c.queueMessage(NewServerMessage(0, EventAuthenticated, AuthenticatedData{
		ConnectionId: c.id,
		UserId:       c.user.Id,
		Username:     c.user.Username,
	}))
}

func (cs *ChatServer) DeRegisterClient(c *Client) {
	cs.removeClient(c)
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		return
	}
	cs.clients[c] = struct{}{}
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}
	cs.stats.Incr("NumActiveClients")
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	if conns, ok := cs.userMap[c.user.Id]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(cs.userMap, c.user.Id)
		}
	}
	cs.stats.Decr("NumActiveClients")
}

func (cs *ChatServer) getClients(userId int) []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.userMap[userId]))
	for c := range cs.userMap[userId] {
		clients = append(clients, c)
	}
	return clients
}

// broadcast publishes msg to every connection attached to roomId on any
// node, except skipConn.
func (cs *ChatServer) broadcast(ctx context.Context, roomId string, msg *ServerMessage, skipConn string) error {
	b, err := serializeMessage(msg)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", msg.Event, err)
	}

	payload, err := json.Marshal(roomEnvelope{SkipConn: skipConn, Message: b})
	if err != nil {
		return fmt.Errorf("wrap %s: %w", msg.Event, err)
	}

	if err := cs.broker.Publish(ctx, roomId, payload); err != nil {
		return fmt.Errorf("publish %s to room %q: %w", msg.Event, roomId, err)
	}
	return nil
}

// author resolves the profile shown next to a message, falling back to the
// identity carried by the connection.
func (cs *ChatServer) author(ctx context.Context, c *Client) types.User {
	u, err := cs.db.GetUser(ctx, c.user.Id)
	if err != nil {
		return types.User{Id: c.user.Id, Username: c.user.Username}
	}
	return types.User{Id: u.Id, Username: u.Username, AvatarUrl: u.AvatarUrl.String}
}

// Shutdown stops every connection and room. It returns ctx's error if the
// rooms have not finished by then.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.RLock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.RUnlock()

	req := stopReq{done: make(chan struct{})}
	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
