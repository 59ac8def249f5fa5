package server

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-livechat/internal/types"
)

const (
	writeWait        = 10 * time.Second
	maxMessageSize   = 16 * 1024
	sendBufferSize   = 256
	actionBufferSize = 64
)

// CloseAuthFailed is sent as the close code when the handshake credential
// is rejected.
const CloseAuthFailed = 4001

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type action struct {
	id  int
	cmd Command
}

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	state      atomic.Int32
	send       chan []byte
	actions    chan *action
	rooms      map[string]*Room
	roomsLock  sync.RWMutex
	// closed is set once teardown has started; no room may be added after.
	closed      bool
	pongWait    time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
	cleanupOnce sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	pongWait := defaultHeartbeatTimeout
	if cs != nil && cs.heartbeatTimeout > 0 {
		pongWait = cs.heartbeatTimeout
	}

	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan []byte, sendBufferSize),
		actions:    make(chan *action, actionBufferSize),
		rooms:      make(map[string]*Room),
		pongWait:   pongWait,
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string { return c.id }

func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Client) setState(s ConnState) {
	c.state.Store(int32(s))
}

func (c *Client) Write() {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.sendMessage(websocket.TextMessage, msg) {
				return
			}
		case <-c.stop:
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait),
			)
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.extendDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		c.extendDeadline()
		err := c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}
		c.extendDeadline()

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(0))
			continue
		}

		cmd, err := decodeCommand(&msg)
		if err != nil {
			c.queueMessage(ErrBadRequest(msg.Id, err.Error()))
			continue
		}

		c.dispatch(msg.Id, cmd)
	}
}

// Process runs the connection's state-mutating actions one at a time, in
// the order they were read.
func (c *Client) Process() {
	for {
		select {
		case a := <-c.actions:
			c.handleAction(a)
		case <-c.stop:
			return
		}
	}
}

func (c *Client) dispatch(id int, cmd Command) {
	switch cmd := cmd.(type) {
	case *JoinRoom:
		c.joinRoom(id, cmd.RoomId)
	case *LeaveRoom:
		c.leaveRoom(id, cmd.RoomId)
	case *Ping:
		c.queueMessage(Pong(id))
	default:
		select {
		case c.actions <- &action{id: id, cmd: cmd}:
		default:
			c.log.Printf("action queue full for connection %s", c.id)
			c.queueMessage(ErrServiceUnavailable(id))
		}
	}
}

func (c *Client) extendDeadline() {
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	b, err := serializeMessage(msg)
	if err != nil {
		c.log.Println("failed to serialize message:", err)
		return false
	}

	return c.queueBytes(b)
}

func (c *Client) queueBytes(b []byte) bool {
	select {
	case c.send <- b:
	default:
		c.log.Printf("failed to send message to connection %s, channel is full", c.id)
		return false
	}

	return true
}

// closeSlow drops a connection that cannot keep up with its rooms. The
// read pump then fails and tears the connection down.
func (c *Client) closeSlow() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup tears the connection down. It runs at most once however many
// times the transport reports failure.
func (c *Client) cleanup() {
	c.cleanupOnce.Do(func() {
		c.setState(StateClosed)
		if c.chatServer != nil {
			c.chatServer.DeRegisterClient(c)
		}
		c.leaveAllRooms()
		c.stopClient()
	})
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.Lock()
	c.closed = true
	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.roomsLock.Unlock()

	for _, r := range rooms {
		select {
		case r.leaveChan <- &leaveRequest{client: c}:
		case <-r.done:
		}
	}
}

func (c *Client) joinRoom(id int, roomId string) {
	select {
	case c.chatServer.joinChan <- &joinRequest{id: id, roomId: roomId, client: c}:
	default:
		c.log.Printf("joinChan full")
		c.queueMessage(ErrServiceUnavailable(id))
	}
}

func (c *Client) leaveRoom(id int, roomId string) {
	r, ok := c.getRoom(roomId)
	if !ok {
		c.queueMessage(ErrNotFound(id, "room not joined"))
		return
	}

	select {
	case r.leaveChan <- &leaveRequest{id: id, client: c, reply: true}:
	default:
		c.log.Printf("leaveChan full for room %q", r.externalId)
		c.queueMessage(ErrServiceUnavailable(id))
	}
}

// evict detaches the connection from a room without a reply, as when its
// membership was found banned.
func (c *Client) evict(r *Room) {
	select {
	case r.leaveChan <- &leaveRequest{client: c}:
	case <-r.done:
	default:
		c.log.Printf("leaveChan full for room %q, skipping eviction of %s", r.externalId, c.id)
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	delete(c.rooms, id)
}

// addRoom records r as joined. It refuses once teardown has started so a
// join racing a disconnect cannot leave a dangling attachment.
func (c *Client) addRoom(r *Room) bool {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()

	if c.closed {
		return false
	}
	c.rooms[r.externalId] = r
	return true
}

func (c *Client) getRoom(id string) (*Room, bool) {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	r, ok := c.rooms[id]
	return r, ok
}

func (c *Client) getRoomById(id int) (*Room, bool) {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	for _, r := range c.rooms {
		if r.id == id {
			return r, true
		}
	}
	return nil, false
}
