package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultPingInterval = 25 * time.Second
	DefaultPongTimeout  = 60 * time.Second

	writeWait       = 10 * time.Second
	closeAuthFailed = 4001
)

var (
	ErrAuthFailed   = errors.New("chatclient: authentication failed")
	ErrGaveUp       = errors.New("chatclient: gave up reconnecting, please refresh")
	ErrJoinRejected = errors.New("chatclient: room join rejected")
	errNotConnected = errors.New("chatclient: not connected")
)

// JoinError is returned by Run when the server refuses the room join.
type JoinError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("chatclient: join rejected (%d): %s", e.Code, e.Message)
}

func (e *JoinError) Unwrap() error { return ErrJoinRejected }

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRoomJoined
	StateAuthFailed
	StateGaveUp
	StateJoinFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRoomJoined:
		return "room-joined"
	case StateAuthFailed:
		return "auth-failed"
	case StateGaveUp:
		return "gave-up"
	case StateJoinFailed:
		return "join-failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type closeClass int

const (
	closeTransient closeClass = iota
	closeIntentional
	closeAuth
	closeJoinRejected
)

// classify sorts a read error into the close classes that drive
// reconnection.
func classify(err error) closeClass {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return closeTransient
	}

	switch {
	case ce.Code == websocket.CloseNormalClosure:
		return closeIntentional
	case ce.Code == closeAuthFailed, strings.Contains(strings.ToLower(ce.Text), "auth"):
		return closeAuth
	default:
		return closeTransient
	}
}

type Options struct {
	URL    string
	Token  string
	RoomId string

	Backoff       *Backoff
	PingInterval  time.Duration
	PongTimeout   time.Duration
	QueueSize     int
	Dialer        *websocket.Dialer
	OnStateChange func(State)
}

type envelope struct {
	Id    int    `json:"id,omitempty"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inbound struct {
	Id    int             `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Engine keeps one connection to the chat server alive for a room. Actions
// sent before the room is joined are queued and flushed in order once it
// is.
type Engine struct {
	url           string
	token         string
	roomId        string
	dialer        *websocket.Dialer
	log           *log.Logger
	backoff       *Backoff
	queue         *Queue
	handlers      *Handlers
	pingInterval  time.Duration
	pongTimeout   time.Duration
	onStateChange func(State)
	now           func() time.Time

	// mu guards state, conn, nextId, joinId and joinErr and serializes
	// writes.
	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	nextId  int
	joinId  int
	joinErr error

	done      chan struct{}
	closeOnce sync.Once
}

func NewEngine(opts Options, logger *log.Logger) *Engine {
	e := &Engine{
		url:           opts.URL,
		token:         opts.Token,
		roomId:        opts.RoomId,
		dialer:        opts.Dialer,
		log:           logger,
		backoff:       opts.Backoff,
		queue:         NewQueue(opts.QueueSize),
		handlers:      NewHandlers(),
		pingInterval:  opts.PingInterval,
		pongTimeout:   opts.PongTimeout,
		onStateChange: opts.OnStateChange,
		now:           time.Now,
		done:          make(chan struct{}),
	}

	if e.dialer == nil {
		e.dialer = websocket.DefaultDialer
	}
	if e.backoff == nil {
		e.backoff = NewBackoff()
	}
	if e.pingInterval <= 0 {
		e.pingInterval = DefaultPingInterval
	}
	if e.pongTimeout <= 0 {
		e.pongTimeout = DefaultPongTimeout
	}

	return e
}

func (e *Engine) On(event string, fn HandlerFunc) { e.handlers.On(event, fn) }
func (e *Engine) Off(event string)                { e.handlers.Off(event) }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pending returns the number of queued actions.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Send writes the action if the room is joined and queues it otherwise.
// A full queue is returned as ErrQueueFull.
func (e *Engine) Send(event string, data any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateAuthFailed, StateGaveUp, StateJoinFailed, StateClosed:
		return fmt.Errorf("chatclient: cannot send while %s", e.state)
	case StateRoomJoined:
		return e.writeLocked(event, data)
	default:
		return e.queue.Push(Outbound{Event: event, Data: data})
	}
}

// Close ends the session with a normal closure. Run then returns nil.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// Run connects and reconnects until the engine is closed, ctx is done, the
// credential is rejected or the backoff gives up.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.transition(StateClosed)
			return ctx.Err()
		case <-e.done:
			e.transition(StateClosed)
			return nil
		default:
		}

		e.transition(StateConnecting)
		cls := closeTransient
		conn, resp, err := e.dial(ctx)
		if err != nil {
			e.log.Printf("dial %s: %v", e.url, err)
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				cls = closeAuth
			}
		} else {
			cls = e.session(ctx, conn)
		}

		switch cls {
		case closeIntentional:
			e.transition(StateClosed)
			return nil
		case closeAuth:
			e.transition(StateAuthFailed)
			return ErrAuthFailed
		case closeJoinRejected:
			e.transition(StateJoinFailed)
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.joinErr
		}

		delay, ok := e.backoff.Next(e.now())
		if !ok {
			e.transition(StateGaveUp)
			return ErrGaveUp
		}
		e.transition(StateDisconnected)
		e.log.Printf("reconnecting in %s (attempt %d/%d)", delay, e.backoff.Attempt, e.backoff.MaxAttempts)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			e.transition(StateClosed)
			return ctx.Err()
		case <-e.done:
			t.Stop()
			e.transition(StateClosed)
			return nil
		}
	}
}

func (e *Engine) dial(ctx context.Context) (*websocket.Conn, *http.Response, error) {
	u, err := url.Parse(e.url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse url: %w", err)
	}
	if e.token != "" {
		q := u.Query()
		q.Set("token", e.token)
		u.RawQuery = q.Encode()
	}

	return e.dialer.DialContext(ctx, u.String(), nil)
}

// session serves one connection until it closes and reports how it closed.
func (e *Engine) session(ctx context.Context, conn *websocket.Conn) closeClass {
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	defer func() {
		// sends issued from here on are queued for the next session
		e.mu.Lock()
		e.conn = nil
		dropped := e.state == StateConnected || e.state == StateRoomJoined
		if dropped {
			e.state = StateDisconnected
		}
		e.mu.Unlock()
		conn.Close()

		if dropped {
			e.notify(StateDisconnected)
		}
	}()

	done := make(chan struct{})
	defer close(done)

	msgs := make(chan inbound)
	errc := make(chan error, 1)
	go e.readLoop(conn, msgs, errc, done)

	ticker := time.NewTicker(e.pingInterval)
	defer ticker.Stop()
	lastSeen := e.now()

	for {
		select {
		case msg := <-msgs:
			lastSeen = e.now()
			if cls, stop := e.handle(msg); stop {
				e.closeNormal(conn)
				return cls
			}
		case err := <-errc:
			cls := classify(err)
			if cls == closeTransient {
				e.log.Printf("connection lost: %v", err)
			}
			return cls
		case <-ticker.C:
			if e.now().Sub(lastSeen) > e.pongTimeout {
				e.log.Printf("no traffic for %s, dropping connection", e.pongTimeout)
				return closeTransient
			}
			if err := e.write("ping", nil); err != nil {
				e.log.Println("ping:", err)
				return closeTransient
			}
		case <-ctx.Done():
			e.closeNormal(conn)
			return closeIntentional
		case <-e.done:
			e.closeNormal(conn)
			return closeIntentional
		}
	}
}

func (e *Engine) readLoop(conn *websocket.Conn, msgs chan<- inbound, errc chan<- error, done <-chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			errc <- err
			return
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			e.log.Println("error parsing message:", err)
			continue
		}

		select {
		case msgs <- msg:
		case <-done:
			return
		}
	}
}

// handle dispatches one inbound event. It reports true when the session
// must end, with the class to end it with.
func (e *Engine) handle(msg inbound) (closeClass, bool) {
	switch msg.Event {
	case "authenticated":
		e.backoff.Reset()
		e.transition(StateConnected)
		if e.roomId != "" {
			e.join()
		}
	case "room_joined":
		e.joined()
	case "error":
		if e.joinRejected(msg) {
			e.handlers.dispatch(msg.Event, msg.Id, msg.Data)
			return closeJoinRejected, true
		}
	}

	e.handlers.dispatch(msg.Event, msg.Id, msg.Data)
	return closeTransient, false
}

func (e *Engine) join() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writeLocked("room:join", map[string]string{"roomId": e.roomId}); err != nil {
		e.log.Println("join room:", err)
		return
	}
	e.joinId = e.nextId
}

// joinRejected reports whether msg answers the pending room join and
// records the server's reason.
func (e *Engine) joinRejected(msg inbound) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.joinId == 0 || msg.Id != e.joinId {
		return false
	}

	jerr := &JoinError{}
	if err := json.Unmarshal(msg.Data, jerr); err != nil {
		e.log.Println("error parsing join error:", err)
	}
	e.joinId = 0
	e.joinErr = jerr
	e.log.Printf("join %s rejected: %d %s", e.roomId, jerr.Code, jerr.Message)
	return true
}

// joined flushes the queue. Send holds the same lock, so nothing sent
// after the join can overtake a queued action.
func (e *Engine) joined() {
	e.mu.Lock()
	e.state = StateRoomJoined
	e.joinId = 0
	pending := e.queue.Drain()
	for i, m := range pending {
		if err := e.writeLocked(m.Event, m.Data); err != nil {
			e.log.Printf("flush queued %s: %v", m.Event, err)
			for _, rest := range pending[i:] {
				e.queue.Push(rest)
			}
			break
		}
	}
	e.mu.Unlock()

	e.notify(StateRoomJoined)
}

func (e *Engine) write(event string, data any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeLocked(event, data)
}

func (e *Engine) writeLocked(event string, data any) error {
	if e.conn == nil {
		return errNotConnected
	}

	e.nextId++
	e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return e.conn.WriteJSON(envelope{Id: e.nextId, Event: event, Data: data})
}

func (e *Engine) closeNormal(conn *websocket.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (e *Engine) transition(s State) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.mu.Unlock()

	if changed {
		e.notify(s)
	}
}

func (e *Engine) notify(s State) {
	if e.onStateChange != nil {
		e.onStateChange(s)
	}
}
