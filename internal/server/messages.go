package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// Server event names.
const (
	EventAuthenticated   = "authenticated"
	EventRoomJoined      = "room_joined"
	EventRoomLeft        = "room_left"
	EventMessageNew      = "message:new"
	EventMessageEdited   = "message:edited"
	EventMessageDeleted  = "message:deleted"
	EventReactionAdded   = "reaction:added"
	EventReactionRemoved = "reaction:removed"
	EventReactionToggle  = "reaction:toggle"
	EventUserTyping      = "user:typing"
	EventUserOnline      = "user:online"
	EventUserOffline     = "user:offline"
	EventError           = "error"
	EventPong            = "pong"
)

// ClientMessage is the envelope every inbound frame is decoded into before
// it is resolved to a typed command.
type ClientMessage struct {
	Id    int             `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ServerMessage struct {
	Id        int       `json:"id,omitempty"`
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// roomEnvelope is what travels over the broker. skipConn names a connection
// that must not receive the payload.
type roomEnvelope struct {
	SkipConn string          `json:"skipConn,omitempty"`
	Message  json.RawMessage `json:"message"`
}

type AuthenticatedData struct {
	ConnectionId string `json:"connectionId"`
	UserId       int    `json:"userId"`
	Username     string `json:"username"`
}

type RoomLeftData struct {
	RoomId string `json:"roomId"`
}

type PresenceData struct {
	RoomId   string     `json:"roomId"`
	UserId   int        `json:"userId"`
	Username string     `json:"username"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type TypingData struct {
	RoomId   string `json:"roomId"`
	UserId   int    `json:"userId"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

func NewServerMessage(id int, event string, data any) *ServerMessage {
	return &ServerMessage{
		Id:        id,
		Event:     event,
		Data:      data,
		Timestamp: Now(),
	}
}

func NewError(id, code int, message string) *ServerMessage {
	return NewServerMessage(id, EventError, ErrorData{Code: code, Message: message})
}

func Pong(id int) *ServerMessage {
	return NewServerMessage(id, EventPong, nil)
}

func ErrRoomNotFound(id int) *ServerMessage {
	return NewError(id, http.StatusNotFound, "room not found")
}

func ErrInternalError(id int) *ServerMessage {
	return NewError(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return NewError(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	return NewError(id, http.StatusBadRequest, "invalid message format")
}

func ErrUnauthorized(id int) *ServerMessage {
	return NewError(id, http.StatusUnauthorized, "authentication failed")
}

func ErrForbidden(id int, message string) *ServerMessage {
	return NewError(id, http.StatusForbidden, message)
}

func ErrBadRequest(id int, message string) *ServerMessage {
	return NewError(id, http.StatusBadRequest, message)
}

func ErrNotFound(id int, message string) *ServerMessage {
	return NewError(id, http.StatusNotFound, message)
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
