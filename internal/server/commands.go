package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	errUnknownEvent = errors.New("unknown event")
	errEmptyPayload = errors.New("missing event data")
)

// Command is one decoded client request. The set of implementations is
// closed; dispatch switches over the concrete types.
type Command interface {
	command() string
}

type JoinRoom struct {
	RoomId string `json:"roomId" validate:"required,max=128"`
}

type LeaveRoom struct {
	RoomId string `json:"roomId" validate:"required,max=128"`
}

type SendMessage struct {
	RoomId      string `json:"roomId" validate:"required,max=128"`
	Content     string `json:"content" validate:"notblank,max=4000"`
	ReplyToId   *int   `json:"replyToId" validate:"omitempty,gt=0"`
	MessageType string `json:"messageType" validate:"omitempty,oneof=text image video audio file"`
	MediaUrl    string `json:"mediaUrl" validate:"omitempty,url,max=2048"`
}

type EditMessage struct {
	MessageId int    `json:"messageId" validate:"required,gt=0"`
	Content   string `json:"content" validate:"notblank,max=4000"`
}

type DeleteMessage struct {
	MessageId int `json:"messageId" validate:"required,gt=0"`
}

type ToggleReaction struct {
	MessageId int    `json:"messageId" validate:"required,gt=0"`
	Emoji     string `json:"emoji" validate:"notblank,max=32"`
}

type Typing struct {
	RoomId   string `json:"roomId" validate:"required,max=128"`
	IsTyping bool   `json:"isTyping"`
}

type Ping struct{}

// RoomEvent carries one of the room extension events. Payload is the raw
// data object as sent by the client.
type RoomEvent struct {
	Kind    string          `json:"-"`
	RoomId  string          `json:"roomId" validate:"required,max=128"`
	Payload json.RawMessage `json:"-"`
}

func (*JoinRoom) command() string       { return "room:join" }
func (*LeaveRoom) command() string      { return "room:leave" }
func (*SendMessage) command() string    { return "message:send" }
func (*EditMessage) command() string    { return "message:edit" }
func (*DeleteMessage) command() string  { return "message:delete" }
func (*ToggleReaction) command() string { return "reaction:toggle" }
func (*Typing) command() string         { return "typing" }
func (*Ping) command() string           { return "ping" }
func (c *RoomEvent) command() string    { return c.Kind }

// extensionEvents are persisted as room events and mirrored to the room
// under the same name.
var extensionEvents = map[string]struct{}{
	"question:new":       {},
	"question:upvote":    {},
	"question:view":      {},
	"question:answer":    {},
	"answer:thanked":     {},
	"answer:upvote":      {},
	"goals:update":       {},
	"preferences:update": {},
}

// commandTable maps every accepted event name to a constructor for its
// command.
var commandTable = map[string]func() Command{
	"join_room":       func() Command { return &JoinRoom{} },
	"room:join":       func() Command { return &JoinRoom{} },
	"leave_room":      func() Command { return &LeaveRoom{} },
	"room:leave":      func() Command { return &LeaveRoom{} },
	"send_message":    func() Command { return &SendMessage{} },
	"message:send":    func() Command { return &SendMessage{} },
	"edit_message":    func() Command { return &EditMessage{} },
	"message:edit":    func() Command { return &EditMessage{} },
	"delete_message":  func() Command { return &DeleteMessage{} },
	"message:delete":  func() Command { return &DeleteMessage{} },
	"toggle_reaction": func() Command { return &ToggleReaction{} },
	"reaction:toggle": func() Command { return &ToggleReaction{} },
	"typing":          func() Command { return &Typing{} },
	"typing:start":    func() Command { return &Typing{IsTyping: true} },
	"typing:stop":     func() Command { return &Typing{IsTyping: false} },
	"ping":            func() Command { return &Ping{} },
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// decodeCommand resolves the envelope's event name and decodes and validates
// its data into the matching command.
func decodeCommand(msg *ClientMessage) (Command, error) {
	if _, ok := extensionEvents[msg.Event]; ok {
		return decodeRoomEvent(msg)
	}

	newCmd, ok := commandTable[msg.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownEvent, msg.Event)
	}

	cmd := newCmd()
	if _, isPing := cmd.(*Ping); isPing {
		return cmd, nil
	}

	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return nil, errEmptyPayload
	}

	if err := json.Unmarshal(msg.Data, cmd); err != nil {
		return nil, fmt.Errorf("invalid event data: %w", err)
	}

	// typing:start and typing:stop decide the flag by name, not by payload
	if t, ok := cmd.(*Typing); ok && msg.Event != "typing" {
		t.IsTyping = msg.Event == "typing:start"
	}

	if err := validateCommand(cmd); err != nil {
		return nil, err
	}

	return cmd, nil
}

func decodeRoomEvent(msg *ClientMessage) (Command, error) {
	if len(msg.Data) == 0 {
		return nil, errEmptyPayload
	}

	cmd := &RoomEvent{Kind: msg.Event}
	if err := json.Unmarshal(msg.Data, cmd); err != nil {
		return nil, fmt.Errorf("invalid event data: %w", err)
	}
	if err := validateCommand(cmd); err != nil {
		return nil, err
	}

	cmd.Payload = append(json.RawMessage(nil), msg.Data...)
	return cmd, nil
}

func validateCommand(cmd Command) error {
	if err := validate.Struct(cmd); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, formatFieldError(fe))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

func formatFieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field()[:1]) + fe.Field()[1:]
	switch fe.Tag() {
	case "required", "notblank":
		return fmt.Sprintf("%s is required", field)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
