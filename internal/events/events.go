// Package events defines the messages exchanged over the backend event
// channel. Every event is its own Go type; on the wire it travels inside an
// envelope {"event": "<name>", "data": {...}}.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/reliefnet/fieldagent/internal/models"
)

var ErrUnknownEvent = errors.New("events: unknown event")

// Envelope is the wire framing shared by both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Outbound is an event the client emits.
type Outbound interface {
	EventName() string
}

// Inbound is an event the backend pushes.
type Inbound interface {
	EventName() string
	// Group returns the chat group the event belongs to, or "" when the
	// backend did not say.
	Group() string
}

const (
	NameJoin          = "join"
	NameLeave         = "leave"
	NameSendMessage   = "send_message"
	NameTyping        = "typing"
	NameTypingStop    = "typing_stop"
	NameMessageRead   = "message_read"
	NameEditMessage   = "edit_message"
	NameDeleteMessage = "delete_message"

	NameChatHistory    = "chat_history"
	NameMessage        = "message"
	NameMessageEdited  = "message_edited"
	NameMessageDeleted = "message_deleted"
	NameMessageReadUpd = "message_read_update"
	NamePresenceUpdate = "presence_update"
	NameDeliveryUpdate = "message_delivery_update"
	NameNewAlert       = "new_alert"
)

// Outbound events.

type Join struct {
	GroupID  string `json:"groupId"`
	Username string `json:"username"`
}

type Leave struct {
	GroupID  string `json:"groupId"`
	Username string `json:"username"`
}

type SendMessage struct {
	GroupID     string           `json:"groupId"`
	SenderEmail string           `json:"senderEmail"`
	Message     string           `json:"message"`
	MediaURL    string           `json:"mediaUrl,omitempty"`
	MediaType   string           `json:"mediaType,omitempty"`
	Location    *models.Location `json:"location,omitempty"`
	TempID      string           `json:"tempId"`
}

// Typing is used in both directions.
type Typing struct {
	GroupID     string `json:"groupId,omitempty"`
	SenderEmail string `json:"senderEmail"`
}

// TypingStop is used in both directions.
type TypingStop struct {
	GroupID     string `json:"groupId,omitempty"`
	SenderEmail string `json:"senderEmail"`
}

type MessageRead struct {
	GroupID     string   `json:"groupId"`
	ReaderEmail string   `json:"readerEmail"`
	MessageIDs  []string `json:"messageIds"`
}

type EditMessage struct {
	GroupID   string `json:"groupId"`
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

type DeleteMessage struct {
	GroupID   string `json:"groupId"`
	MessageID string `json:"messageId"`
}

func (Join) EventName() string          { return NameJoin }
func (Leave) EventName() string         { return NameLeave }
func (SendMessage) EventName() string   { return NameSendMessage }
func (Typing) EventName() string        { return NameTyping }
func (TypingStop) EventName() string    { return NameTypingStop }
func (MessageRead) EventName() string   { return NameMessageRead }
func (EditMessage) EventName() string   { return NameEditMessage }
func (DeleteMessage) EventName() string { return NameDeleteMessage }

// Inbound events.

// ChatHistory replaces the whole message list. The backend sends it as a
// bare array right after a join.
type ChatHistory struct {
	GroupID  string           `json:"groupId,omitempty"`
	Messages []models.Message `json:"messages"`
}

type MessageEvent struct {
	GroupID string `json:"groupId,omitempty"`
	models.Message
}

type MessageEdited struct {
	GroupID   string `json:"groupId,omitempty"`
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

type MessageDeleted struct {
	GroupID   string `json:"groupId,omitempty"`
	MessageID string `json:"messageId"`
}

type MessageReadUpdate struct {
	GroupID     string   `json:"groupId,omitempty"`
	ReaderEmail string   `json:"readerEmail"`
	MessageIDs  []string `json:"messageIds"`
}

type PresenceUpdate struct {
	GroupID  string `json:"groupId,omitempty"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// DeliveryUpdate says DeliveredTo has received every message in the group.
type DeliveryUpdate struct {
	GroupID     string `json:"groupId,omitempty"`
	DeliveredTo string `json:"deliveredTo"`
}

type NewAlert struct {
	models.Alert
}

func (ChatHistory) EventName() string       { return NameChatHistory }
func (MessageEvent) EventName() string      { return NameMessage }
func (MessageEdited) EventName() string     { return NameMessageEdited }
func (MessageDeleted) EventName() string    { return NameMessageDeleted }
func (MessageReadUpdate) EventName() string { return NameMessageReadUpd }
func (PresenceUpdate) EventName() string    { return NamePresenceUpdate }
func (DeliveryUpdate) EventName() string    { return NameDeliveryUpdate }
func (NewAlert) EventName() string          { return NameNewAlert }

func (e ChatHistory) Group() string       { return e.GroupID }
func (e MessageEvent) Group() string      { return e.GroupID }
func (e MessageEdited) Group() string     { return e.GroupID }
func (e MessageDeleted) Group() string    { return e.GroupID }
func (e MessageReadUpdate) Group() string { return e.GroupID }
func (e PresenceUpdate) Group() string    { return e.GroupID }
func (e DeliveryUpdate) Group() string    { return e.GroupID }
func (e Typing) Group() string            { return e.GroupID }
func (e TypingStop) Group() string        { return e.GroupID }
func (NewAlert) Group() string            { return "" }

// Encode wraps ev in an envelope.
func Encode(ev Outbound) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	return json.Marshal(Envelope{Event: ev.EventName(), Data: data})
}

// Decode parses an inbound envelope. Unknown event names yield
// ErrUnknownEvent; missing optional fields are left at their zero values.
func Decode(b []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	data := env.Data
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}

	var (
		ev  Inbound
		err error
	)
	switch env.Event {
	case NameChatHistory:
		ev, err = decodeHistory(data)
	case NameMessage:
		ev, err = decodeAs[MessageEvent](data)
	case NameMessageEdited:
		ev, err = decodeAs[MessageEdited](data)
	case NameMessageDeleted:
		ev, err = decodeAs[MessageDeleted](data)
	case NameMessageReadUpd:
		ev, err = decodeAs[MessageReadUpdate](data)
	case NameTyping:
		ev, err = decodeAs[Typing](data)
	case NameTypingStop:
		ev, err = decodeAs[TypingStop](data)
	case NamePresenceUpdate:
		ev, err = decodeAs[PresenceUpdate](data)
	case NameDeliveryUpdate:
		ev, err = decodeAs[DeliveryUpdate](data)
	case NameNewAlert:
		ev, err = decodeAs[NewAlert](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return ev, nil
}

func decodeAs[T Inbound](data []byte) (Inbound, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeHistory(data []byte) (Inbound, error) {
	var h ChatHistory
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		if err := json.Unmarshal(data, &h.Messages); err != nil {
			return nil, err
		}
	} else if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	if h.Messages == nil {
		h.Messages = []models.Message{}
	}
	return h, nil
}
