package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/binhbb2204/chatsync/pkg/models"
)

type EventName string

const (
	EventJoinRoom    EventName = "join_room"
	EventLeaveRoom   EventName = "leave_room"
	EventSendMessage EventName = "send_message"
	EventTypingStart EventName = "typing_start"
	EventTypingStop  EventName = "typing_stop"

	EventNewMessage        EventName = "new_message"
	EventUserTyping        EventName = "user_typing"
	EventUserStoppedTyping EventName = "user_stopped_typing"
	EventError             EventName = "error"
)

var ErrEmptyEvent = errors.New("envelope has no event name")

// Envelope is the frame exchanged on the live transport.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type OutboundMessage struct {
	Text        string `json:"text"`
	ClientToken string `json:"client_token,omitempty"`
}

type SendPayload struct {
	RoomID  int64           `json:"room_id"`
	Message OutboundMessage `json:"message"`
}

type MessagePayload struct {
	RoomID  int64          `json:"room_id"`
	Message models.Message `json:"message"`
}

type TypingPayload struct {
	RoomID int64  `json:"room_id"`
	User   string `json:"user"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func NewEnvelope(event EventName, payload interface{}) (Envelope, error) {
	if event == "" {
		return Envelope{}, ErrEmptyEvent
	}
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

func Encode(env Envelope) ([]byte, error) {
	if env.Event == "" {
		return nil, ErrEmptyEvent
	}
	return json.Marshal(env)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, ErrEmptyEvent
	}
	return env, nil
}

func (e Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

// RoomID decodes the bare room id carried by join, leave and typing events.
func (e Envelope) RoomID() (int64, error) {
	var id int64
	err := e.DecodeData(&id)
	return id, err
}

// IsOutbound reports whether the event is one the client sends.
func IsOutbound(event EventName) bool {
	switch event {
	case EventJoinRoom, EventLeaveRoom, EventSendMessage, EventTypingStart, EventTypingStop:
		return true
	}
	return false
}
