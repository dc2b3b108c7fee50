package devserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/binhbb2204/chatsync/internal/protocol"
	"github.com/binhbb2204/chatsync/pkg/logger"
	"github.com/binhbb2204/chatsync/pkg/models"
)

const maxTextLength = 4096

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

// Handler applies client events to the hub and the store.
type Handler struct {
	store *Store
	hub   *Hub
}

func NewHandler(store *Store, hub *Hub) *Handler {
	return &Handler{store: store, hub: hub}
}

func (h *Handler) HandleClientMessage(client *Client, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	switch env.Event {
	case protocol.EventJoinRoom:
		roomID, err := roomIDOf(env)
		if err != nil {
			return err
		}
		h.hub.Join(client, roomID)
	case protocol.EventLeaveRoom:
		roomID, err := roomIDOf(env)
		if err != nil {
			return err
		}
		h.hub.Leave(client, roomID)
	case protocol.EventSendMessage:
		return h.handleSendMessage(client, env)
	case protocol.EventTypingStart:
		return h.handleTyping(client, env, protocol.EventUserTyping)
	case protocol.EventTypingStop:
		return h.handleTyping(client, env, protocol.EventUserStoppedTyping)
	default:
		logger.Warn("unknown_event", "event", string(env.Event))
		return fmt.Errorf("unknown event %q", env.Event)
	}
	return nil
}

func roomIDOf(env protocol.Envelope) (int64, error) {
	roomID, err := env.RoomID()
	if err != nil || roomID <= 0 {
		return 0, &ValidationError{Field: "room_id", Message: "positive room id required"}
	}
	return roomID, nil
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "text", Message: "message text required"}
	}
	if len(text) > maxTextLength {
		return &ValidationError{Field: "text", Message: "message too long"}
	}
	return nil
}

func (h *Handler) handleSendMessage(client *Client, env protocol.Envelope) error {
	var p protocol.SendPayload
	if err := env.DecodeData(&p); err != nil {
		return err
	}
	if p.RoomID <= 0 {
		return &ValidationError{Field: "room_id", Message: "positive room id required"}
	}
	if err := validateText(p.Message.Text); err != nil {
		return err
	}
	// the sender receives its own message back, so it must be a member
	h.hub.Join(client, p.RoomID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := h.store.SaveMessage(ctx, models.Message{
		RoomID:       p.RoomID,
		UserID:       client.UserID,
		SenderHandle: client.Username,
		Text:         p.Message.Text,
		ClientToken:  p.Message.ClientToken,
	})
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	h.Publish(msg)
	return nil
}

func (h *Handler) handleTyping(client *Client, env protocol.Envelope, out protocol.EventName) error {
	roomID, err := roomIDOf(env)
	if err != nil {
		return err
	}
	if !h.hub.IsMember(client, roomID) {
		return nil
	}
	push, err := protocol.NewEnvelope(out, protocol.TypingPayload{RoomID: roomID, User: client.Username})
	if err != nil {
		return err
	}
	h.hub.BroadcastRoom(roomID, push, client)
	return nil
}

// Publish pushes a stored message to every member of its room, the
// sender included.
func (h *Handler) Publish(msg models.Message) int {
	push, err := protocol.NewEnvelope(protocol.EventNewMessage, protocol.MessagePayload{RoomID: msg.RoomID, Message: msg})
	if err != nil {
		return 0
	}
	return h.hub.BroadcastRoom(msg.RoomID, push, nil)
}
