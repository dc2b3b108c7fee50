package models

import "time"

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
)

type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Path string         `json:"path"`
}

// Message is a chat message as seen by the client. Two messages with the
// same ID are the same message regardless of any other field.
type Message struct {
	ID           int64       `json:"id"`
	RoomID       int64       `json:"room_id"`
	UserID       int64       `json:"user_id"`
	SenderHandle string      `json:"sender_handle,omitempty"`
	Text         string      `json:"text,omitempty"`
	Attachment   *Attachment `json:"attachment,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	ClientToken  string      `json:"client_token,omitempty"`
}

func (m Message) SameMessage(other Message) bool {
	return m.ID == other.ID
}

// Less orders messages by creation time, then by id.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

type TypingSignal struct {
	RoomID     int64  `json:"room_id"`
	UserHandle string `json:"user"`
	IsTyping   bool   `json:"is_typing"`
}

type HistoryResponse struct {
	RoomID   int64     `json:"room_id"`
	Messages []Message `json:"messages"`
}
