package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Phuociter/medichat/internal/bus"
	"github.com/Phuociter/medichat/internal/store"
)

// Envelope is the outer frame of every socket message. Stream names the
// payload type; Data holds the stream-specific payload.
type Envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// MessageEvent is a pushed message broadcast.
type MessageEvent struct {
	ConversationID string      `json:"conversation_id"`
	Message        PushMessage `json:"message"`
}

// PushMessage is the wire form of a pushed message.
type PushMessage struct {
	ID          string             `json:"id"`
	SenderID    string             `json:"sender_id"`
	SenderName  string             `json:"sender_name"`
	Body        string             `json:"body"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	FromMe      bool               `json:"from_me"`
	Status      string             `json:"status"`
	Timestamp   int64              `json:"timestamp"`
}

// ToStore converts the pushed message into the cache representation.
func (e MessageEvent) ToStore() store.Message {
	status := e.Message.Status
	if status == "" {
		status = store.StatusReceived
	}
	return store.Message{
		ConversationID: e.ConversationID,
		MsgID:          e.Message.ID,
		SenderID:       e.Message.SenderID,
		SenderName:     e.Message.SenderName,
		Body:           e.Message.Body,
		Attachments:    e.Message.Attachments,
		FromMe:         e.Message.FromMe,
		Status:         status,
		Timestamp:      e.Message.Timestamp,
	}
}

// ConversationEvent is a pushed conversation metadata update.
type ConversationEvent struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	ParticipantID      string `json:"participant_id"`
	ParticipantName    string `json:"participant_name"`
	LastMessageAt      int64  `json:"last_message_at"`
	LastMessagePreview string `json:"last_message_preview"`
	UnreadCount        *int   `json:"unread_count,omitempty"`
}

// ToPatch converts the event into a directory patch.
func (e ConversationEvent) ToPatch() store.ConversationPatch {
	return store.ConversationPatch{
		ID:                 e.ID,
		Title:              e.Title,
		ParticipantID:      e.ParticipantID,
		ParticipantName:    e.ParticipantName,
		LastMessageAt:      e.LastMessageAt,
		LastMessagePreview: e.LastMessagePreview,
		Unread:             e.UnreadCount,
	}
}

// TypingEvent is a pushed typing signal from a remote user.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

// Decode parses a raw socket frame into a bus event under the push.
// namespace. Unknown stream names are an error so the caller can count
// the drop; new server-side streams must not crash old daemons.
func Decode(raw []byte) (bus.Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return bus.Event{}, fmt.Errorf("decode envelope: %w", err)
	}

	evt := bus.Event{Timestamp: time.Now()}
	switch env.Stream {
	case "message":
		var payload MessageEvent
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return bus.Event{}, fmt.Errorf("decode message event: %w", err)
		}
		evt.Kind = "push.message"
		evt.Payload = payload
	case "conversation":
		var payload ConversationEvent
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return bus.Event{}, fmt.Errorf("decode conversation event: %w", err)
		}
		evt.Kind = "push.conversation"
		evt.Payload = payload
	case "typing":
		var payload TypingEvent
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return bus.Event{}, fmt.Errorf("decode typing event: %w", err)
		}
		evt.Kind = "push.typing"
		evt.Payload = payload
	default:
		return bus.Event{}, fmt.Errorf("unknown stream %q", env.Stream)
	}
	return evt, nil
}
