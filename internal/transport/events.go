// Package transport defines the wire protocol spoken over the realtime
// channel and the WebSocket implementation of it. Frames are JSON envelopes
// with an event name and an event-specific payload.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/pulse/internal/store"
)

// Outbound event names.
const (
	EventAuthenticate = "authenticate"
	EventJoinChat     = "join_chat"
	EventLeaveChat    = "leave_chat"
	EventSendMessage  = "send_message"
	EventMessageRead  = "message_read"
	EventTypingStart  = "typing_start"
	EventTypingEnd    = "typing_end"
	EventClientPing   = "client_ping"
)

// Inbound event names.
const (
	EventNewMessage   = "new_message"
	EventStatusUpdate = "message_status_update"
	EventTypingUpdate = "typing_update"
	EventUserStatus   = "user_status_change"
	EventAuthSuccess  = "authentication_success"
	EventAuthFailed   = "authentication_failed"
	EventDisconnect   = "disconnect"
)

// Frame is the JSON envelope carried on the wire.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame with the payload marshaled into Data.
func NewFrame(event string, payload any) (*Frame, error) {
	if payload == nil {
		return &Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return &Frame{Event: event, Data: data}, nil
}

// Authenticate carries the bearer token for the explicit auth handshake.
type Authenticate struct {
	Token string `json:"token"`
}

// AuthSuccess acknowledges authentication with the session's user id.
type AuthSuccess struct {
	UserID string `json:"userId"`
}

// AuthFailed reports a terminal authentication error.
type AuthFailed struct {
	Message string `json:"message"`
}

// JoinChat / LeaveChat scope realtime delivery to an open conversation.
type JoinChat struct {
	ChatID string `json:"chatId"`
}

type LeaveChat struct {
	ChatID string `json:"chatId"`
}

// SendMessage is the optimistic transport emit for a new message. TempID is
// the client correlation id; the server echoes it in status updates.
type SendMessage struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	TempID     string `json:"tempId"`
}

// MessageRead notifies the peer that a message was read.
type MessageRead struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
}

// Typing carries typing start/end notifications.
type Typing struct {
	ChatID string `json:"chatId"`
}

// ClientPing is the keep-alive probe.
type ClientPing struct {
	Timestamp int64 `json:"timestamp"`
}

// NewMessage is an inbound realtime message push.
type NewMessage struct {
	ID         string `json:"id"`
	TempID     string `json:"tempId,omitempty"`
	ChatID     string `json:"chatId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Status     string `json:"status,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

// ToStore converts an inbound push into the cache's message representation.
func (p *NewMessage) ToStore() store.Message {
	status := store.Status(p.Status)
	if status == "" {
		status = store.StatusDelivered
	}
	return store.Message{
		CorrelationID:  p.TempID,
		ServerID:       p.ID,
		ConversationID: p.ChatID,
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		Body:           p.Message,
		Type:           p.Type,
		Status:         status,
		CreatedAt:      p.CreatedAt,
	}
}

// StatusUpdate reports a delivery-status transition for a message. Either
// MessageID (server id) or TempID identifies the message.
type StatusUpdate struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId,omitempty"`
	TempID    string `json:"tempId,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// TypingUpdate lists the users currently typing in a chat.
type TypingUpdate struct {
	ChatID      string   `json:"chatId"`
	UsersTyping []string `json:"usersTyping"`
}

// UserStatus reports a presence change for one user.
type UserStatus struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// Disconnect is the server's notice before closing the connection.
type Disconnect struct {
	Reason string `json:"reason"`
}

// DecodePayload parses a frame's data into its typed payload. Unknown events
// return a nil payload and no error so new server events do not break old
// clients.
func DecodePayload(f *Frame) (any, error) {
	var payload any
	switch f.Event {
	case EventNewMessage:
		payload = &NewMessage{}
	case EventStatusUpdate:
		payload = &StatusUpdate{}
	case EventTypingUpdate:
		payload = &TypingUpdate{}
	case EventUserStatus:
		payload = &UserStatus{}
	case EventAuthSuccess:
		payload = &AuthSuccess{}
	case EventAuthFailed:
		payload = &AuthFailed{}
	case EventDisconnect:
		payload = &Disconnect{}
	default:
		return nil, nil
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", f.Event, err)
		}
	}
	return payload, nil
}
