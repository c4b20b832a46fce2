package models

import (
	"encoding/json"
	"time"
)

// Outbound event types.
const (
	EventPresence     = "presence.update"
	EventMessage      = "message.new"
	EventRead         = "message.read"
	EventReaction     = "message.reaction"
	EventTyping       = "typing.update"
	EventMembers      = "chat.members"
	EventNotification = "notification"
	EventAck          = "ack"
	EventError        = "error"
)

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ReadReceipt struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	By        string `json:"by"`
}

type ReactionUpdate struct {
	ChatID    string   `json:"chat_id"`
	MessageID string   `json:"message_id"`
	Emoji     string   `json:"emoji"`
	By        string   `json:"by"`
	Users     []string `json:"users"`
}

type TypingUpdate struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Typing bool   `json:"typing"`
}

type MembersUpdate struct {
	ChatID  string     `json:"chat_id"`
	Members []Identity `json:"members"`
}

type Notification struct {
	Type      string    `json:"type"`
	ChatID    string    `json:"chat_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	From      string    `json:"from"`
	FromName  string    `json:"from_name,omitempty"`
	Text      string    `json:"text"`
	TS        time.Time `json:"ts"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
