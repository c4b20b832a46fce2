package models

import "time"

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// Message is immutable after creation; ReadBy and Reactions are projections of
// append-only side tables.
type Message struct {
	ID         string              `json:"id"`
	ChatID     string              `json:"chat_id"`
	SenderID   string              `json:"from"`
	SenderName string              `json:"from_name,omitempty"`
	Content    string              `json:"content"`
	Type       MessageType         `json:"type"`
	Seq        int64               `json:"seq"`
	CreatedAt  time.Time           `json:"created_at"`
	ReplyTo    string              `json:"reply_to,omitempty"`
	ReadBy     []string            `json:"read_by"`
	Reactions  map[string][]string `json:"reactions"`
}

// Cursor is an exclusive history position. A zero BeforeSeq compares on the
// timestamp alone; otherwise (Before, BeforeSeq) is compared as a pair.
type Cursor struct {
	Before    time.Time `json:"before"`
	BeforeSeq int64     `json:"before_seq,omitempty"`
}

func (c Cursor) IsZero() bool {
	return c.Before.IsZero() && c.BeforeSeq == 0
}

// CursorBefore returns the cursor that continues paging past msg.
func CursorBefore(msg Message) Cursor {
	return Cursor{Before: msg.CreatedAt, BeforeSeq: msg.Seq}
}

type SearchResult struct {
	ChatID  string  `json:"chat_id"`
	Message Message `json:"message"`
}
