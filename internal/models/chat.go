package models

import (
	"errors"
	"time"
)

var ErrInvalidParticipants = errors.New("invalid participants")

type ChatType string

const (
	ChatIndividual ChatType = "individual"
	ChatGroup      ChatType = "group"
)

func (t ChatType) Valid() bool {
	return t == ChatIndividual || t == ChatGroup
}

// Chat is a conversation container. Individual chats always have exactly two participants;
// group participants only ever grow.
type Chat struct {
	ID            string    `json:"id"`
	Type          ChatType  `json:"type"`
	Name          string    `json:"name,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
	Participants  []string  `json:"participants"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	LastSeq       int64     `json:"-"`
}

// NewChat builds a chat with a de-duplicated participant list that always includes the creator.
func NewChat(id string, chatType ChatType, name, createdBy string, participants []string, now time.Time) (Chat, error) {
	if !chatType.Valid() {
		return Chat{}, errors.New("unknown chat type")
	}
	if createdBy == "" {
		return Chat{}, errors.New("creator is required")
	}

	seen := map[string]struct{}{createdBy: {}}
	members := []string{createdBy}
	for _, p := range participants {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		members = append(members, p)
	}

	if chatType == ChatIndividual && len(members) != 2 {
		return Chat{}, ErrInvalidParticipants
	}

	return Chat{
		ID:           id,
		Type:         chatType,
		Name:         name,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		Participants: members,
	}, nil
}

func (c Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ChatSummary is the caller-relative view returned by GET /chats.
type ChatSummary struct {
	Chat
	Peer string `json:"peer,omitempty"`
}
