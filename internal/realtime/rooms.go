package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"realtime-chat/internal/errs"
	"realtime-chat/internal/models"
)

// room is the live state of one chat. mu serializes subscriptions, typing markers
// and sequence assignment for the chat.
type room struct {
	id string

	mu          sync.Mutex
	subscribers map[*Client]struct{}
	typing      map[string]*typingMarker
	typingGen   uint64

	seqLoaded bool
	lastSeq   int64
	lastAt    time.Time
}

func (h *Hub) room(chatID string) *room {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	r, ok := h.rooms[chatID]
	if !ok {
		r = &room{
			id:          chatID,
			subscribers: map[*Client]struct{}{},
			typing:      map[string]*typingMarker{},
		}
		h.rooms[chatID] = r
	}
	return r
}

func (h *Hub) existingRoom(chatID string) *room {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	return h.rooms[chatID]
}

// Join subscribes c to chatID after checking that its identity participates in the
// chat. A rejected join leaves every subscription untouched.
func (h *Hub) Join(ctx context.Context, c *Client, chatID string) ([]models.Identity, error) {
	if _, err := h.authorize(ctx, c.identity.ID, chatID); err != nil {
		return nil, err
	}

	r := h.room(chatID)
	r.mu.Lock()
	defer r.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: connection closed", errs.ErrUnavailable)
	}
	c.rooms[chatID] = struct{}{}
	c.mu.Unlock()

	r.subscribers[c] = struct{}{}
	members := r.members()
	r.broadcast(h.encode(models.EventMembers, models.MembersUpdate{ChatID: chatID, Members: members}), nil)
	return members, nil
}

// Leave unsubscribes c from chatID. Leaving a chat that was never joined is a no-op.
func (h *Hub) Leave(c *Client, chatID string) {
	r := h.existingRoom(chatID)
	if r == nil {
		return
	}
	h.leaveRoom(r, c)
}

func (h *Hub) leaveRoom(r *room, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscribers[c]; !ok {
		return
	}
	delete(r.subscribers, c)
	c.mu.Lock()
	delete(c.rooms, r.id)
	c.mu.Unlock()

	h.clearTypingLocked(r, c)
	r.broadcast(h.encode(models.EventMembers, models.MembersUpdate{ChatID: r.id, Members: r.members()}), nil)
}

// MembersOf returns the distinct identities currently subscribed to chatID.
func (h *Hub) MembersOf(chatID string) []models.Identity {
	r := h.existingRoom(chatID)
	if r == nil {
		return []models.Identity{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members()
}

func (r *room) members() []models.Identity {
	seen := map[string]struct{}{}
	members := make([]models.Identity, 0, len(r.subscribers))
	for c := range r.subscribers {
		if _, ok := seen[c.identity.ID]; ok {
			continue
		}
		seen[c.identity.ID] = struct{}{}
		members = append(members, c.identity)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

func (r *room) subscribedUsers() map[string]struct{} {
	users := make(map[string]struct{}, len(r.subscribers))
	for c := range r.subscribers {
		users[c.identity.ID] = struct{}{}
	}
	return users
}
