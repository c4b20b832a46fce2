package realtime

import (
	"fmt"
	"time"

	"realtime-chat/internal/errs"
	"realtime-chat/internal/models"
)

type typingMarker struct {
	client *Client
	timer  *time.Timer
	gen    uint64
}

// SetTyping records whether c's identity is typing in chatID and tells the chat's other
// subscribers. Markers that are not refreshed within the typing TTL expire with a
// synthesized typing:false.
func (h *Hub) SetTyping(c *Client, chatID string, typing bool) error {
	if chatID == "" {
		return fmt.Errorf("%w: chat_id is required", errs.ErrInvalidInput)
	}
	r := h.existingRoom(chatID)
	if r == nil || !c.Subscribed(chatID) {
		return fmt.Errorf("%w: join chat %s before typing", errs.ErrForbidden, chatID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A leave or disconnect may have won the lock since the check above.
	if _, ok := r.subscribers[c]; !ok {
		return fmt.Errorf("%w: join chat %s before typing", errs.ErrForbidden, chatID)
	}

	userID := c.identity.ID
	prev := r.typing[userID]
	if prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	if typing {
		r.typingGen++
		marker := &typingMarker{client: c, gen: r.typingGen}
		if h.cfg.TypingTTL > 0 {
			gen := marker.gen
			marker.timer = time.AfterFunc(h.cfg.TypingTTL, func() { h.expireTyping(r, userID, gen) })
		}
		r.typing[userID] = marker
	} else {
		delete(r.typing, userID)
	}

	r.broadcast(h.typingFrame(chatID, c.identity, typing), c)
	return nil
}

func (h *Hub) expireTyping(r *room, userID string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	marker, ok := r.typing[userID]
	if !ok || marker.gen != gen {
		return
	}
	delete(r.typing, userID)
	r.broadcast(h.typingFrame(r.id, marker.client.identity, false), marker.client)
}

// clearTypingLocked drops the markers c set in r; r.mu must be held.
func (h *Hub) clearTypingLocked(r *room, c *Client) {
	for userID, marker := range r.typing {
		if marker.client != c {
			continue
		}
		if marker.timer != nil {
			marker.timer.Stop()
		}
		delete(r.typing, userID)
		r.broadcast(h.typingFrame(r.id, c.identity, false), c)
	}
}

// Typing lists the identities with a live typing marker in chatID.
func (h *Hub) Typing(chatID string) []string {
	r := h.existingRoom(chatID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.typing))
	for id := range r.typing {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) typingFrame(chatID string, identity models.Identity, typing bool) []byte {
	return h.encode(models.EventTyping, models.TypingUpdate{
		ChatID: chatID,
		UserID: identity.ID,
		Name:   identity.Name,
		Typing: typing,
	})
}
