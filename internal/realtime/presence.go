package realtime

import (
	"context"
	"sort"
	"time"

	"realtime-chat/internal/models"
	"realtime-chat/internal/observability"
)

type presenceEntry struct {
	identity models.Identity
	clients  map[*Client]struct{}
}

type presenceWrite struct {
	identity models.Identity
	online   bool
	at       time.Time
}

// Register adds a live client and broadcasts the presence snapshot to everyone.
func (h *Hub) Register(c *Client) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	entry, ok := h.presence[c.identity.ID]
	if !ok {
		entry = &presenceEntry{clients: map[*Client]struct{}{}}
		h.presence[c.identity.ID] = entry
	}
	entry.identity = c.identity
	first := len(entry.clients) == 0
	entry.clients[c] = struct{}{}

	if first {
		h.queuePresence(presenceWrite{identity: c.identity, online: true, at: h.timestamp()})
	}
	h.broadcastPresenceLocked()
}

// Unregister tears a client down: it leaves every chat, drops its typing markers and
// is removed from presence. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	c.Close()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	chatIDs := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		chatIDs = append(chatIDs, id)
	}
	c.mu.Unlock()

	for _, chatID := range chatIDs {
		if r := h.existingRoom(chatID); r != nil {
			h.leaveRoom(r, c)
		}
	}

	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	entry, ok := h.presence[c.identity.ID]
	if !ok {
		return
	}
	if _, ok := entry.clients[c]; !ok {
		return
	}
	delete(entry.clients, c)
	if len(entry.clients) == 0 {
		h.queuePresence(presenceWrite{identity: c.identity, online: false, at: h.timestamp()})
	}
	h.broadcastPresenceLocked()
}

// DisconnectAll unregisters every live client. Their transports see Done and close.
func (h *Hub) DisconnectAll() {
	h.presenceMu.Lock()
	var clients []*Client
	for _, entry := range h.presence {
		for c := range entry.clients {
			clients = append(clients, c)
		}
	}
	h.presenceMu.Unlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}

// SnapshotPresence lists every identity seen by this process, sorted by id.
func (h *Hub) SnapshotPresence() []models.Presence {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	return h.snapshotLocked()
}

// Online reports whether userID has at least one live client.
func (h *Hub) Online(userID string) bool {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	entry, ok := h.presence[userID]
	return ok && len(entry.clients) > 0
}

func (h *Hub) snapshotLocked() []models.Presence {
	list := make([]models.Presence, 0, len(h.presence))
	for id, entry := range h.presence {
		list = append(list, models.Presence{ID: id, Name: entry.identity.Name, Online: len(entry.clients) > 0})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (h *Hub) broadcastPresenceLocked() {
	snapshot := h.snapshotLocked()
	online := 0
	for _, p := range snapshot {
		if p.Online {
			online++
		}
	}
	observability.SetOnlineUsers(online)

	frame := h.encode(models.EventPresence, snapshot)
	if frame == nil {
		return
	}
	for _, entry := range h.presence {
		for c := range entry.clients {
			c.Enqueue(frame)
		}
	}
}

// clientsOf returns the live clients of userID.
func (h *Hub) clientsOf(userID string) []*Client {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	entry, ok := h.presence[userID]
	if !ok {
		return nil
	}
	clients := make([]*Client, 0, len(entry.clients))
	for c := range entry.clients {
		clients = append(clients, c)
	}
	return clients
}

func (h *Hub) queuePresence(w presenceWrite) {
	select {
	case h.writes <- w:
	default:
		h.log.Warn("presence write queue full, dropping", "user_id", w.identity.ID, "online", w.online)
	}
}

// persistPresence applies presence writes in arrival order.
func (h *Hub) persistPresence() {
	defer h.wg.Done()
	for {
		select {
		case w := <-h.writes:
			h.applyPresence(w)
		case <-h.stop:
			for {
				select {
				case w := <-h.writes:
					h.applyPresence(w)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) applyPresence(w presenceWrite) {
	if h.users == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PersistTimeout)
	defer cancel()

	if w.online {
		if err := h.users.UpsertUser(ctx, w.identity); err != nil {
			h.log.Warn("upsert user failed", "user_id", w.identity.ID, "err", err)
		}
		if err := h.users.SetOnline(ctx, w.identity.ID, true); err != nil {
			h.log.Warn("set online failed", "user_id", w.identity.ID, "err", err)
		}
		return
	}
	if err := h.users.SetOnline(ctx, w.identity.ID, false); err != nil {
		h.log.Warn("set offline failed", "user_id", w.identity.ID, "err", err)
	}
	if err := h.users.TouchLastSeen(ctx, w.identity.ID, w.at); err != nil {
		h.log.Warn("touch last seen failed", "user_id", w.identity.ID, "err", err)
	}
}
