package realtime

import (
	"sync"

	"github.com/google/uuid"

	"realtime-chat/internal/models"
	"realtime-chat/internal/observability"
)

// Client is one live connection. Outbound frames go through a bounded queue drained
// by the transport's writer; a client whose queue overflows is closed.
type Client struct {
	id       string
	identity models.Identity
	hub      *Hub

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	rooms  map[string]struct{}
}

// NewClient creates an unregistered client for identity.
func (h *Hub) NewClient(identity models.Identity) *Client {
	return &Client{
		id:       uuid.NewString(),
		identity: identity,
		hub:      h,
		send:     make(chan []byte, h.cfg.QueueSize),
		done:     make(chan struct{}),
		rooms:    map[string]struct{}{},
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Identity() models.Identity { return c.identity }

// Outbound is drained by the connection writer.
func (c *Client) Outbound() <-chan []byte { return c.send }

// Done is closed when the client must be torn down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close signals the writer to stop. It does not unregister the client.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Enqueue queues a frame without blocking.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		observability.IncBroadcastDropped()
		c.hub.log.Warn("outbound queue full, closing client",
			"conn_id", c.id,
			"user_id", c.identity.ID,
			"queue_size", cap(c.send),
		)
		c.Close()
		return false
	}
}

// Subscribed reports whether the client has joined chatID.
func (c *Client) Subscribed(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[chatID]
	return ok
}

// Chats returns the ids of the chats the client is subscribed to.
func (c *Client) Chats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids
}
