package realtime

import (
	"encoding/json"

	"realtime-chat/internal/models"
)

// EncodeFrame wraps payload in the websocket envelope.
func EncodeFrame(eventType, requestID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Frame{Type: eventType, RequestID: requestID, Payload: raw})
}

func (h *Hub) encode(eventType string, payload any) []byte {
	frame, err := EncodeFrame(eventType, "", payload)
	if err != nil {
		h.log.Error("encode event", "type", eventType, "err", err)
		return nil
	}
	return frame
}

// broadcast enqueues frame to every subscriber except one; r.mu must be held.
func (r *room) broadcast(frame []byte, except *Client) {
	if frame == nil {
		return
	}
	for c := range r.subscribers {
		if c == except {
			continue
		}
		c.Enqueue(frame)
	}
}
