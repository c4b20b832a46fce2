package ws

import (
	"context"
	"time"

	"realtime-chat/internal/observability"
)

const lifecycleRoutingKey = "ws_events.connections"

// lifecycle publishes ws_connect, ws_disconnect and ws_error events when enabled.
type lifecycle struct {
	enabled bool
}

func (l lifecycle) publish(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(event)
	if !l.enabled {
		return
	}
	var duration int64
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = observability.PublishEvent(ctx, lifecycleRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Headers:   observability.BuildHeaders(info.RequestID, info.TraceID),
		Payload: map[string]any{
			"ws": map[string]any{
				"kind":        "connection",
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]any{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	})
}
