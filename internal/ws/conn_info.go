package ws

import "time"

// ConnInfo describes one websocket connection for lifecycle events and logs.
type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) logAttrs() []any {
	return []any{"conn_id", i.ConnID, "user_id", i.UserID, "device_id", i.DeviceID, "ip", i.IP}
}
