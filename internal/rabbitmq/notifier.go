package rabbitmq

import (
	"context"

	"realtime-chat/internal/models"
)

// NotificationEvent is the body published for a user without a live connection.
type NotificationEvent struct {
	SchemaVersion int                 `json:"schema_version"`
	EventType     string              `json:"event_type"`
	UserID        string              `json:"user_id"`
	Notification  models.Notification `json:"notification"`
}

func (e NotificationEvent) Describe() []any {
	return []any{"event_type", e.EventType, "user_id", e.UserID, "chat_id", e.Notification.ChatID}
}

// Notifier routes offline notifications to "<prefix>.<user_id>" so a push or mail
// worker can bind per user or with a wildcard.
type Notifier struct {
	publisher Publisher
	prefix    string
}

func NewNotifier(publisher Publisher, routingPrefix string) *Notifier {
	return &Notifier{publisher: publisher, prefix: routingPrefix}
}

func (n *Notifier) Notify(ctx context.Context, userID string, notification models.Notification) error {
	return n.publisher.Publish(ctx, n.prefix+"."+userID, NotificationEvent{
		SchemaVersion: 1,
		EventType:     "offline_notification",
		UserID:        userID,
		Notification:  notification,
	})
}
