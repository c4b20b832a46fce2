package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"realtime-chat/internal/config"
	"realtime-chat/internal/errs"
	"realtime-chat/internal/models"
	"realtime-chat/internal/repositories"
)

// Notifier delivers out-of-band notifications to users without a live connection.
type Notifier interface {
	Notify(ctx context.Context, userID string, n models.Notification) error
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, models.Notification) error { return nil }

// Deps are the collaborators of the hub.
type Deps struct {
	Chats    repositories.ChatRepository
	Messages repositories.MessageRepository
	Users    repositories.UserRepository
	Notifier Notifier
	Logger   *slog.Logger
}

// Hub owns presence, chat subscriptions and fan-out for every live connection of
// this process. Presence is guarded by presenceMu; each chat has its own room lock.
type Hub struct {
	chats    repositories.ChatRepository
	messages repositories.MessageRepository
	users    repositories.UserRepository
	notifier Notifier
	cfg      config.Realtime
	log      *slog.Logger
	now      func() time.Time

	presenceMu sync.Mutex
	presence   map[string]*presenceEntry

	roomsMu sync.Mutex
	rooms   map[string]*room

	writes    chan presenceWrite
	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHub creates a hub and starts its presence writer.
func NewHub(deps Deps, cfg config.Realtime) *Hub {
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &Hub{
		chats:    deps.Chats,
		messages: deps.Messages,
		users:    deps.Users,
		notifier: deps.Notifier,
		cfg:      cfg,
		log:      deps.Logger.With("component", "realtime"),
		now:      time.Now,
		presence: map[string]*presenceEntry{},
		rooms:    map[string]*room{},
		writes:   make(chan presenceWrite, 1024),
		stop:     make(chan struct{}),
	}
	h.wg.Add(1)
	go h.persistPresence()
	return h
}

// Close flushes pending presence writes and stops background work.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.stop) })
	h.wg.Wait()
}

// authorize loads the chat and checks that userID participates in it.
func (h *Hub) authorize(ctx context.Context, userID, chatID string) (models.Chat, error) {
	if chatID == "" {
		return models.Chat{}, fmt.Errorf("%w: chat_id is required", errs.ErrInvalidInput)
	}
	chat, err := h.chats.GetChat(ctx, chatID)
	if errors.Is(err, repositories.ErrChatNotFound) {
		return models.Chat{}, fmt.Errorf("%w: chat %s", errs.ErrNotFound, chatID)
	}
	if err != nil {
		return models.Chat{}, fmt.Errorf("%w: load chat: %v", errs.ErrUnavailable, err)
	}
	if !chat.HasParticipant(userID) {
		return models.Chat{}, fmt.Errorf("%w: not a participant of chat %s", errs.ErrForbidden, chatID)
	}
	return chat, nil
}

func (h *Hub) timestamp() time.Time {
	return h.now().UTC().Truncate(time.Millisecond)
}
