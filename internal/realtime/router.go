package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"realtime-chat/internal/errs"
	"realtime-chat/internal/models"
	"realtime-chat/internal/observability"
	"realtime-chat/internal/repositories"
)

const (
	maxContentRunes = 4000
	maxEmojiBytes   = 32
	previewRunes    = 120
)

// SendRequest is the payload of message.send.
type SendRequest struct {
	ChatID  string             `json:"chat_id"`
	Content string             `json:"content"`
	Type    models.MessageType `json:"type"`
	ReplyTo string             `json:"reply_to,omitempty"`
}

func (r *SendRequest) validate() error {
	r.Content = strings.TrimSpace(r.Content)
	if r.ChatID == "" {
		return fmt.Errorf("%w: chat_id is required", errs.ErrInvalidInput)
	}
	if r.Content == "" {
		return fmt.Errorf("%w: content is required", errs.ErrInvalidInput)
	}
	if utf8.RuneCountInString(r.Content) > maxContentRunes {
		return fmt.Errorf("%w: content exceeds %d characters", errs.ErrInvalidInput, maxContentRunes)
	}
	if r.Type == "" {
		r.Type = models.MessageText
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %q", errs.ErrInvalidInput, r.Type)
	}
	return nil
}

// Send persists a message from c and fans it out to the chat's subscribers. Participants
// that are not subscribed get a notification instead: live if they are connected,
// through the Notifier otherwise. The message is stored before anything is broadcast.
func (h *Hub) Send(ctx context.Context, c *Client, req SendRequest) (models.Message, error) {
	ctx, span := otel.Tracer("realtime-chat/realtime").Start(ctx, "message.send")
	defer span.End()
	span.SetAttributes(attribute.String("chat.id", req.ChatID), attribute.String("user.id", c.identity.ID))

	if err := req.validate(); err != nil {
		return models.Message{}, err
	}
	chat, err := h.authorize(ctx, c.identity.ID, req.ChatID)
	if err != nil {
		return models.Message{}, err
	}

	r := h.room(chat.ID)
	r.mu.Lock()
	if !r.seqLoaded {
		r.lastSeq, r.lastAt, r.seqLoaded = chat.LastSeq, chat.LastMessageAt, true
	}
	createdAt := h.timestamp()
	if createdAt.Before(r.lastAt) {
		createdAt = r.lastAt
	}
	msg := models.Message{
		ID:         uuid.NewString(),
		ChatID:     chat.ID,
		SenderID:   c.identity.ID,
		SenderName: c.identity.Name,
		Content:    req.Content,
		Type:       req.Type,
		Seq:        r.lastSeq + 1,
		CreatedAt:  createdAt,
		ReplyTo:    req.ReplyTo,
		ReadBy:     []string{},
		Reactions:  map[string][]string{},
	}

	persistCtx, cancel := context.WithTimeout(ctx, h.cfg.PersistTimeout)
	err = h.messages.SaveMessage(persistCtx, msg)
	cancel()
	if err != nil {
		r.mu.Unlock()
		span.RecordError(err)
		h.log.Error("save message failed", "chat_id", chat.ID, "user_id", c.identity.ID, "err", err)
		return models.Message{}, fmt.Errorf("%w: save message: %v", errs.ErrUnavailable, err)
	}
	r.lastSeq, r.lastAt = msg.Seq, msg.CreatedAt
	r.broadcast(h.encode(models.EventMessage, msg), nil)
	subscribed := r.subscribedUsers()
	r.mu.Unlock()

	observability.IncMessagesSent(string(msg.Type))
	h.notifyAbsent(ctx, chat, msg, subscribed)
	return msg, nil
}

func (h *Hub) notifyAbsent(ctx context.Context, chat models.Chat, msg models.Message, subscribed map[string]struct{}) {
	n := models.Notification{
		Type:      "message",
		ChatID:    chat.ID,
		MessageID: msg.ID,
		From:      msg.SenderID,
		FromName:  msg.SenderName,
		Text:      preview(msg),
		TS:        msg.CreatedAt,
	}
	var frame []byte
	for _, userID := range chat.Participants {
		if userID == msg.SenderID {
			continue
		}
		if _, ok := subscribed[userID]; ok {
			continue
		}
		if clients := h.clientsOf(userID); len(clients) > 0 {
			if frame == nil {
				frame = h.encode(models.EventNotification, n)
			}
			for _, c := range clients {
				c.Enqueue(frame)
			}
			continue
		}
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.PersistTimeout)
		if err := h.notifier.Notify(notifyCtx, userID, n); err != nil {
			h.log.Warn("offline notification failed", "user_id", userID, "chat_id", chat.ID, "err", err)
		}
		cancel()
	}
}

func preview(msg models.Message) string {
	if msg.Type != models.MessageText {
		return "[" + string(msg.Type) + "]"
	}
	if utf8.RuneCountInString(msg.Content) <= previewRunes {
		return msg.Content
	}
	return string([]rune(msg.Content)[:previewRunes]) + "…"
}

// loadMessage fetches messageID and checks that it belongs to chatID.
func (h *Hub) loadMessage(ctx context.Context, chatID, messageID string) (models.Message, error) {
	if messageID == "" {
		return models.Message{}, fmt.Errorf("%w: message_id is required", errs.ErrInvalidInput)
	}
	msg, err := h.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, fmt.Errorf("%w: message %s", errs.ErrNotFound, messageID)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: load message: %v", errs.ErrUnavailable, err)
	}
	if msg.ChatID != chatID {
		return models.Message{}, fmt.Errorf("%w: message %s does not belong to chat %s", errs.ErrInvalidInput, messageID, chatID)
	}
	return msg, nil
}

// MarkRead adds c's identity to the message's read-by set. The read receipt is broadcast
// only when the identity was not already there; the result reports whether it was added.
func (h *Hub) MarkRead(ctx context.Context, c *Client, chatID, messageID string) (bool, error) {
	if _, err := h.authorize(ctx, c.identity.ID, chatID); err != nil {
		return false, err
	}
	if _, err := h.loadMessage(ctx, chatID, messageID); err != nil {
		return false, err
	}

	r := h.room(chatID)
	r.mu.Lock()
	defer r.mu.Unlock()

	added, err := h.messages.AppendReadBy(ctx, messageID, c.identity.ID, h.timestamp())
	if err != nil {
		return false, fmt.Errorf("%w: append read: %v", errs.ErrUnavailable, err)
	}
	if !added {
		return false, nil
	}
	r.broadcast(h.encode(models.EventRead, models.ReadReceipt{ChatID: chatID, MessageID: messageID, By: c.identity.ID}), nil)
	return true, nil
}

// React adds c's identity to the reactors of emoji. Reactions are add-only; reacting again
// changes nothing and broadcasts nothing. The returned update carries the emoji's full set.
func (h *Hub) React(ctx context.Context, c *Client, chatID, messageID, emoji string) (models.ReactionUpdate, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiBytes {
		return models.ReactionUpdate{}, fmt.Errorf("%w: invalid emoji", errs.ErrInvalidInput)
	}
	if _, err := h.authorize(ctx, c.identity.ID, chatID); err != nil {
		return models.ReactionUpdate{}, err
	}
	if _, err := h.loadMessage(ctx, chatID, messageID); err != nil {
		return models.ReactionUpdate{}, err
	}

	// The write and its broadcast share the room lock, so subscribers see reaction
	// sets in the order they were stored.
	r := h.room(chatID)
	r.mu.Lock()
	defer r.mu.Unlock()

	users, added, err := h.messages.AddReaction(ctx, messageID, emoji, c.identity.ID, h.timestamp())
	if err != nil {
		return models.ReactionUpdate{}, fmt.Errorf("%w: add reaction: %v", errs.ErrUnavailable, err)
	}
	update := models.ReactionUpdate{ChatID: chatID, MessageID: messageID, Emoji: emoji, By: c.identity.ID, Users: users}
	if !added {
		return update, nil
	}
	r.broadcast(h.encode(models.EventReaction, update), nil)
	return update, nil
}
