package realtime

import (
	"context"
	"fmt"
	"strings"

	"realtime-chat/internal/errs"
	"realtime-chat/internal/models"
)

const (
	searchDefaultLimit = 20
	searchMaxLimit     = 100
)

// History returns at most limit messages of chatID strictly before cursor, in ascending
// (created_at, seq) order. A zero cursor yields the newest page.
func (h *Hub) History(ctx context.Context, identity models.Identity, chatID string, cursor models.Cursor, limit int) ([]models.Message, error) {
	if _, err := h.authorize(ctx, identity.ID, chatID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, h.cfg.HistoryDefaultLimit, h.cfg.HistoryMaxLimit)

	msgs, err := h.messages.QueryMessages(ctx, chatID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query messages: %v", errs.ErrUnavailable, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Search finds messages containing query across the chats identity participates in,
// newest first.
func (h *Hub) Search(ctx context.Context, identity models.Identity, query string, limit int) ([]models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", errs.ErrInvalidInput)
	}
	limit = clampLimit(limit, searchDefaultLimit, searchMaxLimit)

	msgs, err := h.messages.SearchMessages(ctx, identity.ID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: search messages: %v", errs.ErrUnavailable, err)
	}
	results := make([]models.SearchResult, 0, len(msgs))
	for _, msg := range msgs {
		results = append(results, models.SearchResult{ChatID: msg.ChatID, Message: msg})
	}
	return results, nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
