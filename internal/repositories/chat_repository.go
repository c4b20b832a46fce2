package repositories

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"realtime-chat/internal/models"
)

var ErrChatNotFound = errors.New("chat not found")

// ChatRepository abstracts chat and participant persistence.
type ChatRepository interface {
	CreateChat(ctx context.Context, chat models.Chat) (models.Chat, error)
	FindIndividualChat(ctx context.Context, userA string, userB string) (models.Chat, error)
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	IsParticipant(ctx context.Context, chatID string, userID string) (bool, error)
	ListParticipants(ctx context.Context, chatID string) ([]string, error)
	ListChatsForUser(ctx context.Context, userID string) ([]models.Chat, error)
	AddParticipant(ctx context.Context, chatID string, userID string) error
}

type chatRow struct {
	ID            string         `db:"id"`
	Type          string         `db:"type"`
	Name          string         `db:"name"`
	CreatedBy     string         `db:"created_by"`
	CreatedAt     int64          `db:"created_at"`
	PairKey       sql.NullString `db:"pair_key"`
	LastMessageID string         `db:"last_message_id"`
	LastMessageAt int64          `db:"last_message_at"`
	LastSeq       int64          `db:"last_seq"`
}

func (r chatRow) model() models.Chat {
	chat := models.Chat{
		ID:            r.ID,
		Type:          models.ChatType(r.Type),
		Name:          r.Name,
		CreatedBy:     r.CreatedBy,
		CreatedAt:     fromMillis(r.CreatedAt),
		LastMessageID: r.LastMessageID,
		LastSeq:       r.LastSeq,
	}
	if r.LastMessageAt > 0 {
		chat.LastMessageAt = fromMillis(r.LastMessageAt)
	}
	return chat
}

const chatColumns = `id, type, name, created_by, created_at, pair_key, last_message_id, last_message_at, last_seq`

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// CreateChat stores a new chat with its participants. Individual chats are keyed by their
// participant pair, so creating the same pair twice returns the existing chat.
func (r *ChatRepo) CreateChat(ctx context.Context, chat models.Chat) (models.Chat, error) {
	var pairKey sql.NullString
	if chat.Type == models.ChatIndividual {
		if len(chat.Participants) != 2 {
			return models.Chat{}, models.ErrInvalidParticipants
		}
		pairKey = sql.NullString{String: pairKeyOf(chat.Participants), Valid: true}
		existing, err := r.chatByPairKey(ctx, pairKey.String)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrChatNotFound) {
			return models.Chat{}, err
		}
	}

	err := r.insertChat(ctx, chat, pairKey)
	if err != nil && pairKey.Valid {
		// lost a race against a concurrent create of the same pair
		if existing, lookupErr := r.chatByPairKey(ctx, pairKey.String); lookupErr == nil {
			return existing, nil
		}
	}
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

func (r *ChatRepo) insertChat(ctx context.Context, chat models.Chat, pairKey sql.NullString) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	created := toMillis(chat.CreatedAt)
	if _, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO chats (id, type, name, created_by, created_at, pair_key) VALUES (?, ?, ?, ?, ?, ?)`),
		chat.ID, string(chat.Type), chat.Name, chat.CreatedBy, created, pairKey); err != nil {
		return err
	}
	for _, userID := range chat.Participants {
		if _, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO chat_participants (chat_id, user_id, joined_at) VALUES (?, ?, ?)`),
			chat.ID, userID, created); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *ChatRepo) chatByPairKey(ctx context.Context, pairKey string) (models.Chat, error) {
	var row chatRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+chatColumns+` FROM chats WHERE pair_key = ?`), pairKey)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, err
	}
	return r.withParticipants(ctx, row.model())
}

// FindIndividualChat returns the individual chat between two users.
func (r *ChatRepo) FindIndividualChat(ctx context.Context, userA string, userB string) (models.Chat, error) {
	return r.chatByPairKey(ctx, pairKeyOf([]string{userA, userB}))
}

// GetChat fetches a chat with its participants.
func (r *ChatRepo) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	var row chatRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+chatColumns+` FROM chats WHERE id = ?`), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	if err != nil {
		return models.Chat{}, err
	}
	return r.withParticipants(ctx, row.model())
}

func (r *ChatRepo) withParticipants(ctx context.Context, chat models.Chat) (models.Chat, error) {
	participants, err := r.ListParticipants(ctx, chat.ID)
	if err != nil {
		return models.Chat{}, err
	}
	chat.Participants = participants
	return chat, nil
}

// IsParticipant checks whether a user belongs to the chat.
func (r *ChatRepo) IsParticipant(ctx context.Context, chatID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = ? AND user_id = ?)`), chatID, userID)
	return exists, err
}

// ListParticipants returns participant ids in join order.
func (r *ChatRepo) ListParticipants(ctx context.Context, chatID string) ([]string, error) {
	participants := []string{}
	err := r.db.SelectContext(ctx, &participants, r.db.Rebind(`SELECT user_id FROM chat_participants WHERE chat_id = ? ORDER BY joined_at, user_id`), chatID)
	return participants, err
}

// ListChatsForUser returns the user's chats, most recently active first.
func (r *ChatRepo) ListChatsForUser(ctx context.Context, userID string) ([]models.Chat, error) {
	var rows []chatRow
	query := `SELECT c.id, c.type, c.name, c.created_by, c.created_at, c.pair_key, c.last_message_id, c.last_message_at, c.last_seq
        FROM chats c
        INNER JOIN chat_participants p ON p.chat_id = c.id
        WHERE p.user_id = ?
        ORDER BY c.last_message_at DESC, c.created_at DESC`
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), userID); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []models.Chat{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	q, args, err := sqlx.In(`SELECT chat_id, user_id FROM chat_participants WHERE chat_id IN (?) ORDER BY joined_at, user_id`, ids)
	if err != nil {
		return nil, err
	}
	var members []struct {
		ChatID string `db:"chat_id"`
		UserID string `db:"user_id"`
	}
	if err := r.db.SelectContext(ctx, &members, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	byChat := map[string][]string{}
	for _, m := range members {
		byChat[m.ChatID] = append(byChat[m.ChatID], m.UserID)
	}

	chats := make([]models.Chat, 0, len(rows))
	for _, row := range rows {
		chat := row.model()
		chat.Participants = byChat[chat.ID]
		chats = append(chats, chat)
	}
	return chats, nil
}

// AddParticipant appends a user to a chat; adding an existing participant is a no-op.
func (r *ChatRepo) AddParticipant(ctx context.Context, chatID string, userID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO chat_participants (chat_id, user_id, joined_at) VALUES (?, ?, ?)
        ON CONFLICT (chat_id, user_id) DO NOTHING`), chatID, userID, toMillis(time.Now()))
	return err
}

func pairKeyOf(participants []string) string {
	pair := append([]string(nil), participants...)
	sort.Strings(pair)
	return strings.Join(pair, "#")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
