package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"realtime-chat/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for chat messages and their read/reaction sets.
type MessageRepository interface {
	SaveMessage(ctx context.Context, msg models.Message) error
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	AppendReadBy(ctx context.Context, messageID string, userID string, at time.Time) (bool, error)
	AddReaction(ctx context.Context, messageID string, emoji string, userID string, at time.Time) ([]string, bool, error)
	QueryMessages(ctx context.Context, chatID string, cursor models.Cursor, limit int) ([]models.Message, error)
	SearchMessages(ctx context.Context, userID string, query string, limit int) ([]models.Message, error)
}

type messageRow struct {
	ID         string `db:"id"`
	ChatID     string `db:"chat_id"`
	SenderID   string `db:"sender_id"`
	SenderName string `db:"sender_name"`
	Content    string `db:"content"`
	Type       string `db:"type"`
	Seq        int64  `db:"seq"`
	CreatedAt  int64  `db:"created_at"`
	ReplyTo    string `db:"reply_to"`
}

func (r messageRow) model() models.Message {
	return models.Message{
		ID:         r.ID,
		ChatID:     r.ChatID,
		SenderID:   r.SenderID,
		SenderName: r.SenderName,
		Content:    r.Content,
		Type:       models.MessageType(r.Type),
		Seq:        r.Seq,
		CreatedAt:  fromMillis(r.CreatedAt),
		ReplyTo:    r.ReplyTo,
		ReadBy:     []string{},
		Reactions:  map[string][]string{},
	}
}

const messageColumns = `m.id, m.chat_id, m.sender_id, m.sender_name, m.content, m.type, m.seq, m.created_at, m.reply_to`

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// SaveMessage inserts the message and advances the chat's last-message pointer in one transaction.
func (r *MessageRepo) SaveMessage(ctx context.Context, msg models.Message) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	created := toMillis(msg.CreatedAt)
	if _, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO messages (id, chat_id, sender_id, sender_name, content, type, seq, created_at, reply_to)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ChatID, msg.SenderID, msg.SenderName, msg.Content, string(msg.Type), msg.Seq, created, msg.ReplyTo); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE chats SET last_message_id = ?, last_message_at = ?, last_seq = ? WHERE id = ?`),
		msg.ID, created, msg.Seq, msg.ChatID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		err = ErrChatNotFound
		return err
	}
	return tx.Commit()
}

// GetMessage retrieves a single message with its read and reaction sets.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var row messageRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	msgs, err := r.hydrate(ctx, []messageRow{row})
	if err != nil {
		return models.Message{}, err
	}
	return msgs[0], nil
}

// AppendReadBy records that userID read the message. It reports whether the read was new.
func (r *MessageRepo) AppendReadBy(ctx context.Context, messageID string, userID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)
        ON CONFLICT (message_id, user_id) DO NOTHING`), messageID, userID, toMillis(at))
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// AddReaction adds userID to the emoji's reactor set and returns the resulting set in
// insertion order, along with whether anything changed.
func (r *MessageRepo) AddReaction(ctx context.Context, messageID string, emoji string, userID string, at time.Time) (users []string, added bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO message_reactions (message_id, emoji, user_id, created_at) VALUES (?, ?, ?, ?)
        ON CONFLICT (message_id, emoji, user_id) DO NOTHING`), messageID, emoji, userID, toMillis(at))
	if err != nil {
		return nil, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	users = []string{}
	if err = tx.SelectContext(ctx, &users, tx.Rebind(`SELECT user_id FROM message_reactions WHERE message_id = ? AND emoji = ? ORDER BY created_at, user_id`),
		messageID, emoji); err != nil {
		return nil, false, err
	}
	if err = tx.Commit(); err != nil {
		return nil, false, err
	}
	return users, rows == 1, nil
}

// QueryMessages returns up to limit messages strictly older than cursor, newest first.
// A zero cursor starts from the newest message.
func (r *MessageRepo) QueryMessages(ctx context.Context, chatID string, cursor models.Cursor, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m WHERE m.chat_id = ?`
	args := []interface{}{chatID}
	switch {
	case cursor.IsZero():
	case cursor.BeforeSeq == 0:
		query += ` AND m.created_at < ?`
		args = append(args, toMillis(cursor.Before))
	default:
		before := toMillis(cursor.Before)
		query += ` AND (m.created_at < ? OR (m.created_at = ? AND m.seq < ?))`
		args = append(args, before, before, cursor.BeforeSeq)
	}
	query += ` ORDER BY m.created_at DESC, m.seq DESC LIMIT ?`
	args = append(args, limit)

	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return r.hydrate(ctx, rows)
}

// SearchMessages finds messages containing query (case-insensitive) across the user's chats,
// newest first.
func (r *MessageRepo) SearchMessages(ctx context.Context, userID string, query string, limit int) ([]models.Message, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	q := `SELECT ` + messageColumns + ` FROM messages m
        INNER JOIN chat_participants p ON p.chat_id = m.chat_id AND p.user_id = ?
        WHERE LOWER(m.content) LIKE ? ESCAPE '!'
        ORDER BY m.created_at DESC, m.seq DESC
        LIMIT ?`
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), userID, pattern, limit); err != nil {
		return nil, err
	}
	return r.hydrate(ctx, rows)
}

// hydrate attaches read and reaction sets to rows, preserving row order.
func (r *MessageRepo) hydrate(ctx context.Context, rows []messageRow) ([]models.Message, error) {
	msgs := make([]models.Message, 0, len(rows))
	if len(rows) == 0 {
		return msgs, nil
	}
	ids := make([]string, 0, len(rows))
	index := make(map[string]int, len(rows))
	for i, row := range rows {
		msgs = append(msgs, row.model())
		ids = append(ids, row.ID)
		index[row.ID] = i
	}

	q, args, err := sqlx.In(`SELECT message_id, user_id FROM message_reads WHERE message_id IN (?) ORDER BY read_at, user_id`, ids)
	if err != nil {
		return nil, err
	}
	var reads []struct {
		MessageID string `db:"message_id"`
		UserID    string `db:"user_id"`
	}
	if err := r.db.SelectContext(ctx, &reads, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	for _, rd := range reads {
		i := index[rd.MessageID]
		msgs[i].ReadBy = append(msgs[i].ReadBy, rd.UserID)
	}

	q, args, err = sqlx.In(`SELECT message_id, emoji, user_id FROM message_reactions WHERE message_id IN (?) ORDER BY created_at, user_id`, ids)
	if err != nil {
		return nil, err
	}
	var reactions []struct {
		MessageID string `db:"message_id"`
		Emoji     string `db:"emoji"`
		UserID    string `db:"user_id"`
	}
	if err := r.db.SelectContext(ctx, &reactions, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	for _, rc := range reactions {
		i := index[rc.MessageID]
		msgs[i].Reactions[rc.Emoji] = append(msgs[i].Reactions[rc.Emoji], rc.UserID)
	}
	return msgs, nil
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
