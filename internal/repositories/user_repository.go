package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"realtime-chat/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository keeps the user directory and persisted presence flags.
type UserRepository interface {
	UpsertUser(ctx context.Context, identity models.Identity) error
	GetUser(ctx context.Context, userID string) (models.User, error)
	SetOnline(ctx context.Context, userID string, online bool) error
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
}

type userRow struct {
	ID         string `db:"id"`
	Name       string `db:"name"`
	Online     bool   `db:"online"`
	LastSeenAt int64  `db:"last_seen_at"`
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// UpsertUser creates the user or refreshes its display name.
func (r *UserRepo) UpsertUser(ctx context.Context, identity models.Identity) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO users (id, name) VALUES (?, ?)
        ON CONFLICT (id) DO UPDATE SET name = excluded.name`), identity.ID, identity.Name)
	return err
}

func (r *UserRepo) GetUser(ctx context.Context, userID string) (models.User, error) {
	var row userRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT id, name, online, last_seen_at FROM users WHERE id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	user := models.User{ID: row.ID, Name: row.Name, Online: row.Online}
	if row.LastSeenAt > 0 {
		user.LastSeenAt = fromMillis(row.LastSeenAt)
	}
	return user, nil
}

func (r *UserRepo) SetOnline(ctx context.Context, userID string, online bool) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO users (id, online) VALUES (?, ?)
        ON CONFLICT (id) DO UPDATE SET online = excluded.online`), userID, online)
	return err
}

func (r *UserRepo) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO users (id, last_seen_at) VALUES (?, ?)
        ON CONFLICT (id) DO UPDATE SET last_seen_at = excluded.last_seen_at`), userID, toMillis(at))
	return err
}
