package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// UsersRepo persists user accounts. All methods are safe for concurrent use.
type UsersRepo struct {
	db querier
}

// Ensure upserts the user's identity fields and returns the stored row.
// Balance and model selection are never overwritten by an upsert.
func (r *UsersRepo) Ensure(ctx context.Context, id int64, username, firstName string) (*User, error) {
	const q = `
		INSERT INTO users (id, username, first_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username, first_name = EXCLUDED.first_name
		RETURNING id, username, first_name, model, balance, created_at`

	return scanUser(r.db.QueryRow(ctx, q, id, username, firstName))
}

// Get returns the user with the given id, or [ErrNotFound].
func (r *UsersRepo) Get(ctx context.Context, id int64) (*User, error) {
	const q = `
		SELECT id, username, first_name, model, balance, created_at
		FROM   users
		WHERE  id = $1`

	u, err := scanUser(r.db.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// SetModel records the user's model selection.
func (r *UsersRepo) SetModel(ctx context.Context, id int64, model string) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET model = $2 WHERE id = $1`, id, model)
	if err != nil {
		return fmt.Errorf("users: set model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Balance returns the user's current balance.
func (r *UsersRepo) Balance(ctx context.Context, id int64) (decimal.Decimal, error) {
	// decimal.Decimal implements sql.Scanner, which pgx falls back to for
	// NUMERIC columns.
	var bal decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, id).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("users: balance: %w", err)
	}
	return bal, nil
}

// EnsureChat upserts chat metadata.
func (r *UsersRepo) EnsureChat(ctx context.Context, chat Chat) error {
	const q = `
		INSERT INTO chats (id, type, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET type = EXCLUDED.type, title = EXCLUDED.title`

	if _, err := r.db.Exec(ctx, q, chat.ID, chat.Type, chat.Title); err != nil {
		return fmt.Errorf("users: ensure chat: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.Model, &u.Balance, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("users: scan: %w", err)
	}
	return &u, nil
}
