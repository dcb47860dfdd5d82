package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// durationFromNanos converts a stored nanosecond count back to a Duration.
func durationFromNanos(n int64) time.Duration { return time.Duration(n) }

// BillingRepo maintains the balance ledger. Every balance mutation goes
// through a ledger row keyed by an idempotency key, so a retried pipeline
// step can never double-charge.
type BillingRepo struct {
	db querier
}

// Apply records op and adjusts the user's balance atomically. When a ledger
// row with the same idempotency key already exists the call is a no-op and
// returns the user's unchanged balance.
//
// Debits must be passed with a negative Amount. The balance is allowed to go
// negative: charges for work already performed are always applied in full.
func (r *BillingRepo) Apply(ctx context.Context, op *BalanceOperation) (decimal.Decimal, error) {
	if op.IdempotencyKey == "" {
		return decimal.Zero, errors.New("billing: idempotency key is required")
	}

	const insert = `
		INSERT INTO balance_operations (user_id, kind, amount, idempotency_key, meta)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`

	meta := op.Meta
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}

	var id int64
	err := r.db.QueryRow(ctx, insert,
		op.UserID, string(op.Kind), op.Amount, op.IdempotencyKey, meta,
	).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Duplicate key: the charge was already applied.
		users := &UsersRepo{db: r.db}
		return users.Balance(ctx, op.UserID)
	case err != nil:
		return decimal.Zero, fmt.Errorf("billing: insert operation: %w", err)
	}
	op.ID = id

	const update = `
		UPDATE users
		SET    balance = balance + $2
		WHERE  id = $1
		RETURNING balance`

	var balance decimal.Decimal
	if err := r.db.QueryRow(ctx, update, op.UserID, op.Amount).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("billing: update balance: %w", err)
	}
	return balance, nil
}

// RecordPayment stores a successful checkout and credits the balance. The
// provider charge id doubles as the idempotency key, so a replayed payment
// callback credits exactly once.
func (r *BillingRepo) RecordPayment(ctx context.Context, p *Payment) (decimal.Decimal, error) {
	if p.ProviderChargeID == "" {
		return decimal.Zero, errors.New("billing: provider charge id is required")
	}

	const insert = `
		INSERT INTO payments (user_id, provider_charge_id, amount, currency)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_charge_id) DO NOTHING
		RETURNING id`

	var id int64
	err := r.db.QueryRow(ctx, insert, p.UserID, p.ProviderChargeID, p.Amount, p.Currency).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		users := &UsersRepo{db: r.db}
		return users.Balance(ctx, p.UserID)
	case err != nil:
		return decimal.Zero, fmt.Errorf("billing: insert payment: %w", err)
	}
	p.ID = id

	return r.Apply(ctx, &BalanceOperation{
		UserID:         p.UserID,
		Kind:           OpTopUp,
		Amount:         p.Amount,
		IdempotencyKey: "payment:" + p.ProviderChargeID,
	})
}

// Operations returns the user's most recent ledger entries, newest first.
func (r *BillingRepo) Operations(ctx context.Context, userID int64, limit int) ([]BalanceOperation, error) {
	const q = `
		SELECT id, user_id, kind, amount, idempotency_key, meta, created_at
		FROM   balance_operations
		WHERE  user_id = $1
		ORDER  BY created_at DESC, id DESC
		LIMIT  $2`

	rows, err := r.db.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("billing: operations: %w", err)
	}
	defer rows.Close()

	var out []BalanceOperation
	for rows.Next() {
		var (
			op   BalanceOperation
			kind string
		)
		err := rows.Scan(&op.ID, &op.UserID, &kind, &op.Amount,
			&op.IdempotencyKey, &op.Meta, &op.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("billing: scan: %w", err)
		}
		op.Kind = OperationKind(kind)
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("billing: rows: %w", err)
	}
	return out, nil
}
