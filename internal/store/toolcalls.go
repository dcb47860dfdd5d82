package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ToolCallsRepo persists executed tool invocations.
type ToolCallsRepo struct {
	db querier
}

// Insert stores one completed tool call. The provider tool_use id is the
// primary key, so retried persistence of the same call is a conflict error
// rather than a duplicate.
func (r *ToolCallsRepo) Insert(ctx context.Context, tc *ToolCall) error {
	const q = `
		INSERT INTO tool_calls
		    (id, thread_id, message_id, name, input, result, is_error, cost, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	input := tc.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	_, err := r.db.Exec(ctx, q,
		tc.ID, tc.ThreadID, tc.MessageID, tc.Name, input,
		tc.Result, tc.IsError, tc.Cost, tc.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("tool calls: insert: %w", err)
	}
	return nil
}

// ListByThread returns the thread's tool calls, oldest first.
func (r *ToolCallsRepo) ListByThread(ctx context.Context, threadID int64) ([]ToolCall, error) {
	const q = `
		SELECT id, thread_id, message_id, name, input, result, is_error, cost, duration_ns, created_at
		FROM   tool_calls
		WHERE  thread_id = $1
		ORDER  BY created_at`

	rows, err := r.db.Query(ctx, q, threadID)
	if err != nil {
		return nil, fmt.Errorf("tool calls: list: %w", err)
	}
	return collectToolCalls(rows)
}

func collectToolCalls(rows pgx.Rows) ([]ToolCall, error) {
	defer rows.Close()
	var out []ToolCall
	for rows.Next() {
		var (
			tc  ToolCall
			dur int64
		)
		err := rows.Scan(&tc.ID, &tc.ThreadID, &tc.MessageID, &tc.Name, &tc.Input,
			&tc.Result, &tc.IsError, &tc.Cost, &dur, &tc.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("tool calls: scan: %w", err)
		}
		tc.Duration = durationFromNanos(dur)
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tool calls: rows: %w", err)
	}
	return out, nil
}
