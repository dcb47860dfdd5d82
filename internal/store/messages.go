package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// MessagesRepo persists conversation turns.
type MessagesRepo struct {
	db querier
}

// Append inserts msg and returns its assigned ID.
func (r *MessagesRepo) Append(ctx context.Context, msg *Message) (int64, error) {
	const q = `
		INSERT INTO messages (thread_id, role, parts, thinking, platform_message_ids, interrupted)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	parts := msg.Parts
	if len(parts) == 0 {
		parts = json.RawMessage("[]")
	}
	var thinking any
	if len(msg.Thinking) > 0 {
		thinking = msg.Thinking
	}
	ids := msg.PlatformMessageIDs
	if ids == nil {
		ids = []int64{}
	}

	err := r.db.QueryRow(ctx, q,
		msg.ThreadID, string(msg.Role), parts, thinking, ids, msg.Interrupted,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("messages: append: %w", err)
	}
	return msg.ID, nil
}

// History returns the thread's messages with ID greater than afterID, oldest
// first. Pass the thread's compaction boundary to build a post-compaction
// conversation; pass 0 for the full history.
func (r *MessagesRepo) History(ctx context.Context, threadID, afterID int64) ([]Message, error) {
	const q = `
		SELECT id, thread_id, role, parts, thinking, platform_message_ids, interrupted, created_at
		FROM   messages
		WHERE  thread_id = $1 AND id > $2
		ORDER  BY id`

	rows, err := r.db.Query(ctx, q, threadID, afterID)
	if err != nil {
		return nil, fmt.Errorf("messages: history: %w", err)
	}
	return collectMessages(rows)
}

// UpdateParts replaces the content of an existing message. Used when the user
// edits a platform message that has already been persisted.
func (r *MessagesRepo) UpdateParts(ctx context.Context, id int64, parts json.RawMessage) error {
	tag, err := r.db.Exec(ctx, `UPDATE messages SET parts = $2 WHERE id = $1`, id, parts)
	if err != nil {
		return fmt.Errorf("messages: update parts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ByPlatformMessageID resolves the stored message rendered as the given
// platform message in the given chat's threads, or [ErrNotFound].
func (r *MessagesRepo) ByPlatformMessageID(ctx context.Context, threadID, platformMessageID int64) (*Message, error) {
	const q = `
		SELECT id, thread_id, role, parts, thinking, platform_message_ids, interrupted, created_at
		FROM   messages
		WHERE  thread_id = $1 AND platform_message_ids @> ARRAY[$2]::bigint[]
		ORDER  BY id DESC
		LIMIT  1`

	rows, err := r.db.Query(ctx, q, threadID, platformMessageID)
	if err != nil {
		return nil, fmt.Errorf("messages: by platform id: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return &msgs[0], nil
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m        Message
			role     string
			thinking *json.RawMessage
		)
		err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Parts, &thinking,
			&m.PlatformMessageIDs, &m.Interrupted, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("messages: scan: %w", err)
		}
		m.Role = MessageRole(role)
		if thinking != nil {
			m.Thinking = *thinking
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages: rows: %w", err)
	}
	return out, nil
}
