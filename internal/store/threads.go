package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ThreadsRepo persists conversation threads.
type ThreadsRepo struct {
	db querier
}

// GetOrCreate returns the thread for key, creating it when absent.
func (r *ThreadsRepo) GetOrCreate(ctx context.Context, key ThreadKey) (*Thread, error) {
	const q = `
		INSERT INTO threads (chat_id, user_id, topic_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id, user_id, topic_id) DO UPDATE
		SET chat_id = EXCLUDED.chat_id
		RETURNING id, chat_id, user_id, topic_id, title,
		          summary_after_message_id, summary, created_at`

	return scanThread(r.db.QueryRow(ctx, q, key.ChatID, key.UserID, key.TopicID))
}

// Get returns the thread with the given id, or [ErrNotFound].
func (r *ThreadsRepo) Get(ctx context.Context, id int64) (*Thread, error) {
	const q = `
		SELECT id, chat_id, user_id, topic_id, title,
		       summary_after_message_id, summary, created_at
		FROM   threads
		WHERE  id = $1`

	th, err := scanThread(r.db.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return th, err
}

// SetTitle records the generated topic name. An empty existing title is the
// trigger for naming; callers check before invoking the utility model.
func (r *ThreadsRepo) SetTitle(ctx context.Context, id int64, title string) error {
	tag, err := r.db.Exec(ctx, `UPDATE threads SET title = $2 WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("threads: set title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCompaction moves the compaction boundary: conversation builds will skip
// all messages with ID <= afterMessageID and start from summary instead.
func (r *ThreadsRepo) SetCompaction(ctx context.Context, id, afterMessageID int64, summary string) error {
	const q = `
		UPDATE threads
		SET    summary_after_message_id = $2, summary = $3
		WHERE  id = $1`

	tag, err := r.db.Exec(ctx, q, id, afterMessageID, summary)
	if err != nil {
		return fmt.Errorf("threads: set compaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear deletes all messages in the thread and resets the compaction
// boundary and title. The thread row itself survives.
func (r *ThreadsRepo) Clear(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM messages WHERE thread_id = $1`, id); err != nil {
		return fmt.Errorf("threads: clear messages: %w", err)
	}
	const q = `
		UPDATE threads
		SET    summary_after_message_id = 0, summary = '', title = ''
		WHERE  id = $1`
	if _, err := r.db.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("threads: reset: %w", err)
	}
	return nil
}

func scanThread(row pgx.Row) (*Thread, error) {
	var th Thread
	err := row.Scan(
		&th.ID,
		&th.Key.ChatID,
		&th.Key.UserID,
		&th.Key.TopicID,
		&th.Title,
		&th.SummaryAfterMessageID,
		&th.Summary,
		&th.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("threads: scan: %w", err)
	}
	return &th, nil
}
