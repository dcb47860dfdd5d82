// Package store provides the PostgreSQL persistence layer for Quill: users
// and balances, chats and threads, conversation messages, uploaded files,
// tool calls, and the billing ledger.
//
// All repositories share a single [pgxpool.Pool]. Mutating pipeline steps run
// inside a request-scoped [Session] (a wrapped transaction) so that one
// generation's writes commit or roll back together; repositories themselves
// never commit.
//
// Usage:
//
//	st, err := store.New(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	sess, err := st.Begin(ctx)
//	if err != nil { … }
//	defer sess.Rollback(ctx)
//	_, err = sess.Messages().Append(ctx, msg)
//	…
//	err = sess.Commit(ctx)
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — accounts and chats
// ─────────────────────────────────────────────────────────────────────────────

const ddlAccounts = `
CREATE TABLE IF NOT EXISTS users (
    id          BIGINT       PRIMARY KEY,
    username    TEXT         NOT NULL DEFAULT '',
    first_name  TEXT         NOT NULL DEFAULT '',
    model       TEXT         NOT NULL DEFAULT '',
    balance     NUMERIC(12,6) NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chats (
    id     BIGINT  PRIMARY KEY,
    type   TEXT    NOT NULL DEFAULT '',
    title  TEXT    NOT NULL DEFAULT ''
);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — threads and messages
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS threads (
    id                        BIGSERIAL    PRIMARY KEY,
    chat_id                   BIGINT       NOT NULL,
    user_id                   BIGINT       NOT NULL,
    topic_id                  BIGINT       NOT NULL DEFAULT 0,
    title                     TEXT         NOT NULL DEFAULT '',
    summary_after_message_id  BIGINT       NOT NULL DEFAULT 0,
    summary                   TEXT         NOT NULL DEFAULT '',
    created_at                TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (chat_id, user_id, topic_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id                    BIGSERIAL    PRIMARY KEY,
    thread_id             BIGINT       NOT NULL REFERENCES threads (id) ON DELETE CASCADE,
    role                  TEXT         NOT NULL,
    parts                 JSONB        NOT NULL DEFAULT '[]',
    thinking              JSONB,
    platform_message_ids  BIGINT[]     NOT NULL DEFAULT '{}',
    interrupted           BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_thread_id
    ON messages (thread_id, id);

CREATE INDEX IF NOT EXISTS idx_messages_platform_ids
    ON messages USING GIN (platform_message_ids);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — files and tool calls
// ─────────────────────────────────────────────────────────────────────────────

const ddlArtifacts = `
CREATE TABLE IF NOT EXISTS user_files (
    id                TEXT         PRIMARY KEY,
    user_id           BIGINT       NOT NULL,
    platform_file_id  TEXT         NOT NULL,
    provider_file_id  TEXT         NOT NULL DEFAULT '',
    kind              TEXT         NOT NULL,
    mime              TEXT         NOT NULL DEFAULT '',
    size_bytes        BIGINT       NOT NULL DEFAULT 0,
    expires_at        TIMESTAMPTZ,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_user_files_platform
    ON user_files (platform_file_id);

CREATE TABLE IF NOT EXISTS tool_calls (
    id           TEXT         PRIMARY KEY,
    thread_id    BIGINT       NOT NULL,
    message_id   BIGINT       NOT NULL DEFAULT 0,
    name         TEXT         NOT NULL,
    input        JSONB        NOT NULL DEFAULT '{}',
    result       TEXT         NOT NULL DEFAULT '',
    is_error     BOOLEAN      NOT NULL DEFAULT FALSE,
    cost         NUMERIC(12,6) NOT NULL DEFAULT 0,
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tool_calls_thread
    ON tool_calls (thread_id, created_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — billing ledger
// ─────────────────────────────────────────────────────────────────────────────

const ddlBilling = `
CREATE TABLE IF NOT EXISTS balance_operations (
    id               BIGSERIAL     PRIMARY KEY,
    user_id          BIGINT        NOT NULL,
    kind             TEXT          NOT NULL,
    amount           NUMERIC(12,6) NOT NULL,
    idempotency_key  TEXT          NOT NULL UNIQUE,
    meta             JSONB         NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ   NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_balance_operations_user
    ON balance_operations (user_id, created_at);

CREATE TABLE IF NOT EXISTS payments (
    id                  BIGSERIAL     PRIMARY KEY,
    user_id             BIGINT        NOT NULL,
    provider_charge_id  TEXT          NOT NULL UNIQUE,
    amount              NUMERIC(12,6) NOT NULL,
    currency            TEXT          NOT NULL DEFAULT 'USD',
    created_at          TIMESTAMPTZ   NOT NULL DEFAULT now()
);
`

// Migrate ensures all required tables and indexes exist. It is idempotent and
// safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlAccounts, ddlConversations, ddlArtifacts, ddlBilling} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
