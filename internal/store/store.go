package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx operations the repositories need. Both
// *pgxpool.Pool and pgx.Tx satisfy it, which is what lets the same repository
// code run pooled or inside a [Session] transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the central PostgreSQL-backed persistence layer. It holds a single
// [pgxpool.Pool] and exposes one repository per aggregate. All operations are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// Users returns the pool-bound users repository.
func (s *Store) Users() *UsersRepo { return &UsersRepo{db: s.pool} }

// Threads returns the pool-bound threads repository.
func (s *Store) Threads() *ThreadsRepo { return &ThreadsRepo{db: s.pool} }

// Messages returns the pool-bound messages repository.
func (s *Store) Messages() *MessagesRepo { return &MessagesRepo{db: s.pool} }

// Files returns the pool-bound user files repository.
func (s *Store) Files() *FilesRepo { return &FilesRepo{db: s.pool} }

// ToolCalls returns the pool-bound tool calls repository.
func (s *Store) ToolCalls() *ToolCallsRepo { return &ToolCallsRepo{db: s.pool} }

// Billing returns the pool-bound billing ledger repository.
func (s *Store) Billing() *BillingRepo { return &BillingRepo{db: s.pool} }

// Session is a request-scoped transaction. All repositories obtained from it
// share the same pgx.Tx; nothing is visible to other connections until Commit.
// Repositories never commit — the pipeline driver owns the transaction
// boundary.
type Session struct {
	tx pgx.Tx
}

// Begin opens a new Session.
func (s *Store) Begin(ctx context.Context) (*Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return &Session{tx: tx}, nil
}

// Commit commits the session's transaction.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Rollback aborts the session. Safe to call after Commit; the underlying
// pgx.Tx turns that into a no-op error which is discarded.
func (s *Session) Rollback(ctx context.Context) {
	_ = s.tx.Rollback(ctx)
}

// Users returns the session-bound users repository.
func (s *Session) Users() *UsersRepo { return &UsersRepo{db: s.tx} }

// Threads returns the session-bound threads repository.
func (s *Session) Threads() *ThreadsRepo { return &ThreadsRepo{db: s.tx} }

// Messages returns the session-bound messages repository.
func (s *Session) Messages() *MessagesRepo { return &MessagesRepo{db: s.tx} }

// Files returns the session-bound user files repository.
func (s *Session) Files() *FilesRepo { return &FilesRepo{db: s.tx} }

// ToolCalls returns the session-bound tool calls repository.
func (s *Session) ToolCalls() *ToolCallsRepo { return &ToolCallsRepo{db: s.tx} }

// Billing returns the session-bound billing ledger repository.
func (s *Session) Billing() *BillingRepo { return &BillingRepo{db: s.tx} }
