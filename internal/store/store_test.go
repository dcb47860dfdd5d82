package store_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openquill/quill/internal/store"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if QUILL_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("QUILL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("QUILL_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [store.Store] with a clean schema.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	_, err = pool.Exec(ctx, `
		DROP TABLE IF EXISTS payments, balance_operations, tool_calls,
			user_files, messages, threads, chats, users CASCADE`)
	if err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	st, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestUsersEnsureAndModel(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.Users().Ensure(ctx, 42, "alice", "Alice")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !u.Balance.IsZero() {
		t.Errorf("new user balance = %s, want 0", u.Balance)
	}

	if err := st.Users().SetModel(ctx, 42, "claude-sonnet-4-5"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	// Re-ensure must not clobber the model selection.
	u, err = st.Users().Ensure(ctx, 42, "alice2", "Alice")
	if err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	if got, want := u.Model, "claude-sonnet-4-5"; got != want {
		t.Errorf("Model = %q, want %q", got, want)
	}
	if got, want := u.Username, "alice2"; got != want {
		t.Errorf("Username = %q, want %q", got, want)
	}
}

func TestThreadsGetOrCreate_SameKeySameThread(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	key := store.ThreadKey{ChatID: 1, UserID: 2, TopicID: 3}
	a, err := st.Threads().GetOrCreate(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := st.Threads().GetOrCreate(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("thread IDs differ: %d vs %d", a.ID, b.ID)
	}

	other, err := st.Threads().GetOrCreate(ctx, store.ThreadKey{ChatID: 1, UserID: 2, TopicID: 0})
	if err != nil {
		t.Fatalf("GetOrCreate other topic: %v", err)
	}
	if other.ID == a.ID {
		t.Error("different topic must map to a different thread")
	}
}

func TestMessagesHistoryRespectsBoundary(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	th, err := st.Threads().GetOrCreate(ctx, store.ThreadKey{ChatID: 1, UserID: 1})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	var ids []int64
	for _, text := range []string{"one", "two", "three"} {
		parts, _ := json.Marshal([]map[string]string{{"type": "text", "text": text}})
		id, err := st.Messages().Append(ctx, &store.Message{
			ThreadID: th.ID,
			Role:     store.RoleUser,
			Parts:    parts,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, id)
	}

	all, err := st.Messages().History(ctx, th.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if got, want := len(all), 3; got != want {
		t.Fatalf("full history = %d messages, want %d", got, want)
	}

	after, err := st.Messages().History(ctx, th.ID, ids[1])
	if err != nil {
		t.Fatalf("History after boundary: %v", err)
	}
	if got, want := len(after), 1; got != want {
		t.Fatalf("post-boundary history = %d messages, want %d", got, want)
	}
	if after[0].ID != ids[2] {
		t.Errorf("post-boundary message ID = %d, want %d", after[0].ID, ids[2])
	}
}

func TestBillingApply_Idempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Users().Ensure(ctx, 7, "bob", "Bob"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	debit := func() decimal.Decimal {
		bal, err := st.Billing().Apply(ctx, &store.BalanceOperation{
			UserID:         7,
			Kind:           store.OpTokenDebit,
			Amount:         decimal.RequireFromString("-0.25"),
			IdempotencyKey: "gen:abc:tokens",
		})
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		return bal
	}

	first := debit()
	second := debit()
	if !first.Equal(second) {
		t.Errorf("retried debit changed balance: %s vs %s", first, second)
	}
	if want := decimal.RequireFromString("-0.25"); !first.Equal(want) {
		t.Errorf("balance = %s, want %s (balance may go negative)", first, want)
	}
}

func TestSessionRollbackDiscardsWrites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	th, err := st.Threads().GetOrCreate(ctx, store.ThreadKey{ChatID: 9, UserID: 9})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	sess, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	_, err = sess.Messages().Append(ctx, &store.Message{
		ThreadID: th.ID,
		Role:     store.RoleUser,
		Parts:    json.RawMessage(`[{"type":"text","text":"doomed"}]`),
	})
	if err != nil {
		t.Fatalf("Append in session: %v", err)
	}
	sess.Rollback(ctx)

	msgs, err := st.Messages().History(ctx, th.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("rolled-back write is visible: %d messages", len(msgs))
	}
}
