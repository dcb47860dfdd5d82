package display

import (
	"context"
	"strings"
	"testing"
	"time"
)

// fakeSender records sends and edits in order.
type fakeSender struct {
	nextID int64
	sends  []string
	edits  map[int64][]string
}

func newFakeSender() *fakeSender {
	return &fakeSender{edits: make(map[int64][]string)}
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID, topicID int64, htmlText string) (int64, error) {
	f.nextID++
	f.sends = append(f.sends, htmlText)
	return f.nextID, nil
}

func (f *fakeSender) EditMessage(ctx context.Context, chatID, messageID int64, htmlText string) error {
	f.edits[messageID] = append(f.edits[messageID], htmlText)
	return nil
}

// newTestManager returns a manager with a controllable clock.
func newTestManager(sender Sender, cfg Config) (*Manager, *time.Time) {
	m := NewManager(sender, 1, 0, cfg)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestManager_ThrottlesEdits(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	m, now := newTestManager(sender, Config{EditInterval: time.Second, EditMinChars: 100})
	ctx := context.Background()

	// First append exceeds the interval (lastFlush is zero) so it flushes.
	if err := m.Append(ctx, KindText, "hello"); err != nil {
		t.Fatal(err)
	}
	if got, want := len(sender.sends), 1; got != want {
		t.Fatalf("sends after first append = %d, want %d", got, want)
	}

	// Small appends inside the window stay pending.
	for range 5 {
		if err := m.Append(ctx, KindText, " x"); err != nil {
			t.Fatal(err)
		}
	}
	if len(sender.edits[1]) != 0 {
		t.Errorf("edits inside throttle window = %d, want 0", len(sender.edits[1]))
	}

	// Enough new characters force a flush even inside the interval.
	if err := m.Append(ctx, KindText, strings.Repeat("y", 120)); err != nil {
		t.Fatal(err)
	}
	if got := len(sender.edits[1]); got != 1 {
		t.Errorf("edits after char threshold = %d, want 1", got)
	}

	// Elapsed interval with few chars also flushes.
	*now = now.Add(2 * time.Second)
	if err := m.Append(ctx, KindText, "z"); err != nil {
		t.Fatal(err)
	}
	if got := len(sender.edits[1]); got != 2 {
		t.Errorf("edits after interval = %d, want 2", got)
	}
}

func TestManager_CommitAlwaysFlushes(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	m, _ := newTestManager(sender, Config{EditInterval: time.Hour, EditMinChars: 200})
	ctx := context.Background()

	if err := m.Append(ctx, KindText, "partial"); err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sender.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.sends))
	}
	if sender.sends[0] != "partial" {
		t.Errorf("sent = %q, want %q", sender.sends[0], "partial")
	}

	// Committing an empty display is a no-op.
	m.Clear()
	if err := m.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sender.sends) != 1 {
		t.Error("empty commit must not send")
	}
}

func TestManager_SplitsAcrossMessages(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	m, _ := newTestManager(sender, Config{MaxMessageLength: 100, EditInterval: time.Hour, EditMinChars: 10000})
	ctx := context.Background()

	if err := m.Append(ctx, KindText, strings.Repeat("a", 250)); err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(sender.sends); got != 3 {
		t.Fatalf("messages sent = %d, want 3", got)
	}
	for i, s := range sender.sends {
		if len(s) > 100 {
			t.Errorf("message %d length = %d, exceeds cap", i, len(s))
		}
	}
	if got := len(m.MessageIDs()); got != 3 {
		t.Errorf("MessageIDs = %d, want 3", got)
	}
}

func TestManager_SkipsUnchangedChunks(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	m, _ := newTestManager(sender, Config{MaxMessageLength: 100, EditInterval: 0, EditMinChars: 1})
	ctx := context.Background()

	if err := m.Append(ctx, KindText, strings.Repeat("a", 95)+"\n\n"); err != nil {
		t.Fatal(err)
	}
	if err := m.Append(ctx, KindText, "tail"); err != nil {
		t.Fatal(err)
	}
	// The first chunk is unchanged; only a second message appears.
	if got := len(sender.edits[1]); got != 0 {
		t.Errorf("edits of unchanged first chunk = %d, want 0", got)
	}
	if got := len(sender.sends); got != 2 {
		t.Errorf("sends = %d, want 2", got)
	}
}

func TestManager_AppendMarkerCommits(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	m, _ := newTestManager(sender, Config{EditInterval: time.Hour, EditMinChars: 10000})
	ctx := context.Background()

	if err := m.Append(ctx, KindText, "cut off mid-sent"); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendMarker(ctx, "\n\n[interrupted]"); err != nil {
		t.Fatal(err)
	}
	if len(sender.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.sends))
	}
	if !strings.Contains(sender.sends[0], "[interrupted]") {
		t.Errorf("final message %q lacks interruption marker", sender.sends[0])
	}
}
