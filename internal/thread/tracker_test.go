package thread

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTracker_SingleGenerationPerThread(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	key := Key{ChatID: 1, UserID: 2}

	h, err := tr.Start(context.Background(), key)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !tr.IsActive(key) {
		t.Error("IsActive = false, want true")
	}

	if _, err := tr.Start(context.Background(), key); !errors.Is(err, ErrGenerationActive) {
		t.Errorf("second Start = %v, want ErrGenerationActive", err)
	}

	// A different thread is unaffected.
	other, err := tr.Start(context.Background(), Key{ChatID: 1, UserID: 3})
	if err != nil {
		t.Fatalf("Start other thread: %v", err)
	}
	tr.Finish(other)

	tr.Finish(h)
	if tr.IsActive(key) {
		t.Error("IsActive after Finish = true, want false")
	}
	if _, err := tr.Start(context.Background(), key); err != nil {
		t.Errorf("Start after Finish: %v", err)
	}
}

func TestTracker_CancelRecordsFirstReason(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	key := Key{ChatID: 5}

	h, err := tr.Start(context.Background(), key)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := tr.Cancel(key, ReasonNewMessage)
	if got != h {
		t.Fatal("Cancel must return the active handle")
	}
	h.Cancel(ReasonStopCommand)

	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
	if got, want := h.Reason(), ReasonNewMessage; got != want {
		t.Errorf("Reason = %q, want %q (first reason sticks)", got, want)
	}
}

func TestTracker_CancelIdleThreadReturnsNil(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	if h := tr.Cancel(Key{ChatID: 99}, ReasonStopCommand); h != nil {
		t.Errorf("Cancel on idle thread = %v, want nil", h)
	}
}

func TestTracker_DoneAfterFinish(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	h, err := tr.Start(context.Background(), Key{ChatID: 8})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-h.Done():
		t.Fatal("Done closed before Finish")
	default:
	}

	tr.Finish(h)
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Finish")
	}
}

func TestTracker_CancelAll(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	a, _ := tr.Start(context.Background(), Key{ChatID: 1})
	b, _ := tr.Start(context.Background(), Key{ChatID: 2})

	tr.CancelAll(ReasonShutdown)
	for _, h := range []*Handle{a, b} {
		select {
		case <-h.Context().Done():
		case <-time.After(time.Second):
			t.Fatal("context not cancelled by CancelAll")
		}
		if got, want := h.Reason(), ReasonShutdown; got != want {
			t.Errorf("Reason = %q, want %q", got, want)
		}
	}
}
