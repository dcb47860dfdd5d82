package thread

import (
	"context"
	"errors"
	"sync"
)

// CancelReason explains why a generation was interrupted.
type CancelReason string

const (
	// ReasonNewMessage means a newer batch arrived on the same thread.
	ReasonNewMessage CancelReason = "new_message"

	// ReasonStopCommand means the user explicitly asked to stop.
	ReasonStopCommand CancelReason = "stop_command"

	// ReasonMaxIterations means the tool loop hit its iteration cap.
	ReasonMaxIterations CancelReason = "max_iterations"

	// ReasonError means the generation aborted on an unrecoverable error.
	ReasonError CancelReason = "error"

	// ReasonShutdown means the process is stopping.
	ReasonShutdown CancelReason = "shutdown"
)

// ErrGenerationActive is returned by [Tracker.Start] when the thread already
// has a generation in flight.
var ErrGenerationActive = errors.New("thread: generation already active")

// Handle is the cancellable wrapper around one generation. The orchestrator
// runs under Handle.Context and checks Reason after exit; everyone else
// interacts through Cancel.
type Handle struct {
	key    Key
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	reason CancelReason

	done chan struct{}
}

// Context returns the generation's context, cancelled when Cancel is called
// or the parent context ends.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancel requests interruption with the given reason. Only the first call's
// reason sticks.
func (h *Handle) Cancel(reason CancelReason) {
	h.mu.Lock()
	if h.reason == "" {
		h.reason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

// Reason returns the recorded cancellation reason, or "" when the generation
// was not cancelled.
func (h *Handle) Reason() CancelReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Done is closed when the generation has fully exited (after Finish).
func (h *Handle) Done() <-chan struct{} { return h.done }

// Tracker enforces the at-most-one-generation-per-thread invariant and gives
// outside parties a way to cancel and await the active generation.
// All methods are safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	active map[Key]*Handle
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(map[Key]*Handle)}
}

// Start registers a new generation on key and returns its handle. Returns
// [ErrGenerationActive] when one is already running — callers must wait for
// it instead of racing.
func (t *Tracker) Start(parent context.Context, key Key) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[key]; ok {
		return nil, ErrGenerationActive
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{
		key:    key,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.active[key] = h
	return h, nil
}

// Finish deregisters the handle and releases waiters. Must be called exactly
// once when the generation exits, cancelled or not.
func (t *Tracker) Finish(h *Handle) {
	t.mu.Lock()
	if t.active[h.key] == h {
		delete(t.active, h.key)
	}
	t.mu.Unlock()
	h.cancel()
	close(h.done)
}

// Cancel interrupts the active generation on key, if any, and returns its
// handle so the caller can await Done. Returns nil when the thread is idle.
func (t *Tracker) Cancel(key Key, reason CancelReason) *Handle {
	t.mu.Lock()
	h := t.active[key]
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	h.Cancel(reason)
	return h
}

// IsActive reports whether key has a generation in flight.
func (t *Tracker) IsActive(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[key]
	return ok
}

// CancelAll interrupts every active generation. Used on shutdown.
func (t *Tracker) CancelAll(reason CancelReason) {
	t.mu.Lock()
	handles := make([]*Handle, 0, len(t.active))
	for _, h := range t.active {
		handles = append(handles, h)
	}
	t.mu.Unlock()
	for _, h := range handles {
		h.Cancel(reason)
	}
}
