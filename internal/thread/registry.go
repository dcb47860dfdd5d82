package thread

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// queueCap bounds how many frozen batches may wait per thread before the
// batcher starts dropping. Hitting this means the pipeline is wedged.
const queueCap = 16

// RunFunc processes one frozen batch. Invocations for the same Key are
// strictly serialized; the function owns the whole pipeline for that turn.
type RunFunc func(ctx context.Context, batch Batch)

// Registry is the per-thread coordination table. It owns the batch window
// for each thread and the single worker goroutine that executes the pipeline
// for that thread's batches in order.
type Registry struct {
	window  time.Duration
	run     RunFunc
	tracker *Tracker
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	threads map[Key]*threadState
	closed  bool
}

type threadState struct {
	mu      sync.Mutex
	pending []Inbound
	timer   *time.Timer
	queue   chan Batch
}

// NewRegistry creates a Registry. window is the text batching window; run is
// the pipeline driver; tracker is consulted to cancel an in-flight
// generation when a newer batch freezes.
func NewRegistry(window time.Duration, tracker *Tracker, run RunFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		window:  window,
		run:     run,
		tracker: tracker,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		threads: make(map[Key]*threadState),
	}
}

// Submit enqueues one inbound message and returns immediately. Text extends
// the thread's batch window; media freezes the batch at once so the user
// sees a prompt response. Submit never fails visibly — internal overflow
// drops the message and logs.
func (r *Registry) Submit(msg Inbound) {
	st := r.state(msg.Key)
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.pending = append(st.pending, msg)
	if msg.HasMedia() {
		r.freezeLocked(msg.Key, st)
		return
	}

	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(r.window, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		r.freezeLocked(msg.Key, st)
	})
}

// Flush freezes the thread's open batch immediately, if any. Used in tests
// and on shutdown.
func (r *Registry) Flush(key Key) {
	r.mu.Lock()
	st := r.threads[key]
	r.mu.Unlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	r.freezeLocked(key, st)
}

// Close stops accepting messages, cancels all active generations, and waits
// for the workers to drain.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.tracker.CancelAll(ReasonShutdown)
	r.cancel()
	r.wg.Wait()
}

// state returns the thread's record, creating it (and its worker) on first
// use. Returns nil after Close.
func (r *Registry) state(key Key) *threadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	st, ok := r.threads[key]
	if !ok {
		st = &threadState{queue: make(chan Batch, queueCap)}
		r.threads[key] = st
		r.wg.Add(1)
		go r.worker(key, st)
	}
	return st
}

// freezeLocked closes the current window: the pending messages become an
// immutable Batch, an in-flight generation is asked to yield, and the batch
// joins the thread's serial queue. Caller holds st.mu.
func (r *Registry) freezeLocked(key Key, st *threadState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if len(st.pending) == 0 {
		return
	}
	batch := Batch{Key: key, Messages: st.pending}
	st.pending = nil

	// A newer turn supersedes the active generation; the worker will pick
	// the batch up as soon as the cancelled run commits and exits.
	r.tracker.Cancel(key, ReasonNewMessage)

	select {
	case st.queue <- batch:
	default:
		r.logger.Error("thread queue overflow, dropping batch",
			"chat_id", key.ChatID,
			"user_id", key.UserID,
			"topic_id", key.TopicID,
			"messages", len(batch.Messages),
		)
	}
}

// worker serializes pipeline runs for one thread.
func (r *Registry) worker(key Key, st *threadState) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case batch := <-st.queue:
			r.run(r.ctx, batch)
		}
	}
}
