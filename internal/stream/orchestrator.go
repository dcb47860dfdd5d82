// Package stream drives the tool-use loop for one generation: it streams
// provider events into the display, buffers tool invocations, dispatches
// them through the registry, feeds results back as the next model turn, and
// assembles the conversation suffix for persistence.
//
// The loop observes cancellation at every suspension point — between events,
// between tool calls, between iterations. On cancellation it commits what
// the user can already see, appends an interruption marker, and reports
// character counts so the partial work can be billed pro rata.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/openquill/quill/internal/display"
	"github.com/openquill/quill/internal/observe"
	"github.com/openquill/quill/internal/resilience"
	"github.com/openquill/quill/internal/thread"
	"github.com/openquill/quill/internal/tools"
	"github.com/openquill/quill/pkg/provider/llm"
)

// interruptedMarker is appended to the visible message when a generation is
// cut off.
const interruptedMarker = "[interrupted]"

// iterationLimitNote tells the user why a runaway tool loop stopped.
const iterationLimitNote = "[stopped: tool iteration limit reached]"

// Stream watchdogs. A call that emits nothing for idleTimeout, or runs past
// hardTimeout in total, is aborted; the idle abort is retryable.
const (
	defaultIdleTimeout = 60 * time.Second
	defaultHardTimeout = 5 * time.Minute
)

// FileSender delivers tool-produced files to the chat. Implemented by the
// telegram adapter.
type FileSender interface {
	SendDocument(ctx context.Context, chatID, topicID int64, filename, mime string, data []byte) error
}

// ToolCall is one executed tool invocation, returned for persistence and
// billing.
type ToolCall struct {
	ID       string
	Name     string
	Input    json.RawMessage
	Content  string
	IsError  bool
	Cost     decimal.Decimal
	Duration time.Duration
}

// Result is the outcome of one generation.
type Result struct {
	// Messages is the new conversation suffix in provider shape: alternating
	// assistant turns (thinking + text + tool_use) and user turns (tool
	// results). The caller persists these.
	Messages []llm.Message

	// ToolCalls lists every dispatched tool in execution order.
	ToolCalls []ToolCall

	// Usage is the summed token usage across all provider calls.
	Usage llm.Usage

	// Iterations counts completed provider round-trips. A run cancelled
	// between calls reports the number already finished.
	Iterations int

	// StopReason is the final stop reason, empty when cancelled mid-stream.
	StopReason llm.StopReason

	// WasCancelled is true when the generation did not run to completion.
	// Reason then explains why.
	WasCancelled bool
	Reason       thread.CancelReason

	// CompactionSummary is non-empty when the provider compacted the
	// context during this generation; the caller must record the boundary.
	CompactionSummary string

	// OutputChars and ThinkingChars count streamed characters, used to
	// pro-rate cost when cancellation beat the usage event.
	OutputChars   int
	ThinkingChars int
}

// Params carries one generation's inputs.
type Params struct {
	Model          string
	MaxTokens      int
	ThinkingBudget int

	System       []llm.SystemBlock
	Conversation []llm.Message
	Tools        []llm.ToolDefinition

	// Blocked is the paid-tool gate, snapshotted from the user's balance
	// before the generation starts. A balance going negative mid-flight
	// never stops the generation that spent it.
	Blocked bool

	Display *display.Manager
	Files   FileSender
	ChatID  int64
	TopicID int64

	// ReasonFn resolves the cancellation reason when ctx ends; typically
	// the tracker handle's Reason method.
	ReasonFn func() thread.CancelReason
}

// Orchestrator runs generations. Safe for concurrent use; all per-run state
// lives on the stack.
type Orchestrator struct {
	provider      llm.Provider
	dispatcher    *tools.Dispatcher
	maxIterations int
	retry         resilience.RetryConfig
	metrics       *observe.Metrics
	logger        *slog.Logger

	idleTimeout time.Duration
	hardTimeout time.Duration
}

// New creates an Orchestrator. maxIterations caps provider round-trips per
// generation; zero means 20.
func New(provider llm.Provider, dispatcher *tools.Dispatcher, maxIterations int, retry resilience.RetryConfig, metrics *observe.Metrics, logger *slog.Logger) *Orchestrator {
	if maxIterations <= 0 {
		maxIterations = 20
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		provider:      provider,
		dispatcher:    dispatcher,
		maxIterations: maxIterations,
		retry:         retry,
		metrics:       metrics,
		logger:        logger,
		idleTimeout:   defaultIdleTimeout,
		hardTimeout:   defaultHardTimeout,
	}
}

// pendingTool accumulates one tool_use block while it streams.
type pendingTool struct {
	id    string
	name  string
	input []byte
}

// Run executes the tool-use loop until the model stops requesting tools, the
// iteration cap is hit, ctx is cancelled, or an unrecoverable provider error
// surfaces. The returned error is non-nil only for unrecoverable provider
// failures; the Result is always meaningful for persistence.
func (o *Orchestrator) Run(ctx context.Context, p Params) (*Result, error) {
	res := &Result{}
	conversation := p.Conversation
	var endFiles []tools.File

	for iteration := 0; ; iteration++ {
		if iteration >= o.maxIterations {
			res.WasCancelled = true
			res.Reason = thread.ReasonMaxIterations
			o.interrupt(ctx, p, iterationLimitNote)
			break
		}
		if ctx.Err() != nil {
			o.cancelled(ctx, p, res)
			break
		}

		turn, err := o.streamOnce(ctx, p, conversation, res)
		if err != nil {
			if ctx.Err() != nil {
				o.cancelled(ctx, p, res)
				keepPartial(res, turn)
				break
			}
			res.WasCancelled = true
			res.Reason = thread.ReasonError
			o.interrupt(ctx, p, interruptedMarker)
			keepPartial(res, turn)
			o.deliver(ctx, p, endFiles)
			return res, err
		}

		res.Iterations = iteration + 1

		assistant := turn.assistantMessage()
		conversation = append(conversation, assistant)
		res.Messages = append(res.Messages, assistant)

		if len(turn.tools) == 0 {
			res.StopReason = turn.stopReason
			if err := p.Display.Commit(ctx); err != nil {
				o.logger.Warn("final display commit failed", "error", err)
			}
			break
		}

		results, files, aborted := o.dispatchTools(ctx, p, turn.tools, res)
		endFiles = append(endFiles, files...)

		userMsg := llm.Message{Role: llm.RoleUser, Parts: results}
		conversation = append(conversation, userMsg)
		res.Messages = append(res.Messages, userMsg)

		if aborted {
			o.cancelled(ctx, p, res)
			break
		}
	}

	o.deliver(ctx, p, endFiles)
	return res, nil
}

// streamedTurn is what one provider call produced.
type streamedTurn struct {
	text       string
	thinking   []llm.ThinkingBlock
	tools      []pendingTool
	stopReason llm.StopReason
}

// assistantMessage converts the turn into the provider-shaped assistant
// message for the conversation and for persistence.
func (t *streamedTurn) assistantMessage() llm.Message {
	msg := llm.Message{Role: llm.RoleAssistant, Thinking: t.thinking}
	if t.text != "" {
		msg.Parts = append(msg.Parts, llm.TextPart{Text: t.text})
	}
	for _, pt := range t.tools {
		input := json.RawMessage(pt.input)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		msg.Parts = append(msg.Parts, llm.ToolUsePart{ID: pt.id, Name: pt.name, Input: input})
	}
	return msg
}

// keepPartial appends a cut-off provider call's partial text to the
// conversation suffix, so the words the user already saw survive into
// history. Incomplete tool invocations are dropped: without a message_stop
// they never got a paired result. The appended marker matches the visible
// message.
func keepPartial(res *Result, turn *streamedTurn) {
	if turn == nil || turn.text == "" {
		return
	}
	turn.tools = nil
	turn.text += "\n\n" + interruptedMarker
	res.Messages = append(res.Messages, turn.assistantMessage())
}

// streamOnce performs one provider call under the retry policy, multiplexing
// events into the display as they arrive. On failure the partial turn is
// returned alongside the error so the caller can preserve it.
func (o *Orchestrator) streamOnce(ctx context.Context, p Params, conversation []llm.Message, res *Result) (*streamedTurn, error) {
	req := llm.Request{
		Model:          p.Model,
		System:         p.System,
		Messages:       conversation,
		Tools:          p.Tools,
		MaxTokens:      p.MaxTokens,
		ThinkingBudget: p.ThinkingBudget,
	}

	// A retried attempt replays the whole provider call, so everything the
	// failed attempt streamed must be rolled back first: the char counters,
	// the accumulated usage, and the display content. Restoring the display
	// blocks (rather than clearing) re-edits the already-sent messages in
	// place instead of appending a duplicate.
	charSnap, thinkSnap := res.OutputChars, res.ThinkingChars
	usageSnap, summarySnap := res.Usage, res.CompactionSummary
	blocksSnap := p.Display.Snapshot()

	var turn *streamedTurn
	start := time.Now()
	attempt := 0
	err := resilience.Retry(ctx, o.retry, "llm stream", func(ctx context.Context) error {
		if attempt > 0 {
			res.OutputChars, res.ThinkingChars = charSnap, thinkSnap
			res.Usage, res.CompactionSummary = usageSnap, summarySnap
			p.Display.Restore(blocksSnap)
		}
		attempt++
		var err error
		turn, err = o.consume(ctx, req, p, res)
		return err
	})
	o.metrics.LLMStreamDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("model", p.Model)))
	if err != nil {
		o.metrics.RecordProviderError(ctx, "llm", errorKind(err))
		return turn, err
	}
	return turn, nil
}

// consume drains one event stream into the display and the turn accumulator.
// The call runs under a hard deadline, and a stream that goes silent for
// longer than the idle timeout is aborted with a retryable error.
func (o *Orchestrator) consume(parent context.Context, req llm.Request, p Params, res *Result) (*streamedTurn, error) {
	ctx, cancel := context.WithTimeout(parent, o.hardTimeout)
	defer cancel()

	events, err := o.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	turn := &streamedTurn{}
	pending := make(map[string]*pendingTool)
	var order []string

	idle := time.NewTimer(o.idleTimeout)
	defer idle.Stop()

	for {
		var ev llm.Event
		select {
		case e, ok := <-events:
			if !ok {
				if err := parent.Err(); err != nil {
					return turn, err
				}
				if turn.stopReason == "" {
					if err := ctx.Err(); err != nil {
						return turn, err
					}
					return turn, fmt.Errorf("stream: channel closed without message_stop")
				}
				for _, id := range order {
					turn.tools = append(turn.tools, *pending[id])
				}
				return turn, nil
			}
			ev = e
		case <-idle.C:
			cancel()
			for range events {
			}
			return turn, fmt.Errorf("stream: no events for %s", o.idleTimeout)
		}

		if !idle.Stop() {
			<-idle.C
		}
		idle.Reset(o.idleTimeout)

		if err := parent.Err(); err != nil {
			// Drain so the provider goroutine can exit.
			cancel()
			for range events {
			}
			return turn, err
		}

		switch ev.Type {
		case llm.EventThinkingDelta:
			res.ThinkingChars += len(ev.Text)
			if err := p.Display.Append(ctx, display.KindThinking, ev.Text); err != nil {
				o.logger.Warn("display append failed", "error", err)
			}
		case llm.EventTextDelta:
			turn.text += ev.Text
			res.OutputChars += len(ev.Text)
			if err := p.Display.Append(ctx, display.KindText, ev.Text); err != nil {
				o.logger.Warn("display append failed", "error", err)
			}
		case llm.EventToolUseStart:
			pending[ev.ToolID] = &pendingTool{id: ev.ToolID, name: ev.ToolName}
			order = append(order, ev.ToolID)
		case llm.EventToolInputDelta:
			if pt, ok := pending[ev.ToolID]; ok {
				pt.input = append(pt.input, ev.InputFragment...)
			}
		case llm.EventToolUseEnd:
			// Input is complete; nothing to do until message_stop.
		case llm.EventCompaction:
			res.CompactionSummary = ev.Summary
		case llm.EventUsage:
			if ev.Usage != nil {
				addUsage(&res.Usage, *ev.Usage)
			}
		case llm.EventMessageStop:
			turn.stopReason = ev.StopReason
			turn.thinking = ev.Thinking
		case llm.EventError:
			return turn, ev.Err
		}
	}
}

// dispatchTools executes the turn's tool calls and returns the tool_result
// parts in emission order. Execution is sequential unless every sibling is
// marked commutative. aborted is true when cancellation was observed between
// calls; the already-produced results are still returned so the persisted
// conversation keeps every tool_use paired with a tool_result.
func (o *Orchestrator) dispatchTools(ctx context.Context, p Params, calls []pendingTool, res *Result) (parts []llm.Part, files []tools.File, aborted bool) {
	outcomes := make([]tools.Outcome, len(calls))

	if o.allCommutative(calls) && len(calls) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			g.Go(func() error {
				outcomes[i] = o.dispatcher.Execute(gctx, call.name, json.RawMessage(call.input), p.Blocked)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, call := range calls {
			if ctx.Err() != nil {
				// Synthesize results for the calls we never ran: every
				// tool_use must have its paired tool_result.
				for j := i; j < len(calls); j++ {
					outcomes[j] = tools.Outcome{Content: "cancelled before execution", IsError: true}
				}
				aborted = true
				break
			}
			outcomes[i] = o.dispatcher.Execute(ctx, call.name, json.RawMessage(call.input), p.Blocked)
		}
	}

	for i, call := range calls {
		out := outcomes[i]
		parts = append(parts, llm.ToolResultPart{
			ToolUseID: call.id,
			Content:   out.Content,
			IsError:   out.IsError,
		})
		res.ToolCalls = append(res.ToolCalls, ToolCall{
			ID:       call.id,
			Name:     call.name,
			Input:    json.RawMessage(call.input),
			Content:  out.Content,
			IsError:  out.IsError,
			Cost:     out.Cost,
			Duration: out.Duration,
		})
		if len(out.Files) == 0 {
			continue
		}
		switch out.Delivery {
		case tools.DeliverBeforeResponse:
			o.splitAndSend(ctx, p, out.Files)
		case tools.DeliverInline:
			o.sendFiles(ctx, p, out.Files)
		default:
			files = append(files, out.Files...)
		}
	}
	return parts, files, aborted
}

func (o *Orchestrator) allCommutative(calls []pendingTool) bool {
	for _, call := range calls {
		t, ok := o.dispatcher.Registry().Get(call.name)
		if !ok || !t.Commutative {
			return false
		}
	}
	return len(calls) > 0
}

// splitAndSend commits the current display, sends the files, and clears so
// the assistant's continuation lands in fresh messages below them.
func (o *Orchestrator) splitAndSend(ctx context.Context, p Params, fs []tools.File) {
	if err := p.Display.Commit(ctx); err != nil {
		o.logger.Warn("pre-delivery display commit failed", "error", err)
	}
	o.sendFiles(ctx, p, fs)
	p.Display.Clear()
}

func (o *Orchestrator) sendFiles(ctx context.Context, p Params, fs []tools.File) {
	if p.Files == nil {
		return
	}
	for _, f := range fs {
		if err := p.Files.SendDocument(ctx, p.ChatID, p.TopicID, f.Filename, f.MIME, f.Data); err != nil {
			o.logger.Warn("file delivery failed", "filename", f.Filename, "error", err)
		}
	}
}

func (o *Orchestrator) deliver(ctx context.Context, p Params, pending []tools.File) {
	// End-of-response files go out even when the generation was cancelled;
	// the work is done and billed.
	if len(pending) == 0 {
		return
	}
	o.sendFiles(context.WithoutCancel(ctx), p, pending)
}

// cancelled finalizes a run whose context ended: commit what the user can
// see, mark it interrupted, record the reason.
func (o *Orchestrator) cancelled(ctx context.Context, p Params, res *Result) {
	res.WasCancelled = true
	res.Reason = thread.ReasonError
	if p.ReasonFn != nil {
		if r := p.ReasonFn(); r != "" {
			res.Reason = r
		}
	}
	o.metrics.Cancellations.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("reason", string(res.Reason))))
	o.interrupt(ctx, p, interruptedMarker)
}

// interrupt flushes the display with a terminal marker, using a detached
// context so the platform calls still go out.
func (o *Orchestrator) interrupt(ctx context.Context, p Params, marker string) {
	sendCtx := context.WithoutCancel(ctx)
	if err := p.Display.AppendMarker(sendCtx, marker); err != nil {
		o.logger.Warn("interruption marker failed", "error", err)
	}
}

func addUsage(dst *llm.Usage, u llm.Usage) {
	dst.InputTokens += u.InputTokens
	dst.OutputTokens += u.OutputTokens
	dst.CacheReadTokens += u.CacheReadTokens
	dst.CacheWriteTokens += u.CacheWriteTokens
	dst.ThinkingTokens += u.ThinkingTokens
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case resilience.Retryable(err):
		return "transient"
	default:
		return "terminal"
	}
}
