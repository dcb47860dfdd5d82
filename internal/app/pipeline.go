package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"

	"github.com/openquill/quill/internal/display"
	"github.com/openquill/quill/internal/ingest"
	"github.com/openquill/quill/internal/observe"
	"github.com/openquill/quill/internal/prompt"
	"github.com/openquill/quill/internal/store"
	"github.com/openquill/quill/internal/stream"
	"github.com/openquill/quill/internal/telegram"
	"github.com/openquill/quill/internal/thread"
	"github.com/openquill/quill/pkg/provider/llm"
)

// runBatch is the pipeline driver: it owns one conversational turn from
// frozen batch to persisted, billed response. Invocations for the same thread
// key are serialized by the registry.
func (a *App) runBatch(ctx context.Context, batch thread.Batch) {
	key := batch.Key
	logger := a.logger.With("chat_id", key.ChatID, "user_id", key.UserID, "topic_id", key.TopicID)
	start := time.Now()

	handle, err := a.tracker.Start(ctx, key)
	if err != nil {
		// The registry serializes runs per key; an active generation here is
		// a coordination bug, not a user-visible condition.
		logger.Error("generation already active, dropping batch", "error", err)
		return
	}
	defer a.tracker.Finish(handle)
	gctx := handle.Context()

	a.metrics.ActiveGenerations.Add(ctx, 1)
	defer a.metrics.ActiveGenerations.Add(ctx, -1)

	last := batch.Messages[len(batch.Messages)-1]
	user, err := a.store.Users().Ensure(ctx, key.UserID, last.Username, last.FirstName)
	if err != nil {
		logger.Error("user upsert failed", "error", err)
		return
	}
	th, err := a.store.Threads().GetOrCreate(ctx, store.ThreadKey(key))
	if err != nil {
		logger.Error("thread lookup failed", "error", err)
		return
	}

	a.bot.SendAction(gctx, key.ChatID, key.TopicID, telegram.ActionTyping)

	ing, err := a.ingestor.Process(gctx, user.ID, batch)
	if err != nil {
		// Only cancellation aborts ingestion as a whole. The user's words
		// still go into history so the superseding run sees them.
		logger.Info("ingestion aborted", "error", err)
		pctx := context.WithoutCancel(ctx)
		if _, perr := a.persist(pctx, th, batch, rawTurns(batch), &stream.Result{}, nil); perr != nil {
			logger.Error("persist failed", "error", perr)
		}
		return
	}

	history, err := a.store.Messages().History(ctx, th.ID, th.SummaryAfterMessageID)
	if err != nil {
		logger.Error("history load failed", "error", err)
		return
	}
	files, err := a.store.Files().ListByUser(ctx, user.ID)
	if err != nil {
		logger.Warn("files listing failed", "error", err)
	}

	conv, err := a.composer.Conversation(th, history, ing.Turns)
	if err != nil {
		logger.Info("nothing to send", "error", err)
		return
	}

	model := a.cfg.Model(user.Model)
	if model == nil {
		model = a.cfg.DefaultModel()
	}
	if model == nil {
		logger.Error("no models configured")
		return
	}

	disp := display.NewManager(a.bot, key.ChatID, key.TopicID, display.Config{
		EditInterval:     a.cfg.Pipeline.EditInterval,
		EditMinChars:     a.cfg.Pipeline.EditMinChars,
		MaxMessageLength: a.cfg.Telegram.MaxMessageLength,
	})

	res, runErr := a.orch.Run(gctx, stream.Params{
		Model:          model.ID,
		MaxTokens:      model.MaxTokens,
		ThinkingBudget: model.ThinkingBudget,
		System:         a.composer.System(a.cfg.Prompt.Persona, prompt.FilesContext(files)),
		Conversation:   conv,
		Tools:          a.registry.Definitions(),
		Blocked:        a.pricer.Blocked(user.Balance),
		Display:        disp,
		Files:          a.bot,
		ChatID:         key.ChatID,
		TopicID:        key.TopicID,
		ReasonFn:       handle.Reason,
	})
	if runErr != nil {
		logger.Error("generation failed", "error", runErr)
		a.reply(context.WithoutCancel(ctx), key, failureReply(runErr))
	}

	// Persist and bill on a detached context: cancelled or not, the work
	// already happened and the partial reply stays in history.
	pctx := context.WithoutCancel(ctx)
	anchorID, err := a.persist(pctx, th, batch, ing.Turns, res, disp.MessageIDs())
	if err != nil {
		logger.Error("persist failed", "error", err)
	}
	a.bill(pctx, user.ID, model.ID, anchorID, res, ing.Transcriptions, logger)

	a.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds())
	a.metrics.Generations.Add(ctx, 1, metric.WithAttributes(
		observe.Attr("model", model.ID),
		observe.Attr("stop_reason", string(res.StopReason)),
	))

	if th.Title == "" && a.namer != nil && len(ing.Turns) > 0 && ing.Turns[0].Text != "" {
		go a.nameTopic(pctx, th.ID, ing.Turns[0].Text)
	}
}

// rawTurns builds the unprocessed fallback turns for a batch whose ingestion
// was cut short: the text as typed, with one annotation per attachment that
// never got resolved.
func rawTurns(batch thread.Batch) []prompt.Turn {
	turns := make([]prompt.Turn, 0, len(batch.Messages))
	for _, msg := range batch.Messages {
		turn := prompt.Turn{Text: msg.Text}
		for _, att := range msg.Attachments {
			note := fmt.Sprintf("[attachment %s was not processed]", att.Kind)
			if turn.Text != "" {
				note = "\n\n" + note
			}
			turn.Text += note
		}
		turns = append(turns, turn)
	}
	return turns
}

// failureReply maps a terminal generation error to the message shown to the
// user. The marker on the partial reply says that something stopped; this says
// what, and what to do about it.
func failureReply(err error) string {
	switch {
	case errors.Is(err, llm.ErrContextWindowExceeded):
		return "This conversation no longer fits the model's context window. Use /clear to start fresh."
	case errors.Is(err, llm.ErrRefusal):
		return "The model declined to answer this request. Try rephrasing it."
	case errors.Is(err, llm.ErrRateLimited), errors.Is(err, llm.ErrOverloaded):
		return "The model is overloaded right now. Please try again in a moment."
	}
	return "Something went wrong while generating the response. Please try again."
}

// persist writes the batch's user turns and the generation's conversation
// suffix in one transaction, together with the tool-call audit rows and any
// compaction boundary. Returns the ID of the final assistant row, used as the
// billing idempotency anchor.
func (a *App) persist(ctx context.Context, th *store.Thread, batch thread.Batch, turns []prompt.Turn, res *stream.Result, platformIDs []int64) (int64, error) {
	sess, err := a.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer sess.Rollback(ctx)
	msgs := sess.Messages()

	for i, turn := range turns {
		var parts []llm.Part
		if turn.Text != "" {
			parts = append(parts, llm.TextPart{Text: turn.Text})
		}
		for _, f := range turn.Files {
			parts = append(parts, f)
		}
		if len(parts) == 0 {
			continue
		}
		raw, err := llm.MarshalParts(parts)
		if err != nil {
			return 0, err
		}
		row := &store.Message{ThreadID: th.ID, Role: store.RoleUser, Parts: raw}
		if i < len(batch.Messages) {
			row.PlatformMessageIDs = []int64{batch.Messages[i].PlatformMessageID}
		}
		if _, err := msgs.Append(ctx, row); err != nil {
			return 0, err
		}
	}

	lastAssistant := -1
	for i, m := range res.Messages {
		if m.Role == llm.RoleAssistant {
			lastAssistant = i
		}
	}

	var anchorID, lastID int64
	owner := make(map[string]int64)
	for i, m := range res.Messages {
		raw, err := llm.MarshalParts(m.Parts)
		if err != nil {
			return 0, err
		}
		thinking, err := llm.MarshalThinking(m.Thinking)
		if err != nil {
			return 0, err
		}
		row := &store.Message{
			ThreadID: th.ID,
			Role:     store.MessageRole(m.Role),
			Parts:    raw,
			Thinking: thinking,
		}
		if i == lastAssistant {
			row.PlatformMessageIDs = platformIDs
			row.Interrupted = res.WasCancelled
		}
		id, err := msgs.Append(ctx, row)
		if err != nil {
			return 0, err
		}
		lastID = id
		if m.Role == llm.RoleAssistant {
			anchorID = id
			for _, part := range m.Parts {
				if tu, ok := part.(llm.ToolUsePart); ok {
					owner[tu.ID] = id
				}
			}
		}
	}

	tcs := sess.ToolCalls()
	for _, tc := range res.ToolCalls {
		err := tcs.Insert(ctx, &store.ToolCall{
			ID:        tc.ID,
			ThreadID:  th.ID,
			MessageID: owner[tc.ID],
			Name:      tc.Name,
			Input:     tc.Input,
			Result:    tc.Content,
			IsError:   tc.IsError,
			Cost:      tc.Cost,
			Duration:  tc.Duration,
		})
		if err != nil {
			return 0, err
		}
	}

	if res.CompactionSummary != "" && lastID != 0 {
		if err := sess.Threads().SetCompaction(ctx, th.ID, lastID, res.CompactionSummary); err != nil {
			return 0, err
		}
	}

	if err := sess.Commit(ctx); err != nil {
		return 0, err
	}
	return anchorID, nil
}

// bill applies the generation's debits. Billing is decoupled from message
// persistence: the response is already delivered, so a failed debit is
// retried once and then written off as lost revenue.
func (a *App) bill(ctx context.Context, userID int64, model string, anchorID int64, res *stream.Result, trans []ingest.Transcription, logger *slog.Logger) {
	usage := res.Usage
	if res.WasCancelled && usage == (llm.Usage{}) {
		usage = estimatedUsage(res)
	}
	tokenCost := a.pricer.TokenCost(model, usage)

	toolCost := decimal.Zero
	for _, tc := range res.ToolCalls {
		toolCost = toolCost.Add(tc.Cost)
	}
	for _, tr := range trans {
		toolCost = toolCost.Add(a.pricer.TranscriptionCost(tr.Duration))
	}

	a.metrics.RecordUsage(ctx, model, map[string]int64{
		"input":       int64(usage.InputTokens),
		"output":      int64(usage.OutputTokens),
		"cache_read":  int64(usage.CacheReadTokens),
		"cache_write": int64(usage.CacheWriteTokens),
	})

	anchor := strconv.FormatInt(anchorID, 10)
	if anchorID == 0 {
		// Nothing was persisted to anchor on; a random key still charges the
		// work exactly once.
		anchor = uuid.NewString()
	}
	a.applyDebit(ctx, &store.BalanceOperation{
		UserID:         userID,
		Kind:           store.OpTokenDebit,
		Amount:         tokenCost.Neg(),
		IdempotencyKey: "tokens:msg:" + anchor,
	}, "tokens", logger)
	a.applyDebit(ctx, &store.BalanceOperation{
		UserID:         userID,
		Kind:           store.OpToolDebit,
		Amount:         toolCost.Neg(),
		IdempotencyKey: "tools:msg:" + anchor,
	}, "tools", logger)
}

func (a *App) applyDebit(ctx context.Context, op *store.BalanceOperation, kind string, logger *slog.Logger) {
	if op.Amount.IsZero() {
		return
	}
	_, err := a.store.Billing().Apply(ctx, op)
	if err != nil {
		_, err = a.store.Billing().Apply(ctx, op)
	}
	if err != nil {
		logger.Error("debit lost", "kind", kind, "amount", op.Amount, "error", err)
		return
	}
	a.metrics.CostCharged.Add(ctx, op.Amount.Neg().InexactFloat64(),
		metric.WithAttributes(observe.Attr("kind", kind)))
}

// estimatedUsage approximates token usage from streamed character counts when
// cancellation beat the usage event. Roughly four characters per token.
func estimatedUsage(res *stream.Result) llm.Usage {
	chars := res.OutputChars + res.ThinkingChars
	if chars == 0 {
		return llm.Usage{}
	}
	return llm.Usage{OutputTokens: (chars + 3) / 4}
}

const topicNamingPrompt = "Name this conversation topic in at most five words. " +
	"Reply with the title only, no quotes or punctuation around it."

// nameTopic asks the utility model for a short thread title. Best effort.
func (a *App) nameTopic(ctx context.Context, threadID int64, firstText string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	title, err := a.namer.Complete(ctx, topicNamingPrompt, firstText)
	if err != nil {
		a.logger.Debug("topic naming failed", "thread_id", threadID, "error", err)
		return
	}
	title = strings.TrimSpace(strings.Trim(title, `"`))
	if title == "" {
		return
	}
	if len(title) > 128 {
		title = title[:128]
	}
	if err := a.store.Threads().SetTitle(ctx, threadID, title); err != nil {
		a.logger.Warn("topic title save failed", "thread_id", threadID, "error", err)
	}
}
