package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/openquill/quill/internal/observe"
	"github.com/openquill/quill/internal/store"
	"github.com/openquill/quill/internal/telegram"
	"github.com/openquill/quill/internal/thread"
	"github.com/openquill/quill/pkg/provider/llm"
)

// topupPayloadPrefix marks invoices this bot issued.
const topupPayloadPrefix = "topup:"

var _ telegram.Events = (*App)(nil)

// OnMessage hands one inbound message to the batcher and returns immediately.
func (a *App) OnMessage(ctx context.Context, msg telegram.Inbound) {
	kind := "text"
	if len(msg.Attachments) > 0 {
		kind = string(msg.Attachments[0].Kind)
	}
	a.metrics.MessagesIngested.Add(ctx, 1, metric.WithAttributes(observe.Attr("kind", kind)))
	a.threads.Submit(msg)
}

// OnEdit rewrites the stored text of an already-persisted user message so the
// next generation sees the edited words. Edits to messages still waiting in
// an open batch need no handling — the batch carries the platform text and
// Telegram users cannot edit faster than the batch window closes.
func (a *App) OnEdit(ctx context.Context, edit telegram.MessageEdit) {
	th, err := a.store.Threads().GetOrCreate(ctx, store.ThreadKey(edit.Key))
	if err != nil {
		a.logger.Warn("edit: thread lookup failed", "error", err)
		return
	}
	m, err := a.store.Messages().ByPlatformMessageID(ctx, th.ID, edit.PlatformMessageID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		a.logger.Warn("edit: message lookup failed", "error", err)
		return
	}
	if m.Role != store.RoleUser {
		return
	}

	parts, err := llm.UnmarshalParts(m.Parts)
	if err != nil {
		a.logger.Warn("edit: decode failed", "message_id", m.ID, "error", err)
		return
	}
	replaced := false
	for i, p := range parts {
		if tp, ok := p.(llm.TextPart); ok {
			tp.Text = edit.Text
			parts[i] = tp
			replaced = true
			break
		}
	}
	if !replaced {
		parts = append([]llm.Part{llm.TextPart{Text: edit.Text}}, parts...)
	}
	raw, err := llm.MarshalParts(parts)
	if err != nil {
		a.logger.Warn("edit: encode failed", "message_id", m.ID, "error", err)
		return
	}
	if err := a.store.Messages().UpdateParts(ctx, m.ID, raw); err != nil {
		a.logger.Warn("edit: update failed", "message_id", m.ID, "error", err)
	}
}

// OnCommand routes a slash command. Commands bypass batching entirely.
func (a *App) OnCommand(ctx context.Context, cmd telegram.Command) {
	a.router.Dispatch(ctx, cmd)
}

// OnPreCheckout approves checkouts for invoices this bot issued.
func (a *App) OnPreCheckout(_ context.Context, q telegram.PreCheckout) error {
	if !strings.HasPrefix(q.Payload, topupPayloadPrefix) {
		return errors.New("unknown invoice")
	}
	if q.Amount <= 0 {
		return errors.New("empty amount")
	}
	return nil
}

// OnPayment credits a completed checkout. The platform charge id is the
// idempotency key, so a replayed callback credits once.
func (a *App) OnPayment(ctx context.Context, p telegram.Payment) {
	balance, err := a.store.Billing().RecordPayment(ctx, &store.Payment{
		UserID:           p.UserID,
		ProviderChargeID: p.ChargeID,
		Amount:           usdFromMinorUnits(p.Amount),
		Currency:         p.Currency,
	})
	if err != nil {
		a.logger.Error("payment credit failed",
			"user_id", p.UserID, "charge_id", p.ChargeID, "error", err)
		return
	}
	a.logger.Info("payment credited",
		"user_id", p.UserID, "amount", p.Amount, "currency", p.Currency)
	a.reply(ctx, thread.Key{ChatID: p.ChatID},
		fmt.Sprintf("Payment received. Your balance is now $%s.", balance.StringFixed(2)))
}

// reply sends plain text to the thread's chat, escaped for the HTML parse
// mode the adapter always uses.
func (a *App) reply(ctx context.Context, key thread.Key, text string) {
	if _, err := a.bot.SendMessage(ctx, key.ChatID, key.TopicID, html.EscapeString(text)); err != nil {
		a.logger.Warn("reply failed", "chat_id", key.ChatID, "error", err)
	}
}
