package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openquill/quill/internal/config"
	"github.com/openquill/quill/internal/store"
	"github.com/openquill/quill/internal/telegram"
	"github.com/openquill/quill/internal/thread"
)

// maxTopupUSD caps a single invoice.
var maxTopupUSD = decimal.NewFromInt(100)

func (a *App) buildRouter() *telegram.Router {
	r := telegram.NewRouter(a.unknownCommand)
	r.Handle("help", "list available commands", a.cmdHelp)
	r.Handle("stop", "cancel the current response", a.cmdStop)
	r.Handle("clear", "forget the conversation", a.cmdClear)
	r.Handle("balance", "show balance and recent charges", a.cmdBalance)
	r.Handle("model", "show or switch the model", a.cmdModel)
	if a.cfg.Telegram.PaymentToken != "" {
		r.Handle("topup", "add funds, e.g. /topup 5", a.cmdTopup)
	}
	return r
}

func (a *App) unknownCommand(ctx context.Context, cmd telegram.Command, suggestion string) {
	text := fmt.Sprintf("Unknown command /%s.", cmd.Name)
	if suggestion != "" {
		text += fmt.Sprintf(" Did you mean /%s?", suggestion)
	}
	a.reply(ctx, cmd.Key, text)
}

func (a *App) cmdHelp(ctx context.Context, cmd telegram.Command) {
	a.reply(ctx, cmd.Key, a.router.Help())
}

func (a *App) cmdStop(ctx context.Context, cmd telegram.Command) {
	if a.tracker.Cancel(cmd.Key, thread.ReasonStopCommand) != nil {
		a.reply(ctx, cmd.Key, "Stopped.")
		return
	}
	a.reply(ctx, cmd.Key, "Nothing to stop.")
}

func (a *App) cmdClear(ctx context.Context, cmd telegram.Command) {
	th, err := a.store.Threads().GetOrCreate(ctx, store.ThreadKey(cmd.Key))
	if err != nil {
		a.logger.Warn("clear: thread lookup failed", "error", err)
		a.reply(ctx, cmd.Key, "Something went wrong, try again.")
		return
	}
	if err := a.store.Threads().Clear(ctx, th.ID); err != nil {
		a.logger.Warn("clear failed", "thread_id", th.ID, "error", err)
		a.reply(ctx, cmd.Key, "Something went wrong, try again.")
		return
	}
	a.reply(ctx, cmd.Key, "Conversation cleared.")
}

func (a *App) cmdBalance(ctx context.Context, cmd telegram.Command) {
	user, err := a.store.Users().Get(ctx, cmd.Key.UserID)
	if err != nil {
		a.reply(ctx, cmd.Key, "No account yet — send a message first.")
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance: $%s", user.Balance.StringFixed(4))

	ops, err := a.store.Billing().Operations(ctx, user.ID, 5)
	if err != nil {
		a.logger.Warn("balance: operations lookup failed", "error", err)
	}
	if len(ops) > 0 {
		sb.WriteString("\n\nRecent:")
		for _, op := range ops {
			fmt.Fprintf(&sb, "\n%s  %s  $%s",
				op.CreatedAt.Format("Jan 02 15:04"), op.Kind, op.Amount.StringFixed(4))
		}
	}
	a.reply(ctx, cmd.Key, sb.String())
}

func (a *App) cmdModel(ctx context.Context, cmd telegram.Command) {
	arg := strings.TrimSpace(cmd.Args)
	if arg == "" {
		current := ""
		if user, err := a.store.Users().Get(ctx, cmd.Key.UserID); err == nil {
			current = user.Model
		}
		if current == "" {
			if m := a.cfg.DefaultModel(); m != nil {
				current = m.ID
			}
		}
		var sb strings.Builder
		sb.WriteString("Available models:")
		for _, m := range a.cfg.Models {
			marker := ""
			if m.ID == current {
				marker = "  ← current"
			}
			fmt.Fprintf(&sb, "\n%s (%s)%s", m.Label, m.ID, marker)
		}
		sb.WriteString("\n\nSwitch with /model <name>.")
		a.reply(ctx, cmd.Key, sb.String())
		return
	}

	m := matchModel(a.cfg.Models, arg)
	if m == nil {
		a.reply(ctx, cmd.Key, fmt.Sprintf("Unknown model %q. Use /model to list them.", arg))
		return
	}
	if err := a.store.Users().SetModel(ctx, cmd.Key.UserID, m.ID); err != nil {
		a.reply(ctx, cmd.Key, "No account yet — send a message first.")
		return
	}
	a.reply(ctx, cmd.Key, fmt.Sprintf("Switched to %s.", m.Label))
}

func (a *App) cmdTopup(ctx context.Context, cmd telegram.Command) {
	amt, err := decimal.NewFromString(strings.TrimSpace(cmd.Args))
	if err != nil {
		a.reply(ctx, cmd.Key, "Usage: /topup <amount in USD>, e.g. /topup 5")
		return
	}
	if !amt.IsPositive() || amt.GreaterThan(maxTopupUSD) {
		a.reply(ctx, cmd.Key, fmt.Sprintf("Amount must be between $0.01 and $%s.", maxTopupUSD.StringFixed(0)))
		return
	}

	payload := topupPayloadPrefix + uuid.NewString()
	minor := amt.Mul(decimal.NewFromInt(100)).IntPart()
	err = a.bot.SendInvoice(ctx, cmd.Key.ChatID, a.cfg.Telegram.PaymentToken,
		"Balance top-up",
		fmt.Sprintf("Add $%s to your balance.", amt.StringFixed(2)),
		payload, "USD", minor)
	if err != nil {
		a.logger.Warn("invoice send failed", "chat_id", cmd.Key.ChatID, "error", err)
		a.reply(ctx, cmd.Key, "Could not create the invoice, try again later.")
	}
}

// matchModel resolves a user-typed model name against the configured list,
// by ID or label, case-insensitively.
func matchModel(models []config.ModelConfig, arg string) *config.ModelConfig {
	for i := range models {
		if strings.EqualFold(models[i].ID, arg) || strings.EqualFold(models[i].Label, arg) {
			return &models[i]
		}
	}
	return nil
}

// usdFromMinorUnits converts a platform amount in cents to USD.
func usdFromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
