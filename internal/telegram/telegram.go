// Package telegram adapts the chat platform: update intake, HTML-safe
// sending and editing, document upload, attachment download, and the
// command surface with fuzzy suggestions.
//
// The adapter implements the narrow interfaces the pipeline consumes
// (display.Sender, stream.FileSender, ingest.Downloader) so the rest of the
// bot never touches the Telegram SDK directly.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Events is what the application layer plugs into the adapter. Handlers run
// on the SDK's update goroutines and must not block for long; the pipeline
// hands work off to the batcher immediately.
type Events interface {
	// OnMessage receives every non-command user message.
	OnMessage(ctx context.Context, msg Inbound)

	// OnEdit receives edits to previously sent user messages.
	OnEdit(ctx context.Context, edit MessageEdit)

	// OnCommand receives parsed slash commands.
	OnCommand(ctx context.Context, cmd Command)

	// OnPreCheckout approves or rejects a payment checkout. A non-nil error
	// rejects with the error text as the user-visible reason.
	OnPreCheckout(ctx context.Context, q PreCheckout) error

	// OnPayment receives a completed payment.
	OnPayment(ctx context.Context, p Payment)
}

// Bot wraps the Telegram SDK client.
type Bot struct {
	api    *tgbot.Bot
	token  string
	client *http.Client
	events Events
	logger *slog.Logger
}

// New creates the adapter and verifies the token shape. events must not be
// nil.
func New(token string, events Events, logger *slog.Logger) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{
		token:  token,
		client: &http.Client{Timeout: 2 * time.Minute},
		events: events,
		logger: logger,
	}
	api, err := tgbot.New(token, tgbot.WithDefaultHandler(b.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}
	b.api = api
	return b, nil
}

// Run starts long polling and blocks until ctx ends.
func (b *Bot) Run(ctx context.Context) {
	b.api.Start(ctx)
}

// handleUpdate fans one update out to the Events handlers.
func (b *Bot) handleUpdate(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	switch {
	case update.PreCheckoutQuery != nil:
		b.answerPreCheckout(ctx, update.PreCheckoutQuery)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		b.events.OnPayment(ctx, paymentFromMessage(update.Message))
	case update.Message != nil:
		b.dispatchMessage(ctx, update.Message)
	case update.EditedMessage != nil:
		if edit, ok := editFromMessage(update.EditedMessage); ok {
			b.events.OnEdit(ctx, edit)
		}
	}
}

func (b *Bot) dispatchMessage(ctx context.Context, msg *models.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	if cmd, ok := commandFromMessage(msg); ok {
		b.events.OnCommand(ctx, cmd)
		return
	}
	inbound, ok := inboundFromMessage(msg)
	if !ok {
		return
	}
	b.events.OnMessage(ctx, inbound)
}

func (b *Bot) answerPreCheckout(ctx context.Context, q *models.PreCheckoutQuery) {
	err := b.events.OnPreCheckout(ctx, PreCheckout{
		ID:       q.ID,
		UserID:   q.From.ID,
		Currency: q.Currency,
		Amount:   int64(q.TotalAmount),
		Payload:  q.InvoicePayload,
	})
	params := &tgbot.AnswerPreCheckoutQueryParams{
		PreCheckoutQueryID: q.ID,
		OK:                 err == nil,
	}
	if err != nil {
		params.ErrorMessage = err.Error()
	}
	if _, aerr := b.api.AnswerPreCheckoutQuery(ctx, params); aerr != nil {
		b.logger.Error("answer pre-checkout failed", "query_id", q.ID, "error", aerr)
	}
}

// SendMessage implements display.Sender.
func (b *Bot) SendMessage(ctx context.Context, chatID, topicID int64, htmlText string) (int64, error) {
	msg, err := b.api.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:          chatID,
		MessageThreadID: int(topicID),
		Text:            htmlText,
		ParseMode:       models.ParseModeHTML,
	})
	if err != nil {
		return 0, fmt.Errorf("telegram: send message: %w", err)
	}
	return int64(msg.ID), nil
}

// EditMessage implements display.Sender.
func (b *Bot) EditMessage(ctx context.Context, chatID, messageID int64, htmlText string) error {
	_, err := b.api.EditMessageText(ctx, &tgbot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: int(messageID),
		Text:      htmlText,
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram: edit message %d: %w", messageID, err)
	}
	return nil
}

// SendDocument implements the file delivery surface. Images go out as
// photos so chats show a preview; everything else as documents.
func (b *Bot) SendDocument(ctx context.Context, chatID, topicID int64, filename, mime string, data []byte) error {
	upload := &models.InputFileUpload{Filename: filename, Data: bytes.NewReader(data)}

	var err error
	if isPhotoMIME(mime) {
		b.SendAction(ctx, chatID, topicID, ActionUploadPhoto)
		_, err = b.api.SendPhoto(ctx, &tgbot.SendPhotoParams{
			ChatID:          chatID,
			MessageThreadID: int(topicID),
			Photo:           upload,
		})
	} else {
		b.SendAction(ctx, chatID, topicID, ActionUploadDocument)
		_, err = b.api.SendDocument(ctx, &tgbot.SendDocumentParams{
			ChatID:          chatID,
			MessageThreadID: int(topicID),
			Document:        upload,
		})
	}
	if err != nil {
		return fmt.Errorf("telegram: send file %q: %w", filename, err)
	}
	return nil
}

// Action is a platform chat-action indicator.
type Action string

const (
	ActionTyping         Action = "typing"
	ActionUploadDocument Action = "upload_document"
	ActionUploadPhoto    Action = "upload_photo"
)

// SendAction shows a typing or upload indicator for roughly five seconds.
func (b *Bot) SendAction(ctx context.Context, chatID, topicID int64, action Action) {
	_, err := b.api.SendChatAction(ctx, &tgbot.SendChatActionParams{
		ChatID:          chatID,
		MessageThreadID: int(topicID),
		Action:          models.ChatAction(action),
	})
	if err != nil {
		b.logger.Debug("chat action failed", "chat_id", chatID, "error", err)
	}
}

// Download implements ingest.Downloader: resolve the file path via the Bot
// API, then fetch the bytes from the file endpoint.
func (b *Bot) Download(ctx context.Context, platformFileID string) ([]byte, error) {
	f, err := b.api.GetFile(ctx, &tgbot.GetFileParams{FileID: platformFileID})
	if err != nil {
		return nil, fmt.Errorf("telegram: get file %q: %w", platformFileID, err)
	}
	link := b.api.FileDownloadLink(f)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download %q: %w", platformFileID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: download %q: %s", platformFileID, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telegram: read %q: %w", platformFileID, err)
	}
	return data, nil
}

// SendInvoice starts a top-up checkout. amount is in the currency's minor
// units (cents).
func (b *Bot) SendInvoice(ctx context.Context, chatID int64, providerToken, title, description, payload, currency string, amount int64) error {
	_, err := b.api.SendInvoice(ctx, &tgbot.SendInvoiceParams{
		ChatID:        chatID,
		Title:         title,
		Description:   description,
		Payload:       payload,
		ProviderToken: providerToken,
		Currency:      currency,
		Prices:        []models.LabeledPrice{{Label: title, Amount: int(amount)}},
	})
	if err != nil {
		return fmt.Errorf("telegram: send invoice: %w", err)
	}
	return nil
}

func isPhotoMIME(mime string) bool {
	switch mime {
	case "image/png", "image/jpeg", "image/webp":
		return true
	}
	return false
}
