package telegram

import (
	"strings"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/openquill/quill/internal/thread"
)

// Inbound re-exports the pipeline's inbound message type so Events
// implementors only import this package.
type Inbound = thread.Inbound

// Command is one parsed slash command.
type Command struct {
	Key               thread.Key
	PlatformMessageID int64
	Name              string
	Args              string
}

// MessageEdit is an edit to a previously sent user message.
type MessageEdit struct {
	Key               thread.Key
	PlatformMessageID int64
	Text              string
}

// PreCheckout is a payment approval request.
type PreCheckout struct {
	ID       string
	UserID   int64
	Currency string
	// Amount is in the currency's minor units.
	Amount  int64
	Payload string
}

// Payment is a completed checkout.
type Payment struct {
	UserID   int64
	ChatID   int64
	Currency string
	// Amount is in the currency's minor units.
	Amount   int64
	Payload  string
	ChargeID string
}

// keyFromMessage derives the thread key. Forum topics map to TopicID;
// everywhere else the topic is zero.
func keyFromMessage(msg *models.Message) thread.Key {
	return thread.Key{
		ChatID:  msg.Chat.ID,
		UserID:  msg.From.ID,
		TopicID: int64(msg.MessageThreadID),
	}
}

// commandFromMessage parses "/name args" messages. Commands addressed to
// another bot ("/name@other_bot") are left for that bot.
func commandFromMessage(msg *models.Message) (Command, bool) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, false
	}
	name, args, _ := strings.Cut(text[1:], " ")
	if name == "" {
		return Command{}, false
	}
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return Command{
		Key:               keyFromMessage(msg),
		PlatformMessageID: int64(msg.ID),
		Name:              strings.ToLower(name),
		Args:              strings.TrimSpace(args),
	}, true
}

// inboundFromMessage maps a user message onto the pipeline's inbound shape.
// Returns false for messages with nothing the pipeline can use (stickers,
// service messages, location pins).
func inboundFromMessage(msg *models.Message) (thread.Inbound, bool) {
	in := thread.Inbound{
		Key:               keyFromMessage(msg),
		PlatformMessageID: int64(msg.ID),
		Username:          msg.From.Username,
		FirstName:         msg.From.FirstName,
		Text:              msg.Text,
		At:                time.Unix(int64(msg.Date), 0),
	}
	if in.Text == "" {
		in.Text = msg.Caption
	}
	if msg.ReplyToMessage != nil {
		in.ReplyToID = int64(msg.ReplyToMessage.ID)
	}
	in.Attachments = attachmentsFromMessage(msg)

	if in.Text == "" && len(in.Attachments) == 0 {
		return thread.Inbound{}, false
	}
	return in, true
}

func attachmentsFromMessage(msg *models.Message) []thread.Attachment {
	var atts []thread.Attachment

	if len(msg.Photo) > 0 {
		// Telegram sends several sizes; the last is the largest.
		p := msg.Photo[len(msg.Photo)-1]
		atts = append(atts, thread.Attachment{
			PlatformFileID: p.FileID,
			Kind:           thread.MediaPhoto,
			MIME:           "image/jpeg",
			SizeBytes:      int64(p.FileSize),
		})
	}
	if d := msg.Document; d != nil {
		atts = append(atts, thread.Attachment{
			PlatformFileID: d.FileID,
			Kind:           thread.MediaDocument,
			MIME:           d.MimeType,
			Filename:       d.FileName,
			SizeBytes:      int64(d.FileSize),
		})
	}
	if v := msg.Voice; v != nil {
		atts = append(atts, thread.Attachment{
			PlatformFileID: v.FileID,
			Kind:           thread.MediaVoice,
			MIME:           v.MimeType,
			SizeBytes:      int64(v.FileSize),
			Duration:       time.Duration(v.Duration) * time.Second,
		})
	}
	if a := msg.Audio; a != nil {
		atts = append(atts, thread.Attachment{
			PlatformFileID: a.FileID,
			Kind:           thread.MediaAudio,
			MIME:           a.MimeType,
			Filename:       a.FileName,
			SizeBytes:      int64(a.FileSize),
			Duration:       time.Duration(a.Duration) * time.Second,
		})
	}
	if v := msg.Video; v != nil {
		atts = append(atts, thread.Attachment{
			PlatformFileID: v.FileID,
			Kind:           thread.MediaVideo,
			MIME:           v.MimeType,
			Filename:       v.FileName,
			SizeBytes:      int64(v.FileSize),
			Duration:       time.Duration(v.Duration) * time.Second,
		})
	}
	if v := msg.VideoNote; v != nil {
		atts = append(atts, thread.Attachment{
			PlatformFileID: v.FileID,
			Kind:           thread.MediaVideoNote,
			MIME:           "video/mp4",
			SizeBytes:      int64(v.FileSize),
			Duration:       time.Duration(v.Duration) * time.Second,
		})
	}
	return atts
}

func editFromMessage(msg *models.Message) (MessageEdit, bool) {
	if msg.From == nil || msg.Text == "" {
		return MessageEdit{}, false
	}
	return MessageEdit{
		Key:               keyFromMessage(msg),
		PlatformMessageID: int64(msg.ID),
		Text:              msg.Text,
	}, true
}

func paymentFromMessage(msg *models.Message) Payment {
	sp := msg.SuccessfulPayment
	return Payment{
		UserID:   msg.From.ID,
		ChatID:   msg.Chat.ID,
		Currency: sp.Currency,
		Amount:   int64(sp.TotalAmount),
		Payload:  sp.InvoicePayload,
		ChargeID: sp.TelegramPaymentChargeID,
	}
}
