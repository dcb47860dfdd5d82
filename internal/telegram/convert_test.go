package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/openquill/quill/internal/thread"
)

func userMessage(text string) *models.Message {
	return &models.Message{
		ID:   100,
		From: &models.User{ID: 7, Username: "ada"},
		Chat: models.Chat{ID: 42},
		Text: text,
		Date: 1700000000,
	}
}

func TestCommandFromMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text     string
		wantOK   bool
		wantName string
		wantArgs string
	}{
		{"/stop", true, "stop", ""},
		{"/model claude-sonnet", true, "model", "claude-sonnet"},
		{"/BALANCE", true, "balance", ""},
		{"/help@quill_bot", true, "help", ""},
		{"hello there", false, "", ""},
		{"/", false, "", ""},
	}
	for _, tc := range tests {
		cmd, ok := commandFromMessage(userMessage(tc.text))
		if ok != tc.wantOK {
			t.Errorf("%q: ok = %v, want %v", tc.text, ok, tc.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if cmd.Name != tc.wantName || cmd.Args != tc.wantArgs {
			t.Errorf("%q: = (%q, %q), want (%q, %q)", tc.text, cmd.Name, cmd.Args, tc.wantName, tc.wantArgs)
		}
	}
}

func TestInboundFromMessage_TextOnly(t *testing.T) {
	t.Parallel()
	in, ok := inboundFromMessage(userMessage("hello"))
	if !ok {
		t.Fatal("ok = false")
	}
	want := thread.Key{ChatID: 42, UserID: 7}
	if in.Key != want {
		t.Errorf("Key = %+v, want %+v", in.Key, want)
	}
	if in.Text != "hello" || in.PlatformMessageID != 100 {
		t.Errorf("in = %+v", in)
	}
}

func TestInboundFromMessage_VoiceCarriesDuration(t *testing.T) {
	t.Parallel()
	msg := userMessage("")
	msg.Voice = &models.Voice{FileID: "v1", Duration: 14, MimeType: "audio/ogg", FileSize: 9000}

	in, ok := inboundFromMessage(msg)
	if !ok {
		t.Fatal("ok = false")
	}
	if got, want := len(in.Attachments), 1; got != want {
		t.Fatalf("attachments = %d, want %d", got, want)
	}
	att := in.Attachments[0]
	if att.Kind != thread.MediaVoice || att.Duration != 14*time.Second {
		t.Errorf("attachment = %+v", att)
	}
	if !att.Kind.Transcribable() {
		t.Error("voice must be transcribable")
	}
}

func TestInboundFromMessage_PhotoUsesLargestSize(t *testing.T) {
	t.Parallel()
	msg := userMessage("")
	msg.Caption = "look at this"
	msg.Photo = []models.PhotoSize{
		{FileID: "small", FileSize: 100},
		{FileID: "large", FileSize: 90000},
	}

	in, ok := inboundFromMessage(msg)
	if !ok {
		t.Fatal("ok = false")
	}
	if in.Text != "look at this" {
		t.Errorf("Text = %q, want caption", in.Text)
	}
	if in.Attachments[0].PlatformFileID != "large" {
		t.Errorf("file id = %q, want largest size", in.Attachments[0].PlatformFileID)
	}
}

func TestInboundFromMessage_EmptyMessageSkipped(t *testing.T) {
	t.Parallel()
	if _, ok := inboundFromMessage(userMessage("")); ok {
		t.Error("empty message must be skipped")
	}
}

func TestRouter_DispatchAndSuggest(t *testing.T) {
	t.Parallel()
	var handled, suggestion string
	r := NewRouter(func(_ context.Context, cmd Command, s string) {
		suggestion = s
	})
	r.Handle("stop", "cancel the current response", func(_ context.Context, cmd Command) {
		handled = cmd.Name
	})
	r.Handle("balance", "show your balance", func(context.Context, Command) {})
	r.Handle("model", "pick a model", func(context.Context, Command) {})

	r.Dispatch(context.Background(), Command{Name: "stop"})
	if handled != "stop" {
		t.Errorf("handled = %q, want stop", handled)
	}

	r.Dispatch(context.Background(), Command{Name: "stpo"})
	if suggestion != "stop" {
		t.Errorf("suggestion = %q, want stop", suggestion)
	}

	r.Dispatch(context.Background(), Command{Name: "xyzzy"})
	if suggestion != "" {
		t.Errorf("suggestion = %q, want none for distant input", suggestion)
	}
}

func TestRouter_HelpListsCommands(t *testing.T) {
	t.Parallel()
	r := NewRouter(nil)
	r.Handle("stop", "cancel the current response", func(context.Context, Command) {})
	r.Handle("clear", "forget the conversation", func(context.Context, Command) {})

	help := r.Help()
	if help != "/clear — forget the conversation\n/stop — cancel the current response" {
		t.Errorf("Help() = %q", help)
	}
}
