package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/openquill/quill/internal/store"
	"github.com/openquill/quill/pkg/provider/llm"
)

// charCounter estimates one token per four characters, like common
// tokenizers.
type charCounter struct{}

func (charCounter) CountTokens(text string) int { return len(text) / 4 }

func newTestComposer() *Composer {
	return New(Config{System: "You are a helpful assistant."}, charCounter{})
}

func TestSystem_BlockOrderAndCacheFlags(t *testing.T) {
	t.Parallel()
	c := newTestComposer()

	longPersona := strings.Repeat("Speak like a pirate. ", 300) // well past 1024 tokens
	blocks := c.System(longPersona, "- file_id=f1 kind=image\n")

	if got, want := len(blocks), 3; got != want {
		t.Fatalf("len(blocks) = %d, want %d", got, want)
	}
	if !blocks[0].Cache {
		t.Error("global block must be cacheable")
	}
	if !blocks[1].Cache {
		t.Error("large persona block must be cacheable")
	}
	if blocks[2].Cache {
		t.Error("files-context block must never be cacheable")
	}
}

func TestSystem_SmallPersonaNotCached(t *testing.T) {
	t.Parallel()
	c := newTestComposer()

	blocks := c.System("Be brief.", "")
	if got, want := len(blocks), 2; got != want {
		t.Fatalf("len(blocks) = %d, want %d", got, want)
	}
	if blocks[1].Cache {
		t.Error("persona below the cache minimum must be sent plain")
	}
}

func TestSystem_EmptyOptionalBlocksDropped(t *testing.T) {
	t.Parallel()
	c := newTestComposer()

	blocks := c.System("", "")
	if got, want := len(blocks), 1; got != want {
		t.Fatalf("len(blocks) = %d, want %d", got, want)
	}
}

func mustParts(t *testing.T, parts ...llm.Part) json.RawMessage {
	t.Helper()
	raw, err := llm.MarshalParts(parts)
	if err != nil {
		t.Fatalf("MarshalParts: %v", err)
	}
	return raw
}

func TestConversation_SummaryOpensConversation(t *testing.T) {
	t.Parallel()
	c := newTestComposer()

	th := &store.Thread{ID: 1, Summary: "The user was planning a trip to Lisbon."}
	history := []store.Message{
		{ID: 40, Role: store.RoleUser, Parts: mustParts(t, llm.TextPart{Text: "what about museums?"})},
		{ID: 41, Role: store.RoleAssistant, Parts: mustParts(t, llm.TextPart{Text: "The Gulbenkian is worth a day."})},
	}
	turns := []Turn{{Text: "and food?"}}

	msgs, err := c.Conversation(th, history, turns)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if got, want := len(msgs), 4; got != want {
		t.Fatalf("len(msgs) = %d, want %d", got, want)
	}
	first, ok := msgs[0].Parts[0].(llm.TextPart)
	if !ok || !strings.Contains(first.Text, "Lisbon") {
		t.Errorf("first message = %+v, want summary text", msgs[0])
	}
	if msgs[0].Role != llm.RoleUser {
		t.Errorf("summary role = %q, want user", msgs[0].Role)
	}
	last, ok := msgs[3].Parts[0].(llm.TextPart)
	if !ok || last.Text != "and food?" {
		t.Errorf("last message = %+v, want the new turn", msgs[3])
	}
}

func TestConversation_ThinkingReEmittedVerbatim(t *testing.T) {
	t.Parallel()
	c := newTestComposer()

	thinking, err := llm.MarshalThinking([]llm.ThinkingBlock{{
		Type:      "thinking",
		Thinking:  "The user probably wants dinner options.",
		Signature: "sig-abc123",
	}})
	if err != nil {
		t.Fatalf("MarshalThinking: %v", err)
	}
	history := []store.Message{{
		ID:       7,
		Role:     store.RoleAssistant,
		Parts:    mustParts(t, llm.TextPart{Text: "Try Cervejaria Ramiro."}),
		Thinking: thinking,
	}}

	msgs, err := c.Conversation(nil, history, []Turn{{Text: "thanks"}})
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if got := len(msgs[0].Thinking); got != 1 {
		t.Fatalf("len(Thinking) = %d, want 1", got)
	}
	if got, want := msgs[0].Thinking[0].Signature, "sig-abc123"; got != want {
		t.Errorf("Signature = %q, want %q", got, want)
	}
}

func TestConversation_ToolPartsSurviveRoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestComposer()

	history := []store.Message{
		{ID: 1, Role: store.RoleAssistant, Parts: mustParts(t,
			llm.TextPart{Text: "Let me check."},
			llm.ToolUsePart{ID: "toolu_01", Name: "web_search", Input: json.RawMessage(`{"query":"weather lisbon"}`)},
		)},
		{ID: 2, Role: store.RoleUser, Parts: mustParts(t,
			llm.ToolResultPart{ToolUseID: "toolu_01", Content: "22C, sunny"},
		)},
	}

	msgs, err := c.Conversation(nil, history, []Turn{{Text: "nice"}})
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	use, ok := msgs[0].Parts[1].(llm.ToolUsePart)
	if !ok || use.ID != "toolu_01" {
		t.Fatalf("tool_use part = %+v", msgs[0].Parts[1])
	}
	res, ok := msgs[1].Parts[0].(llm.ToolResultPart)
	if !ok || res.ToolUseID != use.ID {
		t.Errorf("tool_result pairing broken: %+v", msgs[1].Parts[0])
	}
	if res.IsError {
		t.Error("IsError = true, want false for successful result")
	}
}

func TestConversation_AttachmentsBecomeFileParts(t *testing.T) {
	t.Parallel()
	c := newTestComposer()

	turns := []Turn{{
		Text:  "what is in this photo?",
		Files: []llm.FilePart{{FileID: "file_abc", Kind: llm.FileKindImage}},
	}}
	msgs, err := c.Conversation(nil, nil, turns)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if got, want := len(msgs[0].Parts), 2; got != want {
		t.Fatalf("len(Parts) = %d, want %d", got, want)
	}
	fp, ok := msgs[0].Parts[1].(llm.FilePart)
	if !ok || fp.Kind != llm.FileKindImage {
		t.Errorf("file part = %+v", msgs[0].Parts[1])
	}
}

func TestConversation_EmptyIsAnError(t *testing.T) {
	t.Parallel()
	c := newTestComposer()
	if _, err := c.Conversation(nil, nil, nil); err == nil {
		t.Error("Conversation with no content must fail")
	}
}

func TestFilesContext_EmptyForNoFiles(t *testing.T) {
	t.Parallel()
	if got := FilesContext(nil); got != "" {
		t.Errorf("FilesContext(nil) = %q, want empty", got)
	}
	ctx := FilesContext([]store.UserFile{{ProviderFileID: "file_1", Kind: store.FileImage, MIME: "image/png", SizeBytes: 1024}})
	if !strings.Contains(ctx, "file_1") || !strings.Contains(ctx, "image/png") {
		t.Errorf("FilesContext = %q", ctx)
	}
}
