// Package anthropic provides an llm.Provider backed by the Anthropic Claude
// Messages API using the official SDK (github.com/anthropics/anthropic-sdk-go).
//
// It translates llm.Request values into anthropic.MessageNewParams — including
// multi-block system prompts with cache breakpoints, verbatim thinking-block
// re-emission, and provider file references — and adapts the SDK's SSE event
// stream into the typed llm.Event channel the orchestrator consumes.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/openquill/quill/pkg/provider/llm"
)

// filesBetaHeader enables the Files API for uploads and file references.
const filesBetaHeader = "files-api-2025-04-14"

// MessagesClient captures the subset of the SDK messages service used by the
// provider. It is satisfied by *sdk.MessageService so tests can substitute a
// recorded stream.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithMaxTokens sets the default completion cap used when a request does not
// specify MaxTokens. Defaults to 8192.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithBaseURL overrides the API endpoint, e.g. for a proxy.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// Provider implements llm.Provider on top of the Anthropic Messages API.
type Provider struct {
	client    sdk.Client
	msg       MessagesClient
	maxTokens int
	baseURL   string
}

var _ llm.Provider = (*Provider)(nil)

// New creates a Provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key must not be empty")
	}
	p := &Provider{maxTokens: 8192}
	for _, opt := range opts {
		opt(p)
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = sdk.NewClient(clientOpts...)
	p.msg = &p.client.Messages
	return p, nil
}

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	params, err := encodeRequest(req, p.maxTokens)
	if err != nil {
		return nil, err
	}
	stream := p.msg.NewStreaming(ctx, *params, option.WithHeaderAdd("anthropic-beta", filesBetaHeader))
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: start stream: %w", err)
	}

	events := make(chan llm.Event, 32)
	go pump(ctx, stream, events)
	return events, nil
}

// CountTokens estimates tokens as ceil(chars/4), the usual rough heuristic
// for English text on Claude models. Used only for cache-eligibility
// decisions, never billing.
func (p *Provider) CountTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// UploadFile uploads data to the provider's file store and returns the file
// identifier to reference in later conversations. Files are ephemeral on the
// provider side; callers track the expiry themselves.
func (p *Provider) UploadFile(ctx context.Context, filename, mime string, data []byte) (string, error) {
	f, err := p.client.Beta.Files.Upload(ctx, sdk.BetaFileUploadParams{
		File: sdk.File(bytes.NewReader(data), filename, mime),
	}, option.WithHeaderAdd("anthropic-beta", filesBetaHeader))
	if err != nil {
		return "", fmt.Errorf("anthropic: upload file %q: %w", filename, err)
	}
	return f.ID, nil
}

// pump drains the SDK stream into the typed event channel, closing it when
// the stream terminates or ctx is cancelled.
func pump(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], events chan<- llm.Event) {
	defer close(events)
	defer func() { _ = stream.Close() }()

	proc := newProcessor(func(ev llm.Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	})

	for stream.Next() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !proc.handle(stream.Current()) {
			return
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		select {
		case events <- llm.Event{Type: llm.EventError, Err: classify(err)}:
		case <-ctx.Done():
		}
		return
	}
	proc.finish()
}

// processor converts SDK stream events into llm.Events. It buffers per-index
// tool input fragments and thinking blocks so that the finalized forms are
// available on message_stop.
type processor struct {
	emit func(llm.Event) bool

	tools    map[int]*toolBuffer
	thinking map[int]*thinkingBuffer

	// done holds finalized thinking blocks in content order.
	done       []llm.ThinkingBlock
	stopReason llm.StopReason
	stopped    bool
}

type toolBuffer struct {
	id   string
	name string
	buf  bytes.Buffer
}

type thinkingBuffer struct {
	text      bytes.Buffer
	signature string
	redacted  string
}

func newProcessor(emit func(llm.Event) bool) *processor {
	return &processor{
		emit:     emit,
		tools:    make(map[int]*toolBuffer),
		thinking: make(map[int]*thinkingBuffer),
	}
}

func (p *processor) handle(event sdk.MessageStreamEventUnion) bool {
	// Compaction events are not part of the typed union yet; detect them by
	// the raw type tag and extract the summary text.
	if event.Type == "context_management" {
		if summary := extractCompactionSummary(event.RawJSON()); summary != "" {
			return p.emit(llm.Event{Type: llm.EventCompaction, Summary: summary})
		}
		return true
	}

	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		return true

	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch start := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			p.tools[idx] = &toolBuffer{id: start.ID, name: start.Name}
			return p.emit(llm.Event{Type: llm.EventToolUseStart, ToolID: start.ID, ToolName: start.Name})
		case sdk.ThinkingBlock:
			p.thinking[idx] = &thinkingBuffer{}
		case sdk.RedactedThinkingBlock:
			p.thinking[idx] = &thinkingBuffer{redacted: start.Data}
		}
		return true

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return true
			}
			return p.emit(llm.Event{Type: llm.EventTextDelta, Text: delta.Text})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return true
			}
			if tb := p.thinking[idx]; tb != nil {
				tb.text.WriteString(delta.Thinking)
			}
			return p.emit(llm.Event{Type: llm.EventThinkingDelta, Text: delta.Thinking})
		case sdk.SignatureDelta:
			if tb := p.thinking[idx]; tb != nil {
				tb.signature += delta.Signature
			}
			return true
		case sdk.InputJSONDelta:
			tb := p.tools[idx]
			if tb == nil || delta.PartialJSON == "" {
				return true
			}
			tb.buf.WriteString(delta.PartialJSON)
			return p.emit(llm.Event{
				Type:          llm.EventToolInputDelta,
				ToolID:        tb.id,
				InputFragment: delta.PartialJSON,
			})
		}
		return true

	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if tb := p.thinking[idx]; tb != nil {
			delete(p.thinking, idx)
			p.done = append(p.done, tb.block())
		}
		if tb := p.tools[idx]; tb != nil {
			delete(p.tools, idx)
			return p.emit(llm.Event{Type: llm.EventToolUseEnd, ToolID: tb.id, ToolName: tb.name})
		}
		return true

	case sdk.MessageDeltaEvent:
		p.stopReason = llm.StopReason(ev.Delta.StopReason)
		usage := llm.Usage{
			InputTokens:      int(ev.Usage.InputTokens),
			OutputTokens:     int(ev.Usage.OutputTokens),
			CacheReadTokens:  int(ev.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(ev.Usage.CacheCreationInputTokens),
		}
		return p.emit(llm.Event{Type: llm.EventUsage, Usage: &usage})

	case sdk.MessageStopEvent:
		p.stopped = true
		return p.emit(llm.Event{
			Type:       llm.EventMessageStop,
			StopReason: p.stopReason,
			Thinking:   p.done,
		})
	}
	return true
}

// finish emits a synthetic message_stop when the server closed the stream
// without one, so consumers always observe a terminal event.
func (p *processor) finish() {
	if !p.stopped {
		p.emit(llm.Event{Type: llm.EventMessageStop, StopReason: p.stopReason, Thinking: p.done})
	}
}

func (tb *thinkingBuffer) block() llm.ThinkingBlock {
	if tb.redacted != "" {
		return llm.ThinkingBlock{Type: "redacted_thinking", Data: tb.redacted}
	}
	return llm.ThinkingBlock{
		Type:      "thinking",
		Thinking:  tb.text.String(),
		Signature: tb.signature,
	}
}

// extractCompactionSummary pulls the summary text out of a raw
// context_management event payload.
func extractCompactionSummary(raw string) string {
	var payload struct {
		ContextManagement struct {
			AppliedEdits []struct {
				Type    string `json:"type"`
				Summary string `json:"summary"`
			} `json:"applied_edits"`
		} `json:"context_management"`
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return ""
	}
	if payload.Summary != "" {
		return payload.Summary
	}
	for _, edit := range payload.ContextManagement.AppliedEdits {
		if edit.Summary != "" {
			return edit.Summary
		}
	}
	return ""
}
