// Package prompt builds provider requests from persisted conversation state.
//
// The composer assembles the ordered multi-block system prompt and the
// conversation array for one generation: the thread's compaction summary (if
// any), the persisted history after the compaction boundary, and the new
// batch's user turns. Stored assistant messages carry their thinking blocks
// and tool parts in the persisted wire shape, so rebuilding the conversation
// is pure decoding.
package prompt

import (
	"fmt"
	"strings"

	"github.com/openquill/quill/internal/store"
	"github.com/openquill/quill/pkg/provider/llm"
)

// defaultCacheMinTokens is the provider's minimum cacheable block size.
// Blocks below this are sent plain; marking them cacheable wastes a cache
// breakpoint.
const defaultCacheMinTokens = 1024

// TokenCounter estimates token counts for cache-eligibility decisions.
// Satisfied by [llm.Provider].
type TokenCounter interface {
	CountTokens(text string) int
}

// Turn is one new user message from the current batch, after ingestion:
// transcripts substituted, attachments resolved to provider file references.
type Turn struct {
	Text  string
	Files []llm.FilePart
}

// Config configures a [Composer].
type Config struct {
	// System is the global system prompt, always the first block and always
	// marked cacheable.
	System string

	// CacheMinTokens is the minimum estimated size for a persona block to be
	// marked cacheable. Defaults to 1024 if zero.
	CacheMinTokens int
}

// Composer builds [llm.Request] system blocks and conversations.
type Composer struct {
	system         string
	cacheMinTokens int
	counter        TokenCounter
}

// New creates a Composer. counter decides persona cache eligibility and must
// not be nil.
func New(cfg Config, counter TokenCounter) *Composer {
	min := cfg.CacheMinTokens
	if min <= 0 {
		min = defaultCacheMinTokens
	}
	return &Composer{
		system:         cfg.System,
		cacheMinTokens: min,
		counter:        counter,
	}
}

// System assembles the ordered system blocks. Ordering is fixed: the prompt
// cache is keyed on the block prefix, so cacheable blocks come first and the
// per-request files context always goes last, uncached.
//
//   - global system text, cacheable
//   - user persona, cacheable only when it meets the provider's minimum
//   - files context, never cacheable
func (c *Composer) System(persona, filesContext string) []llm.SystemBlock {
	blocks := []llm.SystemBlock{{Text: c.system, Cache: true}}

	if persona = strings.TrimSpace(persona); persona != "" {
		blocks = append(blocks, llm.SystemBlock{
			Text:  persona,
			Cache: c.counter.CountTokens(persona) >= c.cacheMinTokens,
		})
	}
	if filesContext = strings.TrimSpace(filesContext); filesContext != "" {
		blocks = append(blocks, llm.SystemBlock{Text: filesContext})
	}
	return blocks
}

// Conversation rebuilds the provider conversation for one generation.
//
// history must already respect the thread's compaction boundary (the store
// query takes the boundary ID); when the thread carries a compaction summary
// it is injected as the opening user turn so the model sees the compressed
// past before the surviving messages. Assistant thinking blocks are re-emitted
// verbatim, signatures included.
func (c *Composer) Conversation(thread *store.Thread, history []store.Message, turns []Turn) ([]llm.Message, error) {
	msgs := make([]llm.Message, 0, len(history)+len(turns)+1)

	if thread != nil && thread.Summary != "" {
		msgs = append(msgs, llm.Message{
			Role:  llm.RoleUser,
			Parts: []llm.Part{llm.TextPart{Text: "[Previous conversation summary]: " + thread.Summary}},
		})
	}

	for _, m := range history {
		decoded, err := decodeMessage(m)
		if err != nil {
			return nil, err
		}
		if len(decoded.Parts) == 0 && len(decoded.Thinking) == 0 {
			continue
		}
		msgs = append(msgs, decoded)
	}

	for _, t := range turns {
		msg := llm.Message{Role: llm.RoleUser}
		if t.Text != "" {
			msg.Parts = append(msg.Parts, llm.TextPart{Text: t.Text})
		}
		for _, f := range t.Files {
			msg.Parts = append(msg.Parts, f)
		}
		if len(msg.Parts) == 0 {
			continue
		}
		msgs = append(msgs, msg)
	}

	if len(msgs) == 0 {
		return nil, fmt.Errorf("compose conversation: no content")
	}
	return msgs, nil
}

func decodeMessage(m store.Message) (llm.Message, error) {
	parts, err := llm.UnmarshalParts(m.Parts)
	if err != nil {
		return llm.Message{}, fmt.Errorf("message %d: %w", m.ID, err)
	}
	thinking, err := llm.UnmarshalThinking(m.Thinking)
	if err != nil {
		return llm.Message{}, fmt.Errorf("message %d: %w", m.ID, err)
	}
	return llm.Message{
		Role:     llm.Role(m.Role),
		Thinking: thinking,
		Parts:    parts,
	}, nil
}
