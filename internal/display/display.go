// Package display maintains the incremental user-visible message for one
// generation: an ordered sequence of typed blocks fed by stream deltas,
// throttled edits against the platform, and length-aware splitting.
package display

import "strings"

// BlockKind discriminates visible output block types.
type BlockKind int

const (
	// KindThinking is extended-thinking commentary, folded into an
	// expandable region in the rendered message.
	KindThinking BlockKind = iota

	// KindText is regular assistant prose.
	KindText
)

// Block is one typed chunk of visible output.
type Block struct {
	Kind BlockKind
	Text string
}

// Display is the ordered block sequence for one response. Block order never
// changes once appended; consecutive same-kind appends merge into the last
// block. Not safe for concurrent use — one orchestrator invocation owns it.
type Display struct {
	blocks []Block
}

// Append adds text of the given kind, merging with the last block when the
// kinds match.
func (d *Display) Append(kind BlockKind, text string) {
	if text == "" {
		return
	}
	if n := len(d.blocks); n > 0 && d.blocks[n-1].Kind == kind {
		d.blocks[n-1].Text += text
		return
	}
	d.blocks = append(d.blocks, Block{Kind: kind, Text: text})
}

// Clear resets the display for a new iteration or after a mid-stream file
// delivery.
func (d *Display) Clear() {
	d.blocks = d.blocks[:0]
}

// HasTextContent reports whether any non-whitespace prose has accumulated.
// Thinking alone does not count.
func (d *Display) HasTextContent() bool {
	for _, b := range d.blocks {
		if b.Kind == KindText && strings.TrimSpace(b.Text) != "" {
			return true
		}
	}
	return false
}

// HasContent reports whether anything at all has accumulated.
func (d *Display) HasContent() bool { return len(d.blocks) > 0 }

// FinalText returns the prose content only — what is persisted as the
// assistant turn. Thinking blocks are excluded.
func (d *Display) FinalText() string {
	var sb strings.Builder
	for _, b := range d.blocks {
		if b.Kind != KindText {
			continue
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// Blocks returns a copy of the current block sequence.
func (d *Display) Blocks() []Block {
	out := make([]Block, len(d.blocks))
	copy(out, d.blocks)
	return out
}

// Restore replaces the block sequence with a copy of blocks, as previously
// returned by [Display.Blocks].
func (d *Display) Restore(blocks []Block) {
	d.blocks = append(d.blocks[:0], blocks...)
}
