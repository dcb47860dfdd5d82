package llm

import (
	"encoding/json"
	"fmt"
)

// wirePart is the persisted JSON shape of a [Part]. The type tag selects the
// concrete variant; unused fields stay empty and are omitted.
type wirePart struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// file
	FileID string   `json:"file_id,omitempty"`
	Kind   FileKind `json:"kind,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// MarshalParts serializes parts for persistence. The encoding round-trips
// through [UnmarshalParts] so stored conversations can be replayed to the
// provider without loss.
func MarshalParts(parts []Part) (json.RawMessage, error) {
	wire := make([]wirePart, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case TextPart:
			wire = append(wire, wirePart{Type: "text", Text: v.Text})
		case FilePart:
			wire = append(wire, wirePart{Type: "file", FileID: v.FileID, Kind: v.Kind})
		case ToolUsePart:
			wire = append(wire, wirePart{Type: "tool_use", ID: v.ID, Name: v.Name, Input: v.Input})
		case ToolResultPart:
			wire = append(wire, wirePart{Type: "tool_result", ToolUseID: v.ToolUseID, Content: v.Content, IsError: v.IsError})
		default:
			return nil, fmt.Errorf("marshal parts: unknown part type %T", p)
		}
	}
	return json.Marshal(wire)
}

// UnmarshalParts decodes a persisted part list. A nil or empty document
// yields a nil slice.
func UnmarshalParts(data json.RawMessage) ([]Part, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var wire []wirePart
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("unmarshal parts: %w", err)
	}
	parts := make([]Part, 0, len(wire))
	for _, w := range wire {
		switch w.Type {
		case "text":
			parts = append(parts, TextPart{Text: w.Text})
		case "file":
			parts = append(parts, FilePart{FileID: w.FileID, Kind: w.Kind})
		case "tool_use":
			parts = append(parts, ToolUsePart{ID: w.ID, Name: w.Name, Input: w.Input})
		case "tool_result":
			parts = append(parts, ToolResultPart{ToolUseID: w.ToolUseID, Content: w.Content, IsError: w.IsError})
		default:
			return nil, fmt.Errorf("unmarshal parts: unknown part type %q", w.Type)
		}
	}
	return parts, nil
}

// MarshalThinking serializes thinking blocks for persistence. Returns nil
// for an empty list so the column stays NULL.
func MarshalThinking(blocks []ThinkingBlock) (json.RawMessage, error) {
	if len(blocks) == 0 {
		return nil, nil
	}
	return json.Marshal(blocks)
}

// UnmarshalThinking decodes persisted thinking blocks. Signatures survive
// untouched; the blocks are ready to re-emit verbatim.
func UnmarshalThinking(data json.RawMessage) ([]ThinkingBlock, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var blocks []ThinkingBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("unmarshal thinking: %w", err)
	}
	return blocks, nil
}
