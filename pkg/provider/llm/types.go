package llm

import "encoding/json"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopToolUse         StopReason = "tool_use"
	StopSequence        StopReason = "stop_sequence"
	StopContextExceeded StopReason = "model_context_window_exceeded"
	StopRefusal         StopReason = "refusal"
)

// Usage holds token accounting information returned by the LLM backend.
// All counts are in the model's native token unit.
type Usage struct {
	// InputTokens is the number of tokens consumed by the conversation and
	// system blocks, excluding cache hits.
	InputTokens int

	// OutputTokens is the number of tokens generated in the response,
	// including thinking tokens.
	OutputTokens int

	// CacheReadTokens counts prompt tokens served from the provider's
	// prompt cache at the reduced cache-read rate.
	CacheReadTokens int

	// CacheWriteTokens counts prompt tokens written to the provider's
	// prompt cache at the cache-write rate.
	CacheWriteTokens int

	// ThinkingTokens is the portion of OutputTokens spent on extended
	// thinking. Zero when thinking was not enabled.
	ThinkingTokens int
}

// ThinkingBlock is an opaque extended-thinking block returned by the
// provider. Blocks carry a cryptographic signature and must be re-emitted
// verbatim (signature included) when the assistant message that produced
// them re-enters a conversation; altering them breaks thinking continuity.
type ThinkingBlock struct {
	// Type is "thinking" or "redacted_thinking".
	Type string `json:"type"`

	// Thinking is the visible reasoning text. Empty for redacted blocks.
	Thinking string `json:"thinking,omitempty"`

	// Signature is the provider's integrity signature over the block.
	Signature string `json:"signature,omitempty"`

	// Data is the opaque ciphertext of a redacted block.
	Data string `json:"data,omitempty"`
}

// SystemBlock is one segment of the multi-block system prompt. Blocks are
// order-significant: the provider's prompt cache is keyed on the block
// prefix, so cacheable blocks must precede volatile ones.
type SystemBlock struct {
	// Text is the block content.
	Text string

	// Cache marks the block as a cache breakpoint for the provider.
	Cache bool
}

// FileKind classifies a provider file reference for encoding purposes.
type FileKind string

const (
	FileKindImage    FileKind = "image"
	FileKindDocument FileKind = "document"
)

// Part is one typed content part of a conversation message. Exactly one of
// the concrete types below is used per part.
type Part interface{ isPart() }

// TextPart is plain text content.
type TextPart struct {
	Text string
}

// FilePart references a file previously uploaded to the provider's file
// store. Kind selects the content-block encoding (image vs. document).
type FilePart struct {
	FileID string
	Kind   FileKind
}

// ToolUsePart is a tool invocation emitted by the assistant on a previous
// turn. It must be replayed so that the paired ToolResultPart stays valid.
type ToolUsePart struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultPart answers exactly one ToolUsePart with the same ToolUseID.
// IsError must be false when the error string was empty.
type ToolResultPart struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (TextPart) isPart()       {}
func (FilePart) isPart()       {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// Message is one conversation entry sent to the provider.
type Message struct {
	Role Role

	// Thinking holds the assistant's serialized thinking blocks from the
	// turn that produced this message. They are encoded before Parts.
	Thinking []ThinkingBlock

	Parts []Part
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	// Name is the provider-visible tool name ([a-zA-Z0-9_-]{1,64}).
	Name string

	// Description tells the model when and how to use the tool.
	Description string

	// InputSchema is the JSON-Schema object describing the tool input.
	InputSchema map[string]any
}

// Request carries everything the model needs to produce one response.
type Request struct {
	// Model is the provider model identifier.
	Model string

	// System is the ordered multi-block system prompt.
	System []SystemBlock

	// Messages is the conversation in chronological order. Must be
	// non-empty and end with a user turn or tool results.
	Messages []Message

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int

	// ThinkingBudget enables extended thinking with the given token
	// budget when positive.
	ThinkingBudget int
}
