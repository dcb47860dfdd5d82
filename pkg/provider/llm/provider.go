// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote model API (e.g., Anthropic Claude) and exposes a
// uniform streaming interface for the orchestrator: one call to Stream yields
// a channel of typed events (thinking deltas, text deltas, tool-use blocks,
// usage, stop) that the orchestrator multiplexes into the user-visible display
// and the tool-use loop.
//
// Implementors must be safe for concurrent use. Channels returned by Stream
// must be closed by the implementation when the stream ends or when the
// supplied context is cancelled.
package llm

import "context"

// EventType discriminates the variants of a streamed Event.
type EventType string

const (
	// EventThinkingDelta carries an increment of extended-thinking text.
	EventThinkingDelta EventType = "thinking_delta"

	// EventTextDelta carries an increment of assistant text.
	EventTextDelta EventType = "text_delta"

	// EventToolUseStart announces a tool invocation; ToolID and ToolName
	// are set. Input JSON follows in EventToolInputDelta fragments.
	EventToolUseStart EventType = "tool_use_start"

	// EventToolInputDelta carries a fragment of the tool input JSON for
	// the tool identified by ToolID.
	EventToolInputDelta EventType = "tool_use_input_delta"

	// EventToolUseEnd closes the tool invocation identified by ToolID.
	EventToolUseEnd EventType = "tool_use_end"

	// EventCompaction carries a context-compaction summary produced by the
	// provider. Conversation builds after this point must skip all
	// pre-compaction messages.
	EventCompaction EventType = "compaction"

	// EventUsage carries cumulative token usage for the call.
	EventUsage EventType = "usage"

	// EventMessageStop terminates the stream; StopReason is set.
	EventMessageStop EventType = "message_stop"

	// EventError reports a mid-stream failure. It is the last event before
	// the channel closes.
	EventError EventType = "error"
)

// Event is a single typed item emitted by a streaming completion.
type Event struct {
	Type EventType

	// Text is the delta payload for thinking and text events.
	Text string

	// ToolID and ToolName identify the tool invocation for tool events.
	ToolID   string
	ToolName string

	// InputFragment is a partial-JSON fragment for tool input deltas.
	InputFragment string

	// Thinking holds the finalized thinking blocks, populated on the
	// message_stop event when extended thinking was active.
	Thinking []ThinkingBlock

	// Summary is the compaction summary text for compaction events.
	Summary string

	// Usage is set on usage events.
	Usage *Usage

	// StopReason is set on message_stop events.
	StopReason StopReason

	// Err is set on error events.
	Err error
}

// Provider is the abstraction over any streaming LLM backend.
//
// Implementations must propagate context cancellation promptly: when ctx is
// cancelled the event channel must close as quickly as possible.
type Provider interface {
	// Stream sends req to the model and returns a read-only channel of
	// events in stream order. The channel is closed after the terminal
	// event (message_stop or error) or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. The initial
	// error return is non-nil only for failures that prevent the stream
	// from starting (invalid credentials, malformed request).
	Stream(ctx context.Context, req Request) (<-chan Event, error)

	// CountTokens estimates how many tokens text would consume in the
	// model's context window. The result need not be exact but should not
	// undercount grossly; it is used for cache-eligibility decisions, not
	// billing.
	CountTokens(text string) int
}

// Completer is the narrow interface for one-shot utility completions
// (thread topic naming and similar small-model jobs) that do not need
// streaming, tools, or thinking.
type Completer interface {
	// Complete returns the full response text for the given system prompt
	// and user content.
	Complete(ctx context.Context, system, prompt string) (string, error)
}
