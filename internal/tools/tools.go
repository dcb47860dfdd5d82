// Package tools holds the static tool registry and the dispatcher the
// streaming orchestrator calls into.
//
// Each registered tool carries its provider-visible definition, an optional
// in-process executor, its cost class (paid tools are withheld from users
// with a blocked balance), and delivery hints for file-bearing outputs.
// External MCP servers contribute tools through [ConnectServers]; their
// entries look exactly like built-ins to the dispatcher.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openquill/quill/pkg/provider/llm"
)

// DeliveryHint controls when a tool's file outputs reach the user relative
// to the assistant text.
type DeliveryHint string

const (
	// DeliverAtEnd sends files after the final assistant message. Default.
	DeliverAtEnd DeliveryHint = "at_end"

	// DeliverBeforeResponse commits the current display, sends the files,
	// and lets the assistant continue in fresh messages below them.
	DeliverBeforeResponse DeliveryHint = "before_response"

	// DeliverInline sends files as soon as the producing call returns,
	// without splitting the display.
	DeliverInline DeliveryHint = "inline"
)

// File is one bytes-bearing tool output destined for the user.
type File struct {
	Filename string
	MIME     string
	Data     []byte
}

// Result is a successful tool execution.
type Result struct {
	// Content is the text handed back to the model as the tool_result.
	Content string

	// Files are delivered to the user according to the tool's hint.
	Files []File

	// Cost is the actual charge for this call. Zero for free tools.
	Cost decimal.Decimal
}

// Executor runs one tool call. A returned error becomes an error-flagged
// tool_result; it never aborts the generation.
type Executor func(ctx context.Context, input json.RawMessage) (*Result, error)

// CostEstimator predicts a call's cost from its input before execution.
// Estimates feed analytics only; the dispatcher never gates on them.
type CostEstimator func(input json.RawMessage) decimal.Decimal

// Tool is one registry entry.
type Tool struct {
	Definition llm.ToolDefinition

	// Execute runs the call. Nil marks a provider-managed (server-side)
	// tool: the model handles it without a round-trip through us.
	Execute Executor

	// Paid tools are refused while the user's balance is blocked.
	Paid bool

	// EstimateCost is optional pre-call cost analytics.
	EstimateCost CostEstimator

	// Delivery controls file output placement. Empty means DeliverAtEnd.
	Delivery DeliveryHint

	// Commutative marks the tool safe to run in parallel with siblings of
	// the same assistant turn. Default false: sequential execution.
	Commutative bool

	// AllowedMIMEPrefixes restricts which uploaded files the tool accepts
	// when it consumes a file reference.
	AllowedMIMEPrefixes []string

	// FileIDParam names the input property carrying a file reference, if
	// the tool consumes one.
	FileIDParam string
}

// Registry is the tool table. Safe for concurrent use; registration after
// startup is only done by MCP server (re)connects.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool. The definition name is the key.
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("tools: register: empty tool name")
	}
	if t.Delivery == "" {
		t.Delivery = DeliverAtEnd
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition.Name] = t
	return nil
}

// Unregister removes a tool by name. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every tool definition in stable name order. The full
// set is always offered to the model; the balance gate applies at dispatch,
// so a blocked user still sees a coherent tool list and gets an explicit
// refusal instead of silent absence.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Outcome is what one dispatch produced, error path included.
type Outcome struct {
	// Content is the tool_result payload. On the error path it carries the
	// error string.
	Content string

	// IsError is true exactly when an error string is non-empty.
	IsError bool

	// Files, Cost: see [Result]. Empty on the error path.
	Files []File
	Cost  decimal.Decimal

	// Delivery is the producing tool's hint, defaulted for unknown tools.
	Delivery DeliveryHint

	// Duration is the wall-clock execution time.
	Duration time.Duration
}
