package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/openquill/quill/internal/observe"
)

// insufficientBalance is the synthesized error for paid tools on a blocked
// balance. The model sees it as a regular tool failure and can explain the
// situation to the user.
const insufficientBalance = "insufficient_balance"

// MIMEResolver looks up the MIME type of a user file referenced in a tool
// input. ok is false when the file is unknown; the type check is then skipped
// and the executor reports its own failure.
type MIMEResolver func(ctx context.Context, fileID string) (mime string, ok bool)

// Dispatcher executes tool calls against the registry. It never returns a Go
// error for tool-level failures: unknown names, invalid input, paid-tool
// refusals, and executor errors all come back as error-flagged outcomes so
// the model can recover on the next iteration.
type Dispatcher struct {
	registry *Registry
	mimeOf   MIMEResolver
	metrics  *observe.Metrics
	logger   *slog.Logger
}

// Registry returns the dispatcher's underlying registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// NewDispatcher creates a Dispatcher over the given registry.
func NewDispatcher(registry *Registry, metrics *observe.Metrics, logger *slog.Logger) *Dispatcher {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, metrics: metrics, logger: logger}
}

// UseMIMEResolver installs the lookup enforcing AllowedMIMEPrefixes on
// file-consuming tools. Without one the prefix check is skipped.
func (d *Dispatcher) UseMIMEResolver(fn MIMEResolver) { d.mimeOf = fn }

// Execute runs one tool call. blocked gates paid tools: when true, a paid
// tool is refused without touching its executor or any external API.
func (d *Dispatcher) Execute(ctx context.Context, name string, input json.RawMessage, blocked bool) Outcome {
	tool, ok := d.registry.Get(name)
	if !ok {
		d.metrics.RecordToolCall(ctx, name, "unknown")
		return errorOutcome(DeliverAtEnd, fmt.Sprintf("unknown tool %q", name))
	}
	if tool.Execute == nil {
		// Provider-managed tools should never reach the dispatcher.
		d.metrics.RecordToolCall(ctx, name, "unknown")
		return errorOutcome(tool.Delivery, fmt.Sprintf("tool %q is handled by the provider", name))
	}
	if len(input) > 0 && !json.Valid(input) {
		d.metrics.RecordToolCall(ctx, name, "invalid_input")
		return errorOutcome(tool.Delivery, fmt.Sprintf("invalid JSON input for tool %q", name))
	}
	if tool.Paid && blocked {
		d.metrics.RecordToolCall(ctx, name, "blocked")
		d.logger.Info("paid tool refused", "tool", name)
		return errorOutcome(tool.Delivery, insufficientBalance)
	}
	if msg := d.checkFileMIME(ctx, tool, input); msg != "" {
		d.metrics.RecordToolCall(ctx, name, "invalid_input")
		return errorOutcome(tool.Delivery, msg)
	}

	if tool.EstimateCost != nil {
		if est := tool.EstimateCost(input); est.IsPositive() {
			d.logger.Debug("tool cost estimate", "tool", name, "usd", est)
		}
	}

	start := time.Now()
	result, err := tool.Execute(ctx, input)
	elapsed := time.Since(start)

	d.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(observe.Attr("tool", name)))

	if err != nil {
		d.metrics.RecordToolCall(ctx, name, "error")
		d.logger.Warn("tool execution failed", "tool", name, "duration", elapsed, "error", err)
		out := errorOutcome(tool.Delivery, err.Error())
		out.Duration = elapsed
		return out
	}

	d.metrics.RecordToolCall(ctx, name, "ok")
	return Outcome{
		Content:  result.Content,
		Files:    result.Files,
		Cost:     result.Cost,
		Delivery: tool.Delivery,
		Duration: elapsed,
	}
}

// checkFileMIME validates the file referenced by a file-consuming tool call
// against the tool's AllowedMIMEPrefixes, before the executor spends money on
// it. Returns the rejection text, or empty when the call passes or the check
// does not apply.
func (d *Dispatcher) checkFileMIME(ctx context.Context, tool Tool, input json.RawMessage) string {
	if tool.FileIDParam == "" || len(tool.AllowedMIMEPrefixes) == 0 || d.mimeOf == nil {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	fileID, _ := fields[tool.FileIDParam].(string)
	if fileID == "" {
		return ""
	}
	mime, ok := d.mimeOf(ctx, fileID)
	if !ok {
		return ""
	}
	for _, prefix := range tool.AllowedMIMEPrefixes {
		if strings.HasPrefix(mime, prefix) {
			return ""
		}
	}
	return fmt.Sprintf("file %s has type %s, which tool %q does not accept", fileID, mime, tool.Definition.Name)
}

// errorOutcome builds the error path. IsError tracks the error string being
// non-empty; an executor returning (result, nil) is a success even when the
// content looks alarming.
func errorOutcome(hint DeliveryHint, msg string) Outcome {
	if msg == "" {
		msg = "tool failed without detail"
	}
	return Outcome{Content: msg, IsError: true, Delivery: hint}
}
