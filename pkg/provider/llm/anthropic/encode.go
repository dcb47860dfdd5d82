package anthropic

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/openquill/quill/pkg/provider/llm"
)

// encodeRequest translates an llm.Request into SDK message params.
func encodeRequest(req llm.Request, defaultMaxTokens int) (*sdk.MessageNewParams, error) {
	if req.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(req.System) > 0 {
		params.System = encodeSystem(req.System)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if req.ThinkingBudget > 0 {
		if req.ThinkingBudget < 1024 {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be >= 1024", req.ThinkingBudget)
		}
		if req.ThinkingBudget >= maxTokens {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", req.ThinkingBudget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}
	return &params, nil
}

// encodeSystem maps the ordered system blocks, attaching an ephemeral cache
// breakpoint to blocks marked cacheable. Order is preserved: the provider's
// prompt cache is prefix-keyed.
func encodeSystem(blocks []llm.SystemBlock) []sdk.TextBlockParam {
	out := make([]sdk.TextBlockParam, 0, len(blocks))
	for _, b := range blocks {
		if b.Text == "" {
			continue
		}
		tb := sdk.TextBlockParam{Text: b.Text}
		if b.Cache {
			tb.CacheControl = sdk.CacheControlEphemeralParam{Type: "ephemeral"}
		}
		out = append(out, tb)
	}
	return out
}

func encodeMessages(msgs []llm.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for i, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts)+len(m.Thinking))

		// Thinking blocks re-emit verbatim before any other content;
		// dropping or reordering them invalidates their signatures.
		for _, tb := range m.Thinking {
			switch tb.Type {
			case "redacted_thinking":
				blocks = append(blocks, sdk.NewRedactedThinkingBlock(tb.Data))
			default:
				blocks = append(blocks, sdk.NewThinkingBlock(tb.Signature, tb.Thinking))
			}
		}

		for _, part := range m.Parts {
			switch v := part.(type) {
			case llm.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case llm.FilePart:
				if v.FileID == "" {
					return nil, fmt.Errorf("anthropic: message %d references an empty file id", i)
				}
				switch v.Kind {
				case llm.FileKindImage:
					blocks = append(blocks, sdk.NewImageBlock(sdk.FileImageSourceParam{FileID: v.FileID}))
				default:
					blocks = append(blocks, sdk.NewDocumentBlock(sdk.FileDocumentSourceParam{FileID: v.FileID}))
				}
			case llm.ToolUsePart:
				if v.ID == "" || v.Name == "" {
					return nil, fmt.Errorf("anthropic: message %d has a tool_use part missing id or name", i)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, v.Name))
			case llm.ToolResultPart:
				if v.ToolUseID == "" {
					return nil, fmt.Errorf("anthropic: message %d has a tool_result part missing tool_use_id", i)
				}
				blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, v.Content, v.IsError))
			default:
				return nil, fmt.Errorf("anthropic: message %d has unsupported part type %T", i, part)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case llm.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case llm.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one non-empty message is required")
	}
	return out, nil
}

func encodeTools(defs []llm.ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

// classify maps SDK errors to the llm sentinel errors so callers can decide
// whether to retry without depending on the SDK.
func classify(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 429:
			wrapped := fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
			if secs := retryAfterSeconds(apierr.Response.Header.Get("retry-after")); secs > 0 {
				return &llm.RetryAfterError{Err: wrapped, Seconds: secs}
			}
			return wrapped
		case 500, 502, 503, 529:
			return fmt.Errorf("%w: %w", llm.ErrOverloaded, err)
		case 400:
			msg := strings.ToLower(apierr.Error())
			if strings.Contains(msg, "context") && strings.Contains(msg, "token") {
				return fmt.Errorf("%w: %w", llm.ErrContextWindowExceeded, err)
			}
		}
	}
	return err
}

func retryAfterSeconds(header string) int {
	if header == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
