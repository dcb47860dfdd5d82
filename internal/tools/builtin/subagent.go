package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/openquill/quill/internal/billing"
	"github.com/openquill/quill/internal/tools"
	"github.com/openquill/quill/pkg/provider/llm"
)

// subagentSystem frames the nested model call. The subagent gets no tools
// and no conversation history: just the problem statement.
const subagentSystem = `You are a careful reasoning assistant. Think through the
problem step by step, challenge your own intermediate conclusions, and finish
with a concise final answer under a "Conclusion:" heading.`

type subagentInput struct {
	Problem string `json:"problem"`
}

// DeepReasoning builds the paid extended-thinking subagent: a nested,
// tool-less model call with a large thinking budget, used when the main
// conversation needs an answer thought through off to the side. Billed at
// the model's token rates like any other call.
func DeepReasoning(provider llm.Provider, model string, thinkingBudget, maxTokens int, pricer *billing.Pricer) tools.Tool {
	if thinkingBudget < 1024 {
		thinkingBudget = 8192
	}
	if maxTokens <= thinkingBudget {
		maxTokens = thinkingBudget + 4096
	}
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "deep_reasoning",
			Description: "Delegate a hard sub-problem to a reasoning subagent with a large thinking budget. Use for math, logic, or multi-step analysis; state the problem completely and self-contained.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"problem": map[string]any{
						"type":        "string",
						"description": "The complete, self-contained problem statement.",
					},
				},
				"required": []string{"problem"},
			},
		},
		Paid: true,
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			var in subagentInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			if in.Problem == "" {
				return nil, fmt.Errorf("problem is required")
			}

			events, err := provider.Stream(ctx, llm.Request{
				Model:          model,
				System:         []llm.SystemBlock{{Text: subagentSystem}},
				Messages:       []llm.Message{{Role: llm.RoleUser, Parts: []llm.Part{llm.TextPart{Text: in.Problem}}}},
				MaxTokens:      maxTokens,
				ThinkingBudget: thinkingBudget,
			})
			if err != nil {
				return nil, fmt.Errorf("subagent stream: %w", err)
			}

			var (
				text  strings.Builder
				usage llm.Usage
			)
			for ev := range events {
				switch ev.Type {
				case llm.EventTextDelta:
					text.WriteString(ev.Text)
				case llm.EventUsage:
					if ev.Usage != nil {
						usage = *ev.Usage
					}
				case llm.EventError:
					return nil, fmt.Errorf("subagent: %w", ev.Err)
				}
			}

			answer := strings.TrimSpace(text.String())
			if answer == "" {
				return nil, fmt.Errorf("subagent produced no answer")
			}
			cost := decimal.Zero
			if pricer != nil {
				cost = pricer.TokenCost(model, usage)
			}
			return &tools.Result{Content: answer, Cost: cost}, nil
		},
	}
}
