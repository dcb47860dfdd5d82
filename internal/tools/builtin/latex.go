package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/openquill/quill/internal/tools"
	"github.com/openquill/quill/pkg/provider/llm"
)

type latexInput struct {
	Source string `json:"source"`
}

// RenderLatex builds the free LaTeX rendering tool. The rendering service
// takes a LaTeX fragment and returns a PNG; the image goes out inline so
// formulas appear where the conversation references them.
func RenderLatex(endpoint string) tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "render_latex",
			Description: "Render a LaTeX fragment (formula or short document) to an image and send it to the user.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source": map[string]any{
						"type":        "string",
						"description": "The LaTeX source to render.",
					},
				},
				"required": []string{"source"},
			},
		},
		Delivery: tools.DeliverInline,
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			var in latexInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			if in.Source == "" {
				return nil, fmt.Errorf("source is required")
			}

			payload, err := json.Marshal(map[string]string{"source": in.Source})
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := webClient.Do(req)
			if err != nil {
				return nil, fmt.Errorf("latex render failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return nil, fmt.Errorf("latex render returned %s: %s", resp.Status, bytes.TrimSpace(body))
			}

			png, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("read rendered image: %w", err)
			}
			return &tools.Result{
				Content: "Rendered and sent to the user.",
				Files: []tools.File{{
					Filename: "formula.png",
					MIME:     "image/png",
					Data:     png,
				}},
			}, nil
		},
	}
}
