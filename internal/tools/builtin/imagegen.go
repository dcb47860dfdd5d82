// Package builtin provides the in-process tool executors: image generation,
// web search and fetch, LaTeX rendering, sandboxed code execution, file
// transcription and delivery, and the self-critique subagent.
//
// Each constructor returns a [tools.Tool] ready for registration; the caller
// decides which to register based on configured endpoints.
package builtin

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/shopspring/decimal"

	"github.com/openquill/quill/internal/billing"
	"github.com/openquill/quill/internal/tools"
	"github.com/openquill/quill/pkg/provider/llm"
)

type imageGenInput struct {
	Prompt string `json:"prompt"`
	HD     bool   `json:"hd"`
}

// ImageGen builds the paid image generation tool over the OpenAI image API.
// The image is delivered before the assistant's text so the model can
// describe what it just produced.
func ImageGen(client *oai.Client, model string, pricer *billing.Pricer) tools.Tool {
	if model == "" {
		model = string(oai.ImageModelDallE3)
	}
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "generate_image",
			Description: "Generate an image from a text prompt. Use hd=true only when the user explicitly asks for high quality.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{
						"type":        "string",
						"description": "Detailed description of the image to generate.",
					},
					"hd": map[string]any{
						"type":        "boolean",
						"description": "Render in HD quality at a higher price.",
					},
				},
				"required": []string{"prompt"},
			},
		},
		Paid:     true,
		Delivery: tools.DeliverBeforeResponse,
		EstimateCost: func(input json.RawMessage) decimal.Decimal {
			var in imageGenInput
			_ = json.Unmarshal(input, &in)
			return pricer.ImageCost(in.HD)
		},
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			var in imageGenInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			if in.Prompt == "" {
				return nil, fmt.Errorf("prompt is required")
			}

			quality := oai.ImageGenerateParamsQualityStandard
			if in.HD {
				quality = oai.ImageGenerateParamsQualityHD
			}
			resp, err := client.Images.Generate(ctx, oai.ImageGenerateParams{
				Prompt:         in.Prompt,
				Model:          oai.ImageModel(model),
				Quality:        quality,
				Size:           oai.ImageGenerateParamsSize1024x1024,
				ResponseFormat: oai.ImageGenerateParamsResponseFormatB64JSON,
				N:              oai.Int(1),
			})
			if err != nil {
				return nil, fmt.Errorf("image generation failed: %w", err)
			}
			if len(resp.Data) == 0 {
				return nil, fmt.Errorf("image generation returned no data")
			}
			data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
			if err != nil {
				return nil, fmt.Errorf("decode generated image: %w", err)
			}

			return &tools.Result{
				Content: "Image generated and sent to the user.",
				Files: []tools.File{{
					Filename: "generated.png",
					MIME:     "image/png",
					Data:     data,
				}},
				Cost: pricer.ImageCost(in.HD),
			}, nil
		},
	}
}
