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

type fileQueryInput struct {
	FileID   string `json:"file_id"`
	Question string `json:"question"`
}

// AnalyzeImage builds the paid image-analysis tool: a nested model call over
// an uploaded image, billed by the nested call's token usage.
func AnalyzeImage(provider llm.Provider, model string, maxTokens int, pricer *billing.Pricer) tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "analyze_image",
			Description: "Answer a question about an image the user uploaded, identified by its file id from the uploaded-files list.",
			InputSchema: fileQuerySchema("The file id of the uploaded image."),
		},
		Paid:                true,
		FileIDParam:         "file_id",
		AllowedMIMEPrefixes: []string{"image/"},
		Execute: fileQueryExecutor(provider, model, maxTokens, pricer, llm.FileKindImage,
			"Answer the question about the attached image precisely. If no question is given, describe the image."),
	}
}

// AnalyzePDF builds the paid PDF-analysis tool, the document counterpart of
// [AnalyzeImage].
func AnalyzePDF(provider llm.Provider, model string, maxTokens int, pricer *billing.Pricer) tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "analyze_pdf",
			Description: "Answer a question about a PDF the user uploaded, identified by its file id from the uploaded-files list.",
			InputSchema: fileQuerySchema("The file id of the uploaded PDF."),
		},
		Paid:                true,
		FileIDParam:         "file_id",
		AllowedMIMEPrefixes: []string{"application/pdf"},
		Execute: fileQueryExecutor(provider, model, maxTokens, pricer, llm.FileKindDocument,
			"Answer the question about the attached document precisely. If no question is given, summarize the document."),
	}
}

// PreviewFile builds the paid preview tool for non-text uploads: a short
// orientation pass over a document before deciding what to do with it.
func PreviewFile(provider llm.Provider, model string, maxTokens int, pricer *billing.Pricer) tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "preview_file",
			Description: "Produce a short preview of an uploaded PDF: what it is, how it is structured, and anything notable. Cheaper than a full analysis.",
			InputSchema: fileQuerySchema("The file id of the uploaded file to preview."),
		},
		Paid:                true,
		FileIDParam:         "file_id",
		AllowedMIMEPrefixes: []string{"application/pdf"},
		Execute: fileQueryExecutor(provider, model, maxTokens, pricer, llm.FileKindDocument,
			"Give a concise preview of the attached file in a few sentences: what it is, how it is structured, and anything notable."),
	}
}

func fileQuerySchema(fileDesc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_id": map[string]any{
				"type":        "string",
				"description": fileDesc,
			},
			"question": map[string]any{
				"type":        "string",
				"description": "What to find out about the file. Optional.",
			},
		},
		"required": []string{"file_id"},
	}
}

// fileQueryExecutor runs a nested, tool-less model call over one uploaded
// file, in the same shape as the deep_reasoning subagent.
func fileQueryExecutor(provider llm.Provider, model string, maxTokens int, pricer *billing.Pricer, kind llm.FileKind, system string) tools.Executor {
	return func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
		var in fileQueryInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("invalid input: %w", err)
		}
		if in.FileID == "" {
			return nil, fmt.Errorf("file_id is required")
		}
		question := strings.TrimSpace(in.Question)
		if question == "" {
			question = "Describe this file's contents."
		}

		events, err := provider.Stream(ctx, llm.Request{
			Model:  model,
			System: []llm.SystemBlock{{Text: system}},
			Messages: []llm.Message{{Role: llm.RoleUser, Parts: []llm.Part{
				llm.TextPart{Text: question},
				llm.FilePart{FileID: in.FileID, Kind: kind},
			}}},
			MaxTokens: maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("file analysis stream: %w", err)
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
				return nil, fmt.Errorf("file analysis: %w", ev.Err)
			}
		}

		answer := strings.TrimSpace(text.String())
		if answer == "" {
			return nil, fmt.Errorf("analysis produced no answer")
		}
		cost := decimal.Zero
		if pricer != nil {
			cost = pricer.TokenCost(model, usage)
		}
		return &tools.Result{Content: answer, Cost: cost}, nil
	}
}
