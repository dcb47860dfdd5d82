package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openquill/quill/internal/billing"
	"github.com/openquill/quill/internal/cache"
	"github.com/openquill/quill/internal/tools"
	"github.com/openquill/quill/pkg/provider/llm"
	"github.com/openquill/quill/pkg/provider/stt"
)

type transcribeInput struct {
	FileID   string `json:"file_id"`
	Language string `json:"language"`
}

// TranscribeFile builds the paid on-demand transcription tool. Voice notes
// are transcribed automatically during ingestion; this tool covers audio the
// user sent as a plain file, referenced by its platform file id while the
// bytes are still in the cache.
func TranscribeFile(provider stt.Provider, byteCache *cache.Cache, pricer *billing.Pricer) tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "transcribe_file",
			Description: "Transcribe an audio or video file the user recently sent, identified by its file id.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_id": map[string]any{
						"type":        "string",
						"description": "The platform file id of the attachment to transcribe.",
					},
					"language": map[string]any{
						"type":        "string",
						"description": "ISO 639-1 language hint, optional.",
					},
				},
				"required": []string{"file_id"},
			},
		},
		Paid:                true,
		FileIDParam:         "file_id",
		AllowedMIMEPrefixes: []string{"audio/", "video/"},
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			var in transcribeInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			if in.FileID == "" {
				return nil, fmt.Errorf("file_id is required")
			}

			data, err := byteCache.GetFileBytes(ctx, in.FileID)
			if err != nil {
				return nil, fmt.Errorf("fetch file: %w", err)
			}
			if data == nil {
				return nil, fmt.Errorf("file %q is no longer available; ask the user to resend it", in.FileID)
			}

			out, err := provider.Transcribe(ctx, stt.Request{
				Filename: in.FileID,
				Data:     data,
				Language: in.Language,
			})
			if err != nil {
				return nil, fmt.Errorf("transcription failed: %w", err)
			}
			return &tools.Result{
				Content: out.Text,
				Cost:    pricer.TranscriptionCost(time.Duration(out.DurationSeconds * float64(time.Second))),
			}, nil
		},
	}
}
