package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openquill/quill/internal/billing"
	"github.com/openquill/quill/internal/cache"
	"github.com/openquill/quill/internal/tools"
	"github.com/openquill/quill/pkg/provider/llm"
)

type codeExecInput struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// sandboxResponse is the execution service's reply. Produced files come back
// inline base64; we park them in the exec-file cache and hand the model
// temp ids it can pass to deliver_file.
type sandboxResponse struct {
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	ExitCode        int     `json:"exit_code"`
	DurationSeconds float64 `json:"duration_seconds"`
	Files           []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		MIME string `json:"mime"`
		Data []byte `json:"data"`
	} `json:"files"`
}

// ExecuteCode builds the paid sandboxed code execution tool. Container time
// is billed pro rata per second.
func ExecuteCode(endpoint string, execCache *cache.Cache, pricer *billing.Pricer) tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "execute_code",
			Description: "Run code in a sandboxed container. Returns stdout/stderr and ids of any files the code wrote; pass those ids to deliver_file to send them to the user.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"language": map[string]any{
						"type":        "string",
						"description": "Language to run, e.g. \"python\" or \"bash\".",
					},
					"code": map[string]any{
						"type":        "string",
						"description": "The program source.",
					},
				},
				"required": []string{"language", "code"},
			},
		},
		Paid: true,
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			var in codeExecInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			if in.Code == "" {
				return nil, fmt.Errorf("code is required")
			}

			payload, err := json.Marshal(map[string]string{
				"language": in.Language,
				"code":     in.Code,
			})
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
				return nil, fmt.Errorf("sandbox request failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return nil, fmt.Errorf("sandbox returned %s: %s", resp.Status, bytes.TrimSpace(body))
			}

			var sr sandboxResponse
			if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
				return nil, fmt.Errorf("decode sandbox response: %w", err)
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "exit code: %d\n", sr.ExitCode)
			if sr.Stdout != "" {
				fmt.Fprintf(&sb, "stdout:\n%s\n", sr.Stdout)
			}
			if sr.Stderr != "" {
				fmt.Fprintf(&sb, "stderr:\n%s\n", sr.Stderr)
			}
			for _, f := range sr.Files {
				if err := execCache.PutExecFile(ctx, f.ID, f.Data); err != nil {
					fmt.Fprintf(&sb, "file %s (%s) could not be stored: %v\n", f.Name, f.ID, err)
					continue
				}
				fmt.Fprintf(&sb, "file written: id=%s name=%s mime=%s size=%d\n", f.ID, f.Name, f.MIME, len(f.Data))
			}

			return &tools.Result{
				Content: strings.TrimSpace(sb.String()),
				Cost:    pricer.CodeExecCost(time.Duration(sr.DurationSeconds * float64(time.Second))),
			}, nil
		},
	}
}

type deliverFileInput struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	MIME     string `json:"mime"`
}

// DeliverFile builds the free delivery tool for files produced by
// execute_code. Each file can be delivered once; the cache consumes it.
func DeliverFile(execCache *cache.Cache) tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "deliver_file",
			Description: "Send a file produced by execute_code to the user. file_id must be an id reported by a previous execute_code call.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_id": map[string]any{
						"type":        "string",
						"description": "The file id from execute_code output.",
					},
					"filename": map[string]any{
						"type":        "string",
						"description": "Filename shown to the user.",
					},
					"mime": map[string]any{
						"type":        "string",
						"description": "MIME type of the file.",
					},
				},
				"required": []string{"file_id", "filename"},
			},
		},
		Delivery:    tools.DeliverInline,
		FileIDParam: "file_id",
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			var in deliverFileInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			if in.FileID == "" || in.Filename == "" {
				return nil, fmt.Errorf("file_id and filename are required")
			}

			data, err := execCache.TakeExecFile(ctx, in.FileID)
			if err != nil {
				return nil, fmt.Errorf("fetch file: %w", err)
			}
			if data == nil {
				return nil, fmt.Errorf("file %q is gone: expired or already delivered", in.FileID)
			}
			mime := in.MIME
			if mime == "" {
				mime = "application/octet-stream"
			}
			return &tools.Result{
				Content: fmt.Sprintf("File %s sent to the user.", in.Filename),
				Files: []tools.File{{
					Filename: in.Filename,
					MIME:     mime,
					Data:     data,
				}},
			}, nil
		},
	}
}
