package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openquill/quill/internal/billing"
	"github.com/openquill/quill/internal/tools"
	"github.com/openquill/quill/pkg/provider/llm"
)

// webClient is shared by the web tools. Tool calls already run under the
// generation's context; the client timeout is a backstop.
var webClient = &http.Client{Timeout: 60 * time.Second}

type webSearchInput struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

// WebSearch builds the paid web search tool against a JSON search API.
func WebSearch(endpoint, apiKey string, pricer *billing.Pricer) tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "web_search",
			Description: "Search the web. Returns titles, URLs and snippets for the top results.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query.",
					},
					"count": map[string]any{
						"type":        "integer",
						"description": "Number of results, 1-10. Defaults to 5.",
					},
				},
				"required": []string{"query"},
			},
		},
		Paid: true,
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			var in webSearchInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			if in.Query == "" {
				return nil, fmt.Errorf("query is required")
			}
			if in.Count < 1 || in.Count > 10 {
				in.Count = 5
			}

			u := fmt.Sprintf("%s?q=%s&count=%d", endpoint, url.QueryEscape(in.Query), in.Count)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return nil, err
			}
			if apiKey != "" {
				req.Header.Set("Authorization", "Bearer "+apiKey)
			}
			resp, err := webClient.Do(req)
			if err != nil {
				return nil, fmt.Errorf("search request failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("search API returned %s", resp.Status)
			}

			var sr searchResponse
			if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
				return nil, fmt.Errorf("decode search response: %w", err)
			}
			if len(sr.Results) == 0 {
				return &tools.Result{Content: "No results found.", Cost: pricer.WebSearchCost()}, nil
			}

			var sb strings.Builder
			for i, r := range sr.Results {
				fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
			}
			return &tools.Result{
				Content: strings.TrimSpace(sb.String()),
				Cost:    pricer.WebSearchCost(),
			}, nil
		},
	}
}

type webFetchInput struct {
	URL string `json:"url"`
}

// WebFetch builds the free page-fetch tool. Bodies are capped at maxBytes
// and binary content is refused.
func WebFetch(maxBytes int64) tools.Tool {
	return tools.Tool{
		Definition: llm.ToolDefinition{
			Name:        "web_fetch",
			Description: "Fetch the contents of a web page or text resource by URL.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Absolute http(s) URL to fetch.",
					},
				},
				"required": []string{"url"},
			},
		},
		Execute: func(ctx context.Context, input json.RawMessage) (*tools.Result, error) {
			var in webFetchInput
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("invalid input: %w", err)
			}
			parsed, err := url.Parse(in.URL)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				return nil, fmt.Errorf("url must be absolute http or https")
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
			if err != nil {
				return nil, err
			}
			resp, err := webClient.Do(req)
			if err != nil {
				return nil, fmt.Errorf("fetch failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("fetch returned %s", resp.Status)
			}
			ct := resp.Header.Get("Content-Type")
			if ct != "" && !textualContentType(ct) {
				return nil, fmt.Errorf("unsupported content type %q", ct)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
			if err != nil {
				return nil, fmt.Errorf("read body: %w", err)
			}
			truncated := false
			if int64(len(body)) > maxBytes {
				body = body[:maxBytes]
				truncated = true
			}
			content := string(body)
			if truncated {
				content += "\n\n[content truncated]"
			}
			return &tools.Result{Content: content}, nil
		},
	}
}

func textualContentType(ct string) bool {
	ct = strings.ToLower(ct)
	switch {
	case strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "json"),
		strings.Contains(ct, "xml"),
		strings.Contains(ct, "javascript"),
		strings.Contains(ct, "x-www-form-urlencoded"):
		return true
	}
	return false
}
