package builtin

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/openquill/quill/internal/billing"
	"github.com/openquill/quill/internal/config"
	"github.com/openquill/quill/pkg/provider/llm"
	"github.com/openquill/quill/pkg/provider/llm/mock"
)

func analyzePricer(t *testing.T) *billing.Pricer {
	t.Helper()
	p, err := billing.New(config.BillingConfig{}, []config.ModelConfig{
		{ID: "claude-test", InputPrice: "3", OutputPrice: "15"},
	})
	if err != nil {
		t.Fatalf("billing.New: %v", err)
	}
	return p
}

func TestAnalyzeImage_NestedCallBilledByUsage(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Event{{
		{Type: llm.EventTextDelta, Text: "A tabby cat on a windowsill."},
		{Type: llm.EventUsage, Usage: &llm.Usage{InputTokens: 900, OutputTokens: 40}},
		{Type: llm.EventMessageStop, StopReason: llm.StopEndTurn},
	}}}

	tool := AnalyzeImage(p, "claude-test", 1024, analyzePricer(t))
	res, err := tool.Execute(context.Background(),
		json.RawMessage(`{"file_id":"file_abc","question":"What animal is this?"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Content, "tabby cat") {
		t.Errorf("Content = %q", res.Content)
	}
	if !res.Cost.IsPositive() {
		t.Errorf("Cost = %s, want positive token cost", res.Cost)
	}

	// The nested request must carry the question and the image block.
	req := p.Calls()[0].Req
	parts := req.Messages[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %+v, want text + file", parts)
	}
	if tp, ok := parts[0].(llm.TextPart); !ok || tp.Text != "What animal is this?" {
		t.Errorf("parts[0] = %+v, want the question", parts[0])
	}
	fp, ok := parts[1].(llm.FilePart)
	if !ok || fp.FileID != "file_abc" || fp.Kind != llm.FileKindImage {
		t.Errorf("parts[1] = %+v, want image file block", parts[1])
	}
}

func TestAnalyzePDF_SendsDocumentBlock(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Event{{
		{Type: llm.EventTextDelta, Text: "An invoice for March."},
		{Type: llm.EventMessageStop, StopReason: llm.StopEndTurn},
	}}}

	tool := AnalyzePDF(p, "claude-test", 1024, analyzePricer(t))
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"file_id":"file_doc"}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	parts := p.Calls()[0].Req.Messages[0].Parts
	fp, ok := parts[len(parts)-1].(llm.FilePart)
	if !ok || fp.Kind != llm.FileKindDocument {
		t.Errorf("file part = %+v, want document block", parts[len(parts)-1])
	}
}

func TestAnalyzeImage_MissingFileIDRejected(t *testing.T) {
	t.Parallel()
	tool := AnalyzeImage(&mock.Provider{}, "claude-test", 1024, nil)
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"question":"?"}`)); err == nil {
		t.Error("missing file_id must fail")
	}
}

func TestPreviewFile_EmptyAnswerIsError(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Event{{
		{Type: llm.EventMessageStop, StopReason: llm.StopEndTurn},
	}}}

	tool := PreviewFile(p, "claude-test", 1024, nil)
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"file_id":"file_doc"}`)); err == nil {
		t.Error("empty nested answer must fail")
	}
}
