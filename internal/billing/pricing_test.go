package billing_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openquill/quill/internal/billing"
	"github.com/openquill/quill/internal/config"
	"github.com/openquill/quill/pkg/provider/llm"
)

func newTestPricer(t *testing.T) *billing.Pricer {
	t.Helper()
	p, err := billing.New(config.BillingConfig{
		BalanceBlockThreshold:  "0",
		ImageStandardPrice:     "0.134",
		ImageHDPrice:           "0.240",
		TranscriptionPerMinute: "0.006",
		WebSearchPrice:         "0.01",
		CodeExecPerHour:        "0.18",
	}, []config.ModelConfig{{
		ID:              "claude-sonnet-4-5",
		InputPrice:      "3.00",
		OutputPrice:     "15.00",
		CacheReadPrice:  "0.30",
		CacheWritePrice: "3.75",
	}})
	if err != nil {
		t.Fatalf("billing.New: %v", err)
	}
	return p
}

func TestTokenCost(t *testing.T) {
	t.Parallel()
	p := newTestPricer(t)

	got := p.TokenCost("claude-sonnet-4-5", llm.Usage{
		InputTokens:      1_000_000,
		OutputTokens:     100_000,
		CacheReadTokens:  2_000_000,
		CacheWriteTokens: 0,
	})
	// 3.00 + 1.50 + 0.60
	want := decimal.RequireFromString("5.10")
	if !got.Equal(want) {
		t.Errorf("TokenCost = %s, want %s", got, want)
	}
}

func TestTokenCost_UnknownModelIsFree(t *testing.T) {
	t.Parallel()
	p := newTestPricer(t)
	if got := p.TokenCost("nope", llm.Usage{InputTokens: 1000}); !got.IsZero() {
		t.Errorf("TokenCost(unknown) = %s, want 0", got)
	}
}

func TestTranscriptionCost_ProRata(t *testing.T) {
	t.Parallel()
	p := newTestPricer(t)

	got := p.TranscriptionCost(90 * time.Second)
	want := decimal.RequireFromString("0.009")
	if !got.Equal(want) {
		t.Errorf("TranscriptionCost(90s) = %s, want %s", got, want)
	}
	if !p.TranscriptionCost(0).IsZero() {
		t.Error("TranscriptionCost(0) must be zero")
	}
}

func TestCodeExecCost_PerSecond(t *testing.T) {
	t.Parallel()
	p := newTestPricer(t)

	got := p.CodeExecCost(30 * time.Second)
	// 0.18/h → 0.00005/s → 0.0015 for 30s
	want := decimal.RequireFromString("0.0015")
	if !got.Equal(want) {
		t.Errorf("CodeExecCost(30s) = %s, want %s", got, want)
	}
}

func TestImageCost(t *testing.T) {
	t.Parallel()
	p := newTestPricer(t)
	if got, want := p.ImageCost(false), decimal.RequireFromString("0.134"); !got.Equal(want) {
		t.Errorf("ImageCost(standard) = %s, want %s", got, want)
	}
	if got, want := p.ImageCost(true), decimal.RequireFromString("0.240"); !got.Equal(want) {
		t.Errorf("ImageCost(hd) = %s, want %s", got, want)
	}
}

func TestBlocked(t *testing.T) {
	t.Parallel()
	p := newTestPricer(t)

	cases := []struct {
		balance string
		want    bool
	}{
		{"1.00", false},
		{"0", false},
		{"-0.01", true},
	}
	for _, tc := range cases {
		got := p.Blocked(decimal.RequireFromString(tc.balance))
		if got != tc.want {
			t.Errorf("Blocked(%s) = %v, want %v", tc.balance, got, tc.want)
		}
	}
}

func TestNew_BadPrice(t *testing.T) {
	t.Parallel()
	_, err := billing.New(config.BillingConfig{WebSearchPrice: "cheap"}, nil)
	if err == nil {
		t.Fatal("expected error for unparsable price, got nil")
	}
}
