// Package billing converts resource usage into USD charges and decides when
// paid capabilities are withheld.
//
// All arithmetic uses shopspring decimals; float64 never touches a price.
// Actual balance mutation lives in the store's ledger — this package only
// computes amounts.
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openquill/quill/internal/config"
	"github.com/openquill/quill/pkg/provider/llm"
)

// million divides per-Mtok rates down to per-token.
var million = decimal.NewFromInt(1_000_000)

// ModelRates holds a model's token prices in USD per million tokens.
type ModelRates struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	CacheRead  decimal.Decimal
	CacheWrite decimal.Decimal
}

// Pricer computes charges from the configured price sheet.
type Pricer struct {
	models map[string]ModelRates

	imageStandard          decimal.Decimal
	imageHD                decimal.Decimal
	transcriptionPerMinute decimal.Decimal
	webSearch              decimal.Decimal
	codeExecPerHour        decimal.Decimal

	blockThreshold decimal.Decimal
}

// New builds a Pricer from the validated configuration. Empty price strings
// mean zero (the capability is free or disabled).
func New(cfg config.BillingConfig, models []config.ModelConfig) (*Pricer, error) {
	p := &Pricer{models: make(map[string]ModelRates, len(models))}

	var err error
	parse := func(field, s string) decimal.Decimal {
		if err != nil || s == "" {
			return decimal.Zero
		}
		var d decimal.Decimal
		if d, err = decimal.NewFromString(s); err != nil {
			err = fmt.Errorf("billing: parse %s %q: %w", field, s, err)
		}
		return d
	}

	p.imageStandard = parse("image_standard_price", cfg.ImageStandardPrice)
	p.imageHD = parse("image_hd_price", cfg.ImageHDPrice)
	p.transcriptionPerMinute = parse("transcription_per_minute", cfg.TranscriptionPerMinute)
	p.webSearch = parse("web_search_price", cfg.WebSearchPrice)
	p.codeExecPerHour = parse("code_exec_per_hour", cfg.CodeExecPerHour)
	p.blockThreshold = parse("balance_block_threshold", cfg.BalanceBlockThreshold)

	for _, m := range models {
		p.models[m.ID] = ModelRates{
			Input:      parse(m.ID+".input_price", m.InputPrice),
			Output:     parse(m.ID+".output_price", m.OutputPrice),
			CacheRead:  parse(m.ID+".cache_read_price", m.CacheReadPrice),
			CacheWrite: parse(m.ID+".cache_write_price", m.CacheWritePrice),
		}
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// TokenCost prices the usage of one model call. Unknown models cost zero;
// the caller is expected to have validated the model against configuration.
//
// Usage reported up to an interruption is charged the same way — the user
// pays pro rata for tokens actually generated, never for tokens that a
// completed call would have produced.
func (p *Pricer) TokenCost(model string, u llm.Usage) decimal.Decimal {
	rates, ok := p.models[model]
	if !ok {
		return decimal.Zero
	}
	cost := decimal.Zero
	cost = cost.Add(rates.Input.Mul(decimal.NewFromInt(int64(u.InputTokens))).Div(million))
	cost = cost.Add(rates.Output.Mul(decimal.NewFromInt(int64(u.OutputTokens))).Div(million))
	cost = cost.Add(rates.CacheRead.Mul(decimal.NewFromInt(int64(u.CacheReadTokens))).Div(million))
	cost = cost.Add(rates.CacheWrite.Mul(decimal.NewFromInt(int64(u.CacheWriteTokens))).Div(million))
	return cost
}

// ImageCost prices one generated image. hd selects the higher-quality tier.
func (p *Pricer) ImageCost(hd bool) decimal.Decimal {
	if hd {
		return p.imageHD
	}
	return p.imageStandard
}

// TranscriptionCost prices transcribed audio by duration, pro rata per
// second.
func (p *Pricer) TranscriptionCost(d time.Duration) decimal.Decimal {
	if d <= 0 {
		return decimal.Zero
	}
	seconds := decimal.NewFromFloat(d.Seconds())
	return p.transcriptionPerMinute.Mul(seconds).Div(decimal.NewFromInt(60))
}

// WebSearchCost prices one web search call.
func (p *Pricer) WebSearchCost() decimal.Decimal { return p.webSearch }

// CodeExecCost prices container time, pro rata per second.
func (p *Pricer) CodeExecCost(d time.Duration) decimal.Decimal {
	if d <= 0 {
		return decimal.Zero
	}
	seconds := decimal.NewFromFloat(d.Seconds())
	return p.codeExecPerHour.Mul(seconds).Div(decimal.NewFromInt(3600))
}

// Blocked reports whether paid capabilities are withheld at the given
// balance. With the default threshold of 0 a user is blocked once their
// balance has gone negative. The gate applies before a generation starts; a
// generation already in flight is never stopped by this check.
func (p *Pricer) Blocked(balance decimal.Decimal) bool {
	return balance.LessThan(p.blockThreshold)
}
