package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to reject unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"utility":  {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":      {"whisper", "openai"},
	"imagegen": {"openai"},
}

// Load reads the YAML configuration file at path, expands ${VAR} environment
// references, and returns a validated [Config].
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		// Unknown references stay literal so validation can point at them.
		return "${" + key + "}"
	})
	cfg, err := LoadFromReader(bytes.NewReader([]byte(expanded)))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Defaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}

	if cfg.Providers.Anthropic.APIKey == "" {
		errs = append(errs, errors.New("providers.anthropic.api_key is required"))
	}
	errs = appendProviderNameError(errs, "utility", cfg.Providers.Utility.Name)
	errs = appendProviderNameError(errs, "stt", cfg.Providers.STT.Name)
	errs = appendProviderNameError(errs, "imagegen", cfg.Providers.ImageGen.Name)
	if cfg.Providers.STT.Name == "whisper" && cfg.Providers.STT.BaseURL == "" {
		errs = append(errs, errors.New("providers.stt.base_url is required for the whisper backend"))
	}

	// Models
	if len(cfg.Models) == 0 {
		errs = append(errs, errors.New("at least one model must be configured"))
	}
	idsSeen := make(map[string]int, len(cfg.Models))
	defaults := 0
	for i, m := range cfg.Models {
		prefix := fmt.Sprintf("models[%d]", i)
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[m.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of models[%d]", prefix, m.ID, prev))
			}
			idsSeen[m.ID] = i
		}
		errs = appendPriceError(errs, prefix+".input_price", m.InputPrice)
		errs = appendPriceError(errs, prefix+".output_price", m.OutputPrice)
		errs = appendPriceError(errs, prefix+".cache_read_price", m.CacheReadPrice)
		errs = appendPriceError(errs, prefix+".cache_write_price", m.CacheWritePrice)
		if m.ThinkingBudget != 0 {
			if m.ThinkingBudget < 1024 {
				errs = append(errs, fmt.Errorf("%s.thinking_budget %d must be >= 1024", prefix, m.ThinkingBudget))
			}
			if m.ThinkingBudget >= m.MaxTokens {
				errs = append(errs, fmt.Errorf("%s.thinking_budget %d must be less than max_tokens %d", prefix, m.ThinkingBudget, m.MaxTokens))
			}
		}
		if m.Default {
			defaults++
		}
	}
	if defaults > 1 {
		errs = append(errs, fmt.Errorf("%d models are marked default; at most one may be", defaults))
	}

	// Pipeline ranges
	if cfg.Pipeline.EditMinChars < 80 || cfg.Pipeline.EditMinChars > 200 {
		errs = append(errs, fmt.Errorf("pipeline.edit_min_chars %d is out of range [80, 200]", cfg.Pipeline.EditMinChars))
	}
	if cfg.Pipeline.MaxToolIterations < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_tool_iterations %d must be at least 1", cfg.Pipeline.MaxToolIterations))
	}
	if cfg.Pipeline.TextBatchWindow < 0 {
		errs = append(errs, fmt.Errorf("pipeline.text_batch_window %s must not be negative", cfg.Pipeline.TextBatchWindow))
	}

	// Billing
	errs = appendPriceError(errs, "billing.balance_block_threshold", cfg.Billing.BalanceBlockThreshold)
	errs = appendPriceError(errs, "billing.image_standard_price", cfg.Billing.ImageStandardPrice)
	errs = appendPriceError(errs, "billing.image_hd_price", cfg.Billing.ImageHDPrice)
	errs = appendPriceError(errs, "billing.transcription_per_minute", cfg.Billing.TranscriptionPerMinute)
	errs = appendPriceError(errs, "billing.web_search_price", cfg.Billing.WebSearchPrice)
	errs = appendPriceError(errs, "billing.code_exec_per_hour", cfg.Billing.CodeExecPerHour)

	if cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required"))
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// appendProviderNameError appends an error when name is non-empty and not in
// the [ValidProviderNames] list for the given kind.
func appendProviderNameError(errs []error, kind, name string) []error {
	if name == "" {
		return errs
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return errs
	}
	return append(errs, fmt.Errorf("providers.%s.name %q is unknown; valid values: %v", kind, name, known))
}

// appendPriceError appends an error when s is non-empty and not a valid
// non-negative decimal.
func appendPriceError(errs []error, field, s string) []error {
	if s == "" {
		return errs
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return append(errs, fmt.Errorf("%s %q is not a valid decimal", field, s))
	}
	if d.IsNegative() && field != "billing.balance_block_threshold" {
		return append(errs, fmt.Errorf("%s %q must not be negative", field, s))
	}
	return errs
}
