// Package anyllm provides an llm.Completer backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// It covers the small utility jobs of the pipeline — thread topic naming and
// similar one-shot completions — where a cheap side model is preferable to the
// main conversational provider.
//
// Usage:
//
//	c, err := anyllm.New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-..."))
//	title, err := c.Complete(ctx, systemPrompt, firstMessage)
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/openquill/quill/pkg/provider/llm"
)

// Completer implements llm.Completer by wrapping github.com/mozilla-ai/any-llm-go.
type Completer struct {
	backend   anyllmlib.Provider
	model     string
	maxTokens int
}

var _ llm.Completer = (*Completer)(nil)

// Option is a functional option for configuring a Completer.
type Option func(*Completer)

// WithMaxTokens caps the completion length. Defaults to 256, which is plenty
// for titles and short labels.
func WithMaxTokens(n int) Option {
	return func(c *Completer) { c.maxTokens = n }
}

// New creates a Completer backed by the given provider name.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// model is the specific model to use (e.g., "gpt-4o-mini", "claude-3-5-haiku-latest").
//
// backendOpts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the backend falls
// back to the relevant environment variable (e.g., OPENAI_API_KEY).
func New(providerName, model string, backendOpts []anyllmlib.Option, opts ...Option) (*Completer, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, backendOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	c := &Completer{backend: backend, model: model, maxTokens: 256}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete implements llm.Completer.
func (c *Completer) Complete(ctx context.Context, system, prompt string) (string, error) {
	var messages []anyllmlib.Message
	if system != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: system,
		})
	}
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: prompt,
	})

	params := anyllmlib.CompletionParams{
		Model:    c.model,
		Messages: messages,
	}
	if c.maxTokens > 0 {
		mt := c.maxTokens
		params.MaxTokens = &mt
	}

	resp, err := c.backend.Completion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("anyllm: empty choices in response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.ContentString()), nil
}

// createBackend creates the underlying any-llm-go provider for the given provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}
}
