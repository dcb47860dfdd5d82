// Package app assembles the bot process: configuration into providers,
// providers into the pipeline, and the telegram adapter into the per-thread
// batcher. It owns lifecycle — construction, Run, graceful shutdown — and
// implements the platform event surface.
package app

import (
	"context"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/openquill/quill/internal/billing"
	"github.com/openquill/quill/internal/cache"
	"github.com/openquill/quill/internal/config"
	"github.com/openquill/quill/internal/ingest"
	"github.com/openquill/quill/internal/observe"
	"github.com/openquill/quill/internal/prompt"
	"github.com/openquill/quill/internal/resilience"
	"github.com/openquill/quill/internal/store"
	"github.com/openquill/quill/internal/stream"
	"github.com/openquill/quill/internal/telegram"
	"github.com/openquill/quill/internal/thread"
	"github.com/openquill/quill/internal/tools"
	"github.com/openquill/quill/internal/tools/builtin"
	"github.com/openquill/quill/pkg/provider/llm"
	"github.com/openquill/quill/pkg/provider/llm/anthropic"
	"github.com/openquill/quill/pkg/provider/llm/anyllm"
	"github.com/openquill/quill/pkg/provider/stt"
	sttopenai "github.com/openquill/quill/pkg/provider/stt/openai"
	"github.com/openquill/quill/pkg/provider/stt/whisper"
)

// App is the assembled bot.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observe.Metrics

	store *store.Store
	cache *cache.Cache

	bot      *telegram.Bot
	provider *anthropic.Provider
	namer    llm.Completer

	pricer     *billing.Pricer
	composer   *prompt.Composer
	ingestor   *ingest.Ingestor
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	mcp        *tools.MCPHost
	orch       *stream.Orchestrator
	tracker    *thread.Tracker
	threads    *thread.Registry
	router     *telegram.Router
}

// New wires the application from cfg. Failures to reach PostgreSQL, Redis
// (when configured), or a configured MCP server fail startup — a bot silently
// missing its backends is worse than a crash loop.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, metrics: observe.DefaultMetrics()}

	var err error
	if a.store, err = store.New(ctx, cfg.Storage.PostgresDSN); err != nil {
		return nil, err
	}

	if cfg.Storage.RedisAddr != "" {
		a.cache, err = cache.New(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB, cache.Config{
			FileBytesMaxSize: cfg.Pipeline.FileBytesMaxSize,
			FileBytesTTL:     cfg.Pipeline.FileBytesTTL,
			ExecFileMaxSize:  cfg.Pipeline.ExecFileMaxSize,
			ExecFileTTL:      cfg.Pipeline.ExecFileTTL,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	if a.pricer, err = billing.New(cfg.Billing, cfg.Models); err != nil {
		a.Close()
		return nil, err
	}

	var anthOpts []anthropic.Option
	if cfg.Providers.Anthropic.BaseURL != "" {
		anthOpts = append(anthOpts, anthropic.WithBaseURL(cfg.Providers.Anthropic.BaseURL))
	}
	if a.provider, err = anthropic.New(cfg.Providers.Anthropic.APIKey, anthOpts...); err != nil {
		a.Close()
		return nil, err
	}

	a.namer = buildNamer(cfg.Providers.Utility, logger)
	sttProvider, err := buildSTT(cfg.Providers.STT)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.composer = prompt.New(prompt.Config{System: cfg.Prompt.System}, a.provider)
	a.registry = tools.NewRegistry()
	a.dispatcher = tools.NewDispatcher(a.registry, a.metrics, logger)
	a.dispatcher.UseMIMEResolver(a.resolveFileMIME)
	if err := a.registerTools(sttProvider); err != nil {
		a.Close()
		return nil, err
	}

	a.mcp = tools.NewMCPHost(a.registry, logger)
	if err := a.mcp.ConnectServers(ctx, cfg.MCP); err != nil {
		a.Close()
		return nil, err
	}

	a.orch = stream.New(a.provider, a.dispatcher, cfg.Pipeline.MaxToolIterations,
		resilience.RetryConfig{Logger: logger}, a.metrics, logger)
	a.tracker = thread.NewTracker()

	if a.bot, err = telegram.New(cfg.Telegram.Token, a, logger); err != nil {
		a.Close()
		return nil, err
	}
	a.ingestor = ingest.New(a.bot, a.provider, sttProvider, a.cache, a.store.Files(), logger)
	a.threads = thread.NewRegistry(cfg.Pipeline.TextBatchWindow, a.tracker, a.runBatch, logger)
	a.router = a.buildRouter()

	logger.Info("application wired",
		"models", len(cfg.Models),
		"tools", a.registry.Len(),
		"redis", cfg.Storage.RedisAddr != "",
		"stt", cfg.Providers.STT.Name,
	)
	return a, nil
}

// Run starts long polling and blocks until ctx ends.
func (a *App) Run(ctx context.Context) error {
	a.bot.Run(ctx)
	return ctx.Err()
}

// Close stops the batcher, cancels in-flight generations, and releases every
// backend connection. Safe on a partially constructed App.
func (a *App) Close() {
	if a.threads != nil {
		a.threads.Close()
	}
	if a.mcp != nil {
		if err := a.mcp.Close(); err != nil {
			a.logger.Warn("mcp close failed", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("cache close failed", "error", err)
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

// registerTools wires the built-in tool executors whose backends are
// configured. The full definition set is always offered to the model; the
// paid gate lives in the dispatcher.
func (a *App) registerTools(sttProvider stt.Provider) error {
	var list []tools.Tool

	if e := a.cfg.Providers.ImageGen; e.APIKey != "" {
		clientOpts := []option.RequestOption{option.WithAPIKey(e.APIKey)}
		if e.BaseURL != "" {
			clientOpts = append(clientOpts, option.WithBaseURL(e.BaseURL))
		}
		client := oai.NewClient(clientOpts...)
		list = append(list, builtin.ImageGen(&client, e.Model, a.pricer))
	}
	if u := a.cfg.Tools.SearchURL; u != "" {
		list = append(list, builtin.WebSearch(u, a.cfg.Tools.SearchAPIKey, a.pricer))
	}
	list = append(list, builtin.WebFetch(a.cfg.Tools.WebFetchMaxBytes))
	if u := a.cfg.Tools.LatexURL; u != "" {
		list = append(list, builtin.RenderLatex(u))
	}
	if u := a.cfg.Tools.SandboxURL; u != "" {
		list = append(list, builtin.ExecuteCode(u, a.cache, a.pricer))
		list = append(list, builtin.DeliverFile(a.cache))
	}
	if sttProvider != nil {
		list = append(list, builtin.TranscribeFile(sttProvider, a.cache, a.pricer))
	}
	if m := a.cfg.DefaultModel(); m != nil {
		list = append(list,
			builtin.AnalyzeImage(a.provider, m.ID, m.MaxTokens, a.pricer),
			builtin.AnalyzePDF(a.provider, m.ID, m.MaxTokens, a.pricer),
			builtin.PreviewFile(a.provider, m.ID, m.MaxTokens, a.pricer),
			builtin.DeepReasoning(a.provider, m.ID, m.ThinkingBudget, m.MaxTokens, a.pricer),
		)
	}

	for _, t := range list {
		if err := a.registry.Register(t); err != nil {
			return fmt.Errorf("app: register tool: %w", err)
		}
	}
	return nil
}

// resolveFileMIME looks up a tool-referenced file by whichever id the tool
// carries: the platform file id (byte-cache tools like transcribe_file) or
// the provider file id (file-analysis tools).
func (a *App) resolveFileMIME(ctx context.Context, fileID string) (string, bool) {
	if f, err := a.store.Files().ByPlatformFileID(ctx, fileID); err == nil {
		return f.MIME, true
	}
	if f, err := a.store.Files().ByProviderFileID(ctx, fileID); err == nil {
		return f.MIME, true
	}
	return "", false
}

// buildNamer creates the small-model completer for topic naming. A
// misconfigured utility provider disables naming instead of failing startup.
func buildNamer(entry config.ProviderEntry, logger *slog.Logger) llm.Completer {
	if entry.Name == "" {
		return nil
	}
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	c, err := anyllm.New(entry.Name, entry.Model, opts)
	if err != nil {
		logger.Warn("utility provider unavailable, topic naming disabled",
			"provider", entry.Name, "error", err)
		return nil
	}
	return c
}

func buildSTT(entry config.ProviderEntry) (stt.Provider, error) {
	switch entry.Name {
	case "":
		return nil, nil
	case "whisper":
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	case "openai":
		var opts []sttopenai.Option
		if entry.Model != "" {
			opts = append(opts, sttopenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		return sttopenai.New(entry.APIKey, opts...)
	default:
		return nil, fmt.Errorf("app: unknown stt provider %q", entry.Name)
	}
}
