package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/openquill/quill/internal/config"
	"github.com/openquill/quill/pkg/provider/llm"
)

// MCPHost connects to external MCP tool servers and mirrors their tool
// catalogues into a [Registry]. Tools imported from a server marked Paid are
// balance-gated like built-in paid tools.
type MCPHost struct {
	client   *mcpsdk.Client
	registry *Registry
	logger   *slog.Logger

	sessions map[string]*mcpsdk.ClientSession // key: server name
	owned    map[string][]string              // server name -> tool names
}

// NewMCPHost creates a host registering into registry.
func NewMCPHost(registry *Registry, logger *slog.Logger) *MCPHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPHost{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "quill-mcphost", Version: "1.0.0"},
			nil,
		),
		registry: registry,
		logger:   logger,
		sessions: make(map[string]*mcpsdk.ClientSession),
		owned:    make(map[string][]string),
	}
}

// ConnectServers connects every configured server. One unreachable server
// fails startup; a bot silently missing its tools is worse than a crash loop
// pointing at the broken config.
func (h *MCPHost) ConnectServers(ctx context.Context, cfg config.MCPConfig) error {
	for _, sc := range cfg.Servers {
		if err := h.Connect(ctx, sc); err != nil {
			return err
		}
	}
	return nil
}

// Connect establishes one server connection and imports its tools. An
// existing connection with the same name is replaced.
func (h *MCPHost) Connect(ctx context.Context, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case config.TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("mcp: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case config.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("mcp: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.disconnect(cfg.Name)
	h.sessions[cfg.Name] = session

	names := make([]string, 0, len(discovered))
	for _, t := range discovered {
		name := t.Name
		if err := h.registry.Register(Tool{
			Definition: llm.ToolDefinition{
				Name:        name,
				Description: t.Description,
				InputSchema: schemaToMap(t.InputSchema),
			},
			Execute: func(ctx context.Context, input json.RawMessage) (*Result, error) {
				return h.call(ctx, session, name, input)
			},
			Paid: cfg.Paid,
		}); err != nil {
			h.logger.Warn("mcp tool skipped", "server", cfg.Name, "tool", name, "error", err)
			continue
		}
		names = append(names, name)
	}
	h.owned[cfg.Name] = names

	h.logger.Info("mcp server connected",
		"server", cfg.Name, "transport", cfg.Transport, "tools", len(names))
	return nil
}

// call routes one tool invocation to its server session and concatenates the
// text content of the reply. An IsError reply surfaces as an executor error
// so the dispatcher flags the tool_result.
func (h *MCPHost) call(ctx context.Context, session *mcpsdk.ClientSession, name string, input json.RawMessage) (*Result, error) {
	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, fmt.Errorf("mcp: invalid input for tool %q: %w", name, err)
		}
	}

	reply, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp: call tool %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range reply.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if reply.IsError {
		return nil, fmt.Errorf("mcp: tool %q: %s", name, sb.String())
	}
	return &Result{Content: sb.String()}, nil
}

// disconnect closes one server's session and unregisters its tools.
func (h *MCPHost) disconnect(name string) {
	if old, ok := h.sessions[name]; ok {
		_ = old.Close()
		delete(h.sessions, name)
	}
	for _, tool := range h.owned[name] {
		h.registry.Unregister(tool)
	}
	delete(h.owned, name)
}

// Close shuts every server connection down and removes the imported tools.
func (h *MCPHost) Close() error {
	var firstErr error
	for name, session := range h.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp: close server %q: %w", name, err)
		}
		delete(h.sessions, name)
	}
	for name := range h.owned {
		for _, tool := range h.owned[name] {
			h.registry.Unregister(tool)
		}
		delete(h.owned, name)
	}
	return firstErr
}

// schemaToMap normalizes whatever the SDK hands back into the JSON-Schema
// object shape the provider expects.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
