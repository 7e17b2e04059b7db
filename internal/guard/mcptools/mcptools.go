// Package mcptools provides an MCP (Model Context Protocol) client bridge
// that discovers tools from external MCP servers and registers them with the
// guard pipeline. MCP tools are always untrusted: every call flows through
// impact analysis, confirmation, and audit like any other untrusted tool.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/vigil/internal/config"
	"github.com/jkaninda/vigil/internal/guard"
)

// Bridge manages the lifecycle of MCP client connections and registers the
// discovered tools with the guard.
type Bridge struct {
	clients []mcpclient.MCPClient
	logger  *slog.Logger
}

// NewBridge creates a bridge that will manage MCP server connections.
func NewBridge(logger *slog.Logger) *Bridge {
	return &Bridge{logger: logger}
}

// ConnectAll connects to every configured MCP server and registers the
// discovered tools. A server that fails to connect is logged and skipped;
// the rest still come up.
func (b *Bridge) ConnectAll(ctx context.Context, g *guard.Guard, servers []config.MCPServerConfig) int {
	registered := 0
	for _, srv := range servers {
		n, err := b.connectAndRegister(ctx, g, srv)
		if err != nil {
			b.logger.Error("mcp server unavailable",
				slog.String("server", srv.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		registered += n
	}
	return registered
}

// connectAndRegister connects to one MCP server, performs the initialization
// handshake, discovers tools, and registers them as untrusted guard tools
// under namespaced names ("mcp__<server>__<tool>").
func (b *Bridge) connectAndRegister(ctx context.Context, g *guard.Guard, srv config.MCPServerConfig) (int, error) {
	c, err := b.createClient(srv)
	if err != nil {
		return 0, fmt.Errorf("creating MCP client for %q: %w", srv.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "vigil",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return 0, fmt.Errorf("MCP initialize for %q: %w", srv.Name, err)
	}

	b.clients = append(b.clients, c)

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, fmt.Errorf("MCP list tools for %q: %w", srv.Name, err)
	}

	for _, t := range listResp.Tools {
		def := guard.ToolDefinition{
			Name:        fmt.Sprintf("mcp__%s__%s", srv.Name, t.Name),
			Description: fmt.Sprintf("[MCP:%s] %s", srv.Name, t.Description),
			Schema:      convertInputSchema(t.InputSchema),
			Trusted:     false,
		}
		if err := g.RegisterTool(def, b.executor(c, srv.Name, t.Name)); err != nil {
			return 0, fmt.Errorf("registering %s: %w", def.Name, err)
		}
	}

	b.logger.Info("mcp server connected",
		slog.String("server", srv.Name),
		slog.String("transport", srv.Transport),
		slog.Int("tools_discovered", len(listResp.Tools)),
	)

	return len(listResp.Tools), nil
}

// executor adapts one remote MCP tool to the guard's Executor contract.
func (b *Bridge) executor(c mcpclient.MCPClient, serverName, toolName string) guard.Executor {
	return func(ctx context.Context, input, callID string) (string, error) {
		var params map[string]any
		if input != "" {
			if err := json.Unmarshal([]byte(input), &params); err != nil {
				return "", fmt.Errorf("parsing input for %s/%s: %w", serverName, toolName, err)
			}
		}

		b.logger.InfoContext(ctx, "mcp tool executing",
			slog.String("server", serverName),
			slog.String("tool", toolName),
			slog.String("call_id", callID),
		)

		callReq := mcp.CallToolRequest{}
		callReq.Params.Name = toolName
		callReq.Params.Arguments = params

		callResult, err := c.CallTool(ctx, callReq)
		if err != nil {
			return "", fmt.Errorf("MCP call to %s/%s failed: %w", serverName, toolName, err)
		}

		output := formatContent(callResult.Content)
		if callResult.IsError {
			return "", fmt.Errorf("MCP tool %s/%s reported an error: %s", serverName, toolName, output)
		}
		return output, nil
	}
}

// Close shuts down all MCP client connections.
func (b *Bridge) Close() {
	for _, c := range b.clients {
		if err := c.Close(); err != nil {
			b.logger.Error("closing MCP client", slog.String("error", err.Error()))
		}
	}
}

// createClient creates the appropriate MCP client based on transport type.
func (b *Bridge) createClient(srv config.MCPServerConfig) (*mcpclient.Client, error) {
	switch srv.Transport {
	case "stdio":
		env := expandEnvList(srv.Env)
		return mcpclient.NewStdioMCPClient(srv.Command, env, srv.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(srv.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvMap(srv.Headers)))
		}
		return mcpclient.NewSSEMCPClient(srv.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(srv.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvMap(srv.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(srv.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", srv.Transport)
	}
}

// formatContent converts MCP content items to a single string.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			// Non-text content (image, audio, resource) is serialized as JSON.
			data, _ := json.Marshal(c)
			sb.WriteString(string(data))
		}
	}
	return sb.String()
}

// convertInputSchema converts the MCP ToolInputSchema to the map[string]any
// format the guard registry compiles.
func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	result := map[string]any{
		"type": schema.Type,
	}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		reqAny := make([]any, len(schema.Required))
		for i, r := range schema.Required {
			reqAny[i] = r
		}
		result["required"] = reqAny
	}
	return result
}

// expandEnvList converts a key→value map to "KEY=expanded_value" pairs.
func expandEnvList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// expandEnvMap returns a new map with values expanded via os.ExpandEnv.
func expandEnvMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
