package mcp

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/m4xw311/alang/config"
	"github.com/m4xw311/alang/errors"
	"github.com/m4xw311/alang/logging"
	"github.com/m4xw311/alang/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

const clientVersion = "v1.0.0"

// MCPClient manages the connection to a single MCP server subprocess.
type MCPClient struct {
	Name   string
	cmd    *exec.Cmd
	conn   *mcpsdk.ClientSession
	tools  map[string]*MCPTool // keyed by the server's tool name
	order  []string
	logger *zap.Logger
}

// NewMCPClient starts the MCP server subprocess and discovers its tools.
func NewMCPClient(ctx context.Context, server config.MCPServer, logger *zap.Logger) (*MCPClient, error) {
	logger = logging.OrNop(logger).With(zap.String("mcp_server", server.Name))
	if strings.TrimSpace(server.Command) == "" {
		return nil, errors.New("MCP server '%s' has no command", server.Name)
	}

	cmd := exec.Command(server.Command, server.Args...)
	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "alang", Version: clientVersion}, nil)
	conn, err := sdkClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		killProcess(cmd)
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", server.Name)
	}
	client := &MCPClient{
		Name:   server.Name,
		cmd:    cmd,
		conn:   conn,
		tools:  make(map[string]*MCPTool),
		logger: logger,
	}

	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			client.Stop()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", server.Name)
		}
		for _, t := range list.Tools {
			if _, seen := client.tools[t.Name]; !seen {
				client.order = append(client.order, t.Name)
			}
			client.tools[t.Name] = &MCPTool{
				serverName:  server.Name,
				toolName:    t.Name,
				description: t.Description,
				caller:      client,
			}
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	logger.Info("initialized MCP client", zap.Int("tools", len(client.tools)))
	return client, nil
}

// Tools returns the server's tools in discovery order.
func (c *MCPClient) Tools() []*MCPTool {
	out := make([]*MCPTool, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name])
	}
	return out
}

func (c *MCPClient) callTool(ctx context.Context, name string, args map[string]interface{}) (*mcpsdk.CallToolResult, error) {
	return c.conn.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
}

// Stop closes the session and terminates the server subprocess.
func (c *MCPClient) Stop() error {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("closing MCP session", zap.Error(err))
		}
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Info("terminating MCP server")
		return killProcess(c.cmd)
	}
	return nil
}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "process already finished") {
		return err
	}
	return nil
}

type toolCaller interface {
	callTool(ctx context.Context, name string, args map[string]interface{}) (*mcpsdk.CallToolResult, error)
}

// MCPTool is a tool served by an external MCP server. It satisfies tools.Tool.
type MCPTool struct {
	serverName  string
	toolName    string
	description string
	caller      toolCaller
}

// Name returns the server's tool name unqualified, so it can be invoked with
// /tool like any built-in.
func (t *MCPTool) Name() string {
	return t.toolName
}

func (t *MCPTool) Description() string {
	if t.description == "" {
		return fmt.Sprintf("Tool provided by MCP server '%s'.", t.serverName)
	}
	return t.description
}

func (t *MCPTool) Execute(ctx context.Context, args map[string]interface{}) tools.Outcome {
	result, err := t.caller.callTool(ctx, t.toolName, args)
	if err != nil {
		return tools.Fail("Failed to call tool '%s' on MCP server '%s': %v", t.toolName, t.serverName, err)
	}
	return toOutcome(result).With("mcp_server", t.serverName)
}

// toOutcome flattens the text content of a tool result. Non-text content is
// summarised by its type.
func toOutcome(result *mcpsdk.CallToolResult) tools.Outcome {
	if result == nil {
		return tools.Ok("")
	}
	var parts []string
	for _, c := range result.Content {
		switch content := c.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, content.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%T]", c))
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return tools.Fail("%s", text)
	}
	return tools.Ok(text)
}

// Manager owns every configured MCP server connection.
type Manager struct {
	clients []*MCPClient
	logger  *zap.Logger
}

// Start connects to each configured server and registers its tools in reg.
// A server that fails to start is logged and skipped; the remaining servers
// are still started.
func Start(ctx context.Context, servers []config.MCPServer, reg *tools.ToolRegistry, logger *zap.Logger) *Manager {
	m := &Manager{logger: logging.OrNop(logger)}
	for _, server := range servers {
		client, err := NewMCPClient(ctx, server, m.logger)
		if err != nil {
			m.logger.Warn("MCP server unavailable", zap.String("mcp_server", server.Name), zap.Error(err))
			continue
		}
		for _, t := range client.Tools() {
			reg.Register(t)
		}
		m.clients = append(m.clients, client)
	}
	return m
}

// Close stops every server started by the manager.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	var first error
	for _, c := range m.clients {
		if err := c.Stop(); err != nil && first == nil {
			first = err
		}
	}
	m.clients = nil
	return first
}
