package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPServerConfig describes how to launch one MCP server.
type MCPServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// MCPClient wraps an MCP server connection and exposes its tools.
type MCPClient struct {
	name    string
	config  MCPServerConfig
	client  *mcp.Client
	session *mcp.ClientSession
	specs   []Spec
	mu      sync.RWMutex
	running bool
}

func NewMCPClient(config MCPServerConfig) *MCPClient {
	return &MCPClient{name: config.Name, config: config}
}

// Start connects to the MCP server and fetches its tool list.
func (c *MCPClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	c.client = mcp.NewClient(&mcp.Implementation{
		Name:    "chatcore",
		Version: "1.0.0",
	}, nil)

	cmd := exec.CommandContext(ctx, c.config.Command, c.config.Args...)
	for k, v := range c.config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	session, err := c.client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return fmt.Errorf("connect to MCP server %s: %w", c.name, err)
	}
	c.session = session

	if err := c.refreshTools(ctx); err != nil {
		c.session.Close()
		c.session = nil
		return fmt.Errorf("list tools from %s: %w", c.name, err)
	}

	c.running = true
	return nil
}

// Stop closes the server connection.
func (c *MCPClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	var err error
	if c.session != nil {
		err = c.session.Close()
		c.session = nil
	}
	c.running = false
	c.specs = nil
	return err
}

func (c *MCPClient) refreshTools(ctx context.Context) error {
	result, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return err
	}
	c.specs = make([]Spec, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema := make(map[string]any)
		if t.InputSchema != nil {
			if m, ok := t.InputSchema.(map[string]any); ok {
				schema = m
			}
		}
		c.specs = append(c.specs, Spec{
			// Namespaced under the server name so "fetch" from server
			// "web" becomes "web.fetch".
			Name:        c.name + "." + t.Name,
			Description: t.Description,
			Schema:      schema,
		})
	}
	return nil
}

// RegisterTools registers every tool the server advertises.
func (c *MCPClient) RegisterTools(r *Registry) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, spec := range c.specs {
		r.Register(&mcpTool{client: c, spec: spec})
	}
}

func (c *MCPClient) callTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	c.mu.RLock()
	session := c.session
	running := c.running
	c.mu.RUnlock()

	if !running || session == nil {
		return "", fmt.Errorf("MCP server %s is not running", c.name)
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}
	if result.IsError {
		return "", fmt.Errorf("tool %s returned error: %s", name, formatMCPContent(result.Content))
	}
	return formatMCPContent(result.Content), nil
}

// mcpTool adapts one remote MCP tool to the Tool interface.
type mcpTool struct {
	client *MCPClient
	spec   Spec
}

func (t *mcpTool) Spec() Spec { return t.spec }

func (t *mcpTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	// Strip the server-name prefix back off for the remote call.
	remote := t.spec.Name[len(t.client.name)+1:]
	return t.client.callTool(ctx, remote, args)
}

func formatMCPContent(content []mcp.Content) string {
	var result string
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			result += v.Text
		default:
			if data, err := json.Marshal(c); err == nil {
				result += string(data)
			}
		}
	}
	return result
}
