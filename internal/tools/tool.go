// Package tools provides the executable tool surface offered to models:
// built-in vault tools, custom manifest tools, and tools bridged from MCP
// servers.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is one callable tool. Names are dot-namespaced as "agent.action",
// e.g. "vault.read_note".
type Tool interface {
	Spec() Spec
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Spec describes a callable tool to the model.
type Spec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Result is the outcome of one tool execution.
type Result struct {
	Success    bool
	Result     any
	Error      string
	DurationMs int64
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}
