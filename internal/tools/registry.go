package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

// Registry stores tools by name and enforces the configured allow-list.
// Tools whose names match no allow pattern are registered but never offered
// or executed.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	allowed []glob.Glob
}

// NewRegistry creates a registry with the given allow-list patterns
// ("vault.*", "web.search", "*"). Invalid patterns are rejected.
func NewRegistry(allowPatterns []string) (*Registry, error) {
	allowed := make([]glob.Glob, 0, len(allowPatterns))
	for _, pattern := range allowPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid tool allow pattern %q: %w", pattern, err)
		}
		allowed = append(allowed, g)
	}
	return &Registry{
		tools:   make(map[string]Tool),
		allowed: allowed,
	}, nil
}

// Register adds a tool. Later registrations with the same name win, which
// lets manifest tools shadow built-ins.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Spec().Name] = tool
}

// Allowed reports whether a tool name passes the allow-list.
func (r *Registry) Allowed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowedLocked(name)
}

func (r *Registry) allowedLocked(name string) bool {
	for _, g := range r.allowed {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Specs returns the specs of all allowed tools, sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.tools))
	for name, tool := range r.tools {
		if r.allowedLocked(name) {
			specs = append(specs, tool.Spec())
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute runs a tool by name and reports its outcome. Unknown or
// disallowed tools fail the call rather than erroring the turn; the model
// sees the failure and can recover.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	allowed := r.allowedLocked(name)
	r.mu.RUnlock()

	if !ok {
		return Result{Error: fmt.Sprintf("unknown tool: %s", name)}
	}
	if !allowed {
		return Result{Error: fmt.Sprintf("tool not allowed: %s", name)}
	}

	start := time.Now()
	output, err := tool.Execute(ctx, args)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		log.Warn().Str("tool", name).Err(err).Int64("duration_ms", elapsed).Msg("tool execution failed")
		return Result{Error: err.Error(), DurationMs: elapsed}
	}
	log.Debug().Str("tool", name).Int64("duration_ms", elapsed).Msg("tool executed")
	return Result{Success: true, Result: output, DurationMs: elapsed}
}
