package transport

import (
	"context"
	"fmt"
	"sort"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
)

// ModelInfo describes a model available from a provider.
type ModelInfo struct {
	ID          string
	DisplayName string
	Created     int64
	OwnedBy     string
}

// Selection is a provider/model pair.
type Selection struct {
	Provider string
	Model    string
}

// Catalog lists models and resolves the default selection from config.
type Catalog struct {
	defaultProvider string
	defaultModel    string
	openaiKey       string
	anthropicKey    string
	compatBaseURL   string
	compatKey       string
}

// CatalogConfig carries the credentials and defaults the catalog needs.
type CatalogConfig struct {
	DefaultProvider string
	DefaultModel    string
	OpenAIKey       string
	AnthropicKey    string
	CompatBaseURL   string
	CompatKey       string
}

func NewCatalog(cfg CatalogConfig) *Catalog {
	return &Catalog{
		defaultProvider: cfg.DefaultProvider,
		defaultModel:    cfg.DefaultModel,
		openaiKey:       cfg.OpenAIKey,
		anthropicKey:    cfg.AnthropicKey,
		compatBaseURL:   cfg.CompatBaseURL,
		compatKey:       cfg.CompatKey,
	}
}

// DefaultSelection returns the configured provider/model pair, falling back
// to the OpenAI-compatible family when nothing is configured.
func (c *Catalog) DefaultSelection() Selection {
	provider := c.defaultProvider
	if provider == "" {
		provider = "openai"
	}
	return Selection{Provider: provider, Model: c.defaultModel}
}

// ListModels returns the models a provider advertises, sorted by id.
func (c *Catalog) ListModels(ctx context.Context, provider string) ([]ModelInfo, error) {
	var (
		models []ModelInfo
		err    error
	)
	switch provider {
	case "openai":
		models, err = c.listOpenAIModels(ctx)
	case "anthropic", "claude":
		models, err = c.listAnthropicModels(ctx)
	default:
		models, err = c.listCompatModels(ctx)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func (c *Catalog) listOpenAIModels(ctx context.Context) ([]ModelInfo, error) {
	client := openai.NewClient(openaiopt.WithAPIKey(c.openaiKey))
	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list openai models: %w", err)
	}
	var models []ModelInfo
	for _, m := range page.Data {
		models = append(models, ModelInfo{
			ID:      m.ID,
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		})
	}
	return models, nil
}

func (c *Catalog) listAnthropicModels(ctx context.Context) ([]ModelInfo, error) {
	client := anthropic.NewClient(anthropicopt.WithAPIKey(c.anthropicKey))
	page, err := client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, fmt.Errorf("list anthropic models: %w", err)
	}
	var models []ModelInfo
	for _, m := range page.Data {
		models = append(models, ModelInfo{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			Created:     m.CreatedAt.Unix(),
		})
	}
	return models, nil
}

func (c *Catalog) listCompatModels(ctx context.Context) ([]ModelInfo, error) {
	if c.compatBaseURL == "" {
		return nil, fmt.Errorf("no base URL configured for OpenAI-compatible models")
	}
	compat := NewOpenAICompat(c.compatBaseURL, c.compatKey, "", "compat")
	return compat.ListModels(ctx)
}
