package usage

import "strings"

// ModelPricing contains per-token pricing for a model.
type ModelPricing struct {
	InputCostPerToken     float64
	OutputCostPerToken    float64
	CacheReadCostPerToken float64
}

// builtinPricing maps model name prefixes to pricing. Longest prefix wins.
// Values are USD per token.
var builtinPricing = map[string]ModelPricing{
	"claude-opus-4":     {InputCostPerToken: 15e-6, OutputCostPerToken: 75e-6, CacheReadCostPerToken: 1.5e-6},
	"claude-sonnet-4":   {InputCostPerToken: 3e-6, OutputCostPerToken: 15e-6, CacheReadCostPerToken: 0.3e-6},
	"claude-haiku-4":    {InputCostPerToken: 1e-6, OutputCostPerToken: 5e-6, CacheReadCostPerToken: 0.1e-6},
	"claude-3-5-haiku":  {InputCostPerToken: 0.8e-6, OutputCostPerToken: 4e-6, CacheReadCostPerToken: 0.08e-6},
	"gpt-4o-mini":       {InputCostPerToken: 0.15e-6, OutputCostPerToken: 0.6e-6, CacheReadCostPerToken: 0.075e-6},
	"gpt-4o":            {InputCostPerToken: 2.5e-6, OutputCostPerToken: 10e-6, CacheReadCostPerToken: 1.25e-6},
	"gpt-4.1-mini":      {InputCostPerToken: 0.4e-6, OutputCostPerToken: 1.6e-6, CacheReadCostPerToken: 0.1e-6},
	"gpt-4.1":           {InputCostPerToken: 2e-6, OutputCostPerToken: 8e-6, CacheReadCostPerToken: 0.5e-6},
	"o4-mini":           {InputCostPerToken: 1.1e-6, OutputCostPerToken: 4.4e-6, CacheReadCostPerToken: 0.275e-6},
	"gemini-2.5-pro":    {InputCostPerToken: 1.25e-6, OutputCostPerToken: 10e-6, CacheReadCostPerToken: 0.31e-6},
	"gemini-2.5-flash":  {InputCostPerToken: 0.3e-6, OutputCostPerToken: 2.5e-6, CacheReadCostPerToken: 0.075e-6},
	"gemini-2.0-flash":  {InputCostPerToken: 0.1e-6, OutputCostPerToken: 0.4e-6, CacheReadCostPerToken: 0.025e-6},
}

// FindPricing returns the pricing for a model, matching the longest known
// prefix. Provider path prefixes like "anthropic/" are stripped first.
func FindPricing(model string) (ModelPricing, bool) {
	name := model
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.ToLower(name)

	var best string
	var found ModelPricing
	for prefix, pricing := range builtinPricing {
		if strings.HasPrefix(name, prefix) && len(prefix) > len(best) {
			best = prefix
			found = pricing
		}
	}
	return found, best != ""
}

// ComputeCost estimates the USD cost of a call. Unknown models cost zero;
// local models are free anyway and the caller treats cost as advisory.
func ComputeCost(model string, tokens Tokens) float64 {
	pricing, ok := FindPricing(model)
	if !ok {
		return 0
	}
	fresh := tokens.InputTokens - tokens.CachedInputTokens
	if fresh < 0 {
		fresh = 0
	}
	cost := float64(fresh) * pricing.InputCostPerToken
	cost += float64(tokens.CachedInputTokens) * pricing.CacheReadCostPerToken
	cost += float64(tokens.OutputTokens) * pricing.OutputCostPerToken
	return cost
}
