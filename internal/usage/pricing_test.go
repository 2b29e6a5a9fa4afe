package usage

import (
	"math"
	"testing"
)

func TestFindPricingLongestPrefixWins(t *testing.T) {
	mini, ok := FindPricing("gpt-4o-mini-2024-07-18")
	if !ok {
		t.Fatal("expected pricing for gpt-4o-mini")
	}
	full, ok := FindPricing("gpt-4o-2024-11-20")
	if !ok {
		t.Fatal("expected pricing for gpt-4o")
	}
	if mini.InputCostPerToken >= full.InputCostPerToken {
		t.Errorf("mini should be cheaper than full: %v >= %v", mini.InputCostPerToken, full.InputCostPerToken)
	}
}

func TestFindPricingStripsProviderPrefix(t *testing.T) {
	if _, ok := FindPricing("anthropic/claude-sonnet-4-5"); !ok {
		t.Error("expected pricing for provider-prefixed model name")
	}
}

func TestComputeCostCacheDiscount(t *testing.T) {
	tokens := Tokens{InputTokens: 1000, OutputTokens: 100, CachedInputTokens: 800}
	cached := ComputeCost("claude-sonnet-4-5", tokens)
	uncached := ComputeCost("claude-sonnet-4-5", Tokens{InputTokens: 1000, OutputTokens: 100})
	if cached >= uncached {
		t.Errorf("cached reads should cost less: %v >= %v", cached, uncached)
	}

	want := 200*3e-6 + 800*0.3e-6 + 100*15e-6
	if math.Abs(cached-want) > 1e-12 {
		t.Errorf("cost = %v, want %v", cached, want)
	}
}

func TestComputeCostUnknownModelIsZero(t *testing.T) {
	if got := ComputeCost("nexus-local-7b", Tokens{InputTokens: 5000, OutputTokens: 500}); got != 0 {
		t.Errorf("unknown model cost = %v, want 0", got)
	}
}

func TestTokensAdd(t *testing.T) {
	var total Tokens
	total.Add(Tokens{InputTokens: 100, OutputTokens: 20})
	total.Add(Tokens{InputTokens: 300, OutputTokens: 50, CachedInputTokens: 80})
	if total.InputTokens != 400 || total.OutputTokens != 70 || total.CachedInputTokens != 80 {
		t.Errorf("unexpected accumulation: %+v", total)
	}
	if total.Total() != 470 {
		t.Errorf("Total() = %d, want 470", total.Total())
	}
}
