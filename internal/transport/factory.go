package transport

import (
	"fmt"

	"github.com/nexusnotes/chatcore/internal/config"
	"github.com/nexusnotes/chatcore/internal/wire"
)

// ForProvider builds the transport for a provider id using configured
// credentials, wrapped with rate-limit retry.
func ForProvider(providerID string, cfg *config.Config) (Transport, error) {
	base, err := build(providerID, cfg)
	if err != nil {
		return nil, err
	}
	return WrapWithRetry(base, DefaultRetryConfig()), nil
}

func build(providerID string, cfg *config.Config) (Transport, error) {
	pc := cfg.ProviderFor(providerID)
	switch wire.CategoryFor(providerID) {
	case wire.CategoryAnthropic:
		if pc.APIKey == "" {
			return nil, fmt.Errorf("provider %s: no API key configured", providerID)
		}
		return NewAnthropic(pc.APIKey, pc.Model), nil
	case wire.CategoryGoogle:
		if pc.APIKey == "" {
			return nil, fmt.Errorf("provider %s: no API key configured", providerID)
		}
		return NewGemini(pc.APIKey, pc.Model), nil
	case wire.CategoryCustomFormat:
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		return WrapTextTag(NewOpenAICompat(baseURL, pc.APIKey, pc.Model, providerID)), nil
	default:
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return NewOpenAICompat(baseURL, pc.APIKey, pc.Model, providerID).
			WithHeaders(pc.Headers), nil
	}
}
