package adapter

import (
	"fmt"

	"github.com/lm-gateway/lm-gateway/internal/apperr"
	"github.com/lm-gateway/lm-gateway/internal/config"
)

// referrerHeaders are the static headers attached to every request for the
// canonical-with-referrer-headers variant (e.g. OpenRouter's attribution
// headers). They carry no secret material, so they're safe to hardcode.
var referrerHeaders = map[string]string{
	"HTTP-Referer": "https://lm-gateway.local",
	"X-Title":      "lm-gateway",
}

// New builds the Adapter for a backend descriptor. Messages-style backends
// require a usable API key at construction time; every other variant
// tolerates a missing key (passthrough to an unauthenticated backend).
func New(desc config.Backend) (Adapter, error) {
	timeout := desc.Timeout()

	switch desc.Provider {
	case config.ProviderCanonical:
		return NewCanonical(desc.BaseURL, desc.APIKey(), timeout, nil), nil

	case config.ProviderReferrerHeaders:
		return NewCanonical(desc.BaseURL, desc.APIKey(), timeout, referrerHeaders), nil

	case config.ProviderLocalInference:
		return NewLocalInference(desc.BaseURL, timeout), nil

	case config.ProviderMessagesStyle:
		key := desc.APIKey()
		if key == "" {
			return nil, apperr.New(apperr.Configuration, fmt.Sprintf("messages-style backend requires %s to be set", desc.APIKeyEnv))
		}
		return NewMessages(desc.BaseURL, key, timeout), nil

	default:
		return nil, apperr.New(apperr.Configuration, fmt.Sprintf("unknown backend provider %q", desc.Provider))
	}
}
