package provider

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/adbatch/internal/config"
)

// New constructs the provider client described by cfg, wrapped in a circuit
// breaker. Called once at worker startup.
func New(cfg config.ProviderConfig) (Client, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("provider name must not be empty")
	}
	if !strings.HasPrefix(cfg.BaseURL, "http://") && !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, fmt.Errorf("provider %q: base URL must start with http:// or https://, got %q", cfg.Name, cfg.BaseURL)
	}
	return NewBreaker(
		NewHTTPClient(cfg.Name, cfg.BaseURL, cfg.Timeout),
		BreakerSettings{
			FailureRatio: cfg.Breaker.FailureRatio,
			MinRequests:  uint32(cfg.Breaker.MinRequests),
			OpenTimeout:  cfg.Breaker.OpenTimeout,
		},
	), nil
}
