// Package search retrieves web evidence snippets for grounding runs.
package search

import (
	"context"
	"strings"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/platform/env"
)

// Provider returns ranked snippets for a query. Implementations must not
// retry; evidence gathering is best effort and failures are non-fatal.
type Provider interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}

type Result struct {
	Title   string
	URL     string
	Snippet string
	Score   float64
}

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("DEEPTHINK_SEARCH_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	return Config{
		BaseURL: env.String("DEEPTHINK_SEARCH_URL", ""),
		APIKey:  env.String("DEEPTHINK_SEARCH_API_KEY", ""),
		Timeout: timeout,
	}, nil
}

// Enabled reports whether a search backend is configured. Runs still
// complete without one; they are marked evidence_unavailable instead.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}
