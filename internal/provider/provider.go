// Package provider sends single model invocations to OpenAI-compatible
// endpoints and classifies failures into retryable and terminal kinds.
// Retry decisions belong to callers; the gateway never retries on its own.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
)

// Gateway is the single seam between pass execution and a model provider.
type Gateway interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Endpoint identifies where a request is sent. The API key is resolved
// by the caller; lanes only name the environment variable holding it.
type Endpoint struct {
	BaseURL string
	APIKey  string
}

type Request struct {
	Endpoint     Endpoint
	Model        string
	System       string
	Prompt       string
	MaxTokens    int64
	Temperature  float64
	Timeout      time.Duration
	ResponseJSON bool
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

type Response struct {
	Text  string
	Usage Usage
}

// Error carries the classified failure kind alongside the provider status.
type Error struct {
	Kind    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
}

// Kind extracts the failure kind from an invocation error.
func Kind(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return domain.ErrorKindUnknown
}
