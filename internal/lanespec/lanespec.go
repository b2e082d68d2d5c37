// Package lanespec parses and validates lane configuration documents.
// Lanes are authored in YAML or JSON and stored as normalized JSON blobs;
// the rest of the system only sees the decoded domain.Lane.
package lanespec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deepthink-labs/deepthink-go/internal/domain"
)

const SchemaV1 = "deepthink.lane.v1"

type Document struct {
	Schema         string      `json:"schema" yaml:"schema"`
	Name           string      `json:"name" yaml:"name"`
	Provider       ProviderDoc `json:"provider" yaml:"provider"`
	Planner        PassDoc     `json:"planner" yaml:"planner"`
	Solver         PassDoc     `json:"solver" yaml:"solver"`
	Verifier       PassDoc     `json:"verifier" yaml:"verifier"`
	ToolsAllowlist []string    `json:"tools_allowlist,omitempty" yaml:"tools_allowlist,omitempty"`
	Retry          *RetryDoc   `json:"retry,omitempty" yaml:"retry,omitempty"`
	PerJobTokenCap int64       `json:"per_job_token_cap" yaml:"per_job_token_cap"`
	CacheTTL       string      `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
}

type ProviderDoc struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
}

type PassDoc struct {
	Model           string    `json:"model" yaml:"model"`
	CapTokens       int64     `json:"cap_tokens,omitempty" yaml:"cap_tokens,omitempty"`
	TimeoutMS       int64     `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Temperature     float64   `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Variants        []float64 `json:"variants,omitempty" yaml:"variants,omitempty"`
	Parallel        int       `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Threshold       float64   `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	MaxEvidence     int       `json:"max_evidence,omitempty" yaml:"max_evidence,omitempty"`
	InputCostPer1K  float64   `json:"input_cost_per_1k,omitempty" yaml:"input_cost_per_1k,omitempty"`
	OutputCostPer1K float64   `json:"output_cost_per_1k,omitempty" yaml:"output_cost_per_1k,omitempty"`
}

type RetryDoc struct {
	MaxAttempts     int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BackoffMS       []int64  `json:"backoff_ms,omitempty" yaml:"backoff_ms,omitempty"`
	RetryableErrors []string `json:"retryable_errors,omitempty" yaml:"retryable_errors,omitempty"`
}

// Parse decodes a YAML or JSON lane document and validates its shape.
func Parse(input []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(input, &doc); err != nil {
		return Document{}, fmt.Errorf("decode lane: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Encode renders the document as the JSON blob stored alongside the lane.
func Encode(doc Document) ([]byte, error) {
	return json.Marshal(doc)
}

func (d Document) Validate() error {
	if strings.TrimSpace(d.Schema) != SchemaV1 {
		return fmt.Errorf("lane.schema must be %q", SchemaV1)
	}
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("lane.name is required")
	}
	if strings.TrimSpace(d.Provider.BaseURL) == "" {
		return errors.New("lane.provider.base_url is required")
	}
	if d.PerJobTokenCap <= 0 {
		return errors.New("lane.per_job_token_cap must be positive")
	}
	if err := validatePassDoc("lane.planner", d.Planner); err != nil {
		return err
	}
	if err := validatePassDoc("lane.solver", d.Solver); err != nil {
		return err
	}
	if err := validatePassDoc("lane.verifier", d.Verifier); err != nil {
		return err
	}
	if d.Verifier.Threshold < 0 || d.Verifier.Threshold > 1 {
		return fmt.Errorf("lane.verifier.threshold out of range: %v", d.Verifier.Threshold)
	}
	for i, v := range d.Solver.Variants {
		if v < 0 || v > 2 {
			return fmt.Errorf("lane.solver.variants[%d] out of range: %v", i, v)
		}
	}
	if d.Retry != nil {
		if d.Retry.MaxAttempts < 0 {
			return errors.New("lane.retry.max_attempts must be non-negative")
		}
		for i, ms := range d.Retry.BackoffMS {
			if ms <= 0 {
				return fmt.Errorf("lane.retry.backoff_ms[%d] must be positive", i)
			}
		}
	}
	if strings.TrimSpace(d.CacheTTL) != "" {
		ttl, err := time.ParseDuration(strings.TrimSpace(d.CacheTTL))
		if err != nil {
			return fmt.Errorf("lane.cache_ttl invalid: %w", err)
		}
		if ttl <= 0 {
			return errors.New("lane.cache_ttl must be positive")
		}
	}
	return nil
}

func validatePassDoc(prefix string, p PassDoc) error {
	if strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("%s.model is required", prefix)
	}
	if p.CapTokens < 0 {
		return fmt.Errorf("%s.cap_tokens must be non-negative", prefix)
	}
	if p.TimeoutMS < 0 {
		return fmt.Errorf("%s.timeout_ms must be non-negative", prefix)
	}
	if p.Parallel < 0 {
		return fmt.Errorf("%s.parallel must be non-negative", prefix)
	}
	if p.MaxEvidence < 0 {
		return fmt.Errorf("%s.max_evidence must be non-negative", prefix)
	}
	if p.InputCostPer1K < 0 || p.OutputCostPer1K < 0 {
		return fmt.Errorf("%s cost rates must be non-negative", prefix)
	}
	return nil
}

// ToLane converts the document into the runtime lane, filling defaults
// and running the domain validation.
func (d Document) ToLane() (domain.Lane, error) {
	if err := d.Validate(); err != nil {
		return domain.Lane{}, err
	}

	lane := domain.Lane{
		Name:          strings.TrimSpace(d.Name),
		SchemaVersion: domain.LaneSchemaVersion,
		Provider: domain.ProviderConfig{
			BaseURL:   strings.TrimSpace(d.Provider.BaseURL),
			APIKeyEnv: strings.TrimSpace(d.Provider.APIKeyEnv),
		},
		Planner:        toPassConfig(d.Planner),
		Solver:         toPassConfig(d.Solver),
		Verifier:       toPassConfig(d.Verifier),
		ToolsAllowlist: trimNonEmpty(d.ToolsAllowlist),
		PerJobTokenCap: d.PerJobTokenCap,
	}

	if d.Retry != nil {
		lane.Retry = domain.RetryPolicy{
			MaxAttempts:     d.Retry.MaxAttempts,
			Backoff:         toDurations(d.Retry.BackoffMS),
			RetryableErrors: trimNonEmpty(d.Retry.RetryableErrors),
		}
	}
	if ttl := strings.TrimSpace(d.CacheTTL); ttl != "" {
		parsed, err := time.ParseDuration(ttl)
		if err != nil {
			return domain.Lane{}, fmt.Errorf("lane.cache_ttl invalid: %w", err)
		}
		lane.CacheTTL = parsed
	}

	lane.ApplyDefaults()
	if err := lane.Validate(); err != nil {
		return domain.Lane{}, err
	}
	return lane, nil
}

func toPassConfig(p PassDoc) domain.PassConfig {
	return domain.PassConfig{
		Model:           strings.TrimSpace(p.Model),
		CapTokens:       p.CapTokens,
		Timeout:         time.Duration(p.TimeoutMS) * time.Millisecond,
		Temperature:     p.Temperature,
		Variants:        p.Variants,
		Parallel:        p.Parallel,
		Threshold:       p.Threshold,
		MaxEvidence:     p.MaxEvidence,
		InputCostPer1K:  p.InputCostPer1K,
		OutputCostPer1K: p.OutputCostPer1K,
	}
}

func toDurations(ms []int64) []time.Duration {
	out := make([]time.Duration, 0, len(ms))
	for _, m := range ms {
		out = append(out, time.Duration(m)*time.Millisecond)
	}
	return out
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, item := range values {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
