package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const LaneSchemaVersion = 1

// LaneRecord is the stored form of a lane: its config document as an opaque
// blob, decoded on use.
type LaneRecord struct {
	Name          string
	SchemaVersion int
	Config        []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Lane is a named, versioned execution profile: which models run each pass,
// their caps and timeouts, the retry policy, and the per-run token budget.
type Lane struct {
	Name           string
	SchemaVersion  int
	Provider       ProviderConfig
	Planner        PassConfig
	Solver         PassConfig
	Verifier       PassConfig
	ToolsAllowlist []string
	Retry          RetryPolicy
	PerJobTokenCap int64
	CacheTTL       time.Duration
}

type ProviderConfig struct {
	BaseURL   string
	APIKeyEnv string
}

type PassConfig struct {
	Model           string
	CapTokens       int64
	Timeout         time.Duration
	Temperature     float64
	Variants        []float64
	Parallel        int
	Threshold       float64
	MaxEvidence     int
	InputCostPer1K  float64
	OutputCostPer1K float64
}

type RetryPolicy struct {
	MaxAttempts     int
	Backoff         []time.Duration
	RetryableErrors []string
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		RetryableErrors: []string{
			ErrorKindRateLimit,
			ErrorKindTransient,
			ErrorKindSchemaMismatch,
		},
	}
}

// Retryable reports whether the policy retries the given error kind.
func (p RetryPolicy) Retryable(kind string) bool {
	kind = strings.TrimSpace(kind)
	for _, k := range p.RetryableErrors {
		if strings.EqualFold(strings.TrimSpace(k), kind) {
			return true
		}
	}
	return false
}

// Delay returns the backoff before retry attempt n (1-based attempt that
// just failed). The last configured delay repeats when attempts exceed it.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// ApplyDefaults fills unset lane fields in place.
func (l *Lane) ApplyDefaults() {
	if l.SchemaVersion == 0 {
		l.SchemaVersion = LaneSchemaVersion
	}
	applyPassDefaults(&l.Planner, 2000, 30*time.Second, 0.2)
	applyPassDefaults(&l.Solver, 4000, 60*time.Second, 0.7)
	applyPassDefaults(&l.Verifier, 1500, 30*time.Second, 0)
	if l.Solver.Parallel <= 0 {
		l.Solver.Parallel = 3
	}
	if l.Verifier.Threshold <= 0 {
		l.Verifier.Threshold = 0.8
	}
	if l.Planner.MaxEvidence <= 0 {
		l.Planner.MaxEvidence = 8
	}
	if l.Retry.MaxAttempts <= 0 {
		l.Retry = DefaultRetryPolicy()
	}
	if len(l.Retry.Backoff) == 0 {
		l.Retry.Backoff = DefaultRetryPolicy().Backoff
	}
	if len(l.Retry.RetryableErrors) == 0 {
		l.Retry.RetryableErrors = DefaultRetryPolicy().RetryableErrors
	}
	if l.CacheTTL <= 0 {
		l.CacheTTL = 168 * time.Hour
	}
}

func applyPassDefaults(p *PassConfig, capTokens int64, timeout time.Duration, temperature float64) {
	if p.CapTokens <= 0 {
		p.CapTokens = capTokens
	}
	if p.Timeout <= 0 {
		p.Timeout = timeout
	}
	if p.Temperature == 0 {
		p.Temperature = temperature
	}
}

// SolverTemperatures returns one temperature per solver candidate. Explicit
// variants win; missing entries are spread upward from the base temperature.
func (l Lane) SolverTemperatures() []float64 {
	n := l.Solver.Parallel
	if n <= 0 {
		n = 1
	}
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if i < len(l.Solver.Variants) {
			out = append(out, l.Solver.Variants[i])
			continue
		}
		t := l.Solver.Temperature + 0.15*float64(i)
		if t > 1.2 {
			t = 1.2
		}
		out = append(out, t)
	}
	return out
}

func (l Lane) Validate() error {
	if strings.TrimSpace(l.Name) == "" {
		return errors.New("lane name is required")
	}
	if l.SchemaVersion != LaneSchemaVersion {
		return fmt.Errorf("unsupported lane schema version %d", l.SchemaVersion)
	}
	if l.PerJobTokenCap <= 0 {
		return errors.New("per job token cap must be positive")
	}
	if err := validatePass("planner", l.Planner); err != nil {
		return err
	}
	if err := validatePass("solver", l.Solver); err != nil {
		return err
	}
	if err := validatePass("verifier", l.Verifier); err != nil {
		return err
	}
	if l.Solver.Parallel < 1 {
		return errors.New("solver parallelism must be >= 1")
	}
	if l.Verifier.Threshold < 0 || l.Verifier.Threshold > 1 {
		return errors.New("verifier threshold must be within [0,1]")
	}
	for i, v := range l.Solver.Variants {
		if v < 0 || v > 2 {
			return fmt.Errorf("solver variant %d out of range: %v", i, v)
		}
	}
	return nil
}

func validatePass(name string, p PassConfig) error {
	if strings.TrimSpace(p.Model) == "" {
		return fmt.Errorf("%s model is required", name)
	}
	if p.CapTokens <= 0 {
		return fmt.Errorf("%s cap tokens must be positive", name)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("%s timeout must be positive", name)
	}
	return nil
}

// Cost converts a token count into currency for the given pass.
func (p PassConfig) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*p.InputCostPer1K + float64(outputTokens)/1000*p.OutputCostPer1K
}
