package domain

// Provider error kinds. Which kinds are retryable is a lane policy decision,
// not a property of the kind itself.
const (
	ErrorKindRateLimit      = "rate_limit"
	ErrorKindTransient      = "transient_provider_error"
	ErrorKindSchemaMismatch = "schema_mismatch"
	ErrorKindAuth           = "authentication_error"
	ErrorKindOutage         = "provider_outage"
	ErrorKindUnknown        = "unknown"
)

// Terminal run error codes.
const (
	ErrorCodePlannerFailed  = "planner_failed"
	ErrorCodeTokenCapBreach = "token_cap_breach"
	ErrorCodeAllFailed      = "all_candidates_failed_verification"
	ErrorCodeCanceled       = "canceled"
	ErrorCodeInternal       = "internal_error"
)

// Non-fatal run flags surfaced in the residual risk note.
const (
	RiskNone                = "none"
	RiskEvidenceUnavailable = "evidence_unavailable"
)
