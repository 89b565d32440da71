// Package failure defines the closed failure taxonomy produced by the governance
// pipeline. Every stage reports failure as a *Failure carrying one Kind and a
// machine-readable reason code; the UX mapper switches exhaustively over Kind.
package failure

import (
	"fmt"
	"time"
)

// Kind is a failure tag. The set is closed: add a Kind here and the mapper in
// uxstate must gain a rule.
type Kind int

const (
	// KindUnexpected is the catch-all for unclassified errors and panics.
	KindUnexpected Kind = iota
	KindBudgetExceeded
	KindRateLimited
	KindProviderUnavailable
	KindProviderTimeout
	KindProviderError
	KindSchemaMismatch
	KindNonJSONResponse
	KindSafetyBlock
)

var kindNames = [...]string{
	KindUnexpected:          "UNEXPECTED_ERROR",
	KindBudgetExceeded:      "BUDGET_EXCEEDED",
	KindRateLimited:         "RATE_LIMITED",
	KindProviderUnavailable: "PROVIDER_UNAVAILABLE",
	KindProviderTimeout:     "PROVIDER_TIMEOUT",
	KindProviderError:       "PROVIDER_ERROR",
	KindSchemaMismatch:      "SCHEMA_MISMATCH",
	KindNonJSONResponse:     "NON_JSON_RESPONSE",
	KindSafetyBlock:         "SAFETY_BLOCK",
}

// String returns the wire name of the kind, e.g. "BUDGET_EXCEEDED".
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnexpected]
	}
	return kindNames[k]
}

// Kinds lists every kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames))
	for k := range kindNames {
		out = append(out, Kind(k))
	}
	return out
}

// Reason codes. These are the only values that leave the process in
// failure_reason; they never contain user content.
const (
	ReasonRateWindowExceeded  = "RATE_WINDOW_EXCEEDED"
	ReasonQuotaRequests       = "QUOTA_REQUESTS_EXCEEDED"
	ReasonQuotaTokens         = "QUOTA_TOKENS_EXCEEDED"
	ReasonLedgerUnavailable   = "LEDGER_UNAVAILABLE"
	ReasonBreakerOpen         = "BREAKER_OPEN"
	ReasonBreakerProbeBusy    = "BREAKER_PROBE_IN_FLIGHT"
	ReasonReasoningTimeout    = "REASONING_TIMEOUT"
	ReasonExpressionTimeout   = "EXPRESSION_TIMEOUT"
	ReasonReasoningError      = "REASONING_PROVIDER_ERROR"
	ReasonExpressionError     = "EXPRESSION_PROVIDER_ERROR"
	ReasonReasoningMalformed  = "REASONING_NON_JSON"
	ReasonEmptyOutput         = "EMPTY_OUTPUT"
	ReasonNotJSON             = "NOT_JSON"
	ReasonSchemaViolation     = "SCHEMA_VIOLATION"
	ReasonLeakedMarker        = "LEAKED_INTERNAL_MARKER"
	ReasonMemoryUnavailable   = "MEMORY_UNAVAILABLE"
	ReasonClientCancelled     = "CLIENT_CANCELLED"
	ReasonPanic               = "STAGE_PANIC"
	ReasonUnclassified        = "UNCLASSIFIED"
	ReasonIngressRateExceeded = "INGRESS_RATE_EXCEEDED"
)

// Failure is a tagged failure record. Reason is safe to expose; Err holds the
// internal cause and is only ever logged.
type Failure struct {
	Kind   Kind
	Reason string
	Stage  string
	// RetryAfter is set when the failing gate can advise a cooldown.
	RetryAfter time.Duration
	Err        error
}

// New creates a failure without an underlying cause.
func New(kind Kind, reason string) *Failure {
	return &Failure{Kind: kind, Reason: reason}
}

// Wrap creates a failure with an internal cause.
func Wrap(kind Kind, reason string, err error) *Failure {
	return &Failure{Kind: kind, Reason: reason, Err: err}
}

// WithRetryAfter sets the advised cooldown and returns f.
func (f *Failure) WithRetryAfter(d time.Duration) *Failure {
	f.RetryAfter = d
	return f
}

// AtStage records the pipeline stage that produced f and returns f.
func (f *Failure) AtStage(stage string) *Failure {
	f.Stage = stage
	return f
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s/%s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s/%s", f.Kind, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// Soft reports whether the failure still yields content with HTTP 200.
func (k Kind) Soft() bool {
	switch k {
	case KindSchemaMismatch, KindNonJSONResponse, KindSafetyBlock:
		return true
	default:
		return false
	}
}
