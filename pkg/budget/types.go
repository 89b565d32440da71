// Package budget provides per-subject rate and quota ledgers with fail-closed
// behavior. When a ledger cannot be read or written, the request is blocked so
// the ceiling is never silently bypassed.
package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// ErrStorageUnavailable wraps any backend failure surfaced by a Storage.
var ErrStorageUnavailable = errors.New("budget: ledger storage unavailable")

// SubjectType says how a subject was identified.
type SubjectType string

const (
	SubjectHeader SubjectType = "header"
	SubjectCookie SubjectType = "cookie"
	SubjectIP     SubjectType = "ip"
)

// Subject is the entity a ledger counts for.
type Subject struct {
	Type SubjectType `json:"type"`
	ID   string      `json:"id"`
}

func (s Subject) String() string { return string(s.Type) + ":" + s.ID }

// LedgerKind distinguishes the short rate window from the long quota window.
type LedgerKind string

const (
	LedgerRate  LedgerKind = "rate"
	LedgerQuota LedgerKind = "quota"
)

// Limit is the ceiling of one ledger. Zero ceilings are unlimited.
type Limit struct {
	Ledger      LedgerKind    `yaml:"ledger" json:"ledger"`
	Window      time.Duration `yaml:"window" json:"window"`
	MaxRequests int64         `yaml:"max_requests" json:"max_requests"`
	MaxTokens   int64         `yaml:"max_tokens" json:"max_tokens"`
}

// Validate rejects limits that cannot be evaluated.
func (l Limit) Validate() error {
	if l.Ledger == "" {
		return fmt.Errorf("budget: limit has no ledger name")
	}
	if l.Window <= 0 {
		return fmt.Errorf("budget: %s window must be positive", l.Ledger)
	}
	if l.MaxRequests < 0 || l.MaxTokens < 0 {
		return fmt.Errorf("budget: %s ceilings must not be negative", l.Ledger)
	}
	return nil
}

// Cost is what one request consumes.
type Cost struct {
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
}

// EstimateTokens approximates the token cost of text (about four characters per
// token, at least one).
func EstimateTokens(text string) int64 {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 1
	}
	return int64(math.Ceil(float64(n) / 4))
}

// Key addresses one BudgetRecord.
type Key struct {
	Ledger      LedgerKind
	Subject     Subject
	WindowStart time.Time
}

// Record is the persisted counter state of one subject in one window.
type Record struct {
	Ledger      LedgerKind `json:"ledger"`
	SubjectType string     `json:"subject_type"`
	SubjectID   string     `json:"subject_id"`
	WindowStart time.Time  `json:"window_start"`
	ResetAt     time.Time  `json:"reset_at"`
	Requests    int64      `json:"requests"`
	Tokens      int64      `json:"tokens"`
}

// Breach says which ceiling a check would have exceeded.
type Breach int

const (
	BreachNone Breach = iota
	BreachRequests
	BreachTokens
)

// evaluate is the shared ceiling check used by every Storage.
func evaluate(requests, tokens int64, limit Limit, cost Cost) Breach {
	if limit.MaxRequests > 0 && requests+cost.Requests > limit.MaxRequests {
		return BreachRequests
	}
	if limit.MaxTokens > 0 && tokens+cost.Tokens > limit.MaxTokens {
		return BreachTokens
	}
	return BreachNone
}

// Storage persists records. CheckAndIncrement must be atomic: the ceiling check
// and the increment happen in one critical section. A record whose WindowStart
// differs from key.WindowStart is reset before evaluation.
type Storage interface {
	CheckAndIncrement(ctx context.Context, key Key, resetAt time.Time, limit Limit, cost Cost) (*Record, Breach, error)
}

// Decision is the result of a ledger check.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Ledger  LedgerKind `json:"ledger,omitempty"`
	// Reason is a failure reason code when not allowed.
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Record     *Record       `json:"record,omitempty"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one for
// a blocked decision.
func (d *Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
