package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/failure"
)

// DefaultFailClosedRetryAfter is the cooldown advised when storage fails.
const DefaultFailClosedRetryAfter = 30 * time.Second

// Ledger evaluates a subject against an ordered list of limits. Windows are
// fixed and aligned to wall-clock boundaries in UTC.
type Ledger struct {
	storage    Storage
	limits     []Limit
	clock      func() time.Time
	logger     *slog.Logger
	failClosed time.Duration
}

// NewLedger creates a ledger. Limits are evaluated in the order given.
func NewLedger(s Storage, limits ...Limit) *Ledger {
	return &Ledger{
		storage:    s,
		limits:     limits,
		clock:      time.Now,
		logger:     slog.Default().With("component", "budget"),
		failClosed: DefaultFailClosedRetryAfter,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger.With("component", "budget")
	return l
}

// WithFailClosedRetryAfter sets the cooldown advised when storage fails.
func (l *Ledger) WithFailClosedRetryAfter(d time.Duration) *Ledger {
	l.failClosed = d
	return l
}

// Limits returns the configured limits.
func (l *Ledger) Limits() []Limit { return append([]Limit(nil), l.limits...) }

// Window returns the [start, end) window containing now.
func Window(now time.Time, window time.Duration) (time.Time, time.Time) {
	start := now.UTC().Truncate(window)
	return start, start.Add(window)
}

// CheckAndIncrement evaluates every limit in order and increments each one that
// allows. The first limit that blocks ends the evaluation. Increments already
// applied to earlier limits are kept. FAIL-CLOSED: a storage error blocks.
func (l *Ledger) CheckAndIncrement(ctx context.Context, subject Subject, cost Cost) (*Decision, error) {
	if l.storage == nil {
		return &Decision{Allowed: false, Reason: failure.ReasonLedgerUnavailable, RetryAfter: l.failClosed},
			fmt.Errorf("%w: no storage configured", ErrStorageUnavailable)
	}

	var last *Decision
	for _, limit := range l.limits {
		now := l.clock()
		start, end := Window(now, limit.Window)
		key := Key{Ledger: limit.Ledger, Subject: subject, WindowStart: start}

		rec, breach, err := l.storage.CheckAndIncrement(ctx, key, end, limit, cost)
		if err != nil {
			l.logger.ErrorContext(ctx, "ledger check failed, blocking",
				"ledger", limit.Ledger, "subject_type", subject.Type, "error", err)
			return &Decision{
				Allowed:    false,
				Ledger:     limit.Ledger,
				Reason:     failure.ReasonLedgerUnavailable,
				RetryAfter: l.failClosed,
			}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}

		if breach != BreachNone {
			d := &Decision{
				Allowed:    false,
				Ledger:     limit.Ledger,
				Reason:     breachReason(limit.Ledger, breach),
				RetryAfter: end.Sub(now),
				Record:     rec,
			}
			l.logger.InfoContext(ctx, "ledger blocked",
				"ledger", limit.Ledger, "subject_type", subject.Type, "reason", d.Reason,
				"requests", rec.Requests, "tokens", rec.Tokens, "retry_after_s", d.RetryAfterSeconds())
			return d, nil
		}
		last = &Decision{Allowed: true, Ledger: limit.Ledger, Record: rec}
	}

	if last == nil {
		return &Decision{Allowed: true}, nil
	}
	return last, nil
}

func breachReason(ledger LedgerKind, b Breach) string {
	if ledger == LedgerRate {
		return failure.ReasonRateWindowExceeded
	}
	if b == BreachTokens {
		return failure.ReasonQuotaTokens
	}
	return failure.ReasonQuotaRequests
}
