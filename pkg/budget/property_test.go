package budget_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/warden/pkg/budget"
)

// TestProperty_AllowedNeverExceedsCeiling checks that within one window exactly
// min(attempts, max) requests are allowed.
func TestProperty_AllowedNeverExceedsCeiling(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("allowed == min(attempts, max)", prop.ForAll(
		func(max, attempts int) bool {
			now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			l := budget.NewLedger(budget.NewMemoryStorage(),
				budget.Limit{Ledger: budget.LedgerRate, Window: time.Hour, MaxRequests: int64(max)},
			).WithClock(func() time.Time { return now })

			allowed := 0
			for i := 0; i < attempts; i++ {
				d, err := l.CheckAndIncrement(context.Background(), subject, budget.Cost{Requests: 1})
				if err != nil {
					return false
				}
				if d.Allowed {
					allowed++
				} else if d.RetryAfterSeconds() <= 0 {
					return false
				}
			}
			want := attempts
			if max < want {
				want = max
			}
			return allowed == want
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}
