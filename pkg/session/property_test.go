package session

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genDelta() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf("a", "b", "c", "d"),
		gen.Float64Range(-3, 3),
		gen.Float64Range(-3, 3),
	).Map(func(v []interface{}) Delta {
		return Delta{ClaimID: v[0].(string), Support: v[1].(float64), Refute: v[2].(float64)}
	})
}

func genTurns() gopter.Gen {
	return gen.SliceOfN(12, gen.SliceOf(genDelta()))
}

// Property: for every turn, |new - old| <= max_step and all scores stay in range.
func TestProperty_ClampInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	bounds := DefaultBounds()

	properties.Property("each turn moves a score by at most max_step", prop.ForAll(
		func(turns [][]Delta) bool {
			store := NewMemoryStore(time.Hour, bounds)
			ctx := context.Background()
			prev := map[string]Hypothesis{}
			for _, deltas := range turns {
				next, err := store.ApplyUpdate(ctx, "prop", deltas)
				if err != nil {
					return false
				}
				for _, h := range next {
					old, seen := prev[h.ClaimID]
					if !seen {
						old = Hypothesis{}
					}
					if math.Abs(h.Support-old.Support) > bounds.MaxStep+1e-12 ||
						math.Abs(h.Refute-old.Refute) > bounds.MaxStep+1e-12 {
						return false
					}
					if h.Support < bounds.Min || h.Support > bounds.Max || h.Refute < bounds.Min || h.Refute > bounds.Max {
						return false
					}
					prev[h.ClaimID] = h
				}
			}
			return true
		},
		genTurns(),
	))

	properties.TestingRun(t)
}

// Property: ApplyUpdate never shrinks the set of stored claim ids.
func TestProperty_NonDeletion(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("stored ids only grow", prop.ForAll(
		func(turns [][]Delta) bool {
			store := NewMemoryStore(time.Hour, DefaultBounds())
			ctx := context.Background()
			known := map[string]bool{}
			for _, deltas := range turns {
				next, err := store.ApplyUpdate(ctx, "prop", deltas)
				if err != nil {
					return false
				}
				ids := map[string]bool{}
				for _, h := range next {
					ids[h.ClaimID] = true
				}
				for id := range known {
					if !ids[id] {
						return false
					}
				}
				known = ids
			}
			return true
		},
		genTurns(),
	))

	properties.TestingRun(t)
}

// Property: after the TTL elapses the session is empty regardless of history.
func TestProperty_TTLResets(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("expired sessions read back empty", prop.ForAll(
		func(turns [][]Delta, extraSeconds int) bool {
			clk := newFakeClock()
			store := NewMemoryStore(time.Minute, DefaultBounds()).WithClock(clk.Now)
			ctx := context.Background()
			for _, deltas := range turns {
				if _, err := store.ApplyUpdate(ctx, "prop", deltas); err != nil {
					return false
				}
			}
			clk.Advance(time.Minute + time.Duration(extraSeconds)*time.Second)
			h, err := store.GetOrCreate(ctx, "prop")
			return err == nil && len(h.Hypotheses) == 0
		},
		genTurns(),
		gen.IntRange(0, 3600),
	))

	properties.TestingRun(t)
}
