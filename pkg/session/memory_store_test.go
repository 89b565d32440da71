package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(ttl time.Duration) (*MemoryStore, *fakeClock) {
	clk := newFakeClock()
	return NewMemoryStore(ttl, DefaultBounds()).WithClock(clk.Now), clk
}

func TestGetOrCreate_NewSessionIsEmpty(t *testing.T) {
	store, clk := newTestStore(30 * time.Minute)
	ctx := context.Background()

	h, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", h.ID)
	assert.True(t, h.Created)
	assert.Empty(t, h.Hypotheses)
	assert.Equal(t, clk.Now().Add(30*time.Minute), h.ExpiresAt)

	again, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, h.CreatedAt, again.CreatedAt)
}

func TestGetOrCreate_InvalidIDGetsFreshOne(t *testing.T) {
	store, _ := newTestStore(time.Minute)
	for _, id := range []string{"", "has space", string(make([]byte, 200))} {
		h, err := store.GetOrCreate(context.Background(), id)
		require.NoError(t, err)
		assert.NotEqual(t, id, h.ID)
		assert.True(t, ValidID(h.ID))
		assert.True(t, h.Created)
	}
}

func TestApplyUpdate_InsertClampsToStep(t *testing.T) {
	store, _ := newTestStore(time.Minute)
	ctx := context.Background()

	hyps, err := store.ApplyUpdate(ctx, "s1", []Delta{
		{ClaimID: "wants_refund", Support: 0.9, Refute: -0.1},
		{ClaimID: "is_returning", Support: 0.1},
	})
	require.NoError(t, err)
	require.Len(t, hyps, 2)

	assert.Equal(t, "is_returning", hyps[0].ClaimID)
	assert.InDelta(t, 0.1, hyps[0].Support, 1e-9)
	assert.Equal(t, "wants_refund", hyps[1].ClaimID)
	assert.InDelta(t, 0.25, hyps[1].Support, 1e-9)
	assert.InDelta(t, -0.1, hyps[1].Refute, 1e-9)
}

func TestApplyUpdate_ClampsStepAndRange(t *testing.T) {
	store, _ := newTestStore(time.Minute)
	ctx := context.Background()

	var last []Hypothesis
	for i := 0; i < 10; i++ {
		var err error
		last, err = store.ApplyUpdate(ctx, "s1", []Delta{{ClaimID: "c", Support: 5, Refute: -5}})
		require.NoError(t, err)
	}
	require.Len(t, last, 1)
	assert.Equal(t, 1.0, last[0].Support)
	assert.Equal(t, -1.0, last[0].Refute)
}

func TestApplyUpdate_DuplicateClaimsMoveOncePerTurn(t *testing.T) {
	store, _ := newTestStore(time.Minute)
	hyps, err := store.ApplyUpdate(context.Background(), "s1", []Delta{
		{ClaimID: "c", Support: 0.2},
		{ClaimID: "c", Support: 0.2},
		{ClaimID: "c", Support: 0.2},
	})
	require.NoError(t, err)
	require.Len(t, hyps, 1)
	assert.InDelta(t, 0.25, hyps[0].Support, 1e-9)
}

func TestApplyUpdate_NaNIsIgnored(t *testing.T) {
	store, _ := newTestStore(time.Minute)
	hyps, err := store.ApplyUpdate(context.Background(), "s1", []Delta{{ClaimID: "c", Support: math.NaN(), Refute: math.Inf(1)}})
	require.NoError(t, err)
	require.Len(t, hyps, 1)
	assert.Equal(t, 0.0, hyps[0].Support)
	assert.Equal(t, 0.25, hyps[0].Refute)
}

func TestApplyUpdate_NeverDeletes(t *testing.T) {
	store, _ := newTestStore(time.Minute)
	ctx := context.Background()

	_, err := store.ApplyUpdate(ctx, "s1", []Delta{{ClaimID: "a", Support: 0.1}, {ClaimID: "b", Support: 0.1}})
	require.NoError(t, err)

	hyps, err := store.ApplyUpdate(ctx, "s1", nil)
	require.NoError(t, err)
	assert.Len(t, hyps, 2)

	hyps, err = store.ApplyUpdate(ctx, "s1", []Delta{{ClaimID: "c", Refute: 0.1}})
	require.NoError(t, err)
	assert.Len(t, hyps, 3)
}

func TestApplyUpdate_CapRefusesNewClaimsOnly(t *testing.T) {
	clk := newFakeClock()
	b := DefaultBounds()
	b.MaxHypotheses = 2
	store := NewMemoryStore(time.Minute, b).WithClock(clk.Now)
	ctx := context.Background()

	_, err := store.ApplyUpdate(ctx, "s1", []Delta{{ClaimID: "a", Support: 0.1}, {ClaimID: "b", Support: 0.1}})
	require.NoError(t, err)
	hyps, err := store.ApplyUpdate(ctx, "s1", []Delta{{ClaimID: "c", Support: 0.1}, {ClaimID: "a", Support: 0.1}})
	require.NoError(t, err)
	require.Len(t, hyps, 2)
	assert.InDelta(t, 0.2, hyps[0].Support, 1e-9)
}

func TestApplyUpdate_InvalidID(t *testing.T) {
	store, _ := newTestStore(time.Minute)
	_, err := store.ApplyUpdate(context.Background(), "bad id", nil)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestApplyUpdate_CancelledContextMutatesNothing(t *testing.T) {
	store, _ := newTestStore(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.ApplyUpdate(ctx, "s1", []Delta{{ClaimID: "a", Support: 0.1}})
	require.ErrorIs(t, err, context.Canceled)

	h, err := store.GetOrCreate(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, h.Hypotheses)
}

func TestTTL_ExpiredSessionIsEmpty(t *testing.T) {
	store, clk := newTestStore(10 * time.Minute)
	ctx := context.Background()

	_, err := store.ApplyUpdate(ctx, "s1", []Delta{{ClaimID: "a", Support: 0.2}})
	require.NoError(t, err)

	expired, err := store.IsExpired(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, expired)

	clk.Advance(10 * time.Minute)

	expired, err = store.IsExpired(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, expired, "exact TTL boundary counts as expired")

	h, err := store.GetOrCreate(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, h.Created)
	assert.Empty(t, h.Hypotheses)
}

func TestIsExpired_UnknownSession(t *testing.T) {
	store, _ := newTestStore(time.Minute)
	expired, err := store.IsExpired(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestSweep(t *testing.T) {
	store, clk := newTestStore(time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.GetOrCreate(ctx, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, store.Sweep())
	clk.Advance(2 * time.Minute)
	_, err := store.GetOrCreate(ctx, "fresh")
	require.NoError(t, err)

	assert.Equal(t, 5, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

func TestApplyUpdate_ConcurrentSameSessionKeepsClamp(t *testing.T) {
	store, _ := newTestStore(time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ApplyUpdate(ctx, "shared", []Delta{{ClaimID: "c", Support: 0.05}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	h, err := store.GetOrCreate(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, h.Hypotheses, 1)
	assert.Equal(t, 1.0, h.Hypotheses[0].Support)
}

func TestProject_DoesNotMutateInput(t *testing.T) {
	in := []Hypothesis{{ClaimID: "a", Support: 0.5}}
	out := Project(in, []Delta{{ClaimID: "a", Support: 0.1}}, DefaultBounds())
	assert.Equal(t, 0.5, in[0].Support)
	assert.InDelta(t, 0.6, out[0].Support, 1e-9)
}
