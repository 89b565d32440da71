package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer func() { _ = client.Close() }()

	// Redis applies PEXPIREAT against its own clock, so start from real time.
	clk := &fakeClock{now: time.Now()}
	store := NewRedisStore(client, time.Minute, DefaultBounds()).WithClock(clk.Now)
	id := "itest-" + time.Now().Format("150405.000000")
	defer client.Del(ctx, store.key(id))

	h, err := store.GetOrCreate(ctx, id)
	require.NoError(t, err)
	assert.True(t, h.Created)
	assert.Empty(t, h.Hypotheses)

	hyps, err := store.ApplyUpdate(ctx, id, []Delta{{ClaimID: "a", Support: 0.9}, {ClaimID: "b", Refute: -0.1}})
	require.NoError(t, err)
	require.Len(t, hyps, 2)
	assert.InDelta(t, 0.25, hyps[0].Support, 1e-9)
	assert.InDelta(t, -0.1, hyps[1].Refute, 1e-9)

	hyps, err = store.ApplyUpdate(ctx, id, nil)
	require.NoError(t, err)
	assert.Len(t, hyps, 2)

	clk.Advance(time.Minute)
	expired, err := store.IsExpired(ctx, id)
	require.NoError(t, err)
	assert.True(t, expired)

	h, err = store.GetOrCreate(ctx, id)
	require.NoError(t, err)
	assert.True(t, h.Created)
	assert.Empty(t, h.Hypotheses)
}

func TestDecodeHash(t *testing.T) {
	h, err := decodeHash([]interface{}{
		"_created", "1000",
		"_expires", "61000",
		"h:b", "0.5|-0.25",
		"h:a", "0.1|0",
	})
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(61000), h.ExpiresAt)
	require.Len(t, h.Hypotheses, 2)
	assert.Equal(t, "a", h.Hypotheses[0].ClaimID)
	assert.Equal(t, -0.25, h.Hypotheses[1].Refute)

	_, err = decodeHash([]interface{}{"h:a", "garbage"})
	assert.Error(t, err)
}
