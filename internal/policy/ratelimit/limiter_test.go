package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1: one token every 100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://procure.example.gov/bids"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://procure.example.gov/other"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_DifferentDomains(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example.gov/1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example.gov/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "domain B blocked by domain A")
}

func TestLimiter_ContextCanceled(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.gov"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "https://slow.example.gov")
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit wait")
}

func TestLimiter_DisabledAndNil(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://fast.example.gov"))
	}

	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Wait(context.Background(), "https://x"))

	require.Equal(t, "unknown", hostOf("::not a url"))
	require.Equal(t, "mixed.example.gov", hostOf("https://MIXED.example.gov:8443/x"))
}
