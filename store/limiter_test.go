package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusus/envy/errors"
)

func TestLimiter_CeilingEnforced(t *testing.T) {
	_, rdb := testRedis(t)
	limiter := NewLimiter(rdb, Ceiling{Kind: "request", Limit: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Allow(ctx, "request", "g1"))
	}
	err := limiter.Allow(ctx, "request", "g1")
	assert.ErrorIs(t, err, errors.ErrAdmissionDenied)
}

func TestLimiter_KeysHaveIndependentBudgets(t *testing.T) {
	_, rdb := testRedis(t)
	limiter := NewLimiter(rdb, Ceiling{Kind: "request", Limit: 1, Window: time.Minute})
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "request", "g1"))
	assert.ErrorIs(t, limiter.Allow(ctx, "request", "g1"), errors.ErrAdmissionDenied)

	assert.NoError(t, limiter.Allow(ctx, "request", "g2"),
		"one entity exhausting its window does not affect another")
}

func TestLimiter_KindsHaveIndependentCeilings(t *testing.T) {
	_, rdb := testRedis(t)
	limiter := NewLimiter(rdb,
		Ceiling{Kind: "request", Limit: 1, Window: time.Minute},
		Ceiling{Kind: "auth", Limit: 2, Window: time.Minute},
	)
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "request", "caller"))
	assert.ErrorIs(t, limiter.Allow(ctx, "request", "caller"), errors.ErrAdmissionDenied)

	require.NoError(t, limiter.Allow(ctx, "auth", "caller"))
	require.NoError(t, limiter.Allow(ctx, "auth", "caller"))
	assert.ErrorIs(t, limiter.Allow(ctx, "auth", "caller"), errors.ErrAdmissionDenied)
}

func TestLimiter_WindowExpiryRestoresBudget(t *testing.T) {
	_, rdb := testRedis(t)
	limiter := NewLimiter(rdb, Ceiling{Kind: "request", Limit: 1, Window: 50 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "request", "g1"))
	assert.ErrorIs(t, limiter.Allow(ctx, "request", "g1"), errors.ErrAdmissionDenied)

	// Events older than the window are trimmed on the next call, so the
	// budget slides back open
	time.Sleep(70 * time.Millisecond)
	assert.NoError(t, limiter.Allow(ctx, "request", "g1"))
}

func TestLimiter_UnknownKindRejected(t *testing.T) {
	_, rdb := testRedis(t)
	limiter := NewLimiter(rdb, Ceiling{Kind: "request", Limit: 1, Window: time.Minute})

	err := limiter.Allow(context.Background(), "nonsense", "g1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, errors.ErrAdmissionDenied)
}
