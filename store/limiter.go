package store

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nexusus/envy/errors"
)

// Ceiling is one sliding-window admission rule
type Ceiling struct {
	Kind   string // key namespace, e.g. "request" or "auth"
	Limit  int
	Window time.Duration
}

// Limiter enforces sliding-window request and authentication-attempt ceilings
// keyed by caller or entity. Each window is a sorted set of event timestamps
// in the shared store, so concurrent invocations in separate processes share
// one budget.
type Limiter struct {
	rdb      redis.UniversalClient
	ceilings map[string]Ceiling
}

// NewLimiter creates a Limiter with the given ceilings
func NewLimiter(rdb redis.UniversalClient, ceilings ...Ceiling) *Limiter {
	m := make(map[string]Ceiling, len(ceilings))
	for _, c := range ceilings {
		m[c.Kind] = c
	}
	return &Limiter{rdb: rdb, ceilings: m}
}

// Allow records one event for (kind, key) and reports whether the caller is
// still inside the ceiling. Returns ErrAdmissionDenied once the window is
// full.
func (l *Limiter) Allow(ctx context.Context, kind, key string) error {
	ceiling, ok := l.ceilings[kind]
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Limiter", "Allow", "unknown ceiling kind "+kind)
	}

	now := time.Now()
	windowStart := now.Add(-ceiling.Window)
	rateKey := ratePrefix + kind + ":" + key

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rateKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, rateKey, redis.Z{
		Score: float64(now.UnixNano()),
		// uuid member so two events in the same nanosecond both count
		Member: strconv.FormatInt(now.UnixNano(), 10) + ":" + uuid.NewString(),
	})
	countCmd := pipe.ZCard(ctx, rateKey)
	pipe.Expire(ctx, rateKey, ceiling.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapFatal(err, "Limiter", "Allow", "update window")
	}

	if countCmd.Val() > int64(ceiling.Limit) {
		return errors.ErrAdmissionDenied
	}
	return nil
}
