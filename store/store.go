// Package store implements the shared persistence layer for the
// reconciliation engine: per-entity game records with a time-ordered index,
// the approval set, the per-entity distributed lock, and the sliding-window
// admission limiter. All state lives in one Redis-compatible store so that
// concurrent invocations in separate processes observe the same records.
package store

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexusus/envy/errors"
)

// Key layout, shared with the lock and limiter
const (
	recordKeyPrefix = "game:"
	lockKeyPrefix   = "lock:game:"
	ratePrefix      = "rate:"
	indexKey        = "games_by_timestamp"
	approvedSetKey  = "public_games"
)

func recordKey(entityID string) string {
	return recordKeyPrefix + entityID
}

// Store provides record persistence over a shared Redis-compatible store
type Store struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// New creates a Store over an established client
func New(rdb redis.UniversalClient, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rdb: rdb, logger: logger}
}

// Get retrieves the record for an entity. Returns (nil, nil) when the record
// is absent or its stored shape no longer validates against the current
// schema.
func (s *Store) Get(ctx context.Context, entityID string) (*GameRecord, error) {
	raw, err := s.rdb.Get(ctx, recordKey(entityID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Get", "read record")
	}
	return decodeRecord(raw, s.logger), nil
}

// Put replaces the record and touches the time index in a single pipeline so
// the two stay consistent. Whole-record replace, last writer wins; exclusivity
// comes from the entity lock, not from optimistic concurrency.
func (s *Store) Put(ctx context.Context, entityID string, rec *GameRecord) error {
	rec.EntityID = entityID
	raw, err := encodeRecord(rec)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "Put", "encode record")
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, recordKey(entityID), raw, 0)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(rec.LastSnapshotUnix), Member: entityID})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapFatal(err, "Store", "Put", "write record and index")
	}
	return nil
}

// Delete removes the record and its index entry together
func (s *Store) Delete(ctx context.Context, entityID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, recordKey(entityID))
	pipe.ZRem(ctx, indexKey, entityID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapFatal(err, "Store", "Delete", "delete record and index")
	}
	return nil
}

// IndexTouch refreshes the entity's position in the time-ordered index
func (s *Store) IndexTouch(ctx context.Context, entityID string, ts time.Time) error {
	err := s.rdb.ZAdd(ctx, indexKey, redis.Z{Score: float64(ts.Unix()), Member: entityID}).Err()
	if err != nil {
		return errors.WrapFatal(err, "Store", "IndexTouch", "update index")
	}
	return nil
}

// RemoveIndex drops an entity's index entry without touching the record.
// Used by the sweeper for index entries whose record is already gone.
func (s *Store) RemoveIndex(ctx context.Context, entityID string) error {
	if err := s.rdb.ZRem(ctx, indexKey, entityID).Err(); err != nil {
		return errors.WrapFatal(err, "Store", "RemoveIndex", "remove index entry")
	}
	return nil
}

// ScanOlderThan returns the ids of entities whose last reconciliation is
// older than the cutoff, oldest first
func (s *Store) ScanOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "ScanOlderThan", "scan index")
	}
	return ids, nil
}

// IsApproved reports membership in the public approval set
func (s *Store) IsApproved(ctx context.Context, entityID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, approvedSetKey, entityID).Result()
	if err != nil {
		return false, errors.WrapFatal(err, "Store", "IsApproved", "check approval set")
	}
	return ok, nil
}

// Approve adds an entity to the public approval set
func (s *Store) Approve(ctx context.Context, entityID string) error {
	if err := s.rdb.SAdd(ctx, approvedSetKey, entityID).Err(); err != nil {
		return errors.WrapFatal(err, "Store", "Approve", "add to approval set")
	}
	return nil
}

// Unapprove removes an entity from the public approval set
func (s *Store) Unapprove(ctx context.Context, entityID string) error {
	if err := s.rdb.SRem(ctx, approvedSetKey, entityID).Err(); err != nil {
		return errors.WrapFatal(err, "Store", "Unapprove", "remove from approval set")
	}
	return nil
}

// AllMessageRefs collects every message reference held by current records,
// keyed by message id. Used by the orphan scan to spare referenced messages;
// per-record read failures degrade to an empty contribution since the scan is
// defensive, not authoritative.
func (s *Store) AllMessageRefs(ctx context.Context) (map[string]MessageRef, error) {
	ids, err := s.rdb.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "AllMessageRefs", "list index")
	}
	if len(ids) == 0 {
		return map[string]MessageRef{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	raws, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "AllMessageRefs", "read records")
	}

	refs := make(map[string]MessageRef)
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		rec := decodeRecord([]byte(str), s.logger)
		if rec == nil {
			continue
		}
		if rec.Public != nil {
			refs[rec.Public.MessageID] = *rec.Public
		}
		if rec.Moderation != nil {
			refs[rec.Moderation.MessageID] = *rec.Moderation
		}
	}
	return refs, nil
}

// Stats summarizes the tracked population
type Stats struct {
	TotalGames         int64
	TotalPlayers       int64
	HighestPlayerCount int
}

// AggregateStats computes population statistics from cached record fields.
// Read failures for individual records degrade to zero contributions rather
// than failing the whole aggregation.
func (s *Store) AggregateStats(ctx context.Context) (Stats, error) {
	total, err := s.rdb.ZCard(ctx, indexKey).Result()
	if err != nil {
		return Stats{}, errors.WrapTransient(err, "Store", "AggregateStats", "count index")
	}
	stats := Stats{TotalGames: total}
	if total == 0 {
		return stats, nil
	}

	ids, err := s.rdb.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return stats, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	raws, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return stats, nil
	}

	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		rec := decodeRecord([]byte(str), s.logger)
		if rec == nil {
			continue
		}
		stats.TotalPlayers += int64(rec.PlayerCount)
		if rec.PlayerCount > stats.HighestPlayerCount {
			stats.HighestPlayerCount = rec.PlayerCount
		}
	}
	return stats, nil
}
