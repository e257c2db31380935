package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, rdb := testRedis(t)
	return mr, New(rdb, slog.New(slog.DiscardHandler))
}

func TestStore_GetAbsentReturnsNil(t *testing.T) {
	_, st := testStore(t)

	rec, err := st.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	_, st := testStore(t)
	ctx := context.Background()

	in := &GameRecord{
		Public:           &MessageRef{ChannelID: "lo", MessageID: "m1"},
		Moderation:       &MessageRef{ChannelID: "mod", MessageID: "m2"},
		HasBeenModerated: true,
		LastSnapshotUnix: time.Now().Unix(),
		PlayerCount:      42,
		Name:             "Test Game",
		SourceRef:        "src-1",
		JobID:            "job-1",
	}
	require.NoError(t, st.Put(ctx, "g1", in))

	out, err := st.Get(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "g1", out.EntityID)
	assert.Equal(t, SchemaVersion, out.Version)
	assert.Equal(t, in.Public, out.Public)
	assert.Equal(t, in.Moderation, out.Moderation)
	assert.True(t, out.HasBeenModerated)
	assert.Equal(t, 42, out.PlayerCount)
	assert.Equal(t, "job-1", out.JobID)
}

func TestStore_PutWritesRecordAndIndexTogether(t *testing.T) {
	_, st := testStore(t)
	ctx := context.Background()
	ts := time.Now()

	require.NoError(t, st.Put(ctx, "g1", &GameRecord{LastSnapshotUnix: ts.Unix()}))

	ids, err := st.ScanOlderThan(ctx, ts.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, ids, "index entry written with the record")

	ids, err = st.ScanOlderThan(ctx, ts.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, ids, "fresh entity sits past the cutoff")
}

func TestStore_DeleteRemovesRecordAndIndexTogether(t *testing.T) {
	_, st := testStore(t)
	ctx := context.Background()
	ts := time.Now()

	require.NoError(t, st.Put(ctx, "g1", &GameRecord{LastSnapshotUnix: ts.Unix()}))
	require.NoError(t, st.Delete(ctx, "g1"))

	rec, err := st.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	ids, err := st.ScanOlderThan(ctx, ts.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids, "no dangling index entry after delete")
}

func TestStore_IndexTouchReorders(t *testing.T) {
	_, st := testStore(t)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	require.NoError(t, st.Put(ctx, "g1", &GameRecord{LastSnapshotUnix: old.Unix()}))
	require.NoError(t, st.IndexTouch(ctx, "g1", time.Now()))

	ids, err := st.ScanOlderThan(ctx, old.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, ids, "touched entity no longer counts as stale")
}

func TestStore_RemoveIndexLeavesRecord(t *testing.T) {
	_, st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "g1", &GameRecord{LastSnapshotUnix: 1}))
	require.NoError(t, st.RemoveIndex(ctx, "g1"))

	ids, err := st.ScanOlderThan(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, ids)

	rec, err := st.Get(ctx, "g1")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestStore_ApprovalSet(t *testing.T) {
	_, st := testStore(t)
	ctx := context.Background()

	ok, err := st.IsApproved(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Approve(ctx, "g1"))
	ok, err = st.IsApproved(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, st.Unapprove(ctx, "g1"))
	ok, err = st.IsApproved(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_AllMessageRefs(t *testing.T) {
	_, st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "g1", &GameRecord{
		LastSnapshotUnix: 1,
		Public:           &MessageRef{ChannelID: "lo", MessageID: "m1"},
	}))
	require.NoError(t, st.Put(ctx, "g2", &GameRecord{
		LastSnapshotUnix: 2,
		Public:           &MessageRef{ChannelID: "md", MessageID: "m2"},
		Moderation:       &MessageRef{ChannelID: "mod", MessageID: "m3"},
	}))

	refs, err := st.AllMessageRefs(ctx)
	require.NoError(t, err)
	assert.Len(t, refs, 3)
	assert.Equal(t, MessageRef{ChannelID: "lo", MessageID: "m1"}, refs["m1"])
	assert.Equal(t, MessageRef{ChannelID: "mod", MessageID: "m3"}, refs["m3"])
}

func TestStore_AllMessageRefsSkipsLegacyBlobs(t *testing.T) {
	mr, st := testStore(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "g1", &GameRecord{
		LastSnapshotUnix: 1,
		Public:           &MessageRef{ChannelID: "lo", MessageID: "m1"},
	}))
	// A pre-versioning record left behind by an older deployment
	require.NoError(t, mr.Set(recordKey("legacy"), `{"someOldShape":true}`))
	_, err := mr.ZAdd(indexKey, 2, "legacy")
	require.NoError(t, err)

	refs, err := st.AllMessageRefs(ctx)
	require.NoError(t, err)
	assert.Len(t, refs, 1, "legacy blob degrades to no contribution")
}

func TestStore_AggregateStats(t *testing.T) {
	_, st := testStore(t)
	ctx := context.Background()

	stats, err := st.AggregateStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalGames)

	require.NoError(t, st.Put(ctx, "g1", &GameRecord{LastSnapshotUnix: 1, PlayerCount: 10}))
	require.NoError(t, st.Put(ctx, "g2", &GameRecord{LastSnapshotUnix: 2, PlayerCount: 150}))

	stats, err = st.AggregateStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalGames)
	assert.Equal(t, int64(160), stats.TotalPlayers)
	assert.Equal(t, 150, stats.HighestPlayerCount)
}
