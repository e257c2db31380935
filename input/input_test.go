package input

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusus/envy/errors"
	"github.com/nexusus/envy/reconcile"
	"github.com/nexusus/envy/store"
)

type fakeMsg struct {
	data   []byte
	acked  bool
	naked  bool
	termed bool
}

func (m *fakeMsg) Data() []byte { return m.data }
func (m *fakeMsg) Ack() error   { m.acked = true; return nil }
func (m *fakeMsg) NakWithDelay(time.Duration) error {
	m.naked = true
	return nil
}
func (m *fakeMsg) Term() error { m.termed = true; return nil }

type fakeEngine struct {
	snapshots    []reconcile.Snapshot
	actions      []reconcile.Action
	reconcileErr error
	actionErr    error
}

func (f *fakeEngine) Reconcile(_ context.Context, snap reconcile.Snapshot) (reconcile.Result, error) {
	f.snapshots = append(f.snapshots, snap)
	return reconcile.Result{Action: reconcile.ActionReconciled}, f.reconcileErr
}

func (f *fakeEngine) ApplyModeratorAction(_ context.Context, action reconcile.Action) (reconcile.Result, error) {
	f.actions = append(f.actions, action)
	return reconcile.Result{Action: reconcile.ActionReconciled}, f.actionErr
}

type fakeAdmission struct {
	checks []string
	deny   map[string]bool
	err    error
}

func (f *fakeAdmission) Allow(_ context.Context, kind, key string) error {
	f.checks = append(f.checks, kind+":"+key)
	if f.err != nil {
		return f.err
	}
	if f.deny[kind] {
		return errors.ErrAdmissionDenied
	}
	return nil
}

type fakeStats struct {
	stats store.Stats
	err   error
}

func (f *fakeStats) AggregateStats(context.Context) (store.Stats, error) {
	return f.stats, f.err
}

func newTestConsumer(engine *fakeEngine, admission *fakeAdmission) *Consumer {
	return &Consumer{
		engine:    engine,
		admission: admission,
		opts:      DefaultOptions(),
		logger:    slog.New(slog.DiscardHandler),
	}
}

func snapshotMsg(t *testing.T, ev SnapshotEvent) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return &fakeMsg{data: data}
}

func TestHandleSnapshot_AdmitsAndReconciles(t *testing.T) {
	engine := &fakeEngine{}
	admission := &fakeAdmission{}
	c := newTestConsumer(engine, admission)

	msg := snapshotMsg(t, SnapshotEvent{
		EntityID: "g1", JobID: "j1", PlayerCount: 12,
		Name: "Test Game", CallerKey: "server-7",
	})
	c.handleSnapshot(context.Background(), msg)

	require.Len(t, engine.snapshots, 1)
	assert.Equal(t, "g1", engine.snapshots[0].EntityID)
	assert.Equal(t, 12, engine.snapshots[0].PlayerCount)
	assert.Equal(t, []string{"auth:server-7", "request:g1"}, admission.checks)
	assert.True(t, msg.acked)
}

func TestHandleSnapshot_MalformedPayloadDiscarded(t *testing.T) {
	engine := &fakeEngine{}
	c := newTestConsumer(engine, &fakeAdmission{})

	msg := &fakeMsg{data: []byte("not json")}
	c.handleSnapshot(context.Background(), msg)

	assert.Empty(t, engine.snapshots)
	assert.True(t, msg.termed)
	assert.False(t, msg.naked)
}

func TestHandleSnapshot_MissingEntityDiscarded(t *testing.T) {
	engine := &fakeEngine{}
	c := newTestConsumer(engine, &fakeAdmission{})

	msg := snapshotMsg(t, SnapshotEvent{PlayerCount: 5})
	c.handleSnapshot(context.Background(), msg)

	assert.Empty(t, engine.snapshots)
	assert.True(t, msg.termed)
}

func TestHandleSnapshot_AdmissionDeniedDropsEvent(t *testing.T) {
	engine := &fakeEngine{}
	admission := &fakeAdmission{deny: map[string]bool{KindRequest: true}}
	c := newTestConsumer(engine, admission)

	msg := snapshotMsg(t, SnapshotEvent{EntityID: "g1"})
	c.handleSnapshot(context.Background(), msg)

	assert.Empty(t, engine.snapshots, "denied events never reach the engine")
	assert.True(t, msg.termed, "denied events are dropped, not requeued")
}

func TestHandleSnapshot_AdmissionFailureFailsOpen(t *testing.T) {
	engine := &fakeEngine{}
	admission := &fakeAdmission{err: errors.ErrStoreUnavailable}
	c := newTestConsumer(engine, admission)

	msg := snapshotMsg(t, SnapshotEvent{EntityID: "g1"})
	c.handleSnapshot(context.Background(), msg)

	assert.Len(t, engine.snapshots, 1)
	assert.True(t, msg.acked)
}

func TestHandleSnapshot_LockBusyDroppedWithoutRequeue(t *testing.T) {
	engine := &fakeEngine{reconcileErr: errors.ErrLockBusy}
	c := newTestConsumer(engine, &fakeAdmission{})

	msg := snapshotMsg(t, SnapshotEvent{EntityID: "g1"})
	c.handleSnapshot(context.Background(), msg)

	assert.True(t, msg.acked, "busy snapshots are superseded, never queued")
	assert.False(t, msg.naked)
}

func TestHandleSnapshot_TransientFailureRequeued(t *testing.T) {
	engine := &fakeEngine{
		reconcileErr: errors.WrapTransient(errors.ErrStoreUnavailable, "Store", "Get", "read record"),
	}
	c := newTestConsumer(engine, &fakeAdmission{})

	msg := snapshotMsg(t, SnapshotEvent{EntityID: "g1"})
	c.handleSnapshot(context.Background(), msg)

	assert.True(t, msg.naked)
	assert.False(t, msg.acked)
}

func TestHandleSnapshot_PermanentFailureDiscarded(t *testing.T) {
	engine := &fakeEngine{
		reconcileErr: errors.WrapFatal(errors.ErrRemotePermanent, "Gateway", "Create", "post message"),
	}
	c := newTestConsumer(engine, &fakeAdmission{})

	msg := snapshotMsg(t, SnapshotEvent{EntityID: "g1"})
	c.handleSnapshot(context.Background(), msg)

	assert.True(t, msg.termed)
	assert.False(t, msg.naked)
}

func TestHandleAction_AppliesModeratorDecision(t *testing.T) {
	engine := &fakeEngine{}
	admission := &fakeAdmission{}
	c := newTestConsumer(engine, admission)

	data, err := json.Marshal(ActionEvent{EntityID: "g1", Approve: true, Moderator: "mod-1"})
	require.NoError(t, err)
	msg := &fakeMsg{data: data}
	c.handleAction(context.Background(), msg)

	require.Len(t, engine.actions, 1)
	assert.Equal(t, reconcile.Action{EntityID: "g1", Approve: true}, engine.actions[0])
	assert.Equal(t, []string{"auth:mod-1"}, admission.checks)
	assert.True(t, msg.acked)
}

func TestHandleAction_DeniedModeratorDropped(t *testing.T) {
	engine := &fakeEngine{}
	admission := &fakeAdmission{deny: map[string]bool{KindAuth: true}}
	c := newTestConsumer(engine, admission)

	data, err := json.Marshal(ActionEvent{EntityID: "g1", Approve: false, Moderator: "mod-1"})
	require.NoError(t, err)
	msg := &fakeMsg{data: data}
	c.handleAction(context.Background(), msg)

	assert.Empty(t, engine.actions)
	assert.True(t, msg.termed)
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, "ENVY_EVENTS", opts.StreamName)
	assert.Equal(t, "envy.snapshots", opts.SnapshotSubject)
	assert.Equal(t, "envy.moderation.actions", opts.ActionSubject)
	assert.Equal(t, "envy.stats.request", opts.StatsSubject)
	assert.Equal(t, 5*time.Second, opts.RedeliverDelay)
}
