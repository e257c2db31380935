// Package reconcile implements the game-state reconciliation engine: given a
// snapshot for one entity it decides the target presentation state, diffs it
// against the previously recorded state, and drives the remote gateway so
// that at most one public and one moderation message exist per entity.
package reconcile

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nexusus/envy/config"
	"github.com/nexusus/envy/errors"
	"github.com/nexusus/envy/gateway"
	"github.com/nexusus/envy/metric"
	"github.com/nexusus/envy/store"
)

// Snapshot is a point-in-time report of an entity's observable metrics,
// delivered after upstream auth and admission checks
type Snapshot struct {
	EntityID    string
	JobID       string
	PlayerCount int
	Description string
	Name        string
	SourceRef   string
}

// Action describes how a moderator changed an entity's approval state
type Action struct {
	EntityID string
	Approve  bool // false privatizes
}

// ResultAction classifies the outcome of one reconciliation
type ResultAction string

const (
	// ActionSkipped means the entity was filtered out and torn down
	ActionSkipped ResultAction = "skipped"
	// ActionReconciled means target state was computed and synchronized
	ActionReconciled ResultAction = "reconciled"
	// ActionBusy means another reconciliation held the entity lock
	ActionBusy ResultAction = "busy"
)

// Result reports the outcome of one reconciliation
type Result struct {
	Action        ResultAction
	PublicRef     *store.MessageRef
	ModerationRef *store.MessageRef
}

// Store is the record persistence the engine depends on
type Store interface {
	Get(ctx context.Context, entityID string) (*store.GameRecord, error)
	Put(ctx context.Context, entityID string, rec *store.GameRecord) error
	Delete(ctx context.Context, entityID string) error
	IsApproved(ctx context.Context, entityID string) (bool, error)
	Approve(ctx context.Context, entityID string) error
	Unapprove(ctx context.Context, entityID string) error
}

// Locker is the per-entity mutual exclusion primitive
type Locker interface {
	Acquire(ctx context.Context, entityID string) (string, error)
	Release(ctx context.Context, entityID, token string) error
}

// Gateway is the remote presentation surface the engine mutates
type Gateway interface {
	Upsert(ctx context.Context, destination, messageID string, payload gateway.Payload) (string, error)
	Delete(ctx context.Context, destination, messageID string) error
}

// Formatter assembles message payloads; the body itself is an adjacent
// collaborator's concern
type Formatter interface {
	Public(s Snapshot) gateway.Payload
	Moderation(s Snapshot, approved bool) gateway.Payload
}

// Options configures the engine policy
type Options struct {
	Buckets             config.BucketTable
	ModerationChannelID string
	ModerationThreshold int
	ExclusionMarkers    []string
}

// Engine orchestrates reconciliations. All dependencies are injected with
// explicit lifecycles; the engine itself holds no cross-invocation state, so
// it is safe for concurrent use across goroutines and processes.
type Engine struct {
	store     Store
	lock      Locker
	gw        Gateway
	formatter Formatter
	opts      Options
	metrics   *metric.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Engine
func New(st Store, lock Locker, gw Gateway, formatter Formatter, opts Options,
	metrics *metric.Metrics, logger *slog.Logger) (*Engine, error) {

	if st == nil || lock == nil || gw == nil || formatter == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Engine", "New", "nil dependency")
	}
	if err := opts.Buckets.Validate(); err != nil {
		return nil, err
	}
	if opts.ModerationChannelID == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "New", "moderation channel required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:     st,
		lock:      lock,
		gw:        gw,
		formatter: formatter,
		opts:      opts,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Reconcile synchronizes one entity's presentation state with a snapshot.
// Exactly one reconciliation runs per entity at a time: a busy lock aborts
// the attempt with ErrLockBusy rather than queueing behind the holder.
func (e *Engine) Reconcile(ctx context.Context, snap Snapshot) (Result, error) {
	if snap.EntityID == "" {
		return Result{}, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "Reconcile", "snapshot has no entity id")
	}

	start := e.now()
	token, err := e.lock.Acquire(ctx, snap.EntityID)
	if err != nil {
		if stderrors.Is(err, errors.ErrLockBusy) {
			e.count(ActionBusy, "busy")
			if e.metrics != nil {
				e.metrics.LockContentionTotal.Inc()
			}
			return Result{Action: ActionBusy}, err
		}
		return Result{}, err
	}
	defer func() {
		// Best-effort: the TTL reclaims the lock if release fails
		if rerr := e.lock.Release(ctx, snap.EntityID, token); rerr != nil {
			e.logger.Warn("lock release failed", "entity", snap.EntityID, "error", rerr)
		}
	}()

	res, err := e.reconcileLocked(ctx, snap)
	if e.metrics != nil {
		e.metrics.ReconcileDuration.Observe(e.now().Sub(start).Seconds())
	}
	if err != nil {
		e.count(res.Action, "error")
	} else {
		e.count(res.Action, "ok")
	}
	return res, err
}

func (e *Engine) reconcileLocked(ctx context.Context, snap Snapshot) (Result, error) {
	prev, err := e.store.Get(ctx, snap.EntityID)
	if err != nil {
		return Result{}, err
	}

	rec := prev
	if rec == nil {
		rec = &store.GameRecord{EntityID: snap.EntityID}
	}

	// Step 1: filter. Unplayable or excluded entities are fully torn down.
	dest, playable := e.opts.Buckets.DestinationFor(snap.PlayerCount)
	if snap.PlayerCount == 0 || e.excluded(snap.Description) || !playable {
		return e.teardown(ctx, snap.EntityID, prev)
	}

	// Step 3: moderation classification with irreversible latch
	isModerationCandidate := snap.PlayerCount > e.opts.ModerationThreshold || rec.HasBeenModerated
	rec.HasBeenModerated = rec.HasBeenModerated || isModerationCandidate

	approved := false
	if isModerationCandidate {
		approved, err = e.store.IsApproved(ctx, snap.EntityID)
		if err != nil {
			return Result{}, err
		}
	}

	// Step 4: target visibility
	wantModeration := isModerationCandidate
	wantPublic := !isModerationCandidate || approved

	// Step 5: diff and mutate. The two destinations are independent remote
	// objects; a failure in one must not prevent the attempt at the other.
	var remoteErrs []error

	if wantModeration {
		if err := e.syncModeration(ctx, snap, rec, approved); err != nil {
			remoteErrs = append(remoteErrs, err)
		}
	}

	if wantPublic {
		if err := e.syncPublic(ctx, snap, rec, dest); err != nil {
			remoteErrs = append(remoteErrs, err)
		}
	} else if rec.Public != nil {
		// No public target: a newly-moderated or privatized entity must not
		// keep a live public message
		if err := e.deleteRef(ctx, rec.Public); err != nil {
			remoteErrs = append(remoteErrs, err)
		} else {
			rec.Public = nil
		}
	}

	// Step 6: persist only after the remote operations were attempted, so a
	// failure is never masked by a premature write. The refs written reflect
	// the remote state actually achieved.
	rec.LastSnapshotUnix = e.now().Unix()
	rec.PlayerCount = snap.PlayerCount
	rec.Name = snap.Name
	rec.SourceRef = snap.SourceRef
	rec.JobID = snap.JobID
	if err := e.store.Put(ctx, snap.EntityID, rec); err != nil {
		remoteErrs = append(remoteErrs, err)
		return Result{Action: ActionReconciled}, stderrors.Join(remoteErrs...)
	}

	return Result{
		Action:        ActionReconciled,
		PublicRef:     rec.Public,
		ModerationRef: rec.Moderation,
	}, stderrors.Join(remoteErrs...)
}

// syncModeration upserts the moderation message in the moderation channel
func (e *Engine) syncModeration(ctx context.Context, snap Snapshot, rec *store.GameRecord, approved bool) error {
	messageID := ""
	if rec.Moderation != nil {
		messageID = rec.Moderation.MessageID
	}

	newID, err := e.gw.Upsert(ctx, e.opts.ModerationChannelID, messageID, e.formatter.Moderation(snap, approved))
	e.countRemote("upsert_moderation", err)
	if err != nil {
		// Keep the prior reference so a later pass can reconcile
		return err
	}
	rec.Moderation = &store.MessageRef{ChannelID: e.opts.ModerationChannelID, MessageID: newID}
	return nil
}

// syncPublic places the public message at the bucket destination, deleting
// first when the destination changed since messages cannot move
func (e *Engine) syncPublic(ctx context.Context, snap Snapshot, rec *store.GameRecord, dest string) error {
	messageID := ""
	if rec.Public != nil {
		if rec.Public.ChannelID != dest {
			if err := e.deleteRef(ctx, rec.Public); err != nil {
				// Creating at the new destination before the old message is
				// gone would leave two live public messages
				return err
			}
			rec.Public = nil
		} else {
			messageID = rec.Public.MessageID
		}
	}

	newID, err := e.gw.Upsert(ctx, dest, messageID, e.formatter.Public(snap))
	e.countRemote("upsert_public", err)
	if err != nil {
		return err
	}
	rec.Public = &store.MessageRef{ChannelID: dest, MessageID: newID}
	return nil
}

// teardown deletes any live messages and removes the record. When a remote
// delete fails the record is kept, with the surviving refs, so the next
// snapshot or sweep retries the deletion instead of abandoning it.
func (e *Engine) teardown(ctx context.Context, entityID string, rec *store.GameRecord) (Result, error) {
	if rec == nil {
		return Result{Action: ActionSkipped}, nil
	}

	var errs []error
	if rec.Public != nil {
		if err := e.deleteRef(ctx, rec.Public); err != nil {
			errs = append(errs, err)
		} else {
			rec.Public = nil
		}
	}
	if rec.Moderation != nil {
		if err := e.deleteRef(ctx, rec.Moderation); err != nil {
			errs = append(errs, err)
		} else {
			rec.Moderation = nil
		}
	}

	if len(errs) > 0 {
		// Persist whatever progress was made; timestamp unchanged so the
		// sweeper still sees the entity as stale
		if perr := e.store.Put(ctx, entityID, rec); perr != nil {
			errs = append(errs, perr)
		}
		return Result{Action: ActionSkipped}, stderrors.Join(errs...)
	}

	if err := e.store.Delete(ctx, entityID); err != nil {
		return Result{Action: ActionSkipped}, err
	}
	return Result{Action: ActionSkipped}, nil
}

// ApplyModeratorAction mutates the approval set and re-runs the engine's
// diffing as a synthetic reconciliation built from the record's cached
// snapshot fields, so remote messages are never edited outside the engine.
func (e *Engine) ApplyModeratorAction(ctx context.Context, action Action) (Result, error) {
	if action.EntityID == "" {
		return Result{}, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "ApplyModeratorAction", "action has no entity id")
	}

	var err error
	if action.Approve {
		err = e.store.Approve(ctx, action.EntityID)
	} else {
		err = e.store.Unapprove(ctx, action.EntityID)
	}
	if err != nil {
		return Result{}, err
	}

	rec, err := e.store.Get(ctx, action.EntityID)
	if err != nil {
		return Result{}, err
	}
	if rec == nil || rec.PlayerCount == 0 {
		// Nothing live to resynchronize; the approval change takes effect on
		// the next snapshot
		return Result{Action: ActionSkipped}, nil
	}

	return e.Reconcile(ctx, Snapshot{
		EntityID:    action.EntityID,
		JobID:       rec.JobID,
		PlayerCount: rec.PlayerCount,
		Name:        rec.Name,
		SourceRef:   rec.SourceRef,
	})
}

func (e *Engine) excluded(description string) bool {
	desc := strings.ToLower(description)
	for _, marker := range e.opts.ExclusionMarkers {
		if marker != "" && strings.Contains(desc, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (e *Engine) deleteRef(ctx context.Context, ref *store.MessageRef) error {
	err := e.gw.Delete(ctx, ref.ChannelID, ref.MessageID)
	e.countRemote("delete", err)
	return err
}

func (e *Engine) count(action ResultAction, status string) {
	if e.metrics != nil {
		e.metrics.ReconciliationsTotal.WithLabelValues(string(action), status).Inc()
	}
}

func (e *Engine) countRemote(op string, err error) {
	if e.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.metrics.RemoteOpsTotal.WithLabelValues(op, status).Inc()
}
