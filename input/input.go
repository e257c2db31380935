// Package input consumes snapshot and moderator-action events from JetStream,
// applies admission control, and drives the reconciliation engine. It also
// answers population-stats queries over request-reply.
package input

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/nexusus/envy/errors"
	"github.com/nexusus/envy/metric"
	"github.com/nexusus/envy/reconcile"
	"github.com/nexusus/envy/store"
)

// Admission kinds, each with its own sliding-window ceiling
const (
	KindRequest = "request"
	KindAuth    = "auth"
)

// Engine applies events to the tracked population
type Engine interface {
	Reconcile(ctx context.Context, snap reconcile.Snapshot) (reconcile.Result, error)
	ApplyModeratorAction(ctx context.Context, action reconcile.Action) (reconcile.Result, error)
}

// Admission gates events before they reach the engine
type Admission interface {
	Allow(ctx context.Context, kind, key string) error
}

// StatsSource answers population-stats queries
type StatsSource interface {
	AggregateStats(ctx context.Context) (store.Stats, error)
}

// SnapshotEvent is the wire form of one game snapshot
type SnapshotEvent struct {
	EntityID    string `json:"entity_id"`
	JobID       string `json:"job_id"`
	PlayerCount int    `json:"player_count"`
	Description string `json:"description"`
	Name        string `json:"name"`
	SourceRef   string `json:"source_ref"`
	// CallerKey identifies the submitting server for admission accounting;
	// falls back to EntityID when absent
	CallerKey string `json:"caller_key,omitempty"`
}

// ActionEvent is the wire form of one moderator decision
type ActionEvent struct {
	EntityID  string `json:"entity_id"`
	Approve   bool   `json:"approve"`
	Moderator string `json:"moderator"`
}

// Options configures the consumer
type Options struct {
	StreamName      string
	SnapshotSubject string
	ActionSubject   string
	StatsSubject    string
	// RedeliverDelay is how long a transiently failed event waits before
	// redelivery
	RedeliverDelay time.Duration
	// HandleTimeout bounds the processing of a single event
	HandleTimeout time.Duration
}

// DefaultOptions returns Options with sensible defaults applied
func DefaultOptions() Options {
	return Options{
		StreamName:      "ENVY_EVENTS",
		SnapshotSubject: "envy.snapshots",
		ActionSubject:   "envy.moderation.actions",
		StatsSubject:    "envy.stats.request",
		RedeliverDelay:  5 * time.Second,
		HandleTimeout:   15 * time.Second,
	}
}

// ackMsg is the slice of jetstream.Msg the handlers need
type ackMsg interface {
	Data() []byte
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

// Consumer wires JetStream delivery into the reconciliation engine
type Consumer struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	engine    Engine
	admission Admission
	stats     StatsSource
	opts      Options
	metrics   *metric.Metrics
	logger    *slog.Logger

	// Lifecycle management
	lifecycleMu sync.Mutex
	running     bool
	consumers   []jetstream.ConsumeContext
	statsSub    *nats.Subscription
}

// New creates a Consumer
func New(nc *nats.Conn, js jetstream.JetStream, engine Engine, admission Admission, stats StatsSource, opts Options, metrics *metric.Metrics, logger *slog.Logger) (*Consumer, error) {
	if nc == nil || js == nil || engine == nil || admission == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Consumer", "New", "nil dependency")
	}
	if opts.StreamName == "" || opts.SnapshotSubject == "" || opts.ActionSubject == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Consumer", "New",
			"stream name and subjects are required")
	}
	if opts.RedeliverDelay <= 0 {
		opts.RedeliverDelay = 5 * time.Second
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		nc:        nc,
		js:        js,
		engine:    engine,
		admission: admission,
		stats:     stats,
		opts:      opts,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Initialize ensures the event stream exists
func (c *Consumer) Initialize(ctx context.Context) error {
	subjects := []string{c.opts.SnapshotSubject, c.opts.ActionSubject}
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.opts.StreamName,
		Subjects:  subjects,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return errors.WrapTransient(err, "Consumer", "Initialize", "create stream")
	}
	return nil
}

// Start creates durable consumers for both subjects and the stats responder
func (c *Consumer) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Consumer", "Start", "check running state")
	}

	if err := c.consume(ctx, "envy-snapshots", c.opts.SnapshotSubject, c.handleSnapshot); err != nil {
		return err
	}
	if err := c.consume(ctx, "envy-actions", c.opts.ActionSubject, c.handleAction); err != nil {
		c.stopConsumers()
		return err
	}

	if c.stats != nil && c.opts.StatsSubject != "" {
		sub, err := c.nc.Subscribe(c.opts.StatsSubject, c.handleStatsRequest)
		if err != nil {
			c.stopConsumers()
			return errors.WrapTransient(err, "Consumer", "Start", "subscribe stats subject")
		}
		c.statsSub = sub
	}

	c.running = true
	return nil
}

// Stop stops message delivery
func (c *Consumer) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.running {
		return nil
	}

	if c.statsSub != nil {
		if err := c.statsSub.Drain(); err != nil {
			c.logger.Warn("stats subscription drain failed", "error", err)
		}
		c.statsSub = nil
	}
	c.stopConsumers()

	// Push any pending acks out before reporting stopped
	if err := c.nc.FlushTimeout(timeout); err != nil {
		c.logger.Warn("flush on stop failed", "error", err)
	}

	c.running = false
	return nil
}

func (c *Consumer) stopConsumers() {
	for _, cc := range c.consumers {
		cc.Stop()
	}
	c.consumers = nil
}

func (c *Consumer) consume(ctx context.Context, durable, subject string, handler func(context.Context, ackMsg)) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.opts.StreamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return errors.WrapTransient(err, "Consumer", "consume", "create consumer "+durable)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		hctx, cancel := context.WithTimeout(context.Background(), c.opts.HandleTimeout)
		defer cancel()
		handler(hctx, msg)
	})
	if err != nil {
		return errors.WrapTransient(err, "Consumer", "consume", "start consuming "+subject)
	}

	c.consumers = append(c.consumers, cc)
	return nil
}

// handleSnapshot admits and reconciles one snapshot event. A snapshot whose
// entity is busy is dropped, not requeued: the holder's outcome supersedes it
// and the next periodic snapshot carries fresher state anyway.
func (c *Consumer) handleSnapshot(ctx context.Context, msg ackMsg) {
	var ev SnapshotEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil || ev.EntityID == "" {
		c.logger.Warn("discarding malformed snapshot event", "error", err)
		_ = msg.Term()
		return
	}

	caller := ev.CallerKey
	if caller == "" {
		caller = ev.EntityID
	}
	if !c.admit(ctx, KindAuth, caller) || !c.admit(ctx, KindRequest, ev.EntityID) {
		_ = msg.Term()
		return
	}

	_, err := c.engine.Reconcile(ctx, reconcile.Snapshot{
		EntityID:    ev.EntityID,
		JobID:       ev.JobID,
		PlayerCount: ev.PlayerCount,
		Description: ev.Description,
		Name:        ev.Name,
		SourceRef:   ev.SourceRef,
	})
	c.finish(msg, ev.EntityID, "snapshot", err)
}

// handleAction admits and applies one moderator decision
func (c *Consumer) handleAction(ctx context.Context, msg ackMsg) {
	var ev ActionEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil || ev.EntityID == "" {
		c.logger.Warn("discarding malformed action event", "error", err)
		_ = msg.Term()
		return
	}

	moderator := ev.Moderator
	if moderator == "" {
		moderator = ev.EntityID
	}
	if !c.admit(ctx, KindAuth, moderator) {
		_ = msg.Term()
		return
	}

	_, err := c.engine.ApplyModeratorAction(ctx, reconcile.Action{
		EntityID: ev.EntityID,
		Approve:  ev.Approve,
	})
	c.finish(msg, ev.EntityID, "action", err)
}

// admit runs one admission check; a denied event is dropped rather than
// requeued so it cannot be re-counted against the window on redelivery
func (c *Consumer) admit(ctx context.Context, kind, key string) bool {
	err := c.admission.Allow(ctx, kind, key)
	if err == nil {
		return true
	}
	if stderrors.Is(err, errors.ErrAdmissionDenied) {
		if c.metrics != nil {
			c.metrics.AdmissionDeniedTotal.WithLabelValues(kind).Inc()
		}
		c.logger.Info("admission denied", "kind", kind, "key", key)
		return false
	}
	// Store trouble: fail open so a degraded limiter does not stall the
	// whole pipeline
	c.logger.Warn("admission check failed, admitting", "kind", kind, "key", key, "error", err)
	return true
}

// finish acks, requeues or discards the event based on the engine outcome
func (c *Consumer) finish(msg ackMsg, entityID, event string, err error) {
	switch {
	case err == nil:
		_ = msg.Ack()
	case stderrors.Is(err, errors.ErrLockBusy):
		_ = msg.Ack()
	case errors.IsTransient(err):
		c.logger.Warn("event processing failed, requeueing", "event", event, "entity", entityID, "error", err)
		_ = msg.NakWithDelay(c.opts.RedeliverDelay)
	default:
		c.logger.Error("event processing failed permanently", "event", event, "entity", entityID, "error", err)
		_ = msg.Term()
	}
}

// handleStatsRequest answers a population-stats query over request-reply
func (c *Consumer) handleStatsRequest(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandleTimeout)
	defer cancel()

	stats, err := c.stats.AggregateStats(ctx)
	if err != nil {
		c.logger.Error("stats aggregation failed", "error", err)
		_ = msg.Respond([]byte(`{"error":"stats unavailable"}`))
		return
	}

	body, err := json.Marshal(map[string]any{
		"total_games":          stats.TotalGames,
		"total_players":        stats.TotalPlayers,
		"highest_player_count": stats.HighestPlayerCount,
	})
	if err != nil {
		c.logger.Error("stats encoding failed", "error", err)
		return
	}
	_ = msg.Respond(body)
}
