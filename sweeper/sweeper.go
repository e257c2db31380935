// Package sweeper implements the background staleness and orphan
// reconciliation pass that runs outside the snapshot request path.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexusus/envy/errors"
	"github.com/nexusus/envy/gateway"
	"github.com/nexusus/envy/metric"
	"github.com/nexusus/envy/store"
)

// Store is the persistence surface the sweeper needs
type Store interface {
	ScanOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	Get(ctx context.Context, entityID string) (*store.GameRecord, error)
	Delete(ctx context.Context, entityID string) error
	RemoveIndex(ctx context.Context, entityID string) error
	AllMessageRefs(ctx context.Context) (map[string]store.MessageRef, error)
}

// Gateway is the remote surface the sweeper cleans
type Gateway interface {
	Delete(ctx context.Context, destination, messageID string) error
	ListRecent(ctx context.Context, destination string, limit int) ([]gateway.Message, error)
}

// Locker guards per-entity work against concurrent reconciliations
type Locker interface {
	Acquire(ctx context.Context, entityID string) (string, error)
	Release(ctx context.Context, entityID, token string) error
}

// Options configures the sweeper
type Options struct {
	Interval    time.Duration
	StaleWindow time.Duration
	// Destinations lists every channel this system posts to, for the
	// orphan scan
	Destinations []string
	// BotUserID attributes messages to this system; empty disables the
	// orphan scan since foreign messages must never be deleted
	BotUserID   string
	OrphanGrace time.Duration
	ScanLimit   int
}

// Sweeper periodically tears down entities with no recent snapshot and
// deletes orphaned remote messages that no record references.
type Sweeper struct {
	store   Store
	gw      Gateway
	lock    Locker
	opts    Options
	metrics *metric.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// Lifecycle management
	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// New creates a Sweeper
func New(st Store, gw Gateway, lock Locker, opts Options, metrics *metric.Metrics, logger *slog.Logger) (*Sweeper, error) {
	if st == nil || gw == nil || lock == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Sweeper", "New", "nil dependency")
	}
	if opts.Interval <= 0 || opts.StaleWindow <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Sweeper", "New",
			"interval and stale window must be positive")
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = 50
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		store:    st,
		gw:       gw,
		lock:     lock,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		shutdown: make(chan struct{}),
	}, nil
}

// Initialize prepares the sweeper (no-op)
func (s *Sweeper) Initialize() error {
	return nil
}

// Start begins the periodic sweep loop
func (s *Sweeper) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Sweeper", "Start", "check running state")
	}
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.shutdown:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the sweep loop
func (s *Sweeper) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	// Mark stopped before waiting: a timed-out wait must not leave the
	// closed shutdown channel behind a still-true running flag, or a second
	// Stop would close it again
	s.running = false
	close(s.shutdown)

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(timeout):
		return errors.WrapTransient(context.DeadlineExceeded, "Sweeper", "Stop", "shutdown timeout")
	}
	return nil
}

// Sweep runs one full pass: staleness first, then the orphan scan
func (s *Sweeper) Sweep(ctx context.Context) {
	start := s.now()

	s.sweepStale(ctx)
	s.sweepOrphans(ctx)

	if s.metrics != nil {
		s.metrics.SweepsTotal.Inc()
		s.metrics.SweepDuration.Observe(s.now().Sub(start).Seconds())
	}
}

// sweepStale tears down entities with no snapshot inside the stale window.
// The record is only removed once its remote messages are confirmed gone, so
// a failed delete is retried on the next pass instead of being abandoned.
func (s *Sweeper) sweepStale(ctx context.Context) {
	cutoff := s.now().Add(-s.opts.StaleWindow)
	ids, err := s.store.ScanOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("stale scan failed", "error", err)
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		s.sweepEntity(ctx, id)
	}
}

// sweepEntity handles one stale entity under its lock, held no longer than
// this single item's teardown
func (s *Sweeper) sweepEntity(ctx context.Context, entityID string) {
	token, err := s.lock.Acquire(ctx, entityID)
	if err != nil {
		// Busy means a live reconciliation owns the entity; it will refresh
		// the index or will be swept next pass
		return
	}
	defer func() {
		_ = s.lock.Release(ctx, entityID, token)
	}()

	rec, err := s.store.Get(ctx, entityID)
	if err != nil {
		s.logger.Error("stale sweep read failed", "entity", entityID, "error", err)
		return
	}
	if rec == nil {
		// Index entry without a record: already cleaned elsewhere
		if err := s.store.RemoveIndex(ctx, entityID); err != nil {
			s.logger.Warn("removing dangling index entry failed", "entity", entityID, "error", err)
		}
		return
	}

	deletesOK := true
	for _, ref := range []*store.MessageRef{rec.Public, rec.Moderation} {
		if ref == nil {
			continue
		}
		if err := s.gw.Delete(ctx, ref.ChannelID, ref.MessageID); err != nil {
			s.logger.Warn("stale message delete failed, keeping record for retry",
				"entity", entityID, "channel", ref.ChannelID, "message", ref.MessageID, "error", err)
			deletesOK = false
		}
	}
	if !deletesOK {
		return
	}

	if err := s.store.Delete(ctx, entityID); err != nil {
		s.logger.Error("stale record delete failed", "entity", entityID, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.SweptEntitiesTotal.WithLabelValues("stale").Inc()
	}
	s.logger.Info("swept stale entity", "entity", entityID)
}

// sweepOrphans deletes messages this system posted that no current record
// references. Defense in depth against records lost to store failures.
// Destinations are independent, so they are scanned concurrently.
func (s *Sweeper) sweepOrphans(ctx context.Context) {
	if s.opts.BotUserID == "" || len(s.opts.Destinations) == 0 {
		return
	}

	refs, err := s.store.AllMessageRefs(ctx)
	if err != nil {
		s.logger.Error("orphan scan reference listing failed", "error", err)
		return
	}
	graceCutoff := s.now().Add(-s.opts.OrphanGrace)

	g, gctx := errgroup.WithContext(ctx)
	for _, dest := range s.opts.Destinations {
		g.Go(func() error {
			s.sweepDestination(gctx, dest, refs, graceCutoff)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Sweeper) sweepDestination(ctx context.Context, dest string, refs map[string]store.MessageRef, graceCutoff time.Time) {
	msgs, err := s.gw.ListRecent(ctx, dest, s.opts.ScanLimit)
	if err != nil {
		s.logger.Warn("orphan scan listing failed", "destination", dest, "error", err)
		return
	}

	for _, msg := range msgs {
		if msg.AuthorID != s.opts.BotUserID {
			continue
		}
		if _, referenced := refs[msg.ID]; referenced {
			continue
		}
		if msg.Timestamp.After(graceCutoff) {
			// Too fresh: may belong to a reconciliation whose store write is
			// still in flight
			continue
		}
		if err := s.gw.Delete(ctx, dest, msg.ID); err != nil {
			s.logger.Warn("orphan delete failed", "destination", dest, "message", msg.ID, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.SweptEntitiesTotal.WithLabelValues("orphan").Inc()
		}
		s.logger.Info("deleted orphaned message", "destination", dest, "message", msg.ID)
	}
}
