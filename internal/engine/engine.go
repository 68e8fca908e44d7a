package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"price-alert-engine/internal/alerting"
	"price-alert-engine/internal/cooldown"
	"price-alert-engine/internal/dispatch"
	"price-alert-engine/internal/ingest"
	"price-alert-engine/internal/rules"
	"price-alert-engine/internal/storage"
)

// Options tune the engine's internal stages.
type Options struct {
	Symbols         []string
	RefreshInterval time.Duration
	Ingest          ingest.Config
	Dispatch        dispatch.Config

	// Now is the injectable clock; defaults to time.Now in UTC.
	Now func() time.Time
}

// Engine wires ingestion, evaluation, cooldown tracking, and dispatch, and
// owns their shared lifecycle.
type Engine struct {
	pipeline   *ingest.Pipeline
	refresher  *rules.Refresher
	tracker    *cooldown.Tracker
	dispatcher *dispatch.Dispatcher
	events     storage.EventStore
	cooldowns  storage.CooldownStateStore
	logger     zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	inFlight map[cooldown.Key]struct{}

	generated          atomic.Uint64
	suppressedCooldown atomic.Uint64
	suppressedInFlight atomic.Uint64

	refreshCancel context.CancelFunc
	refreshDone   chan struct{}
}

// New constructs the engine. events and cooldowns may be nil when no database
// is configured; the engine then runs purely in memory.
func New(opts Options, store rules.Store, tracker *cooldown.Tracker, transport alerting.Transport,
	events storage.EventStore, cooldowns storage.CooldownStateStore, logger zerolog.Logger) *Engine {

	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	e := &Engine{
		tracker:   tracker,
		events:    events,
		cooldowns: cooldowns,
		logger:    logger.With().Str("component", "engine").Logger(),
		now:       now,
		inFlight:  make(map[cooldown.Key]struct{}),
	}

	e.refresher = rules.NewRefresher(store, opts.Symbols, opts.RefreshInterval, logger)
	e.pipeline = ingest.New(opts.Ingest, e.evaluate, logger)
	e.dispatcher = dispatch.New(opts.Dispatch, transport, e.handleOutcome, logger)

	return e
}

// Start loads persisted cooldown state, takes an initial rule snapshot, and
// launches the dispatcher workers, ingestion shards, and the rule refresher.
func (e *Engine) Start(ctx context.Context) error {
	if e.cooldowns != nil {
		entries, err := e.cooldowns.LoadCooldownState(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("failed to load cooldown state; starting empty")
		} else if len(entries) > 0 {
			e.tracker.Restore(entries)
			e.logger.Info().Int("keys", len(entries)).Msg("cooldown state restored")
		}
	}

	if err := e.refresher.RefreshNow(ctx); err != nil {
		// Collaborator down at boot: run on the empty snapshot until it heals.
		e.logger.Warn().Err(err).Msg("initial rule refresh failed")
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	e.refreshCancel = cancel
	e.refreshDone = make(chan struct{})
	go func() {
		defer close(e.refreshDone)
		_ = e.refresher.Run(refreshCtx)
	}()

	e.dispatcher.Start()
	e.pipeline.Start()

	e.logger.Info().Msg("engine started")
	return nil
}

// Submit is the engine's ingestion interface.
func (e *Engine) Submit(obs ingest.Observation) error {
	return e.pipeline.Submit(obs)
}

// Drain stops accepting observations, evaluates everything already queued,
// and lets in-flight deliveries reach a terminal state or the ctx deadline.
func (e *Engine) Drain(ctx context.Context) error {
	e.logger.Info().Msg("engine draining")
	e.pipeline.Drain()
	return e.dispatcher.Drain(ctx)
}

// Stop cancels the refresher and workers and persists cooldown state.
func (e *Engine) Stop(ctx context.Context) {
	if e.refreshCancel != nil {
		e.refreshCancel()
		<-e.refreshDone
	}
	// Idempotent after a prior Drain; without one it stops intake and joins
	// the shard goroutines so no evaluation races the dispatcher shutdown.
	e.pipeline.Drain()
	e.dispatcher.Stop()

	if e.cooldowns != nil {
		if err := e.cooldowns.PersistCooldownState(ctx, e.tracker.Snapshot()); err != nil {
			e.logger.Error().Err(err).Msg("failed to persist cooldown state")
		}
	}

	e.logger.Info().Msg("engine stopped")
}

// Health is the engine's operator-facing state snapshot.
type Health struct {
	InFlight           int
	EventsGenerated    uint64
	SuppressedCooldown uint64
	SuppressedInFlight uint64
	Delivered          uint64
	Failed             uint64
	FailureRate        float64
	DroppedOutOfOrder  uint64
	Duplicates         uint64
}

// Health reports current counters.
func (e *Engine) Health() Health {
	e.mu.Lock()
	inFlight := len(e.inFlight)
	e.mu.Unlock()

	dstats := e.dispatcher.Stats()
	pstats := e.pipeline.Stats()

	h := Health{
		InFlight:           inFlight,
		EventsGenerated:    e.generated.Load(),
		SuppressedCooldown: e.suppressedCooldown.Load(),
		SuppressedInFlight: e.suppressedInFlight.Load(),
		Delivered:          dstats.Delivered,
		Failed:             dstats.Failed,
		DroppedOutOfOrder:  pstats.OutOfOrder,
		Duplicates:         pstats.Duplicates,
	}
	if total := h.Delivered + h.Failed; total > 0 {
		h.FailureRate = float64(h.Failed) / float64(total)
	}
	return h
}
