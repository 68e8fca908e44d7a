package ingest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-alert-engine/internal/metrics"
)

var (
	// ErrQueueFull signals backpressure: the shard queue had no room.
	ErrQueueFull = errors.New("ingest: queue full")
	// ErrMalformed signals an observation that failed validation.
	ErrMalformed = errors.New("ingest: malformed observation")
	// ErrStopped signals a submit after the pipeline stopped accepting.
	ErrStopped = errors.New("ingest: pipeline stopped")
)

// Observation is a single timestamped price tick. Immutable once created.
type Observation struct {
	Symbol    string
	Timestamp time.Time
	Price     decimal.Decimal
	Volume    int64
}

// Validate checks the observation invariants.
func (o Observation) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrMalformed)
	}
	if o.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrMalformed)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrMalformed)
	}
	if o.Volume < 0 {
		return fmt.Errorf("%w: negative volume", ErrMalformed)
	}
	return nil
}

// EvalFunc receives in-order, deduplicated observations together with the
// previous price for the instrument (nil on the first tick).
type EvalFunc func(obs Observation, prev *decimal.Decimal)

// Config tunes the pipeline.
type Config struct {
	Shards    int
	QueueSize int
}

type lastTick struct {
	ts    time.Time
	price decimal.Decimal
}

type shard struct {
	// mu serializes sends against the close in Drain: Submit holds the read
	// side while sending, Drain takes the write side before closing ch.
	mu   sync.RWMutex
	ch   chan Observation
	last map[string]lastTick // touched only by the shard goroutine
}

// Pipeline orders observations per instrument and feeds the evaluation stage.
// A symbol always hashes to the same shard, so ticks for one instrument are
// strictly serialized while different instruments proceed in parallel.
type Pipeline struct {
	eval   EvalFunc
	shards []*shard
	logger zerolog.Logger

	stopped   atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	accepted   atomic.Uint64
	outOfOrder atomic.Uint64
	duplicates atomic.Uint64
}

// New constructs a pipeline. eval must be non-nil.
func New(cfg Config, eval EvalFunc, logger zerolog.Logger) *Pipeline {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{
			ch:   make(chan Observation, cfg.QueueSize),
			last: make(map[string]lastTick),
		}
	}

	return &Pipeline{
		eval:   eval,
		shards: shards,
		logger: logger.With().Str("component", "ingest_pipeline").Logger(),
	}
}

// Start launches one goroutine per shard.
func (p *Pipeline) Start() {
	p.logger.Info().Int("shards", len(p.shards)).Msg("starting ingestion pipeline")
	for i, s := range p.shards {
		p.wg.Add(1)
		go p.run(i, s)
	}
}

// Submit hands an observation to its shard. Never blocks: a full shard queue
// rejects with ErrQueueFull so a saturated evaluator cannot stall the caller.
func (p *Pipeline) Submit(obs Observation) error {
	if err := obs.Validate(); err != nil {
		metrics.ObservationsRejected.WithLabelValues("malformed").Inc()
		return err
	}
	if p.stopped.Load() {
		metrics.ObservationsRejected.WithLabelValues("stopped").Inc()
		return ErrStopped
	}

	s := p.shards[xxhash.Sum64String(obs.Symbol)%uint64(len(p.shards))]
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Recheck under the lock: Drain sets the flag before it can close ch, so a
	// false read here guarantees the channel is still open for this send.
	if p.stopped.Load() {
		metrics.ObservationsRejected.WithLabelValues("stopped").Inc()
		return ErrStopped
	}

	select {
	case s.ch <- obs:
		metrics.ObservationsAccepted.Inc()
		return nil
	default:
		metrics.ObservationsRejected.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}
}

// Drain stops intake and waits for every queued observation to be evaluated.
func (p *Pipeline) Drain() {
	p.stopped.Store(true)
	p.closeOnce.Do(func() {
		for _, s := range p.shards {
			s.mu.Lock()
			close(s.ch)
			s.mu.Unlock()
		}
	})
	p.wg.Wait()
	p.logger.Info().Msg("ingestion pipeline drained")
}

func (p *Pipeline) run(id int, s *shard) {
	defer p.wg.Done()

	log := p.logger.With().Int("shard", id).Logger()
	for obs := range s.ch {
		last, seen := s.last[obs.Symbol]

		if seen && obs.Timestamp.Before(last.ts) {
			p.outOfOrder.Add(1)
			metrics.ObservationsDroppedOutOfOrder.Inc()
			log.Debug().Str("symbol", obs.Symbol).
				Time("ts", obs.Timestamp).
				Time("last_ts", last.ts).
				Msg("dropping out-of-order observation")
			continue
		}
		if seen && obs.Timestamp.Equal(last.ts) {
			p.duplicates.Add(1)
			metrics.ObservationsDroppedDuplicate.Inc()
			continue
		}

		var prev *decimal.Decimal
		if seen {
			price := last.price
			prev = &price
		}

		p.eval(obs, prev)
		s.last[obs.Symbol] = lastTick{ts: obs.Timestamp, price: obs.Price}
		p.accepted.Add(1)
	}
}

// Stats reports pipeline counters.
type Stats struct {
	Evaluated  uint64
	OutOfOrder uint64
	Duplicates uint64
}

// Stats returns a point-in-time counter snapshot.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Evaluated:  p.accepted.Load(),
		OutOfOrder: p.outOfOrder.Load(),
		Duplicates: p.duplicates.Load(),
	}
}
