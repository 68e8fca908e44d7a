package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"price-alert-engine/internal/alerting"
	"price-alert-engine/internal/metrics"
)

var (
	// ErrQueueFull signals the routed worker queue had no room for the event.
	ErrQueueFull = errors.New("dispatch: queue full")
	// ErrStopped signals a submit after the dispatcher stopped accepting.
	ErrStopped = errors.New("dispatch: stopped")
)

// Outcome reports the terminal state of one event.
type Outcome struct {
	Event     *Event
	Delivered bool
	Reason    string // "", permanent, exhausted, shutdown
	Err       error
}

// ResultFunc receives terminal outcomes. Called from worker goroutines; the
// evaluation stage uses it to commit cooldowns and release in-flight markers.
type ResultFunc func(Outcome)

// Config tunes the dispatcher.
type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	return c
}

// Dispatcher consumes notification events through a fixed worker pool.
// Events are routed to workers by (rule, instrument) hash, so attempts for
// one key are strictly sequential and two workers never race on the same key.
type Dispatcher struct {
	cfg       Config
	transport alerting.Transport
	onResult  ResultFunc
	logger    zerolog.Logger

	queues []chan *Event
	ctx    context.Context
	cancel context.CancelFunc

	// qmu serializes Submit's send against the queue close in Drain/Stop:
	// Submit holds the read side while sending, close takes the write side.
	qmu       sync.RWMutex
	stopped   atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64

	// sleep waits out a backoff delay; replaced in tests for determinism.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a dispatcher. onResult may be nil.
func New(cfg Config, transport alerting.Transport, onResult ResultFunc, logger zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	queues := make([]chan *Event, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan *Event, cfg.QueueSize)
	}

	return &Dispatcher{
		cfg:       cfg,
		transport: transport,
		onResult:  onResult,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		queues:    queues,
		ctx:       ctx,
		cancel:    cancel,
		sleep:     sleepCtx,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.logger.Info().
		Int("workers", d.cfg.Workers).
		Int("max_attempts", d.cfg.MaxAttempts).
		Dur("base_delay", d.cfg.BaseDelay).
		Msg("starting dispatcher workers")

	for i, ch := range d.queues {
		d.wg.Add(1)
		go d.worker(i, ch)
	}
}

// Submit routes an event to its worker. Never blocks.
func (d *Dispatcher) Submit(ev *Event) error {
	d.qmu.RLock()
	defer d.qmu.RUnlock()

	// Checked under the lock: the stopped flag is set before the queues can
	// close, so a false read guarantees the channel is still open here.
	if d.stopped.Load() {
		return ErrStopped
	}

	ch := d.queues[xxhash.Sum64String(ev.routeKey())%uint64(len(d.queues))]
	select {
	case ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) closeQueues() {
	d.closeOnce.Do(func() {
		d.qmu.Lock()
		for _, ch := range d.queues {
			close(ch)
		}
		d.qmu.Unlock()
	})
}

// Drain stops intake and waits for queued events to reach a terminal state.
// When ctx expires first, workers are cancelled: a retry mid-backoff does not
// start another cycle, and still-queued events finish as failed(shutdown).
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.stopped.Store(true)
	d.closeQueues()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info().Msg("dispatcher drained")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		d.logger.Warn().Msg("dispatcher drain deadline hit; remaining events abandoned")
		return ctx.Err()
	}
}

// Stop cancels everything immediately.
func (d *Dispatcher) Stop() {
	d.stopped.Store(true)
	d.cancel()
	d.closeQueues()
	d.wg.Wait()
}

func (d *Dispatcher) worker(id int, ch chan *Event) {
	defer d.wg.Done()

	log := d.logger.With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for ev := range ch {
		d.process(log, ev)
	}
}

// process drives one event through pending → sending → terminal.
func (d *Dispatcher) process(log zerolog.Logger, ev *Event) {
	for {
		if d.ctx.Err() != nil {
			d.finish(log, ev, Outcome{Event: ev, Reason: "shutdown", Err: d.ctx.Err()})
			return
		}

		ev.Attempts++
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(d.ctx, d.cfg.AttemptTimeout)
		err := d.transport.Send(attemptCtx, renderMessage(ev))
		cancel()
		metrics.SendDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			d.finish(log, ev, Outcome{Event: ev, Delivered: true})
			return
		}

		if alerting.IsPermanent(err) {
			d.finish(log, ev, Outcome{Event: ev, Reason: "permanent", Err: err})
			return
		}

		if ev.Attempts >= d.cfg.MaxAttempts {
			d.finish(log, ev, Outcome{Event: ev, Reason: "exhausted", Err: err})
			return
		}

		metrics.EventsRetried.Inc()
		delay := d.backoffDelay(ev.Attempts)
		log.Warn().Err(err).
			Str("event_id", ev.ID).
			Int("attempt", ev.Attempts).
			Dur("retry_in", delay).
			Msg("transient delivery failure; backing off")

		if sleepErr := d.sleep(d.ctx, delay); sleepErr != nil {
			d.finish(log, ev, Outcome{Event: ev, Reason: "shutdown", Err: err})
			return
		}
	}
}

func (d *Dispatcher) finish(log zerolog.Logger, ev *Event, out Outcome) {
	if out.Delivered {
		d.delivered.Add(1)
		metrics.EventsDelivered.Inc()
		log.Info().
			Str("event_id", ev.ID).
			Str("symbol", ev.Symbol).
			Int("attempts", ev.Attempts).
			Msg("event delivered")
	} else {
		d.failed.Add(1)
		metrics.EventsFailed.WithLabelValues(out.Reason).Inc()
		log.Error().Err(out.Err).
			Str("event_id", ev.ID).
			Str("symbol", ev.Symbol).
			Str("reason", out.Reason).
			Int("attempts", ev.Attempts).
			Msg("event failed")
	}

	if d.onResult != nil {
		d.onResult(out)
	}
}

// backoffDelay doubles per attempt from BaseDelay, capped at MaxDelay, with
// ±20% jitter.
func (d *Dispatcher) backoffDelay(attempts int) time.Duration {
	delay := d.cfg.BaseDelay
	for i := 1; i < attempts && delay < d.cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > d.cfg.MaxDelay {
		delay = d.cfg.MaxDelay
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// Stats reports delivery counters.
type Stats struct {
	Delivered uint64
	Failed    uint64
}

// Stats returns a point-in-time counter snapshot.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
