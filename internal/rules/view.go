package rules

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"price-alert-engine/internal/metrics"
	"price-alert-engine/internal/scheduler"
)

// View is an immutable snapshot of active rules grouped by symbol. Evaluators
// hold a View by reference for the duration of one observation; the table is
// never locked on the tick path.
type View struct {
	rules map[string][]Rule
	taken time.Time
}

// For returns the active rules for a symbol. The returned slice must not be
// mutated.
func (v *View) For(symbol string) []Rule {
	if v == nil {
		return nil
	}
	return v.rules[symbol]
}

// Len reports the total number of rules in the snapshot.
func (v *View) Len() int {
	n := 0
	for _, rs := range v.rules {
		n += len(rs)
	}
	return n
}

// Taken reports when the snapshot was loaded.
func (v *View) Taken() time.Time {
	if v == nil {
		return time.Time{}
	}
	return v.taken
}

// NewView builds a snapshot from a flat rule list. Disabled or invalid rules
// are skipped.
func NewView(list []Rule, taken time.Time) *View {
	grouped := make(map[string][]Rule)
	for _, r := range list {
		if !r.Enabled || r.Validate() != nil {
			continue
		}
		grouped[r.Symbol] = append(grouped[r.Symbol], r)
	}
	return &View{rules: grouped, taken: taken}
}

// Refresher periodically reloads the rule snapshot from the store. A failed
// refresh keeps the last-known snapshot; a new rule becomes active within one
// interval and a deleted rule may fire once more inside that window.
type Refresher struct {
	store    Store
	symbols  []string
	interval time.Duration
	logger   zerolog.Logger

	current atomic.Pointer[View]
}

// NewRefresher constructs a refresher over the watched symbols.
func NewRefresher(store Store, symbols []string, interval time.Duration, logger zerolog.Logger) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	r := &Refresher{
		store:    store,
		symbols:  symbols,
		interval: interval,
		logger:   logger.With().Str("component", "rule_refresher").Logger(),
	}
	r.current.Store(NewView(nil, time.Time{}))
	return r
}

// Current returns the latest snapshot. Never nil after construction.
func (r *Refresher) Current() *View {
	return r.current.Load()
}

// RefreshNow reloads the snapshot synchronously.
func (r *Refresher) RefreshNow(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	collected := make([]Rule, 0, 64)
	for _, symbol := range r.symbols {
		list, err := r.store.ListActiveRules(ctx, symbol)
		if err != nil {
			metrics.RuleRefreshFailures.Inc()
			return fmt.Errorf("list active rules for %s: %w", symbol, err)
		}
		collected = append(collected, list...)
	}

	view := NewView(collected, time.Now().UTC())
	r.current.Store(view)
	r.logger.Debug().Int("rules", view.Len()).Msg("rule snapshot refreshed")
	return nil
}

// Run blocks, refreshing on the configured interval until ctx is cancelled.
// Refresh failures are logged and the stale snapshot stays in service.
func (r *Refresher) Run(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{Interval: r.interval}, r.logger)
	return sched.Run(ctx, func(tickCtx context.Context, _ time.Time) error {
		if err := r.RefreshNow(tickCtx); err != nil {
			r.logger.Warn().Err(err).Msg("rule refresh failed; keeping previous snapshot")
		}
		return nil
	})
}
