package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"price-alert-engine/internal/alerting"
	"price-alert-engine/internal/cooldown"
	"price-alert-engine/internal/engine"
	"price-alert-engine/internal/ingest"
	"price-alert-engine/internal/rules"
)

// Simulate 通过一段合成价格序列驱动完整的评估与投递流程。
// The transport writes to stdout; no database or network is touched.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.Symbol == "" {
		return errors.New("--symbol 必须指定")
	}
	if len(opts.Prices) == 0 {
		return errors.New("--prices 必须至少包含一个价格")
	}

	rule := rules.Rule{
		ID:        "simulated-rule",
		OwnerID:   "simulator",
		Symbol:    opts.Symbol,
		Condition: rules.Condition(opts.Condition),
		Threshold: decimal.NewFromFloat(opts.Threshold),
		Enabled:   true,
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	engOpts := a.engineOptions()
	engOpts.Symbols = []string{opts.Symbol}
	engOpts.Ingest.Shards = 1
	tracker := cooldown.New(a.Config.Cooldown.Window)
	transport := &alerting.ConsoleTransport{Out: os.Stdout}

	eng := engine.New(engOpts, &staticRuleStore{rule: rule}, tracker, transport, nil, nil, a.Logger)
	if err := eng.Start(ctx); err != nil {
		return err
	}

	base := time.Now().UTC().Truncate(time.Minute)
	for i, price := range opts.Prices {
		obs := ingest.Observation{
			Symbol:    opts.Symbol,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Price:     decimal.NewFromFloat(price),
		}
		if err := eng.Submit(obs); err != nil {
			return fmt.Errorf("submit observation %d: %w", i, err)
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := eng.Drain(drainCtx); err != nil {
		return err
	}
	eng.Stop(ctx)

	health := eng.Health()
	fmt.Fprintf(os.Stdout, "observations: %d, events generated: %d, delivered: %d, suppressed by cooldown: %d\n",
		len(opts.Prices), health.EventsGenerated, health.Delivered, health.SuppressedCooldown)
	return nil
}

type staticRuleStore struct {
	rule rules.Rule
}

func (s *staticRuleStore) ListActiveRules(_ context.Context, symbol string) ([]rules.Rule, error) {
	if symbol != s.rule.Symbol {
		return nil, nil
	}
	return []rules.Rule{s.rule}, nil
}

var _ rules.Store = (*staticRuleStore)(nil)
