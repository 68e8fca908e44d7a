package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"price-alert-engine/internal/cooldown"
	"price-alert-engine/internal/dispatch"
	"price-alert-engine/internal/ingest"
	"price-alert-engine/internal/metrics"
	"price-alert-engine/internal/rules"
	"price-alert-engine/internal/storage"
)

// evaluate runs one in-order observation against the current rule snapshot.
// Called from the pipeline shard goroutine, so all evaluations for one
// instrument are serialized; the in-flight set still takes its mutex because
// dispatcher workers clear markers concurrently.
func (e *Engine) evaluate(obs ingest.Observation, prev *decimal.Decimal) {
	view := e.refresher.Current()

	for _, rule := range view.For(obs.Symbol) {
		if !rules.Evaluate(rule, prev, obs.Price) {
			continue
		}

		key := cooldown.Key{RuleID: rule.ID, Symbol: obs.Symbol}
		now := e.now()

		e.mu.Lock()
		if _, busy := e.inFlight[key]; busy {
			e.mu.Unlock()
			e.suppressedInFlight.Add(1)
			metrics.SuppressedInFlight.Inc()
			continue
		}
		if !e.tracker.IsEligible(key, now) {
			e.mu.Unlock()
			e.suppressedCooldown.Add(1)
			metrics.SuppressedByCooldown.Inc()
			continue
		}
		e.inFlight[key] = struct{}{}
		e.mu.Unlock()

		ev := &dispatch.Event{
			ID:          uuid.NewString(),
			RuleID:      rule.ID,
			OwnerID:     rule.OwnerID,
			Recipient:   rule.OwnerContact,
			Symbol:      obs.Symbol,
			Condition:   rule.Condition,
			Price:       obs.Price,
			Threshold:   rule.Threshold,
			GeneratedAt: now,
		}

		e.generated.Add(1)
		metrics.EventsGenerated.Inc()
		metrics.InFlightEvents.Inc()

		if err := e.dispatcher.Submit(ev); err != nil {
			// Overflow policy: drop and count, never block the tick path.
			e.clearInFlight(key)
			metrics.InFlightEvents.Dec()
			metrics.EventsFailed.WithLabelValues("overflow").Inc()
			e.logger.Warn().Err(err).
				Str("rule_id", rule.ID).
				Str("symbol", obs.Symbol).
				Msg("dispatch queue rejected event")
			continue
		}

		e.logger.Info().
			Str("event_id", ev.ID).
			Str("rule_id", rule.ID).
			Str("symbol", obs.Symbol).
			Str("condition", string(rule.Condition)).
			Str("price", obs.Price.String()).
			Msg("notification event generated")
	}
}

// handleOutcome runs on a dispatcher worker when an event turns terminal.
// The cooldown is consumed only on confirmed delivery; a failed event leaves
// the key fully eligible for the next qualifying tick.
func (e *Engine) handleOutcome(out dispatch.Outcome) {
	ev := out.Event
	key := cooldown.Key{RuleID: ev.RuleID, Symbol: ev.Symbol}

	if out.Delivered {
		seq := e.tracker.Commit(key, e.now())
		e.logger.Debug().
			Str("event_id", ev.ID).
			Uint64("seq", seq).
			Msg("cooldown committed")
	}

	e.clearInFlight(key)
	metrics.InFlightEvents.Dec()

	if e.events != nil {
		e.recordOutcome(ev, out)
	}
}

func (e *Engine) clearInFlight(key cooldown.Key) {
	e.mu.Lock()
	delete(e.inFlight, key)
	e.mu.Unlock()
}

func (e *Engine) recordOutcome(ev *dispatch.Event, out dispatch.Outcome) {
	record := storage.EventRecord{
		EventID:     ev.ID,
		RuleID:      ev.RuleID,
		OwnerID:     ev.OwnerID,
		Symbol:      ev.Symbol,
		Condition:   string(ev.Condition),
		Price:       ev.Price,
		Threshold:   ev.Threshold,
		GeneratedAt: ev.GeneratedAt,
		Attempts:    ev.Attempts,
		Outcome:     outcomeLabel(out),
	}
	if out.Err != nil {
		msg := out.Err.Error()
		record.Error = &msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.events.InsertEvent(ctx, record); err != nil {
		e.logger.Error().Err(err).Str("event_id", ev.ID).Msg("failed to persist event record")
	}
}

func outcomeLabel(out dispatch.Outcome) string {
	if out.Delivered {
		return "delivered"
	}
	if out.Reason != "" {
		return out.Reason
	}
	return "failed"
}
