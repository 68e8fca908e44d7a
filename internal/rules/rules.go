package rules

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Condition identifies the comparison a rule applies to incoming prices.
type Condition string

const (
	// GreaterThan fires while the current price sits above the threshold.
	GreaterThan Condition = "greater_than"
	// LessThan fires while the current price sits below the threshold.
	LessThan Condition = "less_than"
	// CrossesAbove fires only on the tick that moves from at-or-below to above.
	CrossesAbove Condition = "crosses_above"
	// CrossesBelow fires only on the tick that moves from at-or-above to below.
	CrossesBelow Condition = "crosses_below"
)

// Valid reports whether c is a known condition kind.
func (c Condition) Valid() bool {
	switch c {
	case GreaterThan, LessThan, CrossesAbove, CrossesBelow:
		return true
	}
	return false
}

// Rule is the engine's read-only view of a user-defined notification rule.
// Rules are owned by the external store; the engine never mutates them.
type Rule struct {
	ID           string
	OwnerID      string
	OwnerContact string
	Symbol       string
	Condition    Condition
	Threshold    decimal.Decimal
	Enabled      bool
}

// Validate performs the sanity checks the store applies at creation time.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.Symbol == "" {
		return fmt.Errorf("rule %s: symbol is required", r.ID)
	}
	if !r.Condition.Valid() {
		return fmt.Errorf("rule %s: unknown condition %q", r.ID, r.Condition)
	}
	return nil
}

// Store exposes the external rule collaborator. Implementations must return a
// snapshot-consistent, stable-ordered list of enabled rules for the symbol.
type Store interface {
	ListActiveRules(ctx context.Context, symbol string) ([]Rule, error)
}

// Evaluate reports whether the rule's condition holds for the current price.
// prev is nil when no earlier observation exists for the instrument; crossing
// conditions cannot fire on the very first tick.
func Evaluate(rule Rule, prev *decimal.Decimal, cur decimal.Decimal) bool {
	switch rule.Condition {
	case GreaterThan:
		return cur.GreaterThan(rule.Threshold)
	case LessThan:
		return cur.LessThan(rule.Threshold)
	case CrossesAbove:
		if prev == nil {
			return false
		}
		return prev.LessThanOrEqual(rule.Threshold) && cur.GreaterThan(rule.Threshold)
	case CrossesBelow:
		if prev == nil {
			return false
		}
		return prev.GreaterThanOrEqual(rule.Threshold) && cur.LessThan(rule.Threshold)
	}
	return false
}
