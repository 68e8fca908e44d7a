package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"price-alert-engine/internal/cooldown"
)

// EventRecord captures a notification event's terminal outcome for auditing.
type EventRecord struct {
	ID          int64
	EventID     string
	RuleID      string
	OwnerID     string
	Symbol      string
	Condition   string
	Price       decimal.Decimal
	Threshold   decimal.Decimal
	GeneratedAt time.Time
	Attempts    int
	Outcome     string
	Error       *string
	CreatedAt   time.Time
}

// EventStore defines operations for event auditing.
type EventStore interface {
	InsertEvent(ctx context.Context, record EventRecord) (EventRecord, error)
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
}

// CooldownStateStore persists the cooldown tracker across restarts.
type CooldownStateStore interface {
	LoadCooldownState(ctx context.Context) ([]cooldown.Entry, error)
	PersistCooldownState(ctx context.Context, entries []cooldown.Entry) error
}
