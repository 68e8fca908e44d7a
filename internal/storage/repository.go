package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"price-alert-engine/internal/cooldown"
	"price-alert-engine/internal/rules"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	listActiveRulesSQL = `SELECT
        id,
        owner_id,
        owner_contact,
        symbol,
        condition,
        threshold,
        enabled
    FROM notification_rules
    WHERE symbol = $1
      AND enabled = TRUE
    ORDER BY id;`

	insertEventSQL = `INSERT INTO notification_events (
        event_id,
        rule_id,
        owner_id,
        symbol,
        condition,
        price,
        threshold,
        generated_at,
        attempts,
        outcome,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    RETURNING id, created_at;`

	listRecentEventsSQL = `SELECT
        id,
        event_id,
        rule_id,
        owner_id,
        symbol,
        condition,
        price,
        threshold,
        generated_at,
        attempts,
        outcome,
        error,
        created_at
    FROM notification_events
    ORDER BY created_at DESC
    LIMIT $1;`

	loadCooldownStateSQL = `SELECT rule_id, symbol, last_fired, seq FROM cooldown_state;`

	upsertCooldownStateSQL = `INSERT INTO cooldown_state (
        rule_id,
        symbol,
        last_fired,
        seq
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (rule_id, symbol) DO UPDATE
    SET last_fired = EXCLUDED.last_fired,
        seq        = EXCLUDED.seq;`
)

// Store aggregates access to rules, event audit records, and cooldown state.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListActiveRules returns the enabled rules for a symbol in stable order.
func (s *Store) ListActiveRules(ctx context.Context, symbol string) ([]rules.Rule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveRulesSQL, symbol)
	if queryErr != nil {
		return nil, fmt.Errorf("list active rules: %w", queryErr)
	}
	defer rows.Close()

	list := make([]rules.Rule, 0)
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		list = append(list, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return list, nil
}

// InsertEvent persists a terminal notification event.
func (s *Store) InsertEvent(ctx context.Context, record EventRecord) (EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return EventRecord{}, err
	}

	var errMsg interface{}
	if record.Error != nil {
		errMsg = *record.Error
	}

	row := pool.QueryRow(ctx, insertEventSQL,
		record.EventID,
		record.RuleID,
		record.OwnerID,
		record.Symbol,
		record.Condition,
		record.Price.String(),
		record.Threshold.String(),
		record.GeneratedAt,
		record.Attempts,
		record.Outcome,
		errMsg,
	)

	if scanErr := row.Scan(&record.ID, &record.CreatedAt); scanErr != nil {
		return EventRecord{}, fmt.Errorf("insert event: %w", scanErr)
	}
	return record, nil
}

// ListRecentEvents lists the most recent notification events.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	records := make([]EventRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanEventRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// LoadCooldownState reads all persisted cooldown records.
func (s *Store) LoadCooldownState(ctx context.Context) ([]cooldown.Entry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, loadCooldownStateSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("load cooldown state: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]cooldown.Entry, 0)
	for rows.Next() {
		var entry cooldown.Entry
		var seq int64
		if err := rows.Scan(&entry.Key.RuleID, &entry.Key.Symbol, &entry.Record.LastFired, &seq); err != nil {
			return nil, err
		}
		entry.Record.Seq = uint64(seq)
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// PersistCooldownState upserts the tracker snapshot row by row.
func (s *Store) PersistCooldownState(ctx context.Context, entries []cooldown.Entry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if _, execErr := pool.Exec(ctx, upsertCooldownStateSQL,
			entry.Key.RuleID,
			entry.Key.Symbol,
			entry.Record.LastFired,
			int64(entry.Record.Seq),
		); execErr != nil {
			return fmt.Errorf("persist cooldown state for %s/%s: %w", entry.Key.RuleID, entry.Key.Symbol, execErr)
		}
	}
	return nil
}

func scanRule(rows pgx.Rows) (rules.Rule, error) {
	var (
		rule         rules.Rule
		condition    string
		thresholdStr string
	)

	if err := rows.Scan(
		&rule.ID,
		&rule.OwnerID,
		&rule.OwnerContact,
		&rule.Symbol,
		&condition,
		&thresholdStr,
		&rule.Enabled,
	); err != nil {
		return rules.Rule{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("parse threshold: %w", err)
	}

	rule.Condition = rules.Condition(condition)
	rule.Threshold = threshold
	return rule, nil
}

func scanEventRecord(rows pgx.Rows) (EventRecord, error) {
	var (
		record       EventRecord
		priceStr     string
		thresholdStr string
		errMsg       sql.NullString
	)

	if err := rows.Scan(
		&record.ID,
		&record.EventID,
		&record.RuleID,
		&record.OwnerID,
		&record.Symbol,
		&record.Condition,
		&priceStr,
		&thresholdStr,
		&record.GeneratedAt,
		&record.Attempts,
		&record.Outcome,
		&errMsg,
		&record.CreatedAt,
	); err != nil {
		return EventRecord{}, err
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return EventRecord{}, fmt.Errorf("parse price: %w", err)
	}
	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return EventRecord{}, fmt.Errorf("parse threshold: %w", err)
	}

	record.Price = price
	record.Threshold = threshold
	if errMsg.Valid {
		msg := errMsg.String
		record.Error = &msg
	}

	return record, nil
}

var (
	_ rules.Store        = (*Store)(nil)
	_ EventStore         = (*Store)(nil)
	_ CooldownStateStore = (*Store)(nil)
)
