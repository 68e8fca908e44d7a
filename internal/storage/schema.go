package storage

import (
	"context"
	"fmt"
)

// Schema DDL kept alongside the queries; migration tooling is owned by the
// deployment, EnsureSchema only covers dev and test databases.
const (
	createRulesTableSQL = `CREATE TABLE IF NOT EXISTS notification_rules (
        id            TEXT PRIMARY KEY,
        owner_id      TEXT NOT NULL,
        owner_contact TEXT NOT NULL DEFAULT '',
        symbol        TEXT NOT NULL,
        condition     TEXT NOT NULL,
        threshold     NUMERIC NOT NULL,
        enabled       BOOLEAN NOT NULL DEFAULT TRUE,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS idx_rules_symbol_enabled
        ON notification_rules (symbol) WHERE enabled;`

	createEventsTableSQL = `CREATE TABLE IF NOT EXISTS notification_events (
        id           BIGSERIAL PRIMARY KEY,
        event_id     TEXT NOT NULL UNIQUE,
        rule_id      TEXT NOT NULL,
        owner_id     TEXT NOT NULL,
        symbol       TEXT NOT NULL,
        condition    TEXT NOT NULL,
        price        NUMERIC NOT NULL,
        threshold    NUMERIC NOT NULL,
        generated_at TIMESTAMPTZ NOT NULL,
        attempts     INT NOT NULL,
        outcome      TEXT NOT NULL,
        error        TEXT,
        created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createCooldownTableSQL = `CREATE TABLE IF NOT EXISTS cooldown_state (
        rule_id    TEXT NOT NULL,
        symbol     TEXT NOT NULL,
        last_fired TIMESTAMPTZ NOT NULL,
        seq        BIGINT NOT NULL,
        PRIMARY KEY (rule_id, symbol)
    );`
)

// EnsureSchema creates the engine's tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	for _, ddl := range []string{createRulesTableSQL, createEventsTableSQL, createCooldownTableSQL} {
		if _, execErr := pool.Exec(ctx, ddl); execErr != nil {
			return fmt.Errorf("ensure schema: %w", execErr)
		}
	}
	return nil
}
