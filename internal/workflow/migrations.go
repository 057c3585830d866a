package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// migration is one forward-only schema change.
type migration struct {
	Version int
	Name    string
	SQL     []string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "definitions",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS workflow_definitions (
				id          UUID PRIMARY KEY,
				tenant_id   TEXT NOT NULL,
				name        TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				is_active   BOOLEAN NOT NULL DEFAULT TRUE,
				version     INTEGER NOT NULL DEFAULT 1,
				checksum    TEXT NOT NULL,
				created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (tenant_id, name)
			)`,
			`CREATE TABLE IF NOT EXISTS workflow_states (
				definition_id UUID NOT NULL REFERENCES workflow_definitions (id),
				name          TEXT NOT NULL,
				label         TEXT NOT NULL DEFAULT '',
				is_initial    BOOLEAN NOT NULL DEFAULT FALSE,
				is_terminal   BOOLEAN NOT NULL DEFAULT FALSE,
				sla_hours     INTEGER,
				notify_roles  TEXT[] NOT NULL DEFAULT '{}',
				position      INTEGER NOT NULL,
				PRIMARY KEY (definition_id, name)
			)`,
			`CREATE TABLE IF NOT EXISTS workflow_transitions (
				definition_id    UUID NOT NULL REFERENCES workflow_definitions (id),
				from_state       TEXT NOT NULL,
				trigger_name     TEXT NOT NULL,
				to_state         TEXT NOT NULL,
				allowed_roles    TEXT[],
				requires_comment BOOLEAN NOT NULL DEFAULT FALSE,
				auto_trigger     BOOLEAN NOT NULL DEFAULT FALSE,
				position         INTEGER NOT NULL,
				PRIMARY KEY (definition_id, from_state, trigger_name)
			)`,
		},
	},
	{
		Version: 2,
		Name:    "instances_and_events",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS workflow_instances (
				id              UUID PRIMARY KEY,
				tenant_id       TEXT NOT NULL,
				definition_id   UUID NOT NULL REFERENCES workflow_definitions (id),
				definition_name TEXT NOT NULL,
				entity_type     TEXT NOT NULL,
				entity_id       TEXT NOT NULL,
				current_state   TEXT NOT NULL,
				started_at      TIMESTAMPTZ NOT NULL,
				completed_at    TIMESTAMPTZ,
				due_at          TIMESTAMPTZ,
				assigned_to     TEXT NOT NULL DEFAULT '',
				metadata        JSONB,
				version         INTEGER NOT NULL,
				updated_at      TIMESTAMPTZ NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS workflow_instances_open_entity
				ON workflow_instances (tenant_id, entity_type, entity_id)
				WHERE completed_at IS NULL`,
			`CREATE INDEX IF NOT EXISTS workflow_instances_entity
				ON workflow_instances (tenant_id, entity_type, entity_id, started_at DESC)`,
			`CREATE INDEX IF NOT EXISTS workflow_instances_due
				ON workflow_instances (due_at)
				WHERE completed_at IS NULL AND due_at IS NOT NULL`,
			`CREATE TABLE IF NOT EXISTS workflow_events (
				id           UUID PRIMARY KEY,
				instance_id  UUID NOT NULL REFERENCES workflow_instances (id),
				tenant_id    TEXT NOT NULL,
				sequence     INTEGER NOT NULL,
				from_state   TEXT,
				to_state     TEXT NOT NULL,
				trigger_name TEXT NOT NULL,
				triggered_by TEXT,
				comment      TEXT,
				created_at   TIMESTAMPTZ NOT NULL,
				UNIQUE (instance_id, sequence)
			)`,
			`CREATE OR REPLACE FUNCTION workflow_events_append_only() RETURNS trigger AS $$
			BEGIN
				RAISE EXCEPTION 'workflow_events is append-only';
			END;
			$$ LANGUAGE plpgsql`,
			`CREATE TRIGGER workflow_events_immutable
				BEFORE UPDATE OR DELETE ON workflow_events
				FOR EACH ROW EXECUTE FUNCTION workflow_events_append_only()`,
		},
	},
	{
		Version: 3,
		Name:    "notification_intents",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS workflow_notification_intents (
				id              UUID PRIMARY KEY,
				tenant_id       TEXT NOT NULL,
				instance_id     UUID NOT NULL REFERENCES workflow_instances (id),
				event_id        UUID NOT NULL REFERENCES workflow_events (id),
				definition_name TEXT NOT NULL,
				entity_type     TEXT NOT NULL,
				entity_id       TEXT NOT NULL,
				role            TEXT NOT NULL,
				state           TEXT NOT NULL,
				created_at      TIMESTAMPTZ NOT NULL,
				published_at    TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS workflow_notification_intents_pending
				ON workflow_notification_intents (created_at)
				WHERE published_at IS NULL`,
		},
	},
}

// Migrate applies every pending schema migration. Each migration runs in its
// own transaction and is recorded in schema_migrations.
func (s *PgStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range migrations {
		applied := false
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			// Serialise concurrent migrators.
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(727274)`); err != nil {
				return err
			}
			var v int
			err := tx.QueryRow(ctx, `SELECT version FROM schema_migrations WHERE version = $1`, m.Version).Scan(&v)
			if err == nil {
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			for _, stmt := range m.SQL {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
				m.Version, m.Name,
			); err != nil {
				return err
			}
			applied = true
			return nil
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if applied {
			s.logger.Info("applied migration", zap.Int("version", m.Version), zap.String("name", m.Name))
		}
	}
	return nil
}
