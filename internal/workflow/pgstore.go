package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/kazi/model"
)

// PostgreSQL error codes mapped to envelopes.
const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
)

// PgStore is a PostgreSQL-backed Store and definition.Store using pgx/v5.
type PgStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	logger      *zap.Logger
}

// PgOption configures a PgStore.
type PgOption func(*PgStore)

// WithLockTimeout bounds how long a transition waits for an instance row lock
// before failing with CONCURRENT_MODIFICATION.
func WithLockTimeout(d time.Duration) PgOption {
	return func(s *PgStore) { s.lockTimeout = d }
}

// WithStoreLogger sets the logger used by migrations.
func WithStoreLogger(l *zap.Logger) PgOption {
	return func(s *PgStore) { s.logger = l }
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool, opts ...PgOption) *PgStore {
	s := &PgStore{pool: pool, lockTimeout: 2 * time.Second, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// querier is implemented by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const instanceColumns = `id, tenant_id, definition_id, definition_name, entity_type, entity_id,
	current_state, started_at, completed_at, due_at, assigned_to, metadata, version, updated_at`

// CreateInstance inserts a new instance, its creation event and intents in
// one transaction.
func (s *PgStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance, event model.WorkflowEvent, intents []model.NotificationIntent) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := holdTopology(ctx, tx, inst.DefinitionID, inst.CurrentState); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			inst.ID, inst.TenantID, inst.DefinitionID, inst.DefinitionName, string(inst.EntityType), inst.EntityID,
			inst.CurrentState, inst.StartedAt, inst.CompletedAt, inst.DueAt, inst.AssignedTo, inst.Metadata,
			inst.Version, inst.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
		return insertIntents(ctx, tx, intents)
	})
	if err != nil {
		if _, ok := model.AsEnvelope(err); ok {
			return err
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return model.NewDuplicateInstanceError(inst.EntityType, inst.EntityID)
		}
		return mapError(fmt.Errorf("insert workflow instance: %w", err))
	}
	return nil
}

// GetInstance returns the entity's open instance or its latest completed one.
func (s *PgStore) GetInstance(ctx context.Context, tenantID string, entityType model.EntityType, entityID string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY (completed_at IS NULL) DESC, started_at DESC
		LIMIT 1`,
		tenantID, string(entityType), entityID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(entityType, entityID)
	}
	if err != nil {
		return model.WorkflowInstance{}, mapError(fmt.Errorf("query workflow instance: %w", err))
	}
	return inst, nil
}

// GetInstanceByID retrieves an instance by ID, scoped to tenant.
func (s *PgStore) GetInstanceByID(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError("", instanceID)
	}
	if err != nil {
		return model.WorkflowInstance{}, mapError(fmt.Errorf("query workflow instance: %w", err))
	}
	return inst, nil
}

// ApplyTransition locks the instance row, checks the expected state and
// version and writes the instance, event and intents together.
func (s *PgStore) ApplyTransition(ctx context.Context, c Commit) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if s.lockTimeout > 0 {
			if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
				return err
			}
		}

		var (
			state   string
			version int
		)
		err := tx.QueryRow(ctx, `
			SELECT current_state, version
			FROM workflow_instances
			WHERE id = $1 AND tenant_id = $2
			FOR UPDATE`,
			c.Instance.ID, c.Instance.TenantID,
		).Scan(&state, &version)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NewInstanceNotFoundError(c.Instance.EntityType, c.Instance.EntityID)
		}
		if err != nil {
			return err
		}
		if state != c.ExpectedState || version != c.ExpectedVersion {
			return model.NewConcurrentModificationError(state)
		}
		if err := holdTopology(ctx, tx, c.Instance.DefinitionID, c.Instance.CurrentState); err != nil {
			return err
		}

		inst := c.Instance
		_, err = tx.Exec(ctx, `
			UPDATE workflow_instances SET
				current_state = $1,
				completed_at = $2,
				due_at = $3,
				assigned_to = $4,
				metadata = $5,
				version = $6,
				updated_at = $7
			WHERE id = $8`,
			inst.CurrentState, inst.CompletedAt, inst.DueAt, inst.AssignedTo, inst.Metadata,
			inst.Version, inst.UpdatedAt, inst.ID,
		)
		if err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, c.Event); err != nil {
			return err
		}
		return insertIntents(ctx, tx, c.Intents)
	})
	if err != nil {
		if _, ok := model.AsEnvelope(err); ok {
			return err
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return model.NewConcurrentModificationError("")
		}
		return mapError(fmt.Errorf("apply transition: %w", err))
	}
	return nil
}

// GetEvents returns an instance's events ordered by sequence.
func (s *PgStore) GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, tenant_id, sequence, COALESCE(from_state, ''), to_state,
		       trigger_name, COALESCE(triggered_by, ''), COALESCE(comment, ''), created_at
		FROM workflow_events
		WHERE instance_id = $1 AND tenant_id = $2
		ORDER BY sequence ASC`,
		instanceID, tenantID,
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("query workflow events: %w", err))
	}
	defer rows.Close()

	events := []model.WorkflowEvent{}
	for rows.Next() {
		var ev model.WorkflowEvent
		if err := rows.Scan(
			&ev.ID, &ev.InstanceID, &ev.TenantID, &ev.Sequence, &ev.FromState, &ev.ToState,
			&ev.Trigger, &ev.TriggeredBy, &ev.Comment, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	if len(events) == 0 {
		// Distinguish an unknown instance from one in another tenant.
		if _, err := s.GetInstanceByID(ctx, tenantID, instanceID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// FindDue returns overdue open instances that have an auto-trigger edge.
func (s *PgStore) FindDue(ctx context.Context, cutoff time.Time, limit int) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances i
		WHERE i.completed_at IS NULL
		  AND i.due_at IS NOT NULL
		  AND i.due_at <= $1
		  AND EXISTS (
			SELECT 1 FROM workflow_transitions t
			WHERE t.definition_id = i.definition_id
			  AND t.from_state = i.current_state
			  AND t.auto_trigger
		  )
		ORDER BY i.due_at ASC
		LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("query due instances: %w", err))
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// PendingIntents returns unpublished intents created before the cutoff.
func (s *PgStore) PendingIntents(ctx context.Context, before time.Time, limit int) ([]model.NotificationIntent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, instance_id, event_id, definition_name, entity_type, entity_id,
		       role, state, created_at
		FROM workflow_notification_intents
		WHERE published_at IS NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, mapError(fmt.Errorf("query pending intents: %w", err))
	}
	defer rows.Close()

	var intents []model.NotificationIntent
	for rows.Next() {
		var in model.NotificationIntent
		var entityType string
		if err := rows.Scan(
			&in.ID, &in.TenantID, &in.InstanceID, &in.EventID, &in.DefinitionName, &entityType, &in.EntityID,
			&in.Role, &in.State, &in.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification intent: %w", err)
		}
		in.EntityType = model.EntityType(entityType)
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// MarkIntentsPublished stamps the given intents as delivered.
func (s *PgStore) MarkIntentsPublished(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_notification_intents
		SET published_at = $1
		WHERE id = ANY($2) AND published_at IS NULL`,
		at, ids,
	)
	if err != nil {
		return mapError(fmt.Errorf("mark intents published: %w", err))
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FindDefinition returns the tenant's definition by name.
func (s *PgStore) FindDefinition(ctx context.Context, tenantID, name string) (model.WorkflowDefinition, error) {
	def, err := s.readDefinition(ctx, `tenant_id = $1 AND name = $2`, tenantID, name)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewDefinitionNotFoundError(name)
	}
	if err != nil {
		return model.WorkflowDefinition{}, mapError(fmt.Errorf("load definition: %w", err))
	}
	return def, nil
}

// GetDefinitionByID returns a definition by id.
func (s *PgStore) GetDefinitionByID(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	def, err := s.readDefinition(ctx, `tenant_id = $1 AND id = $2`, tenantID, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewDefinitionNotFoundError(id)
	}
	if err != nil {
		return model.WorkflowDefinition{}, mapError(fmt.Errorf("load definition: %w", err))
	}
	return def, nil
}

// ListDefinitions returns the tenant's definitions ordered by name, all read
// from one snapshot.
func (s *PgStore) ListDefinitions(ctx context.Context, tenantID string) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition
	err := pgx.BeginTxFunc(ctx, s.pool, snapshotRead, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id FROM workflow_definitions WHERE tenant_id = $1 ORDER BY name`,
			tenantID,
		)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		defs = make([]model.WorkflowDefinition, 0, len(ids))
		for _, id := range ids {
			def, err := loadDefinition(ctx, tx, `id = $1`, id)
			if err != nil {
				return err
			}
			defs = append(defs, def)
		}
		return nil
	})
	if err != nil {
		return nil, mapError(fmt.Errorf("list definitions: %w", err))
	}
	return defs, nil
}

// snapshotRead makes the definition row, its states and its transitions come
// from one snapshot, so a concurrent revision is seen entirely or not at all.
var snapshotRead = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

func (s *PgStore) readDefinition(ctx context.Context, where string, args ...any) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	err := pgx.BeginTxFunc(ctx, s.pool, snapshotRead, func(tx pgx.Tx) error {
		var err error
		def, err = loadDefinition(ctx, tx, where, args...)
		return err
	})
	return def, err
}

// UpsertDefinition makes the stored topology of (tenant, name) equal def.
// States and transitions missing from def are pruned. The definition row is
// locked before open instances are counted, and instance writes take a share
// lock on the same row, so a removal that open instances depend on is always
// refused with CONFIGURATION_HAZARD.
func (s *PgStore) UpsertDefinition(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	checksum := def.Checksum
	if checksum == "" {
		checksum = def.ComputeChecksum()
	}

	var out model.WorkflowDefinition
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			id       string
			existing string
		)
		err := tx.QueryRow(ctx, `
			SELECT id, checksum FROM workflow_definitions
			WHERE tenant_id = $1 AND name = $2
			FOR UPDATE`,
			def.TenantID, def.Name,
		).Scan(&id, &existing)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			id = def.ID
			if id == "" {
				id = uuid.New().String()
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO workflow_definitions (id, tenant_id, name, entity_type, description, checksum)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				id, def.TenantID, def.Name, string(def.EntityType), def.Description, checksum,
			); err != nil {
				return err
			}
		case err != nil:
			return err
		case existing == checksum:
			var lerr error
			out, lerr = loadDefinition(ctx, tx, `id = $1`, id)
			return lerr
		default:
			current, err := loadDefinition(ctx, tx, `id = $1`, id)
			if err != nil {
				return err
			}
			live, err := countLive(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := topologyHazard(current, def, live); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE workflow_definitions SET
					entity_type = $1,
					description = $2,
					checksum = $3,
					version = version + 1,
					updated_at = now()
				WHERE id = $4`,
				string(def.EntityType), def.Description, checksum, id,
			); err != nil {
				return err
			}
		}

		if err := writeTopology(ctx, tx, id, def); err != nil {
			return err
		}
		var lerr error
		out, lerr = loadDefinition(ctx, tx, `id = $1`, id)
		return lerr
	})
	if err != nil {
		return model.WorkflowDefinition{}, mapError(fmt.Errorf("upsert definition %q: %w", def.Name, err))
	}
	return out, nil
}

// SetDefinitionActive flips a definition's active flag.
func (s *PgStore) SetDefinitionActive(ctx context.Context, tenantID, name string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_definitions SET is_active = $1, updated_at = now()
		WHERE tenant_id = $2 AND name = $3`,
		active, tenantID, name,
	)
	if err != nil {
		return mapError(fmt.Errorf("set definition active: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return model.NewDefinitionNotFoundError(name)
	}
	return nil
}

// LiveInstancesByState counts a definition's open instances per state.
func (s *PgStore) LiveInstancesByState(ctx context.Context, definitionID string) (map[string]int, error) {
	counts, err := countLive(ctx, s.pool, definitionID)
	if err != nil {
		return nil, mapError(fmt.Errorf("count live instances: %w", err))
	}
	return counts, nil
}

func countLive(ctx context.Context, q querier, definitionID string) (map[string]int, error) {
	rows, err := q.Query(ctx, `
		SELECT current_state, count(*)
		FROM workflow_instances
		WHERE definition_id = $1 AND completed_at IS NULL
		GROUP BY current_state`,
		definitionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan live instance count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// holdTopology takes a share lock on the definition row, which waits out a
// concurrent UpsertDefinition and blocks the next one until this transaction
// ends, then checks that state is still declared.
func holdTopology(ctx context.Context, tx pgx.Tx, definitionID, state string) error {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM workflow_definitions WHERE id = $1 FOR SHARE`, definitionID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewDefinitionNotFoundError(definitionID)
	}
	if err != nil {
		return err
	}

	// A separate statement, so it reads a snapshot taken after the lock.
	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM workflow_states WHERE definition_id = $1 AND name = $2)`,
		definitionID, state,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return removedStateError(state)
	}
	return nil
}

func writeTopology(ctx context.Context, tx pgx.Tx, id string, def model.WorkflowDefinition) error {
	stateNames := make([]string, len(def.States))
	batch := &pgx.Batch{}
	for i, st := range def.States {
		stateNames[i] = st.Name
		notify := st.NotifyRoles
		if notify == nil {
			notify = []string{}
		}
		batch.Queue(`
			INSERT INTO workflow_states (definition_id, name, label, is_initial, is_terminal, sla_hours, notify_roles, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (definition_id, name) DO UPDATE SET
				label = EXCLUDED.label,
				is_initial = EXCLUDED.is_initial,
				is_terminal = EXCLUDED.is_terminal,
				sla_hours = EXCLUDED.sla_hours,
				notify_roles = EXCLUDED.notify_roles,
				position = EXCLUDED.position`,
			id, st.Name, st.Label, st.IsInitial, st.IsTerminal, st.SLAHours, notify, i,
		)
	}

	froms := make([]string, len(def.Transitions))
	triggers := make([]string, len(def.Transitions))
	for i, tr := range def.Transitions {
		froms[i], triggers[i] = tr.FromState, tr.Trigger
		batch.Queue(`
			INSERT INTO workflow_transitions (definition_id, from_state, trigger_name, to_state, allowed_roles, requires_comment, auto_trigger, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (definition_id, from_state, trigger_name) DO UPDATE SET
				to_state = EXCLUDED.to_state,
				allowed_roles = EXCLUDED.allowed_roles,
				requires_comment = EXCLUDED.requires_comment,
				auto_trigger = EXCLUDED.auto_trigger,
				position = EXCLUDED.position`,
			id, tr.FromState, tr.Trigger, tr.ToState, tr.AllowedRoles, tr.RequiresComment, tr.AutoTrigger, i,
		)
	}

	batch.Queue(`
		DELETE FROM workflow_transitions
		WHERE definition_id = $1
		AND (from_state, trigger_name) NOT IN (SELECT * FROM unnest($2::text[], $3::text[]))`,
		id, froms, triggers,
	)
	batch.Queue(`DELETE FROM workflow_states WHERE definition_id = $1 AND NOT (name = ANY($2))`, id, stateNames)

	return tx.SendBatch(ctx, batch).Close()
}

func loadDefinition(ctx context.Context, q querier, where string, args ...any) (model.WorkflowDefinition, error) {
	var (
		def        model.WorkflowDefinition
		entityType string
	)
	err := q.QueryRow(ctx, `
		SELECT id, tenant_id, name, entity_type, description, is_active, version, checksum, created_at, updated_at
		FROM workflow_definitions
		WHERE `+where, args...,
	).Scan(
		&def.ID, &def.TenantID, &def.Name, &entityType, &def.Description, &def.IsActive,
		&def.Version, &def.Checksum, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	def.EntityType = model.EntityType(entityType)

	rows, err := q.Query(ctx, `
		SELECT name, label, is_initial, is_terminal, sla_hours, notify_roles
		FROM workflow_states
		WHERE definition_id = $1
		ORDER BY position`,
		def.ID,
	)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	for rows.Next() {
		var st model.StateDefinition
		if err := rows.Scan(&st.Name, &st.Label, &st.IsInitial, &st.IsTerminal, &st.SLAHours, &st.NotifyRoles); err != nil {
			rows.Close()
			return model.WorkflowDefinition{}, err
		}
		if len(st.NotifyRoles) == 0 {
			st.NotifyRoles = nil
		}
		def.States = append(def.States, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return model.WorkflowDefinition{}, err
	}

	rows, err = q.Query(ctx, `
		SELECT from_state, to_state, trigger_name, allowed_roles, requires_comment, auto_trigger
		FROM workflow_transitions
		WHERE definition_id = $1
		ORDER BY position`,
		def.ID,
	)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var tr model.TransitionDefinition
		if err := rows.Scan(&tr.FromState, &tr.ToState, &tr.Trigger, &tr.AllowedRoles, &tr.RequiresComment, &tr.AutoTrigger); err != nil {
			return model.WorkflowDefinition{}, err
		}
		def.Transitions = append(def.Transitions, tr)
	}
	return def, rows.Err()
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev model.WorkflowEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO workflow_events (
			id, instance_id, tenant_id, sequence, from_state, to_state,
			trigger_name, triggered_by, comment, created_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10)`,
		ev.ID, ev.InstanceID, ev.TenantID, ev.Sequence, ev.FromState, ev.ToState,
		ev.Trigger, ev.TriggeredBy, ev.Comment, ev.CreatedAt,
	)
	return err
}

func insertIntents(ctx context.Context, tx pgx.Tx, intents []model.NotificationIntent) error {
	if len(intents) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, in := range intents {
		batch.Queue(`
			INSERT INTO workflow_notification_intents (
				id, tenant_id, instance_id, event_id, definition_name, entity_type, entity_id,
				role, state, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			in.ID, in.TenantID, in.InstanceID, in.EventID, in.DefinitionName, string(in.EntityType), in.EntityID,
			in.Role, in.State, in.CreatedAt,
		)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var (
		inst       model.WorkflowInstance
		entityType string
	)
	err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.DefinitionID, &inst.DefinitionName, &entityType, &inst.EntityID,
		&inst.CurrentState, &inst.StartedAt, &inst.CompletedAt, &inst.DueAt, &inst.AssignedTo, &inst.Metadata,
		&inst.Version, &inst.UpdatedAt,
	)
	inst.EntityType = model.EntityType(entityType)
	return inst, err
}

// mapError converts connectivity failures to STORE_UNAVAILABLE. Context
// errors pass through so callers can report TIMEOUT.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return model.NewStoreUnavailableError()
	}
	return err
}
