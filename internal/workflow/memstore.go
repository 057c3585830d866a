package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/kazi/model"
)

type entityKey struct {
	tenantID   string
	entityType model.EntityType
	entityID   string
}

type definitionKey struct {
	tenantID string
	name     string
}

// MemoryStore keeps definitions, instances, events and intents in memory. It
// satisfies both Store and definition.Store and is used for tests and single
// node development.
type MemoryStore struct {
	mu          sync.RWMutex
	instances   map[string]model.WorkflowInstance // key: instance ID
	open        map[entityKey]string              // non-completed instance per entity
	events      map[string][]model.WorkflowEvent  // key: instance ID
	intents     []model.NotificationIntent
	definitions map[definitionKey]model.WorkflowDefinition
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:   make(map[string]model.WorkflowInstance),
		open:        make(map[entityKey]string),
		events:      make(map[string][]model.WorkflowEvent),
		definitions: make(map[definitionKey]model.WorkflowDefinition),
	}
}

// CreateInstance persists a new instance, its creation event and intents.
func (s *MemoryStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance, event model.WorkflowEvent, intents []model.NotificationIntent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entityKey{inst.TenantID, inst.EntityType, inst.EntityID}
	if _, exists := s.open[k]; exists {
		return model.NewDuplicateInstanceError(inst.EntityType, inst.EntityID)
	}
	if !s.stateExists(inst) {
		return removedStateError(inst.CurrentState)
	}

	s.instances[inst.ID] = inst.Clone()
	if !inst.IsCompleted() {
		s.open[k] = inst.ID
	}
	s.events[inst.ID] = []model.WorkflowEvent{event}
	s.intents = append(s.intents, intents...)
	return nil
}

// GetInstance returns the entity's open instance or its latest completed one.
func (s *MemoryStore) GetInstance(_ context.Context, tenantID string, entityType model.EntityType, entityID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.open[entityKey{tenantID, entityType, entityID}]; ok {
		return s.instances[id].Clone(), nil
	}

	var (
		latest model.WorkflowInstance
		found  bool
	)
	for _, inst := range s.instances {
		if inst.TenantID != tenantID || inst.EntityType != entityType || inst.EntityID != entityID {
			continue
		}
		if !found || inst.StartedAt.After(latest.StartedAt) {
			latest, found = inst, true
		}
	}
	if !found {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(entityType, entityID)
	}
	return latest.Clone(), nil
}

// GetInstanceByID retrieves an instance by ID, scoped to tenant.
func (s *MemoryStore) GetInstanceByID(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError("", instanceID)
	}
	return inst.Clone(), nil
}

// ApplyTransition commits c if the stored instance still matches the
// expected state and version.
func (s *MemoryStore) ApplyTransition(ctx context.Context, c Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[c.Instance.ID]
	if !exists || existing.TenantID != c.Instance.TenantID {
		return model.NewInstanceNotFoundError(c.Instance.EntityType, c.Instance.EntityID)
	}

	// Optimistic lock check.
	if existing.CurrentState != c.ExpectedState || existing.Version != c.ExpectedVersion {
		return model.NewConcurrentModificationError(existing.CurrentState)
	}
	if !s.stateExists(c.Instance) {
		return removedStateError(c.Instance.CurrentState)
	}

	s.instances[c.Instance.ID] = c.Instance.Clone()
	if c.Instance.IsCompleted() {
		delete(s.open, entityKey{c.Instance.TenantID, c.Instance.EntityType, c.Instance.EntityID})
	}
	s.events[c.Instance.ID] = append(s.events[c.Instance.ID], c.Event)
	s.intents = append(s.intents, c.Intents...)
	return nil
}

// GetEvents returns an instance's events ordered by sequence.
func (s *MemoryStore) GetEvents(_ context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return nil, model.NewInstanceNotFoundError("", instanceID)
	}

	events := s.events[instanceID]
	result := make([]model.WorkflowEvent, len(events))
	copy(result, events)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Sequence < result[j].Sequence
	})
	return result, nil
}

// FindDue returns overdue open instances that have an auto-trigger edge.
func (s *MemoryStore) FindDue(_ context.Context, cutoff time.Time, limit int) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defsByID := make(map[string]model.WorkflowDefinition, len(s.definitions))
	for _, d := range s.definitions {
		defsByID[d.ID] = d
	}

	var result []model.WorkflowInstance
	for _, id := range s.open {
		inst := s.instances[id]
		if inst.DueAt == nil || inst.DueAt.After(cutoff) {
			continue
		}
		def, ok := defsByID[inst.DefinitionID]
		if !ok || firstAutoTrigger(def, inst.CurrentState) == "" {
			continue
		}
		result = append(result, inst.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DueAt.Before(*result[j].DueAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// PendingIntents returns unpublished intents created before the cutoff.
func (s *MemoryStore) PendingIntents(_ context.Context, before time.Time, limit int) ([]model.NotificationIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.NotificationIntent
	for _, in := range s.intents {
		if in.PublishedAt != nil || !in.CreatedAt.Before(before) {
			continue
		}
		result = append(result, in)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// MarkIntentsPublished stamps the given intents as delivered.
func (s *MemoryStore) MarkIntentsPublished(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range s.intents {
		if want[s.intents[i].ID] && s.intents[i].PublishedAt == nil {
			t := at
			s.intents[i].PublishedAt = &t
		}
	}
	return nil
}

// Intents returns a copy of every stored intent. For testing.
func (s *MemoryStore) Intents() []model.NotificationIntent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.NotificationIntent, len(s.intents))
	copy(out, s.intents)
	return out
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// FindDefinition returns the tenant's definition by name.
func (s *MemoryStore) FindDefinition(_ context.Context, tenantID, name string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.definitions[definitionKey{tenantID, name}]
	if !ok {
		return model.WorkflowDefinition{}, model.NewDefinitionNotFoundError(name)
	}
	return d.Clone(), nil
}

// GetDefinitionByID returns a definition by id.
func (s *MemoryStore) GetDefinitionByID(_ context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.definitions {
		if d.TenantID == tenantID && d.ID == id {
			return d.Clone(), nil
		}
	}
	return model.WorkflowDefinition{}, model.NewDefinitionNotFoundError(id)
}

// ListDefinitions returns the tenant's definitions ordered by name.
func (s *MemoryStore) ListDefinitions(_ context.Context, tenantID string) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.WorkflowDefinition{}
	for _, d := range s.definitions {
		if d.TenantID == tenantID {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// UpsertDefinition replaces the stored topology of (tenant, name) with def.
// New definitions start active at version 1; an existing one keeps its id
// and active flag and is bumped a version only when its checksum changes.
func (s *MemoryStore) UpsertDefinition(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return model.WorkflowDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	next := def.Clone()
	if next.Checksum == "" {
		next.Checksum = next.ComputeChecksum()
	}

	k := definitionKey{def.TenantID, def.Name}
	if existing, ok := s.definitions[k]; ok {
		next.ID = existing.ID
		next.IsActive = existing.IsActive
		next.CreatedAt = existing.CreatedAt
		next.Version = existing.Version
		next.UpdatedAt = existing.UpdatedAt
		if existing.Checksum != next.Checksum {
			if err := topologyHazard(existing, next, s.liveByState(existing.ID)); err != nil {
				return model.WorkflowDefinition{}, err
			}
			next.Version++
			next.UpdatedAt = now
		}
	} else {
		if next.ID == "" {
			next.ID = uuid.New().String()
		}
		next.IsActive = true
		next.Version = 1
		next.CreatedAt = now
		next.UpdatedAt = now
	}

	s.definitions[k] = next
	return next.Clone(), nil
}

// SetDefinitionActive flips a definition's active flag.
func (s *MemoryStore) SetDefinitionActive(_ context.Context, tenantID, name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := definitionKey{tenantID, name}
	d, ok := s.definitions[k]
	if !ok {
		return model.NewDefinitionNotFoundError(name)
	}
	if d.IsActive != active {
		d.IsActive = active
		d.UpdatedAt = time.Now().UTC()
		s.definitions[k] = d
	}
	return nil
}

// LiveInstancesByState counts a definition's open instances per state.
func (s *MemoryStore) LiveInstancesByState(_ context.Context, definitionID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveByState(definitionID), nil
}

// liveByState must be called with mu held.
func (s *MemoryStore) liveByState(definitionID string) map[string]int {
	counts := make(map[string]int)
	for _, id := range s.open {
		inst := s.instances[id]
		if inst.DefinitionID == definitionID {
			counts[inst.CurrentState]++
		}
	}
	return counts
}

// stateExists reports whether inst's current state is still declared by its
// stored definition. Instances whose definition is not held by this store
// are not checked. Must be called with mu held.
func (s *MemoryStore) stateExists(inst model.WorkflowInstance) bool {
	def, ok := s.definitions[definitionKey{inst.TenantID, inst.DefinitionName}]
	if !ok || def.ID != inst.DefinitionID {
		return true
	}
	_, ok = def.State(inst.CurrentState)
	return ok
}
