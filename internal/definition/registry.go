package definition

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/kazi/model"
)

// Store persists workflow definitions. Implementations must return a
// definition's states and transitions as one consistent unit and report a
// missing definition with a DEFINITION_NOT_FOUND envelope.
type Store interface {
	// FindDefinition returns the tenant's definition by name, active or not.
	FindDefinition(ctx context.Context, tenantID, name string) (model.WorkflowDefinition, error)

	// GetDefinitionByID returns a definition by surrogate id, active or not.
	GetDefinitionByID(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error)

	// ListDefinitions returns all of a tenant's definitions ordered by name.
	ListDefinitions(ctx context.Context, tenantID string) ([]model.WorkflowDefinition, error)

	// UpsertDefinition makes the stored topology equal def, keyed by
	// (tenant, name), (definition, state) and (definition, from, trigger).
	// The active flag of an existing definition is preserved.
	UpsertDefinition(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error)

	// SetDefinitionActive flips the active flag. Definitions are never deleted.
	SetDefinitionActive(ctx context.Context, tenantID, name string, active bool) error

	// LiveInstancesByState counts non-completed instances of a definition per
	// current state.
	LiveInstancesByState(ctx context.Context, definitionID string) (map[string]int, error)
}

// CacheRecorder receives cache hit and miss notifications.
type CacheRecorder interface {
	RecordDefinitionCacheHit()
	RecordDefinitionCacheMiss()
}

type cacheKey struct {
	tenantID string
	key      string
}

type cacheEntry struct {
	def      model.WorkflowDefinition
	loadedAt time.Time
}

// snapshot is an immutable view of the cached definitions.
type snapshot struct {
	byName map[cacheKey]cacheEntry
	byID   map[cacheKey]cacheEntry
}

// Registry is a read-through cache of definitions in front of a Store. Reads
// are lock free: every change publishes a new snapshot through an atomic
// pointer, so a definition is never observed half-updated. Cached values are
// shared and must not be mutated by callers.
type Registry struct {
	store    Store
	ttl      time.Duration
	now      func() time.Time
	recorder CacheRecorder

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	// gen counts invalidations per tenant. A load that straddles an
	// invalidation is not cached. Guarded by mu.
	gen map[string]uint64
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTTL bounds how long a cached definition is served. Zero keeps entries
// until they are invalidated.
func WithTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.ttl = ttl }
}

// WithCacheRecorder reports cache hits and misses.
func WithCacheRecorder(rec CacheRecorder) RegistryOption {
	return func(r *Registry) { r.recorder = rec }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry over store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{store: store, now: time.Now, gen: make(map[string]uint64)}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{
		byName: make(map[cacheKey]cacheEntry),
		byID:   make(map[cacheKey]cacheEntry),
	})
	return r
}

// Get returns the tenant's active definition called name.
func (r *Registry) Get(ctx context.Context, tenantID, name string) (model.WorkflowDefinition, error) {
	if e, ok := r.lookup(r.snap.Load().byName, cacheKey{tenantID, name}); ok {
		if !e.def.IsActive {
			return model.WorkflowDefinition{}, model.NewDefinitionNotFoundError(name)
		}
		return e.def, nil
	}

	gen := r.generation(tenantID)
	def, err := r.store.FindDefinition(ctx, tenantID, name)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	r.put(def, gen)
	if !def.IsActive {
		return model.WorkflowDefinition{}, model.NewDefinitionNotFoundError(name)
	}
	return def, nil
}

// GetByID returns a definition by id whether or not it is active, so that
// in-flight instances keep working after deactivation.
func (r *Registry) GetByID(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	if e, ok := r.lookup(r.snap.Load().byID, cacheKey{tenantID, id}); ok {
		return e.def, nil
	}

	gen := r.generation(tenantID)
	def, err := r.store.GetDefinitionByID(ctx, tenantID, id)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	r.put(def, gen)
	return def, nil
}

// List returns all definitions of a tenant straight from the store.
func (r *Registry) List(ctx context.Context, tenantID string) ([]model.WorkflowDefinition, error) {
	return r.store.ListDefinitions(ctx, tenantID)
}

// Deactivate marks a definition inactive. New instances can no longer be
// started from it; existing ones continue.
func (r *Registry) Deactivate(ctx context.Context, tenantID, name string) error {
	if err := r.store.SetDefinitionActive(ctx, tenantID, name, false); err != nil {
		return err
	}
	r.Invalidate(tenantID)
	return nil
}

// Invalidate drops every cached definition of a tenant.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen[tenantID]++

	cur := r.snap.Load()
	next := &snapshot{
		byName: make(map[cacheKey]cacheEntry, len(cur.byName)),
		byID:   make(map[cacheKey]cacheEntry, len(cur.byID)),
	}
	for k, v := range cur.byName {
		if k.tenantID != tenantID {
			next.byName[k] = v
		}
	}
	for k, v := range cur.byID {
		if k.tenantID != tenantID {
			next.byID[k] = v
		}
	}
	r.snap.Store(next)
}

// Len returns the number of cached definitions. For testing.
func (r *Registry) Len() int {
	return len(r.snap.Load().byID)
}

func (r *Registry) lookup(m map[cacheKey]cacheEntry, k cacheKey) (cacheEntry, bool) {
	e, ok := m[k]
	if ok && r.ttl > 0 && r.now().Sub(e.loadedAt) > r.ttl {
		ok = false
	}
	if r.recorder != nil {
		if ok {
			r.recorder.RecordDefinitionCacheHit()
		} else {
			r.recorder.RecordDefinitionCacheMiss()
		}
	}
	return e, ok
}

func (r *Registry) generation(tenantID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen[tenantID]
}

// put caches def unless the tenant was invalidated after gen was read.
func (r *Registry) put(def model.WorkflowDefinition, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen[def.TenantID] != gen {
		return
	}

	cur := r.snap.Load()
	next := &snapshot{
		byName: make(map[cacheKey]cacheEntry, len(cur.byName)+1),
		byID:   make(map[cacheKey]cacheEntry, len(cur.byID)+1),
	}
	for k, v := range cur.byName {
		next.byName[k] = v
	}
	for k, v := range cur.byID {
		next.byID[k] = v
	}

	e := cacheEntry{def: def, loadedAt: r.now()}
	next.byName[cacheKey{def.TenantID, def.Name}] = e
	next.byID[cacheKey{def.TenantID, def.ID}] = e
	r.snap.Store(next)
}
