package definition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/kazi/model"
)

// countingStore is a minimal Store that counts reads.
type countingStore struct {
	mu    sync.Mutex
	defs  map[string]model.WorkflowDefinition
	reads int
}

func newCountingStore(defs ...model.WorkflowDefinition) *countingStore {
	s := &countingStore{defs: make(map[string]model.WorkflowDefinition)}
	for _, d := range defs {
		s.defs[d.TenantID+"/"+d.Name] = d
	}
	return s
}

func (s *countingStore) FindDefinition(_ context.Context, tenantID, name string) (model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	d, ok := s.defs[tenantID+"/"+name]
	if !ok {
		return model.WorkflowDefinition{}, model.NewDefinitionNotFoundError(name)
	}
	return d, nil
}

func (s *countingStore) GetDefinitionByID(_ context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	for _, d := range s.defs {
		if d.TenantID == tenantID && d.ID == id {
			return d, nil
		}
	}
	return model.WorkflowDefinition{}, model.NewDefinitionNotFoundError(id)
}

func (s *countingStore) ListDefinitions(_ context.Context, tenantID string) ([]model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WorkflowDefinition
	for _, d := range s.defs {
		if d.TenantID == tenantID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *countingStore) UpsertDefinition(_ context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.TenantID+"/"+def.Name] = def
	return def, nil
}

func (s *countingStore) SetDefinitionActive(_ context.Context, tenantID, name string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[tenantID+"/"+name]
	if !ok {
		return model.NewDefinitionNotFoundError(name)
	}
	d.IsActive = active
	s.defs[tenantID+"/"+name] = d
	return nil
}

func (s *countingStore) LiveInstancesByState(context.Context, string) (map[string]int, error) {
	return map[string]int{}, nil
}

func (s *countingStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

type recorder struct{ hits, misses int }

func (r *recorder) RecordDefinitionCacheHit()  { r.hits++ }
func (r *recorder) RecordDefinitionCacheMiss() { r.misses++ }

func storedDefinition(tenant string) model.WorkflowDefinition {
	d := validDefinition()
	d.ID = "def-" + tenant
	d.TenantID = tenant
	d.IsActive = true
	d.Version = 1
	return d
}

func TestRegistry_Get_cachesAfterFirstRead(t *testing.T) {
	store := newCountingStore(storedDefinition("t1"))
	rec := &recorder{}
	r := NewRegistry(store, WithCacheRecorder(rec))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		def, err := r.Get(ctx, "t1", "task_lifecycle")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if def.ID != "def-t1" {
			t.Errorf("ID = %q", def.ID)
		}
	}
	if got := store.readCount(); got != 1 {
		t.Errorf("store reads = %d, want 1", got)
	}
	if rec.hits != 2 || rec.misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", rec.hits, rec.misses)
	}

	// GetByID is served from the same load.
	if _, err := r.GetByID(ctx, "t1", "def-t1"); err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got := store.readCount(); got != 1 {
		t.Errorf("store reads after GetByID = %d, want 1", got)
	}
}

func TestRegistry_Get_notFound(t *testing.T) {
	r := NewRegistry(newCountingStore())
	_, err := r.Get(context.Background(), "t1", "missing")
	if !model.IsCode(err, model.ErrDefinitionNotFound) {
		t.Fatalf("Get() error = %v, want DEFINITION_NOT_FOUND", err)
	}
}

func TestRegistry_tenantIsolation(t *testing.T) {
	r := NewRegistry(newCountingStore(storedDefinition("t1")))
	_, err := r.Get(context.Background(), "t2", "task_lifecycle")
	if !model.IsCode(err, model.ErrDefinitionNotFound) {
		t.Fatalf("Get() for other tenant error = %v, want DEFINITION_NOT_FOUND", err)
	}
}

func TestRegistry_Deactivate(t *testing.T) {
	store := newCountingStore(storedDefinition("t1"))
	r := NewRegistry(store)
	ctx := context.Background()

	if _, err := r.Get(ctx, "t1", "task_lifecycle"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if err := r.Deactivate(ctx, "t1", "task_lifecycle"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	_, err := r.Get(ctx, "t1", "task_lifecycle")
	if !model.IsCode(err, model.ErrDefinitionNotFound) {
		t.Fatalf("Get() after deactivate error = %v, want DEFINITION_NOT_FOUND", err)
	}

	// Inactive definitions stay reachable by id for in-flight instances.
	def, err := r.GetByID(ctx, "t1", "def-t1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if def.IsActive {
		t.Error("IsActive = true after deactivation")
	}
}

func TestRegistry_Invalidate(t *testing.T) {
	store := newCountingStore(storedDefinition("t1"), storedDefinition("t2"))
	r := NewRegistry(store)
	ctx := context.Background()

	r.Get(ctx, "t1", "task_lifecycle")
	r.Get(ctx, "t2", "task_lifecycle")
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}

	r.Invalidate("t1")
	if r.Len() != 1 {
		t.Errorf("Len() after Invalidate = %d, want 1", r.Len())
	}
}

func TestRegistry_TTL(t *testing.T) {
	store := newCountingStore(storedDefinition("t1"))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(store, WithTTL(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	r.Get(ctx, "t1", "task_lifecycle")
	r.Get(ctx, "t1", "task_lifecycle")
	if got := store.readCount(); got != 1 {
		t.Fatalf("reads = %d, want 1", got)
	}

	now = now.Add(2 * time.Minute)
	r.Get(ctx, "t1", "task_lifecycle")
	if got := store.readCount(); got != 2 {
		t.Errorf("reads after expiry = %d, want 2", got)
	}
}

func TestRegistry_concurrentReads(t *testing.T) {
	r := NewRegistry(newCountingStore(storedDefinition("t1")))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			def, err := r.Get(ctx, "t1", "task_lifecycle")
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			if len(def.States) != 3 || len(def.Transitions) != 3 {
				t.Errorf("observed partial definition: %d states, %d transitions", len(def.States), len(def.Transitions))
			}
		}()
		if i%10 == 0 {
			r.Invalidate("t1")
		}
	}
	wg.Wait()
}

// pausingStore returns the stored definition, then parks the first read
// until released, so a test can act between the read and the cache fill.
type pausingStore struct {
	*countingStore
	once    sync.Once
	paused  chan struct{}
	release chan struct{}
}

func (s *pausingStore) FindDefinition(ctx context.Context, tenantID, name string) (model.WorkflowDefinition, error) {
	d, err := s.countingStore.FindDefinition(ctx, tenantID, name)
	s.once.Do(func() {
		close(s.paused)
		<-s.release
	})
	return d, err
}

func TestRegistry_Invalidate_duringLoad(t *testing.T) {
	store := &pausingStore{
		countingStore: newCountingStore(storedDefinition("t1")),
		paused:        make(chan struct{}),
		release:       make(chan struct{}),
	}
	r := NewRegistry(store)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.Get(ctx, "t1", "task_lifecycle")
		done <- err
	}()

	<-store.paused
	r.Invalidate("t1")
	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// The load began before the invalidation, so its result is not cached.
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
	if _, err := r.Get(ctx, "t1", "task_lifecycle"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := store.readCount(); got != 2 {
		t.Errorf("store reads = %d, want 2", got)
	}
	if r.Len() != 1 {
		t.Errorf("Len() after fresh load = %d, want 1", r.Len())
	}
}
