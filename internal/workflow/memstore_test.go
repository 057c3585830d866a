package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/kazi/model"
)

func seededStore(t *testing.T) (*MemoryStore, model.WorkflowDefinition) {
	t.Helper()
	s := NewMemoryStore()
	def, err := s.UpsertDefinition(context.Background(), reviewFlow())
	if err != nil {
		t.Fatalf("UpsertDefinition() error = %v", err)
	}
	return s, def
}

func testInstance(def model.WorkflowDefinition, id, entityID string, started time.Time) model.WorkflowInstance {
	return model.WorkflowInstance{
		ID:             id,
		TenantID:       def.TenantID,
		DefinitionID:   def.ID,
		DefinitionName: def.Name,
		EntityType:     def.EntityType,
		EntityID:       entityID,
		CurrentState:   "open",
		StartedAt:      started,
		Version:        1,
		UpdatedAt:      started,
	}
}

func startEvent(inst model.WorkflowInstance) model.WorkflowEvent {
	return model.WorkflowEvent{
		ID: inst.ID + "-1", InstanceID: inst.ID, TenantID: inst.TenantID,
		Sequence: 1, ToState: inst.CurrentState, Trigger: model.StartTrigger, CreatedAt: inst.StartedAt,
	}
}

func TestMemoryStore_UpsertDefinition(t *testing.T) {
	s, def := seededStore(t)
	ctx := context.Background()

	if def.ID == "" || def.Version != 1 || !def.IsActive || def.Checksum == "" {
		t.Fatalf("created definition = %+v", def)
	}

	// Same topology: no version bump.
	again, _ := s.UpsertDefinition(ctx, reviewFlow())
	if again.ID != def.ID || again.Version != 1 {
		t.Errorf("unchanged upsert: id=%s version=%d", again.ID, again.Version)
	}

	// Deactivation survives a changed upsert.
	if err := s.SetDefinitionActive(ctx, testTenant, "review_flow", false); err != nil {
		t.Fatalf("SetDefinitionActive() error = %v", err)
	}
	changed := reviewFlow()
	changed.Description = "now with a description"
	got, _ := s.UpsertDefinition(ctx, changed)
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if got.IsActive {
		t.Error("upsert reactivated a deactivated definition")
	}

	byID, err := s.GetDefinitionByID(ctx, testTenant, def.ID)
	if err != nil || byID.Description != "now with a description" {
		t.Errorf("GetDefinitionByID() = %+v, %v", byID, err)
	}
}

func TestMemoryStore_definitionsAreTenantScoped(t *testing.T) {
	s, def := seededStore(t)
	ctx := context.Background()

	if _, err := s.FindDefinition(ctx, "tenant-2", "review_flow"); !model.IsCode(err, model.ErrDefinitionNotFound) {
		t.Errorf("FindDefinition() other tenant error = %v", err)
	}
	if _, err := s.GetDefinitionByID(ctx, "tenant-2", def.ID); !model.IsCode(err, model.ErrDefinitionNotFound) {
		t.Errorf("GetDefinitionByID() other tenant error = %v", err)
	}
	list, _ := s.ListDefinitions(ctx, "tenant-2")
	if len(list) != 0 {
		t.Errorf("ListDefinitions() other tenant = %d", len(list))
	}
	if err := s.SetDefinitionActive(ctx, "tenant-2", "review_flow", false); !model.IsCode(err, model.ErrDefinitionNotFound) {
		t.Errorf("SetDefinitionActive() other tenant error = %v", err)
	}
}

func TestMemoryStore_returnedDefinitionsAreCopies(t *testing.T) {
	s, _ := seededStore(t)
	ctx := context.Background()

	d, _ := s.FindDefinition(ctx, testTenant, "review_flow")
	d.States[0].Name = "mutated"
	d.Transitions[1].AllowedRoles[0] = "nobody"

	fresh, _ := s.FindDefinition(ctx, testTenant, "review_flow")
	if fresh.States[0].Name != "open" || fresh.Transitions[1].AllowedRoles[0] != "manager" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestMemoryStore_CreateInstance_duplicate(t *testing.T) {
	s, def := seededStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := testInstance(def, "i-1", "task-1", now)
	if err := s.CreateInstance(ctx, a, startEvent(a), nil); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	b := testInstance(def, "i-2", "task-1", now)
	if err := s.CreateInstance(ctx, b, startEvent(b), nil); !model.IsCode(err, model.ErrDuplicateInstance) {
		t.Fatalf("CreateInstance() error = %v, want DUPLICATE_INSTANCE", err)
	}
}

func TestMemoryStore_ApplyTransition_compareAndSet(t *testing.T) {
	s, def := seededStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inst := testInstance(def, "i-1", "task-1", now)
	s.CreateInstance(ctx, inst, startEvent(inst), nil)

	next := inst.Clone()
	next.CurrentState = "review"
	next.Version = 2
	ev := model.WorkflowEvent{ID: "i-1-2", InstanceID: "i-1", TenantID: testTenant, Sequence: 2, FromState: "open", ToState: "review", Trigger: "submit", CreatedAt: now}

	if err := s.ApplyTransition(ctx, Commit{ExpectedState: "open", ExpectedVersion: 1, Instance: next, Event: ev}); err != nil {
		t.Fatalf("ApplyTransition() error = %v", err)
	}

	// A second writer holding the old snapshot loses.
	err := s.ApplyTransition(ctx, Commit{ExpectedState: "open", ExpectedVersion: 1, Instance: next, Event: ev})
	env, ok := model.AsEnvelope(err)
	if !ok || env.Code != model.ErrConcurrentModification {
		t.Fatalf("stale ApplyTransition() error = %v, want CONCURRENT_MODIFICATION", err)
	}
	if env.Details["current_state"] != "review" {
		t.Errorf("current_state detail = %v, want review", env.Details["current_state"])
	}

	events, _ := s.GetEvents(ctx, testTenant, "i-1")
	if len(events) != 2 {
		t.Errorf("events = %d, want 2", len(events))
	}
}

func TestMemoryStore_ApplyTransition_cancelledContext(t *testing.T) {
	s, def := seededStore(t)
	now := time.Now().UTC()
	inst := testInstance(def, "i-1", "task-1", now)
	s.CreateInstance(context.Background(), inst, startEvent(inst), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	next := inst.Clone()
	next.Version = 2
	if err := s.ApplyTransition(ctx, Commit{ExpectedState: "open", ExpectedVersion: 1, Instance: next}); err == nil {
		t.Fatal("ApplyTransition() with cancelled context succeeded")
	}
	got, _ := s.GetInstanceByID(context.Background(), testTenant, "i-1")
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
}

func TestMemoryStore_GetInstance_prefersOpen(t *testing.T) {
	s, def := seededStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	old := testInstance(def, "i-old", "task-1", t0)
	done := t0.Add(time.Hour)
	old.CompletedAt = &done
	old.CurrentState = "closed"
	s.CreateInstance(ctx, old, startEvent(old), nil)

	got, err := s.GetInstance(ctx, testTenant, model.EntityTask, "task-1")
	if err != nil || got.ID != "i-old" {
		t.Fatalf("GetInstance() = %s, %v; want completed i-old", got.ID, err)
	}

	cur := testInstance(def, "i-new", "task-1", t0.Add(2*time.Hour))
	if err := s.CreateInstance(ctx, cur, startEvent(cur), nil); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	got, _ = s.GetInstance(ctx, testTenant, model.EntityTask, "task-1")
	if got.ID != "i-new" {
		t.Errorf("GetInstance() = %s, want i-new", got.ID)
	}

	if _, err := s.GetInstance(ctx, "tenant-2", model.EntityTask, "task-1"); !model.IsCode(err, model.ErrInstanceNotFound) {
		t.Errorf("GetInstance() other tenant error = %v", err)
	}
}

func TestMemoryStore_FindDue(t *testing.T) {
	s, def := seededStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mk := func(id, state string, due time.Time) {
		inst := testInstance(def, id, id, t0)
		inst.CurrentState = state
		inst.DueAt = &due
		s.CreateInstance(ctx, inst, startEvent(inst), nil)
	}
	mk("late", "review", t0.Add(time.Hour))
	mk("later", "review", t0.Add(2*time.Hour))
	mk("future", "review", t0.Add(48*time.Hour))
	// open has no auto-trigger edge.
	mk("no-auto", "open", t0)

	due, err := s.FindDue(ctx, t0.Add(3*time.Hour), 10)
	if err != nil {
		t.Fatalf("FindDue() error = %v", err)
	}
	if len(due) != 2 || due[0].ID != "late" || due[1].ID != "later" {
		t.Errorf("FindDue() = %v", ids(due))
	}

	due, _ = s.FindDue(ctx, t0.Add(3*time.Hour), 1)
	if len(due) != 1 {
		t.Errorf("FindDue() with limit = %d", len(due))
	}
}

func ids(insts []model.WorkflowInstance) []string {
	out := make([]string, len(insts))
	for i, in := range insts {
		out[i] = in.ID
	}
	return out
}

func TestMemoryStore_LiveInstancesByState(t *testing.T) {
	s, def := seededStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, state := range []string{"open", "open", "review"} {
		inst := testInstance(def, "i-"+state+string(rune('a'+i)), "task-"+string(rune('a'+i)), now)
		inst.CurrentState = state
		s.CreateInstance(ctx, inst, startEvent(inst), nil)
	}
	counts, err := s.LiveInstancesByState(ctx, def.ID)
	if err != nil {
		t.Fatalf("LiveInstancesByState() error = %v", err)
	}
	if counts["open"] != 2 || counts["review"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

// withoutRejection is reviewFlow minus the rejected state and its edge.
func withoutRejection() model.WorkflowDefinition {
	d := reviewFlow()
	d.States = append(d.States[:3:3], d.States[4])
	d.Transitions = append(d.Transitions[:2:2], d.Transitions[3:]...)
	return d
}

func TestMemoryStore_UpsertDefinition_liveHazard(t *testing.T) {
	s, def := seededStore(t)
	ctx := context.Background()

	inst := testInstance(def, "i-1", "task-1", time.Now().UTC())
	inst.CurrentState = "review"
	if err := s.CreateInstance(ctx, inst, startEvent(inst), nil); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	_, err := s.UpsertDefinition(ctx, withoutRejection())
	env, ok := model.AsEnvelope(err)
	if !ok || env.Code != model.ErrConfigurationHazard {
		t.Fatalf("UpsertDefinition() error = %v, want CONFIGURATION_HAZARD", err)
	}
	if len(env.Problems) != 1 || env.Problems[0].Code != "LIVE_TRANSITION_REMOVED" {
		t.Errorf("problems = %+v", env.Problems)
	}

	stored, _ := s.FindDefinition(ctx, testTenant, "review_flow")
	if stored.Version != 1 || len(stored.Transitions) != 5 {
		t.Errorf("refused revision was applied: version=%d transitions=%d", stored.Version, len(stored.Transitions))
	}
}

func TestMemoryStore_writesIntoRemovedState(t *testing.T) {
	s, def := seededStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	open := testInstance(def, "i-1", "task-1", now)
	if err := s.CreateInstance(ctx, open, startEvent(open), nil); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	// Nothing is in review, so dropping the reject edge is safe.
	if _, err := s.UpsertDefinition(ctx, withoutRejection()); err != nil {
		t.Fatalf("UpsertDefinition() error = %v", err)
	}

	// Writers that planned against the old revision are told to retry.
	stale := testInstance(def, "i-2", "task-2", now)
	stale.CurrentState = "rejected"
	if err := s.CreateInstance(ctx, stale, startEvent(stale), nil); !model.IsCode(err, model.ErrConcurrentModification) {
		t.Fatalf("CreateInstance() into removed state error = %v, want CONCURRENT_MODIFICATION", err)
	}

	next := open.Clone()
	next.CurrentState = "rejected"
	next.Version = 2
	ev := model.WorkflowEvent{ID: "i-1-2", InstanceID: "i-1", TenantID: testTenant, Sequence: 2, FromState: "open", ToState: "rejected", Trigger: "reject", CreatedAt: now}
	err := s.ApplyTransition(ctx, Commit{ExpectedState: "open", ExpectedVersion: 1, Instance: next, Event: ev})
	if !model.IsCode(err, model.ErrConcurrentModification) {
		t.Fatalf("ApplyTransition() into removed state error = %v, want CONCURRENT_MODIFICATION", err)
	}

	got, _ := s.GetInstance(ctx, testTenant, model.EntityTask, "task-1")
	if got.CurrentState != "open" || got.Version != 1 {
		t.Errorf("instance = %s v%d, want open v1", got.CurrentState, got.Version)
	}
}

func TestMemoryStore_intents(t *testing.T) {
	s, def := seededStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	inst := testInstance(def, "i-1", "task-1", t0)
	intents := []model.NotificationIntent{
		{ID: "n-1", TenantID: testTenant, InstanceID: "i-1", Role: "manager", CreatedAt: t0},
		{ID: "n-2", TenantID: testTenant, InstanceID: "i-1", Role: "admin", CreatedAt: t0},
	}
	s.CreateInstance(ctx, inst, startEvent(inst), intents)

	pending, _ := s.PendingIntents(ctx, t0.Add(time.Second), 10)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if err := s.MarkIntentsPublished(ctx, []string{"n-1"}, t0.Add(time.Minute)); err != nil {
		t.Fatalf("MarkIntentsPublished() error = %v", err)
	}
	pending, _ = s.PendingIntents(ctx, t0.Add(time.Second), 10)
	if len(pending) != 1 || pending[0].ID != "n-2" {
		t.Errorf("pending after mark = %+v", pending)
	}
}
