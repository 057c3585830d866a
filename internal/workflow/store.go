package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/kazi/internal/definition"
	"github.com/pitabwire/kazi/model"
)

// Store persists workflow instances, their append-only events and the
// notification intent outbox. Implementations must apply each write method
// atomically: either everything it was given is stored or nothing is.
type Store interface {
	// CreateInstance persists a new instance together with its creation
	// event and intents. Returns DUPLICATE_INSTANCE if a non-completed
	// instance already exists for the same tenant, entity type and entity id.
	CreateInstance(ctx context.Context, inst model.WorkflowInstance, event model.WorkflowEvent, intents []model.NotificationIntent) error

	// GetInstance returns the entity's non-completed instance, or the most
	// recently started completed one. Returns INSTANCE_NOT_FOUND otherwise.
	GetInstance(ctx context.Context, tenantID string, entityType model.EntityType, entityID string) (model.WorkflowInstance, error)

	// GetInstanceByID returns an instance by id, scoped to a tenant.
	GetInstanceByID(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// ApplyTransition commits a transition inside a critical section scoped to
	// the instance row. It fails with CONCURRENT_MODIFICATION, carrying the
	// state actually found, when the stored instance no longer has the
	// expected state and version.
	ApplyTransition(ctx context.Context, c Commit) error

	// GetEvents returns an instance's events ordered by sequence.
	GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error)

	// FindDue returns non-completed instances, across tenants, whose due time
	// is at or before cutoff and whose current state has an auto-trigger
	// transition. Oldest deadlines come first.
	FindDue(ctx context.Context, cutoff time.Time, limit int) ([]model.WorkflowInstance, error)

	// PendingIntents returns unpublished intents created before the cutoff.
	PendingIntents(ctx context.Context, before time.Time, limit int) ([]model.NotificationIntent, error)

	// MarkIntentsPublished records that the given intents were delivered.
	MarkIntentsPublished(ctx context.Context, ids []string, at time.Time) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// Commit is everything one transition writes.
type Commit struct {
	ExpectedState   string
	ExpectedVersion int
	Instance        model.WorkflowInstance
	Event           model.WorkflowEvent
	Intents         []model.NotificationIntent
}

// IntentPublisher delivers notification intents to the delivery collaborator.
type IntentPublisher interface {
	Publish(ctx context.Context, intents []model.NotificationIntent) error
}

// Recorder receives engine measurements.
type Recorder interface {
	RecordWorkflowStart(definition string)
	RecordTransition(definition, trigger, outcome string, duration time.Duration)
	RecordWorkflowCompletion(definition, state string)
	RecordSweep(fired, skipped, failed int)
	RecordNotificationIntents(status string, count int)
}

type noopRecorder struct{}

func (noopRecorder) RecordWorkflowStart(string)                             {}
func (noopRecorder) RecordTransition(string, string, string, time.Duration) {}
func (noopRecorder) RecordWorkflowCompletion(string, string)                {}
func (noopRecorder) RecordSweep(int, int, int)                              {}
func (noopRecorder) RecordNotificationIntents(string, int)                  {}

// topologyHazard refuses a definition revision that removes states or
// transitions open instances still depend on. Stores call it inside the
// critical section that applies the revision, so no instance can move into
// a removed state between the check and the write.
func topologyHazard(existing, desired model.WorkflowDefinition, live map[string]int) error {
	c := definition.Diff(existing, desired)
	if c.Empty() {
		return nil
	}
	if hz := definition.Hazards(desired.Name, c, live); len(hz) > 0 {
		return model.NewConfigurationHazardError(
			fmt.Sprintf("revision of %q would remove states or transitions used by live instances", desired.Name),
			hz,
		)
	}
	return nil
}

// removedStateError reports a write that targets a state a concurrent
// revision removed from the definition. The caller re-reads the definition
// and retries.
func removedStateError(state string) error {
	e := model.NewConcurrentModificationError("")
	e.Message = fmt.Sprintf("state %q is no longer part of the definition; re-read and retry", state)
	return e
}
