package model

import "time"

// StartTrigger is the trigger name recorded on an instance's creation event.
const StartTrigger = "start"

// WorkflowInstance is one running execution of a definition bound to a
// business entity.
type WorkflowInstance struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	DefinitionID   string         `json:"definition_id"`
	DefinitionName string         `json:"definition_name"`
	EntityType     EntityType     `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	CurrentState   string         `json:"current_state"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at"`
	DueAt          *time.Time     `json:"due_at"`
	AssignedTo     string         `json:"assigned_to,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Version        int            `json:"version"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsCompleted reports whether the instance reached a terminal state.
func (i *WorkflowInstance) IsCompleted() bool {
	return i.CompletedAt != nil
}

// Clone returns a copy whose metadata map is not shared.
func (i WorkflowInstance) Clone() WorkflowInstance {
	out := i
	if i.Metadata != nil {
		out.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		out.CompletedAt = &t
	}
	if i.DueAt != nil {
		t := *i.DueAt
		out.DueAt = &t
	}
	return out
}

// WorkflowEvent is an immutable record of one executed transition. FromState
// is empty for the creation event and TriggeredBy is empty for system fired
// transitions.
type WorkflowEvent struct {
	ID          string    `json:"id"`
	InstanceID  string    `json:"instance_id"`
	TenantID    string    `json:"tenant_id"`
	Sequence    int       `json:"sequence"`
	FromState   string    `json:"from_state"`
	ToState     string    `json:"to_state"`
	Trigger     string    `json:"trigger"`
	TriggeredBy string    `json:"triggered_by"`
	Comment     string    `json:"comment"`
	CreatedAt   time.Time `json:"created_at"`
}

// NotificationIntent asks the delivery collaborator to notify everyone holding
// Role that the instance entered State.
type NotificationIntent struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	InstanceID     string     `json:"instance_id"`
	EventID        string     `json:"event_id"`
	DefinitionName string     `json:"definition_name"`
	EntityType     EntityType `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	Role           string     `json:"role"`
	State          string     `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
}

// StartRequest asks for a new instance of a definition.
type StartRequest struct {
	DefinitionName string         `json:"definition"`
	EntityType     EntityType     `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	AssignedTo     string         `json:"assigned_to,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// TransitionRequest asks to fire Trigger on the entity's instance.
type TransitionRequest struct {
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Trigger    string         `json:"trigger"`
	Comment    string         `json:"comment,omitempty"`
	AssignTo   string         `json:"assign_to,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TransitionResult is the outcome of a transition request.
type TransitionResult struct {
	Success   bool              `json:"success"`
	EventID   string            `json:"event_id,omitempty"`
	FromState string            `json:"from_state,omitempty"`
	ToState   string            `json:"to_state,omitempty"`
	Instance  *WorkflowInstance `json:"instance,omitempty"`
	Error     *ErrorEnvelope    `json:"error,omitempty"`
}

// FailedTransition wraps an error into an unsuccessful result.
func FailedTransition(err error) TransitionResult {
	env, ok := AsEnvelope(err)
	if !ok {
		env = NewInternalError()
	}
	return TransitionResult{Success: false, Error: env}
}
