package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/pitabwire/kazi/model"
)

// AvailableTransition describes a trigger that can be fired from an
// instance's current state, and whether the asking actor may fire it.
type AvailableTransition struct {
	Trigger         string   `json:"trigger"`
	ToState         string   `json:"to_state"`
	AllowedRoles    []string `json:"allowed_roles"`
	RequiresComment bool     `json:"requires_comment"`
	AutoTrigger     bool     `json:"auto_trigger"`
	Permitted       bool     `json:"permitted"`
}

// InstanceView is an instance together with the triggers leaving its state.
type InstanceView struct {
	Instance   model.WorkflowInstance `json:"instance"`
	Available  []AvailableTransition  `json:"available_transitions"`
	IsTerminal bool                   `json:"is_terminal"`
	StateLabel string                 `json:"state_label,omitempty"`
	Definition string                 `json:"definition"`
	DefVersion int                    `json:"definition_version"`
}

// GetInstance returns the entity's instance. It is the non-completed one if
// any, otherwise the most recently started completed one.
func (e *Engine) GetInstance(ctx context.Context, rctx *model.RequestContext, entityType model.EntityType, entityID string) (model.WorkflowInstance, error) {
	if err := validateActor(rctx); err != nil {
		return model.WorkflowInstance{}, err
	}
	return e.store.GetInstance(ctx, rctx.TenantID, entityType, strings.TrimSpace(entityID))
}

// Describe returns the entity's instance along with the transitions leaving
// its current state.
func (e *Engine) Describe(ctx context.Context, rctx *model.RequestContext, entityType model.EntityType, entityID string) (InstanceView, error) {
	inst, err := e.GetInstance(ctx, rctx, entityType, entityID)
	if err != nil {
		return InstanceView{}, err
	}
	def, err := e.registry.GetByID(ctx, inst.TenantID, inst.DefinitionID)
	if err != nil {
		return InstanceView{}, err
	}
	view := InstanceView{
		Instance:   inst,
		Available:  availableFrom(def, inst, rctx),
		IsTerminal: def.IsTerminalState(inst.CurrentState),
		Definition: def.Name,
		DefVersion: def.Version,
	}
	if s, ok := def.State(inst.CurrentState); ok {
		view.StateLabel = s.Label
	}
	return view, nil
}

// AvailableTransitions lists every trigger leaving the entity's current
// state, auto-triggers included, in definition order. Permitted reports
// whether rctx passes the role guard. Completed instances have none.
func (e *Engine) AvailableTransitions(ctx context.Context, rctx *model.RequestContext, entityType model.EntityType, entityID string) ([]AvailableTransition, error) {
	view, err := e.Describe(ctx, rctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return view.Available, nil
}

func availableFrom(def model.WorkflowDefinition, inst model.WorkflowInstance, rctx *model.RequestContext) []AvailableTransition {
	if inst.IsCompleted() {
		return []AvailableTransition{}
	}
	edges := def.TransitionsFrom(inst.CurrentState)
	out := make([]AvailableTransition, 0, len(edges))
	for _, tr := range edges {
		out = append(out, AvailableTransition{
			Trigger:         tr.Trigger,
			ToState:         tr.ToState,
			AllowedRoles:    model.CloneStrings(tr.AllowedRoles),
			RequiresComment: tr.RequiresComment,
			AutoTrigger:     tr.AutoTrigger,
			Permitted:       rctx.MayFire(tr),
		})
	}
	return out
}

// History returns the events of the entity's instance ordered by sequence.
func (e *Engine) History(ctx context.Context, rctx *model.RequestContext, entityType model.EntityType, entityID string) ([]model.WorkflowEvent, error) {
	inst, err := e.GetInstance(ctx, rctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return e.store.GetEvents(ctx, inst.TenantID, inst.ID)
}

// Replay folds an instance's events from its creation and returns the state
// they lead to. Events must be contiguous from sequence 1 and each must start
// where the previous one ended.
func Replay(events []model.WorkflowEvent) (string, error) {
	if len(events) == 0 {
		return "", fmt.Errorf("replay: no events")
	}
	state := ""
	for i, ev := range events {
		if ev.Sequence != i+1 {
			return "", fmt.Errorf("replay: event %s has sequence %d, want %d", ev.ID, ev.Sequence, i+1)
		}
		if i == 0 {
			if ev.FromState != "" || ev.Trigger != model.StartTrigger {
				return "", fmt.Errorf("replay: first event %s is not a creation event", ev.ID)
			}
		} else if ev.FromState != state {
			return "", fmt.Errorf("replay: event %s leaves %q but instance was in %q", ev.ID, ev.FromState, state)
		}
		if i > 0 && ev.CreatedAt.Before(events[i-1].CreatedAt) {
			return "", fmt.Errorf("replay: event %s is older than its predecessor", ev.ID)
		}
		state = ev.ToState
	}
	return state, nil
}

// Verify replays the entity's history and checks that it agrees with the
// stored current state and version. Divergence is reported as INTERNAL_ERROR.
func (e *Engine) Verify(ctx context.Context, rctx *model.RequestContext, entityType model.EntityType, entityID string) error {
	inst, err := e.GetInstance(ctx, rctx, entityType, entityID)
	if err != nil {
		return err
	}
	events, err := e.store.GetEvents(ctx, inst.TenantID, inst.ID)
	if err != nil {
		return err
	}
	state, err := Replay(events)
	if err != nil {
		return model.NewInternalError().WithDetail("reason", err.Error())
	}
	if state != inst.CurrentState {
		return model.NewInternalError().WithDetail("reason",
			fmt.Sprintf("history ends in %q, instance is in %q", state, inst.CurrentState))
	}
	if len(events) != inst.Version {
		return model.NewInternalError().WithDetail("reason",
			fmt.Sprintf("%d events for instance at version %d", len(events), inst.Version))
	}
	return nil
}
