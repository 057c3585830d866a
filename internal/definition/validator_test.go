package definition

import (
	"testing"

	"github.com/pitabwire/kazi/model"
)

func sla(h int) *int { return &h }

func validDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		Name:       "task_lifecycle",
		EntityType: model.EntityTask,
		States: []model.StateDefinition{
			{Name: "todo", IsInitial: true},
			{Name: "in_progress", SLAHours: sla(72)},
			{Name: "done", IsTerminal: true},
		},
		Transitions: []model.TransitionDefinition{
			{FromState: "todo", ToState: "in_progress", Trigger: "start_work"},
			{FromState: "in_progress", ToState: "done", Trigger: "complete"},
			{FromState: "in_progress", ToState: "done", Trigger: "auto_close", AutoTrigger: true},
		},
	}
}

func hasCode(errs []VError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid(t *testing.T) {
	v := NewValidator()
	if errs := v.Validate([]model.WorkflowDefinition{validDefinition()}); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_structuralErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.WorkflowDefinition)
		code   string
	}{
		{"missing name", func(d *model.WorkflowDefinition) { d.Name = " " }, CodeRequired},
		{"missing entity type", func(d *model.WorkflowDefinition) { d.EntityType = "" }, CodeRequired},
		{"unknown entity type", func(d *model.WorkflowDefinition) { d.EntityType = "invoice" }, CodeInvalidEnum},
		{"no initial state", func(d *model.WorkflowDefinition) { d.States[0].IsInitial = false }, CodeInitialState},
		{"two initial states", func(d *model.WorkflowDefinition) { d.States[1].IsInitial = true }, CodeInitialState},
		{"initial is terminal", func(d *model.WorkflowDefinition) { d.States[0].IsTerminal = true }, CodeInitialState},
		{"no terminal state", func(d *model.WorkflowDefinition) { d.States[2].IsTerminal = false }, CodeTerminalState},
		{"duplicate state", func(d *model.WorkflowDefinition) { d.States[1].Name = "todo" }, CodeDuplicate},
		{"unnamed state", func(d *model.WorkflowDefinition) { d.States[1].Name = "" }, CodeRequired},
		{"non-positive sla", func(d *model.WorkflowDefinition) { d.States[1].SLAHours = sla(0) }, CodeInvalidSLA},
		{"dangling from", func(d *model.WorkflowDefinition) { d.Transitions[0].FromState = "ghost" }, CodeRefNotFound},
		{"dangling to", func(d *model.WorkflowDefinition) { d.Transitions[0].ToState = "ghost" }, CodeRefNotFound},
		{"missing trigger", func(d *model.WorkflowDefinition) { d.Transitions[0].Trigger = "" }, CodeRequired},
		{"reserved trigger", func(d *model.WorkflowDefinition) { d.Transitions[0].Trigger = "start" }, CodeReserved},
		{"ambiguous trigger", func(d *model.WorkflowDefinition) { d.Transitions[2].Trigger = "complete" }, CodeDuplicate},
		{"terminal with outgoing edge", func(d *model.WorkflowDefinition) {
			d.Transitions = append(d.Transitions, model.TransitionDefinition{FromState: "done", ToState: "todo", Trigger: "reopen"})
		}, CodeTerminalOutgoing},
		{"auto trigger without sla", func(d *model.WorkflowDefinition) { d.States[1].SLAHours = nil }, CodeAutoTriggerWithoutSLA},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition().Clone()
			tt.mutate(&def)
			errs := v.Validate([]model.WorkflowDefinition{def})
			if !hasCode(errs, tt.code) {
				t.Errorf("Validate() = %v, want code %s", errs, tt.code)
			}
		})
	}
}

func TestValidator_duplicateDefinitionNames(t *testing.T) {
	v := NewValidator()
	errs := v.Validate([]model.WorkflowDefinition{validDefinition(), validDefinition()})
	if !hasCode(errs, CodeDuplicate) {
		t.Fatalf("Validate() = %v, want DUPLICATE", errs)
	}
	if errs[0].Path != "definitions[1].name" {
		t.Errorf("Path = %q, want definitions[1].name", errs[0].Path)
	}
}

func TestFieldErrors(t *testing.T) {
	fe := FieldErrors([]VError{{Path: "definitions[0].name", Code: CodeRequired, Message: "name is required"}})
	if len(fe) != 1 || fe[0].Field != "definitions[0].name" || fe[0].Code != CodeRequired {
		t.Errorf("FieldErrors() = %+v", fe)
	}
}

func TestVError_Error(t *testing.T) {
	e := VError{Path: "definitions[0].states", Message: "boom"}
	if got := e.Error(); got != "definitions[0].states: boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestDiff_andHazards(t *testing.T) {
	existing := validDefinition()
	desired := validDefinition().Clone()
	desired.States = desired.States[:1]
	desired.States = append(desired.States, model.StateDefinition{Name: "done", IsTerminal: true})
	desired.Transitions = []model.TransitionDefinition{{FromState: "todo", ToState: "done", Trigger: "complete"}}

	c := Diff(existing, desired)
	if len(c.RemovedStates) != 1 || c.RemovedStates[0] != "in_progress" {
		t.Errorf("RemovedStates = %v", c.RemovedStates)
	}
	if len(c.RemovedTransitions) != 3 {
		t.Errorf("RemovedTransitions = %d, want 3", len(c.RemovedTransitions))
	}
	if c.Empty() {
		t.Error("Empty() = true")
	}

	if h := Hazards("task_lifecycle", c, map[string]int{"done": 4}); len(h) != 0 {
		t.Errorf("Hazards() with no live instances in removed parts = %v", h)
	}

	h := Hazards("task_lifecycle", c, map[string]int{"in_progress": 2})
	// in_progress state plus its two outgoing edges.
	if len(h) != 3 {
		t.Fatalf("Hazards() = %v, want 3", h)
	}
	if h[0].Code != "LIVE_STATE_REMOVED" || h[0].Message != "2 live instances still in state in_progress" {
		t.Errorf("Hazards()[0] = %+v", h[0])
	}

	h = Hazards("task_lifecycle", c, map[string]int{"todo": 1})
	if len(h) != 1 || h[0].Code != "LIVE_TRANSITION_REMOVED" {
		t.Errorf("Hazards() for todo = %+v", h)
	}
}

func TestDiff_additiveChangeIsEmpty(t *testing.T) {
	existing := validDefinition()
	desired := validDefinition().Clone()
	desired.States = append(desired.States, model.StateDefinition{Name: "archived", IsTerminal: true})
	if c := Diff(existing, desired); !c.Empty() {
		t.Errorf("Diff() = %+v, want empty", c)
	}
}
