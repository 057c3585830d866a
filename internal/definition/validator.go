package definition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/kazi/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validation codes.
const (
	CodeRequired              = "REQUIRED"
	CodeInvalidEnum           = "INVALID_ENUM"
	CodeDuplicate             = "DUPLICATE"
	CodeReserved              = "RESERVED"
	CodeInitialState          = "INITIAL_STATE"
	CodeTerminalState         = "TERMINAL_STATE"
	CodeRefNotFound           = "REF_NOT_FOUND"
	CodeTerminalOutgoing      = "TERMINAL_OUTGOING"
	CodeInvalidSLA            = "INVALID_SLA"
	CodeAutoTriggerWithoutSLA = "AUTO_TRIGGER_WITHOUT_SLA"
)

// Validator checks workflow definitions for structural soundness.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions and reports duplicate names across them.
func (v *Validator) Validate(defs []model.WorkflowDefinition) []VError {
	var errs []VError
	names := make(map[string]int, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		if first, ok := names[def.Name]; ok && def.Name != "" {
			errs = append(errs, VError{
				Path:    prefix + ".name",
				Code:    CodeDuplicate,
				Message: fmt.Sprintf("name %q already declared by definitions[%d]", def.Name, first),
			})
		} else {
			names[def.Name] = i
		}
		errs = append(errs, v.ValidateDefinition(prefix, def)...)
	}
	return errs
}

// ValidateDefinition checks a single definition. prefix is prepended to every
// error path.
func (v *Validator) ValidateDefinition(prefix string, d model.WorkflowDefinition) []VError {
	var errs []VError

	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: CodeRequired, Message: "name is required"})
	}
	if d.EntityType == "" {
		errs = append(errs, VError{Path: prefix + ".entity_type", Code: CodeRequired, Message: "entity_type is required"})
	} else if !d.EntityType.Valid() {
		errs = append(errs, VError{Path: prefix + ".entity_type", Code: CodeInvalidEnum, Message: fmt.Sprintf("invalid entity type %q", d.EntityType)})
	}

	states := make(map[string]model.StateDefinition, len(d.States))
	initials, terminals := 0, 0
	for i, s := range d.States {
		sp := fmt.Sprintf("%s.states[%d]", prefix, i)
		if s.Name == "" {
			errs = append(errs, VError{Path: sp + ".name", Code: CodeRequired, Message: "state name is required"})
			continue
		}
		if _, dup := states[s.Name]; dup {
			errs = append(errs, VError{Path: sp + ".name", Code: CodeDuplicate, Message: fmt.Sprintf("state %q declared twice", s.Name)})
		}
		states[s.Name] = s
		if s.IsInitial {
			initials++
			if s.IsTerminal {
				errs = append(errs, VError{Path: sp, Code: CodeInitialState, Message: fmt.Sprintf("initial state %q cannot be terminal", s.Name)})
			}
		}
		if s.IsTerminal {
			terminals++
		}
		if s.SLAHours != nil && *s.SLAHours <= 0 {
			errs = append(errs, VError{Path: sp + ".sla_hours", Code: CodeInvalidSLA, Message: "sla_hours must be positive"})
		}
	}
	if initials != 1 {
		errs = append(errs, VError{Path: prefix + ".states", Code: CodeInitialState, Message: fmt.Sprintf("exactly one initial state is required, found %d", initials)})
	}
	if terminals == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: CodeTerminalState, Message: "at least one terminal state is required"})
	}

	edges := make(map[string]bool, len(d.Transitions))
	for i, tr := range d.Transitions {
		tp := fmt.Sprintf("%s.transitions[%d]", prefix, i)
		if tr.Trigger == "" {
			errs = append(errs, VError{Path: tp + ".trigger", Code: CodeRequired, Message: "transition trigger is required"})
		}
		if tr.Trigger == model.StartTrigger {
			errs = append(errs, VError{Path: tp + ".trigger", Code: CodeReserved, Message: fmt.Sprintf("trigger %q is reserved", model.StartTrigger)})
		}
		from, fromOK := states[tr.FromState]
		if !fromOK {
			errs = append(errs, VError{Path: tp + ".from", Code: CodeRefNotFound, Message: fmt.Sprintf("state %q not found", tr.FromState)})
		}
		if _, ok := states[tr.ToState]; !ok {
			errs = append(errs, VError{Path: tp + ".to", Code: CodeRefNotFound, Message: fmt.Sprintf("state %q not found", tr.ToState)})
		}

		key := tr.FromState + "\x00" + tr.Trigger
		if edges[key] {
			errs = append(errs, VError{Path: tp, Code: CodeDuplicate, Message: fmt.Sprintf("trigger %q declared twice from state %q", tr.Trigger, tr.FromState)})
		}
		edges[key] = true

		if !fromOK {
			continue
		}
		if from.IsTerminal {
			errs = append(errs, VError{Path: tp + ".from", Code: CodeTerminalOutgoing, Message: fmt.Sprintf("terminal state %q cannot have outgoing transitions", tr.FromState)})
		}
		// The sweep only fires auto triggers once the source state's SLA
		// has elapsed.
		if tr.AutoTrigger && from.SLAHours == nil {
			errs = append(errs, VError{Path: tp + ".auto_trigger", Code: CodeAutoTriggerWithoutSLA, Message: fmt.Sprintf("state %q has no sla_hours", tr.FromState)})
		}
	}

	return errs
}

// FieldErrors converts validation errors into model field errors.
func FieldErrors(errs []VError) []model.FieldError {
	out := make([]model.FieldError, len(errs))
	for i, e := range errs {
		out[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return out
}
