package definition

import (
	"fmt"

	"github.com/pitabwire/kazi/model"
)

// Changes lists the parts of a stored definition that a new revision no
// longer declares.
type Changes struct {
	RemovedStates      []string
	RemovedTransitions []model.TransitionDefinition
}

// Empty reports whether nothing would be removed.
func (c Changes) Empty() bool {
	return len(c.RemovedStates) == 0 && len(c.RemovedTransitions) == 0
}

// Diff compares existing with desired on natural keys: state name, and
// (from state, trigger) for transitions.
func Diff(existing, desired model.WorkflowDefinition) Changes {
	var c Changes

	keep := make(map[string]bool, len(desired.States))
	for _, s := range desired.States {
		keep[s.Name] = true
	}
	for _, s := range existing.States {
		if !keep[s.Name] {
			c.RemovedStates = append(c.RemovedStates, s.Name)
		}
	}

	for _, t := range existing.Transitions {
		if _, ok := desired.FindTransition(t.FromState, t.Trigger); !ok {
			c.RemovedTransitions = append(c.RemovedTransitions, t)
		}
	}
	return c
}

// Hazards reports removals that live instances still depend on. liveByState
// maps a state name to the number of non-completed instances currently in it.
// A removed state is a hazard while instances sit in it; a removed transition
// is a hazard while instances sit in its source state and could fire it.
func Hazards(name string, c Changes, liveByState map[string]int) []model.FieldError {
	var out []model.FieldError
	for _, s := range c.RemovedStates {
		if n := liveByState[s]; n > 0 {
			out = append(out, model.FieldError{
				Field:   name + ".states." + s,
				Code:    "LIVE_STATE_REMOVED",
				Message: pluralInstances(n) + " still in state " + s,
			})
		}
	}
	for _, t := range c.RemovedTransitions {
		if n := liveByState[t.FromState]; n > 0 {
			out = append(out, model.FieldError{
				Field:   name + ".transitions." + t.FromState + "." + t.Trigger,
				Code:    "LIVE_TRANSITION_REMOVED",
				Message: pluralInstances(n) + " can still fire " + t.Trigger + " from " + t.FromState,
			})
		}
	}
	return out
}

func pluralInstances(n int) string {
	if n == 1 {
		return "1 live instance"
	}
	return fmt.Sprintf("%d live instances", n)
}
