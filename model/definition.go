package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// DefinitionFile is the root structure of a definition YAML file. A file may
// declare any number of workflow definitions.
type DefinitionFile struct {
	Definitions []WorkflowDefinition `yaml:"definitions" json:"definitions"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowDefinition is a named template graph of states and transitions for
// one entity kind.
type WorkflowDefinition struct {
	ID          string                 `yaml:"-"           json:"id"`
	TenantID    string                 `yaml:"-"           json:"tenant_id"`
	Name        string                 `yaml:"name"        json:"name"`
	EntityType  EntityType             `yaml:"entity_type" json:"entity_type"`
	Description string                 `yaml:"description" json:"description,omitempty"`
	IsActive    bool                   `yaml:"-"           json:"is_active"`
	Version     int                    `yaml:"-"           json:"version"`
	Checksum    string                 `yaml:"-"           json:"checksum"`
	States      []StateDefinition      `yaml:"states"      json:"states"`
	Transitions []TransitionDefinition `yaml:"transitions" json:"transitions"`
	CreatedAt   time.Time              `yaml:"-"           json:"created_at"`
	UpdatedAt   time.Time              `yaml:"-"           json:"updated_at"`
}

// StateDefinition is a named node in the machine.
type StateDefinition struct {
	Name        string   `yaml:"name"         json:"name"`
	Label       string   `yaml:"label"        json:"label"`
	IsInitial   bool     `yaml:"initial"      json:"is_initial"`
	IsTerminal  bool     `yaml:"terminal"     json:"is_terminal"`
	SLAHours    *int     `yaml:"sla_hours"    json:"sla_hours,omitempty"`
	NotifyRoles []string `yaml:"notify_roles" json:"notify_roles,omitempty"`
}

// TransitionDefinition is a directed, named edge. A nil AllowedRoles means any
// authenticated actor may fire the trigger.
type TransitionDefinition struct {
	FromState       string   `yaml:"from"             json:"from_state"`
	ToState         string   `yaml:"to"               json:"to_state"`
	Trigger         string   `yaml:"trigger"          json:"trigger"`
	AllowedRoles    []string `yaml:"allowed_roles"    json:"allowed_roles"`
	RequiresComment bool     `yaml:"requires_comment" json:"requires_comment"`
	AutoTrigger     bool     `yaml:"auto_trigger"     json:"auto_trigger"`
}

// InitialState returns the definition's initial state.
func (d *WorkflowDefinition) InitialState() (StateDefinition, bool) {
	for _, s := range d.States {
		if s.IsInitial {
			return s, true
		}
	}
	return StateDefinition{}, false
}

// State returns the state with the given name.
func (d *WorkflowDefinition) State(name string) (StateDefinition, bool) {
	for _, s := range d.States {
		if s.Name == name {
			return s, true
		}
	}
	return StateDefinition{}, false
}

// FindTransition returns the unique edge selected by trigger from state.
func (d *WorkflowDefinition) FindTransition(from, trigger string) (TransitionDefinition, bool) {
	for _, t := range d.Transitions {
		if t.FromState == from && t.Trigger == trigger {
			return t, true
		}
	}
	return TransitionDefinition{}, false
}

// TransitionsFrom returns the edges leaving state, in definition order.
func (d *WorkflowDefinition) TransitionsFrom(state string) []TransitionDefinition {
	var out []TransitionDefinition
	for _, t := range d.Transitions {
		if t.FromState == state {
			out = append(out, t)
		}
	}
	return out
}

// IsTerminalState reports whether the named state is terminal.
func (d *WorkflowDefinition) IsTerminalState(name string) bool {
	s, ok := d.State(name)
	return ok && s.IsTerminal
}

// DueAt derives the deadline for entering state at the given time.
func (s StateDefinition) DueAt(entered time.Time) *time.Time {
	if s.SLAHours == nil {
		return nil
	}
	due := entered.Add(time.Duration(*s.SLAHours) * time.Hour)
	return &due
}

// topology is the part of a definition covered by its checksum.
type topology struct {
	EntityType  EntityType             `json:"entity_type"`
	Description string                 `json:"description"`
	States      []StateDefinition      `json:"states"`
	Transitions []TransitionDefinition `json:"transitions"`
}

// ComputeChecksum returns the sha256 of the definition's canonical topology.
// Identity and lifecycle fields (ids, version, activity, timestamps) are
// excluded so the same catalog entry always hashes to the same value.
func (d *WorkflowDefinition) ComputeChecksum() string {
	data, _ := json.Marshal(topology{
		EntityType:  d.EntityType,
		Description: d.Description,
		States:      d.States,
		Transitions: d.Transitions,
	})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Clone returns a deep copy of the definition.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	out := d
	out.States = make([]StateDefinition, len(d.States))
	for i, s := range d.States {
		s.NotifyRoles = CloneStrings(s.NotifyRoles)
		if s.SLAHours != nil {
			h := *s.SLAHours
			s.SLAHours = &h
		}
		out.States[i] = s
	}
	out.Transitions = make([]TransitionDefinition, len(d.Transitions))
	for i, t := range d.Transitions {
		t.AllowedRoles = CloneStrings(t.AllowedRoles)
		out.Transitions[i] = t
	}
	return out
}

// CloneStrings copies s, preserving the difference between nil and empty.
func CloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
