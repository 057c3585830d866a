package model

import (
	"fmt"
	"strings"
)

// EntityType is the closed set of business entity kinds that can run a
// workflow.
type EntityType string

const (
	EntityContract          EntityType = "contract"
	EntityContractApproval  EntityType = "contract_approval"
	EntityAttendanceRequest EntityType = "attendance_request"
	EntityLeaveRequest      EntityType = "leave_request"
	EntityTask              EntityType = "task"
)

// EntityTypes lists every known entity type.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityContract,
		EntityContractApproval,
		EntityAttendanceRequest,
		EntityLeaveRequest,
		EntityTask,
	}
}

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	switch e {
	case EntityContract, EntityContractApproval, EntityAttendanceRequest, EntityLeaveRequest, EntityTask:
		return true
	default:
		return false
	}
}

// ParseEntityType converts s into an EntityType, rejecting unknown values.
func ParseEntityType(s string) (EntityType, error) {
	e := EntityType(strings.TrimSpace(s))
	if !e.Valid() {
		return "", NewBadRequestError(fmt.Sprintf("unknown entity type %q", s))
	}
	return e, nil
}

// UnmarshalText rejects unknown entity types when decoding JSON or YAML.
func (e *EntityType) UnmarshalText(text []byte) error {
	parsed, err := ParseEntityType(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
