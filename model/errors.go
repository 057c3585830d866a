package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest       = "BAD_REQUEST"
	ErrUnauthenticated  = "UNAUTHENTICATED"
	ErrForbidden        = "FORBIDDEN"
	ErrConflict         = "CONFLICT"
	ErrInternalError    = "INTERNAL_ERROR"
	ErrStoreUnavailable = "STORE_UNAVAILABLE"
	ErrTimeout          = "TIMEOUT"
)

// Workflow error codes. Each guard failure has its own code so callers can
// tell a missing role apart from a missing comment or a stale state.
const (
	ErrDefinitionNotFound     = "DEFINITION_NOT_FOUND"
	ErrInvalidDefinition      = "INVALID_DEFINITION"
	ErrConfigurationHazard    = "CONFIGURATION_HAZARD"
	ErrInstanceNotFound       = "INSTANCE_NOT_FOUND"
	ErrDuplicateInstance      = "DUPLICATE_INSTANCE"
	ErrTransitionNotAllowed   = "TRANSITION_NOT_ALLOWED"
	ErrUnauthorized           = "UNAUTHORIZED"
	ErrCommentRequired        = "COMMENT_REQUIRED"
	ErrInstanceTerminated     = "INSTANCE_TERMINATED"
	ErrConcurrentModification = "CONCURRENT_MODIFICATION"
)

// ErrorEnvelope is the typed error returned by every engine operation and
// written verbatim by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Problems  []FieldError   `json:"problems,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetail returns the envelope with key set in Details.
func (e *ErrorEnvelope) WithDetail(key string, value any) *ErrorEnvelope {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// FieldError describes a single structural problem, e.g. in a definition.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope unwraps err into an *ErrorEnvelope if it carries one.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env, true
	}
	return nil, false
}

// IsCode reports whether err carries an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	env, ok := AsEnvelope(err)
	return ok && env.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthenticatedError returns an UNAUTHENTICATED error.
func NewUnauthenticatedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthenticated, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewStoreUnavailableError returns a retryable STORE_UNAVAILABLE error.
func NewStoreUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrStoreUnavailable,
		Message:   "The workflow store is temporarily unavailable",
		Retryable: true,
	}
}

// NewTimeoutError returns a retryable TIMEOUT error.
func NewTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:      ErrTimeout,
		Message:   "The operation did not complete in time",
		Retryable: true,
	}
}

// NewDefinitionNotFoundError returns a DEFINITION_NOT_FOUND error.
func NewDefinitionNotFoundError(name string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDefinitionNotFound,
		Message: fmt.Sprintf("workflow definition %q not found or inactive", name),
		Details: map[string]any{"definition": name},
	}
}

// NewInvalidDefinitionError returns an INVALID_DEFINITION error listing every
// structural problem found.
func NewInvalidDefinitionError(msg string, problems []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidDefinition, Message: msg, Problems: problems}
}

// NewConfigurationHazardError returns a CONFIGURATION_HAZARD error.
func NewConfigurationHazardError(msg string, problems []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConfigurationHazard, Message: msg, Problems: problems}
}

// NewInstanceNotFoundError returns an INSTANCE_NOT_FOUND error.
func NewInstanceNotFoundError(entityType EntityType, entityID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceNotFound,
		Message: fmt.Sprintf("no workflow instance for %s %q", entityType, entityID),
	}
}

// NewDuplicateInstanceError returns a DUPLICATE_INSTANCE error.
func NewDuplicateInstanceError(entityType EntityType, entityID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDuplicateInstance,
		Message: fmt.Sprintf("%s %q already has an active workflow instance", entityType, entityID),
	}
}

// NewTransitionNotAllowedError returns a TRANSITION_NOT_ALLOWED error.
func NewTransitionNotAllowedError(state, trigger string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTransitionNotAllowed,
		Message: fmt.Sprintf("trigger %q is not allowed from state %q", trigger, state),
		Details: map[string]any{"current_state": state, "trigger": trigger},
	}
}

// NewUnauthorizedError returns an UNAUTHORIZED error for a failed role guard.
func NewUnauthorizedError(trigger string, allowedRoles []string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnauthorized,
		Message: fmt.Sprintf("you lack the required role to %s", trigger),
		Details: map[string]any{"trigger": trigger, "allowed_roles": allowedRoles},
	}
}

// NewCommentRequiredError returns a COMMENT_REQUIRED error.
func NewCommentRequiredError(trigger string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCommentRequired,
		Message: fmt.Sprintf("a comment is required to %s", trigger),
		Details: map[string]any{"trigger": trigger},
	}
}

// NewInstanceTerminatedError returns an INSTANCE_TERMINATED error.
func NewInstanceTerminatedError(state string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceTerminated,
		Message: fmt.Sprintf("workflow instance is already in terminal state %q", state),
		Details: map[string]any{"current_state": state},
	}
}

// NewConcurrentModificationError returns a retryable CONCURRENT_MODIFICATION
// error. actualState is the state the instance was found in, if known.
func NewConcurrentModificationError(actualState string) *ErrorEnvelope {
	e := &ErrorEnvelope{
		Code:      ErrConcurrentModification,
		Message:   "workflow instance was modified concurrently; re-read and retry",
		Retryable: true,
	}
	if actualState != "" {
		e.Details = map[string]any{"current_state": actualState}
	}
	return e
}
