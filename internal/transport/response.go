// Package transport contains the HTTP router, middleware chain, and request
// handlers of the workflow API.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/kazi/internal/observability"
	"github.com/pitabwire/kazi/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:       http.StatusBadRequest,
	model.ErrUnauthenticated:  http.StatusUnauthorized,
	model.ErrForbidden:        http.StatusForbidden,
	model.ErrConflict:         http.StatusConflict,
	model.ErrInternalError:    http.StatusInternalServerError,
	model.ErrStoreUnavailable: http.StatusServiceUnavailable,
	model.ErrTimeout:          http.StatusGatewayTimeout,

	model.ErrDefinitionNotFound:     http.StatusNotFound,
	model.ErrInvalidDefinition:      http.StatusUnprocessableEntity,
	model.ErrConfigurationHazard:    http.StatusConflict,
	model.ErrInstanceNotFound:       http.StatusNotFound,
	model.ErrDuplicateInstance:      http.StatusConflict,
	model.ErrTransitionNotAllowed:   http.StatusUnprocessableEntity,
	model.ErrUnauthorized:           http.StatusForbidden,
	model.ErrCommentRequired:        http.StatusUnprocessableEntity,
	model.ErrInstanceTerminated:     http.StatusConflict,
	model.ErrConcurrentModification: http.StatusConflict,
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
// Errors that carry no envelope are classified: deadlines become TIMEOUT and
// everything else a generic INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ee := Classify(err)
	if r != nil && ee.TraceID == "" {
		ee.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: ee})
}

// Classify converts any error into an envelope. The returned envelope is a
// copy and safe to modify.
func Classify(err error) *model.ErrorEnvelope {
	if env, ok := model.AsEnvelope(err); ok {
		out := *env
		return &out
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.NewTimeoutError()
	}
	return model.NewInternalError()
}
