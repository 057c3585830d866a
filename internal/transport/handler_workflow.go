package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/kazi/internal/observability"
	"github.com/pitabwire/kazi/internal/workflow"
	"github.com/pitabwire/kazi/model"
)

func handleWorkflowStart(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthenticatedError("missing request context"))
			return
		}

		var req model.StartRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
		if strings.TrimSpace(req.DefinitionName) == "" {
			WriteError(w, r, model.NewBadRequestError("definition is required"))
			return
		}

		inst, err := engine.Start(r.Context(), rctx, req)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthenticatedError("missing request context"))
			return
		}
		entityType, entityID, err := entityParams(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		view, err := engine.Describe(r.Context(), rctx, entityType, entityID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

// handleTransition always answers with a TransitionResult. Failed guards are
// reported as {success:false, error} with the status of the error code.
func handleTransition(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeFailedTransition(w, r, model.NewUnauthenticatedError("missing request context"))
			return
		}
		entityType, entityID, err := entityParams(r)
		if err != nil {
			writeFailedTransition(w, r, err)
			return
		}

		var body struct {
			Trigger  string         `json:"trigger"`
			Comment  string         `json:"comment"`
			AssignTo string         `json:"assign_to"`
			Metadata map[string]any `json:"metadata"`
		}
		if err := decodeJSON(r, &body); err != nil {
			writeFailedTransition(w, r, err)
			return
		}

		result, err := engine.Transition(r.Context(), rctx, model.TransitionRequest{
			EntityType: entityType,
			EntityID:   entityID,
			Trigger:    body.Trigger,
			Comment:    body.Comment,
			AssignTo:   body.AssignTo,
			Metadata:   body.Metadata,
		})
		if err != nil {
			writeFailedTransition(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleAvailableTransitions(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthenticatedError("missing request context"))
			return
		}
		entityType, entityID, err := entityParams(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		available, err := engine.AvailableTransitions(r.Context(), rctx, entityType, entityID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if available == nil {
			available = []workflow.AvailableTransition{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"transitions": available})
	}
}

// handleHistory returns the instance's events. With ?verify=true the events
// are first replayed against the stored state.
func handleHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthenticatedError("missing request context"))
			return
		}
		entityType, entityID, err := entityParams(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		verify, err := queryBool(r, "verify")
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if verify {
			if err := engine.Verify(r.Context(), rctx, entityType, entityID); err != nil {
				WriteError(w, r, err)
				return
			}
		}

		events, err := engine.History(r.Context(), rctx, entityType, entityID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"events":   events,
			"verified": verify,
		})
	}
}

// --- helpers ---

func writeFailedTransition(w http.ResponseWriter, r *http.Request, err error) {
	ee := Classify(err)
	if ee.TraceID == "" {
		ee.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, StatusFor(ee.Code), model.TransitionResult{Success: false, Error: ee})
}

func entityParams(r *http.Request) (model.EntityType, string, error) {
	entityType, err := model.ParseEntityType(chi.URLParam(r, "entityType"))
	if err != nil {
		return "", "", err
	}
	entityID := strings.TrimSpace(chi.URLParam(r, "entityID"))
	if entityID == "" {
		return "", "", model.NewBadRequestError("entity id is required")
	}
	return entityType, entityID, nil
}

// decodeJSON decodes the request body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	default:
		if env, ok := model.AsEnvelope(err); ok {
			return env
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewBadRequestError("request body too large")
		}
		return model.NewBadRequestError("invalid JSON body")
	}
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, model.NewBadRequestError("query parameter " + key + " must be a boolean")
	}
	return v, nil
}
