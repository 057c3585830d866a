package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/kazi/internal/catalog"
	"github.com/pitabwire/kazi/internal/definition"
	"github.com/pitabwire/kazi/model"
)

func handleDefinitionList(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthenticatedError("missing request context"))
			return
		}

		defs, err := registry.List(r.Context(), rctx.TenantID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if defs == nil {
			defs = []model.WorkflowDefinition{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"definitions": defs})
	}
}

func handleDefinitionGet(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthenticatedError("missing request context"))
			return
		}

		def, err := registry.Get(r.Context(), rctx.TenantID, chi.URLParam(r, "name"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleDefinitionDeactivate(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthenticatedError("missing request context"))
			return
		}

		name := chi.URLParam(r, "name")
		if err := registry.Deactivate(r.Context(), rctx.TenantID, name); err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{
			"definition": name,
			"status":     "deactivated",
		})
	}
}

// handleSeed seeds the default catalog into the caller's tenant. A tenant_id
// in the body must name that same tenant.
func handleSeed(seeder *catalog.Seeder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthenticatedError("missing request context"))
			return
		}

		var body struct {
			TenantID string `json:"tenant_id"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}
		if body.TenantID != "" && body.TenantID != rctx.TenantID {
			WriteError(w, r, model.NewForbiddenError("catalog can only be seeded into your own tenant"))
			return
		}

		report, err := seeder.SeedDefaultDefinitions(r.Context(), rctx.TenantID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}
