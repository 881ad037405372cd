package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
)

// DefinitionRegistrar registers a workflow definition and syncs its
// triggers, satisfied by (*runtime.Runtime).RegisterDefinition. Declared
// here rather than taking *runtime.Runtime directly so this package doesn't
// depend on the full runtime assembly just to serve one endpoint.
type DefinitionRegistrar interface {
	RegisterDefinition(ctx context.Context, def *catalog.WorkflowDefinition, newTriggerID func() string) error
}

// DefinitionsHandler serves workflow definition registration and lookup.
type DefinitionsHandler struct {
	backend   store.Backend
	registrar DefinitionRegistrar
}

// NewDefinitionsHandler builds a DefinitionsHandler.
func NewDefinitionsHandler(backend store.Backend, registrar DefinitionRegistrar) *DefinitionsHandler {
	return &DefinitionsHandler{backend: backend, registrar: registrar}
}

// RegisterRoutes registers definition routes on mux.
func (h *DefinitionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/definitions", h.handleRegister)
	mux.HandleFunc("GET /v1/definitions/{slug}", h.handleGet)
}

func (h *DefinitionsHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var def catalog.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	if err := h.registrar.RegisterDefinition(r.Context(), &def, uuid.NewString); err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, &def)
}

func (h *DefinitionsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	def, err := h.backend.GetDefinitionBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, def)
}
