package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/apphub/catalog/internal/orchestrator"
	"github.com/apphub/catalog/internal/store"
	"github.com/apphub/catalog/pkg/catalog"
)

// RunsHandler serves the run lifecycle endpoints: create, inspect, list,
// cancel. Grounded on the teacher's internal/daemon/api.RunsHandler, but
// backed by the orchestrator/store pair instead of a local runner.
type RunsHandler struct {
	backend store.Backend
	orch    *orchestrator.Orchestrator
}

// NewRunsHandler builds a RunsHandler.
func NewRunsHandler(backend store.Backend, orch *orchestrator.Orchestrator) *RunsHandler {
	return &RunsHandler{backend: backend, orch: orch}
}

// RegisterRoutes registers run routes on mux.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.handleCreate)
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("DELETE /v1/runs/{id}", h.handleCancel)
}

// CreateRunRequest is the request body for POST /v1/runs.
type CreateRunRequest struct {
	DefinitionSlug string          `json:"definitionSlug"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	RunKey         string          `json:"runKey,omitempty"`
	PartitionKey   string          `json:"partitionKey,omitempty"`
}

func (h *RunsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.DefinitionSlug == "" {
		WriteError(w, http.StatusBadRequest, "definitionSlug is required")
		return
	}

	def, err := h.backend.GetDefinitionBySlug(r.Context(), req.DefinitionSlug)
	if err != nil {
		WriteErr(w, err)
		return
	}

	run, err := h.orch.CreateRun(r.Context(), def, req.Parameters, catalog.TriggeredByManual, req.RunKey, req.PartitionKey, nil)
	if err != nil {
		WriteErr(w, err)
		return
	}
	if err := h.orch.Start(r.Context(), run.ID); err != nil {
		WriteErr(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, run)
}

func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.backend.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		WorkflowDefinitionID: r.URL.Query().Get("definitionId"),
		Limit:                50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = []catalog.RunStatus{catalog.RunStatus(v)}
	}

	runs, err := h.backend.ListRuns(r.Context(), filter)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, runs)
}

// CancelRunRequest is the request body for DELETE /v1/runs/{id}.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "canceled via API"
	}

	if err := h.orch.CancelRun(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
