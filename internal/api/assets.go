package api

import (
	"encoding/json"
	"net/http"

	"github.com/apphub/catalog/internal/assets"
)

// AssetsHandler serves the asset ledger's stale-marking and lookup
// endpoints, for operators investigating or forcing a re-materialization.
type AssetsHandler struct {
	ledger *assets.Ledger
}

// NewAssetsHandler builds an AssetsHandler.
func NewAssetsHandler(ledger *assets.Ledger) *AssetsHandler {
	return &AssetsHandler{ledger: ledger}
}

// RegisterRoutes registers asset routes on mux.
func (h *AssetsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/assets/{definitionId}/{assetId}", h.handleGetLatest)
	mux.HandleFunc("GET /v1/assets/{definitionId}/stale", h.handleListStale)
	mux.HandleFunc("POST /v1/assets/{definitionId}/{assetId}/stale", h.handleMarkStale)
}

func (h *AssetsHandler) handleGetLatest(w http.ResponseWriter, r *http.Request) {
	partitionKey := r.URL.Query().Get("partitionKey")
	m, err := h.ledger.GetLatest(r.Context(), r.PathValue("definitionId"), r.PathValue("assetId"), partitionKey)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, m)
}

func (h *AssetsHandler) handleListStale(w http.ResponseWriter, r *http.Request) {
	stale, err := h.ledger.ListStale(r.Context(), r.PathValue("definitionId"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stale)
}

// MarkStaleRequest is the request body for POST /v1/assets/{definitionId}/{assetId}/stale.
type MarkStaleRequest struct {
	PartitionKey string `json:"partitionKey,omitempty"`
	RequestedBy  string `json:"requestedBy,omitempty"`
	Note         string `json:"note,omitempty"`
}

func (h *AssetsHandler) handleMarkStale(w http.ResponseWriter, r *http.Request) {
	var req MarkStaleRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "api"
	}

	if err := h.ledger.MarkStale(r.Context(), r.PathValue("definitionId"), r.PathValue("assetId"), req.PartitionKey, req.RequestedBy, req.Note); err != nil {
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
