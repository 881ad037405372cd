package api

import (
	"net/http"

	"github.com/apphub/catalog/internal/audit"
)

// HistoryHandler serves a run's append-only execution history log.
type HistoryHandler struct {
	recorder *audit.Recorder
}

// NewHistoryHandler builds a HistoryHandler.
func NewHistoryHandler(recorder *audit.Recorder) *HistoryHandler {
	return &HistoryHandler{recorder: recorder}
}

// RegisterRoutes registers history routes on mux.
func (h *HistoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/runs/{id}/history", h.handleGet)
}

func (h *HistoryHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	events, err := h.recorder.History(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, events)
}
