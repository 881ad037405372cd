package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apphub/catalog/internal/bundle"
	"github.com/apphub/catalog/pkg/catalog"
)

// BundlesHandler serves job bundle publish/lookup/download-token endpoints.
type BundlesHandler struct {
	store  *bundle.Store
	tokens *bundle.TokenSigner
}

// NewBundlesHandler builds a BundlesHandler.
func NewBundlesHandler(store *bundle.Store, tokens *bundle.TokenSigner) *BundlesHandler {
	return &BundlesHandler{store: store, tokens: tokens}
}

// RegisterRoutes registers bundle routes on mux.
func (h *BundlesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/bundles/{slug}/{version}", h.handlePublish)
	mux.HandleFunc("GET /v1/bundles/{slug}/{version}", h.handleGet)
	mux.HandleFunc("GET /v1/bundles/{slug}/latest", h.handleLatest)
	mux.HandleFunc("POST /v1/bundles/{slug}/{version}/deprecate", h.handleDeprecate)
	mux.HandleFunc("POST /v1/bundles/{slug}/{version}/download-token", h.handleDownloadToken)
}

// handlePublish accepts a multipart/form-data body: a "manifest" field
// holding the JSON job manifest and an "artifact" file field holding the
// bundle's packaged bytes. force=true lets a non-immutable version be
// replaced, per ?force=true.
func (h *BundlesHandler) handlePublish(w http.ResponseWriter, r *http.Request) {
	slug, version := r.PathValue("slug"), r.PathValue("version")
	force := r.URL.Query().Get("force") == "true"

	if err := r.ParseMultipartForm(bundle.MaxArtifactSize); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid multipart body: "+err.Error())
		return
	}

	manifest := json.RawMessage(r.FormValue("manifest"))
	if len(manifest) == 0 {
		WriteError(w, http.StatusBadRequest, "manifest field is required")
		return
	}

	file, _, err := r.FormFile("artifact")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "artifact file field is required: "+err.Error())
		return
	}
	defer file.Close()

	artifact, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "reading artifact: "+err.Error())
		return
	}

	var capabilityFlags []string
	if raw := r.FormValue("capabilityFlags"); raw != "" {
		capabilityFlags = strings.Split(raw, ",")
	}

	v := &catalog.JobBundleVersion{
		Slug:                slug,
		Version:             version,
		Manifest:            manifest,
		CapabilityFlags:     capabilityFlags,
		ArtifactContentType: r.FormValue("contentType"),
		ArtifactStorage:     catalog.ArtifactStorage(r.FormValue("storage")),
		Immutable:           r.FormValue("immutable") == "true",
		Status:              catalog.BundlePublished,
		PublishedBy:         r.FormValue("publishedBy"),
		PublishedByKind:     r.FormValue("publishedByKind"),
		PublishedAt:         time.Now().UTC(),
	}

	if err := h.store.Publish(r.Context(), v, artifact, force); err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, v)
}

func (h *BundlesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	v, err := h.store.Get(r.Context(), r.PathValue("slug"), r.PathValue("version"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

func (h *BundlesHandler) handleLatest(w http.ResponseWriter, r *http.Request) {
	v, err := h.store.Latest(r.Context(), r.PathValue("slug"))
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

func (h *BundlesHandler) handleDeprecate(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Deprecate(r.Context(), r.PathValue("slug"), r.PathValue("version"), time.Now().UTC()); err != nil {
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BundlesHandler) handleDownloadToken(w http.ResponseWriter, r *http.Request) {
	slug, version := r.PathValue("slug"), r.PathValue("version")
	if _, err := h.store.Get(r.Context(), slug, version); err != nil {
		WriteErr(w, err)
		return
	}
	token, expiresAt, err := h.tokens.Sign(slug, version)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expiresAt,
	})
}
