package handler

import (
	"fmt"
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/obot-platform/buildbox/server/internal/sandbox"
)

// ProvisionSandbox returns the user's live sandbox, creating it if needed.
// POST /api/build/sandboxes
func (h *Handler) ProvisionSandbox(w http.ResponseWriter, r *http.Request) {
	var req sandbox.ProvisionRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if user := userID(r); user != "" {
		if req.UserID != "" && req.UserID != user {
			h.Error(w, http.StatusForbidden, "cannot provision a sandbox for another user")
			return
		}
		req.UserID = user
	}
	if req.UserID == "" {
		h.Error(w, http.StatusBadRequest, "user_id is required")
		return
	}

	info, err := h.manager.Provision(r.Context(), req)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, info)
}

// sandboxFor resolves the {sandboxID} route parameter. Sandboxes owned by
// someone other than the requesting user are reported as not found.
func (h *Handler) sandboxFor(w http.ResponseWriter, r *http.Request) (*sandbox.Info, bool) {
	id := chi.URLParam(r, "sandboxID")
	info, err := h.manager.GetInfo(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err)
		return nil, false
	}
	if user := userID(r); user != "" && user != info.OwnerUserID {
		h.Fail(w, r, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id))
		return nil, false
	}
	return info, true
}

// GetSandbox returns a sandbox.
// GET /api/build/sandboxes/{sandboxID}
func (h *Handler) GetSandbox(w http.ResponseWriter, r *http.Request) {
	info, ok := h.sandboxFor(w, r)
	if !ok {
		return
	}
	h.JSON(w, http.StatusOK, info)
}

// TerminateSandbox releases a sandbox.
// DELETE /api/build/sandboxes/{sandboxID}
func (h *Handler) TerminateSandbox(w http.ResponseWriter, r *http.Request) {
	info, ok := h.sandboxFor(w, r)
	if !ok {
		return
	}
	if err := h.manager.Terminate(r.Context(), info.ID); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateSnapshot checkpoints the sandbox's outputs. Backends without
// snapshot support answer 204.
// POST /api/build/sandboxes/{sandboxID}/snapshots
func (h *Handler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	info, ok := h.sandboxFor(w, r)
	if !ok {
		return
	}
	snap, err := h.manager.CreateSnapshot(r.Context(), info.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.JSON(w, http.StatusCreated, snap)
}

// Heartbeat records activity.
// POST /api/build/sandboxes/{sandboxID}/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	info, ok := h.sandboxFor(w, r)
	if !ok {
		return
	}
	if err := h.manager.Heartbeat(r.Context(), info.ID); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HealthCheck reports whether the preview server answers.
// GET /api/build/sandboxes/{sandboxID}/health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	info, ok := h.sandboxFor(w, r)
	if !ok {
		return
	}
	healthy := h.manager.HealthCheck(r.Context(), info.ID)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	h.JSON(w, status, map[string]bool{"healthy": healthy})
}

// CancelAgent stops the in-flight agent turn.
// POST /api/build/sandboxes/{sandboxID}/cancel
func (h *Handler) CancelAgent(w http.ResponseWriter, r *http.Request) {
	info, ok := h.sandboxFor(w, r)
	if !ok {
		return
	}
	if err := h.manager.CancelAgent(r.Context(), info.ID); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFiles lists a directory under the sandbox's outputs.
// GET /api/build/sandboxes/{sandboxID}/files?path=
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	info, ok := h.sandboxFor(w, r)
	if !ok {
		return
	}
	dir := r.URL.Query().Get("path")
	entries, err := h.manager.ListDirectory(r.Context(), info.ID, dir)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []sandbox.FileEntry{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"path": dir, "entries": entries})
}

// ReadFile returns a file under the sandbox's outputs.
// GET /api/build/sandboxes/{sandboxID}/files/content?path=
func (h *Handler) ReadFile(w http.ResponseWriter, r *http.Request) {
	info, ok := h.sandboxFor(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("path")
	if name == "" {
		h.Error(w, http.StatusBadRequest, "path is required")
		return
	}
	data, err := h.manager.ReadFile(r.Context(), info.ID, name)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
