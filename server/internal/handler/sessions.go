package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/obot-platform/buildbox/server/internal/model"
	"github.com/obot-platform/buildbox/server/internal/sandbox"
	"github.com/obot-platform/buildbox/server/internal/snapshot"
	"github.com/obot-platform/buildbox/server/internal/store"
)

// CreateSessionRequest is the body of POST /api/build/sessions.
type CreateSessionRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id,omitempty"`
}

// CreateSession registers a unit of work for a user.
// POST /api/build/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if user := userID(r); user != "" {
		req.UserID = user
	}
	if req.UserID == "" {
		h.Error(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.TenantID == "" {
		req.TenantID = sandbox.DefaultTenant
	}

	session := &model.Session{UserID: req.UserID, TenantID: req.TenantID}
	if err := h.store.CreateSession(r.Context(), session); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, session)
}

// sessionFor resolves the {sessionID} route parameter, hiding sessions of
// other users.
func (h *Handler) sessionFor(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	session, err := h.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, store.ErrNotFound) {
		h.Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		h.Fail(w, r, err)
		return nil, false
	}
	if user := userID(r); user != "" && user != session.UserID {
		h.Error(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return session, true
}

// GetSession returns a session.
// GET /api/build/sessions/{sessionID}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.sessionFor(w, r)
	if !ok {
		return
	}
	h.JSON(w, http.StatusOK, session)
}

// DeleteSession removes a session along with its snapshots and their blobs.
// DELETE /api/build/sessions/{sessionID}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.sessionFor(w, r)
	if !ok {
		return
	}
	snaps, err := h.store.DeleteSession(r.Context(), session.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	for _, snap := range snaps {
		if err := h.blobs.Delete(r.Context(), snap.StoragePath); err != nil && !errors.Is(err, snapshot.ErrNotFound) {
			h.log.Warn("failed to delete snapshot blob", "session_id", session.ID, "snapshot_id", snap.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSnapshots returns the session's snapshots, newest first.
// GET /api/build/sessions/{sessionID}/snapshots
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	session, ok := h.sessionFor(w, r)
	if !ok {
		return
	}
	snaps, err := h.store.ListSnapshots(r.Context(), session.ID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	infos := make([]*sandbox.SnapshotInfo, 0, len(snaps))
	for _, snap := range snaps {
		infos = append(infos, sandbox.SnapshotFromModel(snap))
	}
	h.JSON(w, http.StatusOK, infos)
}
