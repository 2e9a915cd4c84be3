package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/obot-platform/buildbox/server/internal/logger"
	"github.com/obot-platform/buildbox/server/internal/sandbox"
	"github.com/obot-platform/buildbox/server/internal/snapshot"
	"github.com/obot-platform/buildbox/server/internal/store"
)

// UserHeader carries the id of the authenticated user, set by the session
// management layer in front of this service.
const UserHeader = "X-User-ID"

// Handler contains the sandbox management HTTP handlers.
type Handler struct {
	store   *store.Store
	manager sandbox.Manager
	blobs   snapshot.BlobStore
	log     *logger.Logger
}

// New creates a Handler.
func New(s *store.Store, manager sandbox.Manager, blobs snapshot.BlobStore, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		store:   s,
		manager: manager,
		blobs:   blobs,
		log:     log.Component("handler"),
	}
}

// Routes mounts the management API.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/build/sandboxes", func(r chi.Router) {
		r.Post("/", h.ProvisionSandbox)
		r.Route("/{sandboxID}", func(r chi.Router) {
			r.Get("/", h.GetSandbox)
			r.Delete("/", h.TerminateSandbox)
			r.Post("/snapshots", h.CreateSnapshot)
			r.Post("/heartbeat", h.Heartbeat)
			r.Get("/health", h.HealthCheck)
			r.Post("/cancel", h.CancelAgent)
			r.Get("/files", h.ListFiles)
			r.Get("/files/content", h.ReadFile)
		})
	})

	// Session routes share their prefix with the preview proxy, so they are
	// registered flat rather than through a mounted subrouter.
	const session = "/api/build/sessions/{sessionID}"
	r.Post("/api/build/sessions", h.CreateSession)
	r.Get(session, h.GetSession)
	r.Delete(session, h.DeleteSession)
	r.Get(session+"/snapshots", h.ListSnapshots)
	r.Post(session+"/messages", h.SendMessage)
	r.Get(session+"/events/ws", h.MessageWebSocket)
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// Fail writes err with the status it maps to. Unexpected errors are logged
// and reported without detail.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError && !errors.Is(err, sandbox.ErrProvisionFailed) {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.Error(w, status, "internal error")
		return
	}
	h.Error(w, status, err.Error())
}

// userID returns the requesting user, or "" when the request carries none.
func userID(r *http.Request) string {
	return r.Header.Get(UserHeader)
}

// UserFromRequest is the identity resolver shared with the preview proxy.
func UserFromRequest(r *http.Request) string {
	return userID(r)
}
