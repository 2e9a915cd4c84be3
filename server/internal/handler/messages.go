package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/buildbox/server/internal/agent"
	"github.com/obot-platform/buildbox/server/internal/model"
	"github.com/obot-platform/buildbox/server/internal/sandbox"
)

// MessageRequest is one user instruction for the session's agent.
type MessageRequest struct {
	Message string `json:"message"`

	// KnowledgePath and SnapshotID are used only when the owner has no live
	// sandbox and one is provisioned for this turn.
	KnowledgePath string `json:"knowledge_path,omitempty"`
	SnapshotID    string `json:"snapshot_id,omitempty"`
}

// turnSandbox returns the session owner's live sandbox, provisioning it if
// needed.
func (h *Handler) turnSandbox(ctx context.Context, session *model.Session, req MessageRequest) (*sandbox.Info, error) {
	return h.manager.Provision(ctx, sandbox.ProvisionRequest{
		UserID:        session.UserID,
		TenantID:      session.TenantID,
		SessionID:     session.ID,
		KnowledgePath: req.KnowledgePath,
		SnapshotID:    req.SnapshotID,
	})
}

// SendMessage runs one agent turn and streams its events as server-sent
// events, ending with a [DONE] marker.
// POST /api/build/sessions/{sessionID}/messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session, ok := h.sessionFor(w, r)
	if !ok {
		return
	}
	var req MessageRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	sb, err := h.turnSandbox(ctx, session, req)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	// Set up SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(ev agent.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err = h.manager.SendMessage(ctx, sb.ID, session.ID, req.Message, emit)
	if ctx.Err() != nil {
		// Client went away; the turn has been stopped.
		return
	}
	if err != nil {
		h.log.Warn("agent turn failed", "session_id", session.ID, "sandbox_id", sb.ID, "error", err)
		writeSSEErrorAndDone(w, err.Error())
		return
	}
	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeSSEError writes an error event in the agent's event shape.
func writeSSEError(w http.ResponseWriter, errorText string) {
	jsonData, err := json.Marshal(errorEvent(errorText))
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", jsonData)
}

func writeSSEErrorAndDone(w http.ResponseWriter, errorText string) {
	writeSSEError(w, errorText)
	_, _ = fmt.Fprintf(w, "data: [DONE]\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func errorEvent(message string) agent.Event {
	return agent.Event{
		Type:      agent.EventError,
		Error:     &agent.ErrorInfo{Message: message},
		Timestamp: time.Now().UTC(),
	}
}

// Websocket client frame types.
const (
	wsPrompt = "prompt"
	wsCancel = "cancel"
)

// wsClientMessage is a frame sent by the browser.
type wsClientMessage struct {
	Type string `json:"type"`
	MessageRequest
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// MessageWebSocket runs agent turns over a websocket. The client sends
// {"type":"prompt","message":...} to start a turn and {"type":"cancel"} to
// stop it; every agent event is sent back as a JSON frame. Closing the
// socket stops any running turn.
// GET /api/build/sessions/{sessionID}/events/ws
func (h *Handler) MessageWebSocket(w http.ResponseWriter, r *http.Request) {
	session, ok := h.sessionFor(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug("websocket upgrade failed", "session_id", session.ID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	var (
		mu         sync.Mutex
		cancelTurn context.CancelFunc
	)
	prompts := make(chan MessageRequest)

	go func() {
		defer cancel()
		for {
			var msg wsClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case wsCancel:
				mu.Lock()
				if cancelTurn != nil {
					cancelTurn()
				}
				mu.Unlock()
			case wsPrompt:
				select {
				case prompts <- msg.MessageRequest:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-prompts:
			if err := h.wsTurn(ctx, conn, session, req, &mu, &cancelTurn); err != nil {
				h.log.Debug("websocket closed", "session_id", session.ID, "error", err)
				return
			}
		}
	}
}

// wsTurn runs one turn. It returns an error only when the socket can no
// longer be written.
func (h *Handler) wsTurn(ctx context.Context, conn *websocket.Conn, session *model.Session, req MessageRequest, mu *sync.Mutex, cancelTurn *context.CancelFunc) error {
	if strings.TrimSpace(req.Message) == "" {
		return conn.WriteJSON(errorEvent("message is required"))
	}

	turnCtx, stop := context.WithCancel(ctx)
	mu.Lock()
	*cancelTurn = stop
	mu.Unlock()
	defer func() {
		mu.Lock()
		*cancelTurn = nil
		mu.Unlock()
		stop()
	}()

	sb, err := h.turnSandbox(turnCtx, session, req)
	if err != nil {
		return conn.WriteJSON(errorEvent(err.Error()))
	}

	var writeErr error
	err = h.manager.SendMessage(turnCtx, sb.ID, session.ID, req.Message, func(ev agent.Event) error {
		if writeErr = conn.WriteJSON(ev); writeErr != nil {
			return writeErr
		}
		return nil
	})
	if writeErr != nil {
		return writeErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return conn.WriteJSON(errorEvent("turn cancelled"))
	default:
		h.log.Warn("agent turn failed", "session_id", session.ID, "sandbox_id", sb.ID, "error", err)
		return conn.WriteJSON(errorEvent(err.Error()))
	}
}
