// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bureau-foundation/termrelay/lib/clock"
	"github.com/bureau-foundation/termrelay/lib/netutil"
	"github.com/bureau-foundation/termrelay/session"
	"github.com/bureau-foundation/termrelay/transcript"
)

// maxRequestBodySize bounds JSON request bodies.
const maxRequestBodySize = 2 << 20

// Error messages returned in {"error": ...} bodies.
const (
	messageSessionNotFound = "Session not found"
	messageSessionClosed   = "Session closed"
	messageInvalidBody     = "Invalid JSON body"
	messageShuttingDown    = "Server is shutting down"
	messageNoListing       = "Transcript backend cannot list sessions"
)

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// SessionListResponse is the body of GET /api/sessions.
type SessionListResponse struct {
	Sessions []session.Summary `json:"sessions"`
}

// CreateResponse is the body of POST /api/sessions.
type CreateResponse struct {
	SessionID    string                 `json:"sessionId"`
	RepoPath     string                 `json:"repoPath"`
	CreatedAt    time.Time              `json:"createdAt"`
	ApprovalMode string                 `json:"approvalMode,omitempty"`
	Model        string                 `json:"model,omitempty"`
	Command      session.CommandSummary `json:"command"`
}

// TranscriptResponse is the body of GET /api/sessions/{id}/transcript.
type TranscriptResponse struct {
	SessionID string             `json:"sessionId"`
	Events    []transcript.Event `json:"events"`
}

// TranscriptListResponse is the body of GET /api/transcripts.
type TranscriptListResponse struct {
	SessionIDs []string `json:"sessionIds"`
}

// ResizeRequest is the body of POST /api/sessions/{id}/resize.
type ResizeRequest struct {
	Columns int `json:"columns"`
	Rows    int `json:"rows"`
}

// handler implements the /api routes.
type handler struct {
	manager *session.Manager
	store   transcript.Store
	clock   clock.Clock
	logger  *slog.Logger
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Time: h.clock.Now().UTC()})
}

func (h *handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, SessionListResponse{Sessions: h.manager.List()})
}

func (h *handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var request session.Request
	if !h.decodeBody(w, r, &request) {
		return
	}

	created, err := h.manager.Create(request)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrShuttingDown):
			h.writeError(w, http.StatusServiceUnavailable, messageShuttingDown)
		default:
			h.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	summary := created.Summary()
	h.writeJSON(w, http.StatusCreated, CreateResponse{
		SessionID:    summary.ID,
		RepoPath:     summary.RepoPath,
		CreatedAt:    summary.CreatedAt,
		ApprovalMode: summary.ApprovalMode,
		Model:        summary.Model,
		Command:      summary.Command,
	})
}

func (h *handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	found, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, found.Summary())
}

func (h *handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if h.store == nil {
		h.writeJSON(w, http.StatusOK, TranscriptResponse{SessionID: sessionID, Events: []transcript.Event{}})
		return
	}
	events, err := h.store.Transcript(r.Context(), sessionID)
	if err != nil {
		h.logger.Warn("fetching transcript failed", "session_id", sessionID, "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []transcript.Event{}
	}
	h.writeJSON(w, http.StatusOK, TranscriptResponse{SessionID: sessionID, Events: events})
}

func (h *handler) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	lister, ok := h.store.(transcript.Lister)
	if !ok {
		h.writeError(w, http.StatusNotImplemented, messageNoListing)
		return
	}
	ids, err := lister.SessionIDs(r.Context())
	if err != nil {
		h.logger.Warn("listing transcripts failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	h.writeJSON(w, http.StatusOK, TranscriptListResponse{SessionIDs: ids})
}

func (h *handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	found, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.manager.Close(found.ID(), r.URL.Query().Get("signal")); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleResize(w http.ResponseWriter, r *http.Request) {
	found, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var request ResizeRequest
	if !h.decodeBody(w, r, &request) {
		return
	}
	if request.Columns <= 0 || request.Rows <= 0 || request.Columns > 0xffff || request.Rows > 0xffff {
		h.writeError(w, http.StatusBadRequest, "columns and rows must be between 1 and 65535")
		return
	}
	if found.Closed() {
		h.writeError(w, http.StatusConflict, messageSessionClosed)
		return
	}
	if err := found.Resize(request.Columns, request.Rows); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lookup resolves the {id} path value, writing 404 when the session is
// not registered.
func (h *handler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	found, err := h.manager.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, messageSessionNotFound)
		return nil, false
	}
	return found, true
}

// decodeBody decodes a JSON request body into v. An empty body leaves
// v unchanged. On failure it writes 400 and returns false.
func (h *handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, messageInvalidBody)
		return false
	}
	return true
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, value any) {
	if err := netutil.WriteJSON(w, status, value); err != nil {
		h.logger.Warn("writing JSON response", "error", err, "status", status)
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, message string) {
	if err := netutil.WriteError(w, status, message); err != nil {
		h.logger.Warn("writing JSON error response", "error", err, "status", status)
	}
}
