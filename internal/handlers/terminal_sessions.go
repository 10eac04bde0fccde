package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gluk-w/shellgate/internal/logutil"
	"github.com/gluk-w/shellgate/internal/terminal"
)

// ListTerminalSessions returns every live session and the soft cap.
// GET /api/v1/terminal/sessions
func (a *API) ListTerminalSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":    a.Terminals.ListSessions(),
		"maxSessions": a.Terminals.MaxSessions(),
	})
}

// CreateTerminalSession starts a session, or reports an existing one with
// the same id without spawning another shell.
// POST /api/v1/terminal/sessions
func (a *API) CreateTerminalSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID   string `json:"id"`
		Cols int    `json:"cols"`
		Rows int    `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(body.ID) > maxSessionIDLen {
		writeError(w, http.StatusBadRequest, "Session id is too long")
		return
	}

	cols, rows := clampDimensions(body.Cols, body.Rows)
	s, created, err := a.Terminals.CreateSession(body.ID, terminal.SessionOptions{Cols: cols, Rows: rows})
	if err != nil {
		log.Printf("[terminal] create session %s: %v", logutil.SanitizeForLog(body.ID), err)
		writeError(w, http.StatusInternalServerError, "Failed to start terminal session")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"sessionId": s.ID,
		"pid":       s.Pid(),
		"exists":    !created,
	})
}

// DeleteTerminalSession destroys a session and disconnects its clients.
// DELETE /api/v1/terminal/sessions?id=
func (a *API) DeleteTerminalSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Session id is required")
		return
	}
	if !a.Terminals.DestroySession(id) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
