package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gluk-w/shellgate/internal/logging"
)

const defaultLogLines = 200

// GetServerLogs returns the tail of the server log file.
// GET /api/v1/server-logs?lines=
func (a *API) GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := defaultLogLines
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		log.Printf("[logs] read tail: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to read server logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

// ClearServerLogs truncates the server log file.
// DELETE /api/v1/server-logs
func (a *API) ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		log.Printf("[logs] clear: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to clear server logs")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
