// Package handlers implements the admin JSON API and the terminal WebSocket
// bridge. Handlers are methods on API so the terminal registry, login
// sessions and config service are passed in rather than read from globals.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gluk-w/shellgate/internal/auth"
	"github.com/gluk-w/shellgate/internal/backendconfig"
	"github.com/gluk-w/shellgate/internal/terminal"
)

type API struct {
	Sessions      *auth.SessionStore
	Terminals     *terminal.Registry
	BackendConfig *backendconfig.Service
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
