package handlers

import (
	"net/http"

	"github.com/gluk-w/shellgate/internal/database"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.PingContext(r.Context()); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	code := http.StatusOK
	if dbStatus != "connected" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	sessions := 0
	if a.Terminals != nil {
		sessions = len(a.Terminals.ListSessions())
	}

	writeJSON(w, code, map[string]interface{}{
		"status":            status,
		"database":          dbStatus,
		"terminal_sessions": sessions,
	})
}
