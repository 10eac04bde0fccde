package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gluk-w/shellgate/internal/backendconfig"
	"github.com/gluk-w/shellgate/internal/crypto"
)

type backendConfigResponse struct {
	GatewayPath      string            `json:"gatewayPath"`
	GatewayPort      int               `json:"gatewayPort"`
	GatewayAccess    string            `json:"gatewayAccess"`
	EnvVars          map[string]string `json:"envVars"`
	InternalAPIToken string            `json:"internalApiToken"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func toBackendConfigResponse(c *backendconfig.Config) backendConfigResponse {
	return backendConfigResponse{
		GatewayPath:      c.GatewayPath,
		GatewayPort:      c.GatewayPort,
		GatewayAccess:    c.GatewayAccess,
		EnvVars:          c.EnvVars,
		InternalAPIToken: crypto.Mask(c.InternalAPIToken),
		UpdatedAt:        c.UpdatedAt,
	}
}

// GetBackendConfig returns the stored configuration with the token masked.
// GET /api/v1/backend-config
func (a *API) GetBackendConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.BackendConfig.Current(r.Context())
	if err != nil {
		log.Printf("[backend-config] read: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to read backend config")
		return
	}
	writeJSON(w, http.StatusOK, toBackendConfigResponse(cfg))
}

// UpdateBackendConfig changes the gateway routing and shell env vars.
// PUT /api/v1/backend-config
func (a *API) UpdateBackendConfig(w http.ResponseWriter, r *http.Request) {
	var body backendconfig.Update
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cfg, err := a.BackendConfig.Update(r.Context(), body)
	if errors.Is(err, backendconfig.ErrInvalidConfig) {
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), backendconfig.ErrInvalidConfig.Error()+": "))
		return
	}
	if err != nil {
		log.Printf("[backend-config] update: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to update backend config")
		return
	}
	writeJSON(w, http.StatusOK, toBackendConfigResponse(cfg))
}

// RotateInternalToken issues a new internal API token. The plaintext is
// returned only in this response.
// POST /api/v1/backend-config/rotate-token
func (a *API) RotateInternalToken(w http.ResponseWriter, r *http.Request) {
	token, err := a.BackendConfig.RotateToken(r.Context())
	if err != nil {
		log.Printf("[backend-config] rotate token: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to rotate token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"internalApiToken": token})
}
