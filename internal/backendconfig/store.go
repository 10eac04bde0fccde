package backendconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/gluk-w/shellgate/internal/crypto"
	"github.com/gluk-w/shellgate/internal/database"
	"github.com/gluk-w/shellgate/internal/logutil"
	"gorm.io/gorm"
)

// tokenBytes is the entropy of a generated internal API token.
const tokenBytes = 32

// Reader is the read side of the store, used by the cache.
type Reader interface {
	Read(ctx context.Context) (*Config, error)
}

// Store persists the configuration in the backend_configs table.
type Store struct{}

// Read returns the decoded configuration, creating the row with a fresh
// token on first use. A row whose routing fields fail validation is
// returned with the gateway disabled rather than as an error.
func (Store) Read(ctx context.Context) (*Config, error) {
	row, err := database.GetBackendConfig(ctx)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row, err = createDefault(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("read backend config: %w", err)
	}
	return decode(row)
}

func createDefault(ctx context.Context) (*database.BackendConfig, error) {
	token, err := crypto.RandomToken(tokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate internal api token: %w", err)
	}
	enc, err := crypto.Encrypt(token)
	if err != nil {
		return nil, fmt.Errorf("encrypt internal api token: %w", err)
	}
	row, err := database.CreateBackendConfig(ctx, &database.BackendConfig{
		GatewayAccess:    AccessPublic,
		InternalAPIToken: enc,
		EnvVars:          "{}",
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[backend-config] created default configuration")
	return row, nil
}

func decode(row *database.BackendConfig) (*Config, error) {
	token, err := crypto.Decrypt(row.InternalAPIToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt internal api token: %w", err)
	}

	c := &Config{
		GatewayPath:      row.GatewayPath,
		GatewayPort:      row.GatewayPort,
		GatewayAccess:    row.GatewayAccess,
		InternalAPIToken: token,
		EnvVars:          map[string]string{},
		UpdatedAt:        row.UpdatedAt,
	}
	if row.EnvVars != "" {
		if err := json.Unmarshal([]byte(row.EnvVars), &c.EnvVars); err != nil {
			log.Printf("[backend-config] ignoring malformed env_vars: %v", err)
			c.EnvVars = map[string]string{}
		}
	}
	if err := c.Validate(); err != nil {
		log.Printf("[backend-config] stored config is invalid, gateway disabled: %s",
			logutil.SanitizeForLog(err.Error()))
		c.GatewayPath = ""
		if c.GatewayAccess != AccessSubscribers {
			c.GatewayAccess = AccessPublic
		}
		// Bad env var names would fail the same check again; drop them too.
		if c.Validate() != nil {
			c.EnvVars = map[string]string{}
		}
	}
	return c, nil
}

func (Store) write(ctx context.Context, c *Config) error {
	env, err := json.Marshal(c.EnvVars)
	if err != nil {
		return fmt.Errorf("encode env vars: %w", err)
	}
	return database.UpdateBackendConfig(ctx, map[string]interface{}{
		"gateway_path":   c.GatewayPath,
		"gateway_port":   c.GatewayPort,
		"gateway_access": c.GatewayAccess,
		"env_vars":       string(env),
	})
}

func (Store) writeToken(ctx context.Context, token string) error {
	enc, err := crypto.Encrypt(token)
	if err != nil {
		return fmt.Errorf("encrypt internal api token: %w", err)
	}
	return database.UpdateBackendConfig(ctx, map[string]interface{}{
		"internal_api_token": enc,
	})
}
