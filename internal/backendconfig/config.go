// Package backendconfig reads and writes the singleton backend configuration
// row and keeps a short-lived cache of it for the gateway hot path.
package backendconfig

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	AccessPublic      = "public"
	AccessSubscribers = "subscribers"
)

// ErrInvalidConfig is returned for updates that fail validation.
var ErrInvalidConfig = errors.New("invalid backend config")

// Env var names the terminal sets itself; user-supplied vars may not override them.
var reservedEnvVars = map[string]bool{
	"HOME":               true,
	"INTERNAL_API_TOKEN": true,
}

var envVarName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config is the decoded backend configuration. InternalAPIToken is plaintext.
type Config struct {
	GatewayPath      string            `json:"gatewayPath"`
	GatewayPort      int               `json:"gatewayPort"`
	GatewayAccess    string            `json:"gatewayAccess"`
	InternalAPIToken string            `json:"-"`
	EnvVars          map[string]string `json:"envVars"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Enabled reports whether requests should be routed to the backend at all.
func (c *Config) Enabled() bool {
	return c != nil && c.GatewayPath != "" && c.GatewayPort > 0
}

// RequiresSubscription reports whether gateway traffic must carry an identity.
func (c *Config) RequiresSubscription() bool {
	return c.GatewayAccess == AccessSubscribers
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	cp.EnvVars = make(map[string]string, len(c.EnvVars))
	for k, v := range c.EnvVars {
		cp.EnvVars[k] = v
	}
	return &cp
}

// Update carries the fields of a configuration write. Nil fields are left
// unchanged.
type Update struct {
	GatewayPath   *string           `json:"gatewayPath"`
	GatewayPort   *int              `json:"gatewayPort"`
	GatewayAccess *string           `json:"gatewayAccess"`
	EnvVars       map[string]string `json:"envVars"`
}

// apply returns cur with u merged in.
func (u Update) apply(cur *Config) *Config {
	next := cur.Clone()
	if u.GatewayPath != nil {
		next.GatewayPath = strings.TrimSpace(*u.GatewayPath)
	}
	if u.GatewayPort != nil {
		next.GatewayPort = *u.GatewayPort
	}
	if u.GatewayAccess != nil {
		next.GatewayAccess = *u.GatewayAccess
	}
	if u.EnvVars != nil {
		next.EnvVars = make(map[string]string, len(u.EnvVars))
		for k, v := range u.EnvVars {
			next.EnvVars[k] = v
		}
	}
	return next
}

// Validate checks the routing fields and env var names. An empty
// GatewayPath is valid and disables the gateway.
func (c *Config) Validate() error {
	if c.GatewayPath != "" {
		if !strings.HasPrefix(c.GatewayPath, "/") {
			return fmt.Errorf("%w: gatewayPath must start with /", ErrInvalidConfig)
		}
		if c.GatewayPort < 1 || c.GatewayPort > 65535 {
			return fmt.Errorf("%w: gatewayPort must be between 1 and 65535", ErrInvalidConfig)
		}
	} else if c.GatewayPort < 0 || c.GatewayPort > 65535 {
		return fmt.Errorf("%w: gatewayPort must be between 1 and 65535", ErrInvalidConfig)
	}
	switch c.GatewayAccess {
	case AccessPublic, AccessSubscribers:
	default:
		return fmt.Errorf("%w: gatewayAccess must be %q or %q", ErrInvalidConfig, AccessPublic, AccessSubscribers)
	}
	for k := range c.EnvVars {
		if !envVarName.MatchString(k) {
			return fmt.Errorf("%w: env var name %q", ErrInvalidConfig, k)
		}
		if reservedEnvVars[k] {
			return fmt.Errorf("%w: env var %s is reserved", ErrInvalidConfig, k)
		}
	}
	return nil
}
