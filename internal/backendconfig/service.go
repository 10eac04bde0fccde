package backendconfig

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gluk-w/shellgate/internal/crypto"
)

// Service is the only writer of the backend configuration. Every write
// invalidates the cache so the gateway sees it on its next request.
type Service struct {
	store Store
	cache *Cache

	mu             sync.Mutex
	writeMu        sync.Mutex
	tokenListeners []func(token string)
	envListeners   []func(vars map[string]string)
}

func NewService(store Store, cache *Cache) *Service {
	return &Service{store: store, cache: cache}
}

// Cache returns the read cache shared with the gateway.
func (s *Service) Cache() *Cache {
	return s.cache
}

// Current reads the configuration from storage, bypassing the cache.
func (s *Service) Current(ctx context.Context) (*Config, error) {
	return s.store.Read(ctx)
}

// OnTokenRotated registers fn to run after every successful rotation.
func (s *Service) OnTokenRotated(fn func(token string)) {
	s.mu.Lock()
	s.tokenListeners = append(s.tokenListeners, fn)
	s.mu.Unlock()
}

// OnEnvVarsChanged registers fn to run after every update that changes the
// env vars.
func (s *Service) OnEnvVarsChanged(fn func(vars map[string]string)) {
	s.mu.Lock()
	s.envListeners = append(s.envListeners, fn)
	s.mu.Unlock()
}

// Update validates and stores u, returning the resulting configuration.
func (s *Service) Update(ctx context.Context, u Update) (*Config, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, err := s.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	next := u.apply(cur)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.write(ctx, next); err != nil {
		return nil, fmt.Errorf("write backend config: %w", err)
	}
	s.cache.Invalidate()
	log.Printf("[backend-config] updated: path=%q port=%d access=%s env_vars=%d",
		next.GatewayPath, next.GatewayPort, next.GatewayAccess, len(next.EnvVars))

	if u.EnvVars != nil {
		s.mu.Lock()
		listeners := append([]func(map[string]string){}, s.envListeners...)
		s.mu.Unlock()
		for _, fn := range listeners {
			fn(next.Clone().EnvVars)
		}
	}
	return next, nil
}

// RotateToken replaces the internal API token. The previous token stops
// being handed out immediately and listeners have seen the new value by the
// time RotateToken returns.
func (s *Service) RotateToken(ctx context.Context) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Make sure the row exists before updating it.
	if _, err := s.store.Read(ctx); err != nil {
		return "", err
	}
	token, err := crypto.RandomToken(tokenBytes)
	if err != nil {
		return "", fmt.Errorf("generate internal api token: %w", err)
	}
	if err := s.store.writeToken(ctx, token); err != nil {
		return "", fmt.Errorf("write internal api token: %w", err)
	}
	s.cache.Invalidate()
	log.Printf("[backend-config] internal api token rotated (%s)", crypto.Mask(token))

	s.mu.Lock()
	listeners := append([]func(string){}, s.tokenListeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(token)
	}
	return token, nil
}
