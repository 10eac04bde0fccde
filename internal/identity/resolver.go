package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIKeyPrefix marks bearer values that are subscriber API keys rather than
// signed tokens.
const APIKeyPrefix = "sk_sub_"

const touchTimeout = 5 * time.Second

var (
	// ErrNoCredentials means the request carried no credential at all.
	ErrNoCredentials = errors.New("no credentials presented")
	// ErrInvalidCredentials means credentials were present but none resolved.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// HashAPIKey returns the hex SHA-256 of a raw API key, the form stored in
// subscriber_api_keys.key_hash.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type Options struct {
	Store Store
	// JWTSecret enables signed bearer tokens. Empty disables method 4.
	JWTSecret []byte
	// SessionCookie names the opaque session token cookie.
	SessionCookie string
}

// Resolver derives an Identity from a request.
type Resolver struct {
	store      Store
	verifier   *TokenVerifier
	cookieName string

	now func() time.Time
	// background runs fire-and-forget work off the request path.
	background func(func())
}

func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		store:      opts.Store,
		cookieName: opts.SessionCookie,
		now:        time.Now,
		background: func(f func()) { go f() },
	}
	if r.cookieName == "" {
		r.cookieName = "session_token"
	}
	if len(opts.JWTSecret) > 0 {
		r.verifier = NewTokenVerifier(opts.JWTSecret)
	}
	return r
}

// method tries one credential form. presented reports whether the request
// carried that form of credential at all.
type method struct {
	name string
	// present reports whether the request carries this form of credential.
	present func(req *http.Request) bool
	fn      func(req *http.Request) (*Identity, error)
}

func (r *Resolver) methods() []method {
	return []method{
		{"session", hasSessionPrincipal, r.fromSessionPrincipal},
		{"api_key", hasAPIKey, r.fromAPIKey},
		{"session_token", r.hasSessionToken, r.fromSessionToken},
		{"bearer_token", hasBearerToken, r.fromBearerToken},
	}
}

// Resolve returns the first identity produced by the methods in precedence
// order. It returns ErrNoCredentials if nothing was presented and
// ErrInvalidCredentials if something was presented but nothing matched.
func (r *Resolver) Resolve(req *http.Request) (*Identity, error) {
	anyPresented := false
	for _, m := range r.methods() {
		id, presented := r.try(m, req)
		if id != nil {
			return id, nil
		}
		anyPresented = anyPresented || presented
	}
	if anyPresented {
		return nil, ErrInvalidCredentials
	}
	return nil, ErrNoCredentials
}

// try runs one method. A credential that was presented stays presented even
// when the method fails or panics.
func (r *Resolver) try(m method, req *http.Request) (id *Identity, presented bool) {
	if !m.present(req) {
		return nil, false
	}
	presented = true
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[identity] %s method panicked: %v", m.name, p)
			id = nil
		}
	}()
	id, err := m.fn(req)
	if err != nil {
		log.Printf("[identity] %s method rejected credential: %v", m.name, err)
		return nil, presented
	}
	return id, presented
}

func hasSessionPrincipal(req *http.Request) bool {
	return PrincipalFromContext(req.Context()) != nil
}

func hasAPIKey(req *http.Request) bool {
	return extractAPIKey(req) != ""
}

func (r *Resolver) hasSessionToken(req *http.Request) bool {
	c, err := req.Cookie(r.cookieName)
	return err == nil && c.Value != ""
}

func hasBearerToken(req *http.Request) bool {
	tok, ok := bearerToken(req)
	return ok && !strings.HasPrefix(tok, APIKeyPrefix)
}

func (r *Resolver) fromSessionPrincipal(req *http.Request) (*Identity, error) {
	return PrincipalFromContext(req.Context()), nil
}

func (r *Resolver) fromAPIKey(req *http.Request) (*Identity, error) {
	raw := extractAPIKey(req)
	ctx := req.Context()

	key, err := r.store.APIKeyByHash(ctx, HashAPIKey(raw))
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	now := r.now()
	if !key.Valid(now) {
		return nil, fmt.Errorf("api key %d inactive or expired", key.ID)
	}
	user, err := r.store.UserByID(ctx, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("lookup api key owner %d: %w", key.UserID, err)
	}

	keyID := key.ID
	r.background(func() {
		tctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := r.store.TouchAPIKey(tctx, keyID, now); err != nil {
			log.Printf("[identity] update last_used_at for api key %d: %v", keyID, err)
		}
	})

	return FromUser(user), nil
}

func (r *Resolver) fromSessionToken(req *http.Request) (*Identity, error) {
	c, err := req.Cookie(r.cookieName)
	if err != nil {
		return nil, err
	}

	st, err := r.store.SessionToken(req.Context(), c.Value)
	if err != nil {
		return nil, fmt.Errorf("lookup session token: %w", err)
	}
	if !st.ExpiresAt.After(r.now()) {
		return nil, errors.New("session token expired")
	}

	var id Identity
	if err := json.Unmarshal([]byte(st.Data), &id); err != nil {
		return nil, fmt.Errorf("parse session data: %w", err)
	}
	if id.ID == "" {
		return nil, errors.New("session data has no user id")
	}
	return &id, nil
}

func (r *Resolver) fromBearerToken(req *http.Request) (*Identity, error) {
	tok, _ := bearerToken(req)
	if r.verifier == nil {
		return nil, errors.New("signed tokens are not enabled")
	}

	sub, err := r.verifier.Verify(tok)
	if err != nil {
		return nil, err
	}
	userID, err := strconv.ParseUint(sub, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: subject %q is not a user id", ErrInvalidToken, sub)
	}
	// Re-read so role and plan reflect the current row, not token-time state.
	user, err := r.store.UserByID(req.Context(), uint(userID))
	if err != nil {
		return nil, fmt.Errorf("lookup token subject %d: %w", userID, err)
	}
	return FromUser(user), nil
}

func extractAPIKey(req *http.Request) string {
	if k := strings.TrimSpace(req.Header.Get("X-API-Key")); k != "" {
		return k
	}
	if tok, ok := bearerToken(req); ok && strings.HasPrefix(tok, APIKeyPrefix) {
		return tok
	}
	return ""
}

func bearerToken(req *http.Request) (string, bool) {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}
