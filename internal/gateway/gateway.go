// Package gateway routes requests under the configured gateway path to the
// user's backend process, optionally requiring a subscriber identity.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gluk-w/shellgate/internal/backendconfig"
	"github.com/gluk-w/shellgate/internal/identity"
	"github.com/gluk-w/shellgate/internal/logutil"
	"github.com/google/uuid"
)

// Headers the gateway sets on forwarded requests. Inbound copies are
// always removed so a client can never forge them.
const (
	HeaderUserID             = "X-User-Id"
	HeaderUserEmail          = "X-User-Email"
	HeaderUserName           = "X-User-Name"
	HeaderUserPlanID         = "X-User-Plan-Id"
	HeaderSubscriptionStatus = "X-Subscription-Status"
	HeaderRequestID          = "X-Request-Id"
)

var identityHeaders = []string{
	HeaderUserID,
	HeaderUserEmail,
	HeaderUserName,
	HeaderUserPlanID,
	HeaderSubscriptionStatus,
}

// ConfigLoader supplies the current backend configuration.
type ConfigLoader interface {
	Load(ctx context.Context) (*backendconfig.Config, error)
}

// IdentityResolver derives the caller from a request.
type IdentityResolver interface {
	Resolve(r *http.Request) (*identity.Identity, error)
}

type Options struct {
	Config     ConfigLoader
	Resolver   IdentityResolver
	Dispatcher *Dispatcher
	// Reserved path prefixes are never proxied, even when they fall under
	// the gateway path. The service's own API lives here.
	Reserved []string
}

type Gateway struct {
	config     ConfigLoader
	resolver   IdentityResolver
	dispatcher *Dispatcher
	reserved   []string
}

func New(opts Options) *Gateway {
	d := opts.Dispatcher
	if d == nil {
		d = NewDispatcher("localhost")
	}
	return &Gateway{
		config:     opts.Config,
		resolver:   opts.Resolver,
		dispatcher: d,
		reserved:   opts.Reserved,
	}
}

// Middleware proxies matching requests and passes everything else to next.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, err := g.config.Load(r.Context())
		if err != nil {
			log.Printf("[gateway] config load failed: %v", err)
			writeError(w, http.StatusInternalServerError, "Gateway error", err.Error())
			return
		}
		if !cfg.Enabled() || !strings.HasPrefix(r.URL.Path, cfg.GatewayPath) || g.isReserved(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		out := r.Clone(r.Context())
		for _, h := range identityHeaders {
			out.Header.Del(h)
		}

		if cfg.RequiresSubscription() {
			id, ok := g.authorize(w, r)
			if !ok {
				return
			}
			out.Header.Set(HeaderUserID, id.ID)
			out.Header.Set(HeaderUserEmail, id.Email)
			out.Header.Set(HeaderUserName, id.Name)
			out.Header.Set(HeaderUserPlanID, id.PlanID)
			out.Header.Set(HeaderSubscriptionStatus, id.SubscriptionStatus)
		}

		requestID := uuid.NewString()
		out.Header.Set(HeaderRequestID, requestID)
		w.Header().Set(HeaderRequestID, requestID)

		out.URL.Path, out.URL.RawPath = stripURLPrefix(r.URL, cfg.GatewayPath)
		out.RequestURI = ""
		out.Header.Del("Cookie")

		g.dispatcher.For(cfg.GatewayPort).ServeHTTP(w, out)
	})
}

// authorize resolves the caller and writes the 401/403 response itself
// when access is denied.
func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request) (*identity.Identity, bool) {
	id, err := g.resolver.Resolve(r)
	switch {
	case errors.Is(err, identity.ErrNoCredentials):
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return nil, false
	case err != nil:
		log.Printf("[gateway] rejected credentials for %s %s", r.Method, logutil.SanitizeForLog(r.URL.Path))
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid or expired credentials")
		return nil, false
	case !id.IsAdmin() && !id.HasActiveSubscription():
		writeError(w, http.StatusForbidden, "subscription_required", "An active subscription is required")
		return nil, false
	}
	return id, true
}

func (g *Gateway) isReserved(path string) bool {
	for _, p := range g.reserved {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

// StripPrefix removes prefix from path. The result always starts with "/".
func StripPrefix(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

// stripURLPrefix strips prefix from both the decoded and the escaped path,
// so encoded characters such as %2F reach the backend unchanged.
func stripURLPrefix(u *url.URL, prefix string) (path, rawPath string) {
	path = StripPrefix(u.Path, prefix)
	if u.RawPath == "" {
		return path, ""
	}
	escaped := u.EscapedPath()
	escapedPrefix := (&url.URL{Path: prefix}).EscapedPath()
	if !strings.HasPrefix(escaped, escapedPrefix) {
		return path, ""
	}
	return path, StripPrefix(escaped, escapedPrefix)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
