package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gluk-w/shellgate/internal/auth"
	"github.com/gluk-w/shellgate/internal/config"
	"github.com/gluk-w/shellgate/internal/database"
	"github.com/gluk-w/shellgate/internal/identity"
)

type contextKey string

const userContextKey contextKey = "user"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sessionUser returns the user behind the login cookie, or nil.
func sessionUser(store *auth.SessionStore, r *http.Request) *database.User {
	if config.Cfg.AuthDisabled {
		user, err := database.GetFirstAdmin()
		if err != nil {
			return nil
		}
		return user
	}

	cookie, err := r.Cookie(auth.SessionCookie)
	if err != nil {
		return nil
	}
	userID, ok := store.Get(cookie.Value)
	if !ok {
		return nil
	}
	user, err := database.GetUserByID(r.Context(), userID)
	if err != nil {
		return nil
	}
	return user
}

func withUser(r *http.Request, user *database.User) *http.Request {
	ctx := context.WithValue(r.Context(), userContextKey, user)
	ctx = identity.WithPrincipal(ctx, identity.FromUser(user))
	return r.WithContext(ctx)
}

// AttachSession puts the logged-in user, if any, on the request context
// both as a *database.User and as the gateway's session principal. It never
// rejects a request.
func AttachSession(store *auth.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user := sessionUser(store, r); user != nil {
				r = withUser(r, user)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func RequireAuth(store *auth.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetUser(r) != nil {
				next.ServeHTTP(w, r)
				return
			}
			user := sessionUser(store, r)
			if user == nil {
				if config.Cfg.AuthDisabled {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "No admin user found"})
					return
				}
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}
			next.ServeHTTP(w, withUser(r, user))
		})
	}
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := GetUser(r)
		if user == nil || user.Role != "admin" {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func GetUser(r *http.Request) *database.User {
	user, _ := r.Context().Value(userContextKey).(*database.User)
	return user
}
