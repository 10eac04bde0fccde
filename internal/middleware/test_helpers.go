package middleware

import (
	"net/http"

	"github.com/gluk-w/shellgate/internal/database"
)

// WithUserForTest attaches a User to the request context for testing.
func WithUserForTest(r *http.Request, user *database.User) *http.Request {
	return withUser(r, user)
}
