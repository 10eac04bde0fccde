package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gluk-w/shellgate/internal/auth"
	"github.com/gluk-w/shellgate/internal/config"
	"github.com/gluk-w/shellgate/internal/database"
	"github.com/gluk-w/shellgate/internal/identity"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	var err error
	database.DB, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := database.DB.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(database.DB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })
}

func createUser(t *testing.T, email, role string) *database.User {
	t.Helper()
	u := &database.User{Email: email, Name: email, Role: role, SubscriptionStatus: "active"}
	if err := database.CreateUser(u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func loginRequest(t *testing.T, store *auth.SessionStore, user *database.User) *http.Request {
	t.Helper()
	sid, err := store.Create(user.ID)
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: sid})
	return req
}

func TestAttachSessionSetsPrincipal(t *testing.T) {
	setupTestDB(t)
	store := auth.NewSessionStore()
	user := createUser(t, "admin@example.com", "admin")

	var gotUser *database.User
	var gotPrincipal *identity.Identity
	h := AttachSession(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = GetUser(r)
		gotPrincipal = identity.PrincipalFromContext(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), loginRequest(t, store, user))
	if gotUser == nil || gotUser.ID != user.ID {
		t.Fatalf("expected user %d on context, got %+v", user.ID, gotUser)
	}
	if gotPrincipal == nil || gotPrincipal.Email != "admin@example.com" {
		t.Fatalf("expected session principal, got %+v", gotPrincipal)
	}

	gotUser, gotPrincipal = nil, nil
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if gotUser != nil || gotPrincipal != nil {
		t.Error("anonymous request must not carry a user")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("AttachSession must not reject, got %d", rec.Code)
	}
}

func TestRequireAuth(t *testing.T) {
	setupTestDB(t)
	store := auth.NewSessionStore()
	user := createUser(t, "user@example.com", "user")

	h := RequireAuth(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without cookie, got %d", rec.Code)
	}

	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: "bogus"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, bad)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown session, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, loginRequest(t, store, user))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for logged in user, got %d", rec.Code)
	}
}

func TestRequireAuthDisabledUsesFirstAdmin(t *testing.T) {
	setupTestDB(t)
	config.Cfg.AuthDisabled = true
	t.Cleanup(func() { config.Cfg.AuthDisabled = false })

	h := RequireAuth(auth.NewSessionStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 with no admin, got %d", rec.Code)
	}

	createUser(t, "root@example.com", "admin")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 with auth disabled, got %d", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	h := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, WithUserForTest(httptest.NewRequest(http.MethodGet, "/", nil), &database.User{ID: 1, Role: "user"}))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, WithUserForTest(httptest.NewRequest(http.MethodGet, "/", nil), &database.User{ID: 1, Role: "admin"}))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204 for admin, got %d", rec.Code)
	}
}
