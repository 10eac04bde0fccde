package handlers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gluk-w/shellgate/internal/auth"
	"github.com/gluk-w/shellgate/internal/backendconfig"
	"github.com/gluk-w/shellgate/internal/database"
	"github.com/gluk-w/shellgate/internal/terminal"
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

// echoProcess is a shell stand-in that prints back whatever it is sent.
type echoProcess struct {
	pid  int
	env  []string
	r    *io.PipeReader
	w    *io.PipeWriter
	once sync.Once
	done chan struct{}
}

func (p *echoProcess) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *echoProcess) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *echoProcess) Resize(cols, rows uint16) error {
	return nil
}
func (p *echoProcess) Pid() int { return p.pid }
func (p *echoProcess) Kill() error {
	p.once.Do(func() {
		p.w.Close()
		close(p.done)
	})
	return nil
}
func (p *echoProcess) Wait() error {
	<-p.done
	return nil
}

type echoSpawner struct {
	mu    sync.Mutex
	procs []*echoProcess
}

func (s *echoSpawner) Spawn(opts terminal.SpawnOptions) (terminal.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, w := io.Pipe()
	p := &echoProcess{pid: 4000 + len(s.procs), env: opts.Env, r: r, w: w, done: make(chan struct{})}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *echoSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *echoSpawner) last() *echoProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

func newTestAPI(t *testing.T) (*API, *echoSpawner) {
	t.Helper()
	sp := &echoSpawner{}
	reg := terminal.NewRegistry(terminal.Options{
		HomeDir:     t.TempDir(),
		MaxSessions: 3,
		Spawner:     sp,
		BaseEnv:     []string{"PATH=/bin"},
	})
	t.Cleanup(reg.Shutdown)

	svc := backendconfig.NewService(backendconfig.Store{}, backendconfig.NewCache(backendconfig.Store{}, backendconfig.DefaultTTL))
	svc.OnTokenRotated(reg.SetInternalAPIToken)
	svc.OnEnvVarsChanged(reg.SetEnvVars)

	return &API{
		Sessions:      auth.NewSessionStore(),
		Terminals:     reg,
		BackendConfig: svc,
	}, sp
}

func jsonRequest(method, target, body string) *http.Request {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthCheck(t *testing.T) {
	setupTestDB(t)
	api, _ := newTestAPI(t)

	rec := httptest.NewRecorder()
	api.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"database":"connected"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}
