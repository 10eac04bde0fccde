package terminal

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCreateSessionIdempotent(t *testing.T) {
	r, sp, _ := newTestRegistry(t, 5)

	s1, created, err := r.CreateSession("main", SessionOptions{Cols: 120, Rows: 40})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !created {
		t.Error("first create should report created")
	}

	s2, created, err := r.CreateSession("main", SessionOptions{})
	if err != nil {
		t.Fatalf("second CreateSession: %v", err)
	}
	if created {
		t.Error("second create should report existing")
	}
	if s1 != s2 {
		t.Error("expected the same session back")
	}
	if sp.count() != 1 {
		t.Errorf("expected 1 spawn, got %d", sp.count())
	}
	if got := s1.Info().Dimensions; got != (Dimensions{Cols: 120, Rows: 40}) {
		t.Errorf("expected 120x40, got %+v", got)
	}
}

func TestCreateSessionConcurrentSameID(t *testing.T) {
	r, sp, _ := newTestRegistry(t, 5)

	done := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, created, err := r.CreateSession("shared", SessionOptions{})
			done <- err == nil && created
		}()
	}
	createdCount := 0
	for i := 0; i < 8; i++ {
		if <-done {
			createdCount++
		}
	}
	if createdCount != 1 || sp.count() != 1 {
		t.Errorf("expected exactly one creation and spawn, got created=%d spawns=%d", createdCount, sp.count())
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	r, sp, _ := newTestRegistry(t, 5)

	s, _, err := r.CreateSession("", SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(s.ID) != 36 {
		t.Errorf("expected a generated UUID id, got %q", s.ID)
	}
	if got := s.Info().Dimensions; got != (Dimensions{Cols: DefaultCols, Rows: DefaultRows}) {
		t.Errorf("expected default dimensions, got %+v", got)
	}
	opts := sp.proc(0).opts
	if opts.Shell != "/bin/bash" || opts.Dir != r.homeDir {
		t.Errorf("unexpected spawn options: %+v", opts)
	}
}

func TestCreateSessionSpawnFailure(t *testing.T) {
	r, sp, _ := newTestRegistry(t, 5)
	sp.err = errors.New("fork/exec /bin/bash: no such file or directory")

	if _, _, err := r.CreateSession("broken", SessionOptions{}); err == nil {
		t.Fatal("expected spawn error")
	}
	if r.GetSession("broken") != nil {
		t.Error("failed session must not be registered")
	}
}

func TestEvictsLeastRecentlyActiveIdleSession(t *testing.T) {
	r, sp, clock := newTestRegistry(t, 3)

	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := r.CreateSession(id, SessionOptions{}); err != nil {
			t.Fatalf("CreateSession(%s): %v", id, err)
		}
		clock.advance(time.Minute)
	}
	// "a" is the oldest but has a client; "b" becomes oldest idle.
	if err := r.Attach("a", &fakeConn{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	clock.advance(time.Minute)
	r.GetSession("c")

	if _, _, err := r.CreateSession("d", SessionOptions{}); err != nil {
		t.Fatalf("CreateSession(d): %v", err)
	}

	if r.GetSession("b") != nil {
		t.Error("expected b to be evicted")
	}
	for _, id := range []string{"a", "c", "d"} {
		if r.GetSession(id) == nil {
			t.Errorf("expected %s to survive eviction", id)
		}
	}
	if !sp.proc(1).wasKilled() {
		t.Error("evicted session's shell must be killed")
	}
	if len(r.ListSessions()) != 3 {
		t.Errorf("expected 3 sessions, got %d", len(r.ListSessions()))
	}
}

func TestCapacityIsSoftWhenNothingIdle(t *testing.T) {
	r, _, _ := newTestRegistry(t, 2)

	for _, id := range []string{"a", "b"} {
		if _, _, err := r.CreateSession(id, SessionOptions{}); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if err := r.Attach(id, &fakeConn{}); err != nil {
			t.Fatalf("Attach: %v", err)
		}
	}
	if _, _, err := r.CreateSession("c", SessionOptions{}); err != nil {
		t.Fatalf("CreateSession over capacity: %v", err)
	}
	if n := len(r.ListSessions()); n != 3 {
		t.Errorf("expected soft limit to allow 3 sessions, got %d", n)
	}
}

func TestDestroySession(t *testing.T) {
	r, sp, _ := newTestRegistry(t, 5)

	if r.DestroySession("missing") {
		t.Error("destroying a missing session must report false")
	}

	if _, _, err := r.CreateSession("s", SessionOptions{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	c1, c2 := &fakeConn{}, &fakeConn{}
	r.Attach("s", c1)
	r.Attach("s", c2)

	if !r.DestroySession("s") {
		t.Fatal("expected DestroySession to report true")
	}
	if !c1.isClosed() || !c2.isClosed() {
		t.Error("all attached connections must be closed")
	}
	if !sp.proc(0).wasKilled() {
		t.Error("shell must be killed")
	}
	if r.GetSession("s") != nil {
		t.Error("session must be absent after destroy")
	}
	if err := r.Write("s", []byte("ls\n")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("write after destroy: expected ErrSessionNotFound, got %v", err)
	}
	if err := r.Resize("s", 100, 30); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("resize after destroy: expected ErrSessionNotFound, got %v", err)
	}
}

func TestWriteAfterCloseOnHeldSession(t *testing.T) {
	r, _, _ := newTestRegistry(t, 5)
	s, _, _ := r.CreateSession("s", SessionOptions{})

	r.DestroySession("s")
	if err := s.write([]byte("x")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound from a stale handle, got %v", err)
	}
}

func TestWriteAndResize(t *testing.T) {
	r, sp, clock := newTestRegistry(t, 5)
	r.CreateSession("s", SessionOptions{})
	before := r.ListSessions()[0].LastActivityAt

	clock.advance(time.Second)
	if err := r.Write("s", []byte("echo hi\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := sp.proc(0).inputString(); got != "echo hi\n" {
		t.Errorf("expected input forwarded, got %q", got)
	}

	if err := r.Resize("s", 132, 50); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	info := r.ListSessions()[0]
	if info.Dimensions != (Dimensions{Cols: 132, Rows: 50}) {
		t.Errorf("expected 132x50 in listing, got %+v", info.Dimensions)
	}
	if !info.LastActivityAt.After(before) {
		t.Error("write/resize must update last activity")
	}
}

func TestFanOutAndScrollbackReplay(t *testing.T) {
	r, sp, _ := newTestRegistry(t, 5)
	r.CreateSession("s", SessionOptions{})
	proc := sp.proc(0)

	first := &fakeConn{}
	r.Attach("s", first)
	proc.emit("hello ")
	waitFor(t, "first client output", func() bool { return first.received() == "hello " })

	second := &fakeConn{}
	r.Attach("s", second)
	if got := second.received(); got != "hello " {
		t.Errorf("late client should get scrollback replay, got %q", got)
	}

	proc.emit("world")
	waitFor(t, "broadcast", func() bool {
		return first.received() == "hello world" && second.received() == "hello world"
	})

	if info := r.ListSessions()[0]; info.ConnectedClients != 2 {
		t.Errorf("expected 2 connected clients, got %d", info.ConnectedClients)
	}
	if !r.Detach("s", first) {
		t.Error("detach should report true")
	}
	if r.Detach("s", first) {
		t.Error("second detach should report false")
	}
	if r.GetSession("s") == nil {
		t.Error("session must survive its clients detaching")
	}
}

func TestShellExitRemovesSession(t *testing.T) {
	r, sp, _ := newTestRegistry(t, 5)
	s, _, _ := r.CreateSession("s", SessionOptions{})
	c := &fakeConn{}
	r.Attach("s", c)

	sp.proc(0).exit()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed after shell exit")
	}
	waitFor(t, "session removal", func() bool { return r.GetSession("s") == nil })
	if !c.isClosed() {
		t.Error("clients must be closed when the shell exits")
	}
}

func TestTokenRotationOnlyAffectsNewSessions(t *testing.T) {
	r, sp, _ := newTestRegistry(t, 5)

	r.SetInternalAPIToken("token-one")
	r.CreateSession("before", SessionOptions{})
	r.SetInternalAPIToken("token-two")
	r.CreateSession("after", SessionOptions{})

	if got := sp.proc(0).env(TokenEnvVar); got != "token-one" {
		t.Errorf("pre-rotation session env changed: %q", got)
	}
	if got := sp.proc(1).env(TokenEnvVar); got != "token-two" {
		t.Errorf("post-rotation session should get new token, got %q", got)
	}

	script, err := os.ReadFile(filepath.Join(r.homeDir, startupScriptName))
	if err != nil {
		t.Fatalf("read startup script: %v", err)
	}
	if !strings.Contains(string(script), "export INTERNAL_API_TOKEN='token-two'") {
		t.Errorf("startup script not rewritten:\n%s", script)
	}
	rc, _ := os.ReadFile(filepath.Join(r.homeDir, ".bashrc"))
	if strings.Count(string(rc), sourceLine) != 1 {
		t.Errorf(".bashrc should source the startup script exactly once:\n%s", rc)
	}
}

func TestSessionEnvironment(t *testing.T) {
	r, sp, _ := newTestRegistry(t, 5)
	r.SetEnvVars(map[string]string{"OPENAI_BASE_URL": "http://localhost:9000", "QUOTED": "it's"})
	r.CreateSession("s", SessionOptions{})

	p := sp.proc(0)
	if got := p.env("HOME"); got != r.homeDir {
		t.Errorf("HOME should be isolated, got %q", got)
	}
	if got := p.env(TokenEnvVar); got != "" {
		t.Errorf("inherited token must not leak into shells, got %q", got)
	}
	if got := p.env("OPENAI_BASE_URL"); got != "http://localhost:9000" {
		t.Errorf("env var not injected, got %q", got)
	}
	if got := p.env("PATH"); got != "/usr/bin:/bin" {
		t.Errorf("base env not inherited, got %q", got)
	}

	script, _ := os.ReadFile(filepath.Join(r.homeDir, startupScriptName))
	if !strings.Contains(string(script), `export QUOTED='it'\''s'`) {
		t.Errorf("value not shell-quoted:\n%s", script)
	}
}

func TestReapIdle(t *testing.T) {
	r, _, clock := newTestRegistry(t, 5)
	r.CreateSession("idle", SessionOptions{})
	r.CreateSession("busy", SessionOptions{})
	r.Attach("busy", &fakeConn{})

	if n := r.ReapIdle(0); n != 0 {
		t.Errorf("zero timeout must disable reaping, reaped %d", n)
	}
	clock.advance(time.Hour)
	if n := r.ReapIdle(30 * time.Minute); n != 1 {
		t.Errorf("expected 1 reaped session, got %d", n)
	}
	if r.GetSession("idle") != nil || r.GetSession("busy") == nil {
		t.Error("only the idle session should be reaped")
	}
}

func TestShutdown(t *testing.T) {
	r, sp, _ := newTestRegistry(t, 5)
	r.CreateSession("a", SessionOptions{})
	r.CreateSession("b", SessionOptions{})

	r.Shutdown()
	if len(r.ListSessions()) != 0 {
		t.Error("expected no sessions after shutdown")
	}
	if !sp.proc(0).wasKilled() || !sp.proc(1).wasKilled() {
		t.Error("all shells must be killed")
	}
}
