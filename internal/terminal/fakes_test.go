package terminal

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

type fakeProcess struct {
	pid  int
	opts SpawnOptions

	outR *io.PipeReader
	outW *io.PipeWriter

	mu     sync.Mutex
	input  bytes.Buffer
	sizes  []Dimensions
	killed bool

	exitOnce sync.Once
	exited   chan struct{}
}

func (p *fakeProcess) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return 0, errors.New("write on killed process")
	}
	return p.input.Write(b)
}

func (p *fakeProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sizes = append(p.sizes, Dimensions{Cols: cols, Rows: rows})
	return nil
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}

// exit simulates the shell terminating on its own.
func (p *fakeProcess) exit() {
	p.exitOnce.Do(func() {
		p.outW.Close()
		close(p.exited)
	})
}

// emit makes the shell print s. It returns once the session has read it.
func (p *fakeProcess) emit(s string) {
	p.outW.Write([]byte(s))
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) inputString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

func (p *fakeProcess) env(key string) string {
	for _, kv := range p.opts.Env {
		if len(kv) > len(key) && kv[:len(key)+1] == key+"=" {
			return kv[len(key)+1:]
		}
	}
	return ""
}

type fakeSpawner struct {
	mu      sync.Mutex
	procs   []*fakeProcess
	err     error
	nextPid int
}

func (s *fakeSpawner) Spawn(opts SpawnOptions) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.nextPid++
	r, w := io.Pipe()
	p := &fakeProcess{pid: 1000 + s.nextPid, opts: opts, outR: r, outW: w, exited: make(chan struct{})}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) proc(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

type fakeConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, max int) (*Registry, *fakeSpawner, *fakeClock) {
	t.Helper()
	sp := &fakeSpawner{}
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(Options{
		Shell:       "/bin/bash",
		HomeDir:     t.TempDir(),
		MaxSessions: max,
		Spawner:     sp,
		BaseEnv:     []string{"PATH=/usr/bin:/bin", "HOME=/root", "INTERNAL_API_TOKEN=leaked"},
	})
	r.now = clock.now
	t.Cleanup(r.Shutdown)
	return r, sp, clock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
