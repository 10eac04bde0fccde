// Package terminal supervises persistent shell sessions running under
// pseudo-terminals and fans their output out to any number of attached
// clients.
//
// Sessions are keyed by id and stay alive when every client detaches. The
// registry enforces a soft cap on the number of sessions: when it is full,
// creating a session evicts the least recently active session that has no
// clients, and if every session has clients the new one is created anyway.
package terminal

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/shellgate/internal/logutil"
	"github.com/google/uuid"
)

const (
	DefaultCols = 80
	DefaultRows = 24

	// TokenEnvVar carries the internal API token into every shell.
	TokenEnvVar = "INTERNAL_API_TOKEN"
)

type Options struct {
	Shell          string
	HomeDir        string
	MaxSessions    int
	ScrollbackSize int
	Spawner        Spawner
	// BaseEnv is the environment every shell starts from. Nil means the
	// service's own environment.
	BaseEnv []string
}

// SessionOptions are the initial terminal dimensions. Zero values fall back
// to DefaultCols and DefaultRows.
type SessionOptions struct {
	Cols uint16
	Rows uint16
}

type Registry struct {
	shell          string
	homeDir        string
	maxSessions    int
	scrollbackSize int
	spawner        Spawner
	baseEnv        []string
	now            func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	token    string
	envVars  map[string]string
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		shell:          opts.Shell,
		homeDir:        opts.HomeDir,
		maxSessions:    opts.MaxSessions,
		scrollbackSize: opts.ScrollbackSize,
		spawner:        opts.Spawner,
		baseEnv:        opts.BaseEnv,
		now:            time.Now,
		sessions:       make(map[string]*Session),
		envVars:        map[string]string{},
	}
	if r.shell == "" {
		r.shell = "/bin/bash"
	}
	if r.maxSessions <= 0 {
		r.maxSessions = 10
	}
	if r.spawner == nil {
		r.spawner = PTYSpawner{}
	}
	if r.baseEnv == nil {
		r.baseEnv = os.Environ()
	}
	return r
}

// MaxSessions returns the soft session cap.
func (r *Registry) MaxSessions() int {
	return r.maxSessions
}

// CreateSession returns the session with the given id, spawning it if it
// does not exist. created is false when an existing session was returned.
// An empty id gets a fresh UUID.
func (r *Registry) CreateSession(id string, opts SessionOptions) (s *Session, created bool, err error) {
	if id == "" {
		id = uuid.NewString()
	}
	dims := Dimensions{Cols: opts.Cols, Rows: opts.Rows}
	if dims.Cols == 0 {
		dims.Cols = DefaultCols
	}
	if dims.Rows == 0 {
		dims.Rows = DefaultRows
	}

	// Held across check, evict, spawn and insert so concurrent creates of
	// one id spawn a single shell.
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok {
		existing.touch()
		return existing, false, nil
	}

	if len(r.sessions) >= r.maxSessions {
		if victim := r.oldestIdleLocked(); victim != nil {
			log.Printf("[terminal] at capacity (%d), evicting idle session %s", r.maxSessions, victim.ID)
			r.destroyLocked(victim)
		} else {
			log.Printf("[terminal] at capacity (%d) with no idle session, exceeding limit", r.maxSessions)
		}
	}

	if err := r.prepareHomeLocked(); err != nil {
		return nil, false, err
	}
	proc, err := r.spawner.Spawn(SpawnOptions{
		Shell: r.shell,
		Args:  []string{"-l"},
		Dir:   r.homeDir,
		Env:   r.envLocked(id),
		Cols:  dims.Cols,
		Rows:  dims.Rows,
	})
	if err != nil {
		return nil, false, fmt.Errorf("spawn shell for session %s: %w", id, err)
	}

	s = newSession(id, proc, dims, r.scrollbackSize, r.now)
	r.sessions[id] = s
	go r.run(s)

	log.Printf("[terminal] created session %s (pid %d, %dx%d)", id, proc.Pid(), dims.Cols, dims.Rows)
	return s, true, nil
}

// run pumps output until the shell exits, then removes the session.
func (r *Registry) run(s *Session) {
	s.pump()
	err := s.proc.Wait()

	r.mu.Lock()
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	if s.close() {
		log.Printf("[terminal] session %s shell exited: %v", s.ID, err)
	}
}

// oldestIdleLocked returns the least recently active session without
// clients, or nil.
func (r *Registry) oldestIdleLocked() *Session {
	var victim *Session
	var victimAt time.Time
	for _, s := range r.sessions {
		at, idle := s.idleSince()
		if !idle {
			continue
		}
		if victim == nil || at.Before(victimAt) {
			victim, victimAt = s, at
		}
	}
	return victim
}

func (r *Registry) destroyLocked(s *Session) {
	delete(r.sessions, s.ID)
	s.close()
}

// GetSession returns the session and marks it active, or nil.
func (r *Registry) GetSession(id string) *Session {
	r.mu.Lock()
	s := r.sessions[id]
	r.mu.Unlock()
	if s != nil {
		s.touch()
	}
	return s
}

func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// DestroySession closes every client, kills the shell and forgets the
// session. It reports whether the session existed.
func (r *Registry) DestroySession(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		r.destroyLocked(s)
	}
	r.mu.Unlock()
	if ok {
		log.Printf("[terminal] destroyed session %s", logutil.SanitizeForLog(id))
	}
	return ok
}

// Attach adds c to the session's clients and replays its scrollback.
func (r *Registry) Attach(id string, c Conn) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	return s.attach(c)
}

// Detach removes c from the session. The session keeps running.
func (r *Registry) Detach(id string, c Conn) bool {
	s, err := r.lookup(id)
	if err != nil {
		return false
	}
	return s.detach(c)
}

// Write sends input to the session's shell.
func (r *Registry) Write(id string, data []byte) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	return s.write(data)
}

// Resize changes the session's terminal size.
func (r *Registry) Resize(id string, cols, rows uint16) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	return s.resize(cols, rows)
}

// ListSessions returns every live session, oldest first.
func (r *Registry) ListSessions() []SessionInfo {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// SetInternalAPIToken sets the token handed to shells spawned from now on
// and rewrites the startup script. Running shells keep the token they
// started with.
func (r *Registry) SetInternalAPIToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
	if err := r.writeStartupScriptLocked(); err != nil {
		log.Printf("[terminal] rewrite startup script: %v", err)
	}
}

// SetEnvVars replaces the extra variables handed to shells spawned from now on.
func (r *Registry) SetEnvVars(vars map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envVars = make(map[string]string, len(vars))
	for k, v := range vars {
		r.envVars[k] = v
	}
	if err := r.writeStartupScriptLocked(); err != nil {
		log.Printf("[terminal] rewrite startup script: %v", err)
	}
}

// ReapIdle destroys sessions without clients that have been inactive for
// longer than maxIdle. A zero maxIdle disables reaping.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		at, idle := s.idleSince()
		if idle && at.Before(cutoff) {
			log.Printf("[terminal] reaping idle session %s (inactive since %s)", s.ID, at.Format(time.RFC3339))
			r.destroyLocked(s)
			n++
		}
	}
	return n
}

// Shutdown destroys every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		r.destroyLocked(s)
	}
	log.Printf("[terminal] all sessions closed")
}

// envLocked builds a new shell's environment: the base environment minus
// anything the registry sets itself, then HOME, TERM, the token and the
// configured variables.
func (r *Registry) envLocked(sessionID string) []string {
	override := map[string]bool{"HOME": true, "TERM": true, TokenEnvVar: true, "SHELLGATE_SESSION_ID": true}
	for k := range r.envVars {
		override[k] = true
	}

	env := make([]string, 0, len(r.baseEnv)+len(r.envVars)+4)
	for _, kv := range r.baseEnv {
		if k, _, _ := strings.Cut(kv, "="); override[k] {
			continue
		}
		env = append(env, kv)
	}
	env = append(env,
		"HOME="+r.homeDir,
		"TERM=xterm-256color",
		TokenEnvVar+"="+r.token,
		"SHELLGATE_SESSION_ID="+sessionID,
	)
	for _, k := range sortedKeys(r.envVars) {
		env = append(env, k+"="+r.envVars[k])
	}
	return env
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
