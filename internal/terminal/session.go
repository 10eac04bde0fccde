package terminal

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrSessionNotFound is returned for operations on an absent or destroyed
// session.
var ErrSessionNotFound = errors.New("terminal session not found")

// Conn is one client attached to a session.
//
// Both methods are called with the session lock held and must not block:
// Send should queue the data for a writer goroutine, and Close should only
// signal that writer.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Dimensions is a terminal size in character cells.
type Dimensions struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID               string     `json:"id"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastActivityAt   time.Time  `json:"lastActivityAt"`
	PID              int        `json:"pid"`
	Dimensions       Dimensions `json:"dimensions"`
	ConnectedClients int        `json:"connectedClients"`
}

// Session is one shell process and the clients attached to it. It outlives
// its connections: clients may detach and reattach without losing state.
type Session struct {
	ID        string
	CreatedAt time.Time

	proc Process
	now  func() time.Time

	// ioMu serializes writes and resizes so they reach the pty in order.
	ioMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	dims         Dimensions
	conns        map[Conn]struct{}
	history      *scrollback
	closed       bool
	done         chan struct{}
}

func newSession(id string, proc Process, dims Dimensions, scrollbackSize int, now func() time.Time) *Session {
	t := now()
	return &Session{
		ID:           id,
		CreatedAt:    t,
		proc:         proc,
		now:          now,
		lastActivity: t,
		dims:         dims,
		conns:        make(map[Conn]struct{}),
		history:      newScrollback(scrollbackSize),
		done:         make(chan struct{}),
	}
}

// Pid returns the shell's process id.
func (s *Session) Pid() int {
	return s.proc.Pid()
}

// Done is closed once the session has been destroyed or its shell exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:               s.ID,
		CreatedAt:        s.CreatedAt,
		LastActivityAt:   s.lastActivity,
		PID:              s.proc.Pid(),
		Dimensions:       s.dims,
		ConnectedClients: len(s.conns),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// idleSince reports the last activity time and whether the session has no
// attached clients.
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity, len(s.conns) == 0
}

func (s *Session) write(data []byte) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.isClosed() {
		return ErrSessionNotFound
	}
	if _, err := s.proc.Write(data); err != nil {
		if s.isClosed() {
			return ErrSessionNotFound
		}
		return err
	}
	s.touch()
	return nil
}

func (s *Session) resize(cols, rows uint16) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if s.isClosed() {
		return ErrSessionNotFound
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		if s.isClosed() {
			return ErrSessionNotFound
		}
		return err
	}
	s.mu.Lock()
	s.dims = Dimensions{Cols: cols, Rows: rows}
	s.lastActivity = s.now()
	s.mu.Unlock()
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// attach adds c to the fan-out set after replaying the scrollback to it.
// Both happen under the lock so c sees every byte exactly once.
func (s *Session) attach(c Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionNotFound
	}
	if s.history.len() > 0 {
		if err := c.Send(s.history.snapshot()); err != nil {
			return err
		}
	}
	s.conns[c] = struct{}{}
	s.lastActivity = s.now()
	return nil
}

func (s *Session) detach(c Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c]; !ok {
		return false
	}
	delete(s.conns, c)
	s.lastActivity = s.now()
	return true
}

// broadcast records output and sends it to every attached client. Clients
// that cannot keep up are dropped.
func (s *Session) broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.history.write(data)
	for c := range s.conns {
		if err := c.Send(data); err != nil {
			log.Printf("[terminal] session %s: dropping client: %v", s.ID, err)
			delete(s.conns, c)
			c.Close()
		}
	}
}

// close closes every client and kills the process. It reports false if the
// session was already closed.
func (s *Session) close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	conns := s.conns
	s.conns = make(map[Conn]struct{})
	close(s.done)
	s.mu.Unlock()

	for c := range conns {
		if err := c.Close(); err != nil {
			log.Printf("[terminal] session %s: close client: %v", s.ID, err)
		}
	}
	if err := s.proc.Kill(); err != nil {
		log.Printf("[terminal] session %s: kill shell: %v", s.ID, err)
	}
	return true
}

// pump copies process output to the clients until the process stops
// producing it.
func (s *Session) pump() {
	buf := make([]byte, 32*1024)
	var carry []byte
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			complete, rest := splitUTF8(chunk)
			if len(complete) > 0 {
				out := make([]byte, len(complete))
				copy(out, complete)
				s.broadcast(out)
			}
			carry = append([]byte(nil), rest...)
		}
		if err != nil {
			if len(carry) > 0 {
				s.broadcast(carry)
			}
			return
		}
	}
}
