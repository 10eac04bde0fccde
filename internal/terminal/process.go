package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Process is a running shell attached to a pseudo-terminal.
type Process interface {
	io.ReadWriter
	Resize(cols, rows uint16) error
	Pid() int
	// Kill terminates the process and releases the terminal. It is safe to
	// call more than once.
	Kill() error
	// Wait blocks until the process has exited.
	Wait() error
}

// SpawnOptions describe the shell to start.
type SpawnOptions struct {
	Shell string
	Args  []string
	Dir   string
	Env   []string
	Cols  uint16
	Rows  uint16
}

// Spawner starts shell processes.
type Spawner interface {
	Spawn(opts SpawnOptions) (Process, error)
}

// PTYSpawner starts real processes under a pty.
type PTYSpawner struct{}

func (PTYSpawner) Spawn(opts SpawnOptions) (Process, error) {
	cmd := exec.Command(opts.Shell, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Shell, err)
	}
	p := &ptyProcess{cmd: cmd, ptmx: ptmx, exited: make(chan struct{})}
	go p.reap()
	return p, nil
}

type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	exited  chan struct{}
	waitErr error

	killOnce sync.Once
	killErr  error
}

func (p *ptyProcess) reap() {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }
func (p *ptyProcess) Pid() int                    { return p.cmd.Process.Pid }

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProcess) Kill() error {
	p.killOnce.Do(func() {
		select {
		case <-p.exited:
		default:
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.killErr = fmt.Errorf("kill pid %d: %w", p.cmd.Process.Pid, err)
			}
		}
		if err := p.ptmx.Close(); err != nil && p.killErr == nil && !errors.Is(err, os.ErrClosed) {
			p.killErr = fmt.Errorf("close pty: %w", err)
		}
	})
	return p.killErr
}

func (p *ptyProcess) Wait() error {
	<-p.exited
	return p.waitErr
}
