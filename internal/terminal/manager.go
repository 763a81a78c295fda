// Package terminal starts and tracks shell processes for the presentation
// process.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/internal/metrics"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
)

// Session is a running shell.
type Session struct {
	ID    string
	Shell string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}
}

// PID returns the process id of the shell.
func (s *Session) PID() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Done is closed when the shell exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Handle returns the wire form of the session.
func (s *Session) Handle() protocol.TerminalHandle {
	return protocol.TerminalHandle{ID: s.ID, PID: s.PID(), Shell: s.Shell}
}

// Manager owns all shell sessions.
type Manager struct {
	shell  string
	dir    string
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a manager that starts shell in dir.
// An empty dir means the host's working directory.
func NewManager(shell, dir string) *Manager {
	return &Manager{
		shell:    shell,
		dir:      dir,
		logger:   logging.Named("terminal"),
		sessions: make(map[string]*Session),
	}
}

// Create starts a new shell. The shell is not bound to ctx; it lives until
// Close or CloseAll.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: terminal manager is closed", protocol.ErrIO)
	}
	m.mu.Unlock()

	cmd := exec.Command(m.shell)
	cmd.Dir = m.dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", protocol.ErrIO, m.shell, err)
	}

	s := &Session{
		ID:    ulid.Make().String(),
		Shell: m.shell,
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SetTerminalsActive(n)

	go m.reap(s)

	logging.WithContext(ctx).Info("terminal created",
		zap.String("id", s.ID),
		zap.Int("pid", s.PID()),
		zap.String("shell", s.Shell))
	return s, nil
}

func (m *Manager) reap(s *Session) {
	err := s.cmd.Wait()
	close(s.done)

	m.mu.Lock()
	delete(m.sessions, s.ID)
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SetTerminalsActive(n)

	m.logger.Debug("terminal exited", zap.String("id", s.ID), zap.Error(err))
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close terminates one session and waits for it to exit.
func (m *Manager) Close(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: terminal %s", protocol.ErrNotFound, id)
	}
	return m.stop(ctx, s)
}

func (m *Manager) stop(ctx context.Context, s *Session) error {
	s.stdin.Close()
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("%w: kill terminal %s: %v", protocol.ErrIO, s.ID, err)
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseAll terminates every session. Create fails afterwards.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := m.stop(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
