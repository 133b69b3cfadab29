// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/termrelay/lib/clock"
	"github.com/bureau-foundation/termrelay/lib/environ"
	"github.com/bureau-foundation/termrelay/terminal"
	"github.com/bureau-foundation/termrelay/transcript"
)

// Defaults applied by NewManager to zero Config fields.
const (
	DefaultInitialMessageDelay = 20 * time.Millisecond
	DefaultColumns             = 160
	DefaultRows                = 40
	DefaultTermName            = "xterm-color"
	DefaultCloseSignal         = "SIGTERM"
)

// Config configures a Manager. Only Store is commonly set; every other
// field has a default.
type Config struct {
	// Store receives every recorded event. Nil disables persistence.
	Store transcript.Store

	// Spawn starts programs. Default: PTYSpawner(Clock, Logger).
	Spawn SpawnFunc

	Clock  clock.Clock
	Logger *slog.Logger

	// HistoryLimit bounds each session's replay buffer.
	HistoryLimit int

	// DefaultRepoPath is used when a request names no usable directory.
	DefaultRepoPath string

	// Command is overridden field by field by each request.
	Command CommandDefaults

	// Environ returns the server environment in KEY=VALUE form.
	// Default: os.Environ.
	Environ func() []string

	// WorkingDirectory is the final repo path fallback and the base for
	// relative paths. Default: the process working directory.
	WorkingDirectory string

	// BundledExecutable is checked before DefaultExecutable.
	BundledExecutable string

	InitialMessageDelay time.Duration
	Columns             int
	Rows                int
	TermName            string

	// ClosedRetention keeps a session whose program exited on its own
	// registered (listed, attachable for replay) for this long.
	ClosedRetention time.Duration

	PersistQueueLimit int
	PersistTimeout    time.Duration
}

// Manager owns the registry of live sessions.
type Manager struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
	spawn  SpawnFunc

	mu           sync.RWMutex
	sessions     map[string]*Session
	// closing holds sessions removed by Close whose program has not
	// exited yet. Shutdown waits for them too.
	closing      map[string]*Session
	shuttingDown bool
}

// NewManager returns a Manager with config's zero fields defaulted.
func NewManager(config Config) *Manager {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Spawn == nil {
		config.Spawn = PTYSpawner(config.Clock, config.Logger)
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	if config.Environ == nil {
		config.Environ = os.Environ
	}
	if config.WorkingDirectory == "" {
		if directory, err := os.Getwd(); err == nil {
			config.WorkingDirectory = directory
		} else {
			config.WorkingDirectory = "/"
		}
	}
	if config.BundledExecutable == "" {
		config.BundledExecutable = DefaultBundledExecutable
	}
	if config.InitialMessageDelay <= 0 {
		config.InitialMessageDelay = DefaultInitialMessageDelay
	}
	if config.Columns <= 0 {
		config.Columns = DefaultColumns
	}
	if config.Rows <= 0 {
		config.Rows = DefaultRows
	}
	if config.TermName == "" {
		config.TermName = DefaultTermName
	}
	return &Manager{
		config:   config,
		clock:    config.Clock,
		logger:   config.Logger,
		spawn:    config.Spawn,
		sessions: make(map[string]*Session),
		closing:  make(map[string]*Session),
	}
}

// Create builds the command for request, starts it, and registers the
// session. Only spawn failures (*SpawnError) and shutdown fail it; an
// unusable repo path falls back rather than failing.
func (m *Manager) Create(request Request) (*Session, error) {
	m.mu.RLock()
	shuttingDown := m.shuttingDown
	m.mu.RUnlock()
	if shuttingDown {
		return nil, ErrShuttingDown
	}

	defaults := m.config.Command
	var override CommandRequest
	if request.Command != nil {
		override = *request.Command
	}

	workingDirectory := m.config.WorkingDirectory
	base := environ.FromList(m.config.Environ())
	repoPath := resolveRepoPath(request.RepoPath, m.config.DefaultRepoPath, workingDirectory)

	explicit := override.Executable
	if explicit == "" {
		explicit = defaults.Executable
	}
	executable := resolveExecutable(explicit, base, workingDirectory, m.config.BundledExecutable)

	args := defaults.Args
	if override.Args != nil {
		args = override.Args
	}

	requestedMode := request.ApprovalMode
	if requestedMode == "" {
		requestedMode = defaults.ApprovalMode
	}
	approvalMode := CanonicalApprovalMode(requestedMode)
	if requestedMode != "" && approvalMode == "" {
		m.logger.Warn("dropping unknown approval mode", "approval_mode", requestedMode)
	}

	model := request.Model
	if model == "" {
		model = defaults.Model
	}
	model = normalizeModel(model)

	stack := buildEnvironment(base, defaults.Env, override.Env, m.logger)
	command := Command{
		Executable: executable,
		Args:       buildArgs(args, approvalMode, model),
		Env:        stack.Environ(),
	}

	process, err := m.spawn(terminal.Spec{
		Executable: command.Executable,
		Args:       command.Args,
		Dir:        repoPath,
		Env:        command.Env,
		Columns:    m.config.Columns,
		Rows:       m.config.Rows,
		TermName:   m.config.TermName,
	})
	if err != nil {
		m.logger.Warn("session spawn failed",
			"executable", command.Executable,
			"repo_path", repoPath,
			"error", err,
		)
		return nil, err
	}

	session := newSession(sessionParams{
		id:           uuid.NewString(),
		repoPath:     repoPath,
		command:      command,
		approvalMode: approvalMode,
		model:        model,
		clock:        m.clock,
		logger:       m.logger,
		process:      process,
		store:        m.config.Store,
		historyLimit: m.config.HistoryLimit,
		persistLimit: m.config.PersistQueueLimit,
		persistWait:  m.config.PersistTimeout,
		onExit:       m.sessionExited,
	})

	// Recorded before registration so nothing routed through the
	// registry can precede it.
	session.recordCreated()

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		session.markClosed()
		session.start()
		_ = process.Kill()
		return nil, ErrShuttingDown
	}
	m.sessions[session.id] = session
	m.mu.Unlock()

	m.logger.Info("session created",
		"session_id", session.id,
		"repo_path", repoPath,
		"executable", command.Executable,
		"approval_mode", approvalMode,
		"model", model,
	)
	for key := range override.Env {
		m.logger.Debug("session environment override", "session_id", session.id, "key", key, "layer", stack.Origin(key))
	}

	session.start()
	if request.InitialMessage != "" {
		session.scheduleBootstrap(request.InitialMessage, m.config.InitialMessageDelay)
	}
	return session, nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// List returns summaries of every registered session, oldest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].createdAt.Equal(sessions[j].createdAt) {
			return sessions[i].createdAt.Before(sessions[j].createdAt)
		}
		return sessions[i].id < sessions[j].id
	})
	summaries := make([]Summary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, session.Summary())
	}
	return summaries
}

// Attach attaches viewer to session id and returns its client id.
func (m *Manager) Attach(id string, viewer Viewer) (string, error) {
	session, err := m.Get(id)
	if err != nil {
		return "", err
	}
	return session.Attach(viewer), nil
}

// Detach detaches a viewer. Unknown sessions and clients are ignored.
func (m *Manager) Detach(id, clientID string) {
	if session, err := m.Get(id); err == nil {
		session.Detach(clientID)
	}
}

// SendInput routes input to session id.
func (m *Manager) SendInput(id string, input Input) error {
	session, err := m.Get(id)
	if err != nil {
		return err
	}
	return session.SendInput(input)
}

// SendSignal routes a signal to session id.
func (m *Manager) SendSignal(id, name string) error {
	session, err := m.Get(id)
	if err != nil {
		return err
	}
	return session.SendSignal(name)
}

// Resize routes a terminal resize to session id.
func (m *Manager) Resize(id string, columns, rows int) error {
	session, err := m.Get(id)
	if err != nil {
		return err
	}
	return session.Resize(columns, rows)
}

// Close removes session id from the registry and, if its program is
// still running, signals it: with reason when reason names a signal,
// SIGTERM otherwise. Closing an unknown or already removed id is a
// no-op. The exit event is still recorded when the program ends.
func (m *Manager) Close(id, reason string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	if ok && !isDone(session) {
		m.closing[id] = session
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	signal := DefaultCloseSignal
	if _, err := terminal.ParseSignal(reason); reason != "" && err == nil {
		signal = reason
	}
	if !session.markClosed() {
		return nil
	}
	m.logger.Info("closing session", "session_id", id, "signal", signal)
	if err := session.process.Signal(signal); err != nil {
		m.logger.Warn("signalling closed session failed", "session_id", id, "signal", signal, "error", err)
	}
	return nil
}

// Shutdown closes every session, including those already closed whose
// programs are still running, and waits until their exits are
// recorded and their transcripts submitted, or until ctx is done. When
// ctx ends first, programs still running are killed and ctx's error is
// returned. Create fails with ErrShuttingDown afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	sessions := make([]*Session, 0, len(m.sessions))
	for id, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, id)
	}
	for _, session := range m.closing {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	m.logger.Info("shutting down sessions", "count", len(sessions))
	for _, session := range sessions {
		if session.markClosed() {
			if err := session.process.Signal(DefaultCloseSignal); err != nil {
				m.logger.Warn("signalling session failed", "session_id", session.id, "error", err)
			}
		}
	}

	for index, session := range sessions {
		select {
		case <-session.Done():
		case <-ctx.Done():
			for _, straggler := range sessions[index:] {
				select {
				case <-straggler.Done():
				default:
					m.logger.Warn("killing session that ignored SIGTERM", "session_id", straggler.id)
					_ = straggler.process.Kill()
				}
			}
			return ctx.Err()
		}
	}
	for _, session := range sessions {
		select {
		case <-session.Persisted():
		case <-ctx.Done():
			m.logger.Warn("transcript submission incomplete at shutdown", "session_id", session.id)
			return ctx.Err()
		}
	}
	return nil
}

// sessionExited runs after a session records its exit.
func (m *Manager) sessionExited(session *Session) {
	m.mu.Lock()
	if m.closing[session.id] == session {
		delete(m.closing, session.id)
	}
	m.mu.Unlock()

	if m.config.ClosedRetention <= 0 {
		m.remove(session)
		return
	}
	m.clock.AfterFunc(m.config.ClosedRetention, func() { m.remove(session) })
}

// remove unregisters session if it is still the one registered under
// its id.
func (m *Manager) remove(session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[session.id] == session {
		delete(m.sessions, session.id)
	}
}

func isDone(session *Session) bool {
	select {
	case <-session.Done():
		return true
	default:
		return false
	}
}
