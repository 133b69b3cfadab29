// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bureau-foundation/termrelay/lib/clock"
	"github.com/bureau-foundation/termrelay/protocol"
	"github.com/bureau-foundation/termrelay/terminal"
	"github.com/bureau-foundation/termrelay/transcript"
)

// Author values the session assigns itself.
const (
	AuthorUser      = "user"
	AuthorBootstrap = "bootstrap"
)

// DefaultSignal is sent when SendSignal is given no name.
const DefaultSignal = "SIGINT"

// Command is the program a session runs. Env is the complete child
// environment and never leaves the server.
type Command struct {
	Executable string
	Args       []string
	Env        []string
}

// Input is one write to the session's program.
type Input struct {
	Data string

	// Author defaults to "user".
	Author string

	// Silent writes without recording a stdin event.
	Silent bool

	// At defaults to the time the event is recorded.
	At time.Time
}

// Summary is the public projection of a session. It never includes
// the environment or history.
type Summary struct {
	ID           string         `json:"id"`
	RepoPath     string         `json:"repoPath"`
	CreatedAt    time.Time      `json:"createdAt"`
	ApprovalMode string         `json:"approvalMode,omitempty"`
	Model        string         `json:"model,omitempty"`
	Command      CommandSummary `json:"command"`
	Closed       bool           `json:"closed"`
	Viewers      int            `json:"viewers"`
}

// CommandSummary is Command without the environment.
type CommandSummary struct {
	Executable string   `json:"executable"`
	Args       []string `json:"args"`
}

// Session is one running program and its viewers. Sessions are created
// by Manager.Create.
type Session struct {
	id           string
	repoPath     string
	command      Command
	approvalMode string
	model        string
	createdAt    time.Time

	clock   clock.Clock
	logger  *slog.Logger
	process Process
	persist *persister

	// onExit runs once, outside the lock, after the exit is recorded.
	onExit func(*Session)

	mu sync.Mutex
	// closed rejects further input. It is set by an explicit close or
	// by the program exiting.
	closed bool
	// exited is set once the exit event has been recorded.
	exited    bool
	history   *history
	viewers   map[string]Viewer
	bootstrap *clock.Timer
	// pending holds a UTF-8 sequence split across output chunks.
	pending []byte

	done chan struct{}
}

type sessionParams struct {
	id           string
	repoPath     string
	command      Command
	approvalMode string
	model        string
	clock        clock.Clock
	logger       *slog.Logger
	process      Process
	store        transcript.Store
	historyLimit int
	persistLimit int
	persistWait  time.Duration
	onExit       func(*Session)
}

func newSession(params sessionParams) *Session {
	logger := params.logger.With("session_id", params.id)
	return &Session{
		id:           params.id,
		repoPath:     params.repoPath,
		command:      params.command,
		approvalMode: params.approvalMode,
		model:        params.model,
		createdAt:    params.clock.Now(),
		clock:        params.clock,
		logger:       logger,
		process:      params.process,
		persist:      newPersister(params.store, params.id, logger, params.persistLimit, params.persistWait),
		onExit:       params.onExit,
		history:      newHistory(params.historyLimit),
		viewers:      make(map[string]Viewer),
		done:         make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// RepoPath returns the program's working directory.
func (s *Session) RepoPath() string { return s.repoPath }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Command returns a copy of the program's command line and environment.
func (s *Session) Command() Command {
	return Command{
		Executable: s.command.Executable,
		Args:       append([]string(nil), s.command.Args...),
		Env:        append([]string(nil), s.command.Env...),
	}
}

// Closed reports whether the session rejects input.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed after the exit event has been recorded and every
// viewer closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Persisted is closed once every recorded event has been submitted to
// the transcript store, which happens only after Done.
func (s *Session) Persisted() <-chan struct{} { return s.persist.Done() }

// History returns a copy of the buffered events, oldest first.
func (s *Session) History() []transcript.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.events()
}

// Summary returns the session's public projection.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	args := append([]string{}, s.command.Args...)
	return Summary{
		ID:           s.id,
		RepoPath:     s.repoPath,
		CreatedAt:    s.createdAt,
		ApprovalMode: s.approvalMode,
		Model:        s.model,
		Command:      CommandSummary{Executable: s.command.Executable, Args: args},
		Closed:       s.closed,
		Viewers:      len(s.viewers),
	}
}

// Attach replays the session to viewer and registers it for live
// events. The viewer receives welcome, session-state, and then the
// history, all before any event recorded after the call. If the
// program has already exited, the viewer is closed right after the
// replay. Attach returns the viewer's client id.
func (s *Session) Attach(viewer Viewer) string {
	clientID := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	viewer.Send(protocol.EncodeWelcome(s.id, clientID))
	viewer.Send(protocol.EncodeSessionState(protocol.SessionState{
		SessionID:    s.id,
		RepoPath:     s.repoPath,
		CreatedAt:    s.createdAt,
		ApprovalMode: s.approvalMode,
		Model:        s.model,
		Closed:       s.closed,
	}))
	s.history.each(func(item entry) { viewer.Send(item.frame) })

	if s.exited {
		viewer.Close(protocol.CloseSessionEnded)
		return clientID
	}
	s.viewers[clientID] = viewer
	s.logger.Debug("viewer attached", "client_id", clientID, "viewers", len(s.viewers))
	return clientID
}

// Detach unregisters a viewer. Unknown ids are ignored.
func (s *Session) Detach(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.viewers[clientID]; ok {
		delete(s.viewers, clientID)
		s.logger.Debug("viewer detached", "client_id", clientID, "viewers", len(s.viewers))
	}
}

// SendInput writes input to the program and, unless Silent, records a
// stdin event.
func (s *Session) SendInput(input Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if input.Data == "" {
		return ErrEmptyInput
	}
	s.process.Write([]byte(input.Data))
	if input.Silent {
		return nil
	}
	author := input.Author
	if author == "" {
		author = AuthorUser
	}
	s.record(transcript.Event{Type: transcript.Stdin, Data: input.Data, Author: author, At: input.At})
	return nil
}

// SendSignal delivers a signal to the program; an empty name means
// SIGINT. It is a no-op on a closed session and records nothing.
func (s *Session) SendSignal(name string) error {
	if name == "" {
		name = DefaultSignal
	}
	if s.Closed() {
		return nil
	}
	return s.process.Signal(name)
}

// Resize changes the terminal size. No-op on a closed session.
func (s *Session) Resize(columns, rows int) error {
	if s.Closed() {
		return nil
	}
	return s.process.Resize(columns, rows)
}

// ViewerCount returns the number of attached viewers.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// record stamps, buffers, persists, and broadcasts event. Callers hold
// s.mu.
func (s *Session) record(event transcript.Event) {
	if event.At.IsZero() {
		event.At = s.clock.Now()
	}
	frame := protocol.EncodeEvent(event)
	s.history.append(entry{event: event, frame: frame})
	s.persist.enqueue(event)
	for _, viewer := range s.viewers {
		viewer.Send(frame)
	}
}

// recordCreated records the session-created event. It must run before
// start so it is the first event.
func (s *Session) recordCreated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(transcript.Event{
		Type:         transcript.SessionCreated,
		SessionID:    s.id,
		RepoPath:     s.repoPath,
		ApprovalMode: s.approvalMode,
		Model:        s.model,
	})
}

// scheduleBootstrap types message into the program after delay.
func (s *Session) scheduleBootstrap(message string, delay time.Duration) {
	// The callback takes s.mu, so the timer is created outside it.
	timer := s.clock.AfterFunc(delay, func() { s.sendBootstrap(message) })
	s.mu.Lock()
	s.bootstrap = timer
	s.mu.Unlock()
}

func (s *Session) sendBootstrap(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.process.Write([]byte(message + "\r"))
	s.record(transcript.Event{Type: transcript.Stdin, Data: message, Author: AuthorBootstrap})
}

// start runs the output pump.
func (s *Session) start() {
	go s.pump()
}

func (s *Session) pump() {
	for event := range s.process.Events() {
		if event.Exit != nil {
			s.handleExit(*event.Exit)
			continue
		}
		s.handleOutput(event.Data)
	}
	// A Process always ends with an exit event; this covers one that
	// closes its channel without one.
	s.handleExit(terminal.ExitStatus{})
}

func (s *Session) handleOutput(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited || len(data) == 0 {
		return
	}
	if len(s.pending) > 0 {
		data = append(s.pending, data...)
		s.pending = nil
	}
	complete, rest := splitIncompleteRune(data)
	if len(rest) > 0 {
		s.pending = append([]byte(nil), rest...)
	}
	if len(complete) == 0 {
		return
	}
	s.record(transcript.Event{Type: transcript.Stdout, Data: strings.ToValidUTF8(string(complete), "\uFFFD")})
}

func (s *Session) handleExit(status terminal.ExitStatus) {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return
	}
	if len(s.pending) > 0 {
		s.record(transcript.Event{Type: transcript.Stdout, Data: strings.ToValidUTF8(string(s.pending), "\uFFFD")})
		s.pending = nil
	}
	s.closed = true
	s.exited = true
	if s.bootstrap != nil {
		s.bootstrap.Stop()
		s.bootstrap = nil
	}

	event := transcript.Event{Type: transcript.Exit, Code: status.Code}
	if status.Signal != "" {
		signal := status.Signal
		event.Signal = &signal
	}
	s.record(event)

	for clientID, viewer := range s.viewers {
		viewer.Close(protocol.CloseSessionEnded)
		delete(s.viewers, clientID)
	}
	s.persist.close()
	s.mu.Unlock()

	s.logger.Info("session exited", "status", status.String())
	close(s.done)
	if s.onExit != nil {
		s.onExit(s)
	}
}

// markClosed rejects further input and cancels a pending bootstrap
// message. It reports whether the program is still running.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.bootstrap != nil {
		s.bootstrap.Stop()
		s.bootstrap = nil
	}
	return !s.exited
}

// splitIncompleteRune splits data before a trailing UTF-8 sequence
// that may be completed by the next chunk.
func splitIncompleteRune(data []byte) (complete, rest []byte) {
	// A sequence is at most utf8.UTFMax bytes, so only the last three
	// bytes can start an incomplete one.
	for back := 1; back < utf8.UTFMax && back <= len(data); back++ {
		index := len(data) - back
		first := data[index]
		if first < utf8.RuneSelf {
			// ASCII: nothing after it can be a partial sequence start.
			return data, nil
		}
		if !utf8.RuneStart(first) {
			continue
		}
		if utf8.FullRune(data[index:]) {
			return data, nil
		}
		return data[:index], data[index:]
	}
	return data, nil
}
