// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/termrelay/lib/clock"
)

// DefaultDrainGrace is how long the waiter lets the reader finish
// after the child exits.
const DefaultDrainGrace = 2 * time.Second

const readBufferSize = 32 * 1024

// ErrUnknownSignal is returned by Signal for names the platform does
// not define.
var ErrUnknownSignal = errors.New("unknown signal")

// ExitStatus describes how the child ended. Exactly one of Code and
// Signal is set.
type ExitStatus struct {
	Code   *int
	Signal string
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal " + s.Signal
	}
	if s.Code != nil {
		return fmt.Sprintf("exit code %d", *s.Code)
	}
	return "unknown exit"
}

// Event is one item from Process.Events: an output chunk (Data) or the
// final exit (Exit).
type Event struct {
	Data []byte
	Exit *ExitStatus
}

// Spawner starts processes. The zero value uses the wall clock,
// DefaultDrainGrace, and discards logs.
type Spawner struct {
	Clock      clock.Clock
	Logger     *slog.Logger
	DrainGrace time.Duration
}

// Spawn starts spec with a zero-value Spawner.
func Spawn(spec Spec) (*Process, error) {
	return Spawner{}.Spawn(spec)
}

// Process is a running child on a PTY.
type Process struct {
	cmd    *exec.Cmd
	master *os.File
	clock  clock.Clock
	logger *slog.Logger
	grace  time.Duration

	events chan Event

	// exited closes once the child has been reaped. Write, Resize, and
	// Signal check it before touching the child.
	exited chan struct{}

	// abandon closes when the reader overstays the drain grace.
	abandon    chan struct{}
	readerDone chan struct{}

	// sendMu serializes deliveries with sealing the channel so the
	// reader can never send on a closed channel.
	sendMu sync.Mutex
	sealed bool

	writeMu     sync.Mutex
	writeQueue  [][]byte
	writeNotify chan struct{}

	closeMaster sync.Once
}

// Spawn resolves the executable, checks the working directory, and
// starts the child on a new PTY. Failures before the child runs are
// *SpawnError.
func (s Spawner) Spawn(spec Spec) (*Process, error) {
	spawnError := func(err error) error {
		return &SpawnError{Executable: spec.Executable, Dir: spec.Dir, Err: err}
	}
	if err := checkDirectory(spec.Dir); err != nil {
		return nil, spawnError(err)
	}
	path, err := resolveExecutable(spec.Executable, spec.Dir, spec.Env)
	if err != nil {
		return nil, spawnError(err)
	}

	columns, rows := spec.Columns, spec.Rows
	if columns <= 0 {
		columns = 80
	}
	if rows <= 0 {
		rows = 24
	}

	cmd := &exec.Cmd{
		Path: path,
		Args: append([]string{spec.Executable}, spec.Args...),
		Dir:  spec.Dir,
		Env:  childEnvironment(spec.Env, spec.TermName),
	}
	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(columns), Rows: uint16(rows)})
	if err != nil {
		return nil, spawnError(err)
	}

	process := &Process{
		cmd:         cmd,
		master:      master,
		clock:       s.Clock,
		logger:      s.Logger,
		grace:       s.DrainGrace,
		events:      make(chan Event, 64),
		exited:      make(chan struct{}),
		abandon:     make(chan struct{}),
		readerDone:  make(chan struct{}),
		writeNotify: make(chan struct{}, 1),
	}
	if process.clock == nil {
		process.clock = clock.Real()
	}
	if process.logger == nil {
		process.logger = slog.New(slog.DiscardHandler)
	}
	if process.grace <= 0 {
		process.grace = DefaultDrainGrace
	}
	process.logger = process.logger.With("pid", cmd.Process.Pid)

	go process.readLoop()
	go process.writeLoop()
	go process.waitLoop()
	return process, nil
}

// Pid returns the child's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Events returns the event stream. It closes after the exit event.
func (p *Process) Events() <-chan Event { return p.events }

// Exited returns a channel closed once the child has been reaped. The
// exit event may still be in flight on Events.
func (p *Process) Exited() <-chan struct{} { return p.exited }

func (p *Process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Write queues data for the child's stdin. It never blocks and is a
// no-op after exit.
func (p *Process) Write(data []byte) {
	if len(data) == 0 || p.hasExited() {
		return
	}
	chunk := append([]byte(nil), data...)
	p.writeMu.Lock()
	p.writeQueue = append(p.writeQueue, chunk)
	p.writeMu.Unlock()
	select {
	case p.writeNotify <- struct{}{}:
	default:
	}
}

// Resize sets the window size, delivering SIGWINCH to the foreground
// process group. No-op after exit.
func (p *Process) Resize(columns, rows int) error {
	if p.hasExited() {
		return nil
	}
	if columns <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", columns, rows)
	}
	err := pty.Setsize(p.master, &pty.Winsize{Cols: uint16(columns), Rows: uint16(rows)})
	if err != nil && p.hasExited() {
		return nil
	}
	return err
}

// ParseSignal accepts "INT", "SIGINT", and lowercase forms.
func ParseSignal(name string) (syscall.Signal, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(normalized, "SIG") {
		normalized = "SIG" + normalized
	}
	signal := unix.SignalNum(normalized)
	if signal == 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSignal, name)
	}
	return signal, nil
}

// Signal delivers the named signal to the child. Unknown names return
// ErrUnknownSignal. No-op after exit.
func (p *Process) Signal(name string) error {
	signal, err := ParseSignal(name)
	if err != nil {
		return err
	}
	if p.hasExited() {
		return nil
	}
	if err := p.cmd.Process.Signal(signal); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("sending %s: %w", unix.SignalName(signal), err)
	}
	return nil
}

// Kill sends SIGKILL.
func (p *Process) Kill() error {
	return p.Signal("SIGKILL")
}

func (p *Process) readLoop() {
	defer close(p.readerDone)
	buffer := make([]byte, readBufferSize)
	for {
		count, err := p.master.Read(buffer)
		if count > 0 {
			if !p.deliver(append([]byte(nil), buffer[:count]...)) {
				return
			}
		}
		if err != nil {
			// EIO is how Linux reports that every slave descriptor has
			// closed. Anything else also ends output.
			if !errors.Is(err, unix.EIO) && !errors.Is(err, os.ErrClosed) {
				p.logger.Debug("pty read ended", "error", err)
			}
			return
		}
	}
}

func (p *Process) deliver(data []byte) bool {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.sealed {
		return false
	}
	select {
	case p.events <- Event{Data: data}:
		return true
	case <-p.abandon:
		return false
	}
}

func (p *Process) writeLoop() {
	for {
		select {
		case <-p.writeNotify:
		case <-p.exited:
			return
		}
		p.writeMu.Lock()
		queue := p.writeQueue
		p.writeQueue = nil
		p.writeMu.Unlock()
		for _, chunk := range queue {
			if _, err := p.master.Write(chunk); err != nil {
				if !p.hasExited() {
					p.logger.Warn("pty write failed", "error", err)
				}
				return
			}
		}
	}
}

func (p *Process) waitLoop() {
	if err := p.cmd.Wait(); err != nil && p.cmd.ProcessState == nil {
		p.logger.Warn("waiting for child failed", "error", err)
	}
	status := exitStatus(p.cmd.ProcessState)
	close(p.exited)

	select {
	case <-p.readerDone:
	case <-p.clock.After(p.grace):
		p.logger.Warn("pty output still open after exit, abandoning remaining output",
			"grace", p.grace)
		close(p.abandon)
		p.closeMasterOnce()
	}

	p.sendMu.Lock()
	p.sealed = true
	p.events <- Event{Exit: &status}
	close(p.events)
	p.sendMu.Unlock()

	p.closeMasterOnce()
}

func (p *Process) closeMasterOnce() {
	p.closeMaster.Do(func() { p.master.Close() })
}

func exitStatus(state *os.ProcessState) ExitStatus {
	if state == nil {
		code := -1
		return ExitStatus{Code: &code}
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return ExitStatus{Signal: unix.SignalName(status.Signal())}
	}
	code := state.ExitCode()
	return ExitStatus{Code: &code}
}
