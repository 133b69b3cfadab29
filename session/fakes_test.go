// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/termrelay/lib/clock"
	"github.com/bureau-foundation/termrelay/lib/testutil"
	"github.com/bureau-foundation/termrelay/protocol"
	"github.com/bureau-foundation/termrelay/terminal"
	"github.com/bureau-foundation/termrelay/transcript"
)

const testTimeout = 5 * time.Second

// fakeProcess is a Process driven by the test.
type fakeProcess struct {
	events chan terminal.Event

	mu       sync.Mutex
	writes   []string
	signals  []string
	resizes  [][2]int
	finished bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{events: make(chan terminal.Event, 4096)}
}

func (p *fakeProcess) Events() <-chan terminal.Event { return p.events }

func (p *fakeProcess) Write(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.finished {
		p.writes = append(p.writes, string(data))
	}
}

func (p *fakeProcess) Resize(columns, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]int{columns, rows})
	return nil
}

func (p *fakeProcess) Signal(name string) error {
	if _, err := terminal.ParseSignal(name); err != nil {
		return err
	}
	p.mu.Lock()
	p.signals = append(p.signals, name)
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Kill() error {
	if err := p.Signal("SIGKILL"); err != nil {
		return err
	}
	p.exitSignal("SIGKILL")
	return nil
}

// output emits an output chunk.
func (p *fakeProcess) output(data string) {
	p.events <- terminal.Event{Data: []byte(data)}
}

// exitCode emits the exit event and closes the stream. Later calls are
// ignored.
func (p *fakeProcess) exitCode(code int) {
	p.finish(terminal.ExitStatus{Code: &code})
}

func (p *fakeProcess) exitSignal(signal string) {
	p.finish(terminal.ExitStatus{Signal: signal})
}

func (p *fakeProcess) finish(status terminal.ExitStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.events <- terminal.Event{Exit: &status}
	close(p.events)
}

func (p *fakeProcess) writesSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

func (p *fakeProcess) signalsSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.signals...)
}

// fakeSpawner records specs and hands out fake processes.
type fakeSpawner struct {
	mu        sync.Mutex
	specs     []terminal.Spec
	processes []*fakeProcess
	err       error
}

func (s *fakeSpawner) spawn(spec terminal.Spec) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	process := newFakeProcess()
	s.specs = append(s.specs, spec)
	s.processes = append(s.processes, process)
	return process, nil
}

func (s *fakeSpawner) last() (*fakeProcess, terminal.Spec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processes[len(s.processes)-1], s.specs[len(s.specs)-1]
}

// fakeViewer records frames and close reasons.
type fakeViewer struct {
	mu      sync.Mutex
	frames  []protocol.ServerFrame
	reasons []string
	arrived chan struct{}
	closed  chan struct{}
}

func newFakeViewer() *fakeViewer {
	return &fakeViewer{arrived: make(chan struct{}, 1<<16), closed: make(chan struct{})}
}

func (v *fakeViewer) Send(frame []byte) {
	decoded, err := protocol.DecodeServerFrame(frame)
	if err != nil {
		panic("fake viewer received undecodable frame: " + string(frame))
	}
	v.mu.Lock()
	v.frames = append(v.frames, decoded)
	v.mu.Unlock()
	v.arrived <- struct{}{}
}

func (v *fakeViewer) Close(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reasons = append(v.reasons, reason)
	if len(v.reasons) == 1 {
		close(v.closed)
	}
}

func (v *fakeViewer) snapshot() []protocol.ServerFrame {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]protocol.ServerFrame(nil), v.frames...)
}

func (v *fakeViewer) closeReasons() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.reasons...)
}

// waitFrames blocks until the viewer holds at least n frames.
func (v *fakeViewer) waitFrames(t *testing.T, n int) []protocol.ServerFrame {
	t.Helper()
	for {
		frames := v.snapshot()
		if len(frames) >= n {
			return frames
		}
		testutil.RequireReceive(t, v.arrived, testTimeout, "waiting for frame %d", n)
	}
}

// eventFrames drops the welcome and session-state frames.
func eventFrames(frames []protocol.ServerFrame) []protocol.ServerFrame {
	var events []protocol.ServerFrame
	for _, frame := range frames {
		if frame.Type == protocol.TypeWelcome || frame.Type == protocol.TypeSessionState {
			continue
		}
		events = append(events, frame)
	}
	return events
}

// eventTypes renders frames as "type:data" for comparison.
func eventTypes(frames []protocol.ServerFrame) []string {
	var result []string
	for _, frame := range frames {
		entry := string(frame.Type)
		if frame.Data != "" {
			entry += ":" + frame.Data
		}
		result = append(result, entry)
	}
	return result
}

func historyTypes(events []transcript.Event) []string {
	var result []string
	for _, event := range events {
		entry := string(event.Type)
		if event.Data != "" {
			entry += ":" + event.Data
		}
		result = append(result, entry)
	}
	return result
}

type testHarness struct {
	manager *Manager
	spawner *fakeSpawner
	clock   *clock.FakeClock
	store   *transcript.MemoryStore
}

func newHarness(t *testing.T, mutate func(*Config)) *testHarness {
	t.Helper()
	harness := &testHarness{
		spawner: &fakeSpawner{},
		clock:   clock.Fake(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)),
		store:   transcript.NewMemoryStore(),
	}
	config := Config{
		Store:            harness.store,
		Spawn:            harness.spawner.spawn,
		Clock:            harness.clock,
		WorkingDirectory: t.TempDir(),
		Environ:          func() []string { return []string{"PATH=/usr/bin:/bin"} },
	}
	if mutate != nil {
		mutate(&config)
	}
	harness.manager = NewManager(config)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		for _, process := range harness.spawner.processes {
			process.exitSignal("SIGTERM")
		}
		_ = harness.manager.Shutdown(ctx)
	})
	return harness
}

// create creates a session and returns it with its fake process.
func (h *testHarness) create(t *testing.T, request Request) (*Session, *fakeProcess) {
	t.Helper()
	session, err := h.manager.Create(request)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	process, _ := h.spawner.last()
	return session, process
}

// waitHistory blocks until the session's history has n events.
func waitHistory(t *testing.T, session *Session, n int) []transcript.Event {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for {
		events := session.History()
		if len(events) >= n {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("history has %d events, want %d: %v", len(events), n, historyTypes(events))
		}
		time.Sleep(time.Millisecond) //nolint:realclock polling a goroutine-owned queue
	}
}

func mustJSON(t *testing.T, value any) string {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return string(data)
}
