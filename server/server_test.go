// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/termrelay/lib/clock"
	"github.com/bureau-foundation/termrelay/lib/netutil"
	"github.com/bureau-foundation/termrelay/protocol"
	"github.com/bureau-foundation/termrelay/session"
	"github.com/bureau-foundation/termrelay/terminal"
	"github.com/bureau-foundation/termrelay/transcript"
)

const testTimeout = 5 * time.Second

type stubProcess struct {
	events  chan terminal.Event
	resizes chan [2]int
	once    sync.Once
}

func (p *stubProcess) Events() <-chan terminal.Event { return p.events }
func (p *stubProcess) Write([]byte)                 {}
func (p *stubProcess) Signal(string) error          { p.exit(143); return nil }
func (p *stubProcess) Kill() error                  { p.exit(137); return nil }

func (p *stubProcess) Resize(columns, rows int) error {
	p.resizes <- [2]int{columns, rows}
	return nil
}

func (p *stubProcess) exit(code int) {
	p.once.Do(func() {
		p.events <- terminal.Event{Exit: &terminal.ExitStatus{Code: &code}}
		close(p.events)
	})
}

type fixture struct {
	server  *Server
	http    *httptest.Server
	manager *session.Manager
	clock   *clock.FakeClock

	mu        sync.Mutex
	processes []*stubProcess
	spawnErr  error
}

func newFixture(t *testing.T, store transcript.Store) *fixture {
	t.Helper()
	f := &fixture{clock: clock.Fake(time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC))}
	f.manager = session.NewManager(session.Config{
		Store: store,
		Clock: f.clock,
		Spawn: func(spec terminal.Spec) (session.Process, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.spawnErr != nil {
				return nil, f.spawnErr
			}
			process := &stubProcess{events: make(chan terminal.Event, 16), resizes: make(chan [2]int, 16)}
			f.processes = append(f.processes, process)
			return process, nil
		},
		WorkingDirectory: t.TempDir(),
		Environ:          func() []string { return []string{"PATH=/bin"} },
		ClosedRetention:  time.Hour,
	})
	server, err := New(Config{Manager: f.manager, Store: store, Clock: f.clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.server = server
	f.http = httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		f.http.Close()
	})
	return f
}

func (f *fixture) process(index int) *stubProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processes[index]
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	switch value := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(value)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	request, err := http.NewRequest(method, f.http.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	response, err := f.http.Client().Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { response.Body.Close() })
	return response
}

func expectStatus(t *testing.T, response *http.Response, want int) {
	t.Helper()
	if response.StatusCode != want {
		t.Fatalf("%s %s: status = %d, want %d (body %s)",
			response.Request.Method, response.Request.URL.Path, response.StatusCode, want, netutil.ErrorBody(response.Body))
	}
}

func decode[T any](t *testing.T, response *http.Response) T {
	t.Helper()
	var value T
	if err := netutil.DecodeResponse(response.Body, &value); err != nil {
		t.Fatalf("decoding %s response: %v", response.Request.URL.Path, err)
	}
	return value
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	response := f.do(t, http.MethodGet, "/api/health", nil)
	expectStatus(t, response, http.StatusOK)
	health := decode[HealthResponse](t, response)
	if health.Status != "ok" || !health.Time.Equal(f.clock.Now()) {
		t.Errorf("health = %+v", health)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemoryStore()
	f := newFixture(t, store)

	response := f.do(t, http.MethodPost, "/api/sessions", map[string]any{
		"approvalMode": "full",
		"model":        "o3",
		"command":      map[string]any{"executable": "/bin/cat", "args": []string{"-u"}, "env": map[string]string{"SECRET": "x"}},
	})
	expectStatus(t, response, http.StatusCreated)
	created := decode[CreateResponse](t, response)
	if created.SessionID == "" || created.ApprovalMode != session.ApprovalFullAuto || created.Model != "o3" {
		t.Errorf("create response = %+v", created)
	}
	if created.Command.Executable != "/bin/cat" {
		t.Errorf("command = %+v", created.Command)
	}

	response = f.do(t, http.MethodGet, "/api/sessions", nil)
	expectStatus(t, response, http.StatusOK)
	list := decode[SessionListResponse](t, response)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != created.SessionID {
		t.Fatalf("list = %+v", list)
	}

	response = f.do(t, http.MethodGet, "/api/sessions/"+created.SessionID, nil)
	expectStatus(t, response, http.StatusOK)
	body, _ := io.ReadAll(response.Body)
	if bytes.Contains(body, []byte("SECRET")) {
		t.Errorf("session projection leaks environment: %s", body)
	}

	response = f.do(t, http.MethodPost, "/api/sessions/"+created.SessionID+"/resize", ResizeRequest{Columns: 120, Rows: 50})
	expectStatus(t, response, http.StatusNoContent)
	process := f.process(0)
	select {
	case got := <-process.resizes:
		if got != [2]int{120, 50} {
			t.Errorf("resize = %v, want [120 50]", got)
		}
	case <-time.After(testTimeout):
		t.Fatal("resize did not reach the process")
	}
	response = f.do(t, http.MethodPost, "/api/sessions/"+created.SessionID+"/resize", ResizeRequest{Columns: 0, Rows: 50})
	expectStatus(t, response, http.StatusBadRequest)

	response = f.do(t, http.MethodDelete, "/api/sessions/"+created.SessionID, nil)
	expectStatus(t, response, http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodGet, "/api/sessions/"+created.SessionID, nil), http.StatusNotFound)
	expectStatus(t, f.do(t, http.MethodDelete, "/api/sessions/"+created.SessionID, nil), http.StatusNotFound)

	// The transcript outlives the session.
	deadline := time.Now().Add(testTimeout)
	for {
		response = f.do(t, http.MethodGet, "/api/sessions/"+created.SessionID+"/transcript", nil)
		expectStatus(t, response, http.StatusOK)
		fetched := decode[TranscriptResponse](t, response)
		if len(fetched.Events) == 2 {
			if fetched.Events[0].Type != transcript.SessionCreated || fetched.Events[1].Type != transcript.Exit {
				t.Errorf("transcript = %+v", fetched.Events)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transcript = %+v, want session-created and exit", fetched.Events)
		}
		time.Sleep(time.Millisecond)
	}

	response = f.do(t, http.MethodGet, "/api/transcripts", nil)
	expectStatus(t, response, http.StatusOK)
	if ids := decode[TranscriptListResponse](t, response).SessionIDs; len(ids) != 1 || ids[0] != created.SessionID {
		t.Errorf("transcripts = %v", ids)
	}
}

func TestCreateErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	response := f.do(t, http.MethodPost, "/api/sessions", "{broken")
	expectStatus(t, response, http.StatusBadRequest)
	if got := decode[netutil.ErrorResponse](t, response).Error; got != messageInvalidBody {
		t.Errorf("error = %q, want %q", got, messageInvalidBody)
	}

	f.mu.Lock()
	f.spawnErr = &terminal.SpawnError{Executable: "codex", Dir: "/srv", Err: os.ErrNotExist}
	f.mu.Unlock()
	response = f.do(t, http.MethodPost, "/api/sessions", nil)
	expectStatus(t, response, http.StatusBadRequest)
	if got := decode[netutil.ErrorResponse](t, response).Error; !strings.Contains(got, "codex") {
		t.Errorf("error = %q, want it to name the executable", got)
	}
}

func TestResizeClosedSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	response := f.do(t, http.MethodPost, "/api/sessions", map[string]any{})
	expectStatus(t, response, http.StatusCreated)
	created := decode[CreateResponse](t, response)

	f.process(0).exit(0)
	target, err := f.manager.Get(created.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-target.Done():
	case <-time.After(testTimeout):
		t.Fatal("session did not exit")
	}

	expectStatus(t, f.do(t, http.MethodPost, "/api/sessions/"+created.SessionID+"/resize", ResizeRequest{Columns: 80, Rows: 24}), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodPost, "/api/sessions/missing/resize", ResizeRequest{Columns: 80, Rows: 24}), http.StatusNotFound)

	response = f.do(t, http.MethodGet, "/api/sessions/"+created.SessionID, nil)
	expectStatus(t, response, http.StatusOK)
	if summary := decode[session.Summary](t, response); !summary.Closed {
		t.Error("retained session reports closed=false")
	}
}

type brokenStore struct{}

func (brokenStore) Append(context.Context, string, transcript.Event) error { return nil }

func (brokenStore) Transcript(context.Context, string) ([]transcript.Event, error) {
	return nil, &transcript.StorageError{Op: "fetch", Err: errors.New("connection refused")}
}

func TestTranscriptErrors(t *testing.T) {
	t.Parallel()
	broken := newFixture(t, brokenStore{})
	response := broken.do(t, http.MethodGet, "/api/sessions/anything/transcript", nil)
	expectStatus(t, response, http.StatusInternalServerError)
	if got := decode[netutil.ErrorResponse](t, response).Error; !strings.Contains(got, "connection refused") {
		t.Errorf("error = %q", got)
	}
	expectStatus(t, broken.do(t, http.MethodGet, "/api/transcripts", nil), http.StatusNotImplemented)

	empty := newFixture(t, transcript.NewMemoryStore())
	response = empty.do(t, http.MethodGet, "/api/sessions/unknown/transcript", nil)
	expectStatus(t, response, http.StatusOK)
	body, _ := io.ReadAll(response.Body)
	if !bytes.Contains(body, []byte(`"events":[]`)) {
		t.Errorf("body = %s, want an empty events array", body)
	}
}

func TestWebSocketRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	response := f.do(t, http.MethodPost, "/api/sessions", nil)
	expectStatus(t, response, http.StatusCreated)
	created := decode[CreateResponse](t, response)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?sessionId=" + created.SessionID
	conn, dialResponse, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	dialResponse.Body.Close()
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	frame, err := protocol.DecodeServerFrame(payload)
	if err != nil || frame.Type != protocol.TypeWelcome || frame.SessionID != created.SessionID {
		t.Errorf("first frame = %s (%v), want welcome", payload, err)
	}
}

func TestNewRequiresManager(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Error("New without a manager succeeded")
	}
}
