// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package terminal

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testEnv = []string{"PATH=/usr/bin:/bin", "HOME=/tmp", "LANG=C"}

func spawnShell(t *testing.T, script string) *Process {
	t.Helper()
	process, err := Spawn(Spec{
		Executable: "sh",
		Args:       []string{"-c", script},
		Dir:        t.TempDir(),
		Env:        testEnv,
		Columns:    100,
		Rows:       30,
		TermName:   "xterm-color",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { _ = process.Kill() })
	return process
}

// drain reads events until the channel closes and returns the output
// and the exit status. It fails if more than one exit arrives or any
// data follows the exit.
func drain(t *testing.T, process *Process) (string, ExitStatus) {
	t.Helper()
	var output strings.Builder
	var exit *ExitStatus
	timeout := time.After(10 * time.Second) //nolint:realclock test hang prevention
	for {
		select {
		case event, ok := <-process.Events():
			if !ok {
				if exit == nil {
					t.Fatal("events closed without an exit event")
				}
				return output.String(), *exit
			}
			if exit != nil {
				t.Fatalf("event after exit: %+v", event)
			}
			if event.Exit != nil {
				exit = event.Exit
				continue
			}
			output.Write(event.Data)
		case <-timeout:
			t.Fatalf("timed out draining events; output so far %q", output.String())
		}
	}
}

func TestOutputPrecedesExit(t *testing.T) {
	t.Parallel()
	process := spawnShell(t, "echo first; echo second; exit 3")
	output, status := drain(t, process)
	if !strings.Contains(output, "first") || !strings.Contains(output, "second") {
		t.Errorf("output = %q, want both lines", output)
	}
	if status.Code == nil || *status.Code != 3 {
		t.Errorf("exit = %v, want exit code 3", status)
	}
	if status.Signal != "" {
		t.Errorf("Signal = %q, want empty", status.Signal)
	}
}

func TestWriteReachesChild(t *testing.T) {
	t.Parallel()
	process := spawnShell(t, "read line; echo got:$line")
	process.Write([]byte("hello\r"))
	output, status := drain(t, process)
	if !strings.Contains(output, "got:hello") {
		t.Errorf("output = %q, want got:hello", output)
	}
	if status.Code == nil || *status.Code != 0 {
		t.Errorf("exit = %v, want exit code 0", status)
	}
}

func TestTermAndSize(t *testing.T) {
	t.Parallel()
	process := spawnShell(t, "echo term=$TERM; stty size")
	output, _ := drain(t, process)
	if !strings.Contains(output, "term=xterm-color") {
		t.Errorf("output = %q, want term=xterm-color", output)
	}
	if !strings.Contains(output, "30 100") {
		t.Errorf("output = %q, want stty size 30 100", output)
	}
}

func TestResize(t *testing.T) {
	t.Parallel()
	process := spawnShell(t, "read line; stty size")
	if err := process.Resize(120, 50); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	process.Write([]byte("\r"))
	output, _ := drain(t, process)
	if !strings.Contains(output, "50 120") {
		t.Errorf("output = %q, want stty size 50 120", output)
	}
	if err := process.Resize(80, 24); err != nil {
		t.Errorf("Resize after exit = %v, want nil", err)
	}
}

func TestSignalTermination(t *testing.T) {
	t.Parallel()
	process := spawnShell(t, "echo ready; exec sleep 30")
	// Wait until the shell has replaced itself with sleep.
	first := <-process.Events()
	if !strings.Contains(string(first.Data), "ready") {
		t.Fatalf("first event = %+v, want ready", first)
	}
	if err := process.Signal("TERM"); err != nil {
		t.Fatalf("Signal(TERM): %v", err)
	}
	_, status := drain(t, process)
	if status.Signal != "SIGTERM" {
		t.Errorf("exit signal = %q, want SIGTERM", status.Signal)
	}
	if status.Code != nil {
		t.Errorf("exit code = %d, want none for signalled exit", *status.Code)
	}

	// Everything is a no-op once the child is gone.
	process.Write([]byte("ignored"))
	if err := process.Signal("SIGINT"); err != nil {
		t.Errorf("Signal after exit = %v, want nil", err)
	}
}

func TestParseSignal(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"INT", "SIGINT", "sigint", " int "} {
		signal, err := ParseSignal(name)
		if err != nil {
			t.Errorf("ParseSignal(%q): %v", name, err)
			continue
		}
		if signal.String() != "interrupt" {
			t.Errorf("ParseSignal(%q) = %v, want interrupt", name, signal)
		}
	}
	if _, err := ParseSignal("SIGBOGUS"); !errors.Is(err, ErrUnknownSignal) {
		t.Errorf("ParseSignal(SIGBOGUS) = %v, want ErrUnknownSignal", err)
	}
}

func TestUnknownSignalRejectedWhileRunning(t *testing.T) {
	t.Parallel()
	process := spawnShell(t, "exec sleep 30")
	if err := process.Signal("NOPE"); !errors.Is(err, ErrUnknownSignal) {
		t.Errorf("Signal(NOPE) = %v, want ErrUnknownSignal", err)
	}
	if err := process.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	_, status := drain(t, process)
	if status.Signal != "SIGKILL" {
		t.Errorf("exit signal = %q, want SIGKILL", status.Signal)
	}
}

func TestSpawnErrors(t *testing.T) {
	t.Parallel()
	directory := t.TempDir()
	file := filepath.Join(directory, "regular")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tests := []struct {
		name string
		spec Spec
		want error
	}{
		{"missing executable", Spec{Executable: "termrelay-no-such-program", Dir: directory, Env: testEnv}, exec.ErrNotFound},
		{"missing directory", Spec{Executable: "sh", Dir: filepath.Join(directory, "absent"), Env: testEnv}, os.ErrNotExist},
		{"file as directory", Spec{Executable: "sh", Dir: file, Env: testEnv}, ErrNotDirectory},
		{"not executable", Spec{Executable: file, Dir: directory, Env: testEnv}, os.ErrPermission},
		{"empty path", Spec{Executable: "sh", Dir: directory, Env: nil}, exec.ErrNotFound},
	}
	for _, test := range tests {
		_, err := Spawn(test.spec)
		var spawnError *SpawnError
		if !errors.As(err, &spawnError) {
			t.Errorf("%s: Spawn error = %v, want *SpawnError", test.name, err)
			continue
		}
		if !errors.Is(err, test.want) {
			t.Errorf("%s: Spawn error = %v, want wrapping %v", test.name, err, test.want)
		}
	}
}

func TestResolveUsesChildPath(t *testing.T) {
	t.Parallel()
	binDirectory := t.TempDir()
	script := filepath.Join(binDirectory, "hello-tool")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho tool-ran\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	process, err := Spawn(Spec{
		Executable: "hello-tool",
		Dir:        t.TempDir(),
		Env:        []string{"PATH=" + binDirectory + ":/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	output, _ := drain(t, process)
	if !strings.Contains(output, "tool-ran") {
		t.Errorf("output = %q, want tool-ran", output)
	}
}

func TestChildEnvironmentReplacesTerm(t *testing.T) {
	t.Parallel()
	got := childEnvironment([]string{"TERM=dumb", "A=1"}, "xterm-color")
	want := []string{"A=1", "TERM=xterm-color"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("childEnvironment = %v, want %v", got, want)
	}
}
