// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/bureau-foundation/termrelay/client"
	"github.com/bureau-foundation/termrelay/cmd/termrelay/cli"
	"github.com/bureau-foundation/termrelay/protocol"
	"github.com/bureau-foundation/termrelay/transcript"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

// errDetached ends an attach at the user's request.
var errDetached = errors.New("detached")

// attach relays the terminal to session id until the session ends,
// the user detaches, or ctx is cancelled.
func (a *app) attach(ctx context.Context, c *client.Client, id string) error {
	stream, err := c.Attach(ctx, id)
	if err != nil {
		return cli.Classify(err)
	}
	defer stream.Close()

	// The resize follower stops before attach returns.
	ctx, cancel := context.WithCancel(ctx)
	var following sync.WaitGroup
	defer func() {
		cancel()
		following.Wait()
	}()

	fd := int(a.stdin.Fd())
	interactive := term.IsTerminal(fd)
	if interactive {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return cli.Internal("switching terminal to raw mode: %w", err)
		}
		defer term.Restore(fd, state)
		following.Add(1)
		go func() {
			defer following.Done()
			a.followTerminalSize(ctx, c, id, fd)
		}()
		fmt.Fprintf(a.stderr, "[attached to %s; Ctrl-] detaches]\r\n", id)
	}

	output := make(chan error, 1)
	go func() { output <- a.relayOutput(stream, interactive) }()
	input := make(chan error, 1)
	go func() { input <- relayInput(a.stdin, stream) }()

	for {
		select {
		case err := <-output:
			return err
		case err := <-input:
			if errors.Is(err, errDetached) {
				if interactive {
					fmt.Fprintf(a.stderr, "\r\n[detached from %s]\r\n", id)
				}
				return nil
			}
			if err != nil {
				return cli.Transient("sending input: %w", err)
			}
			// Input ended; keep showing output until the session ends.
			input = nil
		case <-ctx.Done():
			return nil
		}
	}
}

// relayOutput writes program output to stdout until the stream closes.
func (a *app) relayOutput(stream *client.Stream, interactive bool) error {
	newline := "\n"
	if interactive {
		newline = "\r\n"
	}
	for {
		frame, err := stream.Next()
		if err != nil {
			return closeResult(err)
		}
		switch frame.Type {
		case transcript.Stdout:
			if _, err := io.WriteString(a.stdout, frame.Data); err != nil {
				return cli.Internal("writing output: %w", err)
			}
		case transcript.Exit:
			fmt.Fprintf(a.stderr, "%s[%s]%s", newline, describeExit(frame.Event), newline)
		case protocol.TypeError:
			fmt.Fprintf(a.stderr, "%s[server: %s]%s", newline, frame.Message, newline)
		}
	}
}

// closeResult maps the end of a stream to the command's result.
func closeResult(err error) error {
	var closed *client.ClosedError
	if !errors.As(err, &closed) {
		return cli.Transient("connection lost: %w", err)
	}
	switch closed.Reason {
	case protocol.CloseSessionEnded:
		return nil
	case protocol.CloseSessionNotFound:
		return cli.NotFound("session not found").WithHint("Run 'termrelay list' to see the server's sessions.")
	case protocol.CloseViewerBacklog:
		return cli.Transient("disconnected: this terminal fell too far behind the session").
			WithHint("Attach again to resume from the session's history.")
	case protocol.CloseServerShutdown:
		return cli.Transient("server shutting down")
	}
	return cli.Transient("%w", err)
}

// relayInput forwards stdin to the session. It returns errDetached
// when the detach key is read, and nil at end of input.
func relayInput(stdin io.Reader, stream *client.Stream) error {
	buffer := make([]byte, 4096)
	for {
		count, err := stdin.Read(buffer)
		if count > 0 {
			chunk := buffer[:count]
			index := bytes.IndexByte(chunk, detachKey)
			if index >= 0 {
				chunk = chunk[:index]
			}
			if len(chunk) > 0 {
				if sendErr := stream.SendInput(string(chunk), ""); sendErr != nil {
					return sendErr
				}
			}
			if index >= 0 {
				return errDetached
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// followTerminalSize resizes the session to this terminal now and on
// every SIGWINCH.
func (a *app) followTerminalSize(ctx context.Context, c *client.Client, id string, fd int) {
	changes := make(chan os.Signal, 1)
	signal.Notify(changes, syscall.SIGWINCH)
	defer signal.Stop(changes)

	for {
		if columns, rows, err := term.GetSize(fd); err == nil {
			// A closed session rejects resizes; the output relay reports
			// its end.
			_ = c.Resize(ctx, id, columns, rows)
		}
		select {
		case <-changes:
		case <-ctx.Done():
			return
		}
	}
}
