// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/termrelay/client"
	"github.com/bureau-foundation/termrelay/cmd/termrelay/cli"
	"github.com/bureau-foundation/termrelay/lib/version"
	"github.com/bureau-foundation/termrelay/session"
	"github.com/bureau-foundation/termrelay/transcript"
)

// serverEnvironmentVariable overrides the default server address.
const serverEnvironmentVariable = "TERMRELAY_URL"

const defaultServer = "http://localhost:3000"

// app holds the streams and global flags shared by every command.
type app struct {
	stdin  *os.File
	stdout io.Writer
	stderr io.Writer

	server     string
	outputJSON bool
}

// globalFlags adds --server and --json to flagSet.
func (a *app) globalFlags(flagSet *pflag.FlagSet) {
	fallback := os.Getenv(serverEnvironmentVariable)
	if fallback == "" {
		fallback = defaultServer
	}
	flagSet.StringVar(&a.server, "server", fallback, "termrelay-server base URL (env "+serverEnvironmentVariable+")")
	flagSet.BoolVar(&a.outputJSON, "json", false, "output as JSON")
}

func (a *app) client() (*client.Client, error) {
	c, err := client.New(a.server, nil)
	if err != nil {
		return nil, cli.Validation("%v", err)
	}
	return c, nil
}

// context returns a context cancelled by SIGINT or SIGTERM.
func (a *app) context() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func (a *app) emit(value any, text func(w io.Writer) error) error {
	if a.outputJSON {
		return cli.WriteJSON(a.stdout, value)
	}
	return text(a.stdout)
}

func root(stdin *os.File, stdout, stderr io.Writer) *cli.Command {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	return &cli.Command{
		Name:        "termrelay",
		Description: "Create, inspect, and attach to interactive sessions on a termrelay server.",
		Subcommands: []*cli.Command{
			a.listCommand(),
			a.createCommand(),
			a.showCommand(),
			a.transcriptCommand(),
			a.closeCommand(),
			a.attachCommand(),
			a.versionCommand(),
		},
	}
}

func (a *app) versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			_, err := fmt.Fprintf(a.stdout, "termrelay %s\n", version.Info())
			return err
		},
	}
}

func (a *app) listCommand() *cli.Command {
	var stored bool
	return &cli.Command{
		Name:    "list",
		Summary: "List sessions",
		Description: "List the sessions the server holds, oldest first. With --stored, list\n" +
			"the sessions that have transcripts in the server's backend instead.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			a.globalFlags(flagSet)
			flagSet.BoolVar(&stored, "stored", false, "list stored transcripts instead of live sessions")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return cli.Validation("list takes no arguments")
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context()
			defer cancel()

			if stored {
				ids, err := c.ListTranscripts(ctx)
				if err != nil {
					return cli.Classify(err)
				}
				return a.emit(ids, func(w io.Writer) error {
					for _, id := range ids {
						fmt.Fprintln(w, id)
					}
					return nil
				})
			}

			sessions, err := c.ListSessions(ctx)
			if err != nil {
				return cli.Classify(err)
			}
			return a.emit(sessions, func(w io.Writer) error {
				if len(sessions) == 0 {
					fmt.Fprintln(a.stderr, "no sessions")
					return nil
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCREATED\tSTATE\tVIEWERS\tREPO")
				for _, summary := range sessions {
					state := "running"
					if summary.Closed {
						state = "closed"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
						summary.ID, summary.CreatedAt.Local().Format(time.DateTime), state, summary.Viewers, summary.RepoPath)
				}
				return tw.Flush()
			})
		},
	}
}

func (a *app) createCommand() *cli.Command {
	var request session.Request
	var executable string
	var environment []string
	var attach bool
	return &cli.Command{
		Name:    "create",
		Summary: "Start a session",
		Usage:   "termrelay create [flags] [-- args...]",
		Description: "Start a session on the server and print its id. Arguments after --\n" +
			"replace the server's configured program arguments.",
		Examples: []cli.Example{
			{Description: "Start in a repository with full auto-approval", Command: "termrelay create --repo ~/src/app --approval-mode full"},
			{Description: "Start and attach with an opening prompt", Command: "termrelay create --message 'summarize this repo' --attach"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
			a.globalFlags(flagSet)
			flagSet.StringVar(&request.RepoPath, "repo", "", "working directory for the program")
			flagSet.StringVar(&request.ApprovalMode, "approval-mode", "", "suggest, auto-edit, or full-auto (aliases: read-only, auto, full)")
			flagSet.StringVar(&request.Model, "model", "", "model name passed to the program")
			flagSet.StringVar(&request.InitialMessage, "message", "", "message typed into the program once it starts")
			flagSet.StringVar(&executable, "executable", "", "program to run instead of the server's default")
			flagSet.StringArrayVar(&environment, "env", nil, "KEY=VALUE added to the program's environment (repeatable)")
			flagSet.BoolVar(&attach, "attach", false, "attach to the session after creating it")
			return flagSet
		},
		Run: func(args []string) error {
			if executable != "" || len(args) > 0 || len(environment) > 0 {
				request.Command = &session.CommandRequest{Executable: executable}
				if len(args) > 0 {
					request.Command.Args = args
				}
				if len(environment) > 0 {
					request.Command.Env = make(map[string]string, len(environment))
					for _, entry := range environment {
						key, value, ok := strings.Cut(entry, "=")
						if !ok || key == "" {
							return cli.Validation("--env %q: want KEY=VALUE", entry)
						}
						request.Command.Env[key] = value
					}
				}
			}
			if request.ApprovalMode != "" && session.CanonicalApprovalMode(request.ApprovalMode) == "" {
				return cli.Validation("unknown approval mode %q", request.ApprovalMode).
					WithHint("Use suggest, auto-edit, or full-auto.")
			}

			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context()
			defer cancel()
			created, err := c.CreateSession(ctx, request)
			if err != nil {
				return cli.Classify(err)
			}
			if attach {
				return a.attach(ctx, c, created.SessionID)
			}
			return a.emit(created, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, created.SessionID)
				return err
			})
		},
	}
}

func (a *app) showCommand() *cli.Command {
	return &cli.Command{
		Name:    "show",
		Summary: "Show one session",
		Usage:   "termrelay show [flags] <session-id>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
			a.globalFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			id, err := oneSessionID(args)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context()
			defer cancel()
			summary, err := c.GetSession(ctx, id)
			if err != nil {
				return notFoundHint(cli.Classify(err))
			}
			return a.emit(summary, func(w io.Writer) error {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "id:\t%s\n", summary.ID)
				fmt.Fprintf(tw, "repo:\t%s\n", summary.RepoPath)
				fmt.Fprintf(tw, "created:\t%s\n", summary.CreatedAt.Local().Format(time.RFC3339))
				fmt.Fprintf(tw, "command:\t%s\n", strings.Join(append([]string{summary.Command.Executable}, summary.Command.Args...), " "))
				if summary.ApprovalMode != "" {
					fmt.Fprintf(tw, "approval mode:\t%s\n", summary.ApprovalMode)
				}
				if summary.Model != "" {
					fmt.Fprintf(tw, "model:\t%s\n", summary.Model)
				}
				fmt.Fprintf(tw, "closed:\t%t\n", summary.Closed)
				fmt.Fprintf(tw, "viewers:\t%d\n", summary.Viewers)
				return tw.Flush()
			})
		},
	}
}

func (a *app) transcriptCommand() *cli.Command {
	var raw bool
	return &cli.Command{
		Name:    "transcript",
		Summary: "Print a session's stored transcript",
		Usage:   "termrelay transcript [flags] <session-id>",
		Description: "Print the transcript the server stored for a session. By default the\n" +
			"program output is written as-is with input and exit events annotated;\n" +
			"--raw writes only the output.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("transcript", pflag.ContinueOnError)
			a.globalFlags(flagSet)
			flagSet.BoolVar(&raw, "raw", false, "write only program output")
			return flagSet
		},
		Run: func(args []string) error {
			id, err := oneSessionID(args)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context()
			defer cancel()
			events, err := c.Transcript(ctx, id)
			if err != nil {
				return cli.Classify(err)
			}
			return a.emit(events, func(w io.Writer) error {
				for _, event := range events {
					if err := writeEvent(w, event, raw); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

// writeEvent renders one transcript event for a terminal.
func writeEvent(w io.Writer, event transcript.Event, raw bool) error {
	if event.Type == transcript.Stdout {
		_, err := io.WriteString(w, event.Data)
		return err
	}
	if raw {
		return nil
	}
	var err error
	switch event.Type {
	case transcript.SessionCreated:
		_, err = fmt.Fprintf(w, "[session %s created in %s at %s]\n", event.SessionID, event.RepoPath, event.At.Local().Format(time.RFC3339))
	case transcript.Stdin:
		_, err = fmt.Fprintf(w, "[%s typed %q]\n", event.Author, event.Data)
	case transcript.Exit:
		_, err = fmt.Fprintf(w, "\n[%s]\n", describeExit(event))
	case transcript.Error:
		_, err = fmt.Fprintf(w, "\n[error: %s]\n", event.Message)
	}
	return err
}

func describeExit(event transcript.Event) string {
	switch {
	case event.Signal != nil:
		return "exited on " + *event.Signal
	case event.Code != nil:
		return fmt.Sprintf("exited with status %d", *event.Code)
	}
	return "exited"
}

func (a *app) closeCommand() *cli.Command {
	var signalName string
	return &cli.Command{
		Name:    "close",
		Summary: "Close a session",
		Usage:   "termrelay close [flags] <session-id>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("close", pflag.ContinueOnError)
			a.globalFlags(flagSet)
			flagSet.StringVar(&signalName, "signal", "", "signal sent to the program (default SIGTERM)")
			return flagSet
		},
		Run: func(args []string) error {
			id, err := oneSessionID(args)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context()
			defer cancel()
			if err := c.CloseSession(ctx, id, signalName); err != nil {
				return notFoundHint(cli.Classify(err))
			}
			return nil
		},
	}
}

func (a *app) attachCommand() *cli.Command {
	return &cli.Command{
		Name:    "attach",
		Summary: "Attach this terminal to a session",
		Usage:   "termrelay attach [flags] <session-id>",
		Description: "Replay a session's history and relay this terminal to it. Press\n" +
			"Ctrl-] to detach; the session keeps running.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("attach", pflag.ContinueOnError)
			a.globalFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			id, err := oneSessionID(args)
			if err != nil {
				return err
			}
			c, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context()
			defer cancel()
			return a.attach(ctx, c, id)
		},
	}
}

func oneSessionID(args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", cli.Validation("expected exactly one session id")
	}
	return args[0], nil
}

func notFoundHint(err error) error {
	if toolErr, ok := err.(*cli.ToolError); ok && toolErr.Category == cli.CategoryNotFound {
		return toolErr.WithHint("Run 'termrelay list' to see the server's sessions.")
	}
	return err
}
