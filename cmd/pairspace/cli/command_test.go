// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string

	root := &Command{
		Name: "pairspace",
		Subcommands: []*Command{
			{
				Name: "version",
				Run: func(args []string) error {
					called = "version"
					return nil
				},
			},
			{
				Name: "join",
				Run: func(args []string) error {
					called = "join"
					return nil
				},
			},
		},
	}

	if err := root.Execute([]string{"join"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "join" {
		t.Errorf("dispatched to %q, want %q", called, "join")
	}
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var language string
	var session string

	command := &Command{
		Name: "join",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("join", pflag.ContinueOnError)
			flagSet.StringVarP(&language, "language", "l", "javascript", "document language")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				session = args[0]
			}
			return nil
		},
	}

	if err := command.Execute([]string{"-l", "go", "pair-1"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if language != "go" {
		t.Errorf("language = %q, want %q", language, "go")
	}
	if session != "pair-1" {
		t.Errorf("session = %q, want %q", session, "pair-1")
	}
}

func TestCommand_Execute_UnknownFlagSuggestion(t *testing.T) {
	command := &Command{
		Name: "join",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("join", pflag.ContinueOnError)
			flagSet.String("language", "javascript", "document language")
			flagSet.Bool("media", false, "join the conference")
			return flagSet
		},
		Run: func(args []string) error { return nil },
	}

	err := command.Execute([]string{"--langauge", "go"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "did you mean --language") {
		t.Errorf("error = %q, want suggestion for '--language'", errStr)
	}
	if !strings.Contains(errStr, "--help") {
		t.Errorf("error = %q, should point to --help", errStr)
	}
}

func TestCommand_Execute_UnknownFlagNoSuggestion(t *testing.T) {
	command := &Command{
		Name: "join",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("join", pflag.ContinueOnError)
			flagSet.Bool("media", false, "join the conference")
			return flagSet
		},
		Run: func(args []string) error { return nil },
	}

	err := command.Execute([]string{"--zzzzzzzzz"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %q, should not suggest for distant flag", err.Error())
	}
}

func TestCommand_Execute_UnknownSubcommandSuggestion(t *testing.T) {
	root := &Command{
		Name: "pairspace",
		Subcommands: []*Command{
			{Name: "join"},
			{Name: "run"},
			{Name: "version"},
		},
	}

	err := root.Execute([]string{"verison"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if !strings.Contains(err.Error(), "did you mean \"version\"") {
		t.Errorf("error = %q, want suggestion for 'version'", err.Error())
	}
}

func TestCommand_Execute_HelpFlag(t *testing.T) {
	for _, helpArg := range []string{"-h", "--help", "help"} {
		t.Run(helpArg, func(t *testing.T) {
			var buffer bytes.Buffer
			root := &Command{
				Name:    "pairspace",
				Summary: "Collaborative editing sessions",
				Output:  &buffer,
				Subcommands: []*Command{
					{Name: "join", Summary: "Join a session"},
				},
			}

			if err := root.Execute([]string{helpArg}); err != nil {
				t.Errorf("Execute(%q) error: %v", helpArg, err)
			}
			if !strings.Contains(buffer.String(), "Join a session") {
				t.Errorf("help output missing subcommand summary:\n%s", buffer.String())
			}
		})
	}
}

func TestCommand_Execute_NoArgsShowsHelp(t *testing.T) {
	root := &Command{
		Name:   "pairspace",
		Output: io.Discard,
		Subcommands: []*Command{
			{Name: "join", Summary: "Join a session"},
		},
	}

	err := root.Execute([]string{})
	if err == nil {
		t.Fatal("Execute() = nil, want error for missing subcommand")
	}
	if !strings.Contains(err.Error(), "subcommand required") {
		t.Errorf("error = %q, want 'subcommand required'", err.Error())
	}
}

func TestCommand_Execute_PropagatesExitError(t *testing.T) {
	command := &Command{
		Name: "run",
		Run:  func(args []string) error { return &ExitError{Code: 3} },
	}

	err := command.Execute(nil)
	var exit *ExitError
	if !errors.As(err, &exit) || exit.ExitCode() != 3 {
		t.Errorf("Execute() = %v, want ExitError with code 3", err)
	}
}

func TestCommand_PrintHelp(t *testing.T) {
	root := &Command{Name: "pairspace"}
	join := &Command{
		Name:        "join",
		Description: "Join a collaborative session.",
		Usage:       "pairspace join [flags] <session>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("join", pflag.ContinueOnError)
			flagSet.String("language", "javascript", "document language")
			return flagSet
		},
		Examples: []Example{
			{Description: "Pair on a Go file", Command: "pairspace join --language go pair-1"},
		},
		parent: root,
	}

	var buffer bytes.Buffer
	join.PrintHelp(&buffer)
	output := buffer.String()

	for _, want := range []string{
		"Join a collaborative session.",
		"pairspace join [flags] <session>",
		"Flags:",
		"--language",
		"Examples:",
		"# Pair on a Go file",
		"pairspace join --language go pair-1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q\n\nFull output:\n%s", want, output)
		}
	}
}

func TestCommand_FullName(t *testing.T) {
	root := &Command{Name: "pairspace"}
	join := &Command{Name: "join", parent: root}

	if got := root.fullName(); got != "pairspace" {
		t.Errorf("root.fullName() = %q, want %q", got, "pairspace")
	}
	if got := join.fullName(); got != "pairspace join" {
		t.Errorf("join.fullName() = %q, want %q", got, "pairspace join")
	}
}
