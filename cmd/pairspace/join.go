// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/pairspace/cmd/pairspace/cli"
	"github.com/bureau-foundation/pairspace/roster"
	"github.com/bureau-foundation/pairspace/session"
)

type joinParams struct {
	common      commonFlags
	participant string
	displayName string
	language    string
	media       bool
	color       string
}

func joinCommand() *cli.Command {
	var params joinParams
	return &cli.Command{
		Name:    "join",
		Summary: "Join a collaborative session",
		Description: `Join a session and edit its shared document from the terminal.

Remote edits, presence changes, and chat are printed as they arrive.
Type /help inside the session for the console commands.`,
		Usage: "pairspace join [flags] <session>",
		Examples: []cli.Example{
			{Description: "Pair on the Go document of a session", Command: "pairspace join --language go interview-42"},
			{Description: "Join with audio and video", Command: "pairspace join --media --name Ada interview-42"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("join", pflag.ContinueOnError)
			params.common.register(flagSet)
			flagSet.StringVar(&params.participant, "participant", defaultParticipant(), "participant id")
			flagSet.StringVar(&params.displayName, "name", "", "display name (default: from the roster, else the participant id)")
			flagSet.StringVarP(&params.language, "language", "l", "javascript", "document to open first")
			flagSet.BoolVar(&params.media, "media", false, "join the audio/video conference")
			flagSet.StringVar(&params.color, "color", "auto", "syntax-highlight documents: auto, always, or never")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one session id")
			}
			return join(args[0], params)
		},
	}
}

func join(sessionID string, params joinParams) error {
	highlight, err := colorMode(params.color)
	if err != nil {
		return err
	}
	cfg, err := params.common.load()
	if err != nil {
		return err
	}
	logger := cli.NewCommandLogger(params.common.verbose).With(
		"command", "join",
		"session", sessionID,
		"participant", params.participant,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := buildServices(ctx, cfg, params.media, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	coordinator, err := session.New(deps.config)
	if err != nil {
		return err
	}
	defer coordinator.Close()

	participant := roster.Participant{ID: params.participant, DisplayName: params.displayName}
	if err := coordinator.Join(ctx, sessionID, participant, params.language); err != nil {
		return err
	}

	terminal := newConsole(coordinator, os.Stdout, highlight)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		terminal.watch(watchCtx)
	}()
	defer func() {
		cancelWatch()
		<-watchDone
	}()

	terminal.printf("joined %s as %s; /help lists commands\n", sessionID, participant.ID)
	err = terminal.run(ctx, os.Stdin)
	coordinator.Leave()
	return err
}

func colorMode(mode string) (bool, error) {
	switch mode {
	case "auto":
		return term.IsTerminal(int(os.Stdout.Fd())), nil
	case "always":
		return true, nil
	case "never":
		return false, nil
	}
	return false, fmt.Errorf("--color must be auto, always, or never, got %q", mode)
}

func defaultParticipant() string {
	if current, err := user.Current(); err == nil && current.Username != "" {
		return current.Username
	}
	return os.Getenv("USER")
}
