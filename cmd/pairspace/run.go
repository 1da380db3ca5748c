// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/pairspace/cmd/pairspace/cli"
	"github.com/bureau-foundation/pairspace/execution"
	"github.com/bureau-foundation/pairspace/session"
)

// languageByExtension maps source file extensions to sandbox language
// names.
var languageByExtension = map[string]string{
	".js":    "javascript",
	".mjs":   "javascript",
	".py":    "python",
	".java":  "java",
	".cpp":   "cpp",
	".cc":    "cpp",
	".ts":    "typescript",
	".cs":    "csharp",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin",
	".dart":  "dart",
	".go":    "go",
	".rb":    "ruby",
	".scala": "scala",
	".rs":    "rust",
	".erl":   "erlang",
	".ex":    "elixir",
	".exs":   "elixir",
}

type runParams struct {
	common    commonFlags
	language  string
	stdinPath string
	json      bool
}

func runCommand() *cli.Command {
	var params runParams
	return &cli.Command{
		Name:    "run",
		Summary: "Run a source file in the execution sandbox",
		Description: `Submit a source file to the execution sandbox and print its output.

The language comes from --language or the file extension. The command
exits with the program's exit status.`,
		Usage: "pairspace run [flags] <file>",
		Examples: []cli.Example{
			{Description: "Run a Python script", Command: "pairspace run main.py"},
			{Description: "Feed input from a file", Command: "pairspace run --stdin input.txt solution.go"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			params.common.register(flagSet)
			flagSet.StringVarP(&params.language, "language", "l", "", "sandbox language (default: from the file extension)")
			flagSet.StringVar(&params.stdinPath, "stdin", "", "file whose contents become the program's stdin")
			flagSet.BoolVar(&params.json, "json", false, "print the result as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one source file")
			}
			cfg, err := params.common.load()
			if err != nil {
				return err
			}
			logger := cli.NewCommandLogger(params.common.verbose).With("command", "run")
			sandbox, err := buildSandbox(cfg, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runFile(ctx, sandbox, args[0], params, os.Stdout)
		},
	}
}

// runFile submits path to sandbox and writes the result to w. A
// program that exits non-zero yields an ExitError with its status.
func runFile(ctx context.Context, sandbox session.Executor, path string, params runParams, w io.Writer) error {
	source, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	language := params.language
	if language == "" {
		language = languageByExtension[strings.ToLower(filepath.Ext(path))]
		if language == "" {
			return fmt.Errorf("cannot tell the language of %s; pass --language", path)
		}
	}
	var stdin []byte
	if params.stdinPath != "" {
		if stdin, err = os.ReadFile(params.stdinPath); err != nil {
			return err
		}
	}

	result, err := sandbox.Execute(ctx, string(source), language, string(stdin))
	if err != nil {
		return err
	}

	if params.json {
		if err := cli.WriteJSON(w, result); err != nil {
			return err
		}
	} else {
		fmt.Fprint(w, result.Output)
		if !strings.HasSuffix(result.Output, "\n") {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "-- %s, %s, %d KB\n", result.Status, result.Time, result.MemoryKB)
	}

	if result.ExitCode != nil && *result.ExitCode != 0 {
		return &cli.ExitError{Code: *result.ExitCode}
	}
	return nil
}

var _ session.Executor = (*execution.Client)(nil)
