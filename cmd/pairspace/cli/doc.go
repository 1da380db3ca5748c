// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework shared by the
// pairspace binaries.
//
// The central type is [Command], a named subcommand with optional
// nested [Command.Subcommands], a [pflag.FlagSet] factory, and a Run
// function. Commands are assembled into a tree in cmd/pairspace and
// dispatched via [Command.Execute], which handles flag parsing,
// subcommand routing, and help output with examples.
//
// Unknown subcommands and flags get a "did you mean" suggestion when a
// known name is within edit distance 3.
//
// [NewCommandLogger] picks a text or JSON slog handler depending on
// whether stderr is a terminal. [ExitError] lets a command choose its
// exit status without an extra error line.
package cli
