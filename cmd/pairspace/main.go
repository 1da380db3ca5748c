// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// pairspace joins collaborative editing sessions from a terminal and
// runs programs in the execution sandbox.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCommand().Execute(os.Args[1:]); err != nil {
		// "run" passes on the sandboxed program's status and has
		// already printed its output.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
