// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for pairspace binaries and
// the sync protocol revision they speak.
//
// Build fields are injected with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/pairspace/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Protocol is the sync envelope revision. Peers reject envelopes with
// a different revision instead of guessing at their layout.
const Protocol = 1

// Info returns a one-line version string for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full adds the toolchain, platform, and protocol revision to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s\n  Sync protocol: %d",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH, Protocol)
}
