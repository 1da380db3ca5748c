// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfo_MarksDirtyBuilds(t *testing.T) {
	original := GitDirty
	t.Cleanup(func() { GitDirty = original })

	GitDirty = "true"
	if !strings.Contains(Info(), "-dirty") {
		t.Errorf("Info() = %q, want a -dirty marker", Info())
	}
	GitDirty = "false"
	if strings.Contains(Info(), "-dirty") {
		t.Errorf("Info() = %q, want no -dirty marker", Info())
	}
}

func TestFull_IncludesProtocol(t *testing.T) {
	if !strings.Contains(Full(), "Sync protocol: 1") {
		t.Errorf("Full() = %q", Full())
	}
}
