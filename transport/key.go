// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"strings"
)

// Key addresses one sync channel: a document within a session. The
// reconciler reuses the same key when it reconnects.
type Key struct {
	Session  string
	Document string
}

// String renders the key as "session/document".
func (k Key) String() string {
	return k.Session + "/" + k.Document
}

// Validate rejects keys that cannot round-trip through String and
// ParseKey or through a URL path.
func (k Key) Validate() error {
	for _, part := range []struct{ name, value string }{
		{"session", k.Session},
		{"document", k.Document},
	} {
		if part.value == "" {
			return fmt.Errorf("transport: %s is empty", part.name)
		}
		if strings.ContainsAny(part.value, "/?#% ") {
			return fmt.Errorf("transport: %s %q contains a reserved character", part.name, part.value)
		}
	}
	return nil
}

// ParseKey reverses String.
func ParseKey(text string) (Key, error) {
	session, document, found := strings.Cut(text, "/")
	if !found {
		return Key{}, fmt.Errorf("transport: key %q is not session/document", text)
	}
	key := Key{Session: session, Document: document}
	if err := key.Validate(); err != nil {
		return Key{}, err
	}
	return key, nil
}
