// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// TokenSource issues conference credentials.
type TokenSource interface {
	FetchToken(ctx context.Context, room, participant string) (string, error)
}

// Provider opens conferences.
type Provider interface {
	Join(ctx context.Context, serverURL, token string, local Identity) (Conference, error)
}

// Conference is one joined conference.
//
// Events delivers remote activity until the conference is lost or left.
// A lost conference sends Disconnected; after Leave the channel is
// abandoned and emitters stop.
type Conference interface {
	Events() <-chan Event
	Publish(ctx context.Context, kind Kind, capture Capture) (publicationID string, err error)
	Unpublish(ctx context.Context, publicationID string) error
	Leave() error
}

// CaptureDevice hands out exclusive capture handles per kind.
type CaptureDevice interface {
	// Acquire returns an error wrapping ErrCaptureUnavailable when the
	// kind cannot be captured.
	Acquire(ctx context.Context, kind Kind) (Capture, error)
}

// Capture is a live capture source. Release stops it; further calls
// are no-ops.
type Capture interface {
	Kind() Kind
	Track() webrtc.TrackLocal
	Release() error
}
