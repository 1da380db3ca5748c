// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package media runs a participant's side of a session's audio/video
// conference.
//
// A [Machine] owns the conference lifecycle:
//
//	idle → joining → active → (recovering → joining)*
//	                 joining → failed   (after MaxJoinAttempts; Retry re-enters joining)
//
// Joining fetches a short-lived credential from a [TokenSource] (the
// HTTP [TokenClient] in production), then opens a [Conference] through
// a [Provider]. [WHIPProvider] is the pion-backed provider: it offers
// one audio and one video transceiver to a WHIP endpoint and publishes
// by swapping capture tracks onto those transceivers, so toggling a
// track never renegotiates.
//
// Each track kind has its own worker goroutine. Toggle requests only
// update the kind's intent and wake the worker; the worker reconciles
// the published state to whatever the intent is when it gets there,
// so a burst of on/off/on toggles collapses into at most one publish.
// Capture handles are acquired and released only by the workers, and
// a disabled or lost track always has its capture released before it
// reports [Unpublished].
//
// The remote roster is rebuilt from conference events and is cleared
// whenever the conference is lost.
package media
