// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
)

// Signaler abstracts the mechanism for exchanging WebRTC session
// descriptions between a client and a relay. The production
// implementation stores offers and answers in Redis hashes; tests use
// an in-process map.
//
// The signaling model is vanilla ICE: all ICE candidates are gathered
// before the SDP is published, so connection establishment requires
// exactly one signaling round-trip (offer, then answer).
type Signaler interface {
	// PublishOffer publishes a complete SDP offer directed at a target
	// peer. localpart is the offerer's peer name, targetLocalpart the
	// intended recipient. The implementation stores the SDP under the
	// key "<localpart>|<targetLocalpart>".
	PublishOffer(ctx context.Context, localpart, targetLocalpart, sdp string) error

	// PublishAnswer publishes a complete SDP answer in response to a
	// previously received offer, under the same key as the offer:
	// "<offererLocalpart>|<localpart>".
	PublishAnswer(ctx context.Context, offererLocalpart, localpart, sdp string) error

	// PollOffers returns offers directed at localpart that are newer
	// than the last ones returned.
	PollOffers(ctx context.Context, localpart string) ([]SignalMessage, error)

	// PollAnswers returns answers to offers originated by localpart
	// that are newer than the last ones returned.
	PollAnswers(ctx context.Context, localpart string) ([]SignalMessage, error)
}

// SignalMessage represents a signaling message (offer or answer).
type SignalMessage struct {
	// PeerLocalpart is the other party. For received offers this is
	// the offerer; for received answers it is the answerer.
	PeerLocalpart string `cbor:"peer"`

	// SDP is the complete Session Description Protocol string with all
	// ICE candidates embedded.
	SDP string `cbor:"sdp"`

	// Timestamp is the RFC 3339 creation time of the signal.
	Timestamp string `cbor:"ts"`
}

// signalingSeparator separates the offerer and target peer names in a
// signal key. Peer names never contain it.
const signalingSeparator = "|"

// signalKeyMatcher reports whether a signal key concerns localpart and,
// if so, returns the other party's name.
type signalKeyMatcher func(key, localpart string) (string, bool)

// matchOfferKey matches "<offerer>|<localpart>".
func matchOfferKey(key, localpart string) (string, bool) {
	offerer, found := strings.CutSuffix(key, signalingSeparator+localpart)
	if !found || offerer == "" {
		return "", false
	}
	return offerer, true
}

// matchAnswerKey matches "<localpart>|<target>".
func matchAnswerKey(key, localpart string) (string, bool) {
	target, found := strings.CutPrefix(key, localpart+signalingSeparator)
	if !found || target == "" {
		return "", false
	}
	return target, true
}
