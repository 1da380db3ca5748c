// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries the document sync protocol between a client
// and a relay.
//
// A [Channel] is one bidirectional connection for a [Key] (session and
// document). Four message kinds travel over it: [SyncStep1] (state
// summary), [SyncStep2] (the operations the other side lacks), [Update]
// (one live operation) and [AwarenessUpdate] (presence). The set is
// closed; consumers switch on the concrete type. Every message is
// wrapped in a versioned CBOR envelope by [Encode], with bodies above
// the codec's threshold compressed with zstd. Frames of an unknown kind
// are logged and dropped; any other undecodable frame ends the channel.
//
// A [Dialer] opens channels. Reconnecting with the same key resumes the
// same logical stream, so the reconciler owns reconnection and the
// dialers stay stateless:
//
//   - [WebSocketDialer] dials the relay's /v1/sync/{session}/{document}
//     route. [NewWebSocketChannel] wraps either end of a gorilla
//     connection and keeps it alive with pings.
//   - [WebRTCTransport] opens one pion data channel per key, labelled
//     with the key, over a single PeerConnection to the relay. Its
//     Serve method is the relay's listener. Signaling is abstracted
//     behind [Signaler]: [RedisSignaler] stores offers and answers in
//     Redis hashes keyed "offerer|target", [MemorySignaler] keeps them
//     in process. Signaling is vanilla ICE (all candidates gathered
//     before the SDP is published).
//   - [MemoryDialer] connects in-process [Pipe]s to an accept function
//     and can simulate outages for tests.
//
// [DataChannelConn] turns a detached, message-oriented data channel into
// a byte stream so the same CBOR stream framing ([NewStreamChannel])
// works over data channels and plain net.Conns.
//
// Dial failures wrap [ErrTransient]; callers retry them with backoff.
package transport
