// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// pairspace-relay hosts the server-side replica of every (session,
// document) key its clients open. Clients connect over WebSocket at
// /v1/sync/{session}/{document}, or over WebRTC data channels when
// relay.signaling.redis_address is set.
//
// Several relay processes can serve the same sessions: with
// relay.fanout_redis_address set, every room shares its operations
// and awareness with the same room on the other instances through
// Redis pub/sub.
//
// GET /v1/status reports the instance name, build version, wire
// protocol version, and open rooms.
package main
