// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay is the server side of document sync. A [Hub] keeps one
// room per (session, document) key. Each room is a goroutine that owns
// a server-held replica of the document and every connection to it:
//
//   - A handshake SyncStep1 is answered with the operations the client
//     lacks, followed by the room's own SyncStep1 when the client holds
//     operations the room lacks.
//   - Operations a connection delivers are merged into the room replica
//     and re-broadcast to every other connection.
//   - Awareness updates are merged into a per-replica cache, forwarded,
//     and replayed to connections that join later. When a connection
//     drops, the room announces the removal of every replica it carried,
//     stamped at the highest stamp it cached, so a reconnecting client
//     supersedes the removal by re-announcing.
//
// Connections arrive over WebSocket (the [Hub.Handler] route), over
// WebRTC data channels (pass [Hub.Accept] to
// transport.WebRTCTransport.Serve), or in-process (pass it to
// transport.NewMemoryDialer).
//
// Several relay processes can serve the same keys when they share a
// [Fanout]: each room publishes what its own connections send and
// applies what the other instances publish. [RedisFanout] implements
// it over Redis pub/sub.
package relay
