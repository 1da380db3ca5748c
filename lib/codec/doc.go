// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds pairspace's binary encoding configuration.
//
// Sync envelopes, CRDT operations, and awareness updates travel as
// CBOR with Core Deterministic Encoding. HTTP collaborators (token
// service, execution sandbox) speak JSON and do not use this package.
//
// Types that only ever travel as CBOR carry `cbor` struct tags. Types
// that are also rendered as JSON (CLI output) carry `json` tags, which
// fxamacker/cbor honours as a fallback. A field never carries both.
//
// Payloads of a kilobyte or more are compressed before framing: LZ4
// for mid-sized bodies, zstd for large ones such as the sync-step-2
// reply to a fresh replica that carries an entire document history.
// The chosen [Compression] travels alongside the payload.
package codec
