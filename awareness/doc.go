// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package awareness propagates ephemeral per-replica presence: who is
// connected, their display name and color, their cursor, and whether
// they are typing.
//
// Each replica owns exactly one record and is the only writer of it.
// Every field carries a stamp from the owner's monotonic counter;
// receivers keep the higher stamp per field, so reordered or
// duplicated updates settle on the owner's latest value.
//
// Records are ephemeral. The owner re-announces its full record on a
// heartbeat; receivers drop any record they have not heard about for
// the liveness timeout, measured on their own clock. A replica that
// leaves announces a removal, which also suppresses late-arriving
// updates with older stamps.
package awareness
