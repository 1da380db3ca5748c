// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/pairspace/lib/config"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// ICEConfigFromSettings converts the ice section of the configuration
// into pion ICE server entries. Entries without URLs are skipped. An
// empty section yields host candidates only, which is enough for
// same-machine and same-LAN sessions.
func ICEConfigFromSettings(settings config.ICEConfig) ICEConfig {
	var servers []webrtc.ICEServer
	for _, server := range settings.Servers {
		if len(server.URLs) == 0 {
			continue
		}
		entry := webrtc.ICEServer{URLs: append([]string(nil), server.URLs...)}
		if server.Username != "" || server.Credential != "" {
			entry.Username = server.Username
			entry.Credential = server.Credential
		}
		servers = append(servers, entry)
	}
	return ICEConfig{Servers: servers}
}
