// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "github.com/pion/webrtc/v4"

// ICEConfig holds the STUN/TURN servers used during candidate
// gathering. The zero value gathers host candidates only, which is
// sufficient for same-machine and same-LAN peers (and for tests).
type ICEConfig struct {
	// Servers are tried in order by pion.
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig from plain STUN/TURN URLs with
// optional shared credentials. Empty input yields host-only gathering.
func ICEConfigFromURLs(urls []string, username, credential string) ICEConfig {
	if len(urls) == 0 {
		return ICEConfig{}
	}
	server := webrtc.ICEServer{URLs: urls}
	if username != "" {
		server.Username = username
		server.Credential = credential
	}
	return ICEConfig{Servers: []webrtc.ICEServer{server}}
}
