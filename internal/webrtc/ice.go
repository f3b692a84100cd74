package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/ztcore/pkg/protocol"
)

// ICEConfig configures ICE candidate gathering for a Peer: the STUN servers
// used for every connection attempt plus the per-connection TURN relays the
// portal handed back in a ConnectionDetailsMessage.
type ICEConfig struct {
	// STUNServers is a list of STUN server URIs (e.g.
	// "stun:stun.cloudflare.com:3478").
	STUNServers []string

	// Relays are the TURN servers the gateway offered for this specific
	// connection, already carrying usable credentials — nothing here is
	// generated or validated locally.
	Relays []protocol.Relay

	// ForceRelay restricts ICE to relay candidates only, bypassing direct
	// (host/srflx) connectivity.
	ForceRelay bool
}

// pionICEServers converts the STUN servers and TURN relays into pion's
// webrtc.ICEServer list.
func (c ICEConfig) pionICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.STUNServers)+len(c.Relays))

	for _, s := range c.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
	}

	for _, r := range c.Relays {
		scheme := r.Type
		if scheme == "" {
			scheme = "turn"
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{fmt.Sprintf("%s:%s", scheme, r.Addr)},
			Username:       r.Username,
			Credential:     r.Password,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	return servers
}
