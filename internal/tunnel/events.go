package tunnel

import (
	"github.com/kuuji/ztcore/internal/ids"
	"github.com/kuuji/ztcore/pkg/protocol"
)

// Event is implemented by everything ClientState can hand back to the
// event loop for it to act on (§4.1, §4.3).
type Event interface{ isTunnelEvent() }

// SendPacket asks the driver to write Packet directly to the tun device —
// produced when Encapsulate answers a DNS query locally instead of routing
// it to a peer.
type SendPacket struct{ Packet []byte }

func (SendPacket) isTunnelEvent() {}

// ConnectionIntent signals that the client wants to reach Resource but has
// no established gateway connection serving it yet. The reducer turns this
// into a PrepareConnection egress message.
type ConnectionIntent struct {
	Resource            protocol.ResourceDescription
	ConnectedGatewayIds []ids.GatewayId
}

func (ConnectionIntent) isTunnelEvent() {}
