// Package node is the external client of the ICE+WireGuard node: it owns
// the lifecycle of per-gateway WebRTC peer connections and wires each one's
// data channel into the shared WireGuard device as a peer. Packet-level
// encapsulation/decapsulation is NOT reimplemented here — wireguard-go's
// device already drives its own goroutines that read the tun, encrypt,
// and hand ciphertext to the bridge Bind (and the reverse on receive);
// Node's job is purely connection bring-up, teardown, and surfacing the
// signaling/timeout events the event loop needs to drive that lifecycle.
package node

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/ztcore/internal/bridge"
	"github.com/kuuji/ztcore/internal/config"
	"github.com/kuuji/ztcore/internal/ids"
	rtcpkg "github.com/kuuji/ztcore/internal/webrtc"
	"github.com/kuuji/ztcore/internal/wgdevice"
	"github.com/kuuji/ztcore/pkg/protocol"
)

// Event is emitted by PollEvent and consumed by the event loop.
type Event interface{ isNodeEvent() }

// SignalIceCandidate is emitted when a local ICE candidate is gathered for a
// gateway's connection and must be relayed to the portal via
// BroadcastIceCandidates.
type SignalIceCandidate struct {
	Gateway   ids.GatewayId
	Candidate string
}

// ConnectionFailed is emitted when a gateway's ICE connection transitions to
// failed or closed. By the time this event is observed the node has already
// torn down its own wiring for the gateway (data channel, WireGuard peer,
// peer connection) — the consumer still owns stopping any higher-level state
// (routing table entries, connected-gateway bookkeeping) keyed by the id.
type ConnectionFailed struct {
	Gateway ids.GatewayId
}

func (SignalIceCandidate) isNodeEvent() {}
func (ConnectionFailed) isNodeEvent()   {}

// wgPeers is the subset of *wgdevice.Device that Node needs. Narrowed to an
// interface so gateway connection lifecycle can be tested without a real
// kernel TUN device and WireGuard session.
type wgPeers interface {
	AddPeer(wgdevice.PeerConfig) error
	RemovePeer(config.Key) error
}

// dataChannels is the subset of *bridge.Bind that Node needs.
type dataChannels interface {
	SetDataChannel(peerID string, dc *webrtc.DataChannel)
	RemoveDataChannel(peerID string)
}

// Config configures a Node.
type Config struct {
	// Device is the shared WireGuard device that every gateway peer is
	// added to and removed from as connections come and go.
	Device wgPeers

	// Bind is the shared conn.Bind backing Device — Node registers and
	// unregisters each gateway's data channel on it directly.
	Bind dataChannels

	// ICE is the base ICE configuration (STUN servers, force-relay). Each
	// gateway connection layers its own TURN relays on top via
	// ConnectionICE.
	ICE rtcpkg.ICEConfig

	Logger *slog.Logger
}

// gatewayConn tracks the WebRTC peer connection and WireGuard wiring for a
// single gateway.
type gatewayConn struct {
	peer       *rtcpkg.Peer
	publicKey  config.Key
	allowedIPs []string
}

// Node manages the set of live gateway connections backing a single shared
// WireGuard device.
type Node struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	gateways map[ids.GatewayId]*gatewayConn

	events chan Event
}

// New creates a Node around an already-running WireGuard device and bind.
func New(cfg Config) *Node {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Node{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "node"),
		gateways: make(map[ids.GatewayId]*gatewayConn),
		events:   make(chan Event, 64),
	}
}

// PollEvent returns the next pending event, or (nil, false) if none is
// queued. Non-blocking — the event loop calls it once per turn alongside
// its other readiness polls.
func (n *Node) PollEvent() (Event, bool) {
	select {
	case ev := <-n.events:
		return ev, true
	default:
		return nil, false
	}
}

// PollTimeout reports the next deadline the node needs woken up for. Unlike
// connlib's snownet::Node, per-connection timers (STUN retransmits, DTLS
// retries, WireGuard handshake retries/keepalives) are owned internally by
// pion and wireguard-go's own goroutines rather than surfaced through a
// poll/handle_timeout pair, so there is no node-level deadline to report.
func (n *Node) PollTimeout() (time.Time, bool) {
	return time.Time{}, false
}

// HandleTimeout is a no-op companion to PollTimeout, kept so Node satisfies
// the same pollable shape as the rest of the event loop's inputs.
func (n *Node) HandleTimeout(time.Time) {}

// ConnectionICE layers gateway-specific TURN relays from a
// ConnectionDetailsMessage on top of the node's base STUN/force-relay
// configuration, for use with RequestOffer/AcceptOffer.
func (n *Node) ConnectionICE(relays []protocol.Relay) rtcpkg.ICEConfig {
	ice := n.cfg.ICE
	ice.Relays = relays
	return ice
}

// RequestOffer creates a new peer connection for gateway and returns the SDP
// offer to be sent as a RequestConnection/ReuseConnection payload. publicKey
// and allowedIPs configure the WireGuard peer that will be added once the
// data channel opens.
func (n *Node) RequestOffer(gateway ids.GatewayId, ice rtcpkg.ICEConfig, publicKey config.Key, allowedIPs []string) (string, error) {
	peer, err := n.newPeer(gateway, ice, publicKey, allowedIPs)
	if err != nil {
		return "", err
	}

	offer, err := peer.CreateOffer()
	if err != nil {
		n.dropPeer(gateway)
		return "", fmt.Errorf("creating offer for gateway %s: %w", gateway, err)
	}
	return offer, nil
}

// AcceptOffer creates a new peer connection for gateway from a remote SDP
// offer and returns the SDP answer.
func (n *Node) AcceptOffer(gateway ids.GatewayId, ice rtcpkg.ICEConfig, sdp string, publicKey config.Key, allowedIPs []string) (string, error) {
	peer, err := n.newPeer(gateway, ice, publicKey, allowedIPs)
	if err != nil {
		return "", err
	}

	answer, err := peer.HandleOffer(sdp)
	if err != nil {
		n.dropPeer(gateway)
		return "", fmt.Errorf("handling offer from gateway %s: %w", gateway, err)
	}
	return answer, nil
}

// SetPublicKey records gateway's WireGuard public key, learned only once
// the portal relays the gateway's Connect reply — RequestOffer runs before
// that reply exists, so the peer is created with an unset key and this
// fills it in before the data channel opens and AddPeer is called.
func (n *Node) SetPublicKey(gateway ids.GatewayId, publicKey config.Key) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	gc, ok := n.gateways[gateway]
	if !ok {
		return fmt.Errorf("no connection in progress for gateway %s", gateway)
	}
	gc.publicKey = publicKey
	return nil
}

// SetAnswer applies a remote SDP answer to an in-flight offer for gateway.
func (n *Node) SetAnswer(gateway ids.GatewayId, sdp string) error {
	peer, ok := n.peer(gateway)
	if !ok {
		return fmt.Errorf("no connection in progress for gateway %s", gateway)
	}
	if err := peer.SetAnswer(sdp); err != nil {
		return fmt.Errorf("setting answer for gateway %s: %w", gateway, err)
	}
	return nil
}

// AddICECandidate adds a trickled remote ICE candidate for gateway's
// connection.
func (n *Node) AddICECandidate(gateway ids.GatewayId, candidate string) error {
	peer, ok := n.peer(gateway)
	if !ok {
		return fmt.Errorf("no connection for gateway %s", gateway)
	}
	return peer.AddICECandidate(candidate)
}

// HasRemoteDescription reports whether gateway's connection has a remote
// SDP set yet — callers buffer trickled candidates until this is true.
func (n *Node) HasRemoteDescription(gateway ids.GatewayId) bool {
	peer, ok := n.peer(gateway)
	return ok && peer.HasRemoteDescription()
}

// UpdateAllowedIPs replaces the WireGuard AllowedIPs routed to an already-
// connected gateway. Used when a DNS resource's concrete internal IPs are
// allocated after the connection is already established — the peer's
// allowed-IP set starts at the resource's CIDR (or empty, for a DNS
// resource with no IPs resolved yet) and grows as names resolve.
func (n *Node) UpdateAllowedIPs(gateway ids.GatewayId, allowedIPs []string) error {
	n.mu.Lock()
	gc, ok := n.gateways[gateway]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection for gateway %s", gateway)
	}

	gc.allowedIPs = allowedIPs
	if err := n.cfg.Device.AddPeer(wgdevice.PeerConfig{
		PublicKey:           gc.publicKey,
		Endpoint:            gateway.String(),
		AllowedIPs:          allowedIPs,
		PersistentKeepalive: 25,
	}); err != nil {
		return fmt.Errorf("updating allowed ips for gateway %s: %w", gateway, err)
	}
	return nil
}

// StopPeer tears down a gateway's connection: closes the peer connection,
// unregisters its data channel, and removes it as a WireGuard peer. Safe to
// call on a gateway with no active connection.
func (n *Node) StopPeer(gateway ids.GatewayId) {
	n.dropPeer(gateway)
}

// Close tears down every active gateway connection.
func (n *Node) Close() {
	n.mu.Lock()
	gateways := make([]ids.GatewayId, 0, len(n.gateways))
	for gw := range n.gateways {
		gateways = append(gateways, gw)
	}
	n.mu.Unlock()

	for _, gw := range gateways {
		n.dropPeer(gw)
	}
}

func (n *Node) peer(gateway ids.GatewayId) (*rtcpkg.Peer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	gc, ok := n.gateways[gateway]
	if !ok {
		return nil, false
	}
	return gc.peer, true
}

func (n *Node) newPeer(gateway ids.GatewayId, ice rtcpkg.ICEConfig, publicKey config.Key, allowedIPs []string) (*rtcpkg.Peer, error) {
	n.mu.Lock()
	if _, exists := n.gateways[gateway]; exists {
		n.mu.Unlock()
		return nil, fmt.Errorf("connection already in progress for gateway %s", gateway)
	}
	n.mu.Unlock()

	gc := &gatewayConn{publicKey: publicKey, allowedIPs: allowedIPs}

	peer, err := rtcpkg.NewPeer(rtcpkg.PeerConfig{
		ICE:      ice,
		LocalID:  "client",
		RemoteID: gateway.String(),
		Logger:   n.log,
		OnICECandidate: func(candidate string) {
			n.emit(SignalIceCandidate{Gateway: gateway, Candidate: candidate})
		},
		OnDataChannel: func(dc *webrtc.DataChannel) {
			n.onDataChannelOpen(gateway, dc)
		},
		OnConnectionStateChange: func(state webrtc.ICEConnectionState) {
			if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateClosed {
				n.onConnectionFailed(gateway)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection for gateway %s: %w", gateway, err)
	}
	gc.peer = peer

	n.mu.Lock()
	n.gateways[gateway] = gc
	n.mu.Unlock()

	return peer, nil
}

// onDataChannelOpen wires the now-open data channel into the bind and adds
// the gateway as a WireGuard peer using its previously-configured endpoint
// and allowed IPs. The data channel label doubles as the bridge.Endpoint
// peer ID and the WireGuard peer's endpoint string.
func (n *Node) onDataChannelOpen(gateway ids.GatewayId, dc *webrtc.DataChannel) {
	peerID := gateway.String()

	n.mu.Lock()
	gc, ok := n.gateways[gateway]
	n.mu.Unlock()
	if !ok {
		n.log.Warn("data channel opened for unknown gateway", "gateway", gateway)
		return
	}

	n.cfg.Bind.SetDataChannel(peerID, dc)

	if err := n.cfg.Device.AddPeer(wgdevice.PeerConfig{
		PublicKey:           gc.publicKey,
		Endpoint:            peerID,
		AllowedIPs:          gc.allowedIPs,
		PersistentKeepalive: 25,
	}); err != nil {
		n.log.Error("adding WireGuard peer", "gateway", gateway, "error", err)
		n.onConnectionFailed(gateway)
		return
	}

	n.log.Info("gateway connection established", "gateway", gateway, "candidate_type", gc.peer.ICECandidateType())
}

func (n *Node) onConnectionFailed(gateway ids.GatewayId) {
	n.dropPeer(gateway)
	n.emit(ConnectionFailed{Gateway: gateway})
}

func (n *Node) dropPeer(gateway ids.GatewayId) {
	n.mu.Lock()
	gc, ok := n.gateways[gateway]
	if ok {
		delete(n.gateways, gateway)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	peerID := gateway.String()
	n.cfg.Bind.RemoveDataChannel(peerID)

	if err := n.cfg.Device.RemovePeer(gc.publicKey); err != nil {
		n.log.Warn("removing WireGuard peer", "gateway", gateway, "error", err)
	}

	if err := gc.peer.Close(); err != nil {
		n.log.Warn("closing peer connection", "gateway", gateway, "error", err)
	}
}

func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		n.log.Warn("node event queue full, dropping event", "event", fmt.Sprintf("%T", ev))
	}
}
