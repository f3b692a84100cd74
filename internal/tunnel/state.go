package tunnel

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/kuuji/ztcore/internal/ids"
	"github.com/kuuji/ztcore/pkg/protocol"
)

// Default pool the client draws per-resource internal IPs from, distinct
// from the hard-coded sentinel ranges so a resolved DNS resource's address
// can never collide with a sentinel.
const (
	DefaultResourceV4CIDR = "100.96.0.0/11"
	DefaultResourceV6CIDR = "fd00:2021:1111:9000::/112"
)

// deferredQueueCapacity bounds the combined forward/deferred pending-query
// queue (§3, §9's open question: overflow policy is drop-oldest-with-
// warning, since source doesn't specify one explicitly).
const deferredQueueCapacity = 100

// PendingQuery is a DNS query Encapsulate couldn't resolve immediately:
// either forwarded upstream and awaiting an answer, or deferred because its
// resource has no internal IPs allocated yet.
type PendingQuery struct {
	Forward  *ForwardQuery
	Deferred *DeferredQuery
}

// ClientState aggregates the client-role tunnel state (§3): the resource
// set, sentinel DNS mapping, peer routing table, connected-gateway set, and
// in-flight DNS query queue. §5's "the event loop is the sole mutator"
// describes the intended single-writer design, but in practice two other
// goroutines reach it too: wireguard-go's own tun reader goroutine calls
// Encapsulate out of ClassifyingTUN.Read, and each Forwarder resolution
// goroutine calls RemoveForwardQuery once its upstream answer (or failure)
// arrives. mu serializes all three against each other instead of relying on
// single-goroutine ownership that Encapsulate's actual caller doesn't honor.
type ClientState struct {
	logger *slog.Logger

	mu sync.Mutex

	initialized bool

	dnsResources   map[string]protocol.ResourceDescription // keyed by pattern
	dnsResourceIDs map[ids.ResourceId]string                // resource id -> pattern
	cidrResources  map[ids.ResourceId]protocol.ResourceDescription

	internalIPs map[string][]netip.Addr // concrete queried name -> allocated IPs
	resourceIPs *IPProvider

	sentinelMapping *SentinelMapping

	routing           *RoutingTable
	connectedGateways map[ids.GatewayId]struct{}

	pending []PendingQuery
}

// NewClientState returns an empty, uninitialized ClientState. ApplyInit
// must be called before Encapsulate does anything useful.
func NewClientState(logger *slog.Logger) *ClientState {
	return &ClientState{
		logger:            logger,
		dnsResources:      make(map[string]protocol.ResourceDescription),
		dnsResourceIDs:    make(map[ids.ResourceId]string),
		cidrResources:     make(map[ids.ResourceId]protocol.ResourceDescription),
		internalIPs:       make(map[string][]netip.Addr),
		routing:           NewRoutingTable(),
		connectedGateways: make(map[ids.GatewayId]struct{}),
	}
}

// ApplyInit applies the portal's Init message (§4.1): computes the
// effective DNS servers, builds the sentinel mapping, and inserts every
// resource. Only the first call takes effect — subsequent calls are logged
// and ignored, preserving the bug-compatible reconnect behavior §9 calls
// out as an open question this implementation resolves by preservation.
func (s *ClientState) ApplyInit(iface protocol.InterfaceConfig, resources []protocol.ResourceDescription, defaultResolvers []netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		s.logger.Info("ignoring reinitialization", "resourceCount", len(resources))
		return nil
	}

	servers := EffectiveDNSServers(iface.UpstreamDNS, defaultResolvers)
	if len(servers) == 0 {
		s.logger.Error("no dns servers available after filtering sentinel ranges; forwarded queries will fail closed")
	}

	mapping, err := BuildSentinelMapping(servers, NewSentinelIPProvider())
	if err != nil {
		return fmt.Errorf("applying init: %w", err)
	}
	s.sentinelMapping = mapping

	s.resourceIPs = NewIPProvider(
		netip.MustParsePrefix(DefaultResourceV4CIDR),
		netip.MustParsePrefix(DefaultResourceV6CIDR),
		0,
	)

	for _, r := range resources {
		s.upsertResourceLocked(r)
	}

	s.initialized = true
	return nil
}

// Initialized reports whether ApplyInit has already taken effect.
func (s *ClientState) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// SentinelMapping returns the sentinel mapping built by ApplyInit, for
// programming the tun interface's DNS adapter configuration (§6).
func (s *ClientState) SentinelMapping() *SentinelMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentinelMapping
}

// UpsertResource inserts or updates a resource (ResourceCreatedOrUpdated,
// or part of Init).
func (s *ClientState) UpsertResource(r protocol.ResourceDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertResourceLocked(r)
}

func (s *ClientState) upsertResourceLocked(r protocol.ResourceDescription) {
	switch r.Kind {
	case protocol.ResourceKindDns:
		s.dnsResources[r.DnsAddress] = r
		s.dnsResourceIDs[r.Id] = r.DnsAddress
	case protocol.ResourceKindCidr:
		s.cidrResources[r.Id] = r
	}
}

// ResourceByID returns the resource description for id, looking through
// both the Dns and Cidr tables.
func (s *ClientState) ResourceByID(id ids.ResourceId) (protocol.ResourceDescription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pattern, ok := s.dnsResourceIDs[id]; ok {
		return s.dnsResources[pattern], true
	}
	if r, ok := s.cidrResources[id]; ok {
		return r, true
	}
	return protocol.ResourceDescription{}, false
}

// InternalIPsForName returns the currently allocated internal IPs for name,
// if any have been resolved yet.
func (s *ClientState) InternalIPsForName(name string) ([]netip.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ips, ok := s.internalIPs[name]
	return ips, ok
}

// RemoveResource removes a resource (ResourceDeleted) and tears down any
// routes installed for it, so traffic that used to reach it falls back to
// emitting a fresh ConnectionIntent instead of reaching a stale peer.
func (s *ClientState) RemoveResource(id ids.ResourceId) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pattern, ok := s.dnsResourceIDs[id]; ok {
		delete(s.dnsResources, pattern)
		delete(s.dnsResourceIDs, id)
		for name, addrs := range s.internalIPs {
			if !IsSubdomain(name, pattern) {
				continue
			}
			for _, a := range addrs {
				s.routing.RemovePrefix(netip.PrefixFrom(a, a.BitLen()))
			}
			delete(s.internalIPs, name)
		}
		return
	}

	if r, ok := s.cidrResources[id]; ok {
		delete(s.cidrResources, id)
		s.routing.RemovePrefix(r.CidrAddress)
	}
}

// RouteCidrResource installs the routing-table entry directing a Cidr
// resource's network to gatewayID, once a connection to it is established.
func (s *ClientState) RouteCidrResource(id ids.ResourceId, gatewayID ids.GatewayId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.cidrResources[id]; ok {
		s.routing.Insert(r.CidrAddress, gatewayID)
	}
}

// AllocateResourceIPs allocates fresh internal IPs (one v4, one v6) for a
// resolved DNS resource name and installs per-IP /32 and /128 routes to
// gatewayID. Returns the existing allocation if name was already resolved.
func (s *ClientState) AllocateResourceIPs(name string, gatewayID ids.GatewayId) ([]netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.internalIPs[name]; ok {
		return existing, nil
	}

	v4, err := s.resourceIPs.AllocateV4()
	if err != nil {
		return nil, fmt.Errorf("allocating resource ipv4 for %q: %w", name, err)
	}
	v6, err := s.resourceIPs.AllocateV6()
	if err != nil {
		return nil, fmt.Errorf("allocating resource ipv6 for %q: %w", name, err)
	}

	addrs := []netip.Addr{v4, v6}
	s.internalIPs[name] = addrs
	for _, a := range addrs {
		s.routing.Insert(netip.PrefixFrom(a, a.BitLen()), gatewayID)
	}
	return addrs, nil
}

// MarkConnected records that a gateway connection is now established.
func (s *ClientState) MarkConnected(id ids.GatewayId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectedGateways[id] = struct{}{}
}

// CleanupConnectedGateway forgets a gateway and removes every route it
// owned — called for StopPeer (§4.2 step 2) and ConnectionFailed.
func (s *ClientState) CleanupConnectedGateway(id ids.GatewayId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connectedGateways, id)
	s.routing.Remove(id)
}

// Resources returns every resource currently known to the client, Dns and
// Cidr alike, for status reporting — not on any hot path, so it copies
// rather than exposing the backing maps.
func (s *ClientState) Resources() []protocol.ResourceDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ResourceDescription, 0, len(s.cidrResources)+len(s.dnsResources))
	for _, r := range s.cidrResources {
		out = append(out, r)
	}
	for _, r := range s.dnsResources {
		out = append(out, r)
	}
	return out
}

// ConnectedGatewayIds returns the currently connected gateways, the same
// set ConnectionIntent carries.
func (s *ClientState) ConnectedGatewayIds() []ids.GatewayId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedGatewayIdsLocked()
}

func (s *ClientState) connectedGatewayIdsLocked() []ids.GatewayId {
	out := make([]ids.GatewayId, 0, len(s.connectedGateways))
	for id := range s.connectedGateways {
		out = append(out, id)
	}
	return out
}

// Encapsulate classifies an outbound plaintext IP packet read from the tun
// device (§4.3). If toPeer is true, out (possibly transform-rewritten —
// see the no-op-transform note below) should be handed to the node for
// encryption and delivery to gatewayID. Otherwise the packet was fully
// consumed here — answered locally, forwarded upstream, deferred, or
// dropped — and any resulting events are returned for the caller to act
// on. Locked for its whole body: wireguard-go's tun reader goroutine calls
// this concurrently with the reducer's resource/routing mutations on the
// drive goroutine.
func (s *ClientState) Encapsulate(packet []byte) (gatewayID ids.GatewayId, out []byte, toPeer bool, events []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst, ok := destinationIP(packet)
	if !ok {
		return ids.GatewayId{}, nil, false, nil
	}

	if s.sentinelMapping != nil {
		if _, isSentinel := s.sentinelMapping.Server(dst); isSentinel {
			return ids.GatewayId{}, nil, false, s.handleSentinelPacketLocked(packet)
		}
	}

	if gw, found := s.routing.LongestMatch(dst); found {
		// Both Cidr resources and resolved Dns resources route here by
		// destination address alone. A Dns resource's destination is the
		// synthetic proxy IP AllocateResourceIPs assigned, never the real
		// address behind the name — the client is never told what that
		// real address is (DomainResponse only carries the name the
		// gateway resolved, not its result; see resolveDomain in
		// internal/control/reducer.go). So there is nothing for the
		// client's transform to rewrite here: proxy-IP-to-real-address NAT
		// can only happen on the gateway, which did the resolution and
		// therefore is the only side that knows the mapping. out is
		// packet unchanged, matching that division of responsibility.
		return gw, packet, true, nil
	}

	if resource, found := s.cidrResourceForLocked(dst); found {
		return ids.GatewayId{}, nil, false, []Event{s.connectionIntentLocked(resource)}
	}
	return ids.GatewayId{}, nil, false, nil
}

// cidrResourceForLocked requires s.mu held by the caller.
func (s *ClientState) cidrResourceForLocked(dst netip.Addr) (protocol.ResourceDescription, bool) {
	for _, r := range s.cidrResources {
		if r.CidrAddress.Contains(dst) {
			return r, true
		}
	}
	return protocol.ResourceDescription{}, false
}

// connectionIntentLocked requires s.mu held by the caller.
func (s *ClientState) connectionIntentLocked(resource protocol.ResourceDescription) Event {
	return ConnectionIntent{
		Resource:            resource,
		ConnectedGatewayIds: s.connectedGatewayIdsLocked(),
	}
}

// handleSentinelPacketLocked requires s.mu held by the caller.
func (s *ClientState) handleSentinelPacketLocked(packet []byte) []Event {
	result := Intercept(s.dnsResources, s.internalIPs, s.sentinelMapping, packet)
	switch result.Kind {
	case InterceptLocalResponse:
		return []Event{SendPacket{Packet: result.LocalResponse}}
	case InterceptForwardQuery:
		s.enqueueLocked(PendingQuery{Forward: result.Forward})
		return nil
	case InterceptDeferred:
		s.enqueueLocked(PendingQuery{Deferred: result.Deferred})
		return []Event{s.connectionIntentLocked(result.Deferred.Resource)}
	default:
		return nil
	}
}

// enqueueLocked requires s.mu held by the caller.
func (s *ClientState) enqueueLocked(q PendingQuery) {
	if len(s.pending) >= deferredQueueCapacity {
		dropped := s.pending[0]
		s.pending = s.pending[1:]
		s.logger.Warn("dns query queue full, dropping oldest pending query",
			"droppedForward", dropped.Forward != nil,
			"droppedDeferred", dropped.Deferred != nil,
		)
	}
	s.pending = append(s.pending, q)
}

// PendingQueries returns a snapshot of the forward/deferred query queue,
// for the event loop to dispatch forwarded queries to the upstream
// resolver socket.
func (s *ClientState) PendingQueries() []PendingQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PendingQuery(nil), s.pending...)
}

// RetryDeferred re-attempts every queued deferred query against the
// current internal-IP map, typically called right after
// AllocateResourceIPs makes a resource resolvable. Queries that now
// resolve are removed from the queue and produce a SendPacket event;
// everything else stays queued.
func (s *ClientState) RetryDeferred() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []Event
	remaining := s.pending[:0]
	for _, q := range s.pending {
		if q.Deferred == nil {
			remaining = append(remaining, q)
			continue
		}

		result := Intercept(s.dnsResources, s.internalIPs, s.sentinelMapping, q.Deferred.Original)
		if result.Kind == InterceptLocalResponse {
			events = append(events, SendPacket{Packet: result.LocalResponse})
			continue
		}
		remaining = append(remaining, q)
	}
	s.pending = remaining
	return events
}

// RemoveForwardQuery drops a forwarded query from the pending queue once
// its upstream answer has been received and injected. Called from whichever
// Forwarder resolution goroutine happens to finish first, concurrently with
// every other ClientState access — not just from the drive goroutine.
func (s *ClientState) RemoveForwardQuery(fq *ForwardQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, q := range s.pending {
		if q.Forward == fq {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}
