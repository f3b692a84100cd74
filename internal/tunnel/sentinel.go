package tunnel

import (
	"fmt"
	"net/netip"

	"github.com/kuuji/ztcore/pkg/protocol"
)

// Sentinel address ranges, hard-coded per §6: used identically by the
// tunnel and the portal so both sides agree on what an intercepted query's
// destination means.
const (
	SentinelV4CIDR = "100.100.111.0/24"
	SentinelV6CIDR = "fd00:2021:1111:8000:100:100:111:0/120"

	// sentinelCapacity bounds each family to at most 256 upstream
	// resolvers, matching the /24 and /120 ranges above.
	sentinelCapacity = 256
)

var (
	sentinelV4Prefix = netip.MustParsePrefix(SentinelV4CIDR)
	sentinelV6Prefix = netip.MustParsePrefix(SentinelV6CIDR)
)

// NewSentinelIPProvider returns an IPProvider rooted at the sentinel ranges
// and capped at sentinelCapacity per family.
func NewSentinelIPProvider() *IPProvider {
	return NewIPProvider(sentinelV4Prefix, sentinelV6Prefix, sentinelCapacity)
}

// IsSentinelAddr reports whether addr falls within either sentinel range.
func IsSentinelAddr(addr netip.Addr) bool {
	return sentinelV4Prefix.Contains(addr) || sentinelV6Prefix.Contains(addr)
}

// SentinelMapping is the bijection between synthetic sentinel IPs and the
// upstream DnsServers they stand in for.
type SentinelMapping struct {
	toServer   map[netip.Addr]protocol.DnsServer
	toSentinel map[protocol.DnsServer]netip.Addr
}

func newSentinelMapping() *SentinelMapping {
	return &SentinelMapping{
		toServer:   make(map[netip.Addr]protocol.DnsServer),
		toSentinel: make(map[protocol.DnsServer]netip.Addr),
	}
}

// Server returns the upstream DnsServer a sentinel address stands in for.
func (m *SentinelMapping) Server(sentinel netip.Addr) (protocol.DnsServer, bool) {
	s, ok := m.toServer[sentinel]
	return s, ok
}

// Sentinel returns the sentinel address assigned to an upstream DnsServer.
func (m *SentinelMapping) Sentinel(server protocol.DnsServer) (netip.Addr, bool) {
	a, ok := m.toSentinel[server]
	return a, ok
}

// Sentinels returns every sentinel address in the mapping, suitable for
// programming into the tun interface's DNS adapter configuration.
func (m *SentinelMapping) Sentinels() []netip.Addr {
	out := make([]netip.Addr, 0, len(m.toServer))
	for s := range m.toServer {
		out = append(out, s)
	}
	return out
}

// BuildSentinelMapping assigns each server a unique sentinel address drawn
// from provider, collapsing duplicate servers. Rebuilding from the same
// input twice (with a freshly-seeded provider) yields an equal bijection —
// allocation is deterministic given allocation order.
func BuildSentinelMapping(servers []protocol.DnsServer, provider *IPProvider) (*SentinelMapping, error) {
	m := newSentinelMapping()
	for _, s := range servers {
		if _, ok := m.toSentinel[s]; ok {
			continue
		}

		var (
			sentinel netip.Addr
			err      error
		)
		if s.Address.Addr().Is4() {
			sentinel, err = provider.AllocateV4()
		} else {
			sentinel, err = provider.AllocateV6()
		}
		if err != nil {
			return nil, fmt.Errorf("building sentinel mapping for %s: %w", s.Address, err)
		}

		m.toSentinel[s] = sentinel
		m.toServer[sentinel] = s
	}
	return m, nil
}

// EffectiveDNSServers computes the resolver set the sentinel mapping should
// cover (§4.5): the portal's upstream list verbatim if non-empty, else the
// platform's default resolvers with any sentinel-range address dropped to
// avoid feedback loops.
func EffectiveDNSServers(upstream []protocol.DnsServer, defaultResolvers []netip.Addr) []protocol.DnsServer {
	if len(upstream) > 0 {
		return upstream
	}

	out := make([]protocol.DnsServer, 0, len(defaultResolvers))
	for _, addr := range defaultResolvers {
		if IsSentinelAddr(addr) {
			continue
		}
		out = append(out, protocol.DnsServer{Address: netip.AddrPortFrom(addr, 53)})
	}
	return out
}
