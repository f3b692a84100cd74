package tunnel

import (
	"net/netip"
	"testing"

	"github.com/kuuji/ztcore/pkg/protocol"
)

func dnsServer(addrPort string) protocol.DnsServer {
	return protocol.DnsServer{Address: netip.MustParseAddrPort(addrPort)}
}

func TestBuildSentinelMapping_InjectiveAndInSentinelRange(t *testing.T) {
	t.Parallel()

	servers := []protocol.DnsServer{
		dnsServer("1.1.1.1:53"),
		dnsServer("8.8.8.8:53"),
		dnsServer("[2001:4860:4860::8888]:53"),
	}

	mapping, err := BuildSentinelMapping(servers, NewSentinelIPProvider())
	if err != nil {
		t.Fatalf("BuildSentinelMapping() error = %v", err)
	}

	seen := make(map[netip.Addr]bool)
	for _, s := range servers {
		sentinel, ok := mapping.Sentinel(s)
		if !ok {
			t.Fatalf("no sentinel assigned for %v", s)
		}
		if !IsSentinelAddr(sentinel) {
			t.Errorf("sentinel %v for %v is outside the sentinel ranges", sentinel, s)
		}
		if seen[sentinel] {
			t.Errorf("sentinel %v assigned twice", sentinel)
		}
		seen[sentinel] = true

		back, ok := mapping.Server(sentinel)
		if !ok || back != s {
			t.Errorf("Server(%v) = %v, %v, want %v, true", sentinel, back, ok, s)
		}
	}
}

func TestBuildSentinelMapping_CollapsesDuplicates(t *testing.T) {
	t.Parallel()

	servers := []protocol.DnsServer{
		dnsServer("1.1.1.1:53"),
		dnsServer("1.1.1.1:53"),
	}

	mapping, err := BuildSentinelMapping(servers, NewSentinelIPProvider())
	if err != nil {
		t.Fatalf("BuildSentinelMapping() error = %v", err)
	}
	if len(mapping.Sentinels()) != 1 {
		t.Errorf("Sentinels() len = %d, want 1", len(mapping.Sentinels()))
	}
}

func TestEffectiveDNSServers_PrefersUpstream(t *testing.T) {
	t.Parallel()

	upstream := []protocol.DnsServer{dnsServer("1.1.1.1:53")}
	got := EffectiveDNSServers(upstream, []netip.Addr{netip.MustParseAddr("8.8.8.8")})
	if len(got) != 1 || got[0] != upstream[0] {
		t.Errorf("EffectiveDNSServers() = %v, want %v", got, upstream)
	}
}

func TestEffectiveDNSServers_FiltersSentinelRange(t *testing.T) {
	t.Parallel()

	defaults := []netip.Addr{
		netip.MustParseAddr("100.100.111.5"), // inside sentinel range
		netip.MustParseAddr("8.8.8.8"),
	}
	got := EffectiveDNSServers(nil, defaults)

	for _, s := range got {
		if IsSentinelAddr(s.Address.Addr()) {
			t.Errorf("EffectiveDNSServers() returned a sentinel-range address: %v", s)
		}
	}
	if len(got) != 1 || got[0].Address.Addr() != netip.MustParseAddr("8.8.8.8") {
		t.Errorf("EffectiveDNSServers() = %v, want only 8.8.8.8", got)
	}
}
