package tunnel

import (
	"errors"
	"net/netip"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/kuuji/ztcore/pkg/protocol"
)

// errNotAUDPDatagram is returned when a packet passed to BuildResponsePacket
// doesn't parse as an IPv4/IPv6 UDP datagram.
var errNotAUDPDatagram = errors.New("tunnel: packet is not a parseable ipv4/ipv6 udp datagram")

// sentinelAnswerTTL is the TTL, in seconds, placed on every synthesized
// answer (§6): kept low so the OS resolver never caches a stale mapping.
const sentinelAnswerTTL = 1

// InterceptKind discriminates the outcome of Intercept.
type InterceptKind int

const (
	// InterceptNone means the packet was not an intercepted query; it
	// should fall through to normal destination-IP routing.
	InterceptNone InterceptKind = iota
	// InterceptLocalResponse carries a ready-to-inject reply packet.
	InterceptLocalResponse
	// InterceptForwardQuery means the query should be relayed upstream.
	InterceptForwardQuery
	// InterceptDeferred means the resource exists but has no internal IPs
	// allocated yet; the caller should signal connection intent and hold
	// the query.
	InterceptDeferred
)

// ForwardQuery is a DNS question that didn't resolve to a managed resource
// and should be relayed to an upstream resolver. Original is the raw
// request packet, kept so the eventual upstream answer can be wrapped back
// into a tun-injectable packet via BuildResponsePacket.
type ForwardQuery struct {
	Server   protocol.DnsServer
	Name     string
	Qtype    uint16
	Original []byte
}

// DeferredQuery names the resource a query was waiting on. Original is kept
// so the query can be re-answered (via Intercept again) once the resource
// gets internal IPs allocated.
type DeferredQuery struct {
	Resource protocol.ResourceDescription
	Qtype    uint16
	Original []byte
}

// InterceptResult is the tagged-union outcome of Intercept.
type InterceptResult struct {
	Kind          InterceptKind
	LocalResponse []byte
	Forward       *ForwardQuery
	Deferred      *DeferredQuery
}

// Intercept is the pure DNS-interceptor function described in §4.4. It
// inspects packet, a raw IP datagram read from the tun device, and decides
// whether it's a DNS query addressed to one of the sentinel IPs in mapping
// — and if so, whether it can be answered locally from resources/
// internalIPs, needs forwarding upstream, or must wait on a resource
// connection.
//
// internalIPs is keyed by the concrete queried name (the resolved form of a
// wildcard pattern, or the pattern itself for an exact resource).
func Intercept(resources map[string]protocol.ResourceDescription, internalIPs map[string][]netip.Addr, mapping *SentinelMapping, packet []byte) InterceptResult {
	pkt, ok := parseIPUDP(packet)
	if !ok {
		return InterceptResult{Kind: InterceptNone}
	}

	server, ok := mapping.Server(pkt.dstIP)
	if !ok {
		return InterceptResult{Kind: InterceptNone}
	}

	req := new(dns.Msg)
	if err := req.Unpack(pkt.payload); err != nil {
		return InterceptResult{Kind: InterceptNone}
	}
	if req.Response || len(req.Question) != 1 {
		return InterceptResult{Kind: InterceptNone}
	}

	q := req.Question[0]
	if q.Qclass != dns.ClassINET {
		return InterceptResult{Kind: InterceptNone}
	}
	name := strings.TrimSuffix(q.Name, ".")

	switch q.Qtype {
	case dns.TypeA, dns.TypeAAAA:
		return interceptAddressQuery(pkt, req, resources, internalIPs, name, q.Qtype, server, packet)
	case dns.TypePTR:
		return interceptPTRQuery(pkt, req, resources, internalIPs, name, server, packet)
	default:
		if _, ok := GetDescription(resources, name); ok {
			return InterceptResult{Kind: InterceptNone}
		}
		return forwardResult(server, q.Name, q.Qtype, packet)
	}
}

func interceptAddressQuery(pkt *udpPacket, req *dns.Msg, resources map[string]protocol.ResourceDescription, internalIPs map[string][]netip.Addr, name string, qtype uint16, server protocol.DnsServer, original []byte) InterceptResult {
	desc, ok := GetDescription(resources, name)
	if !ok {
		if len(resources) == 0 {
			return localResult(pkt, nxDomainAnswer(req))
		}
		return forwardResult(server, req.Question[0].Name, qtype, original)
	}

	ips, ok := internalIPs[name]
	if !ok {
		return InterceptResult{Kind: InterceptDeferred, Deferred: &DeferredQuery{Resource: desc, Qtype: qtype, Original: original}}
	}

	wantV4 := qtype == dns.TypeA
	matched := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		if ip.Is4() == wantV4 {
			matched = append(matched, ip)
		}
	}
	return localResult(pkt, addressAnswer(req, qtype, matched))
}

func interceptPTRQuery(pkt *udpPacket, req *dns.Msg, resources map[string]protocol.ResourceDescription, internalIPs map[string][]netip.Addr, name string, server protocol.DnsServer, original []byte) InterceptResult {
	addr, ok := parsePTRName(name)
	if !ok {
		return forwardResult(server, req.Question[0].Name, dns.TypePTR, original)
	}

	for concreteName, ips := range internalIPs {
		for _, ip := range ips {
			if ip != addr {
				continue
			}
			if _, ok := GetDescription(resources, concreteName); !ok {
				continue
			}
			return localResult(pkt, ptrAnswer(req, concreteName))
		}
	}

	return forwardResult(server, req.Question[0].Name, dns.TypePTR, original)
}

func forwardResult(server protocol.DnsServer, name string, qtype uint16, original []byte) InterceptResult {
	return InterceptResult{
		Kind: InterceptForwardQuery,
		Forward: &ForwardQuery{
			Server:   server,
			Name:     name,
			Qtype:    qtype,
			Original: original,
		},
	}
}

func localResult(pkt *udpPacket, resp *dns.Msg) InterceptResult {
	payload, err := resp.Pack()
	if err != nil {
		return InterceptResult{Kind: InterceptNone}
	}
	reply, err := buildUDPResponse(pkt, payload)
	if err != nil {
		return InterceptResult{Kind: InterceptNone}
	}
	return InterceptResult{Kind: InterceptLocalResponse, LocalResponse: reply}
}

func addressAnswer(req *dns.Msg, qtype uint16, ips []netip.Addr) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.RecursionAvailable = true

	name := req.Question[0].Name
	for _, ip := range ips {
		switch qtype {
		case dns.TypeA:
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: sentinelAnswerTTL},
				A:   ip.AsSlice(),
			})
		case dns.TypeAAAA:
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: sentinelAnswerTTL},
				AAAA: ip.AsSlice(),
			})
		}
	}
	return resp
}

func ptrAnswer(req *dns.Msg, target string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.RecursionAvailable = true
	resp.Answer = append(resp.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: sentinelAnswerTTL},
		Ptr: dns.Fqdn(target),
	})
	return resp
}

func nxDomainAnswer(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeNameError)
	resp.RecursionAvailable = false
	return resp
}

// ExtractQueryPayload returns the raw DNS message bytes carried inside a
// ForwardQuery's Original packet, for relaying to the upstream resolver
// named in ForwardQuery.Server.
func ExtractQueryPayload(original []byte) ([]byte, bool) {
	pkt, ok := parseIPUDP(original)
	if !ok {
		return nil, false
	}
	return pkt.payload, true
}

// BuildResponsePacket wraps an already-packed DNS answer back into a reply
// packet addressed to whoever sent requestPacket — used once an upstream
// ForwardQuery resolves and its answer needs injecting into the tun device.
func BuildResponsePacket(requestPacket []byte, dnsAnswerPayload []byte) ([]byte, error) {
	pkt, ok := parseIPUDP(requestPacket)
	if !ok {
		return nil, errNotAUDPDatagram
	}
	return buildUDPResponse(pkt, dnsAnswerPayload)
}

// reverseDNSName returns the PTR query name for addr, e.g.
// "4.3.2.1.in-addr.arpa." for 1.2.3.4. Exposed for symmetry with
// parsePTRName and exercised directly by the round-trip tests in §8.
func reverseDNSName(addr netip.Addr) string {
	if addr.Is4() {
		b := addr.As4()
		var sb strings.Builder
		for i := 3; i >= 0; i-- {
			sb.WriteString(strconv.Itoa(int(b[i])))
			sb.WriteByte('.')
		}
		sb.WriteString("in-addr.arpa.")
		return sb.String()
	}

	b := addr.As16()
	var sb strings.Builder
	for i := 15; i >= 0; i-- {
		sb.WriteString(strconv.FormatUint(uint64(b[i]&0x0f), 16))
		sb.WriteByte('.')
		sb.WriteString(strconv.FormatUint(uint64(b[i]>>4), 16))
		sb.WriteByte('.')
	}
	sb.WriteString("ip6.arpa.")
	return sb.String()
}

// parsePTRName inverts reverseDNSName: it decodes a *.in-addr.arpa or
// *.ip6.arpa query name into the address it denotes. Returns ok=false for
// anything malformed — wrong label count, non-hex/non-decimal labels, or an
// unrecognized suffix — rather than panicking on adversarial input (§7).
func parsePTRName(name string) (netip.Addr, bool) {
	name = strings.TrimSuffix(name, ".")
	switch {
	case strings.HasSuffix(name, ".in-addr.arpa"):
		return parsePTRv4(name)
	case strings.HasSuffix(name, ".ip6.arpa"):
		return parsePTRv6(name)
	default:
		return netip.Addr{}, false
	}
}

func parsePTRv4(name string) (netip.Addr, bool) {
	labels := strings.Split(name, ".")
	if len(labels) != 6 || labels[4] != "in-addr" || labels[5] != "arpa" {
		return netip.Addr{}, false
	}

	var b [4]byte
	for i := 0; i < 4; i++ {
		v, err := strconv.Atoi(labels[i])
		if err != nil || v < 0 || v > 255 {
			return netip.Addr{}, false
		}
		b[3-i] = byte(v)
	}
	return netip.AddrFrom4(b), true
}

func parsePTRv6(name string) (netip.Addr, bool) {
	labels := strings.Split(name, ".")
	if len(labels) != 34 || labels[32] != "ip6" || labels[33] != "arpa" {
		return netip.Addr{}, false
	}

	var b [16]byte
	for i := 0; i < 32; i++ {
		if len(labels[i]) != 1 {
			return netip.Addr{}, false
		}
		v, err := strconv.ParseUint(labels[i], 16, 8)
		if err != nil {
			return netip.Addr{}, false
		}

		nibblePos := 31 - i
		byteIdx := nibblePos / 2
		if nibblePos%2 == 0 {
			b[byteIdx] |= byte(v) << 4
		} else {
			b[byteIdx] |= byte(v)
		}
	}
	return netip.AddrFrom16(b), true
}
