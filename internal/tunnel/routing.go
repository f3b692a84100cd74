package tunnel

import (
	"net/netip"
	"sort"

	"github.com/kuuji/ztcore/internal/ids"
)

// routeEntry associates one prefix with the gateway that owns it. A gateway
// may own several prefixes (one RoutingTable entry per prefix).
type routeEntry struct {
	prefix netip.Prefix
	peer   ids.GatewayId
}

// RoutingTable maps destination IP networks to the gateway that should
// carry traffic for them, resolved by longest-prefix match (§4.6). Entries
// are bucketed by prefix bit-length so LongestMatch can scan from most to
// least specific without a trie: the retrieval pack has no prefix-trie
// library, and the table only ever holds a handful of resource CIDRs per
// client, so a sorted-by-length linear scan is the right tool.
//
// RoutingTable has no lock of its own: ClientState makes every call,
// LongestMatch from wireguard-go's tun-reader goroutine included, with its
// mutex held.
type RoutingTable struct {
	byLength map[int][]routeEntry
	lengths  []int // distinct bit-lengths present, sorted descending
}

// NewRoutingTable returns an empty routing table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{byLength: make(map[int][]routeEntry)}
}

// Insert adds or updates the route for network, directing it to peer.
func (t *RoutingTable) Insert(network netip.Prefix, peer ids.GatewayId) {
	network = network.Masked()
	bits := network.Bits()

	entries := t.byLength[bits]
	for i, e := range entries {
		if e.prefix == network {
			entries[i].peer = peer
			return
		}
	}

	if _, ok := t.byLength[bits]; !ok {
		t.insertLength(bits)
	}
	t.byLength[bits] = append(entries, routeEntry{prefix: network, peer: peer})
}

// Remove deletes every route owned by peer.
func (t *RoutingTable) Remove(peer ids.GatewayId) {
	for bits, entries := range t.byLength {
		kept := entries[:0]
		for _, e := range entries {
			if e.peer != peer {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(t.byLength, bits)
			t.removeLength(bits)
		} else {
			t.byLength[bits] = kept
		}
	}
}

// RemovePrefix deletes the single route for network, regardless of which
// peer owns it, leaving that peer's other routes untouched.
func (t *RoutingTable) RemovePrefix(network netip.Prefix) {
	network = network.Masked()
	bits := network.Bits()

	entries := t.byLength[bits]
	kept := entries[:0]
	for _, e := range entries {
		if e.prefix != network {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(t.byLength, bits)
		t.removeLength(bits)
	} else {
		t.byLength[bits] = kept
	}
}

// LongestMatch returns the gateway whose route most specifically covers ip.
func (t *RoutingTable) LongestMatch(ip netip.Addr) (ids.GatewayId, bool) {
	for _, bits := range t.lengths {
		for _, e := range t.byLength[bits] {
			if e.prefix.Contains(ip) {
				return e.peer, true
			}
		}
	}
	return ids.GatewayId{}, false
}

func (t *RoutingTable) insertLength(bits int) {
	i := sort.Search(len(t.lengths), func(i int) bool { return t.lengths[i] <= bits })
	t.lengths = append(t.lengths, 0)
	copy(t.lengths[i+1:], t.lengths[i:])
	t.lengths[i] = bits
}

func (t *RoutingTable) removeLength(bits int) {
	for i, b := range t.lengths {
		if b == bits {
			t.lengths = append(t.lengths[:i], t.lengths[i+1:]...)
			return
		}
	}
}
