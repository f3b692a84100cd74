// Package tunnel implements the client-side tunnel core: resource
// resolution, sentinel DNS interception, peer routing, and the aggregate
// state a single cooperative event loop drives.
package tunnel

import (
	"errors"
	"net/netip"
)

// ErrIPProviderExhausted is returned once an allocator has handed out its
// full capacity for a family.
var ErrIPProviderExhausted = errors.New("tunnel: ip provider pool exhausted")

// IPProvider hands out synthetic in-tunnel addresses from two independent,
// monotonically-increasing pools — one per address family — rooted at a
// base prefix. It backs both the sentinel DNS mapping (§4.5, capped at 256
// per family) and the resource internal-IP pool (§3, effectively
// uncapped).
type IPProvider struct {
	v4Base netip.Prefix
	v6Base netip.Prefix
	v4Next uint64
	v6Next uint64
	v4Cap  uint64 // 0 means unbounded
	v6Cap  uint64 // 0 means unbounded
}

// NewIPProvider returns an allocator rooted at v4Base/v6Base. cap bounds the
// number of addresses handed out per family; 0 means unbounded (limited
// only by the address space of the base prefix).
func NewIPProvider(v4Base, v6Base netip.Prefix, cap uint64) *IPProvider {
	return &IPProvider{
		v4Base: v4Base,
		v6Base: v6Base,
		v4Cap:  cap,
		v6Cap:  cap,
	}
}

// AllocateV4 returns the next unused address in the v4 pool.
func (p *IPProvider) AllocateV4() (netip.Addr, error) {
	if p.v4Cap != 0 && p.v4Next >= p.v4Cap {
		return netip.Addr{}, ErrIPProviderExhausted
	}
	addr := addrAdd(p.v4Base.Addr(), p.v4Next)
	p.v4Next++
	return addr, nil
}

// AllocateV6 returns the next unused address in the v6 pool.
func (p *IPProvider) AllocateV6() (netip.Addr, error) {
	if p.v6Cap != 0 && p.v6Next >= p.v6Cap {
		return netip.Addr{}, ErrIPProviderExhausted
	}
	addr := addrAdd(p.v6Base.Addr(), p.v6Next)
	p.v6Next++
	return addr, nil
}

// addrAdd returns base + offset, treating base as a big-endian integer.
// Works uniformly for v4 and v6 addresses via the 16-byte representation.
func addrAdd(base netip.Addr, offset uint64) netip.Addr {
	b := base.As16()
	carry := offset
	for i := 15; i >= 0 && carry > 0; i-- {
		sum := uint64(b[i]) + carry
		b[i] = byte(sum)
		carry = sum >> 8
	}
	out := netip.AddrFrom16(b)
	if base.Is4() {
		out = out.Unmap()
	}
	return out
}
