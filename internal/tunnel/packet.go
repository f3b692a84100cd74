package tunnel

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const udpProtocolNumber = 17

// udpPacket is a parsed raw IPv4/IPv6 + UDP datagram, as read straight off
// the tun device (no link-layer framing). header holds a copy of the
// original IP header bytes, reused as the template for building a reply
// with addresses swapped.
type udpPacket struct {
	version int // 4 or 6
	header  []byte
	srcIP   netip.Addr
	dstIP   netip.Addr
	srcPort uint16
	dstPort uint16
	payload []byte
}

// parseIPUDP parses packet as an IPv4 or IPv6 datagram carrying a UDP
// segment. Never panics on malformed or adversarial input; returns ok=false
// instead.
func parseIPUDP(packet []byte) (*udpPacket, bool) {
	if len(packet) < 1 {
		return nil, false
	}
	switch packet[0] >> 4 {
	case 4:
		return parseIPv4UDP(packet)
	case 6:
		return parseIPv6UDP(packet)
	default:
		return nil, false
	}
}

func parseIPv4UDP(packet []byte) (*udpPacket, bool) {
	if len(packet) < 20 {
		return nil, false
	}
	ihl := int(packet[0]&0x0f) * 4
	if ihl < 20 || len(packet) < ihl+8 {
		return nil, false
	}
	if packet[9] != udpProtocolNumber {
		return nil, false
	}

	udpHdr := packet[ihl:]
	udpLen := int(binary.BigEndian.Uint16(udpHdr[4:6]))
	if udpLen < 8 || ihl+udpLen > len(packet) {
		return nil, false
	}

	return &udpPacket{
		version: 4,
		header:  append([]byte(nil), packet[:ihl]...),
		srcIP:   netip.AddrFrom4([4]byte(packet[12:16])),
		dstIP:   netip.AddrFrom4([4]byte(packet[16:20])),
		srcPort: binary.BigEndian.Uint16(udpHdr[0:2]),
		dstPort: binary.BigEndian.Uint16(udpHdr[2:4]),
		payload: udpHdr[8:udpLen],
	}, true
}

// parseIPv6UDP handles the fixed 40-byte IPv6 header with no extension
// headers — sufficient for sentinel-destined traffic, which is always
// synthesized locally or by a cooperating resolver, never a transit router.
func parseIPv6UDP(packet []byte) (*udpPacket, bool) {
	if len(packet) < 48 {
		return nil, false
	}
	if packet[6] != udpProtocolNumber {
		return nil, false
	}

	udpHdr := packet[40:]
	udpLen := int(binary.BigEndian.Uint16(udpHdr[4:6]))
	if udpLen < 8 || 40+udpLen > len(packet) {
		return nil, false
	}

	return &udpPacket{
		version: 6,
		header:  append([]byte(nil), packet[:40]...),
		srcIP:   netip.AddrFrom16([16]byte(packet[8:24])),
		dstIP:   netip.AddrFrom16([16]byte(packet[24:40])),
		srcPort: binary.BigEndian.Uint16(udpHdr[0:2]),
		dstPort: binary.BigEndian.Uint16(udpHdr[2:4]),
		payload: udpHdr[8:udpLen],
	}, true
}

// destinationIP extracts the destination address from a raw IPv4/IPv6
// packet without assuming any particular transport protocol, for routing
// decisions that apply to every packet, not just UDP/DNS traffic.
func destinationIP(packet []byte) (netip.Addr, bool) {
	if len(packet) < 1 {
		return netip.Addr{}, false
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < 20 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte(packet[16:20])), true
	case 6:
		if len(packet) < 40 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(packet[24:40])), true
	default:
		return netip.Addr{}, false
	}
}

// buildUDPResponse constructs a reply datagram from pkt's template with
// source and destination swapped at both the IP and UDP layers, carrying
// payload as the new UDP payload. Recomputes the UDP checksum and, for
// IPv4, the IP header checksum (§4.4).
func buildUDPResponse(pkt *udpPacket, payload []byte) ([]byte, error) {
	switch pkt.version {
	case 4:
		return buildIPv4UDPResponse(pkt, payload), nil
	case 6:
		return buildIPv6UDPResponse(pkt, payload), nil
	default:
		return nil, fmt.Errorf("tunnel: unsupported ip version %d in response template", pkt.version)
	}
}

func buildIPv4UDPResponse(pkt *udpPacket, payload []byte) []byte {
	ihl := len(pkt.header)
	udpLen := 8 + len(payload)
	out := make([]byte, ihl+udpLen)
	copy(out, pkt.header)

	src := pkt.dstIP.As4()
	dst := pkt.srcIP.As4()
	copy(out[12:16], src[:])
	copy(out[16:20], dst[:])
	binary.BigEndian.PutUint16(out[2:4], uint16(ihl+udpLen))
	out[10], out[11] = 0, 0
	binary.BigEndian.PutUint16(out[10:12], checksum(out[:ihl]))

	u := out[ihl:]
	binary.BigEndian.PutUint16(u[0:2], pkt.dstPort)
	binary.BigEndian.PutUint16(u[2:4], pkt.srcPort)
	binary.BigEndian.PutUint16(u[4:6], uint16(udpLen))
	u[6], u[7] = 0, 0
	copy(u[8:], payload)
	binary.BigEndian.PutUint16(u[6:8], udpChecksumV4(pkt.dstIP, pkt.srcIP, u))

	return out
}

func buildIPv6UDPResponse(pkt *udpPacket, payload []byte) []byte {
	udpLen := 8 + len(payload)
	out := make([]byte, 40+udpLen)
	copy(out, pkt.header)

	src := pkt.dstIP.As16()
	dst := pkt.srcIP.As16()
	copy(out[8:24], src[:])
	copy(out[24:40], dst[:])
	binary.BigEndian.PutUint16(out[4:6], uint16(udpLen))

	u := out[40:]
	binary.BigEndian.PutUint16(u[0:2], pkt.dstPort)
	binary.BigEndian.PutUint16(u[2:4], pkt.srcPort)
	binary.BigEndian.PutUint16(u[4:6], uint16(udpLen))
	u[6], u[7] = 0, 0
	copy(u[8:], payload)
	binary.BigEndian.PutUint16(u[6:8], udpChecksumV6(pkt.dstIP, pkt.srcIP, u))

	return out
}

// checksum computes the standard one's-complement-of-one's-complement-sum
// checksum (RFC 1071) over data.
func checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func udpChecksumV4(src, dst netip.Addr, udpSegment []byte) uint16 {
	pseudo := make([]byte, 12+len(udpSegment))
	s, d := src.As4(), dst.As4()
	copy(pseudo[0:4], s[:])
	copy(pseudo[4:8], d[:])
	pseudo[9] = udpProtocolNumber
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(udpSegment)))
	copy(pseudo[12:], udpSegment)
	return finishUDPChecksum(checksum(pseudo))
}

func udpChecksumV6(src, dst netip.Addr, udpSegment []byte) uint16 {
	pseudo := make([]byte, 40+len(udpSegment))
	s, d := src.As16(), dst.As16()
	copy(pseudo[0:16], s[:])
	copy(pseudo[16:32], d[:])
	binary.BigEndian.PutUint32(pseudo[32:36], uint32(len(udpSegment)))
	pseudo[39] = udpProtocolNumber
	copy(pseudo[40:], udpSegment)
	return finishUDPChecksum(checksum(pseudo))
}

// finishUDPChecksum maps a computed checksum of zero to the all-ones value,
// since zero is reserved to mean "no checksum computed".
func finishUDPChecksum(sum uint16) uint16 {
	if sum == 0 {
		return 0xffff
	}
	return sum
}
