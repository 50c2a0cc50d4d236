package header

import (
	"encoding/binary"
	"net/netip"
)

// ProtocolTCP is the IP protocol number of TCP.
const ProtocolTCP = 6

// Checksum adds the 16-bit one's complement sum of b to initial.
func Checksum(b []byte, initial uint32) uint32 {
	sum := initial
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

// Fold reduces a partial sum to the final complemented checksum.
func Fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PseudoHeader returns the IPv4 or IPv6 pseudo-header for a transport segment.
func PseudoHeader(src, dst netip.Addr, proto uint8, length int) []byte {
	if src.Is4() {
		p := make([]byte, 12)
		s, d := src.As4(), dst.As4()
		copy(p[0:4], s[:])
		copy(p[4:8], d[:])
		p[9] = proto
		binary.BigEndian.PutUint16(p[10:12], uint16(length))
		return p
	}
	p := make([]byte, 40)
	s, d := src.As16(), dst.As16()
	copy(p[0:16], s[:])
	copy(p[16:32], d[:])
	binary.BigEndian.PutUint32(p[32:36], uint32(length))
	p[39] = proto
	return p
}

// PseudoHeaderChecksum is the partial sum of the pseudo-header, to be
// continued over the transport segment.
func PseudoHeaderChecksum(src, dst netip.Addr, proto uint8, length int) uint32 {
	return Checksum(PseudoHeader(src, dst, proto, length), 0)
}

// SetTCPChecksum computes and stores the checksum of a complete TCP segment.
func SetTCPChecksum(src, dst netip.Addr, seg []byte) {
	if len(seg) < TCPMinimumSize {
		return
	}
	seg[16], seg[17] = 0, 0
	sum := PseudoHeaderChecksum(src, dst, ProtocolTCP, len(seg))
	binary.BigEndian.PutUint16(seg[16:18], Fold(Checksum(seg, sum)))
}

// VerifyTCPChecksum reports whether the segment's checksum is valid.
func VerifyTCPChecksum(src, dst netip.Addr, seg []byte) bool {
	sum := PseudoHeaderChecksum(src, dst, ProtocolTCP, len(seg))
	return Fold(Checksum(seg, sum)) == 0
}
