package syncache

import (
	"encoding/binary"
	"net/netip"
)

// hashIndex maps endpoint pairs to buckets under a secret that is rotated
// whenever the cache goes from empty to non-empty.
type hashIndex struct {
	secretA uint32
	secretB uint32
	buckets int
}

func (h *hashIndex) rekey(r Random) {
	h.secretA = r.Uint32()
	h.secretB = r.Uint32()
}

// addrWord folds an address to 32 bits: the address itself for IPv4, the
// first and last words XORed for IPv6.
func addrWord(a netip.Addr) uint32 {
	if a.Is4() {
		b := a.As4()
		return binary.BigEndian.Uint32(b[:])
	}
	b := a.As16()
	return binary.BigEndian.Uint32(b[0:4]) ^ binary.BigEndian.Uint32(b[12:16])
}

func (h *hashIndex) hash(src, dst netip.AddrPort) uint32 {
	ports := uint32(dst.Port())<<16 | uint32(src.Port())
	return ((addrWord(src.Addr()) ^ h.secretA) * (ports ^ h.secretB)) & 0x7fffffff
}

func (h *hashIndex) bucket(hash uint32) int {
	return int(hash % uint32(h.buckets))
}
