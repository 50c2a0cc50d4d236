package syncache

import (
	"encoding/binary"
	"hash/maphash"
	"net/netip"
	"time"
)

// issGenerator picks initial send sequence numbers as a keyed hash of the
// connection 4-tuple plus a clock component that advances every 4µs.
type issGenerator struct {
	seed maphash.Seed
}

func newISSGenerator() *issGenerator {
	return &issGenerator{seed: maphash.MakeSeed()}
}

func (g *issGenerator) next(local, peer netip.AddrPort, now time.Time) uint32 {
	var h maphash.Hash
	h.SetSeed(g.seed)
	l, p := local.Addr().As16(), peer.Addr().As16()
	h.Write(l[:])
	h.Write(p[:])
	var ports [4]byte
	binary.BigEndian.PutUint16(ports[0:2], local.Port())
	binary.BigEndian.PutUint16(ports[2:4], peer.Port())
	h.Write(ports[:])
	return uint32(h.Sum64()) + uint32(now.UnixNano()/4000)
}
