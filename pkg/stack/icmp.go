package stack

import (
	"encoding/binary"
	"net/netip"
	"sync/atomic"

	"github.com/irctrakz/wgsyncache/pkg/header"
	"github.com/irctrakz/wgsyncache/pkg/syncache"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// IANA protocol numbers for icmp.ParseMessage.
const (
	protoICMPv4 = 1
	protoICMPv6 = 58
)

// inboundICMP handles destination-unreachable errors that quote one of our
// SYN+ACKs. Everything else is ignored.
func (s *Stack) inboundICMP(proto int, b []byte) error {
	m, err := icmp.ParseMessage(proto, b)
	if err != nil {
		return s.malformed("icmp: %v", err)
	}
	du, ok := m.Body.(*icmp.DstUnreach)
	if !ok {
		return nil
	}
	var typ uint8
	switch t := m.Type.(type) {
	case ipv4.ICMPType:
		if t != ipv4.ICMPTypeDestinationUnreachable {
			return nil
		}
		typ = uint8(t)
	case ipv6.ICMPType:
		if t != ipv6.ICMPTypeDestinationUnreachable {
			return nil
		}
		typ = uint8(t)
	default:
		return nil
	}
	q, ok := parseQuoted(proto, du.Data)
	if !ok {
		return s.malformed("icmp: quoted datagram unusable")
	}
	atomic.AddUint64(&s.metrics.ICMPReceived, 1)

	// The quoted datagram is ours, so its source is the local endpoint.
	err = s.cache.Unreach(q.dst, q.src, syncache.ICMPContext{Seq: q.seq, Type: typ, Code: uint8(m.Code)})
	if err != nil {
		s.log.Debugf("icmp type=%d code=%d for %s ignored: %v", typ, m.Code, q.dst, err)
	}
	return nil
}

type quotedTCP struct {
	src, dst netip.AddrPort
	seq      uint32
}

// parseQuoted extracts the endpoints and sequence number from the IP header
// and leading TCP bytes quoted by an ICMP error.
func parseQuoted(proto int, b []byte) (quotedTCP, bool) {
	var (
		src, dst netip.Addr
		rest     []byte
	)
	switch proto {
	case protoICMPv4:
		h, err := ipv4.ParseHeader(b)
		if err != nil || h.Protocol != header.ProtocolTCP || h.Len > len(b) {
			return quotedTCP{}, false
		}
		src, _ = netip.AddrFromSlice(h.Src.To4())
		dst, _ = netip.AddrFromSlice(h.Dst.To4())
		rest = b[h.Len:]
	case protoICMPv6:
		h, err := ipv6.ParseHeader(b)
		if err != nil || h.NextHeader != header.ProtocolTCP {
			return quotedTCP{}, false
		}
		src, _ = netip.AddrFromSlice(h.Src)
		dst, _ = netip.AddrFromSlice(h.Dst)
		rest = b[ipv6.HeaderLen:]
	default:
		return quotedTCP{}, false
	}
	// ports and sequence number
	if len(rest) < 8 {
		return quotedTCP{}, false
	}
	return quotedTCP{
		src: netip.AddrPortFrom(src, binary.BigEndian.Uint16(rest[0:2])),
		dst: netip.AddrPortFrom(dst, binary.BigEndian.Uint16(rest[2:4])),
		seq: binary.BigEndian.Uint32(rest[4:8]),
	}, true
}
