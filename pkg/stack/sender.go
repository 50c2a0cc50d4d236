package stack

import (
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/irctrakz/wgsyncache/pkg/core"
	"github.com/irctrakz/wgsyncache/pkg/header"
	"github.com/irctrakz/wgsyncache/pkg/syncache"
)

// SendSegment checksums a TCP segment, wraps it in an IP header and hands
// the datagram to the output processor. It never blocks and never calls
// into the cache, so the cache may use it with its lock held.
//
// A segment carrying a return source route is addressed to the route's first
// hop; the TCP checksum still covers the final destination.
func (s *Stack) SendSegment(seg *syncache.Segment) error {
	src, dst := seg.Src.Addr(), seg.Dst.Addr()
	nextHop, ipopts := splitSourceRoute(seg.IPOptions)
	if !nextHop.IsValid() {
		nextHop = dst
	}

	route := seg.Route
	if route == nil {
		r, ok := s.routes.Lookup(nextHop)
		if !ok {
			atomic.AddUint64(&s.metrics.Errors, 1)
			return fmt.Errorf("send to %s: %w", nextHop, ErrNoRoute)
		}
		defer s.routes.Release(r)
		route = r
	}

	header.SetTCPChecksum(src, dst, seg.TCP)

	b, err := encodeIP(src, nextHop, s.cfg.TTL, s.cfg.HopLimit, s.nextIPID(), decodeIPv4Options(ipopts), seg.TCP)
	if err != nil {
		atomic.AddUint64(&s.metrics.Errors, 1)
		return fmt.Errorf("serialize datagram to %s: %w", dst, err)
	}

	if mtu := route.MTU(); mtu > 0 && len(b) > mtu {
		s.warn.Warnf("datagram of %d bytes to %s exceeds path mtu %d", len(b), dst, mtu)
	}
	if err := s.out.ProcessPacket(core.NewPacket(b)); err != nil {
		atomic.AddUint64(&s.metrics.Errors, 1)
		return fmt.Errorf("send to %s: %w", dst, err)
	}
	atomic.AddUint64(&s.metrics.PacketsSent, 1)
	atomic.AddUint64(&s.metrics.BytesSent, uint64(len(b)))
	return nil
}

// encodeIP wraps a TCP segment in an IPv4 or IPv6 header.
func encodeIP(src, dst netip.Addr, ttl, hopLimit uint8, id uint16, ipopts []layers.IPv4Option, tcp []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	var err error
	if src.Is4() {
		err = gopacket.SerializeLayers(buf, opts, &layers.IPv4{
			Version:  4,
			TTL:      ttl,
			Id:       id,
			Flags:    layers.IPv4DontFragment,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
			Options:  ipopts,
		}, gopacket.Payload(tcp))
	} else {
		err = gopacket.SerializeLayers(buf, opts, &layers.IPv6{
			Version:    6,
			HopLimit:   hopLimit,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      net.IP(src.AsSlice()),
			DstIP:      net.IP(dst.AsSlice()),
		}, gopacket.Payload(tcp))
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

func (s *Stack) nextIPID() uint16 { return uint16(atomic.AddUint32(&s.ipid, 1)) }
