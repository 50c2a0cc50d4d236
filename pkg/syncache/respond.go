package syncache

import (
	"fmt"
	"net/netip"

	"github.com/irctrakz/wgsyncache/pkg/header"
)

const (
	ipv4HeaderSize = 20
	ipv6HeaderSize = 40
)

// respond builds the SYN+ACK for an entry and hands it to the sender. A
// failure leaves the entry alone; the retransmit timer tries again.
func (c *Cache) respond(e *Entry) error {
	if e.route == nil && c.router != nil {
		if r, ok := c.router.Lookup(e.src.Addr()); ok {
			e.route = r
		}
	}
	flags := header.FlagSYN | header.FlagACK
	if e.flags&FlagECN != 0 {
		flags |= header.FlagECE
	}

	ob := header.NewOptionBuilder().MSS(e.ourMSS)
	if e.requestRScale != NoWindowScale {
		ob.WindowScale(e.requestRScale)
	}
	if e.flags&FlagSACK != 0 {
		ob.SACKPermitted()
	}
	if e.flags&FlagTimestamp != 0 {
		ob.Timestamp(c.ticks()-e.timebase, e.tsRecent)
	}
	if e.flags&FlagSignature != 0 {
		ob.Signature()
	}

	seg, err := ob.Marshal(header.Fields{
		SrcPort: e.dst.Port(),
		DstPort: e.src.Port(),
		Seq:     e.iss,
		Ack:     e.irs + 1,
		Flags:   flags,
		Window:  uint16(e.win),
	})
	if err != nil {
		return fmt.Errorf("build syn+ack: %w", err)
	}
	if e.flags&FlagSignature != 0 {
		if err := header.SignSegment(e.dst.Addr(), e.src.Addr(), seg, ob.SignatureOffset(), e.sigKey); err != nil {
			return fmt.Errorf("sign syn+ack: %w", err)
		}
	}
	return c.sender.SendSegment(&Segment{
		Src:       e.dst,
		Dst:       e.src,
		TCP:       seg,
		IPOptions: e.ipopts,
		Route:     e.route,
	})
}

// mssToAdvertise picks our MSS: the listener's override, else the route MTU
// less headers, else the configured default.
func (c *Cache) mssToAdvertise(peer netip.Addr, override uint16, r Route) uint16 {
	if override != 0 {
		return override
	}
	if r != nil {
		hdr := ipv4HeaderSize + header.TCPMinimumSize
		if !peer.Is4() {
			hdr = ipv6HeaderSize + header.TCPMinimumSize
		}
		if mtu := r.MTU(); mtu > hdr {
			return uint16(min(mtu-hdr, 0xffff))
		}
	}
	if !peer.Is4() && c.cfg.MSS < DefaultIPv6MSS {
		return DefaultIPv6MSS
	}
	return c.cfg.MSS
}
