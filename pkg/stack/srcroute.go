package stack

import (
	"net/netip"

	"github.com/google/gopacket/layers"
)

// IPv4 source-route option types.
const (
	optNOP  = 1
	optLSRR = 131
	optSSRR = 137
)

// reverseSourceRoute turns the loose or strict source route recorded on an
// inbound datagram from peer into the return route for replies. The last
// recorded hop becomes the reply's first hop, the remaining hops follow in
// reverse order and peer closes the route, with the pointer reset.
//
// The result is the first hop's address followed by a NOP and the option,
// the form splitSourceRoute takes apart. It is nil when the datagram carried
// no usable source route.
func reverseSourceRoute(opts []layers.IPv4Option, peer netip.Addr) []byte {
	if !peer.Is4() {
		return nil
	}
	for _, o := range opts {
		if o.OptionType != optLSRR && o.OptionType != optSSRR {
			continue
		}
		// pointer byte then whole addresses
		if len(o.OptionData) < 1+4 || (len(o.OptionData)-1)%4 != 0 {
			return nil
		}
		route := o.OptionData[1:]
		hops := len(route) / 4
		hop := func(i int) []byte { return route[i*4 : i*4+4] }

		out := make([]byte, 4+1+3+hops*4)
		copy(out[:4], hop(hops-1))
		out[4] = optNOP
		opt := out[5:]
		opt[0] = o.OptionType
		opt[1] = byte(3 + hops*4)
		opt[2] = 4
		q := opt[3:]
		for i := hops - 2; i >= 0; i-- {
			q = q[copy(q, hop(i)):]
		}
		p4 := peer.As4()
		copy(q, p4[:])
		return out
	}
	return nil
}

// splitSourceRoute separates the first hop from the option bytes built by
// reverseSourceRoute. Without a return route it yields an invalid address and
// the bytes unchanged.
func splitSourceRoute(b []byte) (netip.Addr, []byte) {
	if len(b) < 4+1+3 || b[4] != optNOP || (b[5] != optLSRR && b[5] != optSSRR) {
		return netip.Addr{}, b
	}
	return netip.AddrFrom4([4]byte(b[:4])), b[4:]
}

// decodeIPv4Options splits raw option bytes back into typed records for
// serialization.
func decodeIPv4Options(b []byte) []layers.IPv4Option {
	var out []layers.IPv4Option
	for i := 0; i < len(b); {
		t := b[i]
		switch t {
		case 0:
			return out
		case 1:
			out = append(out, layers.IPv4Option{OptionType: 1, OptionLength: 1})
			i++
			continue
		}
		if i+1 >= len(b) {
			return out
		}
		n := int(b[i+1])
		if n < 2 || i+n > len(b) {
			return out
		}
		out = append(out, layers.IPv4Option{
			OptionType:   t,
			OptionLength: uint8(n),
			OptionData:   append([]byte(nil), b[i+2:i+n]...),
		})
		i += n
	}
	return out
}
