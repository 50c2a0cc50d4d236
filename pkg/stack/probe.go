package stack

import (
	"fmt"
	"net/netip"

	"github.com/irctrakz/wgsyncache/pkg/header"
)

// Probe describes a segment a peer would send. Tools use it to drive a
// stack without a WireGuard device.
type Probe struct {
	Src, Dst netip.AddrPort
	Seq, Ack uint32
	Flags    header.Flags
	Window   uint16
	// Options adds TCP options; nil sends none.
	Options func(*header.OptionBuilder)
	// SignatureKey signs the segment when set. Options must then include
	// a Signature slot.
	SignatureKey []byte
}

// Encode returns the probe as a checksummed IP datagram.
func (p Probe) Encode() ([]byte, error) {
	if p.Src.Addr().Is4() != p.Dst.Addr().Is4() {
		return nil, fmt.Errorf("probe %s -> %s: mixed address families", p.Src, p.Dst)
	}
	ob := header.NewOptionBuilder()
	if p.Options != nil {
		p.Options(ob)
	}
	win := p.Window
	if win == 0 {
		win = 65535
	}
	tcp, err := ob.Marshal(header.Fields{
		SrcPort: p.Src.Port(),
		DstPort: p.Dst.Port(),
		Seq:     p.Seq,
		Ack:     p.Ack,
		Flags:   p.Flags,
		Window:  win,
	})
	if err != nil {
		return nil, err
	}
	src, dst := p.Src.Addr(), p.Dst.Addr()
	if p.SignatureKey != nil {
		if err := header.SignSegment(src, dst, tcp, ob.SignatureOffset(), p.SignatureKey); err != nil {
			return nil, err
		}
	}
	header.SetTCPChecksum(src, dst, tcp)
	return encodeIP(src, dst, 64, 64, 0, nil, tcp)
}

// SynProbe is a plain SYN with the options a modern peer offers.
func SynProbe(src, dst netip.AddrPort, seq uint32) Probe {
	return Probe{
		Src:   src,
		Dst:   dst,
		Seq:   seq,
		Flags: header.FlagSYN,
		Options: func(ob *header.OptionBuilder) {
			ob.MSS(1460).WindowScale(7).SACKPermitted().Timestamp(seq, 0)
		},
	}
}
