package main

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/irctrakz/wgsyncache/pkg/config"
	"github.com/irctrakz/wgsyncache/pkg/core"
	"github.com/irctrakz/wgsyncache/pkg/header"
	"github.com/irctrakz/wgsyncache/pkg/logging"
	"github.com/irctrakz/wgsyncache/pkg/stack"
)

// sink collects datagrams the stack emits.
type sink struct{ ch chan []byte }

func (s *sink) ProcessPacket(p core.Packet) error {
	select {
	case s.ch <- core.ClonePacket(p).Data():
	default:
	}
	return nil
}

func (s *sink) next(timeout time.Duration) ([]byte, error) {
	select {
	case b := <-s.ch:
		return b, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no datagram within %s", timeout)
	}
}

// runSelfTest completes one handshake per configured listener against an
// in-process stack built from cfg, with a synthetic peer standing in for
// WireGuard.
func runSelfTest(cfg *config.Config) error {
	out := &sink{ch: make(chan []byte, 16)}
	st, err := buildStack(cfg, out)
	if err != nil {
		return err
	}
	defer st.Close()

	scfg, err := cfg.StackOptions()
	if err != nil {
		return err
	}
	lcs, err := cfg.ListenConfigs()
	if err != nil {
		return err
	}
	if len(lcs) == 0 {
		return fmt.Errorf("no listeners configured")
	}
	for i, lc := range lcs {
		if err := selfTestListener(st, out, scfg.Addresses, lc, uint16(40000+i)); err != nil {
			return fmt.Errorf("%s: %w", lc.Addr, err)
		}
	}
	return nil
}

func selfTestListener(st *stack.Stack, out *sink, locals []netip.Addr, lc stack.ListenConfig, port uint16) error {
	dst, peer, err := selfTestEndpoints(locals, lc.Addr)
	if err != nil {
		return err
	}
	l, err := st.Listen(lc)
	if err != nil {
		return err
	}
	defer l.Close()

	src := netip.AddrPortFrom(peer, port)
	syn := stack.SynProbe(src, dst, 0x5e1f7e57)
	if lc.SignatureKey != nil {
		syn.Options = func(ob *header.OptionBuilder) { ob.MSS(1460).Signature() }
		syn.SignatureKey = lc.SignatureKey
	}
	b, err := syn.Encode()
	if err != nil {
		return err
	}
	if err := st.HandleInbound(b); err != nil {
		return err
	}
	reply, err := out.next(time.Second)
	if err != nil {
		return fmt.Errorf("waiting for SYN+ACK: %w", err)
	}
	tcp, err := decodeTCP(reply)
	if err != nil {
		return err
	}
	if !tcp.SYN || !tcp.ACK || tcp.Ack != syn.Seq+1 {
		return fmt.Errorf("unexpected reply syn=%t ack=%t rst=%t ackno=%d", tcp.SYN, tcp.ACK, tcp.RST, tcp.Ack)
	}

	ack := stack.Probe{Src: src, Dst: dst, Seq: syn.Seq + 1, Ack: tcp.Seq + 1, Flags: header.FlagACK}
	if lc.SignatureKey != nil {
		ack.Options = func(ob *header.OptionBuilder) { ob.Signature() }
		ack.SignatureKey = lc.SignatureKey
	}
	if b, err = ack.Encode(); err != nil {
		return err
	}
	if err := st.HandleInbound(b); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := l.Accept(ctx)
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	logging.Infof("selftest %s: handshake with %s ok (mss %d, wscale %d/%d)",
		lc.Addr, c.RemoteAddr(), c.PeerMSS, c.RequestedSScale, c.RequestRScale)
	c.Close()
	out.next(100 * time.Millisecond)
	return nil
}

// selfTestEndpoints picks a concrete listener address and a peer address of
// the same family.
func selfTestEndpoints(locals []netip.Addr, listen netip.AddrPort) (netip.AddrPort, netip.Addr, error) {
	addr := listen.Addr()
	if addr.IsUnspecified() {
		addr = netip.Addr{}
		for _, a := range locals {
			if a.Is4() == listen.Addr().Is4() {
				addr = a
				break
			}
		}
		if !addr.IsValid() {
			return netip.AddrPort{}, netip.Addr{}, fmt.Errorf("no local address to reach wildcard listener")
		}
	}
	peer := netip.MustParseAddr("198.18.0.2")
	if addr.Is6() {
		peer = netip.MustParseAddr("2001:db8::2")
	}
	return netip.AddrPortFrom(addr, listen.Port()), peer, nil
}

func decodeTCP(b []byte) (*layers.TCP, error) {
	first := layers.LayerTypeIPv4
	if len(b) > 0 && b[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	pkt := gopacket.NewPacket(b, first, gopacket.Default)
	if el := pkt.ErrorLayer(); el != nil {
		return nil, fmt.Errorf("decode reply: %w", el.Error())
	}
	tl, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return nil, fmt.Errorf("reply is not TCP")
	}
	return tl, nil
}
