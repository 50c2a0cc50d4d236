package stack

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/irctrakz/wgsyncache/pkg/header"
	"github.com/irctrakz/wgsyncache/pkg/syncache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

func TestHandshakeDeliversConn(t *testing.T) {
	s, out := newTestStack(t)
	l, err := s.Listen(ListenConfig{Addr: listenAddr, Backlog: 4, RcvBuf: 1 << 20})
	require.NoError(t, err)
	peer := peerPort(40000)

	require.NoError(t, s.HandleInbound(inSeg{src: peer, dst: listenAddr, seq: 1000, flags: header.FlagSYN, opts: synOpts}.datagram(t)))
	require.Equal(t, 1, out.count())
	assert.Equal(t, 1, l.Pending())

	synack := out.last(t)
	assert.Equal(t, listenAddr.Addr(), synack.src)
	assert.Equal(t, peer.Addr(), synack.dst)
	assert.Equal(t, uint8(64), synack.ttl)
	assert.Equal(t, header.FlagSYN|header.FlagACK, synack.tcp.Flags)
	assert.Equal(t, uint32(1001), synack.tcp.Ack)
	assert.Equal(t, uint16(1360), synack.tcp.Options.MSS)
	assert.Equal(t, uint8(5), synack.tcp.Options.WindowScale)
	assert.True(t, synack.tcp.Options.SACKPermitted)
	assert.Equal(t, uint32(1000), synack.tcp.Options.TSEcr)

	require.NoError(t, s.HandleInbound(inSeg{
		src: peer, dst: listenAddr, seq: 1001, ack: synack.tcp.Seq + 1,
		flags: header.FlagACK, win: 512,
	}.datagram(t)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := l.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, peer, c.RemoteAddr())
	assert.Equal(t, listenAddr, c.LocalAddr())
	assert.Equal(t, synack.tcp.Seq, c.ISS)
	assert.Equal(t, uint32(1000), c.IRS)
	assert.Equal(t, uint16(1460), c.PeerMSS)
	assert.Equal(t, uint32(512<<7), c.SendWindow())
	assert.True(t, c.Flags&syncache.FlagSACK != 0)
	assert.Same(t, l, c.Owner.(*Listener))
	require.NotNil(t, c.Route)
	assert.Equal(t, 0, l.Pending())
	assert.Equal(t, uint64(1), s.Metrics().Accepted)

	route := c.Route.(*Route)
	assert.Equal(t, int64(1), route.Refs())
	require.NoError(t, c.Close())
	assert.Equal(t, int64(0), route.Refs())
	rst := out.last(t)
	assert.Equal(t, header.FlagRST, rst.tcp.Flags)
	assert.Equal(t, c.ISS+1, rst.tcp.Seq)
}

func TestUnknownAckIsReset(t *testing.T) {
	s, out := newTestStack(t)
	_, err := s.Listen(ListenConfig{Addr: listenAddr})
	require.NoError(t, err)

	require.NoError(t, s.HandleInbound(inSeg{src: peerPort(40001), dst: listenAddr, seq: 7, ack: 5000, flags: header.FlagACK}.datagram(t)))
	rst := out.last(t)
	assert.Equal(t, header.FlagRST, rst.tcp.Flags)
	assert.Equal(t, uint32(5000), rst.tcp.Seq)
	assert.Equal(t, uint16(40001), rst.tcp.DstPort)
	assert.Equal(t, uint64(1), s.Metrics().ResetsSent)

	// A reset is never answered.
	require.NoError(t, s.HandleInbound(inSeg{src: peerPort(40001), dst: netipPort(81), seq: 7, flags: header.FlagRST}.datagram(t)))
	assert.Equal(t, 1, out.count())
}

func TestNoListenerResetsSyn(t *testing.T) {
	s, out := newTestStack(t)
	require.NoError(t, s.HandleInbound(inSeg{src: peerPort(40002), dst: netipPort(81), seq: 99, flags: header.FlagSYN}.datagram(t)))
	rst := out.last(t)
	assert.Equal(t, header.FlagRST|header.FlagACK, rst.tcp.Flags)
	assert.Equal(t, uint32(100), rst.tcp.Ack)
	assert.Equal(t, uint64(1), s.Metrics().NoListener)
}

func TestSelfConnectSynDropped(t *testing.T) {
	s, out := newTestStack(t)
	_, err := s.Listen(ListenConfig{Addr: listenAddr})
	require.NoError(t, err)

	require.NoError(t, s.HandleInbound(inSeg{src: listenAddr, dst: listenAddr, seq: 1, flags: header.FlagSYN}.datagram(t)))
	assert.Equal(t, 0, out.count())
	assert.Equal(t, 0, s.HalfOpen())
	assert.Equal(t, uint64(1), s.Metrics().BadSyn)
}

func TestBacklogGateAndAbort(t *testing.T) {
	s, out := newTestStack(t)
	l, err := s.Listen(ListenConfig{Addr: listenAddr, Backlog: 1})
	require.NoError(t, err)
	a, b := peerPort(1000), peerPort(1001)

	require.NoError(t, s.HandleInbound(inSeg{src: a, dst: listenAddr, seq: 10, flags: header.FlagSYN}.datagram(t)))
	issA := out.last(t).tcp.Seq
	require.NoError(t, s.HandleInbound(inSeg{src: b, dst: listenAddr, seq: 20, flags: header.FlagSYN}.datagram(t)))
	issB := out.last(t).tcp.Seq

	require.NoError(t, s.HandleInbound(inSeg{src: a, dst: listenAddr, seq: 11, ack: issA + 1, flags: header.FlagACK}.datagram(t)))
	assert.Equal(t, 1, l.Queued())

	require.NoError(t, s.HandleInbound(inSeg{src: b, dst: listenAddr, seq: 21, ack: issB + 1, flags: header.FlagACK}.datagram(t)))
	rst := out.last(t)
	assert.Equal(t, header.FlagRST, rst.tcp.Flags)
	assert.Equal(t, issB+1, rst.tcp.Seq)
	assert.Equal(t, uint64(1), s.CacheStats().Aborted)

	sent := out.count()
	require.NoError(t, s.HandleInbound(inSeg{src: peerPort(1002), dst: listenAddr, seq: 30, flags: header.FlagSYN}.datagram(t)))
	assert.Equal(t, sent, out.count(), "SYN past the backlog must not be answered")
	assert.Equal(t, uint64(1), s.Metrics().BacklogDrops)

	for _, r := range s.Routes().Routes() {
		if r.Name == "peers" {
			assert.Equal(t, int64(1), r.Refs(), "only the queued connection holds the route")
		}
	}
}

func TestListenerCloseDropsPending(t *testing.T) {
	s, out := newTestStack(t)
	l, err := s.Listen(ListenConfig{Addr: listenAddr})
	require.NoError(t, err)
	_, err = s.Listen(ListenConfig{Addr: listenAddr})
	assert.ErrorIs(t, err, ErrAddrInUse)

	for p := uint16(2000); p < 2003; p++ {
		require.NoError(t, s.HandleInbound(inSeg{src: peerPort(p), dst: listenAddr, seq: 1, flags: header.FlagSYN}.datagram(t)))
	}
	assert.Equal(t, 3, l.Pending())
	assert.Equal(t, 3, s.HalfOpen())

	require.NoError(t, l.Close())
	assert.Equal(t, 0, s.HalfOpen())
	assert.Equal(t, 0, l.Pending())
	_, err = l.Accept(context.Background())
	assert.ErrorIs(t, err, ErrListenerClosed)

	// The port is free again and stray ACKs are reset.
	_, err = s.Listen(ListenConfig{Addr: listenAddr})
	require.NoError(t, err)
	require.NoError(t, s.HandleInbound(inSeg{src: peerPort(2000), dst: listenAddr, seq: 2, ack: 77, flags: header.FlagACK}.datagram(t)))
	assert.Equal(t, header.FlagRST, out.last(t).tcp.Flags)
}

func TestSynRacingListenerClose(t *testing.T) {
	s, out := newTestStack(t)
	l, err := s.Listen(ListenConfig{Addr: listenAddr})
	require.NoError(t, err)
	seg := inSeg{src: peerPort(2100), dst: listenAddr, seq: 1, flags: header.FlagSYN}.datagram(t)
	th, err := header.ParseTCP(seg[20:])
	require.NoError(t, err)

	// A worker resolved l before Close ran and only now reaches the cache.
	require.NoError(t, l.Close())
	s.inboundSYN(l, peerPort(2100), listenAddr, seg[20:], th, nil)

	assert.Equal(t, 0, s.HalfOpen())
	assert.Equal(t, 0, l.Pending())
	assert.Equal(t, 0, out.count(), "no SYN+ACK for a closed listener")
}

func TestWildcardListener(t *testing.T) {
	s, out := newTestStack(t)
	_, err := s.Listen(ListenConfig{Addr: netipWild(8080)})
	require.NoError(t, err)
	require.NoError(t, s.HandleInbound(inSeg{src: peerPort(3000), dst: netipPort(8080), seq: 5, flags: header.FlagSYN}.datagram(t)))
	assert.Equal(t, header.FlagSYN|header.FlagACK, out.last(t).tcp.Flags)
}

func TestResetRemovesPending(t *testing.T) {
	s, _ := newTestStack(t)
	_, err := s.Listen(ListenConfig{Addr: listenAddr})
	require.NoError(t, err)
	peer := peerPort(4000)
	require.NoError(t, s.HandleInbound(inSeg{src: peer, dst: listenAddr, seq: 500, flags: header.FlagSYN}.datagram(t)))

	require.NoError(t, s.HandleInbound(inSeg{src: peer, dst: listenAddr, seq: 9999, flags: header.FlagRST}.datagram(t)))
	assert.Equal(t, 1, s.HalfOpen(), "out-of-window RST is ignored")
	require.NoError(t, s.HandleInbound(inSeg{src: peer, dst: listenAddr, seq: 501, flags: header.FlagRST}.datagram(t)))
	assert.Equal(t, 0, s.HalfOpen())
	assert.Equal(t, uint64(1), s.CacheStats().Reset)
}

func TestICMPUnreachMarksEntry(t *testing.T) {
	s, out := newTestStack(t)
	_, err := s.Listen(ListenConfig{Addr: listenAddr})
	require.NoError(t, err)
	peer := peerPort(5000)
	require.NoError(t, s.HandleInbound(inSeg{src: peer, dst: listenAddr, seq: 1, flags: header.FlagSYN}.datagram(t)))
	out.mu.Lock()
	synack := append([]byte(nil), out.pkts[0]...)
	out.mu.Unlock()

	icmpFor := func(quoted []byte) []byte {
		msg := icmp.Message{
			Type: ipv4.ICMPTypeDestinationUnreachable,
			Code: 1,
			Body: &icmp.DstUnreach{Data: quoted[:28]},
		}
		b, err := msg.Marshal(nil)
		require.NoError(t, err)
		return wrapIP(t, peer.Addr(), listenAddr.Addr(), layers.IPProtocolICMPv4, b, nil)
	}

	require.NoError(t, s.HandleInbound(icmpFor(synack)))
	snap, ok := s.cache.Lookup(peer, listenAddr)
	require.True(t, ok)
	assert.NotZero(t, snap.Flags&syncache.FlagUnreach)
	assert.Equal(t, uint64(1), s.Metrics().ICMPReceived)

	// A quote with another sequence number does not match the entry.
	bogus := append([]byte(nil), synack...)
	bogus[24] ^= 0xff
	require.NoError(t, s.HandleInbound(icmpFor(bogus)))
	_, ok = s.cache.Lookup(peer, listenAddr)
	assert.True(t, ok)

	// Quotes too short to hold ports and sequence are rejected.
	msg := icmp.Message{Type: ipv4.ICMPTypeDestinationUnreachable, Body: &icmp.DstUnreach{Data: synack[:22]}}
	b, err := msg.Marshal(nil)
	require.NoError(t, err)
	err = s.HandleInbound(wrapIP(t, peer.Addr(), listenAddr.Addr(), layers.IPProtocolICMPv4, b, nil))
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestSourceRouteEchoed(t *testing.T) {
	s, out := newTestStack(t)
	_, err := s.Listen(ListenConfig{Addr: listenAddr})
	require.NoError(t, err)
	lsrr := layers.IPv4Option{
		OptionType:   optLSRR,
		OptionLength: 11,
		OptionData:   []byte{12, 10, 9, 1, 1, 10, 9, 1, 2},
	}
	require.NoError(t, s.HandleInbound(inSeg{
		src: peerPort(6000), dst: listenAddr, seq: 1, flags: header.FlagSYN,
		ipopts: []layers.IPv4Option{lsrr},
	}.datagram(t)))

	// The reply leaves through the last recorded hop and the route ends at
	// the peer.
	synack := out.last(t)
	assert.Equal(t, netip.MustParseAddr("10.9.1.2"), synack.dst)
	require.Len(t, synack.ipopts, 2)
	assert.Equal(t, uint8(optNOP), synack.ipopts[0].OptionType)
	got := synack.ipopts[1]
	assert.Equal(t, uint8(optLSRR), got.OptionType)
	assert.Equal(t, []byte{4, 10, 9, 1, 1, 10, 9, 0, 2}, got.OptionData)
}

func TestSignedListener(t *testing.T) {
	s, out := newTestStack(t)
	key := []byte("bgp-md5")
	_, err := s.Listen(ListenConfig{Addr: netipPort(179), SignatureKey: key})
	require.NoError(t, err)
	sigOpts := func(ob *header.OptionBuilder) { ob.MSS(1400).Signature() }

	// Unsigned SYN.
	require.NoError(t, s.HandleInbound(inSeg{src: peerPort(7000), dst: netipPort(179), seq: 1, flags: header.FlagSYN}.datagram(t)))
	assert.Equal(t, 0, out.count())
	assert.Equal(t, uint64(1), s.CacheStats().BadSignature)

	// Wrong key.
	require.NoError(t, s.HandleInbound(inSeg{src: peerPort(7001), dst: netipPort(179), seq: 1, flags: header.FlagSYN, opts: sigOpts, key: []byte("nope")}.datagram(t)))
	assert.Equal(t, 0, out.count())
	assert.Equal(t, uint64(1), s.Metrics().BadSyn)

	require.NoError(t, s.HandleInbound(inSeg{src: peerPort(7002), dst: netipPort(179), seq: 1, flags: header.FlagSYN, opts: sigOpts, key: key}.datagram(t)))
	synack := out.last(t)
	require.True(t, synack.tcp.Options.HasSignature)
	assert.NoError(t, header.VerifySignature(synack.src, synack.dst, synack.seg, synack.tcp, key))
}

func TestIPv6Handshake(t *testing.T) {
	s, out := newTestStack(t)
	l, err := s.Listen(ListenConfig{Addr: listen6})
	require.NoError(t, err)
	peer := netip.AddrPortFrom(peer6, 50000)

	require.NoError(t, s.HandleInbound(inSeg{src: peer, dst: listen6, seq: 42, flags: header.FlagSYN, opts: synOpts}.datagram(t)))
	synack := out.last(t)
	assert.Equal(t, listen6.Addr(), synack.src)
	assert.Equal(t, uint16(1340), synack.tcp.Options.MSS)

	require.NoError(t, s.HandleInbound(inSeg{src: peer, dst: listen6, seq: 43, ack: synack.tcp.Seq + 1, flags: header.FlagACK}.datagram(t)))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := l.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, peer, c.RemoteAddr())
}

func TestNoRouteCountsSendError(t *testing.T) {
	s, out := newTestStack(t)
	_, err := s.Listen(ListenConfig{Addr: listenAddr})
	require.NoError(t, err)
	far := netip.AddrPortFrom(netip.MustParseAddr("192.0.2.9"), 1234)

	require.NoError(t, s.HandleInbound(inSeg{src: far, dst: listenAddr, seq: 1, flags: header.FlagSYN}.datagram(t)))
	assert.Equal(t, 0, out.count())
	assert.Equal(t, 1, s.HalfOpen(), "entry survives a failed send")
	assert.Equal(t, uint64(1), s.CacheStats().SendErrors)
}

func TestMalformedInput(t *testing.T) {
	s, _ := newTestStack(t)
	_, err := s.Listen(ListenConfig{Addr: listenAddr})
	require.NoError(t, err)

	assert.ErrorIs(t, s.HandleInbound(nil), ErrMalformed)
	assert.ErrorIs(t, s.HandleInbound([]byte{0x45, 0, 0}), ErrMalformed)
	assert.ErrorIs(t, s.HandleInbound([]byte{0x70, 1, 2, 3}), ErrMalformed)

	d := inSeg{src: peerPort(8000), dst: listenAddr, seq: 1, flags: header.FlagSYN}.datagram(t)
	assert.ErrorIs(t, s.HandleInbound(d[:len(d)-4]), ErrMalformed)

	d[len(d)-1] ^= 0x55 // corrupt the tcp checksum region
	require.NoError(t, s.HandleInbound(d))
	assert.Equal(t, uint64(1), s.Metrics().BadChecksum)
	assert.Equal(t, 0, s.HalfOpen())
	assert.Equal(t, uint64(4), s.Metrics().Malformed)
}

func TestForeignDestinationIgnored(t *testing.T) {
	out := &captureProc{}
	cfg := DefaultConfig()
	cfg.Addresses = []netip.Addr{listenAddr.Addr()}
	s, err := New(cfg, syncache.DefaultConfig(), out, WithCacheOptions(syncache.WithClock(stillClock{})))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Routes().Add(netip.MustParsePrefix("0.0.0.0/0"), 1500, "default"))

	other := netip.AddrPortFrom(netip.MustParseAddr("10.1.0.99"), 80)
	require.NoError(t, s.HandleInbound(inSeg{src: peerPort(1), dst: other, seq: 1, flags: header.FlagSYN}.datagram(t)))
	assert.Equal(t, 0, out.count())
	assert.Equal(t, uint64(0), s.Metrics().NoListener)
}

func TestMetricsMapIncludesCache(t *testing.T) {
	s, _ := newTestStack(t)
	_, err := s.Listen(ListenConfig{Addr: listenAddr})
	require.NoError(t, err)
	require.NoError(t, s.HandleInbound(inSeg{src: peerPort(9000), dst: listenAddr, seq: 1, flags: header.FlagSYN}.datagram(t)))

	m := s.MetricsMap()
	assert.Equal(t, uint64(1), m["syncache_added"])
	assert.Equal(t, uint64(1), m["half_open"])
	assert.Equal(t, uint64(1), m["packets_received"])
	assert.Equal(t, uint64(1), m["packets_sent"])
}
