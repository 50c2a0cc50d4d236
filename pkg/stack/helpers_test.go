package stack

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/irctrakz/wgsyncache/pkg/core"
	"github.com/irctrakz/wgsyncache/pkg/header"
	"github.com/irctrakz/wgsyncache/pkg/syncache"
	"github.com/stretchr/testify/require"
)

// captureProc records datagrams the stack emits toward peers.
type captureProc struct {
	mu   sync.Mutex
	pkts [][]byte
	fail error
}

func (c *captureProc) ProcessPacket(p core.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.pkts = append(c.pkts, append([]byte(nil), p.Data()...))
	return nil
}

func (c *captureProc) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pkts)
}

type outSeg struct {
	src, dst netip.Addr
	tcp      header.TCP
	seg      []byte
	ipopts   []layers.IPv4Option
	ttl      uint8
}

func (c *captureProc) last(t *testing.T) outSeg {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.pkts, "nothing sent")
	return decodeOut(t, c.pkts[len(c.pkts)-1])
}

func decodeOut(t *testing.T, b []byte) outSeg {
	t.Helper()
	var o outSeg
	if b[0]>>4 == 4 {
		var ip layers.IPv4
		require.NoError(t, ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback))
		require.Equal(t, layers.IPProtocolTCP, ip.Protocol)
		o.src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		o.dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
		o.seg = ip.Payload
		o.ipopts = ip.Options
		o.ttl = ip.TTL
	} else {
		var ip layers.IPv6
		require.NoError(t, ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback))
		require.Equal(t, layers.IPProtocolTCP, ip.NextHeader)
		o.src, _ = netip.AddrFromSlice(ip.SrcIP)
		o.dst, _ = netip.AddrFromSlice(ip.DstIP)
		o.seg = ip.Payload
		o.ttl = ip.HopLimit
	}
	require.True(t, header.VerifyTCPChecksum(o.src, finalDst(o), o.seg), "bad tcp checksum on emitted segment")
	th, err := header.ParseTCP(o.seg)
	require.NoError(t, err)
	o.tcp = th
	return o
}

// finalDst is the last stop of a source-routed datagram, which the TCP
// checksum covers, or its IP destination otherwise.
func finalDst(o outSeg) netip.Addr {
	for _, opt := range o.ipopts {
		if (opt.OptionType == optLSRR || opt.OptionType == optSSRR) && len(opt.OptionData) >= 5 {
			a, _ := netip.AddrFromSlice(opt.OptionData[len(opt.OptionData)-4:])
			return a
		}
	}
	return o.dst
}

// stillClock never fires timers, so retransmits stay out of the way.
type stillClock struct{}

type stillTimer struct{}

func (stillTimer) Stop() bool { return true }

func (stillClock) Now() time.Time { return time.Unix(1700000000, 0) }

func (stillClock) AfterFunc(time.Duration, func()) syncache.Timer { return stillTimer{} }

// inSeg describes an inbound segment from a peer.
type inSeg struct {
	src, dst netip.AddrPort
	seq, ack uint32
	flags    header.Flags
	win      uint16
	opts     func(*header.OptionBuilder)
	key      []byte
	ipopts   []layers.IPv4Option
	payload  []byte
}

func (in inSeg) datagram(t *testing.T) []byte {
	t.Helper()
	ob := header.NewOptionBuilder()
	if in.opts != nil {
		in.opts(ob)
	}
	win := in.win
	if win == 0 {
		win = 29200
	}
	tcp, err := ob.Marshal(header.Fields{
		SrcPort: in.src.Port(), DstPort: in.dst.Port(),
		Seq: in.seq, Ack: in.ack, Flags: in.flags, Window: win,
	})
	require.NoError(t, err)
	tcp = append(tcp, in.payload...)
	if in.key != nil {
		require.NoError(t, header.SignSegment(in.src.Addr(), in.dst.Addr(), tcp, ob.SignatureOffset(), in.key))
	}
	header.SetTCPChecksum(in.src.Addr(), in.dst.Addr(), tcp)
	return wrapIP(t, in.src.Addr(), in.dst.Addr(), layers.IPProtocolTCP, tcp, in.ipopts)
}

func wrapIP(t *testing.T, src, dst netip.Addr, proto layers.IPProtocol, payload []byte, opts []layers.IPv4Option) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	so := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	var err error
	if src.Is4() {
		err = gopacket.SerializeLayers(buf, so, &layers.IPv4{
			Version: 4, TTL: 64, Protocol: proto,
			SrcIP: net.IP(src.AsSlice()), DstIP: net.IP(dst.AsSlice()),
			Options: opts,
		}, gopacket.Payload(payload))
	} else {
		err = gopacket.SerializeLayers(buf, so, &layers.IPv6{
			Version: 6, HopLimit: 64, NextHeader: proto,
			SrcIP: net.IP(src.AsSlice()), DstIP: net.IP(dst.AsSlice()),
		}, gopacket.Payload(payload))
	}
	require.NoError(t, err)
	return append([]byte(nil), buf.Bytes()...)
}

var (
	listenAddr = netip.MustParseAddrPort("10.1.0.1:80")
	peerAddr   = netip.MustParseAddr("10.9.0.2")
	listen6    = netip.MustParseAddrPort("[fd00::1]:443")
	peer6      = netip.MustParseAddr("fd00::2")
)

func peerPort(p uint16) netip.AddrPort { return netip.AddrPortFrom(peerAddr, p) }

func newTestStack(t *testing.T) (*Stack, *captureProc) {
	t.Helper()
	out := &captureProc{}
	s, err := New(Config{}, syncache.DefaultConfig(), out, WithCacheOptions(syncache.WithClock(stillClock{})))
	require.NoError(t, err)
	require.NoError(t, s.Routes().Add(netip.MustParsePrefix("10.9.0.0/16"), 1400, "peers"))
	require.NoError(t, s.Routes().Add(netip.MustParsePrefix("fd00::/64"), 1400, "peers6"))
	t.Cleanup(func() { s.Close() })
	return s, out
}

func synOpts(ob *header.OptionBuilder) {
	ob.MSS(1460).WindowScale(7).SACKPermitted().Timestamp(1000, 0)
}

// netipPort is a port on the listening address.
func netipPort(p uint16) netip.AddrPort { return netip.AddrPortFrom(listenAddr.Addr(), p) }

func netipWild(p uint16) netip.AddrPort { return netip.AddrPortFrom(netip.IPv4Unspecified(), p) }
