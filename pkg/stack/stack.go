// Package stack is the small IP layer in front of the SYN cache. It decodes
// plaintext datagrams from the WireGuard device, steers TCP handshake
// segments and ICMP errors into the cache, keeps listeners and their accept
// queues, and serializes outgoing segments back into IP datagrams.
package stack

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/irctrakz/wgsyncache/pkg/core"
	"github.com/irctrakz/wgsyncache/pkg/header"
	"github.com/irctrakz/wgsyncache/pkg/logging"
	"github.com/irctrakz/wgsyncache/pkg/syncache"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoRoute means no route covers the destination.
	ErrNoRoute = errors.New("stack: no route to host")
	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("stack: listener closed")
	// ErrAddrInUse means the endpoint or prefix is already taken.
	ErrAddrInUse = errors.New("stack: address already in use")
	// ErrBacklog means the accept queue is full.
	ErrBacklog = errors.New("stack: accept queue full")
	// ErrMalformed wraps datagrams that failed to decode.
	ErrMalformed = errors.New("stack: malformed datagram")
)

// Config holds the IP-layer settings.
type Config struct {
	// Addresses are the local addresses; datagrams to others are ignored.
	// Empty means accept any destination a listener matches.
	Addresses []netip.Addr
	MTU       int
	TTL       uint8
	HopLimit  uint8
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{MTU: 1380, TTL: 64, HopLimit: 64}
}

// Option customises a Stack.
type Option func(*Stack)

// WithCacheOptions passes options through to the SYN cache.
func WithCacheOptions(opts ...syncache.Option) Option {
	return func(s *Stack) { s.cacheOpts = append(s.cacheOpts, opts...) }
}

// WithRouteTable uses t instead of an empty table.
func WithRouteTable(t *RouteTable) Option {
	return func(s *Stack) { s.routes = t }
}

// Stack demultiplexes inbound datagrams and owns the SYN cache.
type Stack struct {
	cfg       Config
	out       core.PacketProcessor
	routes    *RouteTable
	cache     *syncache.Cache
	cacheOpts []syncache.Option

	mu        sync.RWMutex
	listeners map[netip.AddrPort]*Listener
	locals    map[netip.Addr]bool

	ipid    uint32
	metrics core.StackMetrics
	warn    *logging.Limiter
	log     *logrus.Entry
}

// New builds a stack that writes datagrams to out, normally the WireGuard
// packet processor.
func New(cfg Config, cacheCfg syncache.Config, out core.PacketProcessor, opts ...Option) (*Stack, error) {
	if out == nil {
		return nil, errors.New("stack: nil output processor")
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultConfig().MTU
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.HopLimit == 0 {
		cfg.HopLimit = DefaultConfig().HopLimit
	}
	s := &Stack{
		cfg:       cfg,
		out:       out,
		listeners: make(map[netip.AddrPort]*Listener),
		locals:    make(map[netip.Addr]bool),
		warn:      logging.NewLimiter(time.Second, 10),
		log:       logging.Component("stack"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.routes == nil {
		s.routes = NewRouteTable()
	}
	for _, a := range cfg.Addresses {
		s.locals[a.Unmap()] = true
	}
	copts := append([]syncache.Option{syncache.WithRouter(s.routes)}, s.cacheOpts...)
	c, err := syncache.New(cacheCfg, s, copts...)
	if err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}
	s.cache = c
	return s, nil
}

// Routes returns the route table.
func (s *Stack) Routes() *RouteTable { return s.routes }

// CacheStats returns the SYN cache counters.
func (s *Stack) CacheStats() syncache.Stats { return s.cache.Stats() }

// HalfOpen returns the number of pending handshakes.
func (s *Stack) HalfOpen() int { return s.cache.Len() }

// Close closes every listener and the cache.
func (s *Stack) Close() error {
	s.mu.Lock()
	ls := make([]*Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l.Close()
	}
	s.cache.Close()
	return nil
}

// ProcessPacket lets the stack sit directly behind a packet source.
func (s *Stack) ProcessPacket(p core.Packet) error {
	return s.HandleInbound(p.Data())
}

// HandleInbound processes one plaintext IP datagram from a peer.
func (s *Stack) HandleInbound(b []byte) error {
	atomic.AddUint64(&s.metrics.PacketsReceived, 1)
	atomic.AddUint64(&s.metrics.BytesReceived, uint64(len(b)))
	if len(b) == 0 {
		return s.malformed("empty datagram")
	}
	switch b[0] >> 4 {
	case 4:
		return s.inbound4(b)
	case 6:
		return s.inbound6(b)
	default:
		return s.malformed("ip version %d", b[0]>>4)
	}
}

func (s *Stack) inbound4(b []byte) error {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return s.malformed("ipv4: %v", err)
	}
	if int(ip.Length) > len(b) {
		return s.malformed("ipv4: truncated, %d of %d bytes", len(b), ip.Length)
	}
	if ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
		return s.malformed("ipv4: fragment")
	}
	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())
	if !s.isLocal(dst) {
		return nil
	}
	switch ip.Protocol {
	case layers.IPProtocolTCP:
		return s.inboundTCP(src, dst, ip.Payload, reverseSourceRoute(ip.Options, src))
	case layers.IPProtocolICMPv4:
		return s.inboundICMP(protoICMPv4, ip.Payload)
	}
	return nil
}

func (s *Stack) inbound6(b []byte) error {
	var ip layers.IPv6
	if err := ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return s.malformed("ipv6: %v", err)
	}
	if 40+int(ip.Length) > len(b) {
		return s.malformed("ipv6: truncated, %d of %d bytes", len(b), 40+int(ip.Length))
	}
	src, _ := netip.AddrFromSlice(ip.SrcIP)
	dst, _ := netip.AddrFromSlice(ip.DstIP)
	if !s.isLocal(dst) {
		return nil
	}
	switch ip.NextHeader {
	case layers.IPProtocolTCP:
		return s.inboundTCP(src, dst, ip.Payload, nil)
	case layers.IPProtocolICMPv6:
		return s.inboundICMP(protoICMPv6, ip.Payload)
	}
	return nil
}

func (s *Stack) inboundTCP(src, dst netip.Addr, seg []byte, ipopts []byte) error {
	th, err := header.ParseTCP(seg)
	if err != nil {
		return s.malformed("%v", err)
	}
	if !header.VerifyTCPChecksum(src, dst, seg) {
		atomic.AddUint64(&s.metrics.BadChecksum, 1)
		return nil
	}
	peer := netip.AddrPortFrom(src, th.SrcPort)
	local := netip.AddrPortFrom(dst, th.DstPort)

	l := s.listener(local)
	if l == nil {
		atomic.AddUint64(&s.metrics.NoListener, 1)
		s.resetUnknown(local, peer, th)
		return nil
	}

	switch {
	case th.Flags.Has(header.FlagRST):
		if err := s.cache.Reset(peer, local, th); err != nil && !errors.Is(err, syncache.ErrNotFound) {
			s.log.Debugf("rst from %s ignored: %v", peer, err)
		}
	case th.Flags.Has(header.FlagSYN) && !th.Flags.Has(header.FlagACK):
		s.inboundSYN(l, peer, local, seg, th, ipopts)
	case th.Flags.Has(header.FlagSYN):
		// SYN+ACK to a listener
		s.resetUnknown(local, peer, th)
	case th.Flags.Has(header.FlagACK):
		s.inboundACK(l, peer, local, th)
	}
	return nil
}

func (s *Stack) inboundSYN(l *Listener, peer, local netip.AddrPort, seg []byte, th header.TCP, ipopts []byte) {
	if peer == local || th.Flags.Has(header.FlagFIN) || !validPeer(peer.Addr()) {
		atomic.AddUint64(&s.metrics.BadSyn, 1)
		return
	}
	if l.full() {
		atomic.AddUint64(&s.metrics.BacklogDrops, 1)
		s.warn.Warnf("listener %s: accept queue full, dropping SYN from %s", l.addr, peer)
		return
	}
	if len(l.sigKey) > 0 && th.Options.HasSignature {
		if err := header.VerifySignature(peer.Addr(), local.Addr(), seg, th, l.sigKey); err != nil {
			atomic.AddUint64(&s.metrics.BadSyn, 1)
			s.warn.Warnf("listener %s: SYN from %s failed signature check", l.addr, peer)
			return
		}
	}
	err := s.cache.Add(peer, local, th, syncache.ListenContext{
		Owner:        l,
		RcvSpace:     l.rcvBuf,
		RcvHiwat:     l.rcvBuf,
		MSS:          l.mss,
		SignatureKey: l.sigKey,
		IPOptions:    ipopts,
	})
	if err != nil {
		s.log.Debugf("syn from %s not cached: %v", peer, err)
	}
}

func (s *Stack) inboundACK(l *Listener, peer, local netip.AddrPort, th header.TCP) {
	p, err := s.cache.Get(peer, local, th)
	switch {
	case errors.Is(err, syncache.ErrNotFound):
		s.sendReset(local, peer, th.Ack, 0, header.FlagRST)
		return
	case err != nil:
		return
	}
	c := newConn(s, p, th.Window)
	if !l.deliver(c) {
		s.sendReset(local, peer, p.ISS+1, 0, header.FlagRST)
		s.cache.RecordAbort()
		c.release()
		s.warn.Warnf("listener %s: accept queue full, aborting %s", l.addr, peer)
		return
	}
	atomic.AddUint64(&s.metrics.Accepted, 1)
	s.log.WithFields(logrus.Fields{"peer": peer.String(), "local": local.String()}).Debug("connection established")
}

// resetUnknown answers a segment nobody wants, unless it is itself a reset.
func (s *Stack) resetUnknown(local, peer netip.AddrPort, th header.TCP) {
	if th.Flags.Has(header.FlagRST) {
		return
	}
	if th.Flags.Has(header.FlagACK) {
		s.sendReset(local, peer, th.Ack, 0, header.FlagRST)
		return
	}
	n := uint32(len(th.Payload))
	if th.Flags.Has(header.FlagSYN) {
		n++
	}
	if th.Flags.Has(header.FlagFIN) {
		n++
	}
	s.sendReset(local, peer, 0, th.Seq+n, header.FlagRST|header.FlagACK)
}

func (s *Stack) sendReset(local, peer netip.AddrPort, seq, ack uint32, flags header.Flags) {
	seg, err := header.NewOptionBuilder().Marshal(header.Fields{
		SrcPort: local.Port(),
		DstPort: peer.Port(),
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
	})
	if err != nil {
		return
	}
	if err := s.SendSegment(&syncache.Segment{Src: local, Dst: peer, TCP: seg}); err != nil {
		s.log.Debugf("rst to %s not sent: %v", peer, err)
		return
	}
	atomic.AddUint64(&s.metrics.ResetsSent, 1)
}

func (s *Stack) isLocal(a netip.Addr) bool {
	if len(s.locals) == 0 {
		return true
	}
	return s.locals[a.Unmap()]
}

func validPeer(a netip.Addr) bool {
	return a.IsValid() && !a.IsUnspecified() && !a.IsMulticast() &&
		a != netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

func (s *Stack) malformed(format string, args ...interface{}) error {
	atomic.AddUint64(&s.metrics.Malformed, 1)
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
