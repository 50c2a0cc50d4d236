package syncache

import (
	"net/netip"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/irctrakz/wgsyncache/pkg/header"
	"github.com/stretchr/testify/require"
)

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clk     *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clk: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, running due callbacks in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	end := c.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at.After(end) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = end
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	c.timers = live
	c.mu.Unlock()
}

// Pending returns the deadlines still armed, earliest first.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			out = append(out, t.at.Sub(c.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// cycleRandom returns its values in order, wrapping.
type cycleRandom struct {
	vals []uint32
	i    int
}

func (r *cycleRandom) Uint32() uint32 {
	v := r.vals[r.i%len(r.vals)]
	r.i++
	return v
}

// captureSender records every segment handed to the IP layer.
type captureSender struct {
	mu   sync.Mutex
	segs []Segment
	fail error
}

func (s *captureSender) SendSegment(seg *Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	cp := *seg
	cp.TCP = append([]byte(nil), seg.TCP...)
	s.segs = append(s.segs, cp)
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segs)
}

func (s *captureSender) last(t *testing.T) (Segment, header.TCP) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.segs, "no segment sent")
	seg := s.segs[len(s.segs)-1]
	h, err := header.ParseTCP(seg.TCP)
	require.NoError(t, err)
	return seg, h
}

type fakeRoute struct{ mtu int }

func (r *fakeRoute) MTU() int { return r.mtu }

type fakeRouter struct {
	mu       sync.Mutex
	route    *fakeRoute
	lookups  int
	released int
}

func (r *fakeRouter) Lookup(netip.Addr) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.route == nil {
		return nil, false
	}
	r.lookups++
	return r.route, true
}

func (r *fakeRouter) Release(Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
}

type fakeOwner struct {
	attached map[Handle]bool
	attaches int
	detaches int
	closed   bool
}

func newFakeOwner() *fakeOwner { return &fakeOwner{attached: make(map[Handle]bool)} }

func (o *fakeOwner) Attach(h Handle) { o.attached[h] = true; o.attaches++ }
func (o *fakeOwner) Detach(h Handle) { delete(o.attached, h); o.detaches++ }
func (o *fakeOwner) Closed() bool    { return o.closed }

var (
	localEP = netip.MustParseAddrPort("10.1.0.1:80")
	peerIP  = netip.MustParseAddr("10.9.0.2")
)

func peer(port uint16) netip.AddrPort { return netip.AddrPortFrom(peerIP, port) }

func syn(seq uint32, opts header.Options) header.TCP {
	return header.TCP{Seq: seq, Flags: header.FlagSYN, Options: opts}
}

func ack(seq, ackNum uint32) header.TCP {
	return header.TCP{Seq: seq, Ack: ackNum, Flags: header.FlagACK}
}

func listenCtx(o Owner) ListenContext {
	return ListenContext{Owner: o, RcvSpace: 65535, RcvHiwat: 65535}
}

type harness struct {
	c      *Cache
	clk    *fakeClock
	sender *captureSender
	rnd    *cycleRandom
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clk:    newFakeClock(),
		sender: &captureSender{},
		rnd:    &cycleRandom{vals: []uint32{0x9e3779b9, 0x7f4a7c15}},
	}
	opts = append([]Option{WithClock(h.clk), WithRandom(h.rnd)}, opts...)
	c, err := New(cfg, h.sender, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	h.c = c
	return h
}

// peersInBucket returns n source ports whose pair with localEP hashes to the
// given bucket under the harness secret.
func (h *harness) peersInBucket(t *testing.T, bucket, n int) []netip.AddrPort {
	t.Helper()
	idx := hashIndex{secretA: h.rnd.vals[0], secretB: h.rnd.vals[1], buckets: h.c.cfg.Buckets}
	var out []netip.AddrPort
	for p := 1024; p < 65536 && len(out) < n; p++ {
		src := peer(uint16(p))
		if idx.bucket(idx.hash(src, localEP)) == bucket {
			out = append(out, src)
		}
	}
	require.Len(t, out, n)
	return out
}

func (h *harness) bucketOf(src netip.AddrPort) int {
	idx := hashIndex{secretA: h.rnd.vals[0], secretB: h.rnd.vals[1], buckets: h.c.cfg.Buckets}
	return idx.bucket(idx.hash(src, localEP))
}

// elapsed is the fake time since the harness was built.
func (h *harness) elapsed() time.Duration {
	return h.clk.Now().Sub(h.c.epoch)
}
