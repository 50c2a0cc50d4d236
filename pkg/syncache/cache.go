// Package syncache tracks half-open TCP connections for listening endpoints.
//
// A Cache answers SYNs with SYN+ACKs from compressed per-connection state,
// retransmits them on a backoff ladder, and hands a connection's negotiated
// parameters to the caller once the final ACK validates. Storage is bounded
// per bucket and globally; under pressure the oldest entries are evicted.
// Every operation runs under a single lock, including timer callbacks.
package syncache

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/irctrakz/wgsyncache/pkg/header"
	"github.com/irctrakz/wgsyncache/pkg/logging"
	"github.com/irctrakz/wgsyncache/pkg/seqnum"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound means no entry exists for the endpoint pair. Callers
	// usually answer an unmatched ACK with a RST.
	ErrNotFound = errors.New("syncache: no pending entry")
	// ErrRetry means the ACK did not validate and the SYN+ACK was resent.
	ErrRetry = errors.New("syncache: ack did not validate")
	// ErrNoMemory means the SYN was dropped for lack of entry storage.
	ErrNoMemory = errors.New("syncache: entry storage exhausted")
	// ErrStale means the segment's sequence number is outside the
	// acceptance window for the entry.
	ErrStale = errors.New("syncache: sequence number not acceptable")
	// ErrSignature means the listener requires TCP-MD5 and the SYN had none.
	ErrSignature = errors.New("syncache: signature required")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("syncache: closed")
)

// ListenContext describes the listener a SYN arrived for.
type ListenContext struct {
	Owner Owner
	// RcvSpace is the free receive buffer space; it bounds the window.
	RcvSpace int
	// RcvHiwat is the receive buffer size; it picks our window-scale shift.
	RcvHiwat int
	// MSS overrides the advertised MSS when non-zero.
	MSS uint16
	// SignatureKey enables TCP-MD5 for the listener.
	SignatureKey []byte
	// IPOptions are the options to echo on replies, usually a reversed
	// source route.
	IPOptions []byte
}

// ICMPContext carries what an ICMP error quoted from our SYN+ACK.
type ICMPContext struct {
	Seq  uint32
	Type uint8
	Code uint8
}

// Cache is the SYN cache. The zero value is not usable; call New.
type Cache struct {
	mu sync.Mutex

	cfg    Config
	clock  Clock
	random Random
	sender Sender
	router Router

	arena  *arena
	table  *bucketTable
	index  hashIndex
	owners map[Owner]*pendingList
	iss    *issGenerator
	epoch  time.Time
	closed bool

	stats Stats
	warn  *logging.Limiter
	log   *logrus.Entry
}

// Option customises a Cache at construction.
type Option func(*Cache)

// WithClock replaces the system clock.
func WithClock(clk Clock) Option { return func(c *Cache) { c.clock = clk } }

// WithRandom replaces the crypto/rand secret source.
func WithRandom(r Random) Option { return func(c *Cache) { c.random = r } }

// WithRouter sets the route collaborator.
func WithRouter(r Router) Option { return func(c *Cache) { c.router = r } }

// New builds an empty cache that sends replies through sender.
func New(cfg Config, sender Sender, opts ...Option) (*Cache, error) {
	if sender == nil {
		return nil, errors.New("syncache: nil sender")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:    cfg,
		clock:  SystemClock(),
		random: CryptoRandom(),
		sender: sender,
		owners: make(map[Owner]*pendingList),
		iss:    newISSGenerator(),
		warn:   logging.NewLimiter(time.Second, 5),
		log:    logging.Component("syncache"),
	}
	for _, o := range opts {
		o(c)
	}
	c.arena = newArena(cfg.ArenaSize, c.router)
	c.table = newBucketTable(cfg.Buckets, c.arena)
	c.index = hashIndex{buckets: cfg.Buckets}
	c.epoch = c.clock.Now()
	c.log.Debugf("cache ready: buckets=%d bucketLimit=%d cacheLimit=%d arena=%d",
		cfg.Buckets, cfg.BucketLimit, cfg.CacheLimit, cfg.ArenaSize)
	return c, nil
}

// ticks is the millisecond clock used for timestamps.
func (c *Cache) ticks() uint32 {
	return uint32(c.clock.Now().Sub(c.epoch) / time.Millisecond)
}

// Add handles a SYN from src to the listening endpoint dst. A new entry is
// created and answered, or an existing one is refreshed and answered again.
func (c *Cache) Add(src, dst netip.AddrPort, th header.TCP, lc ListenContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || (lc.Owner != nil && lc.Owner.Closed()) {
		return ErrClosed
	}
	opts := th.Options
	if len(lc.SignatureKey) > 0 && !opts.HasSignature {
		inc(&c.stats.BadSignature)
		return ErrSignature
	}
	ipopts := cloneBytes(lc.IPOptions)

	if idx := c.lookup(src, dst); idx != nilIndex {
		e := c.arena.at(idx)
		inc(&c.stats.DupeSyn)
		if ipopts != nil {
			e.ipopts = ipopts
		}
		if opts.HasTS {
			e.tsRecent = opts.TSVal
		}
		c.send(e)
		return nil
	}

	if c.table.count == 0 {
		c.index.rekey(c.random)
	}
	hash := c.index.hash(src, dst)
	b := c.index.bucket(hash)
	c.evict(b)

	idx, ok := c.arena.allocate()
	if !ok {
		inc(&c.stats.Dropped)
		c.warn.Warnf("syncache: entry storage exhausted, dropping SYN from %s", src)
		return ErrNoMemory
	}
	e := c.arena.at(idx)
	e.src, e.dst = src, dst
	e.owner = lc.Owner
	e.ipopts = ipopts
	e.irs = th.Seq
	e.iss = c.iss.next(dst, src, c.clock.Now())
	e.win = uint32(clampWindow(lc.RcvSpace))
	e.timebase = c.ticks()
	if c.router != nil {
		if r, ok := c.router.Lookup(src.Addr()); ok {
			e.route = r
		}
	}
	e.ourMSS = c.mssToAdvertise(src.Addr(), lc.MSS, e.route)
	e.peerMSS = opts.MSS
	if !opts.HasMSS {
		e.peerMSS = defaultMSS(src.Addr())
	}
	if c.cfg.Timestamps && opts.HasTS {
		e.flags |= FlagTimestamp
		e.tsRecent = opts.TSVal
	}
	e.requestedSScale, e.requestRScale = NoWindowScale, NoWindowScale
	if c.cfg.WindowScaling && opts.HasWindowScale {
		e.flags |= FlagWindowScale
		e.requestedSScale = opts.WindowScale
		e.requestRScale = windowShift(lc.RcvHiwat)
	}
	if c.cfg.SACK && opts.SACKPermitted {
		e.flags |= FlagSACK
	}
	if c.cfg.ECN && th.Flags.Has(header.FlagECE|header.FlagCWR) {
		e.flags |= FlagECN
	}
	if len(lc.SignatureKey) > 0 {
		e.flags |= FlagSignature
		e.sigKey = cloneBytes(lc.SignatureKey)
	}
	c.send(e)
	c.insert(idx, hash, b)
	return nil
}

// insert links a freshly built entry into bucket b and its owner list. Room
// was made by evict before the entry was allocated.
func (c *Cache) insert(idx int32, hash uint32, b int) {
	e := c.arena.at(idx)
	e.hash = hash
	c.table.append(b, idx)
	if e.owner != nil {
		l := c.owners[e.owner]
		if l == nil {
			l = &pendingList{head: nilIndex}
			c.owners[e.owner] = l
		}
		c.table.attach(l, idx)
		e.owner.Attach(c.arena.handle(idx))
	}
	c.arm(idx)
	inc(&c.stats.Added)
}

// evict makes room for one entry in bucket b. A full bucket loses its
// oldest entry; a full cache loses the oldest entry of the first non-empty
// bucket at or after b.
func (c *Cache) evict(b int) {
	switch {
	case c.table.length(b) >= c.cfg.BucketLimit:
		inc(&c.stats.BucketOverflow)
		c.warn.Warnf("syncache: bucket %d full, evicting oldest entry", b)
		c.drop(c.table.oldest(b))
	case c.table.count >= c.cfg.CacheLimit:
		inc(&c.stats.CacheOverflow)
		c.warn.Warnf("syncache: cache full (%d entries), evicting", c.table.count)
		if v := c.table.firstNonEmpty(b); v >= 0 {
			c.drop(c.table.oldest(v))
		}
	}
}

// Reset handles a RST for a pending connection. The entry is removed only
// when the RST's sequence number is irs or irs+1.
func (c *Cache) Reset(src, dst netip.AddrPort, th header.TCP) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.lookup(src, dst)
	if idx == nilIndex {
		return ErrNotFound
	}
	e := c.arena.at(idx)
	if !seqnum.Value(th.Seq).InWindow(seqnum.Value(e.irs), 2) {
		return ErrStale
	}
	c.drop(idx)
	inc(&c.stats.Reset)
	return nil
}

// Unreach handles an ICMP error quoting our SYN+ACK. The first error only
// marks the entry; a later one removes it once a few retransmits have failed.
func (c *Cache) Unreach(src, dst netip.AddrPort, ic ICMPContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.lookup(src, dst)
	if idx == nilIndex {
		return ErrNotFound
	}
	e := c.arena.at(idx)
	if ic.Seq != e.iss {
		return ErrStale
	}
	if e.flags&FlagUnreach == 0 || e.rxtShift < 3 {
		e.flags |= FlagUnreach
		return nil
	}
	c.log.Debugf("dropping %s -> %s after icmp type=%d code=%d", src, dst, ic.Type, ic.Code)
	c.drop(idx)
	inc(&c.stats.Unreach)
	return nil
}

// Cleanup removes every pending entry of owner. Listeners call it on close.
func (c *Cache) Cleanup(owner Owner) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.owners[owner]
	if l == nil {
		return 0
	}
	n := 0
	for l.head != nilIndex {
		c.drop(l.head)
		n++
	}
	return n
}

// RecordAbort counts a promotion the caller could not turn into a connection.
func (c *Cache) RecordAbort() { inc(&c.stats.Aborted) }

// Lookup returns a snapshot of the entry for the pair, if any.
func (c *Cache) Lookup(src, dst netip.AddrPort) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.lookup(src, dst)
	if idx == nilIndex {
		return Snapshot{}, false
	}
	return c.arena.at(idx).snapshot(c.arena.handle(idx)), true
}

// Len returns the number of pending entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.count
}

// Pending returns the number of entries owned by owner.
func (c *Cache) Pending(owner Owner) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l := c.owners[owner]; l != nil {
		return l.n
	}
	return 0
}

// Stats returns a copy of the counters.
func (c *Cache) Stats() Stats { return c.stats.load() }

// Close drops every entry and stops all timers. Later Adds fail.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for b := range c.table.buckets {
		for c.table.buckets[b].head != nilIndex {
			c.drop(c.table.buckets[b].head)
		}
	}
	c.log.Debugf("cache closed")
}

func (c *Cache) lookup(src, dst netip.AddrPort) int32 {
	if c.table.count == 0 {
		return nilIndex
	}
	h := c.index.hash(src, dst)
	return c.table.lookup(c.index.bucket(h), h, src, dst)
}

// remove unlinks an entry from its bucket and owner and cancels its timer.
// Storage is left to the caller.
func (c *Cache) remove(idx int32) {
	e := c.arena.at(idx)
	c.table.unlink(idx)
	if e.owner != nil {
		if l := c.owners[e.owner]; l != nil {
			c.table.detach(l, idx)
			if l.n == 0 {
				delete(c.owners, e.owner)
			}
		}
		e.owner.Detach(c.arena.handle(idx))
	}
	c.cancel(e)
}

// drop removes an entry and releases its storage.
func (c *Cache) drop(idx int32) {
	c.remove(idx)
	c.arena.release(idx)
}

func (c *Cache) send(e *Entry) {
	if err := c.respond(e); err != nil {
		inc(&c.stats.SendErrors)
		c.log.Debugf("syn+ack to %s not sent: %v", e.src, err)
	}
}

func clampWindow(space int) int {
	if space < 0 {
		return 0
	}
	if space > header.TCPMaxWindow {
		return header.TCPMaxWindow
	}
	return space
}

// windowShift is the smallest shift that lets a full window cover hiwat.
func windowShift(hiwat int) uint8 {
	var s uint8
	for s < header.TCPMaxWindowShift && header.TCPMaxWindow<<s < hiwat {
		s++
	}
	return s
}

func defaultMSS(a netip.Addr) uint16 {
	if a.Is4() {
		return DefaultMSS
	}
	return DefaultIPv6MSS
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
