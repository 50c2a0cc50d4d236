package syncache

import (
	"net/netip"

	"github.com/irctrakz/wgsyncache/pkg/header"
	"github.com/irctrakz/wgsyncache/pkg/seqnum"
)

// Promotion carries everything negotiated during the handshake. The route
// and IP options now belong to the caller.
type Promotion struct {
	Local           netip.AddrPort
	Peer            netip.AddrPort
	ISS             uint32
	IRS             uint32
	Window          uint32
	PeerMSS         uint16
	OurMSS          uint16
	RequestedSScale uint8 // peer's shift, NoWindowScale when not negotiated
	RequestRScale   uint8 // our shift, NoWindowScale when not negotiated
	Flags           Flags
	TimestampBase   uint32
	TimestampRecent uint32
	RetransmitCount int
	IPOptions       []byte
	Route           Route
	Owner           Owner
}

// WindowScaling reports whether both sides agreed to scale windows.
func (p *Promotion) WindowScaling() bool {
	return p.RequestedSScale != NoWindowScale && p.RequestRScale != NoWindowScale
}

// Get validates an ACK from src for the listening endpoint dst. On success
// the entry leaves the cache and its parameters are returned. ErrNotFound
// means there was no entry; ErrRetry means the ACK was wrong and the
// SYN+ACK was resent with the entry left as it was.
func (c *Cache) Get(src, dst netip.AddrPort, th header.TCP) (*Promotion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.lookup(src, dst)
	if idx == nilIndex {
		return nil, ErrNotFound
	}
	e := c.arena.at(idx)
	// The ACK must cover our SYN and its sequence number must fall in
	// [irs+1, irs+1+win].
	seq := seqnum.Value(th.Seq)
	if th.Ack != e.iss+1 || !seq.InWindow(seqnum.Value(e.irs).Add(1), seqnum.Size(e.win)+1) {
		inc(&c.stats.Retry)
		c.send(e)
		return nil, ErrRetry
	}
	p := &Promotion{
		Local:           e.dst,
		Peer:            e.src,
		ISS:             e.iss,
		IRS:             e.irs,
		Window:          e.win,
		PeerMSS:         e.peerMSS,
		OurMSS:          e.ourMSS,
		RequestedSScale: e.requestedSScale,
		RequestRScale:   e.requestRScale,
		Flags:           e.flags,
		TimestampBase:   e.timebase,
		TimestampRecent: e.tsRecent,
		RetransmitCount: e.rxtShift,
		IPOptions:       e.ipopts,
		Route:           e.route,
		Owner:           e.owner,
	}
	// Ownership of the route and options moves to the promotion.
	e.route, e.ipopts = nil, nil
	c.drop(idx)
	inc(&c.stats.Completed)
	return p, nil
}
