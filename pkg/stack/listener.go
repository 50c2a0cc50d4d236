package stack

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/wgsyncache/pkg/header"
	"github.com/irctrakz/wgsyncache/pkg/syncache"
)

// DefaultRcvBuf is the receive buffer assumed when a listener gives none.
const DefaultRcvBuf = 65535

// ListenConfig describes a passive-open endpoint.
type ListenConfig struct {
	Addr         netip.AddrPort
	Backlog      int
	RcvBuf       int
	MSS          uint16
	SignatureKey []byte
}

// Listener queues connections whose handshake completed. It is the owner of
// its pending SYN cache entries.
type Listener struct {
	s       *Stack
	addr    netip.AddrPort
	rcvBuf  int
	mss     uint16
	sigKey  []byte
	queue   chan *Conn
	closed  chan struct{}
	once    sync.Once
	pending int64
}

// Listen registers a listener. An unspecified address matches every local
// address on the port.
func (s *Stack) Listen(lc ListenConfig) (*Listener, error) {
	if lc.Addr.Port() == 0 {
		return nil, fmt.Errorf("listen %s: port required", lc.Addr)
	}
	if lc.Backlog <= 0 {
		lc.Backlog = 128
	}
	if lc.RcvBuf <= 0 {
		lc.RcvBuf = DefaultRcvBuf
	}
	addr := netip.AddrPortFrom(lc.Addr.Addr().Unmap(), lc.Addr.Port())
	l := &Listener{
		s:      s,
		addr:   addr,
		rcvBuf: lc.RcvBuf,
		mss:    lc.MSS,
		sigKey: append([]byte(nil), lc.SignatureKey...),
		queue:  make(chan *Conn, lc.Backlog),
		closed: make(chan struct{}),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[addr]; ok {
		return nil, fmt.Errorf("listen %s: %w", addr, ErrAddrInUse)
	}
	s.listeners[addr] = l
	s.log.Infof("listening on %s (backlog %d)", addr, lc.Backlog)
	return l, nil
}

// listener finds the listener for a local endpoint, preferring an exact
// address over a wildcard.
func (s *Stack) listener(local netip.AddrPort) *Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.listeners[local]; ok {
		return l
	}
	wild := netip.IPv4Unspecified()
	if local.Addr().Is6() {
		wild = netip.IPv6Unspecified()
	}
	return s.listeners[netip.AddrPortFrom(wild, local.Port())]
}

// Addr returns the listening endpoint.
func (l *Listener) Addr() netip.AddrPort { return l.addr }

// Pending returns the number of handshakes in progress for this listener.
func (l *Listener) Pending() int { return int(atomic.LoadInt64(&l.pending)) }

// Queued returns the number of connections waiting to be accepted.
func (l *Listener) Queued() int { return len(l.queue) }

// Attach is called by the cache when an entry is created for this listener.
func (l *Listener) Attach(syncache.Handle) { atomic.AddInt64(&l.pending, 1) }

// Detach is called by the cache when one of the listener's entries goes away.
func (l *Listener) Detach(syncache.Handle) { atomic.AddInt64(&l.pending, -1) }

// Closed reports whether Close has started. The cache checks it under its
// lock, so a SYN racing Close cannot leave an entry behind.
func (l *Listener) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Accept waits for the next established connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.queue:
		return c, nil
	default:
	}
	select {
	case c := <-l.queue:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the listener, drops its pending handshakes and resets the
// connections nobody accepted.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.s.mu.Lock()
		if l.s.listeners[l.addr] == l {
			delete(l.s.listeners, l.addr)
		}
		l.s.mu.Unlock()
		// closed is already shut, so Add refuses l from here on.
		n := l.s.cache.Cleanup(l)
		for drained := false; !drained; {
			select {
			case c := <-l.queue:
				c.Close()
			default:
				drained = true
			}
		}
		l.s.log.Infof("listener %s closed, %d pending handshakes dropped", l.addr, n)
	})
	return nil
}

func (l *Listener) full() bool { return len(l.queue) >= cap(l.queue) }

func (l *Listener) deliver(c *Conn) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.queue <- c:
		return true
	default:
		return false
	}
}

// Conn is an established connection as negotiated by the handshake. Data
// transfer is not implemented; the value records the agreed parameters.
type Conn struct {
	syncache.Promotion

	// PeerWindow is the unscaled window from the completing ACK.
	PeerWindow  uint16
	Established time.Time

	s    *Stack
	once sync.Once
}

func newConn(s *Stack, p *syncache.Promotion, win uint16) *Conn {
	return &Conn{Promotion: *p, PeerWindow: win, Established: time.Now(), s: s}
}

// LocalAddr returns the local endpoint.
func (c *Conn) LocalAddr() netip.AddrPort { return c.Local }

// RemoteAddr returns the peer endpoint.
func (c *Conn) RemoteAddr() netip.AddrPort { return c.Peer }

// SendWindow is the peer's window in bytes after scaling.
func (c *Conn) SendWindow() uint32 {
	if !c.WindowScaling() {
		return uint32(c.PeerWindow)
	}
	return uint32(c.PeerWindow) << c.RequestedSScale
}

// Close aborts the connection with a RST and releases its route.
func (c *Conn) Close() error {
	c.once.Do(func() {
		c.s.sendReset(c.Local, c.Peer, c.ISS+1, 0, header.FlagRST)
		c.release()
	})
	return nil
}

func (c *Conn) release() {
	if c.Route != nil {
		c.s.routes.Release(c.Route)
		c.Route = nil
	}
}
