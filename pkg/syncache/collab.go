package syncache

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"time"
)

// Clock supplies time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending one-shot callback.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock returns the wall clock backed by the runtime timers.
func SystemClock() Clock { return systemClock{} }

// Random supplies unpredictable 32-bit words.
type Random interface {
	Uint32() uint32
}

type cryptoRandom struct{}

func (cryptoRandom) Uint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("syncache: crypto/rand unavailable: " + err.Error())
	}
	return binary.BigEndian.Uint32(b[:])
}

// CryptoRandom returns a Random backed by crypto/rand.
func CryptoRandom() Random { return cryptoRandom{} }

// Route is a cached next-hop result.
type Route interface {
	MTU() int
}

// Router resolves and releases route hints.
type Router interface {
	Lookup(dst netip.Addr) (Route, bool)
	Release(Route)
}

// Segment is a fully built TCP segment handed to the IP layer. TCP holds
// the header and options with a zero checksum.
type Segment struct {
	Src       netip.AddrPort
	Dst       netip.AddrPort
	TCP       []byte
	IPOptions []byte
	Route     Route
}

// Sender is the IP-layer send path. It must not block and must not call back
// into the cache.
type Sender interface {
	SendSegment(seg *Segment) error
}

// Owner is the listening endpoint that pending entries belong to. The cache
// keeps the per-owner list of pending entries itself; Attach and Detach only
// notify, so an owner needs no collection of its own. Attach, Detach and
// Closed run with the cache lock held and must not call back into the cache.
//
// An owner must report Closed before it calls Cleanup. Add refuses closed
// owners, so no entry outlives the owner's teardown.
type Owner interface {
	Attach(h Handle)
	Detach(h Handle)
	Closed() bool
}
