package syncache

import (
	"fmt"
	"net/netip"
	"time"
)

// Flags records what was negotiated for a pending connection.
type Flags uint16

const (
	FlagTimestamp Flags = 1 << iota
	FlagWindowScale
	FlagSACK
	FlagECN
	FlagSignature
	FlagUnreach
)

func (f Flags) String() string {
	names := []string{"ts", "ws", "sack", "ecn", "sig", "unreach"}
	s := ""
	for i, n := range names {
		if f&(1<<i) != 0 {
			if s != "" {
				s += ","
			}
			s += n
		}
	}
	return s
}

// Handle addresses an arena slot. The generation makes handles to released
// slots detectably stale.
type Handle struct {
	index uint32
	gen   uint32
}

func (h Handle) String() string { return fmt.Sprintf("%d.%d", h.index, h.gen) }

const nilIndex int32 = -1

// Entry is one half-open connection.
type Entry struct {
	src netip.AddrPort // peer
	dst netip.AddrPort // local

	hash   uint32
	bucket int

	iss uint32
	irs uint32
	win uint32

	peerMSS uint16
	ourMSS  uint16

	requestedSScale uint8
	requestRScale   uint8

	timebase uint32
	tsRecent uint32

	flags Flags

	rxtShift int
	rxtTot   time.Duration
	rxtCur   time.Duration

	ipopts []byte
	route  Route
	owner  Owner
	sigKey []byte

	// Bucket and owner list links, as arena indices.
	prev, next   int32
	oprev, onext int32

	gen   uint32
	live  bool
	token uint64
	timer Timer
}

// Snapshot is a read-only copy of an entry.
type Snapshot struct {
	Handle          Handle
	Peer            netip.AddrPort
	Local           netip.AddrPort
	Hash            uint32
	Bucket          int
	ISS             uint32
	IRS             uint32
	Window          uint32
	PeerMSS         uint16
	OurMSS          uint16
	RequestedSScale uint8
	RequestRScale   uint8
	TimestampBase   uint32
	TimestampRecent uint32
	Flags           Flags
	RetransmitCount int
	Elapsed         time.Duration
	CurrentRTO      time.Duration
	IPOptions       []byte
	HasRoute        bool
}

func (e *Entry) snapshot(h Handle) Snapshot {
	return Snapshot{
		Handle:          h,
		Peer:            e.src,
		Local:           e.dst,
		Hash:            e.hash,
		Bucket:          e.bucket,
		ISS:             e.iss,
		IRS:             e.irs,
		Window:          e.win,
		PeerMSS:         e.peerMSS,
		OurMSS:          e.ourMSS,
		RequestedSScale: e.requestedSScale,
		RequestRScale:   e.requestRScale,
		TimestampBase:   e.timebase,
		TimestampRecent: e.tsRecent,
		Flags:           e.flags,
		RetransmitCount: e.rxtShift,
		Elapsed:         e.rxtTot,
		CurrentRTO:      e.rxtCur,
		IPOptions:       append([]byte(nil), e.ipopts...),
		HasRoute:        e.route != nil,
	}
}
