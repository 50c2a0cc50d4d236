package wireguard

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/wgsyncache/pkg/core"
	"github.com/irctrakz/wgsyncache/pkg/logging"
	wtun "golang.zx2c4.com/wireguard/tun"
)

// DefaultQueueCap bounds frames waiting for encryption.
const DefaultQueueCap = 1024

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("wg tun closed")

	// ErrQueueFull is returned when the outbound queue cannot take a frame.
	ErrQueueFull = errors.New("wg tun queue full")
)

// WGTun is a userspace TUN that exchanges plaintext IP frames between
// wireguard-go and the in-process stack. Frames WireGuard decrypts are
// handed to the inbound processor; frames the stack emits are queued for
// Read.
type WGTun struct {
	name    string
	mtu     int
	inbound core.PacketProcessor

	outCh     chan []byte
	events    chan wtun.Event
	closed    chan struct{}
	closeOnce sync.Once

	pcap atomic.Pointer[PCAPTee]

	metrics core.TUNMetrics
}

// NewWGTun creates a WGTun delivering decrypted frames to inbound.
func NewWGTun(name string, mtu, queueCap int, inbound core.PacketProcessor) *WGTun {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	t := &WGTun{
		name:    name,
		mtu:     mtu,
		inbound: inbound,
		outCh:   make(chan []byte, queueCap),
		events:  make(chan wtun.Event, 2),
		closed:  make(chan struct{}),
	}
	t.events <- wtun.EventUp
	return t
}

// SetPCAP tees every plaintext frame in both directions into p. nil disables.
func (t *WGTun) SetPCAP(p *PCAPTee) { t.pcap.Store(p) }

// File returns nil; there is no kernel device.
func (t *WGTun) File() *os.File { return nil }

// Name returns the interface name.
func (t *WGTun) Name() (string, error) { return t.name, nil }

// MTU returns the interface MTU.
func (t *WGTun) MTU() (int, error) { return t.mtu, nil }

// Events reports device state changes to wireguard-go.
func (t *WGTun) Events() <-chan wtun.Event { return t.events }

// BatchSize returns 1.
func (t *WGTun) BatchSize() int { return 1 }

// Close shuts the device down and drops queued frames.
func (t *WGTun) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		select {
		case t.events <- wtun.EventDown:
		default:
		}
		close(t.events)
		for {
			select {
			case <-t.outCh:
			default:
				return
			}
		}
	})
	return nil
}

// Read hands one queued frame to wireguard-go for encryption.
func (t *WGTun) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-t.closed:
		return 0, ErrClosed
	case pkt := <-t.outCh:
		if len(bufs) == 0 || len(sizes) == 0 {
			return 0, nil
		}
		b := bufs[0]
		if offset >= len(b) {
			return 0, errors.New("offset beyond buffer")
		}
		n := copy(b[offset:], pkt)
		sizes[0] = n
		return 1, nil
	}
}

// Write accepts decrypted frames from wireguard-go. Frames that are not IP
// are counted as consumed and dropped.
func (t *WGTun) Write(bufs [][]byte, offset int) (int, error) {
	select {
	case <-t.closed:
		return 0, ErrClosed
	default:
	}
	sent := 0
	for _, b := range bufs {
		if offset >= len(b) {
			continue
		}
		pkt := b[offset:]
		sent++
		if v := IPVersion(pkt); v != 4 && v != 6 {
			logging.Debugf("WGTun dropping non-IP frame: len=%d", len(pkt))
			continue
		}
		atomic.AddUint64(&t.metrics.FramesFromWG, 1)
		atomic.AddUint64(&t.metrics.BytesFromWG, uint64(len(pkt)))
		if p := t.pcap.Load(); p != nil {
			p.Write(pkt)
		}
		if t.inbound == nil {
			continue
		}
		// wireguard-go reuses bufs after Write returns; the inbound
		// processor copies before queueing.
		if err := t.inbound.ProcessPacket(core.NewPacket(pkt)); err != nil {
			logging.Debugf("WGTun inbound: %v", err)
		}
	}
	return sent, nil
}

// InjectToPeer queues a plaintext frame for encryption toward its peer.
func (t *WGTun) InjectToPeer(b []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	cp := append([]byte(nil), b...)
	select {
	case t.outCh <- cp:
		atomic.AddUint64(&t.metrics.FramesToWG, 1)
		atomic.AddUint64(&t.metrics.BytesToWG, uint64(len(cp)))
		if p := t.pcap.Load(); p != nil {
			p.Write(cp)
		}
		return nil
	default:
		atomic.AddUint64(&t.metrics.QueueDrops, 1)
		return ErrQueueFull
	}
}

// QueueLen reports frames waiting for Read.
func (t *WGTun) QueueLen() int { return len(t.outCh) }

// Metrics returns a snapshot of counters.
func (t *WGTun) Metrics() core.TUNMetrics {
	return core.TUNMetrics{
		FramesFromWG: atomic.LoadUint64(&t.metrics.FramesFromWG),
		FramesToWG:   atomic.LoadUint64(&t.metrics.FramesToWG),
		BytesFromWG:  atomic.LoadUint64(&t.metrics.BytesFromWG),
		BytesToWG:    atomic.LoadUint64(&t.metrics.BytesToWG),
		QueueDrops:   atomic.LoadUint64(&t.metrics.QueueDrops),
	}
}

// IPVersion returns the IP version nibble of b, or 0 when b is too short
// to hold a header of that version.
func IPVersion(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	switch v := int(b[0] >> 4); v {
	case 4:
		if len(b) >= 20 {
			return 4
		}
	case 6:
		if len(b) >= 40 {
			return 6
		}
	}
	return 0
}

var _ wtun.Device = (*WGTun)(nil)
