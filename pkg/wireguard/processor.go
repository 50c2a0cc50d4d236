package wireguard

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/irctrakz/wgsyncache/pkg/core"
	"github.com/irctrakz/wgsyncache/pkg/logging"
)

// WGPacketProcessor forwards datagrams the stack emits to the WG device by
// enqueueing them on the WGTun's Read queue.
type WGPacketProcessor struct {
	tun *WGTun

	mtuWarned           uint32
	shortPackets        uint64
	pooledEarlyReleases uint64
	wgQueueFull         uint64

	lastSuccessUnixNano int64
	fullStreak          uint64
	maxFullStreak       uint64
	fullBursts          uint64
}

// NewWGPacketProcessor creates a processor that writes to the given tun.
func NewWGPacketProcessor(tun *WGTun) *WGPacketProcessor {
	return &WGPacketProcessor{tun: tun}
}

// ProcessPacket implements core.PacketProcessor.
func (p *WGPacketProcessor) ProcessPacket(packet core.Packet) error {
	if p == nil || p.tun == nil {
		return nil
	}
	// A pooled packet released before it reaches us is a lifecycle bug upstream.
	if r, ok := packet.(interface{ Released() bool }); ok && r.Released() {
		atomic.AddUint64(&p.pooledEarlyReleases, 1)
	}
	data := packet.Data()
	defer core.ReleasePacket(packet)
	if IPVersion(data) == 0 {
		atomic.AddUint64(&p.shortPackets, 1)
	}
	if len(data) > p.tun.mtu && atomic.CompareAndSwapUint32(&p.mtuWarned, 0, 1) {
		logging.Warnf("datagram length %d exceeds WG MTU %d; check route MTUs", len(data), p.tun.mtu)
	}
	if err := p.tun.InjectToPeer(data); err != nil {
		if errors.Is(err, ErrQueueFull) {
			atomic.AddUint64(&p.wgQueueFull, 1)
			if atomic.AddUint64(&p.fullStreak, 1) == 1 {
				atomic.AddUint64(&p.fullBursts, 1)
			}
		}
		return err
	}
	atomic.StoreInt64(&p.lastSuccessUnixNano, time.Now().UnixNano())
	streak := atomic.SwapUint64(&p.fullStreak, 0)
	for {
		cur := atomic.LoadUint64(&p.maxFullStreak)
		if streak <= cur || atomic.CompareAndSwapUint64(&p.maxFullStreak, cur, streak) {
			break
		}
	}
	return nil
}

// Metrics exposes processor counters for the periodic report.
func (p *WGPacketProcessor) Metrics() map[string]uint64 {
	if p == nil {
		return nil
	}
	m := p.tun.Metrics()
	return map[string]uint64{
		"frames_from_wg":        m.FramesFromWG,
		"frames_to_wg":          m.FramesToWG,
		"bytes_from_wg":         m.BytesFromWG,
		"bytes_to_wg":           m.BytesToWG,
		"queue_drops":           m.QueueDrops,
		"queue_depth":           uint64(p.tun.QueueLen()),
		"short_packets":         atomic.LoadUint64(&p.shortPackets),
		"pooled_early_releases": atomic.LoadUint64(&p.pooledEarlyReleases),
		"wg_queue_full":         atomic.LoadUint64(&p.wgQueueFull),
		"wg_full_streak_cur":    atomic.LoadUint64(&p.fullStreak),
		"wg_full_streak_max":    atomic.LoadUint64(&p.maxFullStreak),
		"wg_full_bursts":        atomic.LoadUint64(&p.fullBursts),
		"wg_last_success_ns":    uint64(atomic.LoadInt64(&p.lastSuccessUnixNano)),
	}
}
