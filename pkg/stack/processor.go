package stack

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/wgsyncache/pkg/core"
	"github.com/irctrakz/wgsyncache/pkg/logging"
)

// ErrQueueFull is returned when the inbound queue cannot take a datagram.
var ErrQueueFull = errors.New("stack: inbound queue full")

// Inbound is where decoded datagrams go. *Stack implements it.
type Inbound interface {
	HandleInbound(b []byte) error
}

// InboundProcessor queues datagrams from the WireGuard device and feeds them
// to the stack on a pool of workers. ProcessPacket copies the datagram, so
// the caller may reuse its buffer as soon as it returns.
type InboundProcessor struct {
	in          Inbound
	workerCount int
	packetCh    chan core.Packet
	stopCh      chan struct{}
	wg          sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once

	packetsQueued  uint64
	packetsDropped uint64
	queueFullDrops uint64
	handleErrors   uint64
}

// NewInboundProcessor creates a processor with the given worker count and
// queue capacity. Non-positive values pick one worker and 1024 slots.
func NewInboundProcessor(in Inbound, workers, queueCap int) *InboundProcessor {
	if workers <= 0 {
		workers = 1
	}
	if queueCap <= 0 {
		queueCap = 1024
	}
	return &InboundProcessor{
		in:          in,
		workerCount: workers,
		packetCh:    make(chan core.Packet, queueCap),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the workers.
func (p *InboundProcessor) Start() error {
	p.startOnce.Do(func() {
		p.wg.Add(p.workerCount)
		for i := 0; i < p.workerCount; i++ {
			go p.worker(i)
		}
		logging.Infof("Inbound processor started with %d workers", p.workerCount)
	})
	return nil
}

// Stop waits for the workers to exit. Queued datagrams are discarded.
func (p *InboundProcessor) Stop() error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		for drained := false; !drained; {
			select {
			case pkt := <-p.packetCh:
				core.ReleasePacket(pkt)
			default:
				drained = true
			}
		}
		logging.Infof("Inbound processor stopped")
	})
	return nil
}

// ProcessPacket implements core.PacketProcessor.
func (p *InboundProcessor) ProcessPacket(packet core.Packet) error {
	data := packet.Data()
	if len(data) == 0 {
		atomic.AddUint64(&p.packetsDropped, 1)
		return fmt.Errorf("empty datagram")
	}
	buf := frameGet(len(data))
	copy(buf, data)
	pkt := core.NewPooledPacket(buf, framePut)

	select {
	case p.packetCh <- pkt:
		atomic.AddUint64(&p.packetsQueued, 1)
		return nil
	default:
		core.ReleasePacket(pkt)
		atomic.AddUint64(&p.packetsDropped, 1)
		atomic.AddUint64(&p.queueFullDrops, 1)
		return ErrQueueFull
	}
}

func (p *InboundProcessor) worker(id int) {
	defer p.wg.Done()
	logging.Debugf("Inbound processor worker %d started", id)
	for {
		select {
		case <-p.stopCh:
			logging.Debugf("Inbound processor worker %d stopped", id)
			return
		case pkt := <-p.packetCh:
			if err := p.in.HandleInbound(pkt.Data()); err != nil {
				atomic.AddUint64(&p.handleErrors, 1)
				logging.Debugf("inbound worker %d: %v", id, err)
			}
			core.ReleasePacket(pkt)
		}
	}
}

// Metrics returns processor counters.
func (p *InboundProcessor) Metrics() map[string]uint64 {
	return map[string]uint64{
		"packets_queued":   atomic.LoadUint64(&p.packetsQueued),
		"packets_dropped":  atomic.LoadUint64(&p.packetsDropped),
		"queue_full_drops": atomic.LoadUint64(&p.queueFullDrops),
		"handle_errors":    atomic.LoadUint64(&p.handleErrors),
		"queue_depth":      uint64(len(p.packetCh)),
	}
}
