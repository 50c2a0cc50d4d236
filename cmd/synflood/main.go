package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/netip"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/irctrakz/wgsyncache/pkg/core"
	"github.com/irctrakz/wgsyncache/pkg/header"
	"github.com/irctrakz/wgsyncache/pkg/logging"
	"github.com/irctrakz/wgsyncache/pkg/stack"
	"github.com/irctrakz/wgsyncache/pkg/syncache"
)

// replier answers a share of the SYN+ACKs the stack emits, standing in for
// the legitimate clients hidden in the flood.
type replier struct {
	in       core.PacketProcessor
	complete float64
	rng      *rand.Rand
	synacks  uint64
	resets   uint64
	acks     uint64
}

func (r *replier) ProcessPacket(p core.Packet) error {
	first := layers.LayerTypeIPv4
	if b := p.Data(); len(b) > 0 && b[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	pkt := gopacket.NewPacket(p.Data(), first, gopacket.NoCopy)
	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return nil
	}
	if tcp.RST {
		atomic.AddUint64(&r.resets, 1)
		return nil
	}
	if !tcp.SYN || !tcp.ACK {
		return nil
	}
	atomic.AddUint64(&r.synacks, 1)
	if r.rng.Float64() >= r.complete {
		return nil
	}
	src, _ := netip.AddrFromSlice(pkt.NetworkLayer().NetworkFlow().Dst().Raw())
	dst, _ := netip.AddrFromSlice(pkt.NetworkLayer().NetworkFlow().Src().Raw())
	ack, err := stack.Probe{
		Src:   netip.AddrPortFrom(src, uint16(tcp.DstPort)),
		Dst:   netip.AddrPortFrom(dst, uint16(tcp.SrcPort)),
		Seq:   tcp.Ack,
		Ack:   tcp.Seq + 1,
		Flags: header.FlagACK,
	}.Encode()
	if err != nil {
		return err
	}
	atomic.AddUint64(&r.acks, 1)
	return r.in.ProcessPacket(core.NewPacket(ack))
}

func main() {
	var (
		syns     = flag.Int("syns", 100000, "number of SYNs to send")
		sources  = flag.Int("sources", 65536, "distinct spoofed source addresses")
		complete = flag.Float64("complete", 0.01, "fraction of SYN+ACKs answered with an ACK")
		buckets  = flag.Int("buckets", syncache.DefaultBuckets, "cache hash buckets")
		blimit   = flag.Int("bucket-limit", syncache.DefaultBucketLimit, "entries per bucket")
		climit   = flag.Int("cache-limit", syncache.DefaultCacheLimit, "entries in the cache")
		backlog  = flag.Int("backlog", 1024, "listener accept backlog")
		workers  = flag.Int("workers", 4, "inbound workers")
		qcap     = flag.Int("qcap", 4096, "inbound queue capacity")
		seed     = flag.Int64("seed", 1, "random seed")
	)
	flag.Parse()
	logging.SetLevel(logging.WarnLevel)

	rng := rand.New(rand.NewSource(*seed))
	local := netip.MustParseAddrPort("10.100.0.1:80")

	var inbound *stack.InboundProcessor
	rep := &replier{
		in:       core.ProcessorFunc(func(p core.Packet) error { return inbound.ProcessPacket(p) }),
		complete: *complete,
		rng:      rand.New(&lockedSource{src: rand.NewSource(*seed + 1).(rand.Source64)}),
	}

	ccfg := syncache.DefaultConfig()
	ccfg.Buckets, ccfg.BucketLimit, ccfg.CacheLimit = *buckets, *blimit, *climit
	st, err := stack.New(stack.Config{Addresses: []netip.Addr{local.Addr()}}, ccfg, rep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stack: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Routes().Add(netip.MustParsePrefix("0.0.0.0/0"), 1380, "flood"); err != nil {
		fmt.Fprintf(os.Stderr, "route: %v\n", err)
		os.Exit(1)
	}
	l, err := st.Listen(stack.ListenConfig{Addr: local, Backlog: *backlog})
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()

	inbound = stack.NewInboundProcessor(st, *workers, *qcap)
	if err := inbound.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "inbound: %v\n", err)
		os.Exit(1)
	}

	var accepted uint64
	go func() {
		for {
			c, err := l.Accept(context.Background())
			if err != nil {
				return
			}
			atomic.AddUint64(&accepted, 1)
			c.Close()
		}
	}()

	base := netip.MustParseAddr("198.18.0.0").As4()
	start := time.Now()
	var queueFull int
	for i := 0; i < *syns; i++ {
		n := rng.Intn(*sources)
		a := base
		a[1] += byte(n >> 16)
		a[2] = byte(n >> 8)
		a[3] = byte(n)
		src := netip.AddrPortFrom(netip.AddrFrom4(a), uint16(1024+rng.Intn(64511)))
		b, err := stack.SynProbe(src, local, rng.Uint32()).Encode()
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			os.Exit(1)
		}
		if err := inbound.ProcessPacket(core.NewPacket(b)); err != nil {
			queueFull++
			time.Sleep(time.Millisecond)
		}
	}
	sendDur := time.Since(start)
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
		if inbound.Metrics()["queue_depth"] == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	inbound.Stop()

	fmt.Printf("sent %d SYNs in %v (%.0f/s), %d refused by a full queue\n",
		*syns, sendDur, float64(*syns)/sendDur.Seconds(), queueFull)
	fmt.Printf("replier: synacks=%d acks=%d resets=%d accepted=%d\n",
		atomic.LoadUint64(&rep.synacks), atomic.LoadUint64(&rep.acks),
		atomic.LoadUint64(&rep.resets), atomic.LoadUint64(&accepted))
	m := st.MetricsMap()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-28s %d\n", k, m[k])
	}
	if m["half_open"] > uint64(*climit) {
		fmt.Printf("ERROR: %d half-open entries exceed the cache limit %d\n", m["half_open"], *climit)
		os.Exit(1)
	}
}
