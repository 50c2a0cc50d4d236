package stack

import (
	"sync/atomic"

	"github.com/irctrakz/wgsyncache/pkg/core"
)

// Metrics returns a snapshot of the IP-layer counters.
func (s *Stack) Metrics() core.StackMetrics {
	m := &s.metrics
	return core.StackMetrics{
		PacketsReceived: atomic.LoadUint64(&m.PacketsReceived),
		PacketsSent:     atomic.LoadUint64(&m.PacketsSent),
		BytesReceived:   atomic.LoadUint64(&m.BytesReceived),
		BytesSent:       atomic.LoadUint64(&m.BytesSent),
		Malformed:       atomic.LoadUint64(&m.Malformed),
		NoListener:      atomic.LoadUint64(&m.NoListener),
		BadChecksum:     atomic.LoadUint64(&m.BadChecksum),
		BadSyn:          atomic.LoadUint64(&m.BadSyn),
		BacklogDrops:    atomic.LoadUint64(&m.BacklogDrops),
		ResetsSent:      atomic.LoadUint64(&m.ResetsSent),
		ICMPReceived:    atomic.LoadUint64(&m.ICMPReceived),
		Accepted:        atomic.LoadUint64(&m.Accepted),
		Errors:          atomic.LoadUint64(&m.Errors),
	}
}

// MetricsMap flattens the IP-layer counters together with the cache's.
func (s *Stack) MetricsMap() map[string]uint64 {
	m := s.Metrics()
	out := map[string]uint64{
		"packets_received": m.PacketsReceived,
		"packets_sent":     m.PacketsSent,
		"bytes_received":   m.BytesReceived,
		"bytes_sent":       m.BytesSent,
		"malformed":        m.Malformed,
		"no_listener":      m.NoListener,
		"bad_checksum":     m.BadChecksum,
		"bad_syn":          m.BadSyn,
		"backlog_drops":    m.BacklogDrops,
		"resets_sent":      m.ResetsSent,
		"icmp_received":    m.ICMPReceived,
		"accepted":         m.Accepted,
		"errors":           m.Errors,
		"half_open":        uint64(s.HalfOpen()),
	}
	for k, v := range s.CacheStats().Map() {
		out["syncache_"+k] = v
	}
	return out
}
