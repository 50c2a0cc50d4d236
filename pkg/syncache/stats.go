package syncache

import "sync/atomic"

// Stats are the cache counters. Fields are updated atomically so they can be
// read without the cache lock.
type Stats struct {
	Added          uint64 // entries inserted
	Completed      uint64 // entries promoted by Get
	TimedOut       uint64 // entries dropped by the retransmit ladder
	DupeSyn        uint64 // duplicate SYNs answered from an existing entry
	Dropped        uint64 // SYNs dropped for lack of storage
	BucketOverflow uint64 // evictions due to a full bucket
	CacheOverflow  uint64 // evictions due to the global limit
	Retransmitted  uint64 // SYN+ACKs resent by the timer
	Reset          uint64 // entries removed by a RST
	Unreach        uint64 // entries removed after ICMP errors
	Aborted        uint64 // promotions the caller could not complete
	Retry          uint64 // ACKs that failed validation
	SendErrors     uint64 // SYN+ACK sends refused by the IP layer
	BadSignature   uint64 // SYNs rejected for a missing signature
}

func inc(p *uint64) { atomic.AddUint64(p, 1) }

func (s *Stats) load() Stats {
	return Stats{
		Added:          atomic.LoadUint64(&s.Added),
		Completed:      atomic.LoadUint64(&s.Completed),
		TimedOut:       atomic.LoadUint64(&s.TimedOut),
		DupeSyn:        atomic.LoadUint64(&s.DupeSyn),
		Dropped:        atomic.LoadUint64(&s.Dropped),
		BucketOverflow: atomic.LoadUint64(&s.BucketOverflow),
		CacheOverflow:  atomic.LoadUint64(&s.CacheOverflow),
		Retransmitted:  atomic.LoadUint64(&s.Retransmitted),
		Reset:          atomic.LoadUint64(&s.Reset),
		Unreach:        atomic.LoadUint64(&s.Unreach),
		Aborted:        atomic.LoadUint64(&s.Aborted),
		Retry:          atomic.LoadUint64(&s.Retry),
		SendErrors:     atomic.LoadUint64(&s.SendErrors),
		BadSignature:   atomic.LoadUint64(&s.BadSignature),
	}
}

// Map flattens the counters for metrics reporting.
func (s Stats) Map() map[string]uint64 {
	return map[string]uint64{
		"added":           s.Added,
		"completed":       s.Completed,
		"timed_out":       s.TimedOut,
		"dupesyn":         s.DupeSyn,
		"dropped":         s.Dropped,
		"bucket_overflow": s.BucketOverflow,
		"cache_overflow":  s.CacheOverflow,
		"retransmitted":   s.Retransmitted,
		"reset":           s.Reset,
		"unreach":         s.Unreach,
		"aborted":         s.Aborted,
		"retry":           s.Retry,
		"send_errors":     s.SendErrors,
		"bad_signature":   s.BadSignature,
	}
}
