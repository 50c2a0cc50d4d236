package main

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"time"

	"github.com/irctrakz/wgsyncache/pkg/core"
	"github.com/irctrakz/wgsyncache/pkg/logging"
	"github.com/irctrakz/wgsyncache/pkg/stack"
	wg "github.com/irctrakz/wgsyncache/pkg/wireguard"
)

type metricsSnapshot struct {
	Timestamp string                       `json:"ts"`
	Stack     map[string]uint64            `json:"stack"`
	Inbound   map[string]uint64            `json:"inbound"`
	WG        map[string]uint64            `json:"wg"`
	WGHS      map[string]uint64            `json:"wg_hs"`
	Listeners map[string]map[string]uint64 `json:"listeners"`
	RT        map[string]uint64            `json:"rt"`
}

type reporter struct {
	stack     *stack.Stack
	inbound   core.MetricsSource
	wg        core.MetricsSource
	dev       wg.DeviceHandle
	listeners []*stack.Listener

	lastRetransmitted uint64
}

func (r *reporter) run(ctx context.Context, every time.Duration, format string) {
	format = strings.ToLower(strings.TrimSpace(format))
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		r.dump(format)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *reporter) snapshot() metricsSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap := metricsSnapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Stack:     r.stack.MetricsMap(),
		Listeners: map[string]map[string]uint64{},
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
	}
	if r.inbound != nil {
		snap.Inbound = r.inbound.Metrics()
	}
	if r.wg != nil {
		snap.WG = r.wg.Metrics()
	}
	if r.dev != nil {
		if state, err := r.dev.IpcGet(); err == nil {
			snap.WGHS = summarizeHandshakes(wg.ParsePeerStatus(state), time.Now())
		}
	}
	for _, l := range r.listeners {
		snap.Listeners[l.Addr().String()] = map[string]uint64{
			"pending": uint64(l.Pending()),
			"queued":  uint64(l.Queued()),
		}
	}
	return snap
}

func (r *reporter) dump(format string) {
	snap := r.snapshot()
	if format == "json" {
		b, err := json.Marshal(snap)
		if err != nil {
			logging.Warnf("metrics: %v", err)
			return
		}
		logging.Infof("metrics: %s", b)
		return
	}

	rx := snap.Stack["syncache_retransmitted"]
	dRx := rx - r.lastRetransmitted
	r.lastRetransmitted = rx
	logging.Infof("metrics: ts=%s ip: recv=%d/%d sent=%d/%d bad=%d/%d/%d rst=%d | syncache: half=%d add=%d done=%d dup=%d rxt=%d dR=%d tmo=%d ovf=%d/%d drop=%d abort=%d | in: q=%d full=%d | wg: from=%d to=%d drops=%d hs: peers=%d %d/%d | rt: heap=%dMi gor=%d",
		snap.Timestamp,
		snap.Stack["packets_received"], snap.Stack["bytes_received"],
		snap.Stack["packets_sent"], snap.Stack["bytes_sent"],
		snap.Stack["malformed"], snap.Stack["bad_checksum"], snap.Stack["bad_syn"],
		snap.Stack["resets_sent"],
		snap.Stack["half_open"], snap.Stack["syncache_added"], snap.Stack["syncache_completed"],
		snap.Stack["syncache_dupesyn"], rx, dRx, snap.Stack["syncache_timed_out"],
		snap.Stack["syncache_bucket_overflow"], snap.Stack["syncache_cache_overflow"],
		snap.Stack["syncache_dropped"], snap.Stack["syncache_aborted"],
		snap.Inbound["queue_depth"], snap.Inbound["queue_full_drops"],
		snap.WG["frames_from_wg"], snap.WG["frames_to_wg"], snap.WG["queue_drops"],
		snap.WGHS["peers"], snap.WGHS["fresh"], snap.WGHS["stale"],
		snap.RT["heap_alloc"]/(1024*1024), snap.RT["goroutines"],
	)
}

// summarizeHandshakes counts peers whose last handshake is within the
// rekey window (fresh) against the rest (stale).
func summarizeHandshakes(peers []wg.PeerStatus, now time.Time) map[string]uint64 {
	const staleAfter = 180 * time.Second
	res := map[string]uint64{"peers": uint64(len(peers)), "fresh": 0, "stale": 0, "oldest_sec": 0, "newest_sec": 0}
	first := true
	for _, p := range peers {
		if p.LastHandshake.IsZero() {
			res["stale"]++
			continue
		}
		age := now.Sub(p.LastHandshake)
		if age < staleAfter {
			res["fresh"]++
		} else {
			res["stale"]++
		}
		sec := uint64(age / time.Second)
		if first || sec > res["oldest_sec"] {
			res["oldest_sec"] = sec
		}
		if first || sec < res["newest_sec"] {
			res["newest_sec"] = sec
		}
		first = false
	}
	return res
}
