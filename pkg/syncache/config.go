package syncache

import (
	"fmt"
	"time"
)

// Protocol constants used as defaults.
const (
	DefaultBuckets     = 293
	DefaultBucketLimit = 35
	DefaultCacheLimit  = DefaultBuckets * DefaultBucketLimit

	// MaxRetransmitShift is the highest backoff step before an entry is dropped.
	MaxRetransmitShift = 12

	DefaultKeepInit   = 75 * time.Second
	DefaultRTT        = 3 * time.Second
	DefaultRTOMin     = 1 * time.Second
	DefaultRTOMax     = 64 * time.Second
	DefaultMSS        = 536
	DefaultIPv6MSS    = 1220
	DefaultWindowSize = 65535

	// NoWindowScale marks window scaling as not offered.
	NoWindowScale = 15
)

// DefaultBackoff is the classic retransmit backoff ladder.
var DefaultBackoff = []int{1, 2, 4, 8, 16, 32, 64, 64, 64, 64, 64, 64, 64}

// Config holds process-wide cache parameters. It is read at construction and
// never reloaded.
type Config struct {
	Buckets     int
	BucketLimit int
	CacheLimit  int
	// ArenaSize caps entry storage. Zero means CacheLimit+1. A full cache
	// evicts before it allocates, so any size of at least CacheLimit keeps
	// FIFO eviction working; a smaller arena drops new SYNs once it is
	// exhausted.
	ArenaSize int

	MaxRetransmits int
	KeepInit       time.Duration
	RTTDefault     time.Duration
	RTOMin         time.Duration
	RTOMax         time.Duration
	Backoff        []int

	WindowScaling bool
	Timestamps    bool
	SACK          bool
	ECN           bool

	// MSS is advertised when neither the listener nor the route gives one.
	MSS uint16
}

// DefaultConfig returns the stock parameters.
func DefaultConfig() Config {
	return Config{
		Buckets:        DefaultBuckets,
		BucketLimit:    DefaultBucketLimit,
		CacheLimit:     DefaultCacheLimit,
		MaxRetransmits: MaxRetransmitShift,
		KeepInit:       DefaultKeepInit,
		RTTDefault:     DefaultRTT,
		RTOMin:         DefaultRTOMin,
		RTOMax:         DefaultRTOMax,
		Backoff:        append([]int(nil), DefaultBackoff...),
		WindowScaling:  true,
		Timestamps:     true,
		SACK:           true,
		MSS:            DefaultMSS,
	}
}

// Validate checks the configuration and fills derived values.
func (c *Config) Validate() error {
	if c.Buckets <= 0 {
		return fmt.Errorf("syncache: bucket count must be positive, got %d", c.Buckets)
	}
	if c.BucketLimit <= 0 {
		return fmt.Errorf("syncache: bucket limit must be positive, got %d", c.BucketLimit)
	}
	if c.CacheLimit <= 0 {
		return fmt.Errorf("syncache: cache limit must be positive, got %d", c.CacheLimit)
	}
	if c.ArenaSize == 0 {
		c.ArenaSize = c.CacheLimit + 1
	}
	if c.ArenaSize < 0 {
		return fmt.Errorf("syncache: arena size must not be negative, got %d", c.ArenaSize)
	}
	if c.MaxRetransmits < 0 {
		return fmt.Errorf("syncache: max retransmits must not be negative, got %d", c.MaxRetransmits)
	}
	if c.KeepInit <= 0 || c.RTTDefault <= 0 {
		return fmt.Errorf("syncache: keepInit and rttDefault must be positive")
	}
	if c.RTOMin <= 0 || c.RTOMax < c.RTOMin {
		return fmt.Errorf("syncache: invalid rto bounds [%v, %v]", c.RTOMin, c.RTOMax)
	}
	if len(c.Backoff) == 0 {
		c.Backoff = append([]int(nil), DefaultBackoff...)
	}
	for i, m := range c.Backoff {
		if m <= 0 {
			return fmt.Errorf("syncache: backoff[%d] must be positive, got %d", i, m)
		}
	}
	if c.MSS == 0 {
		c.MSS = DefaultMSS
	}
	return nil
}

// rto returns the clamped retransmit timeout for a backoff step.
func (c *Config) rto(shift int) time.Duration {
	if shift >= len(c.Backoff) {
		shift = len(c.Backoff) - 1
	}
	d := c.RTTDefault * time.Duration(c.Backoff[shift])
	if d < c.RTOMin {
		d = c.RTOMin
	}
	if d > c.RTOMax {
		d = c.RTOMax
	}
	return d
}
