package logging

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter drops log lines beyond a token-bucket rate. Lines produced by
// remote peers (SYN floods, malformed packets) go through one so that an
// attacker cannot drive log volume.
type Limiter struct {
	lim        *rate.Limiter
	suppressed uint64
}

// NewLimiter allows burst lines at once and one more per interval.
func NewLimiter(every time.Duration, burst int) *Limiter {
	return &Limiter{lim: rate.NewLimiter(rate.Every(every), burst)}
}

// Warnf logs at warn level if the rate allows. Suppressed lines are counted
// and reported with the next line that gets through.
func (l *Limiter) Warnf(format string, args ...interface{}) {
	if !l.lim.Allow() {
		atomic.AddUint64(&l.suppressed, 1)
		return
	}
	if n := atomic.SwapUint64(&l.suppressed, 0); n > 0 {
		logger.WithField("suppressed", n).Warnf(format, args...)
		return
	}
	logger.Warnf(format, args...)
}

// Suppressed returns the number of lines dropped since the last one logged.
func (l *Limiter) Suppressed() uint64 { return atomic.LoadUint64(&l.suppressed) }
