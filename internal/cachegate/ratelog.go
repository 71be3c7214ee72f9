package cachegate

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger lets at most one event through per interval. Throttled
// calls return a nil event, on which zerolog methods are no-ops.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration, now func() time.Time) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval, log: log, now: now}
}

func (l *rateLimitedLogger) Warn() *zerolog.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return nil
	}
	l.lastAt = now
	return l.log.Warn()
}
