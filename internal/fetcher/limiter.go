package fetcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterSettings paces requests against the metadata server.
type LimiterSettings struct {
	Delay    time.Duration
	Requests int
	Window   time.Duration
}

// Limiter enforces a minimum gap between requests and an optional token bucket.
// A nil *Limiter never blocks.
type Limiter struct {
	delay  time.Duration
	bucket *rate.Limiter

	mu   sync.Mutex
	last time.Time
}

// NewLimiter returns nil when the settings disable all pacing.
func NewLimiter(s LimiterSettings) *Limiter {
	rateEnabled := s.Requests > 0 && s.Window > 0
	if s.Delay <= 0 && !rateEnabled {
		return nil
	}
	l := &Limiter{delay: s.Delay}
	if rateEnabled {
		interval := s.Window / time.Duration(s.Requests)
		if interval <= 0 {
			interval = time.Millisecond
		}
		l.bucket = rate.NewLimiter(rate.Every(interval), s.Requests)
	}
	return l
}

// Wait blocks until the next request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}

	var sleep time.Duration
	l.mu.Lock()
	if l.delay > 0 && !l.last.IsZero() {
		if rest := l.last.Add(l.delay).Sub(time.Now()); rest > 0 {
			sleep = rest
		}
	}
	l.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if l.bucket != nil {
		if err := l.bucket.Wait(ctx); err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.last = time.Now()
	l.mu.Unlock()
	return nil
}
