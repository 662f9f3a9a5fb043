package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter manages request timing per host for politeness.
// Two mechanisms stack: a minimum delay since the last request to the host,
// and an optional token bucket capping requests per second.
type RateLimiter struct {
	hostLastRequest   map[string]time.Time // hostname -> last request attempt time
	hostLastRequestMu sync.Mutex
	defaultDelay      time.Duration

	buckets   map[string]*rate.Limiter
	bucketsMu sync.Mutex
	rps       rate.Limit // 0 = no token bucket

	log *logrus.Entry
}

// NewRateLimiter creates a RateLimiter
func NewRateLimiter(defaultDelay time.Duration, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		hostLastRequest: make(map[string]time.Time),
		defaultDelay:    defaultDelay,
		buckets:         make(map[string]*rate.Limiter),
		log:             log,
	}
}

// SetRequestsPerSecond enables a per-host token bucket with burst 1. rps <= 0 disables it.
func (rl *RateLimiter) SetRequestsPerSecond(rps float64) {
	rl.bucketsMu.Lock()
	defer rl.bucketsMu.Unlock()
	if rps <= 0 {
		rl.rps = 0
	} else {
		rl.rps = rate.Limit(rps)
	}
	rl.buckets = make(map[string]*rate.Limiter)
}

func (rl *RateLimiter) bucket(host string) *rate.Limiter {
	rl.bucketsMu.Lock()
	defer rl.bucketsMu.Unlock()
	if rl.rps == 0 {
		return nil
	}
	lim, ok := rl.buckets[host]
	if !ok {
		lim = rate.NewLimiter(rl.rps, 1)
		rl.buckets[host] = lim
	}
	return lim
}

// ApplyDelay blocks until a request to host is polite: the token bucket (if
// enabled) has a token and minDelay (+/- 10% jitter) has passed since the last
// request. Returns early with ctx.Err() when ctx is done.
func (rl *RateLimiter) ApplyDelay(ctx context.Context, host string, minDelay time.Duration) error {
	if lim := rl.bucket(host); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	if minDelay <= 0 {
		minDelay = rl.defaultDelay
	}
	if minDelay <= 0 {
		return ctx.Err()
	}

	rl.hostLastRequestMu.Lock()
	lastReqTime, exists := rl.hostLastRequest[host]
	rl.hostLastRequestMu.Unlock()

	if !exists {
		return ctx.Err()
	}
	elapsed := time.Since(lastReqTime)
	if elapsed >= minDelay {
		return ctx.Err()
	}

	sleepDuration := minDelay - elapsed
	var jitter time.Duration
	if jitterRange := int64(sleepDuration) / 5; jitterRange > 0 {
		jitter = time.Duration(rand.Int63n(jitterRange)) - (sleepDuration / 10)
	}
	finalSleep := sleepDuration + jitter
	if finalSleep <= 0 {
		return ctx.Err()
	}

	rl.log.WithFields(logrus.Fields{
		"host": host, "sleep": finalSleep, "required_delay": minDelay, "elapsed": elapsed,
	}).Debug("Rate limit applying sleep")

	timer := time.NewTimer(finalSleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateLastRequestTime records the current time as the last request attempt time for the host.
// Call this after an HTTP request attempt to the host.
func (rl *RateLimiter) UpdateLastRequestTime(host string) {
	rl.hostLastRequestMu.Lock()
	rl.hostLastRequest[host] = time.Now()
	rl.hostLastRequestMu.Unlock()
}
