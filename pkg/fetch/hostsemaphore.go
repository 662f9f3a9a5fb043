package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/site-archiver/pkg/utils"
)

const defaultHostIdleTTL = 5 * time.Minute

// hostSlot is the concurrency budget of one host.
type hostSlot struct {
	sem      *semaphore.Weighted
	refs     int       // permits held or awaited
	idleFrom time.Time // set when refs drops to zero
}

// HostSemaphorePool caps concurrent requests per host. One pool is shared by
// every site in a run so the limit holds even when sites overlap on a host.
// Slots of hosts nobody has touched for a while are dropped by RunEviction.
type HostSemaphorePool struct {
	mu    sync.Mutex
	slots map[string]*hostSlot
	limit int64
	log   *logrus.Entry
}

// NewHostSemaphorePool creates a pool allowing maxPerHost concurrent requests per host.
func NewHostSemaphorePool(maxPerHost int, log *logrus.Entry) *HostSemaphorePool {
	limit := int64(maxPerHost)
	if limit <= 0 {
		limit = 2
		log.Warnf("max_requests_per_host invalid or zero, defaulting to %d", limit)
	}
	return &HostSemaphorePool{
		slots: make(map[string]*hostSlot),
		limit: limit,
		log:   log,
	}
}

// checkout returns the slot for host with one more reference on it.
func (p *HostSemaphorePool) checkout(host string) *hostSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[host]
	if !ok {
		slot = &hostSlot{sem: semaphore.NewWeighted(p.limit)}
		p.slots[host] = slot
		p.log.WithFields(logrus.Fields{"host": host, "limit": p.limit}).Debug("Tracking new host")
	}
	slot.refs++
	return slot
}

func (p *HostSemaphorePool) checkin(slot *hostSlot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		slot.idleFrom = time.Now()
	}
}

// Acquire takes one permit for host, waiting at most timeout (0 waits until ctx
// ends). The returned func gives the permit back and must be called exactly once.
// Running out of time is ErrSemaphoreTimeout; cancellation of ctx is returned as is.
func (p *HostSemaphorePool) Acquire(ctx context.Context, host string, timeout time.Duration) (func(), error) {
	slot := p.checkout(host)

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := slot.sem.Acquire(waitCtx, 1); err != nil {
		p.checkin(slot)
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, utils.WrapErrorf(utils.ErrSemaphoreTimeout, "host '%s' after %v", host, timeout)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			slot.sem.Release(1)
			p.checkin(slot)
		})
	}, nil
}

// RunEviction drops idle host slots every interval until ctx is done.
func (p *HostSemaphorePool) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHostIdleTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Debugf("Host slot eviction stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			p.evictIdle(interval)
		}
	}
}

// evictIdle removes slots with no references that have been idle for at least ttl.
func (p *HostSemaphorePool) evictIdle(ttl time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	evicted := 0
	for host, slot := range p.slots {
		if slot.refs == 0 && !slot.idleFrom.After(cutoff) {
			delete(p.slots, host)
			evicted++
		}
	}
	if evicted > 0 {
		p.log.Debugf("Evicted %d idle host slots, %d remain", evicted, len(p.slots))
	}
	return evicted
}

// Len returns the number of hosts currently tracked.
func (p *HostSemaphorePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
