package livestore

import (
	"context"
	"sync"
	"time"
)

// Status is a Collection's lifecycle state, per spec.md §4.7.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
	StatusCleanedUp Status = "cleaned-up"
)

var allowedTransitions = map[Status]map[Status]bool{
	StatusIdle:      {StatusLoading: true, StatusCleanedUp: true},
	StatusLoading:   {StatusReady: true, StatusError: true, StatusCleanedUp: true},
	StatusReady:     {StatusError: true, StatusCleanedUp: true},
	StatusError:     {StatusLoading: true, StatusReady: true, StatusCleanedUp: true},
	StatusCleanedUp: {StatusLoading: true},
}

// lifecycle tracks a Collection's status and its idle garbage-collection
// timer. The timer is disarmed when a subscriber arrives, armed when the
// last subscriber leaves, and stopped by Cleanup.
type lifecycle struct {
	mu     sync.Mutex
	cond   *sync.Cond
	status Status

	gcTime   time.Duration
	timer    *time.Timer
	onExpire func()
}

func newLifecycle(gcTime time.Duration, onExpire func()) *lifecycle {
	l := &lifecycle{status: StatusIdle, gcTime: gcTime, onExpire: onExpire}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *lifecycle) current() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// transition moves the lifecycle to next, failing with ErrInvalidStatus if
// the transition is not allowed from the current status.
func (l *lifecycle) transition(next Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status == next {
		return nil // idempotent no-op transitions (e.g. markReady called twice)
	}
	if !allowedTransitions[l.status][next] {
		return wrapErr(KindInvalidStatusTransition, string(l.status)+" -> "+string(next), ErrInvalidStatus)
	}
	l.status = next
	l.cond.Broadcast()
	return nil
}

// waitFor blocks until the status is one of targets, returning it, or
// until ctx is cancelled.
func (l *lifecycle) waitFor(ctx context.Context, targets ...Status) (Status, error) {
	match := func(s Status) bool {
		for _, t := range targets {
			if s == t {
				return true
			}
		}
		return false
	}

	l.mu.Lock()
	for !match(l.status) {
		if ctx.Err() != nil {
			l.mu.Unlock()
			return l.status, ctx.Err()
		}
		waitDone := make(chan struct{})
		go func() {
			l.mu.Lock()
			for !match(l.status) && ctx.Err() == nil {
				l.cond.Wait()
			}
			l.mu.Unlock()
			close(waitDone)
		}()
		l.mu.Unlock()
		select {
		case <-waitDone:
			l.mu.Lock()
		case <-ctx.Done():
			l.mu.Lock()
			l.cond.Broadcast() // wake the helper goroutine so it doesn't leak
			l.mu.Unlock()
			return l.current(), ctx.Err()
		}
	}
	defer l.mu.Unlock()
	return l.status, nil
}

// armGC (re)starts the idle timer. Call whenever the subscriber count
// reaches zero.
func (l *lifecycle) armGC() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.gcTime <= 0 {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.gcTime, func() {
		if l.onExpire != nil {
			l.onExpire()
		}
	})
}

// disarmGC stops the idle timer. Call whenever a subscriber arrives.
func (l *lifecycle) disarmGC() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// stopGC stops the timer, used by Cleanup. A later unsubscribe that leaves
// no subscribers arms it again.
func (l *lifecycle) stopGC() {
	l.disarmGC()
}
