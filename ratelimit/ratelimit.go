// Package ratelimit paces outbound radio traffic: per-class minimum spacing
// between frames, plus non-blocking per-peer throttles.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Output classes.
type Class string

const (
	ClassUnicast    Class = "unicast"     // general outbound unicast frames
	ClassMailChunk  Class = "mail-chunk"  // MAILDAT spacing
	ClassBoardChunk Class = "board-chunk" // BOARDDAT spacing
	ClassSyncReq    Class = "sync-req"    // per-peer sync-request throttle
)

// Interval is the spacing for one class. Max > Min adds uniform jitter,
// which keeps chunk trains from phase-locking with other nodes.
type Interval struct {
	Min time.Duration
	Max time.Duration
}

func (iv Interval) pick() time.Duration {
	if iv.Max <= iv.Min {
		return iv.Min
	}
	return iv.Min + time.Duration(rand.Int63n(int64(iv.Max-iv.Min)))
}

// Defaults returns the stock spacing table.
func Defaults() map[Class]Interval {
	return map[Class]Interval{
		ClassUnicast:    {Min: 3500 * time.Millisecond},
		ClassMailChunk:  {Min: 2200 * time.Millisecond, Max: 2600 * time.Millisecond},
		ClassBoardChunk: {Min: 3 * time.Second},
		ClassSyncReq:    {Min: 5 * time.Minute},
	}
}

// Limiter tracks the last send per (class, key). The zero key is the shared
// channel for a class; per-peer throttles pass the peer node ID.
type Limiter struct {
	mu        sync.Mutex
	intervals map[Class]Interval
	last      map[string]time.Time
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

func New(intervals map[Class]Interval) *Limiter {
	if intervals == nil {
		intervals = Defaults()
	}
	return &Limiter{
		intervals: intervals,
		last:      make(map[string]time.Time),
		now:       time.Now,
		sleep:     ctxSleep,
	}
}

// Wait blocks cooperatively until the class interval has elapsed since the
// previous send on the same channel, then claims the slot.
func (l *Limiter) Wait(ctx context.Context, class Class) error {
	return l.WaitKeyed(ctx, class, "")
}

// WaitKeyed is Wait with a per-key channel (e.g. per-peer).
func (l *Limiter) WaitKeyed(ctx context.Context, class Class, key string) error {
	for {
		l.mu.Lock()
		wait := l.remaining(class, key)
		if wait <= 0 {
			l.last[string(class)+"\x00"+key] = l.now()
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Allow reports whether a send on (class, key) is currently permitted and,
// if so, claims the slot. Non-blocking; used for the per-peer sync-request
// throttle where callers skip rather than queue.
func (l *Limiter) Allow(class Class, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining(class, key) > 0 {
		return false
	}
	l.last[string(class)+"\x00"+key] = l.now()
	return true
}

func (l *Limiter) remaining(class Class, key string) time.Duration {
	iv, ok := l.intervals[class]
	if !ok {
		return 0
	}
	lastAt, ok := l.last[string(class)+"\x00"+key]
	if !ok {
		return 0
	}
	return iv.pick() - l.now().Sub(lastAt)
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
