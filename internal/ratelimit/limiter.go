// Package ratelimit throttles outbound operations per class with a sliding
// window plus a burst counter. Callers are slowed down by sleeping, never
// rejected.
package ratelimit

import (
	"context"
	"sync"
	"time"

	logx "github.com/dygje/tgpro/pkg/logx"
)

// Unlimited is reported by Remaining for classes without a configured limit.
const Unlimited = -1

const (
	ClassMessages = "messages"
	ClassAPICalls = "api_calls"
)

// burstGap is the spacing under which consecutive requests count as a burst.
const burstGap = time.Second

// Limit is Count requests per Period, with at most Burst back-to-back
// requests before an extra delay kicks in.
type Limit struct {
	Count  int
	Period time.Duration
	Burst  int
}

// DefaultLimits mirrors Telegram's published guidance for user accounts.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		ClassMessages: {Count: 20, Period: time.Minute, Burst: 5},
		ClassAPICalls: {Count: 30, Period: time.Minute, Burst: 10},
	}
}

// ClassStatus is one entry of Status.
type ClassStatus struct {
	Limit          int        `json:"limit"`
	PeriodSeconds  float64    `json:"period_seconds"`
	RemainingQuota int        `json:"remaining_quota"`
	ResetTime      *time.Time `json:"reset_time"`
	BurstCount     int        `json:"burst_count"`
}

type bucket struct {
	hits   []time.Time
	last   time.Time
	bursts int
}

type Limiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	buckets map[string]*bucket

	log   logx.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Limiter)

func WithLogger(log logx.Logger) Option { return func(l *Limiter) { l.log = log } }

// WithClock replaces time.Now and the context-aware sleep. Tests use it to
// run the window logic without real delays.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// New builds a limiter; nil limits selects DefaultLimits.
func New(limits map[string]Limit, opts ...Option) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	l := &Limiter{
		limits:  copyLimits(limits),
		buckets: map[string]*bucket{},
		log:     logx.Nop(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func copyLimits(in map[string]Limit) map[string]Limit {
	out := make(map[string]Limit, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetLimits replaces the class table. Existing windows are kept for classes
// that survive the swap.
func (l *Limiter) SetLimits(limits map[string]Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = copyLimits(limits)
	for class := range l.buckets {
		if _, ok := l.limits[class]; !ok {
			delete(l.buckets, class)
		}
	}
}

func (l *Limiter) bucketLocked(class string) *bucket {
	b := l.buckets[class]
	if b == nil {
		b = &bucket{}
		l.buckets[class] = b
	}
	return b
}

func (b *bucket) prune(now time.Time, period time.Duration) {
	cutoff := now.Add(-period)
	i := 0
	for i < len(b.hits) && !b.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.hits = append(b.hits[:0], b.hits[i:]...)
	}
}

// Acquire blocks until one more operation of class may proceed.
// Unknown classes return immediately. It returns ctx.Err() if ctx ends
// while waiting, in which case nothing is recorded.
//
// The hit is recorded after any wait, so the window always reflects when
// operations actually went out.
func (l *Limiter) Acquire(ctx context.Context, class string) error {
	burstPaid := false
	for {
		l.mu.Lock()
		lim, ok := l.limits[class]
		if !ok || lim.Count <= 0 {
			l.mu.Unlock()
			return nil
		}
		b := l.bucketLocked(class)
		now := l.now()
		b.prune(now, lim.Period)

		if len(b.hits) >= lim.Count {
			wait := b.hits[0].Add(lim.Period).Sub(now)
			l.mu.Unlock()
			l.log.Info("rate limit reached; waiting",
				logx.String("class", class),
				logx.Duration("wait", wait),
			)
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
			// Another caller may have taken the freed slot; re-check.
			continue
		}

		if !burstPaid {
			var delay time.Duration
			if !b.last.IsZero() && now.Sub(b.last) < burstGap {
				b.bursts++
				if lim.Burst > 0 && b.bursts >= lim.Burst {
					delay = time.Duration(b.bursts) * 500 * time.Millisecond
					if delay > 2*time.Second {
						delay = 2 * time.Second
					}
				}
			} else {
				b.bursts = 0
			}
			if delay > 0 {
				l.mu.Unlock()
				l.log.Info("burst limit reached; delaying",
					logx.String("class", class),
					logx.Duration("delay", delay),
				)
				if err := l.sleep(ctx, delay); err != nil {
					return err
				}
				burstPaid = true
				continue
			}
		}

		b.hits = append(b.hits, now)
		b.last = now
		l.mu.Unlock()
		return nil
	}
}

// Remaining reports how many operations of class fit in the current window.
func (l *Limiter) Remaining(class string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked(class, l.now())
}

func (l *Limiter) remainingLocked(class string, now time.Time) int {
	lim, ok := l.limits[class]
	if !ok || lim.Count <= 0 {
		return Unlimited
	}
	b := l.bucketLocked(class)
	b.prune(now, lim.Period)
	if n := lim.Count - len(b.hits); n > 0 {
		return n
	}
	return 0
}

// ResetTime is when the oldest hit leaves the window. ok is false for
// unknown classes and empty windows.
func (l *Limiter) ResetTime(class string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resetLocked(class, l.now())
}

func (l *Limiter) resetLocked(class string, now time.Time) (time.Time, bool) {
	lim, ok := l.limits[class]
	if !ok {
		return time.Time{}, false
	}
	b := l.buckets[class]
	if b == nil {
		return time.Time{}, false
	}
	b.prune(now, lim.Period)
	if len(b.hits) == 0 {
		return time.Time{}, false
	}
	return b.hits[0].Add(lim.Period), true
}

// Status reports every configured class.
func (l *Limiter) Status() map[string]ClassStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make(map[string]ClassStatus, len(l.limits))
	for class, lim := range l.limits {
		st := ClassStatus{
			Limit:          lim.Count,
			PeriodSeconds:  lim.Period.Seconds(),
			RemainingQuota: l.remainingLocked(class, now),
		}
		if t, ok := l.resetLocked(class, now); ok {
			st.ResetTime = &t
		}
		if b := l.buckets[class]; b != nil {
			st.BurstCount = b.bursts
		}
		out[class] = st
	}
	return out
}
