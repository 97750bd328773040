// Package ratelimit provides per-service admission control shared by
// all pipeline workers. Each credential identity for a service owns an
// independent token bucket; callers round-robin across identities so
// aggregate throughput approaches the sum of the buckets while no
// single identity exceeds its own ceiling.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Identity is one credential usable against an external service. An
// empty APIKey means anonymous access at the service's unkeyed ceiling.
type Identity struct {
	Name   string
	APIKey string
}

// bucket pairs an identity with its token bucket and 429 penalty state.
type bucket struct {
	identity Identity
	limiter  *rate.Limiter

	mu           sync.Mutex
	penalty      time.Duration
	penaltyUntil time.Time
}

func (b *bucket) heldUntil() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Now().Before(b.penaltyUntil) {
		return b.penaltyUntil, true
	}
	return time.Time{}, false
}

// Limiter admits requests for one external service across one or more
// identities. A service-signaled rejection (HTTP 429) reported via
// ReportRateLimited applies an exponential hold-off to that identity
// only; the others keep serving.
type Limiter struct {
	service string
	buckets []*bucket

	mu   sync.Mutex
	next int

	basePenalty time.Duration
	maxPenalty  time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPenaltyWindow overrides the initial and maximum hold-off applied
// to an identity after a rate-limit rejection.
func WithPenaltyWindow(base, max time.Duration) Option {
	return func(l *Limiter) {
		l.basePenalty = base
		l.maxPenalty = max
	}
}

// New builds a limiter for service where every identity gets its own
// bucket of perIdentity requests/second with the given burst. With no
// identities, a single anonymous bucket is used.
func New(service string, perIdentity rate.Limit, burst int, identities []Identity, opts ...Option) *Limiter {
	if burst < 1 {
		burst = 1
	}
	if len(identities) == 0 {
		identities = []Identity{{Name: "anonymous"}}
	}

	l := &Limiter{
		service:     service,
		basePenalty: time.Second,
		maxPenalty:  2 * time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, id := range identities {
		l.buckets = append(l.buckets, &bucket{
			identity: id,
			limiter:  rate.NewLimiter(perIdentity, burst),
		})
	}
	return l
}

// Acquire blocks until a request is admitted, then returns the identity
// whose credential the caller must use for the call. Identities under a
// 429 hold-off are skipped; if every identity is held, Acquire sleeps
// until the earliest hold-off expires.
func (l *Limiter) Acquire(ctx context.Context) (Identity, error) {
	for {
		b, wakeAt, ok := l.nextEligible()
		if !ok {
			// All identities penalized. Wait out the shortest hold-off.
			timer := time.NewTimer(time.Until(wakeAt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return Identity{}, eris.Wrapf(ctx.Err(), "ratelimit: %s acquire canceled", l.service)
			case <-timer.C:
				continue
			}
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return Identity{}, eris.Wrapf(err, "ratelimit: %s acquire", l.service)
		}
		return b.identity, nil
	}
}

// nextEligible returns the next unpenalized bucket in round-robin
// order, or the earliest wake time when every bucket is held.
func (l *Limiter) nextEligible() (*bucket, time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var earliest time.Time
	for i := 0; i < len(l.buckets); i++ {
		b := l.buckets[l.next]
		l.next = (l.next + 1) % len(l.buckets)

		until, held := b.heldUntil()
		if !held {
			return b, time.Time{}, true
		}
		if earliest.IsZero() || until.Before(earliest) {
			earliest = until
		}
	}
	return nil, earliest, false
}

// ReportRateLimited records a service-signaled rejection for the named
// identity, doubling its hold-off up to the maximum. Other identities
// are unaffected.
func (l *Limiter) ReportRateLimited(identity Identity) {
	b := l.find(identity.Name)
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.penalty <= 0 {
		b.penalty = l.basePenalty
	} else {
		b.penalty *= 2
		if b.penalty > l.maxPenalty {
			b.penalty = l.maxPenalty
		}
	}
	b.penaltyUntil = time.Now().Add(b.penalty)
	penalty := b.penalty
	b.mu.Unlock()

	zap.L().Warn("identity rate limited",
		zap.String("service", l.service),
		zap.String("identity", identity.Name),
		zap.Duration("hold_off", penalty),
	)
}

// ReportSuccess decays the penalty for the named identity after a
// successful call so a once-throttled credential recovers gradually.
func (l *Limiter) ReportSuccess(identity Identity) {
	b := l.find(identity.Name)
	if b == nil {
		return
	}
	b.mu.Lock()
	b.penalty /= 2
	if b.penalty < l.basePenalty {
		b.penalty = 0
	}
	b.mu.Unlock()
}

// Identities returns the configured identity count, for sizing worker
// pools relative to available throughput.
func (l *Limiter) Identities() int {
	return len(l.buckets)
}

func (l *Limiter) find(name string) *bucket {
	for _, b := range l.buckets {
		if b.identity.Name == name {
			return b
		}
	}
	return nil
}
