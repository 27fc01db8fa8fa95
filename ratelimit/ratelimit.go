// Package ratelimit implements the sliding-window, multi-metric limiter
// threaded through a whole agent tree: requestsPerMinute, tokensPerMinute,
// tokensPerDay, and a safetyMargin. Unlike a fixed-window counter that resets
// in one step at the window boundary, each window keeps a ring of
// sub-buckets that expire one at a time, so usage decays continuously.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/gadgetcore/runtime/gadgeterr"
)

// Metric names one of the three tracked limits.
type Metric string

const (
	MetricRequestsPerMinute Metric = "requestsPerMinute"
	MetricTokensPerMinute   Metric = "tokensPerMinute"
	MetricTokensPerDay      Metric = "tokensPerDay"
)

// Limits configures the three caps. A zero value for any cap means
// "unlimited" for that metric. SafetyMargin must be in (0,1]; values outside
// that range are treated as 1 (no margin).
type Limits struct {
	RequestsPerMinute int64
	TokensPerMinute   int64
	TokensPerDay      int64
	SafetyMargin      float64
}

func (l Limits) margin() float64 {
	if l.SafetyMargin <= 0 || l.SafetyMargin > 1 {
		return 1
	}
	return l.SafetyMargin
}

// LimitExceededError is returned by Reserve when admitting the call would
// push a metric over its safety-margin-adjusted cap.
type LimitExceededError struct {
	cause         *gadgeterr.Error
	Metric        Metric
	Current       int64
	Limit         int64
	retryAfterHint time.Duration
}

func newLimitExceeded(metric Metric, current, limit int64, retryAfter time.Duration) *LimitExceededError {
	msg := fmt.Sprintf("%s limit exceeded (%d/%d)", metric, current, limit)
	return &LimitExceededError{
		cause:          gadgeterr.New(gadgeterr.ReasonRateLimited, msg),
		Metric:         metric,
		Current:        current,
		Limit:          limit,
		retryAfterHint: retryAfter,
	}
}

func (e *LimitExceededError) Error() string { return e.cause.Error() }

func (e *LimitExceededError) Reason() gadgeterr.Reason { return e.cause.Reason() }

func (e *LimitExceededError) Unwrap() error { return e.cause }

// RetryAfter satisfies the retry package's retry-after-hint contract: a
// rate-limit error always knows a better backoff than a generic computed
// one.
func (e *LimitExceededError) RetryAfter() (time.Duration, bool) { return e.retryAfterHint, true }

// Reservation is the token estimate made before a call, to be reconciled
// against actual usage via Commit once the call completes.
type Reservation struct {
	estimatedTokens int64
	reservedAt      time.Time
}

// Tracker is the concurrency-safe sliding-window limiter. A single instance
// is shared across a whole agent tree (root agent plus every subagent).
type Tracker struct {
	limits Limits

	mu       sync.Mutex
	requests *ringCounter
	tokMin   *ringCounter
	tokDay   *ringCounter
}

// New builds a tracker from Limits. Buckets are one second wide for the
// per-minute windows and one minute wide for the per-day window.
func New(limits Limits) *Tracker {
	return &Tracker{
		limits:   limits,
		requests: newRingCounter(time.Minute, time.Second),
		tokMin:   newRingCounter(time.Minute, time.Second),
		tokDay:   newRingCounter(24*time.Hour, time.Minute),
	}
}

// Reserve checks whether one more request carrying estimatedTokens would
// exceed any configured limit, and if not, provisionally records it. The
// reservation must later be reconciled with Commit once actual usage is
// known.
func (t *Tracker) Reserve(now time.Time, estimatedTokens int64) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	margin := t.limits.margin()

	if cap := t.limits.RequestsPerMinute; cap > 0 {
		effective := int64(float64(cap) * margin)
		current := t.requests.peek(now)
		if current+1 > effective {
			return nil, newLimitExceeded(MetricRequestsPerMinute, current+1, effective, time.Second)
		}
	}
	if cap := t.limits.TokensPerMinute; cap > 0 {
		effective := int64(float64(cap) * margin)
		current := t.tokMin.peek(now)
		if current+estimatedTokens > effective {
			return nil, newLimitExceeded(MetricTokensPerMinute, current+estimatedTokens, effective, time.Second)
		}
	}
	if cap := t.limits.TokensPerDay; cap > 0 {
		effective := int64(float64(cap) * margin)
		current := t.tokDay.peek(now)
		if current+estimatedTokens > effective {
			return nil, newLimitExceeded(MetricTokensPerDay, current+estimatedTokens, effective, time.Minute)
		}
	}

	t.requests.add(now, 1)
	t.tokMin.add(now, estimatedTokens)
	t.tokDay.add(now, estimatedTokens)

	return &Reservation{estimatedTokens: estimatedTokens, reservedAt: now}, nil
}

// Commit reconciles a reservation against actual token usage, adjusting the
// sliding windows by the difference.
func (t *Tracker) Commit(res *Reservation, actualTokens int64, now time.Time) {
	if res == nil {
		return
	}
	delta := actualTokens - res.estimatedTokens
	if delta == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokMin.add(now, delta)
	t.tokDay.add(now, delta)
}

// Usage reports current totals for all three metrics, for observability.
func (t *Tracker) Usage(now time.Time) (requests, tokensMinute, tokensDay int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests.peek(now), t.tokMin.peek(now), t.tokDay.peek(now)
}

// ringCounter is a sliding window made of fixed-width sub-buckets, each
// independently stamped with the epoch it currently represents. A bucket
// decays out of the window the moment its epoch falls more than numBuckets
// behind the current epoch, rather than all buckets resetting together.
type ringCounter struct {
	bucketDur  time.Duration
	numBuckets int64
	counts     []int64
	epochs     []int64
}

func newRingCounter(window, bucketDur time.Duration) *ringCounter {
	n := int64(window / bucketDur)
	if n < 1 {
		n = 1
	}
	epochs := make([]int64, n)
	for i := range epochs {
		epochs[i] = -n // guarantee the first touch treats every slot as stale
	}
	return &ringCounter{
		bucketDur:  bucketDur,
		numBuckets: n,
		counts:     make([]int64, n),
		epochs:     epochs,
	}
}

func (r *ringCounter) epochOf(t time.Time) int64 {
	return t.UnixNano() / int64(r.bucketDur)
}

func (r *ringCounter) expire(currentEpoch int64) {
	for i := range r.counts {
		if currentEpoch-r.epochs[i] >= r.numBuckets {
			r.counts[i] = 0
			r.epochs[i] = currentEpoch - r.numBuckets
		}
	}
}

// add folds amount into the bucket for now and returns the new window total.
func (r *ringCounter) add(now time.Time, amount int64) int64 {
	ce := r.epochOf(now)
	r.expire(ce)
	idx := ((ce % r.numBuckets) + r.numBuckets) % r.numBuckets
	if r.epochs[idx] != ce {
		r.counts[idx] = 0
		r.epochs[idx] = ce
	}
	r.counts[idx] += amount
	return r.sum()
}

// peek returns the window total as of now without recording a new event.
func (r *ringCounter) peek(now time.Time) int64 {
	r.expire(r.epochOf(now))
	return r.sum()
}

func (r *ringCounter) sum() int64 {
	var total int64
	for _, c := range r.counts {
		total += c
	}
	return total
}
