// Package redisretry implements jittered exponential backoff used for
// reconnection and for cluster retries.
//
// Iterators returned by Strategy implement backoff.BackOff, so they are
// consumed with backoff.Retry and backoff.RetryNotify.
package redisretry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MaxDuration caps single backoff interval.
const MaxDuration = time.Hour

// Opts is the parameters of backoff.
type Opts struct {
	// ExponentBase is the base of exponent.
	// If ExponentBase <= 0, then default 2 is used.
	ExponentBase int
	// Factor is multiplied by ExponentBase^i.
	// If Factor <= 0, then default 100ms is used.
	Factor time.Duration
	// NumberOfRetries is number of jittered growing intervals.
	NumberOfRetries int
	// JitterPercent - maximum relative deviation of interval, in percents.
	// If JitterPercent == 0, then default 20 is used.
	// If JitterPercent < 0, then intervals are not jittered.
	JitterPercent int
}

// Strategy produces backoff iterators. It is immutable.
type Strategy struct {
	base    float64
	factor  time.Duration
	retries int
	jitter  float64
}

// New returns Strategy with defaults applied.
func New(opts Opts) Strategy {
	s := Strategy{
		base:    float64(opts.ExponentBase),
		factor:  opts.Factor,
		retries: opts.NumberOfRetries,
	}
	if opts.ExponentBase <= 0 {
		s.base = 2
	}
	if s.factor <= 0 {
		s.factor = 100 * time.Millisecond
	}
	if s.retries < 0 {
		s.retries = 0
	}
	switch {
	case opts.JitterPercent == 0:
		s.jitter = 0.2
	case opts.JitterPercent > 0:
		s.jitter = float64(opts.JitterPercent) / 100
		if s.jitter > 1 {
			s.jitter = 1
		}
	}
	return s
}

// NumberOfRetries returns number of bounded intervals.
func (s Strategy) NumberOfRetries() int {
	return s.retries
}

// Bounded returns iterator yielding exactly NumberOfRetries intervals
// Factor*Base^i (i = 1..N) with jitter, then backoff.Stop.
func (s Strategy) Bounded() backoff.BackOff {
	return &iterator{s: s}
}

// Infinite returns iterator yielding the same intervals as Bounded, and then
// un-jittered Factor*Base^N forever (Factor if N == 0).
func (s Strategy) Infinite() backoff.BackOff {
	return &iterator{s: s, infinite: true}
}

// step returns Factor*Base^i saturated to MaxDuration.
func (s Strategy) step(i int) time.Duration {
	d := float64(s.factor) * math.Pow(s.base, float64(i))
	if d >= float64(MaxDuration) || math.IsInf(d, 0) || math.IsNaN(d) {
		return MaxDuration
	}
	return time.Duration(d)
}

func (s Strategy) jittered(d time.Duration) time.Duration {
	if s.jitter == 0 {
		return d
	}
	k := 1 - s.jitter + 2*s.jitter*rand.Float64()
	j := float64(d) * k
	if j >= float64(MaxDuration) {
		return MaxDuration
	}
	return time.Duration(j)
}

type iterator struct {
	s        Strategy
	n        int
	infinite bool
}

// NextBackOff implements backoff.BackOff.
func (it *iterator) NextBackOff() time.Duration {
	if it.n < it.s.retries {
		it.n++
		return it.s.jittered(it.s.step(it.n))
	}
	if !it.infinite {
		return backoff.Stop
	}
	if it.s.retries == 0 {
		return it.s.factor
	}
	return it.s.step(it.s.retries)
}

// Reset implements backoff.BackOff.
func (it *iterator) Reset() {
	it.n = 0
}
