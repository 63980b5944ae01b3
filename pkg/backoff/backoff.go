// Package backoff implements exponential-backoff-with-full-jitter delay
// calculation, matching the couchbase-cxx-client backoff_calculator: the
// kth call returns a uniform random duration in
// [0, min(max, min*factor^k)].
package backoff

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	mathrand "math/rand/v2"
	"time"
)

// Defaults mirror backoff_calculator.cxx.
const (
	DefaultMin    = 100 * time.Millisecond
	DefaultMax    = 60 * time.Second
	DefaultFactor = 2.0
)

// Calculator produces a delay for the kth retry attempt (k starting at 0).
type Calculator func(retryAttempts uint32) time.Duration

// Option configures New.
type Option func(*options)

type options struct {
	min, max time.Duration
	factor   float64
}

// WithMin overrides the minimum delay.
func WithMin(d time.Duration) Option { return func(o *options) { o.min = d } }

// WithMax overrides the maximum delay.
func WithMax(d time.Duration) Option { return func(o *options) { o.max = d } }

// WithFactor overrides the exponential growth factor.
func WithFactor(f float64) Option { return func(o *options) { o.factor = f } }

// New builds a Calculator. Every call reseeds its RNG from a
// non-deterministic source, so concurrent callers never share state and
// never interfere with each other.
func New(opts ...Option) Calculator {
	o := options{min: DefaultMin, max: DefaultMax, factor: DefaultFactor}
	for _, apply := range opts {
		apply(&o)
	}
	return func(retryAttempts uint32) time.Duration {
		ceiling := o.min.Seconds() * math.Pow(o.factor, float64(retryAttempts))
		boundSeconds := math.Min(o.max.Seconds(), ceiling)
		bound := time.Duration(boundSeconds * float64(time.Second))
		if bound <= 0 {
			return 0
		}
		return time.Duration(newRand().Int64N(int64(bound) + 1))
	}
}

// newRand builds a fresh, non-deterministically seeded generator. A
// process-wide generator would need its own mutex to stay safe under
// concurrent callers; reseeding per call avoids that shared state
// entirely, matching the source's per-call random_device-seeded
// mt19937.
func newRand() *mathrand.Rand {
	var seed [32]byte
	_, err := rand.Read(seed[:])
	if err != nil {
		// crypto/rand failing means the OS entropy source is broken;
		// fall back to a time-derived seed rather than panicking a
		// retry path.
		binary.LittleEndian.PutUint64(seed[:8], uint64(time.Now().UnixNano()))
	}
	s1 := binary.LittleEndian.Uint64(seed[:8])
	s2 := binary.LittleEndian.Uint64(seed[8:16])
	return mathrand.New(mathrand.NewPCG(s1, s2))
}
