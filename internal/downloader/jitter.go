package downloader

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Jitter draws per-link start delays d ~ Uniform[Min, Upper(N)) where
// Upper(N) = N * PerLink, optionally capped at Max. When Upper(N) <= Min every
// delay equals Min.
type Jitter struct {
	Min     time.Duration
	PerLink time.Duration
	Max     time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewJitter returns a Jitter drawing from src. A nil src seeds from the
// runtime's random source.
func NewJitter(minDelay, perLink, maxDelay time.Duration, src rand.Source) *Jitter {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Jitter{Min: minDelay, PerLink: perLink, Max: maxDelay, rng: rand.New(src)}
}

// Upper returns the exclusive upper bound for a batch of n links.
func (j *Jitter) Upper(n int) time.Duration {
	upper := time.Duration(n) * j.PerLink
	if j.Max > 0 && upper > j.Max {
		upper = j.Max
	}
	return upper
}

// Delays draws one delay per link, in link order.
func (j *Jitter) Delays(n int) []time.Duration {
	out := make([]time.Duration, n)
	upper := j.Upper(n)
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range out {
		if upper <= j.Min {
			out[i] = j.Min
			continue
		}
		out[i] = j.Min + time.Duration(j.rng.Int64N(int64(upper-j.Min)))
	}
	return out
}
