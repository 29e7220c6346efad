// Package sample provides a seedable, goroutine-safe random source for the
// response paths. A fixed seed makes every choice reproducible in tests.
package sample

import (
	"math/rand/v2"
	"sync"
	"time"
)

type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a sampler seeded with seed, or with the clock when seed is 0.
func New(seed uint64) *Sampler {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Sampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *Sampler) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// IntN returns a value in [0, n). n must be positive.
func (s *Sampler) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// Chance reports true with probability p.
func (s *Sampler) Chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return s.Float64() < p
}

// Pick returns a uniformly chosen element, or false for an empty slice.
func Pick[T any](s *Sampler, items []T) (T, bool) {
	var zero T
	if len(items) == 0 {
		return zero, false
	}
	return items[s.IntN(len(items))], true
}
