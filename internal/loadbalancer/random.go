package loadbalancer

import (
	"math/rand/v2"
	"sync"
)

// RandomSource supplies the draws used for weighted selection and fault
// injection. Implementations must be safe for concurrent use.
type RandomSource interface {
	// IntN returns a uniform integer in [0, n).
	IntN(n int) int
	// Float64 returns a uniform float in [0, 1).
	Float64() float64
}

type globalSource struct{}

func (globalSource) IntN(n int) int   { return rand.IntN(n) }
func (globalSource) Float64() float64 { return rand.Float64() }

// DefaultSource returns the process-wide, automatically seeded source.
func DefaultSource() RandomSource {
	return globalSource{}
}

// LockedSource is a seeded source guarded by a mutex so a fixed seed yields a
// reproducible sequence even when shared between goroutines.
type LockedSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewLockedSource creates a reproducible source from a seed.
func NewLockedSource(seed uint64) *LockedSource {
	return &LockedSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *LockedSource) IntN(n int) int {
	s.mu.Lock()
	v := s.rng.IntN(n)
	s.mu.Unlock()
	return v
}

func (s *LockedSource) Float64() float64 {
	s.mu.Lock()
	v := s.rng.Float64()
	s.mu.Unlock()
	return v
}
