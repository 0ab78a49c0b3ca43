package search

import (
	"math"
	"math/rand"
	"sync"
)

// Sampler proposes the next parameter set to evaluate. Implementations may
// inspect the completed trial history to adapt their proposals; the engine
// serializes calls to Next, so samplers do not need internal locking for
// the history argument.
type Sampler interface {
	Name() string
	Next(rng *rand.Rand, space Space, completed []TrialResult) ParameterSet
}

// ============================================================================
// RANDOM SAMPLER
// ============================================================================

// RandomSampler draws every parameter uniformly at random from its range.
type RandomSampler struct{}

// NewRandomSampler creates a uniform random sampler.
func NewRandomSampler() *RandomSampler { return &RandomSampler{} }

func (s *RandomSampler) Name() string { return "random" }

func (s *RandomSampler) Next(rng *rand.Rand, space Space, _ []TrialResult) ParameterSet {
	return sampleUniform(rng, space)
}

func sampleUniform(rng *rand.Rand, space Space) ParameterSet {
	ps := make(ParameterSet, len(space))
	for _, p := range space {
		ps[p.Name] = p.sample(rng)
	}
	return ps
}

// ============================================================================
// GRID SAMPLER
// ============================================================================

// GridSampler enumerates the cartesian product of all parameter grids,
// wrapping around when the budget exceeds the grid size. Numeric parameters
// use Step as granularity (a zero step divides the range into ten cells);
// log-scale parameters are stepped geometrically.
type GridSampler struct {
	mu     sync.Mutex
	grid   []ParameterSet
	cursor int
}

// NewGridSampler creates a grid sampler.
func NewGridSampler() *GridSampler { return &GridSampler{} }

func (s *GridSampler) Name() string { return "grid" }

func (s *GridSampler) Next(_ *rand.Rand, space Space, _ []TrialResult) ParameterSet {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grid == nil {
		s.grid = expandGrid(space, 0, ParameterSet{})
	}
	ps := s.grid[s.cursor%len(s.grid)]
	s.cursor++
	return ps.Clone()
}

func expandGrid(space Space, idx int, current ParameterSet) []ParameterSet {
	if idx >= len(space) {
		return []ParameterSet{current.Clone()}
	}

	p := space[idx]
	var out []ParameterSet

	add := func(v interface{}) {
		next := current.Clone()
		next[p.Name] = v
		out = append(out, expandGrid(space, idx+1, next)...)
	}

	switch p.Type {
	case ParamTypeInt:
		step := p.Step
		if step < 1 {
			step = 1
		}
		for v := p.Min; v <= p.Max; v += step {
			add(int(v))
		}
	case ParamTypeFloat:
		step := p.Step
		if step <= 0 {
			step = (p.Max - p.Min) / 10
		}
		if step <= 0 {
			add(p.Min)
			break
		}
		for v := p.Min; v <= p.Max+step/2; v += step {
			add(math.Min(v, p.Max))
		}
	case ParamTypeLog:
		cells := 10.0
		if p.Step > 0 {
			cells = p.Step
		}
		lo, hi := math.Log(p.Min), math.Log(p.Max)
		for i := 0.0; i <= cells; i++ {
			add(math.Exp(lo + (hi-lo)*i/cells))
		}
	case ParamTypeCategorical:
		for _, c := range p.Choices {
			add(c)
		}
	}

	return out
}
