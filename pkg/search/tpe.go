package search

import (
	"math"
	"math/rand"
	"sort"
)

// TPESampler is the adaptive sampler: a tree-structured Parzen estimator
// over past trials. Completed trials are split by score into a "good" top
// quantile and a "bad" remainder; candidate values are drawn from a kernel
// density fit to the good set and ranked by the density ratio good/bad, so
// proposals concentrate in historically strong regions while the kernel
// tails retain exploration.
type TPESampler struct {
	// Gamma is the quantile of trials treated as good (default 0.25).
	Gamma float64
	// Candidates is the number of draws ranked per parameter (default 24).
	Candidates int
}

// NewTPESampler creates a TPE sampler with default settings.
func NewTPESampler() *TPESampler {
	return &TPESampler{Gamma: 0.25, Candidates: 24}
}

func (s *TPESampler) Name() string { return "tpe" }

func (s *TPESampler) Next(rng *rand.Rand, space Space, completed []TrialResult) ParameterSet {
	good, bad := s.split(completed)
	if len(good) == 0 || len(bad) == 0 {
		return sampleUniform(rng, space)
	}

	ps := make(ParameterSet, len(space))
	for _, p := range space {
		switch p.Type {
		case ParamTypeCategorical:
			ps[p.Name] = s.nextCategorical(rng, p, good, bad)
		default:
			ps[p.Name] = s.nextNumeric(rng, p, good, bad)
		}
	}
	return ps
}

// split partitions completed trials into good (top gamma by score) and bad.
func (s *TPESampler) split(completed []TrialResult) (good, bad []TrialResult) {
	if len(completed) < 2 {
		return nil, nil
	}

	sorted := make([]TrialResult, len(completed))
	copy(sorted, completed)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	gamma := s.Gamma
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.25
	}
	n := int(math.Ceil(gamma * float64(len(sorted))))
	if n < 1 {
		n = 1
	}
	if n >= len(sorted) {
		n = len(sorted) - 1
	}
	return sorted[:n], sorted[n:]
}

// nextNumeric proposes a numeric value by sampling candidates from the good
// kernel mixture and keeping the one with the best good/bad density ratio.
// Log-scale parameters are modeled in log space.
func (s *TPESampler) nextNumeric(rng *rand.Rand, p *Parameter, good, bad []TrialResult) interface{} {
	transform := func(v float64) float64 { return v }
	inverse := transform
	lo, hi := p.Min, p.Max
	if p.Type == ParamTypeLog {
		transform = math.Log
		inverse = math.Exp
		lo, hi = math.Log(p.Min), math.Log(p.Max)
	}

	goodVals := observedValues(p.Name, good, transform)
	badVals := observedValues(p.Name, bad, transform)
	if len(goodVals) == 0 {
		return p.sample(rng)
	}

	bandwidth := (hi - lo) / math.Sqrt(float64(len(goodVals))+1)
	if bandwidth <= 0 {
		bandwidth = math.Max(math.Abs(hi), 1) * 1e-3
	}

	candidates := s.Candidates
	if candidates <= 0 {
		candidates = 24
	}

	bestVal := goodVals[0]
	bestRatio := math.Inf(-1)
	for i := 0; i < candidates; i++ {
		// Draw from the good mixture: pick a kernel center, then jitter.
		center := goodVals[rng.Intn(len(goodVals))]
		v := center + rng.NormFloat64()*bandwidth
		if v < lo {
			v = lo
		}
		if v > hi {
			v = hi
		}

		ratio := kernelDensity(v, goodVals, bandwidth) / (kernelDensity(v, badVals, bandwidth) + 1e-12)
		if ratio > bestRatio {
			bestRatio = ratio
			bestVal = v
		}
	}

	out := inverse(bestVal)
	if p.Type == ParamTypeInt {
		iv := int(math.Round(out))
		if iv < int(p.Min) {
			iv = int(p.Min)
		}
		if iv > int(p.Max) {
			iv = int(p.Max)
		}
		return iv
	}
	return out
}

// nextCategorical weights each choice by its smoothed frequency ratio in
// the good versus bad trials.
func (s *TPESampler) nextCategorical(rng *rand.Rand, p *Parameter, good, bad []TrialResult) interface{} {
	weights := make([]float64, len(p.Choices))
	total := 0.0
	for i, choice := range p.Choices {
		g := 1.0 + countChoice(p.Name, choice, good)
		b := 1.0 + countChoice(p.Name, choice, bad)
		weights[i] = g / b
		total += weights[i]
	}

	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return p.Choices[i]
		}
	}
	return p.Choices[len(p.Choices)-1]
}

func observedValues(name string, trials []TrialResult, transform func(float64) float64) []float64 {
	vals := make([]float64, 0, len(trials))
	for _, t := range trials {
		if _, ok := t.Params[name]; !ok {
			continue
		}
		vals = append(vals, transform(t.Params.Float(name)))
	}
	return vals
}

func countChoice(name, choice string, trials []TrialResult) float64 {
	n := 0.0
	for _, t := range trials {
		if v, ok := t.Params[name].(string); ok && v == choice {
			n++
		}
	}
	return n
}

// kernelDensity evaluates a Gaussian kernel mixture at v.
func kernelDensity(v float64, centers []float64, bandwidth float64) float64 {
	if len(centers) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range centers {
		z := (v - c) / bandwidth
		sum += math.Exp(-0.5 * z * z)
	}
	return sum / (float64(len(centers)) * bandwidth * math.Sqrt(2*math.Pi))
}
