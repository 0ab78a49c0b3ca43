// Black-box parameter search over typed parameter spaces
package search

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
)

// ParamType defines how a parameter is sampled.
type ParamType string

const (
	ParamTypeFloat       ParamType = "float"       // continuous range [Min, Max]
	ParamTypeInt         ParamType = "int"         // integer range [Min, Max]
	ParamTypeCategorical ParamType = "categorical" // choice from Choices
	ParamTypeLog         ParamType = "log"         // continuous range sampled on log scale
)

// Parameter describes one dimension of the search space.
type Parameter struct {
	Name    string    `json:"name"`
	Type    ParamType `json:"type"`
	Min     float64   `json:"min"`     // numeric types
	Max     float64   `json:"max"`     // numeric types
	Step    float64   `json:"step"`    // grid granularity for numeric types
	Choices []string  `json:"choices"` // categorical type
}

// Validate checks the parameter definition.
func (p *Parameter) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter name is required")
	}
	switch p.Type {
	case ParamTypeFloat, ParamTypeInt:
		if p.Max < p.Min {
			return fmt.Errorf("parameter %s: max %v < min %v", p.Name, p.Max, p.Min)
		}
	case ParamTypeLog:
		if p.Min <= 0 {
			return fmt.Errorf("parameter %s: log-scale range requires min > 0, got %v", p.Name, p.Min)
		}
		if p.Max < p.Min {
			return fmt.Errorf("parameter %s: max %v < min %v", p.Name, p.Max, p.Min)
		}
	case ParamTypeCategorical:
		if len(p.Choices) == 0 {
			return fmt.Errorf("parameter %s: categorical type requires choices", p.Name)
		}
	default:
		return fmt.Errorf("parameter %s: unknown type %q", p.Name, p.Type)
	}
	return nil
}

// sample draws a uniform random value for the parameter.
func (p *Parameter) sample(rng *rand.Rand) interface{} {
	switch p.Type {
	case ParamTypeInt:
		lo, hi := int(p.Min), int(p.Max)
		return lo + rng.Intn(hi-lo+1)
	case ParamTypeFloat:
		return p.Min + rng.Float64()*(p.Max-p.Min)
	case ParamTypeLog:
		lo, hi := math.Log(p.Min), math.Log(p.Max)
		return math.Exp(lo + rng.Float64()*(hi-lo))
	case ParamTypeCategorical:
		return p.Choices[rng.Intn(len(p.Choices))]
	}
	return nil
}

// Space is an ordered set of parameter definitions.
type Space []*Parameter

// Validate checks every parameter and rejects duplicate names.
func (s Space) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("search space is empty")
	}
	seen := make(map[string]struct{}, len(s))
	for _, p := range s {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// ParameterSet is a concrete assignment of values to parameter names.
type ParameterSet map[string]interface{}

// Clone creates a shallow copy of the parameter set.
func (ps ParameterSet) Clone() ParameterSet {
	clone := make(ParameterSet, len(ps))
	for k, v := range ps {
		clone[k] = v
	}
	return clone
}

// Float returns the named value coerced to float64, or 0 if absent.
func (ps ParameterSet) Float(name string) float64 {
	switch v := ps[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Hash returns a deterministic fingerprint of the parameter set. Identical
// assignments always hash identically regardless of map iteration order,
// which makes the hash usable as a deduplication key across runs.
func (ps ParameterSet) Hash() string {
	keys := make([]string, 0, len(ps))
	for k := range ps {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(formatValue(ps[k])))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// formatValue renders a parameter value canonically for hashing.
func formatValue(v interface{}) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}
