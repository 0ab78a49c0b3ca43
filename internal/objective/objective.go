// Objective evaluator contract consumed by the search and selection layers
package objective

import (
	"context"
	"fmt"

	"github.com/quantfold/autotune/pkg/search"
	"github.com/quantfold/autotune/pkg/series"
)

// Window is one data window handed to an evaluator: the per-series slices
// of either a train or an OOS side of a segment.
type Window struct {
	Series map[string]*series.Series
}

// Bars returns the widest series length in the window.
func (w *Window) Bars() int {
	max := 0
	for _, s := range w.Series {
		if s.Len() > max {
			max = s.Len()
		}
	}
	return max
}

// Evaluation is the metrics an evaluator must report for one parameter set
// on one data window. TotalReturn and MaxDrawdown are mandatory;
// RiskRatio, Turnover and Trades should be reported when available.
type Evaluation struct {
	Equity []float64 `json:"-"` // realized equity path over the window

	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	MaxDrawdown      float64 `json:"max_drawdown"` // negative magnitude
	RiskRatio        float64 `json:"risk_ratio"`
	Turnover         float64 `json:"turnover"`
	Trades           int     `json:"trades"`
	Bars             int     `json:"bars"`
}

// MetricsMap flattens the evaluation for trial records.
func (ev *Evaluation) MetricsMap() map[string]float64 {
	return map[string]float64{
		"total_return":      ev.TotalReturn,
		"annualized_return": ev.AnnualizedReturn,
		"max_drawdown":      ev.MaxDrawdown,
		"risk_ratio":        ev.RiskRatio,
		"turnover":          ev.Turnover,
		"trades":            float64(ev.Trades),
		"bars":              float64(ev.Bars),
	}
}

// Evaluator scores one parameter set against one data window. It wraps the
// decision logic being tuned, which is external to this pipeline.
// Implementations must be pure functions of their inputs so identical calls
// yield identical output; internal errors are returned, never panicked.
type Evaluator interface {
	Evaluate(ctx context.Context, params search.ParameterSet, w *Window) (*Evaluation, error)
}

// Weights define the composite training objective: risk-adjusted return
// plus absolute return minus a turnover penalty.
type Weights struct {
	RiskRatio       float64 `mapstructure:"risk_ratio" json:"risk_ratio"`
	Return          float64 `mapstructure:"return" json:"return"`
	TurnoverPenalty float64 `mapstructure:"turnover_penalty" json:"turnover_penalty"`
}

// DefaultWeights favor risk-adjusted performance.
func DefaultWeights() Weights {
	return Weights{RiskRatio: 1.0, Return: 0.5, TurnoverPenalty: 0.1}
}

// Score folds an evaluation into a scalar objective value.
func (w Weights) Score(ev *Evaluation) float64 {
	return w.RiskRatio*ev.RiskRatio + w.Return*ev.AnnualizedReturn - w.TurnoverPenalty*ev.Turnover
}

// Bind adapts an evaluator plus a fixed data window into the search
// engine's objective contract.
func Bind(ev Evaluator, w *Window, weights Weights) search.Objective {
	return func(ctx context.Context, params search.ParameterSet) (search.Observation, error) {
		result, err := ev.Evaluate(ctx, params, w)
		if err != nil {
			return search.Observation{}, fmt.Errorf("evaluate: %w", err)
		}
		return search.Observation{
			Score:   weights.Score(result),
			Metrics: result.MetricsMap(),
		}, nil
	}
}
