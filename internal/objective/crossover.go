package objective

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/cinar/indicator/v2/trend"

	"github.com/quantfold/autotune/pkg/search"
	"github.com/quantfold/autotune/pkg/stress"
)

// CrossoverEvaluator is the built-in reference evaluator: a long/flat EMA
// crossover rule over the window's close prices, with a per-flip cost. It
// exists so the pipeline is runnable end to end without an external
// decision process; production deployments supply their own Evaluator.
type CrossoverEvaluator struct {
	// FastKey and SlowKey name the parameters holding the EMA periods,
	// matching the override paths declared in the search space.
	FastKey string
	SlowKey string

	// CostBps is charged on every position flip.
	CostBps float64

	// PeriodsPerYear annualizes the per-bar metrics.
	PeriodsPerYear float64
}

// NewCrossoverEvaluator creates the reference evaluator.
func NewCrossoverEvaluator(fastKey, slowKey string, costBps, periodsPerYear float64) *CrossoverEvaluator {
	if periodsPerYear <= 0 {
		periodsPerYear = 365 * 24
	}
	return &CrossoverEvaluator{
		FastKey:        fastKey,
		SlowKey:        slowKey,
		CostBps:        costBps,
		PeriodsPerYear: periodsPerYear,
	}
}

// Evaluate runs the crossover rule over every series in the window and
// averages the per-series equity paths into one evaluation.
func (e *CrossoverEvaluator) Evaluate(ctx context.Context, params search.ParameterSet, w *Window) (*Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fast, err := intParam(params, e.FastKey)
	if err != nil {
		return nil, err
	}
	slow, err := intParam(params, e.SlowKey)
	if err != nil {
		return nil, err
	}
	if fast >= slow {
		return nil, fmt.Errorf("fast period %d must be below slow period %d", fast, slow)
	}

	// Map order is not stable, so walk the series by sorted name to keep
	// the result a pure function of the inputs.
	names := make([]string, 0, len(w.Series))
	for name := range w.Series {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		paths    [][]float64
		trades   int
		turnover float64
		bars     int
	)

	for _, name := range names {
		closes := w.Series[name].Closes()
		if len(closes) <= slow {
			continue
		}

		path, seriesTrades, seriesTurnover := e.runRule(closes, fast, slow)
		if len(path) == 0 {
			continue
		}

		paths = append(paths, path)
		trades += seriesTrades
		turnover += seriesTurnover
		bars += len(closes)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("no series long enough for slow period %d", slow)
	}

	equity := meanPaths(paths)

	m := stress.ComputePathMetrics(equity, e.PeriodsPerYear)

	return &Evaluation{
		Equity:           equity,
		TotalReturn:      m.TotalReturn,
		AnnualizedReturn: annualize(m.TotalReturn, len(equity), e.PeriodsPerYear),
		MaxDrawdown:      m.MaxDrawdown,
		RiskRatio:        m.RiskRatio,
		Turnover:         turnover / float64(len(paths)),
		Trades:           trades,
		Bars:             bars,
	}, nil
}

// runRule produces the equity path for one close series.
func (e *CrossoverEvaluator) runRule(closes []float64, fast, slow int) ([]float64, int, float64) {
	fastEMA := emaSeries(closes, fast)
	slowEMA := emaSeries(closes, slow)

	n := len(fastEMA)
	if len(slowEMA) < n {
		n = len(slowEMA)
	}
	// Indicator outputs are end-aligned with the input.
	fastEMA = fastEMA[len(fastEMA)-n:]
	slowEMA = slowEMA[len(slowEMA)-n:]
	prices := closes[len(closes)-n:]

	cost := e.CostBps / 10000

	equity := make([]float64, 0, n)
	equity = append(equity, 1.0)
	position := 0 // 0 flat, 1 long
	trades := 0
	turnover := 0.0

	for i := 1; i < n; i++ {
		ret := prices[i]/prices[i-1] - 1

		value := equity[len(equity)-1]
		if position == 1 {
			value *= 1 + ret
		}

		want := 0
		if fastEMA[i] > slowEMA[i] {
			want = 1
		}
		if want != position {
			value *= 1 - cost
			position = want
			trades++
			turnover += 1.0
		}

		equity = append(equity, value)
	}

	return equity, trades, turnover
}

// emaSeries computes the EMA over prices through the indicator channel API.
func emaSeries(prices []float64, period int) []float64 {
	in := make(chan float64, len(prices))
	for _, p := range prices {
		in <- p
	}
	close(in)

	out := trend.NewEmaWithPeriod[float64](period).Compute(in)

	values := make([]float64, 0, len(prices))
	for v := range out {
		values = append(values, v)
	}
	return values
}

// meanPaths equal-weights the equity paths, aligning unequal lengths at
// the end.
func meanPaths(paths [][]float64) []float64 {
	n := len(paths[0])
	for _, p := range paths[1:] {
		if len(p) < n {
			n = len(p)
		}
	}

	out := make([]float64, n)
	for _, p := range paths {
		tail := p[len(p)-n:]
		for i, v := range tail {
			out[i] += v
		}
	}
	for i := range out {
		out[i] /= float64(len(paths))
	}
	return out
}

// annualize converts a window total return to an annualized rate.
func annualize(totalReturn float64, bars int, periodsPerYear float64) float64 {
	if bars <= 1 || totalReturn <= -1 {
		return 0
	}
	years := float64(bars) / periodsPerYear
	if years <= 0 {
		return 0
	}
	return math.Pow(1+totalReturn, 1/years) - 1
}

func intParam(params search.ParameterSet, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %s", key)
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		return int(math.Round(x)), nil
	default:
		return 0, fmt.Errorf("parameter %s has non-numeric type %T", key, v)
	}
}
