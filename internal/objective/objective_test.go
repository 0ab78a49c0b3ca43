package objective

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotune/pkg/search"
	"github.com/quantfold/autotune/pkg/series"
)

func priceWindow(name string, closes []float64) *Window {
	bars := make([]*series.Bar, len(closes))
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		bars[i] = &series.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      c, High: c, Low: c, Close: c, Volume: 1,
		}
	}
	return &Window{Series: map[string]*series.Series{name: series.New(name, bars)}}
}

func TestWindowBars(t *testing.T) {
	w := priceWindow("BTCUSDT", []float64{1, 2, 3})
	assert.Equal(t, 3, w.Bars())
	assert.Equal(t, 0, (&Window{}).Bars())
}

func TestWeightsScore(t *testing.T) {
	weights := Weights{RiskRatio: 1.0, Return: 0.5, TurnoverPenalty: 0.1}
	ev := &Evaluation{RiskRatio: 2.0, AnnualizedReturn: 0.4, Turnover: 3.0}

	assert.InDelta(t, 1.0*2.0+0.5*0.4-0.1*3.0, weights.Score(ev), 1e-12)
}

func TestBindWrapsEvaluator(t *testing.T) {
	w := priceWindow("BTCUSDT", []float64{100, 101, 102})
	eval := evaluatorFunc(func(ctx context.Context, params search.ParameterSet, w *Window) (*Evaluation, error) {
		return &Evaluation{RiskRatio: 1.5, AnnualizedReturn: 0.2, Trades: 4}, nil
	})

	obj := Bind(eval, w, DefaultWeights())
	obs, err := obj(context.Background(), search.ParameterSet{})
	require.NoError(t, err)

	assert.InDelta(t, 1.0*1.5+0.5*0.2, obs.Score, 1e-12)
	assert.Equal(t, 4.0, obs.Metrics["trades"])
}

func TestBindPropagatesError(t *testing.T) {
	eval := evaluatorFunc(func(ctx context.Context, params search.ParameterSet, w *Window) (*Evaluation, error) {
		return nil, errors.New("external process unavailable")
	})

	obj := Bind(eval, &Window{}, DefaultWeights())
	_, err := obj(context.Background(), search.ParameterSet{})
	assert.ErrorContains(t, err, "external process unavailable")
}

type evaluatorFunc func(ctx context.Context, params search.ParameterSet, w *Window) (*Evaluation, error)

func (f evaluatorFunc) Evaluate(ctx context.Context, params search.ParameterSet, w *Window) (*Evaluation, error) {
	return f(ctx, params, w)
}

func TestCrossoverRequiresFastBelowSlow(t *testing.T) {
	eval := NewCrossoverEvaluator("fast", "slow", 0, 8760)
	w := priceWindow("BTCUSDT", []float64{100, 101, 102, 103})

	_, err := eval.Evaluate(context.Background(), search.ParameterSet{"fast": 10, "slow": 5}, w)
	assert.ErrorContains(t, err, "must be below")

	_, err = eval.Evaluate(context.Background(), search.ParameterSet{"fast": 5, "slow": 5}, w)
	assert.Error(t, err)
}

func TestCrossoverMissingParameter(t *testing.T) {
	eval := NewCrossoverEvaluator("fast", "slow", 0, 8760)
	w := priceWindow("BTCUSDT", []float64{100, 101})

	_, err := eval.Evaluate(context.Background(), search.ParameterSet{"slow": 20}, w)
	assert.ErrorContains(t, err, "missing parameter fast")
}

func TestCrossoverTooShortSeries(t *testing.T) {
	eval := NewCrossoverEvaluator("fast", "slow", 0, 8760)
	w := priceWindow("BTCUSDT", []float64{100, 101, 102})

	_, err := eval.Evaluate(context.Background(), search.ParameterSet{"fast": 2, "slow": 20}, w)
	assert.ErrorContains(t, err, "no series long enough")
}

func TestCrossoverCapturesTrend(t *testing.T) {
	// A steady uptrend keeps the fast EMA above the slow EMA, so the rule
	// stays long and the equity compounds with the price.
	closes := make([]float64, 200)
	for i := range closes {
		closes[i] = 100 * (1 + 0.005*float64(i))
	}
	w := priceWindow("BTCUSDT", closes)

	eval := NewCrossoverEvaluator("fast", "slow", 0, 8760)
	result, err := eval.Evaluate(context.Background(), search.ParameterSet{"fast": 5, "slow": 20}, w)
	require.NoError(t, err)

	assert.Greater(t, result.TotalReturn, 0.0)
	assert.Greater(t, result.AnnualizedReturn, 0.0)
	assert.NotEmpty(t, result.Equity)
	assert.Equal(t, 200, result.Bars)
}

func TestCrossoverCostsReduceReturn(t *testing.T) {
	// A choppy series forces flips; charging costs must not improve the outcome.
	closes := make([]float64, 300)
	for i := range closes {
		base := 100.0
		if i%8 < 4 {
			base = 106.0
		}
		closes[i] = base + float64(i)*0.01
	}
	w := priceWindow("BTCUSDT", closes)

	free := NewCrossoverEvaluator("fast", "slow", 0, 8760)
	costly := NewCrossoverEvaluator("fast", "slow", 25, 8760)

	params := search.ParameterSet{"fast": 3, "slow": 9}
	a, err := free.Evaluate(context.Background(), params, w)
	require.NoError(t, err)
	b, err := costly.Evaluate(context.Background(), params, w)
	require.NoError(t, err)

	require.Greater(t, a.Trades, 0)
	assert.Equal(t, a.Trades, b.Trades)
	assert.Less(t, b.TotalReturn, a.TotalReturn)
}

func TestCrossoverDeterministicOverMultipleSeries(t *testing.T) {
	// Three series with distinct shapes; repeated evaluations of the same
	// window must agree exactly whatever order the map yields them in.
	bars := 120
	histories := map[string][]float64{
		"BTCUSDT": make([]float64, bars),
		"ETHUSDT": make([]float64, bars),
		"SOLUSDT": make([]float64, bars),
	}
	for i := 0; i < bars; i++ {
		histories["BTCUSDT"][i] = 100 * (1 + 0.004*float64(i))
		histories["ETHUSDT"][i] = 100 + 5*float64(i%7)
		histories["SOLUSDT"][i] = 200 - 0.3*float64(i)
	}

	w := &Window{Series: map[string]*series.Series{}}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, closes := range histories {
		b := make([]*series.Bar, len(closes))
		for i, c := range closes {
			b[i] = &series.Bar{
				Timestamp: start.Add(time.Duration(i) * time.Hour),
				Open:      c, High: c, Low: c, Close: c, Volume: 1,
			}
		}
		w.Series[name] = series.New(name, b)
	}

	eval := NewCrossoverEvaluator("fast", "slow", 10, 8760)
	params := search.ParameterSet{"fast": 5, "slow": 20}

	first, err := eval.Evaluate(context.Background(), params, w)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		again, err := eval.Evaluate(context.Background(), params, w)
		require.NoError(t, err)
		require.Equal(t, first.TotalReturn, again.TotalReturn)
		require.Equal(t, first.Equity, again.Equity)
	}
}

func TestMeanPathsEqualWeight(t *testing.T) {
	out := meanPaths([][]float64{
		{1, 1, 2, 4},
		{2, 2, 2},
		{0, 3, 3},
	})

	require.Len(t, out, 3)
	assert.InDelta(t, (1.0+2.0+0.0)/3.0, out[0], 1e-12)
	assert.InDelta(t, (2.0+2.0+3.0)/3.0, out[1], 1e-12)
	assert.InDelta(t, (4.0+2.0+3.0)/3.0, out[2], 1e-12)
}

func TestCrossoverFloatPeriodsCoerced(t *testing.T) {
	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	w := priceWindow("BTCUSDT", closes)

	eval := NewCrossoverEvaluator("fast", "slow", 0, 8760)
	_, err := eval.Evaluate(context.Background(), search.ParameterSet{"fast": 5.0, "slow": 20.0}, w)
	assert.NoError(t, err)
}

func TestCrossoverCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eval := NewCrossoverEvaluator("fast", "slow", 0, 8760)
	_, err := eval.Evaluate(ctx, search.ParameterSet{"fast": 5, "slow": 20}, priceWindow("BTCUSDT", []float64{1, 2}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGuardedPassesThrough(t *testing.T) {
	inner := evaluatorFunc(func(ctx context.Context, params search.ParameterSet, w *Window) (*Evaluation, error) {
		return &Evaluation{TotalReturn: 0.1}, nil
	})

	g := NewGuarded(inner)
	out, err := g.Evaluate(context.Background(), search.ParameterSet{}, &Window{})
	require.NoError(t, err)
	assert.InDelta(t, 0.1, out.TotalReturn, 1e-12)
}

func TestGuardedTripsAfterSustainedFailures(t *testing.T) {
	inner := evaluatorFunc(func(ctx context.Context, params search.ParameterSet, w *Window) (*Evaluation, error) {
		return nil, errors.New("evaluator down")
	})

	g := NewGuarded(inner)
	for i := 0; i < 10; i++ {
		_, err := g.Evaluate(context.Background(), search.ParameterSet{}, &Window{})
		require.Error(t, err)
	}

	_, err := g.Evaluate(context.Background(), search.ParameterSet{}, &Window{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
