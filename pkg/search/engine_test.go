package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quadraticObjective(ctx context.Context, ps ParameterSet) (Observation, error) {
	x := ps.Float("x")
	return Observation{Score: -(x - 0.7) * (x - 0.7)}, nil
}

func TestEngineFindsGoodRegion(t *testing.T) {
	space := Space{{Name: "x", Type: ParamTypeFloat, Min: 0, Max: 1}}

	engine, err := NewEngine(space, NewTPESampler(), Config{Budget: 120, Seed: 5, Parallelism: 4})
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), quadraticObjective)
	require.NoError(t, err)

	assert.Len(t, result.Trials, 120)
	assert.Equal(t, "tpe", result.Sampler)
	assert.InDelta(t, 0.7, result.BestParams.Float("x"), 0.2)
	assert.Greater(t, result.BestScore, -0.05)
}

func TestEngineRejectsInvalidSetup(t *testing.T) {
	valid := Space{{Name: "x", Type: ParamTypeFloat, Min: 0, Max: 1}}

	_, err := NewEngine(Space{}, nil, Config{Budget: 10})
	assert.Error(t, err)

	_, err = NewEngine(valid, nil, Config{Budget: 0})
	assert.Error(t, err)
}

func TestEngineNilSamplerDefaultsToTPE(t *testing.T) {
	space := Space{{Name: "x", Type: ParamTypeFloat, Min: 0, Max: 1}}
	engine, err := NewEngine(space, nil, Config{Budget: 15, Seed: 1})
	require.NoError(t, err)

	result, err := engine.Run(context.Background(), quadraticObjective)
	require.NoError(t, err)
	assert.Equal(t, "tpe", result.Sampler)
}

func TestEngineRecordsFailuresAsNegInf(t *testing.T) {
	space := Space{{Name: "x", Type: ParamTypeFloat, Min: 0, Max: 1}}
	engine, err := NewEngine(space, NewRandomSampler(), Config{Budget: 20, Seed: 2, Parallelism: 2})
	require.NoError(t, err)

	var calls int64
	objective := func(ctx context.Context, ps ParameterSet) (Observation, error) {
		n := atomic.AddInt64(&calls, 1)
		if n%2 == 0 {
			return Observation{}, fmt.Errorf("evaluation blew up")
		}
		return Observation{Score: ps.Float("x")}, nil
	}

	result, err := engine.Run(context.Background(), objective)
	require.NoError(t, err)

	failed := 0
	for _, tr := range result.Trials {
		if tr.Failed {
			failed++
			assert.True(t, math.IsInf(tr.Score, -1), "failed trials score -Inf")
			assert.NotEmpty(t, tr.Error)
		}
	}
	assert.Equal(t, 10, failed)
	assert.False(t, math.IsInf(result.BestScore, -1))
}

func TestEngineAllFailuresReturnsError(t *testing.T) {
	space := Space{{Name: "x", Type: ParamTypeFloat, Min: 0, Max: 1}}
	engine, err := NewEngine(space, NewRandomSampler(), Config{Budget: 10, Seed: 3})
	require.NoError(t, err)

	objective := func(ctx context.Context, ps ParameterSet) (Observation, error) {
		return Observation{}, errors.New("always fails")
	}

	result, err := engine.Run(context.Background(), objective)
	assert.ErrorIs(t, err, ErrNoValidTrials)
	require.NotNil(t, result)
	assert.Len(t, result.Trials, 10)
}

func TestEngineDedupSkipsRepeats(t *testing.T) {
	// A one-cell grid proposes the identical parameter set every time.
	space := Space{{Name: "n", Type: ParamTypeInt, Min: 5, Max: 5, Step: 1}}
	engine, err := NewEngine(space, NewGridSampler(), Config{Budget: 10, StartupTrials: 0, Seed: 1, Parallelism: 1})
	require.NoError(t, err)
	engine.SetDedup(NewShardedDedup())

	var calls int64
	objective := func(ctx context.Context, ps ParameterSet) (Observation, error) {
		atomic.AddInt64(&calls, 1)
		return Observation{Score: 1}, nil
	}

	result, err := engine.Run(context.Background(), objective)
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "duplicates are skipped, not re-evaluated")

	skipped := 0
	for _, tr := range result.Trials {
		if tr.Skipped {
			skipped++
		}
	}
	assert.Equal(t, 9, skipped)
}

func TestEngineSeedDeterminism(t *testing.T) {
	space := Space{
		{Name: "x", Type: ParamTypeFloat, Min: 0, Max: 1},
		{Name: "n", Type: ParamTypeInt, Min: 1, Max: 50},
	}

	run := func() string {
		engine, err := NewEngine(space, NewTPESampler(), Config{Budget: 40, Seed: 77, Parallelism: 1})
		require.NoError(t, err)
		result, err := engine.Run(context.Background(), quadraticObjective)
		require.NoError(t, err)
		return result.BestParams.Hash()
	}

	assert.Equal(t, run(), run())
}

func TestEngineCancellationStopsNewTrials(t *testing.T) {
	space := Space{{Name: "x", Type: ParamTypeFloat, Min: 0, Max: 1}}
	engine, err := NewEngine(space, NewRandomSampler(), Config{Budget: 1000, Seed: 1, Parallelism: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var calls int64
	objective := func(ctx context.Context, ps ParameterSet) (Observation, error) {
		if atomic.AddInt64(&calls, 1) == 5 {
			cancel()
		}
		return Observation{Score: ps.Float("x")}, nil
	}

	result, err := engine.Run(ctx, objective)
	require.NoError(t, err)
	assert.Less(t, len(result.Trials), 1000)
}

func TestShardedDedup(t *testing.T) {
	d := NewShardedDedup()

	assert.True(t, d.CheckAndMarkSeen("abc"))
	assert.False(t, d.CheckAndMarkSeen("abc"))
	assert.True(t, d.CheckAndMarkSeen("def"))

	assert.False(t, d.IsBad("abc"))
	d.MarkBad("abc")
	assert.True(t, d.IsBad("abc"))
}

func TestShardedDedupRestore(t *testing.T) {
	d := NewShardedDedup()
	d.Restore([]string{"s1", "s2"}, []string{"b1"})

	assert.False(t, d.CheckAndMarkSeen("s1"))
	assert.False(t, d.CheckAndMarkSeen("s2"))
	assert.True(t, d.IsBad("b1"))
	assert.True(t, d.CheckAndMarkSeen("fresh"))
}
