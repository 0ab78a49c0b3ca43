package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// ErrNoValidTrials is returned when a run completes without a single
// successful evaluation.
var ErrNoValidTrials = errors.New("search: no valid trials")

// Observation is what an objective reports for one parameter set.
type Observation struct {
	Score   float64            `json:"score"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Objective scores one parameter set. It must be a pure function of its
// inputs: repeated calls with identical parameters yield identical output.
// Failures are returned as errors, never panics; the engine records them
// with a score of negative infinity and continues.
type Objective func(ctx context.Context, params ParameterSet) (Observation, error)

// Config controls one search run.
type Config struct {
	Budget        int           `json:"budget"`         // total trials
	StartupTrials int           `json:"startup_trials"` // uniform random before the sampler adapts
	Seed          int64         `json:"seed"`
	Parallelism   int           `json:"parallelism"`
	TrialTimeout  time.Duration `json:"trial_timeout"` // per-trial cap on the objective call
}

// Result is the outcome of a search run: the best parameter set, its score,
// and the full trial history for audit.
type Result struct {
	BestParams ParameterSet  `json:"best_params"`
	BestScore  float64       `json:"best_score"`
	Trials     []TrialResult `json:"trials"`
	Sampler    string        `json:"sampler"`
	Duration   time.Duration `json:"duration"`
}

// Engine runs a bounded-parallel black-box search over a parameter space.
// One engine instance serves one run.
type Engine struct {
	space   Space
	sampler Sampler
	cfg     Config
	dedup   DedupStore
}

// NewEngine creates a search engine. A nil sampler defaults to TPE.
func NewEngine(space Space, sampler Sampler, cfg Config) (*Engine, error) {
	if err := space.Validate(); err != nil {
		return nil, fmt.Errorf("invalid search space: %w", err)
	}
	if cfg.Budget <= 0 {
		return nil, fmt.Errorf("trial budget must be positive, got %d", cfg.Budget)
	}
	if sampler == nil {
		sampler = NewTPESampler()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.StartupTrials <= 0 {
		cfg.StartupTrials = 10
	}
	return &Engine{space: space, sampler: sampler, cfg: cfg}, nil
}

// SetDedup installs a deduplication store so the engine skips parameter
// sets it has already evaluated or that prior runs flagged as bad.
func (e *Engine) SetDedup(d DedupStore) {
	e.dedup = d
}

// Run executes the configured number of trials and returns the best result.
// Proposal is serialized; evaluation runs on a worker pool bounded by
// Parallelism. Cancellation is cooperative at trial granularity: a
// cancelled context stops new proposals but lets in-flight trials finish.
func (e *Engine) Run(ctx context.Context, objective Objective) (*Result, error) {
	start := time.Now()
	history := NewHistory()
	rng := rand.New(rand.NewSource(e.cfg.Seed)) // #nosec G404 -- reproducible sampling, not crypto

	log.Info().
		Int("budget", e.cfg.Budget).
		Int("startup", e.cfg.StartupTrials).
		Int("parallel", e.cfg.Parallelism).
		Str("sampler", e.sampler.Name()).
		Msg("Starting parameter search")

	sem := semaphore.NewWeighted(int64(e.cfg.Parallelism))
	var wg sync.WaitGroup
	var proposeMu sync.Mutex

	for i := 0; i < e.cfg.Budget; i++ {
		if ctx.Err() != nil {
			log.Warn().Int("completed", history.Len()).Msg("Search cancelled, stopping new trials")
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		proposeMu.Lock()
		var params ParameterSet
		if i < e.cfg.StartupTrials {
			params = sampleUniform(rng, e.space)
		} else {
			params = e.sampler.Next(rng, e.space, history.Completed())
		}
		proposeMu.Unlock()

		hash := params.Hash()
		if e.dedup != nil {
			if e.dedup.IsBad(hash) {
				history.Append(TrialResult{Number: i, Params: params, ParamsHash: hash, Score: math.Inf(-1), Skipped: true, Error: "flagged bad by prior run"})
				sem.Release(1)
				continue
			}
			if !e.dedup.CheckAndMarkSeen(hash) {
				history.Append(TrialResult{Number: i, Params: params, ParamsHash: hash, Score: math.Inf(-1), Skipped: true, Error: "duplicate parameter set"})
				sem.Release(1)
				continue
			}
		}

		wg.Add(1)
		go func(number int, ps ParameterSet, hash string) {
			defer wg.Done()
			defer sem.Release(1)
			history.Append(e.evaluate(ctx, objective, number, ps, hash))
		}(i, params, hash)
	}

	wg.Wait()

	result := &Result{
		Trials:   history.Snapshot(),
		Sampler:  e.sampler.Name(),
		Duration: time.Since(start),
	}

	best, ok := history.Best()
	if !ok {
		log.Warn().Int("trials", len(result.Trials)).Msg("Search finished with no valid trials")
		return result, ErrNoValidTrials
	}
	result.BestParams = best.Params
	result.BestScore = best.Score

	log.Info().
		Int("trials", len(result.Trials)).
		Float64("best_score", result.BestScore).
		Dur("duration", result.Duration).
		Msg("Parameter search complete")

	return result, nil
}

// evaluate runs one objective call under the per-trial timeout.
func (e *Engine) evaluate(ctx context.Context, objective Objective, number int, params ParameterSet, hash string) TrialResult {
	trialCtx := ctx
	if e.cfg.TrialTimeout > 0 {
		var cancel context.CancelFunc
		trialCtx, cancel = context.WithTimeout(ctx, e.cfg.TrialTimeout)
		defer cancel()
	}

	start := time.Now()
	obs, err := objective(trialCtx, params)
	elapsed := time.Since(start)

	if err != nil {
		log.Debug().Err(err).Int("trial", number).Msg("Trial failed")
		t := FailedTrial(number, params, err)
		t.Duration = elapsed
		return t
	}

	return TrialResult{
		Number:     number,
		Params:     params,
		ParamsHash: hash,
		Score:      obs.Score,
		Metrics:    obs.Metrics,
		Duration:   elapsed,
	}
}
