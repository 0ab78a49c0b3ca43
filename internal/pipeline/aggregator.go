// Cross-segment candidate aggregation, safety gating and selection
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/autotune/internal/objective"
	"github.com/quantfold/autotune/pkg/search"
	"github.com/quantfold/autotune/pkg/segment"
	"github.com/quantfold/autotune/pkg/series"
	"github.com/quantfold/autotune/pkg/stress"
)

var (
	// ErrNoSegments is the pipeline-level failure for an empty segment set.
	ErrNoSegments = errors.New("pipeline: no walk-forward segments generated")
	// ErrNoValidTrials is the pipeline-level failure for a run where no
	// segment produced a single valid trial.
	ErrNoValidTrials = errors.New("pipeline: no valid trials across all segments")
)

// UnreliablePolicy selects how candidates with too-small samples are
// treated.
type UnreliablePolicy string

const (
	// PolicyReject rejects unreliable candidates outright.
	PolicyReject UnreliablePolicy = "reject"
	// PolicyAbsolute skips baseline comparisons and evaluates unreliable
	// candidates against absolute thresholds only.
	PolicyAbsolute UnreliablePolicy = "absolute"
)

// GateConfig holds the safety and improvement gates applied before ranking.
type GateConfig struct {
	// Safety: reject when the 99th-percentile stress drawdown magnitude
	// exceeds this threshold.
	CatastrophicDrawdown float64 `mapstructure:"catastrophic_drawdown" json:"catastrophic_drawdown"`
	AcceptableDrawdown   float64 `mapstructure:"acceptable_drawdown" json:"acceptable_drawdown"`

	// Improvement gates versus baseline.
	MinRiskRatioDelta   float64 `mapstructure:"min_risk_ratio_delta" json:"min_risk_ratio_delta"`
	MinReturnDelta      float64 `mapstructure:"min_return_delta" json:"min_return_delta"`
	MaxDrawdownIncrease float64 `mapstructure:"max_drawdown_increase" json:"max_drawdown_increase"`

	// Sample-size minimums below which comparisons are unreliable.
	MinBars   int     `mapstructure:"min_bars" json:"min_bars"`
	MinDays   float64 `mapstructure:"min_days" json:"min_days"`
	MinTrades int     `mapstructure:"min_trades" json:"min_trades"`

	Unreliable UnreliablePolicy `mapstructure:"unreliable_policy" json:"unreliable_policy"`

	// Absolute thresholds used under PolicyAbsolute.
	AbsoluteMinRiskRatio float64 `mapstructure:"absolute_min_risk_ratio" json:"absolute_min_risk_ratio"`
	AbsoluteMinReturn    float64 `mapstructure:"absolute_min_return" json:"absolute_min_return"`
}

// CompositeWeights rank the surviving candidates.
type CompositeWeights struct {
	RiskRatio        float64 `mapstructure:"risk_ratio" json:"risk_ratio"`
	AnnualizedReturn float64 `mapstructure:"annualized_return" json:"annualized_return"`
	DrawdownAdjusted float64 `mapstructure:"drawdown_adjusted" json:"drawdown_adjusted"`
}

// DefaultCompositeWeights returns the standard ranking weights.
func DefaultCompositeWeights() CompositeWeights {
	return CompositeWeights{RiskRatio: 0.5, AnnualizedReturn: 0.3, DrawdownAdjusted: 0.2}
}

// Config assembles everything one full search+selection cycle needs.
type Config struct {
	Space     search.Space
	Segment   segment.Config
	Search    search.Config
	Objective objective.Weights
	Stress    stress.Config
	Gates     GateConfig
	Composite CompositeWeights

	// Sampler constructs the proposal strategy; every segment search gets
	// a fresh instance. Nil defaults to the TPE sampler.
	Sampler func() search.Sampler

	// TopK segment winners are cross-evaluated on every OOS window.
	TopK int
	// Parallelism bounds the OOS cross-evaluation fan-out.
	Parallelism int
}

// Stat is the cross-segment aggregate of one metric.
type Stat struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

func newStat(values []float64) Stat {
	if len(values) == 0 {
		return Stat{}
	}
	s := Stat{Min: values[0], Max: values[0]}
	for _, v := range values {
		s.Mean += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Mean /= float64(len(values))
	for _, v := range values {
		d := v - s.Mean
		s.Std += d * d
	}
	s.Std = math.Sqrt(s.Std / float64(len(values)))
	return s
}

// AggregateMetrics summarize a parameter set's OOS behavior across all
// segments.
type AggregateMetrics struct {
	RiskRatio        Stat `json:"risk_ratio"`
	AnnualizedReturn Stat `json:"annualized_return"`
	TotalReturn      Stat `json:"total_return"`
	MaxDrawdown      Stat `json:"max_drawdown"`

	// Stability is 1 - std/|mean| of the per-segment composite outcome.
	Stability float64 `json:"stability"`
	// Consistency is the fraction of segments with a positive outcome.
	Consistency float64 `json:"consistency"`

	Segments int     `json:"segments"`
	Bars     int     `json:"bars"`
	Days     float64 `json:"days"`
	Trades   int     `json:"trades"`
}

// Reliable reports whether the sample sizes meet the configured minimums.
func (m *AggregateMetrics) Reliable(g GateConfig) bool {
	return m.Bars >= g.MinBars && m.Days >= g.MinDays && m.Trades >= g.MinTrades
}

// CandidateResult is one cross-evaluated segment winner.
type CandidateResult struct {
	Params       search.ParameterSet `json:"params"`
	ParamsHash   string              `json:"params_hash"`
	TrainScore   float64             `json:"train_score"`
	FromSegment  int                 `json:"from_segment"`
	OOS          AggregateMetrics    `json:"oos"`
	Stress       *stress.Summary     `json:"stress,omitempty"` // worst segment by p99 drawdown
	Composite    float64             `json:"composite"`
	Unreliable   bool                `json:"unreliable"`
	Rejected     bool                `json:"rejected"`
	Catastrophic bool                `json:"catastrophic,omitempty"`
	RejectReason string              `json:"reject_reason,omitempty"`
}

// SegmentSearch records the per-segment search outcome for audit.
type SegmentSearch struct {
	Segment    int                  `json:"segment"`
	BestParams search.ParameterSet  `json:"best_params,omitempty"`
	BestScore  float64              `json:"best_score"`
	Trials     []search.TrialResult `json:"trials"`
	Failed     bool                 `json:"failed"`
}

// Selection is the cycle output: a winner (possibly nil when no candidate
// survives the gates), the baseline aggregate, and the full audit trail.
type Selection struct {
	Winner            *CandidateResult   `json:"winner,omitempty"`
	Candidates        []*CandidateResult `json:"candidates"`
	Baseline          *AggregateMetrics  `json:"baseline,omitempty"`
	BaselineComposite float64            `json:"baseline_composite"`
	BaselineReliable  bool               `json:"baseline_reliable"`
	Improvement       float64            `json:"improvement"`
	Searches          []SegmentSearch    `json:"searches"`
	Duration          time.Duration      `json:"duration"`
}

// Aggregator drives one full search+stress+selection cycle.
type Aggregator struct {
	evaluator objective.Evaluator
	cfg       Config
	dedup     search.DedupStore
}

// New creates an aggregator. The dedup store is optional.
func New(evaluator objective.Evaluator, cfg Config) *Aggregator {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.Sampler == nil {
		cfg.Sampler = func() search.Sampler { return search.NewTPESampler() }
	}
	return &Aggregator{evaluator: evaluator, cfg: cfg}
}

// SetDedup installs a shared deduplication store used by every per-segment
// search.
func (a *Aggregator) SetDedup(d search.DedupStore) {
	a.dedup = d
}

// Run executes the full cycle: per-segment train search, top-K OOS
// cross-evaluation, stress gating and winner selection. baselineParams is
// the live configuration's parameter set; a nil baseline disables
// improvement gates and evaluates candidates against absolute thresholds.
func (a *Aggregator) Run(ctx context.Context, set []*series.Series, baselineParams search.ParameterSet) (*Selection, error) {
	start := time.Now()

	segments, err := segment.Generate(set, a.cfg.Segment)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}

	sel := &Selection{}

	// Per-segment train search. Segments run sequentially for seed
	// determinism; trials within each search run on the engine's pool.
	for _, seg := range segments {
		result := a.searchSegment(ctx, seg)
		sel.Searches = append(sel.Searches, result)
	}

	winners := make([]SegmentSearch, 0, len(sel.Searches))
	for _, s := range sel.Searches {
		if !s.Failed {
			winners = append(winners, s)
		}
	}
	if len(winners) == 0 {
		return nil, ErrNoValidTrials
	}

	sort.Slice(winners, func(i, j int) bool { return winners[i].BestScore > winners[j].BestScore })

	// Top-K unique parameter sets.
	topK := make([]SegmentSearch, 0, a.cfg.TopK)
	seen := map[string]struct{}{}
	for _, w := range winners {
		hash := w.BestParams.Hash()
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}
		topK = append(topK, w)
		if len(topK) == a.cfg.TopK {
			break
		}
	}

	// Baseline OOS aggregate for the improvement gates.
	if baselineParams != nil {
		baseline, _, err := a.crossEvaluate(ctx, baselineParams, segments)
		if err != nil {
			log.Warn().Err(err).Msg("Baseline OOS evaluation failed, treating baseline as unreliable")
		} else {
			sel.Baseline = baseline
			sel.BaselineComposite = a.composite(baseline)
			sel.BaselineReliable = baseline.Reliable(a.cfg.Gates)
		}
	}

	for _, w := range topK {
		cand, err := a.evaluateCandidate(ctx, w, segments, sel)
		if err != nil {
			log.Warn().Err(err).Int("segment", w.Segment).Msg("Candidate cross-evaluation failed")
			continue
		}
		sel.Candidates = append(sel.Candidates, cand)
	}

	// Rank survivors.
	for _, c := range sel.Candidates {
		if c.Rejected {
			continue
		}
		if sel.Winner == nil || c.Composite > sel.Winner.Composite {
			sel.Winner = c
		}
	}
	if sel.Winner != nil {
		sel.Improvement = sel.Winner.Composite - sel.BaselineComposite
	}

	sel.Duration = time.Since(start)

	event := log.Info().
		Int("segments", len(segments)).
		Int("candidates", len(sel.Candidates)).
		Dur("duration", sel.Duration)
	if sel.Winner != nil {
		event = event.
			Str("winner_hash", sel.Winner.ParamsHash).
			Float64("composite", sel.Winner.Composite).
			Float64("improvement", sel.Improvement)
	}
	event.Msg("Selection cycle complete")

	return sel, nil
}

// searchSegment runs the parameter search on one segment's train window.
func (a *Aggregator) searchSegment(ctx context.Context, seg *segment.Segment) SegmentSearch {
	out := SegmentSearch{Segment: seg.Index}

	cfg := a.cfg.Search
	cfg.Seed += int64(seg.Index) // distinct but reproducible per segment

	engine, err := search.NewEngine(a.cfg.Space, a.cfg.Sampler(), cfg)
	if err != nil {
		log.Error().Err(err).Int("segment", seg.Index).Msg("Search engine construction failed")
		out.Failed = true
		return out
	}
	if a.dedup != nil {
		engine.SetDedup(a.dedup)
	}

	window := &objective.Window{Series: seg.Train}
	result, err := engine.Run(ctx, objective.Bind(a.evaluator, window, a.cfg.Objective))
	if result != nil {
		out.Trials = result.Trials
	}
	if err != nil {
		log.Warn().Err(err).Int("segment", seg.Index).Msg("Segment search produced no valid trials")
		out.Failed = true
		return out
	}

	out.BestParams = result.BestParams
	out.BestScore = result.BestScore
	return out
}

// crossEvaluate runs one parameter set on every segment's OOS window and
// aggregates the results, returning the per-segment equity paths for
// stress testing. A failing window is excluded and shrinks the sample;
// the error surfaces only when every window fails.
func (a *Aggregator) crossEvaluate(ctx context.Context, params search.ParameterSet, segments []*segment.Segment) (*AggregateMetrics, [][]float64, error) {
	evals := make([]*objective.Evaluation, len(segments))
	days := make([]float64, len(segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Parallelism)

	for i, seg := range segments {
		g.Go(func() error {
			window := &objective.Window{Series: seg.OOS}
			ev, err := a.evaluator.Evaluate(gctx, params, window)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn().Err(err).Int("segment", seg.Index).Msg("OOS evaluation failed, excluding segment from aggregate")
				return nil
			}
			evals[i] = ev
			days[i] = seg.OOSEnd.Sub(seg.OOSStart).Hours() / 24
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	evaluated := 0
	for _, ev := range evals {
		if ev != nil {
			evaluated++
		}
	}
	if evaluated == 0 {
		return nil, nil, fmt.Errorf("all %d OOS evaluations failed", len(segments))
	}

	agg := &AggregateMetrics{Segments: evaluated}
	var risk, annRet, totRet, maxDD, outcomes []float64
	paths := make([][]float64, 0, evaluated)
	positive := 0

	for i, ev := range evals {
		if ev == nil {
			continue
		}
		risk = append(risk, ev.RiskRatio)
		annRet = append(annRet, ev.AnnualizedReturn)
		totRet = append(totRet, ev.TotalReturn)
		maxDD = append(maxDD, ev.MaxDrawdown)
		outcomes = append(outcomes, ev.TotalReturn)
		if ev.TotalReturn > 0 {
			positive++
		}
		agg.Bars += ev.Bars
		agg.Trades += ev.Trades
		agg.Days += days[i]
		paths = append(paths, ev.Equity)
	}

	agg.RiskRatio = newStat(risk)
	agg.AnnualizedReturn = newStat(annRet)
	agg.TotalReturn = newStat(totRet)
	agg.MaxDrawdown = newStat(maxDD)
	agg.Consistency = float64(positive) / float64(evaluated)

	outcome := newStat(outcomes)
	if outcome.Mean != 0 {
		agg.Stability = 1 - outcome.Std/math.Abs(outcome.Mean)
	}

	return agg, paths, nil
}

// evaluateCandidate cross-evaluates one segment winner, stress-tests its
// OOS paths and applies the safety and improvement gates.
func (a *Aggregator) evaluateCandidate(ctx context.Context, w SegmentSearch, segments []*segment.Segment, sel *Selection) (*CandidateResult, error) {
	cand := &CandidateResult{
		Params:      w.BestParams,
		ParamsHash:  w.BestParams.Hash(),
		TrainScore:  w.BestScore,
		FromSegment: w.Segment,
	}

	agg, paths, err := a.crossEvaluate(ctx, w.BestParams, segments)
	if err != nil {
		return nil, err
	}
	cand.OOS = *agg

	// Stress every OOS equity path; the gate uses the worst segment.
	var worst *stress.Summary
	for i, path := range paths {
		if len(path) < 2 {
			continue
		}
		scfg := a.cfg.Stress
		scfg.Seed += int64(i)
		summary, err := stress.Run(path, scfg)
		if err != nil {
			log.Warn().Err(err).Int("segment", i).Msg("Stress run failed for OOS path")
			continue
		}
		if worst == nil || math.Abs(summary.DrawdownP99) > math.Abs(worst.DrawdownP99) {
			worst = summary
		}
	}
	cand.Stress = worst

	cand.Composite = a.composite(agg)
	cand.Unreliable = !agg.Reliable(a.cfg.Gates)

	// Safety gate: tail drawdown beyond the catastrophic threshold is a
	// hard reject, never promotable.
	if worst != nil && a.cfg.Gates.CatastrophicDrawdown > 0 &&
		math.Abs(worst.DrawdownP99) > a.cfg.Gates.CatastrophicDrawdown {
		cand.Rejected = true
		cand.Catastrophic = true
		cand.RejectReason = fmt.Sprintf("stress p99 drawdown %.4f exceeds catastrophic threshold %.4f",
			math.Abs(worst.DrawdownP99), a.cfg.Gates.CatastrophicDrawdown)
		return cand, nil
	}

	if worst != nil {
		penalty := stress.TailPenalty(worst, a.cfg.Gates.CatastrophicDrawdown, a.cfg.Gates.AcceptableDrawdown)
		if penalty >= stress.RejectPenalty {
			cand.Rejected = true
			cand.Catastrophic = true
			cand.RejectReason = fmt.Sprintf("stress worst-case drawdown %.4f exceeds catastrophic threshold %.4f",
				math.Abs(worst.WorstDrawdown), a.cfg.Gates.CatastrophicDrawdown)
			return cand, nil
		}
		// Tail beyond the acceptable threshold ranks lower without a
		// hard reject.
		cand.Composite -= penalty
	}

	baselineReliable := sel.BaselineReliable && !cand.Unreliable
	if !baselineReliable {
		// Comparison against baseline is not trustworthy.
		switch a.cfg.Gates.Unreliable {
		case PolicyReject:
			cand.Rejected = true
			cand.RejectReason = "insufficient sample for baseline comparison"
		default: // PolicyAbsolute
			log.Warn().
				Str("params_hash", cand.ParamsHash).
				Int("bars", agg.Bars).
				Int("trades", agg.Trades).
				Msg("Sample too small for baseline comparison, applying absolute thresholds")
			if agg.RiskRatio.Mean < a.cfg.Gates.AbsoluteMinRiskRatio {
				cand.Rejected = true
				cand.RejectReason = fmt.Sprintf("risk ratio %.4f below absolute minimum %.4f",
					agg.RiskRatio.Mean, a.cfg.Gates.AbsoluteMinRiskRatio)
			} else if agg.AnnualizedReturn.Mean < a.cfg.Gates.AbsoluteMinReturn {
				cand.Rejected = true
				cand.RejectReason = fmt.Sprintf("annualized return %.4f below absolute minimum %.4f",
					agg.AnnualizedReturn.Mean, a.cfg.Gates.AbsoluteMinReturn)
			}
		}
		return cand, nil
	}

	// Improvement gates versus the reliable baseline.
	base := sel.Baseline
	riskDelta := agg.RiskRatio.Mean - base.RiskRatio.Mean
	returnDelta := agg.AnnualizedReturn.Mean - base.AnnualizedReturn.Mean
	ddIncrease := math.Abs(agg.MaxDrawdown.Mean) - math.Abs(base.MaxDrawdown.Mean)

	switch {
	case riskDelta < a.cfg.Gates.MinRiskRatioDelta:
		cand.Rejected = true
		cand.RejectReason = fmt.Sprintf("risk ratio delta %.4f below minimum %.4f", riskDelta, a.cfg.Gates.MinRiskRatioDelta)
	case returnDelta < a.cfg.Gates.MinReturnDelta:
		cand.Rejected = true
		cand.RejectReason = fmt.Sprintf("return delta %.4f below minimum %.4f", returnDelta, a.cfg.Gates.MinReturnDelta)
	case ddIncrease > a.cfg.Gates.MaxDrawdownIncrease:
		cand.Rejected = true
		cand.RejectReason = fmt.Sprintf("drawdown increase %.4f above tolerance %.4f", ddIncrease, a.cfg.Gates.MaxDrawdownIncrease)
	}

	return cand, nil
}

// composite folds an aggregate into the ranking score: a weighted blend of
// risk-adjusted return, annualized return and a drawdown-adjusted return
// ratio.
func (a *Aggregator) composite(m *AggregateMetrics) float64 {
	w := a.cfg.Composite
	if w.RiskRatio == 0 && w.AnnualizedReturn == 0 && w.DrawdownAdjusted == 0 {
		w = DefaultCompositeWeights()
	}

	ddAdjusted := 0.0
	if dd := math.Abs(m.MaxDrawdown.Mean); dd > 1e-9 {
		ddAdjusted = m.AnnualizedReturn.Mean / dd
	}
	return w.RiskRatio*m.RiskRatio.Mean + w.AnnualizedReturn*m.AnnualizedReturn.Mean + w.DrawdownAdjusted*ddAdjusted
}
