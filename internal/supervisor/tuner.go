package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/autotune/internal/events"
	"github.com/quantfold/autotune/internal/history"
	"github.com/quantfold/autotune/internal/metrics"
	"github.com/quantfold/autotune/internal/overrides"
	"github.com/quantfold/autotune/internal/pipeline"
	"github.com/quantfold/autotune/internal/rollout"
	"github.com/quantfold/autotune/internal/store"
	"github.com/quantfold/autotune/pkg/search"
	"github.com/quantfold/autotune/pkg/series"
)

// DataSource loads all configured bar histories for one cycle.
type DataSource interface {
	Load(ctx context.Context) ([]*series.Series, error)
}

// Tuner runs the full selection cycle: load data, search, gate, version
// the winning configuration and hand it to the rollout queue.
type Tuner struct {
	agg     *pipeline.Aggregator
	space   search.Space
	source  DataSource
	store   *store.Store
	sup     *Supervisor
	archive *history.Archive // nil disables the run archive
	events  *events.Publisher

	retention int
}

// NewTuner assembles a tuner. archive and events may be nil.
func NewTuner(agg *pipeline.Aggregator, space search.Space, source DataSource, st *store.Store, sup *Supervisor, archive *history.Archive, pub *events.Publisher, retention int) *Tuner {
	return &Tuner{
		agg:       agg,
		space:     space,
		source:    source,
		store:     st,
		sup:       sup,
		archive:   archive,
		events:    pub,
		retention: retention,
	}
}

// RunCycle executes one selection cycle and, when a winner survives the
// gates, saves it as a new config version and enqueues the candidate.
func (t *Tuner) RunCycle(ctx context.Context) error {
	startedAt := time.Now().UTC()

	set, err := t.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load bar histories: %w", err)
	}

	liveDoc, err := t.store.ReadLive()
	if err != nil {
		return fmt.Errorf("failed to read live config: %w", err)
	}

	baseline, err := t.baselineParams(liveDoc)
	if err != nil {
		return err
	}

	sel, err := t.agg.Run(ctx, set, baseline)
	if err != nil {
		return err
	}

	t.recordCycle(sel)

	if t.archive != nil {
		if _, err := t.archive.SaveRun(ctx, startedAt, sel); err != nil {
			log.Warn().Err(err).Msg("Failed to archive selection cycle")
		}
	}

	if sel.Winner == nil {
		log.Info().Int("candidates", len(sel.Candidates)).Msg("No candidate survived the gates")
		t.events.Publish(events.EventNoSelection, map[string]interface{}{
			"candidates": len(sel.Candidates),
		})
		return nil
	}

	return t.adoptWinner(sel)
}

// adoptWinner versions the winning configuration and enqueues the rollout
// candidate.
func (t *Tuner) adoptWinner(sel *pipeline.Selection) error {
	liveDoc, err := t.store.ReadLive()
	if err != nil {
		return fmt.Errorf("failed to read live config: %w", err)
	}

	winner := sel.Winner
	doc, err := overrides.ApplyToDocument(liveDoc, winner.Params)
	if err != nil {
		return fmt.Errorf("failed to apply winner overrides: %w", err)
	}

	now := time.Now().UTC()
	meta := &store.Metadata{
		SchemaVersion: store.SchemaVersion,
		CreatedAt:     now,
		Description:   fmt.Sprintf("winner of cycle at %s, composite %.4f", now.Format(time.RFC3339), winner.Composite),
		Scores: map[string]float64{
			"composite":         winner.Composite,
			"train_score":       winner.TrainScore,
			"risk_ratio":        winner.OOS.RiskRatio.Mean,
			"annualized_return": winner.OOS.AnnualizedReturn.Mean,
			"max_drawdown":      winner.OOS.MaxDrawdown.Mean,
			"stability":         winner.OOS.Stability,
			"consistency":       winner.OOS.Consistency,
			"improvement":       sel.Improvement,
		},
		Overrides: winner.Params,
	}

	version, err := t.store.Save(doc, meta)
	if err != nil {
		return fmt.Errorf("failed to save winner config: %w", err)
	}

	candidate := rollout.NewCandidate(
		version,
		winner.Composite,
		sel.BaselineComposite,
		snapshotOf(sel.Baseline),
		snapshotOf(&winner.OOS),
		winner.Params,
		t.sup.cfg.Tiers,
		now,
	)

	if err := t.sup.Enqueue(candidate); err != nil {
		return fmt.Errorf("failed to enqueue candidate: %w", err)
	}

	if t.retention > 0 {
		if err := t.store.Prune(t.retention); err != nil {
			log.Warn().Err(err).Msg("Failed to prune old config versions")
		}
	}

	log.Info().
		Str("candidate_id", candidate.ID).
		Str("config_version", version).
		Str("tier", string(candidate.Tier)).
		Float64("improvement", candidate.Improvement).
		Msg("Adopted selection winner")

	return nil
}

// snapshotOf folds cross-segment aggregates into the rollout's metrics
// snapshot shape.
func snapshotOf(m *pipeline.AggregateMetrics) rollout.MetricsSnapshot {
	if m == nil {
		return rollout.MetricsSnapshot{}
	}
	return rollout.MetricsSnapshot{
		TotalReturn:      m.TotalReturn.Mean,
		AnnualizedReturn: m.AnnualizedReturn.Mean,
		RiskRatio:        m.RiskRatio.Mean,
		MaxDrawdown:      m.MaxDrawdown.Mean,
		Trades:           m.Trades,
		Bars:             m.Bars,
		Days:             m.Days,
	}
}

// baselineParams extracts the live values of every searched parameter. A
// parameter absent from the live document yields a nil baseline, which
// disables the improvement gates for this cycle.
func (t *Tuner) baselineParams(liveDoc []byte) (search.ParameterSet, error) {
	params := search.ParameterSet{}
	for _, p := range t.space {
		value, found, err := overrides.GetFromDocument(liveDoc, p.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read baseline parameter %s: %w", p.Name, err)
		}
		if !found {
			log.Warn().Str("parameter", p.Name).Msg("Parameter missing from live config, skipping baseline comparison")
			return nil, nil
		}
		params[p.Name] = normalizeValue(value)
	}
	return params, nil
}

// normalizeValue coerces YAML scalar decodings to the types the search
// space produces.
func normalizeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return x
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
		return x
	default:
		return v
	}
}

func (t *Tuner) recordCycle(sel *pipeline.Selection) {
	completed, failed, skipped := 0, 0, 0
	for _, s := range sel.Searches {
		for _, tr := range s.Trials {
			switch {
			case tr.Skipped:
				skipped++
			case tr.Failed:
				failed++
			default:
				completed++
			}
		}
	}

	metrics.RecordCycle(len(sel.Searches), sel.Duration.Seconds())
	metrics.RecordTrials(completed, failed, skipped)
	metrics.BaselineComposite.Set(sel.BaselineComposite)
	if sel.Winner != nil {
		metrics.BestComposite.Set(sel.Winner.Composite)
	}

	for _, c := range sel.Candidates {
		if !c.Rejected {
			continue
		}
		metrics.RecordDisposition(metrics.DispositionRejected)
		if c.Catastrophic {
			t.events.Publish(events.EventSafetyViolation, map[string]interface{}{
				"params_hash": c.ParamsHash,
				"reason":      c.RejectReason,
			})
		}
	}

	t.events.Publish(events.EventCycleComplete, map[string]interface{}{
		"segments":   len(sel.Searches),
		"candidates": len(sel.Candidates),
		"trials":     completed + failed + skipped,
	})
}
