// Package supervisor drives the staged rollout: it evaluates the staging
// candidate against live observations, promotes or discards it, and fills
// the staging slot from the queue. Cycles are idempotent so a crashed or
// repeated run converges to the same state.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/autotune/internal/events"
	"github.com/quantfold/autotune/internal/metrics"
	"github.com/quantfold/autotune/internal/rollout"
	"github.com/quantfold/autotune/internal/store"
)

// MetricsSource provides live observed metrics for a deployed or staging
// candidate. Implementations read from whatever the decision process
// reports into, a metrics file drop, a database, or an API.
type MetricsSource interface {
	Snapshot(ctx context.Context, candidateID string) (*rollout.MetricsSnapshot, error)
}

// Config holds the supervisor's operational settings.
type Config struct {
	StateFile string
	LockFile  string
	MaxQueue  int

	Tiers     rollout.TierPolicy
	Promotion rollout.PromotionPolicy
}

// Supervisor owns the rollout state machine.
type Supervisor struct {
	cfg    Config
	store  *store.Store
	source MetricsSource
	events *events.Publisher // nil disables publishing
}

// New creates a supervisor. events may be nil.
func New(cfg Config, st *store.Store, source MetricsSource, pub *events.Publisher) *Supervisor {
	return &Supervisor{cfg: cfg, store: st, source: source, events: pub}
}

// Cycle runs one supervision pass: evaluate the staging candidate, apply
// the resulting transition, then fill an empty staging slot from the
// queue. Every pass holds the process lock so concurrent supervisors
// cannot interleave state mutations.
func (s *Supervisor) Cycle(ctx context.Context) error {
	lock, err := acquireLock(s.cfg.LockFile)
	if err != nil {
		return err
	}
	defer lock.release()

	state, err := rollout.LoadState(s.cfg.StateFile)
	if err != nil {
		return fmt.Errorf("failed to load rollout state: %w", err)
	}

	now := time.Now().UTC()
	changed := false

	if staging := state.Staging(); staging != nil {
		transition, err := s.evaluateStaging(ctx, state, staging, now)
		if err != nil {
			return err
		}
		changed = changed || transition
	}

	// Fill an empty staging slot from the queue head.
	if state.Staging() == nil && len(state.Queue) > 0 {
		staged, err := state.StageNext(now)
		if err != nil {
			return fmt.Errorf("failed to stage next candidate: %w", err)
		}
		changed = true
		s.events.Publish(events.EventCandidateStaged, map[string]interface{}{
			"candidate_id":   staged.ID,
			"config_version": staged.ConfigVersion,
			"tier":           string(staged.Tier),
		})
	}

	if changed {
		if err := rollout.SaveState(s.cfg.StateFile, state); err != nil {
			return fmt.Errorf("failed to persist rollout state: %w", err)
		}
	}

	dwell := 0.0
	if staging := state.Staging(); staging != nil && staging.StagedAt != nil {
		dwell = now.Sub(*staging.StagedAt).Hours()
	}
	metrics.RecordRolloutState(len(state.Queue), state.Staging() != nil, dwell)

	return nil
}

// evaluateStaging applies the promotion decision for the current staging
// candidate. Returns true when the state changed.
func (s *Supervisor) evaluateStaging(ctx context.Context, state *rollout.State, staging *rollout.Candidate, now time.Time) (bool, error) {
	observed, err := s.source.Snapshot(ctx, staging.ID)
	if err != nil {
		// Missing observations are normal early in the dwell window.
		log.Debug().Err(err).Str("candidate_id", staging.ID).Msg("No observed metrics yet for staging candidate")
		return false, nil
	}

	live := staging.Baseline
	if lc := state.Live(); lc != nil {
		live = lc.Metrics
	}

	decision := rollout.Evaluate(staging, *observed, live, s.cfg.Promotion, now)
	metrics.PromotionScore.Set(decision.Score)

	switch decision.Action {
	case rollout.ActionPromote:
		if err := s.promote(state, staging, now); err != nil {
			return false, err
		}
		metrics.RecordDisposition(metrics.DispositionPromoted)
		s.events.Publish(events.EventPromoted, map[string]interface{}{
			"candidate_id":    staging.ID,
			"config_version":  staging.ConfigVersion,
			"promotion_score": decision.Score,
		})
		return true, nil

	case rollout.ActionDiscard:
		if _, err := state.DiscardStaging(decision.Reason, now); err != nil {
			return false, fmt.Errorf("failed to discard staging candidate: %w", err)
		}
		log.Info().
			Str("candidate_id", staging.ID).
			Str("reason", decision.Reason).
			Msg("Discarded staging candidate")
		metrics.RecordDisposition(metrics.DispositionDiscarded)
		s.events.Publish(events.EventDiscarded, map[string]interface{}{
			"candidate_id": staging.ID,
			"reason":       decision.Reason,
		})
		return true, nil

	default:
		log.Debug().
			Str("candidate_id", staging.ID).
			Str("reason", decision.Reason).
			Float64("score", decision.Score).
			Msg("Staging candidate continues observation")
		return false, nil
	}
}

// promote deploys the candidate's config version and records the
// transition. Deploy happens before the state flip so a crash in between
// leaves a deployed config with a stale state file, which the next cycle
// reconciles by re-promoting the same candidate.
func (s *Supervisor) promote(state *rollout.State, staging *rollout.Candidate, now time.Time) error {
	current, err := s.store.Current()
	if err == nil && current == staging.ConfigVersion {
		// Already deployed by a prior interrupted cycle.
		log.Warn().
			Str("version", staging.ConfigVersion).
			Msg("Candidate config already deployed, completing promotion")
	} else {
		if err := s.store.Deploy(staging.ConfigVersion, true); err != nil {
			return fmt.Errorf("failed to deploy config %s: %w", staging.ConfigVersion, err)
		}
	}

	if _, err := state.PromoteStaging(now); err != nil {
		return fmt.Errorf("failed to promote staging candidate: %w", err)
	}

	log.Info().
		Str("candidate_id", staging.ID).
		Str("config_version", staging.ConfigVersion).
		Msg("Promoted staging candidate to live")

	s.events.Publish(events.EventDeployed, map[string]interface{}{
		"config_version": staging.ConfigVersion,
	})

	return nil
}

// Enqueue adds a freshly selected candidate to the rollout queue, dropping
// the lowest-improvement entry when the queue is full.
func (s *Supervisor) Enqueue(c *rollout.Candidate) error {
	lock, err := acquireLock(s.cfg.LockFile)
	if err != nil {
		return err
	}
	defer lock.release()

	state, err := rollout.LoadState(s.cfg.StateFile)
	if err != nil {
		return fmt.Errorf("failed to load rollout state: %w", err)
	}

	now := time.Now().UTC()
	if err := state.Enqueue(c, now); err != nil {
		return err
	}

	if s.cfg.MaxQueue > 0 && len(state.Queue) > s.cfg.MaxQueue {
		dropped := state.Queue[len(state.Queue)-1]
		state.Queue = state.Queue[:len(state.Queue)-1]
		if dc, ok := state.Candidates[dropped]; ok {
			reason := "evicted by higher-improvement candidates"
			dc.Status = rollout.StatusDiscarded
			dc.DiscardReason = reason
			t := now
			dc.DiscardedAt = &t
		}
		log.Info().Str("candidate_id", dropped).Msg("Evicted lowest-improvement candidate from full queue")
	}

	if err := rollout.SaveState(s.cfg.StateFile, state); err != nil {
		return fmt.Errorf("failed to persist rollout state: %w", err)
	}

	metrics.RecordDisposition(metrics.DispositionQueued)
	s.events.Publish(events.EventCandidateQueued, map[string]interface{}{
		"candidate_id":   c.ID,
		"config_version": c.ConfigVersion,
		"improvement":    c.Improvement,
		"tier":           string(c.Tier),
	})

	return nil
}

// Rollback redeploys a prior version and records the event. The staging
// candidate, if any, is discarded so observation restarts from the
// restored baseline.
func (s *Supervisor) Rollback(version string) error {
	lock, err := acquireLock(s.cfg.LockFile)
	if err != nil {
		return err
	}
	defer lock.release()

	if err := s.store.Rollback(version); err != nil {
		return err
	}

	state, err := rollout.LoadState(s.cfg.StateFile)
	if err != nil {
		return fmt.Errorf("failed to load rollout state: %w", err)
	}

	now := time.Now().UTC()
	changed := false
	if state.Staging() != nil {
		if _, err := state.DiscardStaging("superseded by rollback", now); err != nil {
			return err
		}
		changed = true
	}
	if state.LiveID != "" {
		state.LiveID = ""
		changed = true
	}
	if changed {
		if err := rollout.SaveState(s.cfg.StateFile, state); err != nil {
			return fmt.Errorf("failed to persist rollout state: %w", err)
		}
	}

	metrics.Rollbacks.Inc()
	s.events.Publish(events.EventRollback, map[string]interface{}{
		"version": version,
	})

	return nil
}

// State loads the current rollout state for inspection.
func (s *Supervisor) State() (*rollout.State, error) {
	return rollout.LoadState(s.cfg.StateFile)
}
