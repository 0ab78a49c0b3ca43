// Staged rollout of configuration candidates
package rollout

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a candidate. PROMOTED and DISCARDED are
// terminal and never revert.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusStaging   Status = "STAGING"
	StatusPromoted  Status = "PROMOTED"
	StatusDiscarded Status = "DISCARDED"
)

// Tier classifies a candidate by improvement magnitude. Higher tiers earn
// shorter staging dwell requirements.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
)

// TierPolicy maps improvement magnitude to a tier and its staging
// requirements. The thresholds and dwell/trade minimums are operational
// heuristics carried as overridable configuration, not derived values.
type TierPolicy struct {
	HighImprovement   float64 `mapstructure:"high_improvement" json:"high_improvement"`
	MediumImprovement float64 `mapstructure:"medium_improvement" json:"medium_improvement"`

	DwellA  time.Duration `mapstructure:"dwell_a" json:"dwell_a"`
	TradesA int           `mapstructure:"trades_a" json:"trades_a"`
	DwellB  time.Duration `mapstructure:"dwell_b" json:"dwell_b"`
	TradesB int           `mapstructure:"trades_b" json:"trades_b"`
	DwellC  time.Duration `mapstructure:"dwell_c" json:"dwell_c"`
	TradesC int           `mapstructure:"trades_c" json:"trades_c"`
}

// DefaultTierPolicy returns the standard tier ladder: 3 days / 100 trades
// for Tier A, 7 days / 300 for Tier B, 14 days / 500 for Tier C.
func DefaultTierPolicy() TierPolicy {
	return TierPolicy{
		HighImprovement:   0.15,
		MediumImprovement: 0.05,
		DwellA:            3 * 24 * time.Hour,
		TradesA:           100,
		DwellB:            7 * 24 * time.Hour,
		TradesB:           300,
		DwellC:            14 * 24 * time.Hour,
		TradesC:           500,
	}
}

// Assign maps an improvement to its tier, dwell minimum and trade minimum.
func (p TierPolicy) Assign(improvement float64) (Tier, time.Duration, int) {
	switch {
	case improvement >= p.HighImprovement:
		return TierA, p.DwellA, p.TradesA
	case improvement >= p.MediumImprovement:
		return TierB, p.DwellB, p.TradesB
	default:
		return TierC, p.DwellC, p.TradesC
	}
}

// MetricsSnapshot captures the performance profile of a configuration at a
// point in time. MaxDrawdown is a negative magnitude.
type MetricsSnapshot struct {
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	RiskRatio        float64 `json:"risk_ratio"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	Trades           int     `json:"trades"`
	Bars             int     `json:"bars"`
	Days             float64 `json:"days"`
}

// Candidate is one configuration version moving through the rollout.
type Candidate struct {
	ID            string `json:"id"` // time-ordered unique id
	ConfigVersion string `json:"config_version"`

	Score         float64 `json:"score"`
	BaselineScore float64 `json:"baseline_score"`
	Improvement   float64 `json:"improvement"` // score - baseline score

	Tier      Tier          `json:"tier"`
	Status    Status        `json:"status"`
	MinDwell  time.Duration `json:"min_dwell"`
	MinTrades int           `json:"min_trades"`

	CreatedAt   time.Time  `json:"created_at"`
	StagedAt    *time.Time `json:"staged_at,omitempty"`
	PromotedAt  *time.Time `json:"promoted_at,omitempty"`
	DiscardedAt *time.Time `json:"discarded_at,omitempty"`

	DiscardReason string `json:"discard_reason,omitempty"`

	Baseline  MetricsSnapshot        `json:"baseline"`
	Metrics   MetricsSnapshot        `json:"metrics"`
	Overrides map[string]interface{} `json:"overrides,omitempty"`
}

// NewCandidate creates a QUEUED candidate with its tier assigned from the
// improvement magnitude.
func NewCandidate(configVersion string, score, baselineScore float64, baseline, metrics MetricsSnapshot, overrides map[string]interface{}, policy TierPolicy, now time.Time) *Candidate {
	improvement := score - baselineScore
	tier, dwell, trades := policy.Assign(improvement)

	return &Candidate{
		ID:            newCandidateID(now),
		ConfigVersion: configVersion,
		Score:         score,
		BaselineScore: baselineScore,
		Improvement:   improvement,
		Tier:          tier,
		Status:        StatusQueued,
		MinDwell:      dwell,
		MinTrades:     trades,
		CreatedAt:     now.UTC(),
		Baseline:      baseline,
		Metrics:       metrics,
		Overrides:     overrides,
	}
}

// newCandidateID builds a time-ordered unique id: a UTC timestamp prefix
// keeps lexicographic order matching creation order, a uuid suffix breaks
// same-second ties.
func newCandidateID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "cand_" + now.UTC().Format("20060102T150405") + "_" + suffix
}

// Terminal reports whether the candidate reached a terminal state.
func (c *Candidate) Terminal() bool {
	return c.Status == StatusPromoted || c.Status == StatusDiscarded
}
