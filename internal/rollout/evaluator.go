package rollout

import (
	"fmt"
	"math"
	"time"
)

// Action is the outcome of one staging evaluation.
type Action string

const (
	ActionPromote  Action = "promote"
	ActionDiscard  Action = "discard"
	ActionContinue Action = "continue"
)

// Decision is an evaluation outcome with its reasoning and the promotion
// score that produced it.
type Decision struct {
	Action  Action             `json:"action"`
	Reason  string             `json:"reason"`
	Score   float64            `json:"score"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// PromotionPolicy holds the promotion-score weights and guards. The values
// are operational heuristics preserved as overridable configuration.
type PromotionPolicy struct {
	Alpha             float64 `mapstructure:"alpha" json:"alpha"` // annualized-return delta weight
	Beta              float64 `mapstructure:"beta" json:"beta"`   // risk-ratio delta weight
	Gamma             float64 `mapstructure:"gamma" json:"gamma"` // drawdown-magnitude delta weight
	Threshold         float64 `mapstructure:"threshold" json:"threshold"`
	DrawdownTolerance float64 `mapstructure:"drawdown_tolerance" json:"drawdown_tolerance"`
}

// DefaultPromotionPolicy returns the standard promotion weights.
func DefaultPromotionPolicy() PromotionPolicy {
	return PromotionPolicy{
		Alpha:             1.0,
		Beta:              1.0,
		Gamma:             1.0,
		Threshold:         0.0,
		DrawdownTolerance: 0.05,
	}
}

// PromotionScore computes the weighted delta between the staged candidate's
// observed metrics and the live baseline:
//
//	alpha*(return delta) + beta*(risk-ratio delta) - gamma*(drawdown-magnitude delta)
func (p PromotionPolicy) PromotionScore(observed, live MetricsSnapshot) float64 {
	returnDelta := observed.AnnualizedReturn - live.AnnualizedReturn
	riskDelta := observed.RiskRatio - live.RiskRatio
	ddDelta := math.Abs(observed.MaxDrawdown) - math.Abs(live.MaxDrawdown)
	return p.Alpha*returnDelta + p.Beta*riskDelta - p.Gamma*ddDelta
}

// Evaluate decides promote/discard/continue for the staged candidate given
// its observed staging metrics and the live baseline.
//
// The drawdown guard fires regardless of score: exceeding the tolerance
// discards immediately. Otherwise the candidate must satisfy its tier's
// dwell and trade minimums before a decision is taken; an eligible
// candidate is promoted only when the promotion score strictly exceeds the
// threshold, and discarded otherwise. Equal metrics therefore never
// promote.
func Evaluate(c *Candidate, observed, live MetricsSnapshot, policy PromotionPolicy, now time.Time) Decision {
	ddIncrease := math.Abs(observed.MaxDrawdown) - math.Abs(live.MaxDrawdown)
	score := policy.PromotionScore(observed, live)

	metrics := map[string]float64{
		"observed_annualized_return": observed.AnnualizedReturn,
		"observed_risk_ratio":        observed.RiskRatio,
		"observed_max_drawdown":      observed.MaxDrawdown,
		"live_annualized_return":     live.AnnualizedReturn,
		"live_risk_ratio":            live.RiskRatio,
		"live_max_drawdown":          live.MaxDrawdown,
		"drawdown_increase":          ddIncrease,
		"observed_trades":            float64(observed.Trades),
	}

	if ddIncrease > policy.DrawdownTolerance {
		return Decision{
			Action:  ActionDiscard,
			Reason:  fmt.Sprintf("drawdown increase %.4f exceeds tolerance %.4f", ddIncrease, policy.DrawdownTolerance),
			Score:   score,
			Metrics: metrics,
		}
	}

	var elapsed time.Duration
	if c.StagedAt != nil {
		elapsed = now.Sub(*c.StagedAt)
	}
	if elapsed < c.MinDwell || observed.Trades < c.MinTrades {
		return Decision{
			Action: ActionContinue,
			Reason: fmt.Sprintf("not yet eligible: dwell %s/%s, trades %d/%d",
				elapsed.Round(time.Minute), c.MinDwell, observed.Trades, c.MinTrades),
			Score:   score,
			Metrics: metrics,
		}
	}

	if score > policy.Threshold {
		return Decision{
			Action:  ActionPromote,
			Reason:  fmt.Sprintf("promotion score %.4f exceeds threshold %.4f", score, policy.Threshold),
			Score:   score,
			Metrics: metrics,
		}
	}

	return Decision{
		Action:  ActionDiscard,
		Reason:  fmt.Sprintf("promotion score %.4f at or below threshold %.4f", score, policy.Threshold),
		Score:   score,
		Metrics: metrics,
	}
}
