package stress

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/rs/zerolog/log"
)

// Mode selects how synthetic return sequences are generated.
type Mode string

const (
	// ModeIID resamples returns independently with replacement.
	ModeIID Mode = "iid"
	// ModeBlock resamples contiguous blocks to preserve autocorrelation.
	ModeBlock Mode = "block"
	// ModeCost perturbs each return with normal cost noise.
	ModeCost Mode = "cost"
)

// Config controls one stress run.
type Config struct {
	Runs           int     `json:"runs"`
	Mode           Mode    `json:"mode"`
	BlockLen       int     `json:"block_len"`        // block bootstrap only
	SlippageStdBps float64 `json:"slippage_std_bps"` // cost perturbation only
	FeeStdBps      float64 `json:"fee_std_bps"`
	FundingStdBps  float64 `json:"funding_std_bps"`
	Seed           int64   `json:"seed"`
	PeriodsPerYear float64 `json:"periods_per_year"`
}

// Summary aggregates path metrics across all simulated runs.
type Summary struct {
	Runs int  `json:"runs"`
	Mode Mode `json:"mode"`

	MeanReturn float64 `json:"mean_return"`
	StdReturn  float64 `json:"std_return"`
	ReturnP1   float64 `json:"return_p1"`
	ReturnP5   float64 `json:"return_p5"`
	ReturnP95  float64 `json:"return_p95"`
	ReturnP99  float64 `json:"return_p99"`

	MeanDrawdown  float64 `json:"mean_drawdown"`
	StdDrawdown   float64 `json:"std_drawdown"`
	DrawdownP1    float64 `json:"drawdown_p1"` // most severe 1st percentile
	DrawdownP5    float64 `json:"drawdown_p5"`
	DrawdownP95   float64 `json:"drawdown_p95"`
	DrawdownP99   float64 `json:"drawdown_p99"`
	WorstDrawdown float64 `json:"worst_drawdown"` // most negative across all runs

	MeanRiskRatio float64 `json:"mean_risk_ratio"`
	StdRiskRatio  float64 `json:"std_risk_ratio"`
	RiskRatioP5   float64 `json:"risk_ratio_p5"`
}

// Run simulates n synthetic equity paths from one realized path and
// aggregates tail statistics. The input path is the OOS equity of a
// candidate; the output feeds the safety gates.
func Run(equity []float64, cfg Config) (*Summary, error) {
	returns := Returns(equity)
	if len(returns) == 0 {
		return nil, fmt.Errorf("stress: equity path too short (%d points)", len(equity))
	}
	if cfg.Runs <= 0 {
		return nil, fmt.Errorf("stress: runs must be positive, got %d", cfg.Runs)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeIID
	}
	if cfg.Mode == ModeBlock && cfg.BlockLen <= 0 {
		cfg.BlockLen = 20
	}
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = 365 * 24
	}

	rng := rand.New(rand.NewSource(cfg.Seed)) // #nosec G404 -- reproducible simulation, not crypto

	totalReturns := make([]float64, cfg.Runs)
	drawdowns := make([]float64, cfg.Runs)
	riskRatios := make([]float64, cfg.Runs)

	for i := 0; i < cfg.Runs; i++ {
		synthetic := resample(rng, returns, cfg)
		path := EquityFromReturns(synthetic)
		m := ComputePathMetrics(path, cfg.PeriodsPerYear)
		totalReturns[i] = m.TotalReturn
		drawdowns[i] = m.MaxDrawdown
		riskRatios[i] = m.RiskRatio
	}

	s := &Summary{Runs: cfg.Runs, Mode: cfg.Mode}
	s.MeanReturn, s.StdReturn = meanStd(totalReturns)
	s.MeanDrawdown, s.StdDrawdown = meanStd(drawdowns)
	s.MeanRiskRatio, s.StdRiskRatio = meanStd(riskRatios)

	sort.Float64s(totalReturns)
	s.ReturnP1 = percentile(totalReturns, 1)
	s.ReturnP5 = percentile(totalReturns, 5)
	s.ReturnP95 = percentile(totalReturns, 95)
	s.ReturnP99 = percentile(totalReturns, 99)

	// Drawdowns are negative; sorting ascending puts the worst first, so
	// the "99th percentile drawdown" (tail severity) is the 1st percentile
	// of the sorted values.
	sort.Float64s(drawdowns)
	s.WorstDrawdown = drawdowns[0]
	s.DrawdownP99 = percentile(drawdowns, 1)
	s.DrawdownP95 = percentile(drawdowns, 5)
	s.DrawdownP5 = percentile(drawdowns, 95)
	s.DrawdownP1 = percentile(drawdowns, 99)

	sort.Float64s(riskRatios)
	s.RiskRatioP5 = percentile(riskRatios, 5)

	log.Debug().
		Int("runs", cfg.Runs).
		Str("mode", string(cfg.Mode)).
		Float64("worst_drawdown", s.WorstDrawdown).
		Float64("drawdown_p99", s.DrawdownP99).
		Msg("Stress run complete")

	return s, nil
}

// resample generates one synthetic return sequence.
func resample(rng *rand.Rand, returns []float64, cfg Config) []float64 {
	n := len(returns)
	out := make([]float64, 0, n)

	switch cfg.Mode {
	case ModeBlock:
		blockLen := cfg.BlockLen
		if blockLen > n {
			blockLen = n
		}
		for len(out) < n {
			start := rng.Intn(n - blockLen + 1)
			out = append(out, returns[start:start+blockLen]...)
		}
		out = out[:n]

	case ModeCost:
		// Cost noise in basis points, independent per component per period.
		std := math.Sqrt(cfg.SlippageStdBps*cfg.SlippageStdBps+
			cfg.FeeStdBps*cfg.FeeStdBps+
			cfg.FundingStdBps*cfg.FundingStdBps) / 10000
		for _, r := range returns {
			out = append(out, r-rng.NormFloat64()*std)
		}

	default: // ModeIID
		for i := 0; i < n; i++ {
			out = append(out, returns[rng.Intn(n)])
		}
	}

	return out
}

// RejectPenalty is the sentinel penalty marking a catastrophic worst-case
// drawdown.
const RejectPenalty = 1e9

// TailPenalty converts a stress summary into a penalty added to an
// objective: a rejection value when the worst-case drawdown breaches the
// catastrophic threshold, a graded penalty when the tail percentiles breach
// the acceptable threshold, zero otherwise. Thresholds are positive
// magnitudes (0.30 means a 30% drawdown).
func TailPenalty(s *Summary, catastrophicDD, acceptableDD float64) float64 {
	worst := math.Abs(s.WorstDrawdown)
	if catastrophicDD > 0 && worst > catastrophicDD {
		return RejectPenalty
	}

	p99 := math.Abs(s.DrawdownP99)
	p95 := math.Abs(s.DrawdownP95)
	if acceptableDD > 0 {
		penalty := 0.0
		if p99 > acceptableDD {
			penalty += (p99 - acceptableDD) * 100
		}
		if p95 > acceptableDD {
			penalty += (p95 - acceptableDD) * 50
		}
		return penalty
	}

	return 0
}
