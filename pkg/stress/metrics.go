// Monte Carlo stress testing of realized equity paths
package stress

import "math"

// PathMetrics are the per-path statistics computed for every simulated run.
type PathMetrics struct {
	TotalReturn    float64 `json:"total_return"`    // final/initial - 1
	MaxDrawdown    float64 `json:"max_drawdown"`    // min of equity/running-max - 1, always <= 0
	RiskRatio      float64 `json:"risk_ratio"`      // annualized return over annualized volatility
	TimeUnderwater float64 `json:"time_underwater"` // fraction of periods below the running peak
}

// Returns extracts per-period simple returns from an equity path.
func Returns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	rets := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			rets = append(rets, 0)
			continue
		}
		rets = append(rets, equity[i]/equity[i-1]-1)
	}
	return rets
}

// EquityFromReturns reconstructs an equity path from per-period returns via
// cumulative product of (1 + return), starting at 1.0.
func EquityFromReturns(returns []float64) []float64 {
	equity := make([]float64, len(returns)+1)
	equity[0] = 1.0
	for i, r := range returns {
		equity[i+1] = equity[i] * (1 + r)
	}
	return equity
}

// ComputePathMetrics evaluates one equity path. periodsPerYear annualizes
// the risk-adjusted return ratio (e.g. 365*24 for hourly bars).
func ComputePathMetrics(equity []float64, periodsPerYear float64) PathMetrics {
	var m PathMetrics
	if len(equity) < 2 || equity[0] == 0 {
		return m
	}

	m.TotalReturn = equity[len(equity)-1]/equity[0] - 1

	peak := equity[0]
	underwater := 0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if v < peak {
			underwater++
		}
		if peak > 0 {
			dd := v/peak - 1
			if dd < m.MaxDrawdown {
				m.MaxDrawdown = dd
			}
		}
	}
	m.TimeUnderwater = float64(underwater) / float64(len(equity))

	rets := Returns(equity)
	mean, std := meanStd(rets)
	if std > 0 && periodsPerYear > 0 {
		annReturn := mean * periodsPerYear
		annVol := std * math.Sqrt(periodsPerYear)
		m.RiskRatio = annReturn / annVol
	}

	return m
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		std += d * d
	}
	std = math.Sqrt(std / float64(len(xs)))
	return mean, std
}

// percentile returns the p-th percentile (0..100) using nearest-rank on a
// sorted copy of xs.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
