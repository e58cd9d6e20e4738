// Package performance derives trading performance figures from a bot's closed trades
// and its sampled value series.
package performance

import (
	"math"

	"github.com/shopspring/decimal"

	"portfolio-orchestrator/internal/holdings"
	"portfolio-orchestrator/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Input is everything a calculation needs. Trades and Open come from the same replay.
type Input struct {
	Trades          []holdings.ClosedTrade
	Open            []models.Holding
	AllocatedAmount decimal.Decimal
	Values          []models.ValuePoint
}

// Calculator computes performance with a fixed Sharpe lookback and annualization.
type Calculator struct {
	lookback       int
	periodsPerYear float64
}

// NewCalculator creates a Calculator. lookback is the number of return observations
// used for Sharpe; periodsPerYear scales the ratio by its square root (1 leaves it raw).
func NewCalculator(lookback int, periodsPerYear float64) *Calculator {
	if lookback < 2 {
		lookback = 2
	}
	if periodsPerYear <= 0 {
		periodsPerYear = 1
	}
	return &Calculator{lookback: lookback, periodsPerYear: periodsPerYear}
}

// Bot computes the figures of a whole bot: realized plus unrealized P&L.
func (c *Calculator) Bot(in Input) models.AlgorithmPerformance {
	perf := c.trades(in.Trades)
	pnl := realized(in.Trades).Add(holdings.UnrealizedPnL(in.Open))
	perf.TotalReturn = TotalReturn(pnl, in.AllocatedAmount)
	perf.MaxDrawdown = MaxDrawdown(in.Values)
	perf.SharpeRatio = c.Sharpe(in.Values)
	return perf
}

// Algorithm computes the figures attributable to one algorithm. Open positions are
// shared by every algorithm of a bot, so only realized P&L of attributed sells counts.
func (c *Calculator) Algorithm(algorithmID string, in Input) models.AlgorithmPerformance {
	var own []holdings.ClosedTrade
	for _, t := range in.Trades {
		if t.AlgorithmID == algorithmID {
			own = append(own, t)
		}
	}
	perf := c.trades(own)
	perf.TotalReturn = TotalReturn(realized(own), in.AllocatedAmount)
	perf.MaxDrawdown = MaxDrawdown(in.Values)
	perf.SharpeRatio = c.Sharpe(in.Values)
	return perf
}

func (c *Calculator) trades(trades []holdings.ClosedTrade) models.AlgorithmPerformance {
	var perf models.AlgorithmPerformance
	perf.TotalTrades = len(trades)
	for _, t := range trades {
		if t.IsWin() {
			perf.WinningTrades++
		}
	}
	perf.WinRate = WinRate(perf.WinningTrades, perf.TotalTrades)
	return perf
}

func realized(trades []holdings.ClosedTrade) decimal.Decimal {
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.RealizedPnL)
	}
	return total
}

// WinRate is winning/total in [0,1], exactly 0 with no trades.
func WinRate(winning, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(winning) / float64(total)
}

// TotalReturn expresses pnl as a percentage of the allocated amount.
func TotalReturn(pnl, allocated decimal.Decimal) float64 {
	if !allocated.IsPositive() {
		return 0
	}
	return pnl.Div(allocated).Mul(hundred).Round(4).InexactFloat64()
}

// MaxDrawdown is the largest peak-to-trough decline of the series, as a percentage
// of the peak.
func MaxDrawdown(values []models.ValuePoint) float64 {
	var peak, worst float64
	for _, p := range values {
		v := p.Value.InexactFloat64()
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > worst {
			worst = dd
		}
	}
	return worst * 100
}

// Returns converts consecutive values into period returns, skipping zero bases.
func Returns(values []models.ValuePoint) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		prev := values[i-1].Value.InexactFloat64()
		if prev == 0 {
			continue
		}
		out = append(out, (values[i].Value.InexactFloat64()-prev)/prev)
	}
	return out
}

// Sharpe is mean/stddev of the last lookback period returns. It is nil when fewer
// than two returns exist or the returns do not vary.
func (c *Calculator) Sharpe(values []models.ValuePoint) *float64 {
	returns := Returns(values)
	if len(returns) > c.lookback {
		returns = returns[len(returns)-c.lookback:]
	}
	if len(returns) < 2 {
		return nil
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	std := math.Sqrt(variance)
	if std == 0 || math.IsNaN(std) {
		return nil
	}

	sharpe := mean / std * math.Sqrt(c.periodsPerYear)
	return &sharpe
}
