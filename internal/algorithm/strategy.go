package algorithm

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"portfolio-orchestrator/internal/holdings"
	"portfolio-orchestrator/internal/models"
)

// quantityPlaces is the precision of order quantities.
const quantityPlaces = 4

// Context is what one evaluation cycle sees for one algorithm and one symbol.
type Context struct {
	Config     *models.AlgorithmConfig
	Symbol     string
	Quote      models.Quote
	History    []float64 // oldest first, current price last
	Position   holdings.Position
	Budget     decimal.Decimal // cash an entry may deploy
	Now        time.Time
	LastAction time.Time // last actionable signal for this algorithm and symbol
}

func (c Context) price() float64 { return c.Quote.Price.InexactFloat64() }

func (c Context) holding() bool { return c.Position.Quantity.IsPositive() }

// Strategy is one variant of the closed strategy set.
type Strategy interface {
	Evaluate(c Context) models.Signal
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(c Context) models.Signal

// Evaluate implements Strategy.
func (f StrategyFunc) Evaluate(c Context) models.Signal { return f(c) }

var strategies = map[models.AlgorithmType]Strategy{
	models.AlgoTechnicalIndicator: StrategyFunc(technical),
	models.AlgoTrendFollowing:     StrategyFunc(trend),
	models.AlgoArbitrage:          StrategyFunc(meanReversion),
	models.AlgoGridTrading:        StrategyFunc(grid),
	models.AlgoDynamicDCA:         StrategyFunc(dca),
	models.AlgoScalping:           StrategyFunc(scalping),
}

func hold(reason string) models.Signal {
	return models.Signal{Action: models.SignalHold, Reason: reason}
}

func buy(strength float64, reason string) models.Signal {
	return models.Signal{Action: models.SignalBuy, Strength: math.Min(strength, 1), Reason: reason}
}

func sell(strength float64, reason string) models.Signal {
	return models.Signal{Action: models.SignalSell, Strength: math.Min(strength, 1), Reason: reason}
}

// Evaluate runs the shared risk exits and then the variant of c.Config.Type, and
// sizes the resulting signal.
func Evaluate(c Context) models.Signal {
	sig := evaluate(c)
	sig.AlgorithmID = c.Config.ID
	sig.Symbol = c.Symbol
	sig.Price = c.Quote.Price

	switch sig.Action {
	case models.SignalBuy:
		if sig.Quantity.IsZero() {
			spend := c.Budget.Mul(decimal.NewFromFloat(sig.Strength))
			sig.Quantity = spend.Div(c.Quote.Price).RoundFloor(quantityPlaces)
		}
		if maxQty := c.Budget.Div(c.Quote.Price).RoundFloor(quantityPlaces); sig.Quantity.GreaterThan(maxQty) {
			sig.Quantity = maxQty
		}
	case models.SignalSell:
		if sig.Quantity.IsZero() || sig.Quantity.GreaterThan(c.Position.Quantity) {
			sig.Quantity = c.Position.Quantity
		}
	}
	if !sig.IsActionable() && sig.Action != models.SignalHold {
		sig.Action = models.SignalHold
		sig.Reason = "no size: " + sig.Reason
	}
	return sig
}

func evaluate(c Context) models.Signal {
	if !c.Quote.Price.IsPositive() {
		return hold("no price")
	}
	if exit, ok := riskExit(c); ok {
		return exit
	}
	s, ok := strategies[c.Config.Type]
	if !ok {
		return hold("unsupported algorithm type")
	}
	return s.Evaluate(c)
}

// riskExit closes the whole position when stop_loss or take_profit is crossed.
func riskExit(c Context) (models.Signal, bool) {
	if !c.holding() || !c.Position.AverageCost.IsPositive() {
		return models.Signal{}, false
	}
	change := c.Quote.Price.Div(c.Position.AverageCost).InexactFloat64() - 1
	if change <= -c.Config.StopLoss {
		return sell(1, fmt.Sprintf("stop_loss %.2f%% hit (%.2f%%)", c.Config.StopLoss*100, change*100)), true
	}
	if change >= c.Config.TakeProfit {
		return sell(1, fmt.Sprintf("take_profit %.2f%% hit (%.2f%%)", c.Config.TakeProfit*100, change*100)), true
	}
	return models.Signal{}, false
}

func technical(c Context) models.Signal {
	p := c.Config.Parameters
	value, ok := rsi(c.History, p.Int("rsi_period", 14))
	if !ok {
		return hold("insufficient history")
	}
	oversold := p.Float("rsi_oversold", 25)
	overbought := p.Float("rsi_overbought", 75)

	lower, upper, bandsOK := bollinger(c.History, p.Int("bb_period", 20), p.Float("bb_std", 2))
	price := c.price()

	switch {
	case value < oversold && !c.holding():
		strength := 0.6 + (oversold-value)/oversold
		if bandsOK && price < lower {
			strength += 0.2
		}
		return buy(strength, fmt.Sprintf("rsi %.1f below %.0f", value, oversold))
	case value > overbought && c.holding():
		strength := 0.6 + (value-overbought)/(100-overbought)
		if bandsOK && price > upper {
			strength += 0.2
		}
		return sell(strength, fmt.Sprintf("rsi %.1f above %.0f", value, overbought))
	}
	return hold(fmt.Sprintf("rsi %.1f", value))
}

func trend(c Context) models.Signal {
	p := c.Config.Parameters
	fastN, slowN := p.Int("fast_ma_period", 50), p.Int("slow_ma_period", 200)
	if len(c.History) < slowN+1 {
		return hold("insufficient history")
	}
	prev := c.History[:len(c.History)-1]
	fast, _ := sma(c.History, fastN)
	slow, _ := sma(c.History, slowN)
	prevFast, _ := sma(prev, fastN)
	prevSlow, _ := sma(prev, slowN)

	switch {
	case prevFast <= prevSlow && fast > slow && !c.holding():
		return buy(0.8, "fast average crossed above slow")
	case prevFast >= prevSlow && fast < slow && c.holding():
		return sell(0.8, "fast average crossed below slow")
	}
	return hold("no crossover")
}

func meanReversion(c Context) models.Signal {
	p := c.Config.Parameters
	z, ok := zScore(c.History, p.Int("lookback_period", 50))
	if !ok {
		return hold("insufficient history")
	}
	threshold := p.Float("z_score_threshold", 2)
	switch {
	case z <= -threshold && !c.holding():
		return buy(0.6+(-z-threshold)/threshold, fmt.Sprintf("z-score %.2f", z))
	case z >= 0 && c.holding():
		return sell(0.8, fmt.Sprintf("reverted to mean (z %.2f)", z))
	}
	return hold(fmt.Sprintf("z-score %.2f", z))
}

func grid(c Context) models.Signal {
	p := c.Config.Parameters
	levels := p.Int("grid_levels", 10)
	spacing := p.Float("grid_spacing", 0.02)
	if len(c.History) < 2 {
		return hold("grid initializing")
	}
	center := mean(c.History)
	price := c.price()

	half := levels / 2
	if half < 1 {
		half = 1
	}
	unit := c.Budget.Div(decimal.NewFromInt(int64(half)))

	if c.holding() {
		target := c.Position.AverageCost.InexactFloat64() * (1 + spacing)
		if price >= target {
			qty := unit.Div(c.Quote.Price).RoundFloor(quantityPlaces)
			sig := sell(0.8, fmt.Sprintf("grid level above %.2f", target))
			sig.Quantity = decimal.Min(qty, c.Position.Quantity)
			if !sig.Quantity.IsPositive() {
				sig.Quantity = c.Position.Quantity
			}
			return sig
		}
	}

	anchor := center
	if c.holding() && c.Position.LastFillPrice.IsPositive() {
		anchor = c.Position.LastFillPrice.InexactFloat64()
	}
	if price <= anchor*(1-spacing) && price >= center*(1-spacing*float64(half+1)) {
		sig := buy(0.8, fmt.Sprintf("grid level below %.2f", anchor*(1-spacing)))
		sig.Quantity = unit.Div(c.Quote.Price).RoundFloor(quantityPlaces)
		return sig
	}
	return hold("no grid trigger")
}

func dca(c Context) models.Signal {
	p := c.Config.Parameters
	interval := time.Duration(p.Int("dca_interval", 86400)) * time.Second
	if !c.LastAction.IsZero() && c.Now.Sub(c.LastAction) < interval {
		return hold("interval not reached")
	}

	adjust := 1.0
	if p.Bool("volatility_adjustment", true) {
		if vol, ok := logVolatility(c.History, 20); ok {
			switch {
			case vol > 0.5:
				adjust = 1.5
			case vol > 0.3:
				adjust = 1.2
			}
		}
	}
	amount := decimal.NewFromFloat(p.Float("base_amount", 100) * adjust)
	sig := buy(0.8, fmt.Sprintf("scheduled purchase x%.1f", adjust))
	sig.Quantity = decimal.Min(amount, c.Budget).Div(c.Quote.Price).RoundFloor(quantityPlaces)
	return sig
}

func scalping(c Context) models.Signal {
	p := c.Config.Parameters
	minInterval := time.Duration(p.Int("min_interval", 5)) * time.Second
	if !c.LastAction.IsZero() && c.Now.Sub(c.LastAction) < minInterval {
		return hold("min interval not reached")
	}
	if len(c.History) < 10 {
		return hold("insufficient history")
	}

	price := c.price()
	if c.Quote.Ask.IsPositive() && c.Quote.Bid.IsPositive() {
		spread := c.Quote.Ask.Sub(c.Quote.Bid).InexactFloat64() / price
		if spread > p.Float("spread_threshold", 0.002) {
			return hold(fmt.Sprintf("spread %.4f too wide", spread))
		}
	}
	if float64(c.Quote.Volume) < p.Float("volume_threshold", 1000) {
		return hold("volume below threshold")
	}

	window := c.History[len(c.History)-10:]
	change := (window[len(window)-1] - window[0]) / window[0]
	switch {
	case change > 0.001 && !c.holding():
		return buy(0.7+math.Abs(change)*100, fmt.Sprintf("momentum %+.3f%%", change*100))
	case change < -0.001 && c.holding():
		return sell(0.7+math.Abs(change)*100, fmt.Sprintf("momentum %+.3f%%", change*100))
	}
	return hold("no momentum")
}
