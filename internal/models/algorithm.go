package models

import (
	"sort"
	"time"
)

// AlgorithmType is one of the closed set of strategy variants.
type AlgorithmType string

const (
	AlgoTechnicalIndicator AlgorithmType = "AdvancedTechnicalIndicator"
	AlgoTrendFollowing     AlgorithmType = "TrendFollowing"
	AlgoArbitrage          AlgorithmType = "Arbitrage"
	AlgoGridTrading        AlgorithmType = "GridTrading"
	AlgoDynamicDCA         AlgorithmType = "DynamicDCA"
	AlgoScalping           AlgorithmType = "Scalping"
)

// AlgorithmTypes lists every supported strategy variant.
func AlgorithmTypes() []AlgorithmType {
	return []AlgorithmType{
		AlgoTechnicalIndicator,
		AlgoTrendFollowing,
		AlgoArbitrage,
		AlgoGridTrading,
		AlgoDynamicDCA,
		AlgoScalping,
	}
}

// Valid reports whether t is a known strategy variant.
func (t AlgorithmType) Valid() bool {
	for _, known := range AlgorithmTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Parameters is a validated name to value map. Values are float64 or bool.
type Parameters map[string]any

// Float returns a numeric parameter or def when absent.
func (p Parameters) Float(name string, def float64) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// Int returns a numeric parameter truncated to int.
func (p Parameters) Int(name string, def int) int {
	return int(p.Float(name, float64(def)))
}

// Bool returns a boolean parameter or def when absent.
func (p Parameters) Bool(name string, def bool) bool {
	if v, ok := p[name].(bool); ok {
		return v
	}
	return def
}

// Clone returns a shallow copy safe to mutate.
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns parameter names in sorted order.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AlgorithmPerformance holds the read-only derived figures of an algorithm.
type AlgorithmPerformance struct {
	TotalTrades   int      `json:"total_trades"`
	WinningTrades int      `json:"winning_trades"`
	WinRate       float64  `json:"win_rate"`
	TotalReturn   float64  `json:"total_return"`
	SharpeRatio   *float64 `json:"sharpe_ratio"`
	MaxDrawdown   float64  `json:"max_drawdown"`
}

// AlgorithmConfig is a strategy instance exclusively owned by one bot.
type AlgorithmConfig struct {
	ID              string               `json:"id"`
	BotID           string               `json:"bot_id"`
	Name            string               `json:"algorithm_name"`
	Type            AlgorithmType        `json:"algorithm_type"`
	Symbols         []string             `json:"symbols"`
	PositionSize    float64              `json:"position_size"`
	MaxPositionSize float64              `json:"max_position_size"`
	StopLoss        float64              `json:"stop_loss"`
	TakeProfit      float64              `json:"take_profit"`
	RiskPerTrade    float64              `json:"risk_per_trade"`
	Enabled         bool                 `json:"enabled"`
	Parameters      Parameters           `json:"parameters"`
	Version         int64                `json:"version"`
	Performance     AlgorithmPerformance `json:"performance"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// AlgorithmTemplate is a preconfigured starting point for an algorithm.
type AlgorithmTemplate struct {
	Name                 string        `json:"name" yaml:"name"`
	Type                 AlgorithmType `json:"algorithm_type" yaml:"algorithm_type"`
	Description          string        `json:"description" yaml:"description"`
	Category             string        `json:"category" yaml:"category"`
	DefaultPositionSize  float64       `json:"default_position_size" yaml:"default_position_size"`
	DefaultParameters    Parameters    `json:"default_parameters" yaml:"default_parameters"`
	Difficulty           string        `json:"difficulty_level" yaml:"difficulty_level"`
	MinCapital           float64       `json:"min_capital" yaml:"min_capital"`
	RecommendedTimeframe string        `json:"recommended_timeframe" yaml:"recommended_timeframe"`
}
