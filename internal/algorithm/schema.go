// Package algorithm stores strategy configurations per bot, validates their
// parameters, and evaluates the closed set of strategy variants.
package algorithm

import (
	"fmt"
	"math"
	"sort"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/models"
)

// ParamKind is the declared type of a parameter.
type ParamKind string

const (
	KindInteger ParamKind = "integer"
	KindNumber  ParamKind = "number"
	KindBoolean ParamKind = "boolean"
)

// ParamSpec describes one tunable parameter.
type ParamSpec struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Kind        ParamKind `json:"type"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Step        *float64  `json:"step,omitempty"`
	Default     any       `json:"default"`
}

func num(name, desc string, kind ParamKind, lo, hi, step, def float64) ParamSpec {
	return ParamSpec{Name: name, Description: desc, Kind: kind, Min: &lo, Max: &hi, Step: &step, Default: def}
}

func flag(name, desc string, def bool) ParamSpec {
	return ParamSpec{Name: name, Description: desc, Kind: KindBoolean, Default: def}
}

// Risk fields are part of every config and may be patched like parameters.
const (
	FieldPositionSize    = "position_size"
	FieldMaxPositionSize = "max_position_size"
	FieldStopLoss        = "stop_loss"
	FieldTakeProfit      = "take_profit"
	FieldRiskPerTrade    = "risk_per_trade"
)

var riskSpecs = []ParamSpec{
	num(FieldPositionSize, "Fraction of the bot allocation used per entry", KindNumber, 0.01, 1.0, 0.01, 0.1),
	num(FieldMaxPositionSize, "Cap on the summed position size of enabled algorithms", KindNumber, 0.01, 1.0, 0.01, 0.25),
	num(FieldStopLoss, "Exit when price falls this fraction below average cost", KindNumber, 0.01, 0.5, 0.01, 0.15),
	num(FieldTakeProfit, "Exit when price rises this fraction above average cost", KindNumber, 0.01, 1.0, 0.01, 0.25),
	num(FieldRiskPerTrade, "Fraction of allocation risked per trade", KindNumber, 0.001, 0.1, 0.001, 0.02),
}

var schemas = map[models.AlgorithmType][]ParamSpec{
	models.AlgoTechnicalIndicator: {
		num("rsi_period", "RSI calculation period", KindInteger, 2, 50, 1, 14),
		num("rsi_oversold", "RSI oversold threshold", KindNumber, 10, 40, 1, 25),
		num("rsi_overbought", "RSI overbought threshold", KindNumber, 60, 90, 1, 75),
		num("macd_fast", "MACD fast period", KindInteger, 5, 20, 1, 8),
		num("macd_slow", "MACD slow period", KindInteger, 15, 50, 1, 21),
		num("macd_signal", "MACD signal period", KindInteger, 3, 15, 1, 5),
		num("bb_period", "Bollinger Bands period", KindInteger, 5, 50, 1, 20),
		num("bb_std", "Bollinger Bands standard deviation", KindNumber, 1.0, 3.0, 0.1, 2.0),
	},
	models.AlgoScalping: {
		num("min_interval", "Minimum interval between signals (seconds)", KindInteger, 1, 60, 1, 5),
		num("spread_threshold", "Maximum spread threshold", KindNumber, 0.0001, 0.01, 0.0001, 0.002),
		num("volume_threshold", "Minimum volume threshold", KindNumber, 100, 10000, 100, 1000),
	},
	models.AlgoDynamicDCA: {
		num("dca_interval", "DCA interval (seconds)", KindInteger, 3600, 604800, 3600, 86400),
		num("base_amount", "Base DCA amount", KindNumber, 10, 1000, 10, 100),
		flag("volatility_adjustment", "Enable volatility adjustment", true),
	},
	models.AlgoGridTrading: {
		num("grid_levels", "Number of grid levels", KindInteger, 3, 50, 1, 10),
		num("grid_spacing", "Grid spacing percentage", KindNumber, 0.005, 0.1, 0.005, 0.02),
	},
	models.AlgoTrendFollowing: {
		num("fast_ma_period", "Fast moving average period", KindInteger, 5, 100, 1, 50),
		num("slow_ma_period", "Slow moving average period", KindInteger, 20, 500, 1, 200),
		num("atr_period", "ATR calculation period", KindInteger, 5, 50, 1, 20),
		num("atr_multiplier", "ATR multiplier for stop loss", KindNumber, 1.0, 5.0, 0.1, 2.5),
	},
	models.AlgoArbitrage: {
		num("lookback_period", "Lookback period for mean calculation", KindInteger, 10, 200, 1, 50),
		num("z_score_threshold", "Z-score threshold for signals", KindNumber, 1.0, 4.0, 0.1, 2.0),
	},
}

// Schema returns the strategy parameters of an algorithm type.
func Schema(t models.AlgorithmType) []ParamSpec {
	out := make([]ParamSpec, len(schemas[t]))
	copy(out, schemas[t])
	return out
}

// RiskSchema returns the risk fields shared by every algorithm type.
func RiskSchema() []ParamSpec {
	out := make([]ParamSpec, len(riskSpecs))
	copy(out, riskSpecs)
	return out
}

// DefaultParameters returns the declared defaults of an algorithm type.
func DefaultParameters(t models.AlgorithmType) models.Parameters {
	out := make(models.Parameters)
	for _, s := range schemas[t] {
		out[s.Name] = s.Default
	}
	return out
}

func lookup(specs []ParamSpec, name string) (ParamSpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return ParamSpec{}, false
}

// coerce checks one value against its spec and returns the normalized form:
// numbers become float64, booleans stay bool.
func coerce(spec ParamSpec, value any) (any, string) {
	if spec.Kind == KindBoolean {
		b, ok := value.(bool)
		if !ok {
			return nil, "must be a boolean"
		}
		return b, ""
	}

	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return nil, "must be a number"
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, "must be finite"
	}
	if spec.Kind == KindInteger && f != math.Trunc(f) {
		return nil, "must be an integer"
	}
	if spec.Min != nil && f < *spec.Min {
		return nil, fmt.Sprintf("must be >= %v", *spec.Min)
	}
	if spec.Max != nil && f > *spec.Max {
		return nil, fmt.Sprintf("must be <= %v", *spec.Max)
	}
	return f, ""
}

// Validated is the normalized result of a patch: strategy parameters and risk fields.
type Validated struct {
	Parameters models.Parameters
	Risk       map[string]float64
}

// ValidatePatch checks every field of patch against the schema of t. Either every
// field is valid or a ParamError naming all offending fields is returned.
func ValidatePatch(t models.AlgorithmType, patch map[string]any) (Validated, error) {
	out := Validated{Parameters: make(models.Parameters), Risk: make(map[string]float64)}
	perr := &apperrors.ParamError{}

	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if spec, ok := lookup(riskSpecs, k); ok {
			v, reason := coerce(spec, patch[k])
			if reason != "" {
				perr.Add(k, reason)
				continue
			}
			out.Risk[k] = v.(float64)
			continue
		}
		spec, ok := lookup(schemas[t], k)
		if !ok {
			perr.Add(k, "unknown parameter for "+string(t))
			continue
		}
		v, reason := coerce(spec, patch[k])
		if reason != "" {
			perr.Add(k, reason)
			continue
		}
		out.Parameters[k] = v
	}

	if !perr.Empty() {
		return Validated{}, perr
	}
	return out, nil
}

// checkCoherence rejects parameter combinations that are individually valid but
// contradict each other.
func checkCoherence(cfg *models.AlgorithmConfig) error {
	perr := &apperrors.ParamError{}
	p := cfg.Parameters
	switch cfg.Type {
	case models.AlgoTechnicalIndicator:
		if p.Float("rsi_oversold", 25) >= p.Float("rsi_overbought", 75) {
			perr.Add("rsi_oversold", "must be below rsi_overbought")
		}
		if p.Int("macd_fast", 8) >= p.Int("macd_slow", 21) {
			perr.Add("macd_fast", "must be below macd_slow")
		}
	case models.AlgoTrendFollowing:
		if p.Int("fast_ma_period", 50) >= p.Int("slow_ma_period", 200) {
			perr.Add("fast_ma_period", "must be below slow_ma_period")
		}
	}
	if cfg.PositionSize > cfg.MaxPositionSize {
		perr.Add(FieldPositionSize, "must not exceed max_position_size")
	}
	if !perr.Empty() {
		return perr
	}
	return nil
}

func applyRisk(cfg *models.AlgorithmConfig, risk map[string]float64) {
	for k, v := range risk {
		switch k {
		case FieldPositionSize:
			cfg.PositionSize = v
		case FieldMaxPositionSize:
			cfg.MaxPositionSize = v
		case FieldStopLoss:
			cfg.StopLoss = v
		case FieldTakeProfit:
			cfg.TakeProfit = v
		case FieldRiskPerTrade:
			cfg.RiskPerTrade = v
		}
	}
}
