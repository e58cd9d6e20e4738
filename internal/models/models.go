// Package models provides domain models for the portfolio orchestrator.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Portfolio is the capital pool divided among trading bots.
type Portfolio struct {
	ID            string          `json:"id"`
	Owner         string          `json:"owner"`
	TotalValue    decimal.Decimal `json:"total_value"`
	AvailableCash decimal.Decimal `json:"available_cash"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PortfolioSummary is the consolidated view of a portfolio and its bots.
type PortfolioSummary struct {
	Portfolio      Portfolio       `json:"portfolio"`
	TotalAllocated decimal.Decimal `json:"total_allocated_percentage"`
	TotalPnL       decimal.Decimal `json:"total_pnl"`
	TotalPnLPct    float64         `json:"total_pnl_percent"`
	BotCount       int             `json:"bot_count"`
	RunningBots    int             `json:"running_bots"`
}

// Quote represents a market quote for one symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderSide is the direction of a broker order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// SignalAction is what a strategy evaluation asks for.
type SignalAction string

const (
	SignalBuy  SignalAction = "BUY"
	SignalSell SignalAction = "SELL"
	SignalHold SignalAction = "HOLD"
)

// Signal is the result of one strategy evaluation.
type Signal struct {
	AlgorithmID string          `json:"algorithm_id"`
	Symbol      string          `json:"symbol"`
	Action      SignalAction    `json:"action"`
	Strength    float64         `json:"strength"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Reason      string          `json:"reason"`
}

// IsActionable reports whether the signal should produce an order.
func (s Signal) IsActionable() bool {
	return s.Action != SignalHold && s.Quantity.IsPositive()
}
