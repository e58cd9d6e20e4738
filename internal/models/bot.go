package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BotStatus represents the lifecycle state of a trading bot.
type BotStatus string

const (
	BotStopped BotStatus = "stopped"
	BotRunning BotStatus = "running"
	BotPaused  BotStatus = "paused"
	BotError   BotStatus = "error"
)

// IsTerminal reports whether a bot in this state may be deleted.
func (s BotStatus) IsTerminal() bool {
	return s == BotStopped || s == BotError
}

// TradingBot is one independently running unit that deploys a slice of a portfolio.
type TradingBot struct {
	ID                  string          `json:"id"`
	PortfolioID         string          `json:"portfolio_id"`
	Name                string          `json:"name"`
	Description         string          `json:"description"`
	AllocatedPercentage decimal.Decimal `json:"allocated_percentage"`
	AllocatedAmount     decimal.Decimal `json:"allocated_amount"`
	Cash                decimal.Decimal `json:"cash"`
	CurrentValue        decimal.Decimal `json:"current_value"`
	Status              BotStatus       `json:"status"`
	FaultReason         string          `json:"fault_reason,omitempty"`
	Divesting           bool            `json:"divesting"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Holding is a position derived from a bot's execution history.
type Holding struct {
	PortfolioID   string          `json:"portfolio_id"`
	BotID         string          `json:"bot_id"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pl"`
	RealizedPnL   decimal.Decimal `json:"realized_pl"`
	PriceStale    bool            `json:"price_stale"`
}

// IsOpen reports whether the holding still carries quantity.
func (h Holding) IsOpen() bool {
	return h.Quantity.IsPositive()
}

// ValuePoint is one sample of a bot's current value.
type ValuePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}
