package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionType is the kind of ledger entry.
type ExecutionType string

const (
	ExecutionBuy      ExecutionType = "buy"
	ExecutionSell     ExecutionType = "sell"
	ExecutionAnalysis ExecutionType = "analysis"
)

// ExecutionStatus is the settlement state of a ledger entry.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// BotExecution is one append-only entry of a bot's execution ledger.
type BotExecution struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	BotID         string          `json:"bot_id"`
	AlgorithmID   string          `json:"algorithm_id,omitempty"`
	Type          ExecutionType   `json:"execution_type"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TotalValue    decimal.Decimal `json:"total_value"`
	Status        ExecutionStatus `json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	BrokerOrderID string          `json:"broker_order_id,omitempty"`
	Synthetic     bool            `json:"synthetic"`
	CreatedAt     time.Time       `json:"created_at"`
	ExecutedAt    *time.Time      `json:"executed_at,omitempty"`
}

// IsTrade reports whether the entry moves holdings when completed.
func (e BotExecution) IsTrade() bool {
	return e.Type == ExecutionBuy || e.Type == ExecutionSell
}

// Side converts the execution type to a broker order side.
func (e BotExecution) Side() OrderSide {
	if e.Type == ExecutionSell {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Settlement is the outcome applied to a pending execution.
type Settlement struct {
	Status     ExecutionStatus
	Price      *decimal.Decimal
	Quantity   *decimal.Decimal
	ExecutedAt time.Time
	Error      string
}
