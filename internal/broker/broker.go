// Package broker defines the market data and order contracts the orchestrator
// consumes, plus a paper implementation.
package broker

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/models"
)

// QuoteProvider supplies market quotes. Each symbol may fail independently.
type QuoteProvider interface {
	GetQuote(ctx context.Context, symbol string) (models.Quote, error)
	// GetQuotes returns the quotes it could fetch and an error per failed symbol.
	GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, map[string]error)
}

// OrderSubmitter accepts orders. The fill arrives later through the FillHandler
// registered with the implementation.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, order Order) (string, error)
}

// Order is a market order for one bot execution.
type Order struct {
	ExecutionID string
	BotID       string
	Symbol      string
	Side        models.OrderSide
	Quantity    decimal.Decimal
	Tag         string
}

// Fill is the outcome of a submitted order.
type Fill struct {
	OrderID     string
	ExecutionID string
	Status      models.ExecutionStatus
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	ExecutedAt  time.Time
	Error       string
}

// Settlement converts the fill to the recorder's settlement input.
func (f Fill) Settlement() models.Settlement {
	s := models.Settlement{
		Status:     f.Status,
		ExecutedAt: f.ExecutedAt,
		Error:      f.Error,
	}
	if f.Status == models.ExecutionCompleted {
		price, qty := f.Price, f.Quantity
		s.Price = &price
		s.Quantity = &qty
	}
	return s
}

// FillHandler receives fills. It must not block for long.
type FillHandler func(Fill)

// ValidateOrder checks an order before it is sent anywhere.
func ValidateOrder(o Order) error {
	if strings.TrimSpace(o.Symbol) == "" {
		return apperrors.NewValidationError("symbol", o.Symbol, "symbol is required")
	}
	if o.Side != models.OrderSideBuy && o.Side != models.OrderSideSell {
		return apperrors.NewValidationError("side", o.Side, "side must be BUY or SELL")
	}
	if !o.Quantity.IsPositive() {
		return apperrors.NewValidationError("quantity", o.Quantity.String(), "quantity must be positive")
	}
	if o.ExecutionID == "" {
		return apperrors.NewValidationError("execution_id", o.ExecutionID, "order must reference an execution")
	}
	return nil
}
