// Package holdings derives positions from a bot's execution history.
//
// Everything here is a pure function of its inputs: replaying the same history with
// the same quotes always produces the same snapshot.
package holdings

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/models"
)

// Position is the running weighted-average-cost state of one symbol.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	AverageCost   decimal.Decimal
	RealizedPnL   decimal.Decimal
	LastFillPrice decimal.Decimal
}

// ClosedTrade is the realized result of one completed sell.
type ClosedTrade struct {
	ExecutionID string
	AlgorithmID string
	Symbol      string
	Quantity    decimal.Decimal
	CostBasis   decimal.Decimal
	Proceeds    decimal.Decimal
	RealizedPnL decimal.Decimal
	ExecutedAt  time.Time
}

// IsWin reports whether the trade closed at a profit.
func (t ClosedTrade) IsWin() bool {
	return t.RealizedPnL.IsPositive()
}

// Book is the projection of a history: positions per symbol plus the closed trades.
type Book struct {
	Positions map[string]Position
	Trades    []ClosedTrade
}

// RealizedPnL sums realized profit across every symbol.
func (b Book) RealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, p := range b.Positions {
		total = total.Add(p.RealizedPnL)
	}
	return total
}

// Quantity returns the open quantity of a symbol.
func (b Book) Quantity(symbol string) decimal.Decimal {
	return b.Positions[symbol].Quantity
}

// HasOpen reports whether any symbol still carries quantity.
func (b Book) HasOpen() bool {
	for _, p := range b.Positions {
		if p.Quantity.IsPositive() {
			return true
		}
	}
	return false
}

// OpenSymbols returns symbols with open quantity in sorted order.
func (b Book) OpenSymbols() []string {
	var out []string
	for s, p := range b.Positions {
		if p.Quantity.IsPositive() {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Ordered returns the completed trades of history in application order:
// executed_at ascending, ledger sequence breaking ties.
func Ordered(history []models.BotExecution) []models.BotExecution {
	out := make([]models.BotExecution, 0, len(history))
	for _, e := range history {
		if e.Status == models.ExecutionCompleted && e.IsTrade() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := executedAt(out[i]), executedAt(out[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Replay projects a history into a Book. Selling more than the held quantity at any
// point fails with ErrInsufficientPosition.
func Replay(history []models.BotExecution) (Book, error) {
	book := Book{Positions: make(map[string]Position)}
	for _, e := range Ordered(history) {
		if err := apply(&book, e); err != nil {
			return Book{}, err
		}
	}
	return book, nil
}

func apply(book *Book, e models.BotExecution) error {
	pos := book.Positions[e.Symbol]
	pos.Symbol = e.Symbol

	switch e.Type {
	case models.ExecutionBuy:
		newQty := pos.Quantity.Add(e.Quantity)
		cost := pos.Quantity.Mul(pos.AverageCost).Add(e.Quantity.Mul(e.Price))
		pos.AverageCost = cost.Div(newQty)
		pos.Quantity = newQty

	case models.ExecutionSell:
		if e.Quantity.GreaterThan(pos.Quantity) {
			return apperrors.NewInvariantError(apperrors.ErrInsufficientPosition, "position",
				pos.Quantity.InexactFloat64(), e.Quantity.InexactFloat64(),
				"cannot sell "+e.Quantity.String()+" "+e.Symbol+", holding "+pos.Quantity.String())
		}
		realized := e.Quantity.Mul(e.Price.Sub(pos.AverageCost))
		book.Trades = append(book.Trades, ClosedTrade{
			ExecutionID: e.ID,
			AlgorithmID: e.AlgorithmID,
			Symbol:      e.Symbol,
			Quantity:    e.Quantity,
			CostBasis:   e.Quantity.Mul(pos.AverageCost),
			Proceeds:    e.Quantity.Mul(e.Price),
			RealizedPnL: realized,
			ExecutedAt:  executedAt(e),
		})
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		pos.Quantity = pos.Quantity.Sub(e.Quantity)
		if pos.Quantity.IsZero() {
			pos.AverageCost = decimal.Zero
		}
	}

	pos.LastFillPrice = e.Price
	book.Positions[e.Symbol] = pos
	return nil
}

// Snapshot marks open positions to the given quotes. A symbol without a quote is
// valued at its last fill price and flagged stale instead of blocking other symbols.
func (b Book) Snapshot(portfolioID, botID string, quotes map[string]models.Quote) []models.Holding {
	symbols := b.OpenSymbols()
	out := make([]models.Holding, 0, len(symbols))
	for _, s := range symbols {
		pos := b.Positions[s]
		price := pos.LastFillPrice
		stale := true
		if q, ok := quotes[s]; ok && q.Price.IsPositive() {
			price = q.Price
			stale = false
		}
		mv := pos.Quantity.Mul(price)
		out = append(out, models.Holding{
			PortfolioID:   portfolioID,
			BotID:         botID,
			Symbol:        s,
			Quantity:      pos.Quantity,
			AverageCost:   pos.AverageCost,
			CurrentPrice:  price,
			MarketValue:   mv,
			UnrealizedPnL: mv.Sub(pos.Quantity.Mul(pos.AverageCost)),
			RealizedPnL:   pos.RealizedPnL,
			PriceStale:    stale,
		})
	}
	return out
}

// MarketValue sums the market value of a snapshot.
func MarketValue(hs []models.Holding) decimal.Decimal {
	total := decimal.Zero
	for _, h := range hs {
		total = total.Add(h.MarketValue)
	}
	return total
}

// UnrealizedPnL sums unrealized profit of a snapshot.
func UnrealizedPnL(hs []models.Holding) decimal.Decimal {
	total := decimal.Zero
	for _, h := range hs {
		total = total.Add(h.UnrealizedPnL)
	}
	return total
}

func executedAt(e models.BotExecution) time.Time {
	if e.ExecutedAt != nil {
		return *e.ExecutedAt
	}
	return e.CreatedAt
}
