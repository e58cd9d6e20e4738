// Package ledger owns a portfolio's percentage budget and the cash sub-accounts of its bots.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Allocation is one bot's share of the portfolio.
type Allocation struct {
	BotID         string
	Percentage    decimal.Decimal
	Amount        decimal.Decimal // pinned at reservation time
	Cash          decimal.Decimal // undeployed cash held by the bot
	HoldingsValue decimal.Decimal // last mark of the bot's open positions
	UpdatedAt     time.Time
}

// CurrentValue is the bot's cash plus its last marked holdings value.
func (a Allocation) CurrentValue() decimal.Decimal {
	return a.Cash.Add(a.HoldingsValue)
}

// Ledger is the portfolio-wide serialization point for allocation changes.
// Every method is a short critical section; none of them perform I/O.
type Ledger struct {
	mu          sync.Mutex
	portfolio   models.Portfolio
	allocations map[string]*Allocation
	now         func() time.Time
}

// New creates a ledger for a portfolio whose AvailableCash is its starting cash.
func New(p models.Portfolio) *Ledger {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return &Ledger{
		portfolio:   p,
		allocations: make(map[string]*Allocation),
		now:         time.Now,
	}
}

// PortfolioID returns the owning portfolio's id.
func (l *Ledger) PortfolioID() string {
	return l.portfolio.ID
}

// Open registers a bot with a zero allocation.
func (l *Ledger) Open(botID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.allocations[botID]; ok {
		return
	}
	l.allocations[botID] = &Allocation{BotID: botID, UpdatedAt: l.now()}
}

// Reserve re-pins a bot's allocation to percentage of the current portfolio value and
// moves the amount delta between the portfolio's available cash and the bot's cash.
func (l *Ledger) Reserve(botID string, percentage decimal.Decimal) (decimal.Decimal, error) {
	if percentage.IsNegative() || percentage.GreaterThan(hundred) {
		return decimal.Zero, apperrors.NewInvariantError(apperrors.ErrOverAllocated, "allocation_range",
			percentage.InexactFloat64(), 100, "allocated percentage must be between 0 and 100")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	alloc, ok := l.allocations[botID]
	if !ok {
		return decimal.Zero, apperrors.Wrapf(apperrors.ErrBotNotFound, "bot %s has no ledger entry", botID)
	}

	others := decimal.Zero
	for id, a := range l.allocations {
		if id != botID {
			others = others.Add(a.Percentage)
		}
	}
	if others.Add(percentage).GreaterThan(hundred) {
		return decimal.Zero, apperrors.NewInvariantError(apperrors.ErrOverAllocated, "allocation_sum",
			others.Add(percentage).InexactFloat64(), 100, "total bot allocation cannot exceed 100%")
	}

	amount := l.totalValueLocked().Mul(percentage).Div(hundred).Round(2)
	delta := amount.Sub(alloc.Amount)

	if l.portfolio.AvailableCash.Sub(delta).IsNegative() {
		return decimal.Zero, apperrors.NewInvariantError(apperrors.ErrInsufficientFunds, "available_cash",
			delta.InexactFloat64(), l.portfolio.AvailableCash.InexactFloat64(), "portfolio cash cannot cover allocation")
	}
	if alloc.Cash.Add(delta).IsNegative() {
		return decimal.Zero, apperrors.NewInvariantError(apperrors.ErrInsufficientFunds, "bot_cash",
			delta.Neg().InexactFloat64(), alloc.Cash.InexactFloat64(), "allocation cannot shrink below deployed capital")
	}

	l.portfolio.AvailableCash = l.portfolio.AvailableCash.Sub(delta)
	alloc.Cash = alloc.Cash.Add(delta)
	alloc.Percentage = percentage
	alloc.Amount = amount
	alloc.UpdatedAt = l.now()
	l.portfolio.UpdatedAt = alloc.UpdatedAt

	return amount, nil
}

// Release removes a bot from the ledger and returns its cash to the portfolio.
func (l *Ledger) Release(botID string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	alloc, ok := l.allocations[botID]
	if !ok {
		return decimal.Zero, apperrors.Wrapf(apperrors.ErrBotNotFound, "bot %s has no ledger entry", botID)
	}
	if !alloc.HoldingsValue.IsZero() {
		return decimal.Zero, apperrors.NewInvariantError(apperrors.ErrHasOpenHoldings, "release",
			alloc.HoldingsValue.InexactFloat64(), 0, "bot still carries marked holdings")
	}

	l.portfolio.AvailableCash = l.portfolio.AvailableCash.Add(alloc.Cash)
	l.portfolio.UpdatedAt = l.now()
	delete(l.allocations, botID)
	return alloc.Cash, nil
}

// ApplyTrade adjusts a bot's cash by delta (negative for buys) and records the
// value of its positions after the trade in the same step.
func (l *Ledger) ApplyTrade(botID string, delta, holdingsValue decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	alloc, ok := l.allocations[botID]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrBotNotFound, "bot %s has no ledger entry", botID)
	}
	next := alloc.Cash.Add(delta)
	if next.IsNegative() {
		return apperrors.NewInvariantError(apperrors.ErrInsufficientFunds, "bot_cash",
			delta.Neg().InexactFloat64(), alloc.Cash.InexactFloat64(), "trade exceeds bot cash")
	}
	alloc.Cash = next
	alloc.HoldingsValue = holdingsValue
	alloc.UpdatedAt = l.now()
	return nil
}

// Mark records the market value of a bot's open positions.
func (l *Ledger) Mark(botID string, holdingsValue decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if alloc, ok := l.allocations[botID]; ok {
		alloc.HoldingsValue = holdingsValue
	}
}

// Allocation returns a copy of a bot's allocation.
func (l *Ledger) Allocation(botID string) (Allocation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	alloc, ok := l.allocations[botID]
	if !ok {
		return Allocation{}, false
	}
	return *alloc, true
}

// Allocations returns copies of every allocation ordered by bot id.
func (l *Ledger) Allocations() []Allocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Allocation, 0, len(l.allocations))
	for _, a := range l.allocations {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

// TotalAllocated returns the sum of all bots' percentages.
func (l *Ledger) TotalAllocated() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := decimal.Zero
	for _, a := range l.allocations {
		sum = sum.Add(a.Percentage)
	}
	return sum
}

// Portfolio returns the portfolio with TotalValue derived from available cash and bot values.
func (l *Ledger) Portfolio() models.Portfolio {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.portfolio
	p.TotalValue = l.totalValueLocked()
	return p
}

// Restore installs a persisted allocation and available cash without moving money.
func (l *Ledger) Restore(availableCash decimal.Decimal, allocs []Allocation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.portfolio.AvailableCash = availableCash
	for _, a := range allocs {
		a := a
		l.allocations[a.BotID] = &a
	}
}

func (l *Ledger) totalValueLocked() decimal.Decimal {
	total := l.portfolio.AvailableCash
	for _, a := range l.allocations {
		total = total.Add(a.CurrentValue())
	}
	return total
}

// String implements fmt.Stringer for debugging.
func (a Allocation) String() string {
	return fmt.Sprintf("%s %s%% amount=%s cash=%s", a.BotID, a.Percentage, a.Amount, a.Cash)
}
