package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/ledger"
	"portfolio-orchestrator/internal/models"
)

// CreatePortfolio opens a portfolio whose whole value starts as available cash.
func (o *Orchestrator) CreatePortfolio(ctx context.Context, owner string, initialCash decimal.Decimal) (models.Portfolio, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return models.Portfolio{}, apperrors.NewValidationError("owner", owner, "portfolio owner is required")
	}
	if !initialCash.IsPositive() {
		return models.Portfolio{}, apperrors.NewValidationError("initial_cash", initialCash.String(), "initial cash must be positive")
	}

	now := o.now()
	l := ledger.New(models.Portfolio{
		ID:            uuid.NewString(),
		Owner:         owner,
		AvailableCash: initialCash.Round(2),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	p := l.Portfolio()

	o.mu.Lock()
	o.ledgers[p.ID] = l
	o.mu.Unlock()

	o.journalErr("save_portfolio", o.journal.SavePortfolio(context.WithoutCancel(ctx), p))
	o.log.Info().Str("portfolio_id", p.ID).Str("owner", owner).Str("cash", p.AvailableCash.String()).Msg("portfolio created")
	return p, nil
}

// Portfolio returns a portfolio with its derived total value.
func (o *Orchestrator) Portfolio(portfolioID string) (models.Portfolio, error) {
	l, err := o.portfolioLedger(portfolioID)
	if err != nil {
		return models.Portfolio{}, err
	}
	return l.Portfolio(), nil
}

// Portfolios returns every portfolio, ordered by id.
func (o *Orchestrator) Portfolios() []models.Portfolio {
	o.mu.RLock()
	ids := sortedKeys(o.ledgers)
	ls := make([]*ledger.Ledger, len(ids))
	for i, id := range ids {
		ls[i] = o.ledgers[id]
	}
	o.mu.RUnlock()

	out := make([]models.Portfolio, len(ls))
	for i, l := range ls {
		out[i] = l.Portfolio()
	}
	return out
}

// Summary consolidates a portfolio and its bots. P&L is the sum over bots of
// current value minus allocated amount.
func (o *Orchestrator) Summary(portfolioID string) (models.PortfolioSummary, error) {
	l, err := o.portfolioLedger(portfolioID)
	if err != nil {
		return models.PortfolioSummary{}, err
	}
	s := models.PortfolioSummary{
		Portfolio:      l.Portfolio(),
		TotalAllocated: l.TotalAllocated(),
		TotalPnL:       decimal.Zero,
	}

	allocated := decimal.Zero
	for _, a := range l.Allocations() {
		s.TotalPnL = s.TotalPnL.Add(a.CurrentValue().Sub(a.Amount))
		allocated = allocated.Add(a.Amount)
	}
	if allocated.IsPositive() {
		s.TotalPnLPct = s.TotalPnL.Div(allocated).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
	}

	for _, b := range o.bots.List(portfolioID) {
		s.BotCount++
		if b.Status == models.BotRunning {
			s.RunningBots++
		}
	}
	return s, nil
}
