// Package store provides the persistence journal and startup restore.
package store

import (
	"context"

	"portfolio-orchestrator/internal/ledger"
	"portfolio-orchestrator/internal/models"
)

// Journal persists every committed mutation so state survives a restart.
type Journal interface {
	SavePortfolio(ctx context.Context, p models.Portfolio) error
	SaveBot(ctx context.Context, b models.TradingBot) error
	DeleteBot(ctx context.Context, botID string) error
	SaveAllocation(ctx context.Context, portfolioID string, a ledger.Allocation) error
	SaveAlgorithm(ctx context.Context, cfg models.AlgorithmConfig) error
	DeleteAlgorithm(ctx context.Context, algorithmID string) error
	SaveExecution(ctx context.Context, e models.BotExecution) error
	AppendEvent(ctx context.Context, ev models.Event) error

	LoadState(ctx context.Context, replayLimit int) (*State, error)
	Ping(ctx context.Context) error
	Close() error
}

// State is everything needed to rebuild the in-memory components.
type State struct {
	Portfolios []PortfolioState
}

// PortfolioState is one portfolio with its bots and their history.
type PortfolioState struct {
	Portfolio   models.Portfolio
	Bots        []models.TradingBot
	Allocations []ledger.Allocation
	Algorithms  []models.AlgorithmConfig
	// Executions per bot, ordered by seq.
	Executions map[string][]models.BotExecution
	// Events are the most recent events, oldest first.
	Events  []models.Event
	LastSeq int64
}

// Nop is a Journal that persists nothing.
type Nop struct{}

var _ Journal = Nop{}

func (Nop) SavePortfolio(context.Context, models.Portfolio) error { return nil }
func (Nop) SaveBot(context.Context, models.TradingBot) error { return nil }
func (Nop) DeleteBot(context.Context, string) error { return nil }
func (Nop) SaveAllocation(context.Context, string, ledger.Allocation) error { return nil }
func (Nop) SaveAlgorithm(context.Context, models.AlgorithmConfig) error { return nil }
func (Nop) DeleteAlgorithm(context.Context, string) error { return nil }
func (Nop) SaveExecution(context.Context, models.BotExecution) error { return nil }
func (Nop) AppendEvent(context.Context, models.Event) error { return nil }
func (Nop) LoadState(context.Context, int) (*State, error) { return &State{}, nil }
func (Nop) Ping(context.Context) error { return nil }
func (Nop) Close() error { return nil }
