package orchestrator

import (
	"context"

	"portfolio-orchestrator/internal/holdings"
	"portfolio-orchestrator/internal/logging"
	"portfolio-orchestrator/internal/models"
	"portfolio-orchestrator/internal/performance"
)

// mark values a bot's holdings at quotes, samples its current value and
// publishes the bot's performance when the value moved. A bot busy with a
// command skips the mark for this cycle.
func (o *Orchestrator) mark(ctx context.Context, botID string, quotes map[string]models.Quote) {
	o.rememberQuotes(quotes)

	release, ok := o.locks.TryAcquire(botID)
	if !ok {
		log := logging.WithBot(o.log, botID)
		log.Debug().Msg("bot busy, mark skipped")
		return
	}
	l, err := o.ledgerOf(botID)
	if err != nil {
		release()
		return
	}
	book := o.recorder.Book(botID)
	hs := book.Snapshot(l.PortfolioID(), botID, o.lastQuotes(book.OpenSymbols()))
	l.Mark(botID, holdings.MarketValue(hs))
	alloc, _ := l.Allocation(botID)
	release()

	series := o.seriesOf(botID)
	points := series.Points()
	value := alloc.CurrentValue()
	series.Append(models.ValuePoint{Timestamp: o.now(), Value: value})
	if len(points) > 0 && points[len(points)-1].Value.Equal(value) {
		return
	}

	o.saveAllocation(ctx, botID)
	perf := o.perf.Bot(o.input(botID, book, hs))
	data := map[string]any{
		"current_value":  value.String(),
		"total_return":   perf.TotalReturn,
		"win_rate":       perf.WinRate,
		"max_drawdown":   perf.MaxDrawdown,
		"total_trades":   perf.TotalTrades,
		"unrealized_pnl": holdings.UnrealizedPnL(hs).String(),
	}
	if perf.SharpeRatio != nil {
		data["sharpe_ratio"] = *perf.SharpeRatio
	}
	o.publish(l.PortfolioID(), botID, models.EventPerformanceUpdated, data)
}

func (o *Orchestrator) input(botID string, book holdings.Book, open []models.Holding) performance.Input {
	in := performance.Input{Trades: book.Trades, Open: open}
	if l, err := o.ledgerOf(botID); err == nil {
		if a, ok := l.Allocation(botID); ok {
			in.AllocatedAmount = a.Amount
		}
	}
	o.mu.RLock()
	s := o.series[botID]
	o.mu.RUnlock()
	if s != nil {
		in.Values = s.Points()
	}
	return in
}

// BotPerformance derives a bot's figures from its closed trades, its holdings
// at the last seen quotes and its sampled value series.
func (o *Orchestrator) BotPerformance(botID string) (models.AlgorithmPerformance, error) {
	if _, err := o.bots.Get(botID); err != nil {
		return models.AlgorithmPerformance{}, err
	}
	book := o.recorder.Book(botID)
	hs := book.Snapshot(o.portfolioOf(botID), botID, o.lastQuotes(book.OpenSymbols()))
	return o.perf.Bot(o.input(botID, book, hs)), nil
}

// AlgorithmPerformance derives the figures attributable to one algorithm.
func (o *Orchestrator) AlgorithmPerformance(algorithmID string) (models.AlgorithmPerformance, error) {
	cfg, err := o.algos.Get(algorithmID)
	if err != nil {
		return models.AlgorithmPerformance{}, err
	}
	book := o.recorder.Book(cfg.BotID)
	return o.perf.Algorithm(algorithmID, o.input(cfg.BotID, book, nil)), nil
}

// ValueSeries returns a bot's sampled current value, oldest first.
func (o *Orchestrator) ValueSeries(botID string) ([]models.ValuePoint, error) {
	if _, err := o.bots.Get(botID); err != nil {
		return nil, err
	}
	o.mu.RLock()
	s := o.series[botID]
	o.mu.RUnlock()
	if s == nil {
		return []models.ValuePoint{}, nil
	}
	return s.Points(), nil
}

// refreshAlgorithm stores an algorithm's derived figures after one of its
// trades settled.
func (o *Orchestrator) refreshAlgorithm(ctx context.Context, botID, algorithmID string) {
	perf := o.perf.Algorithm(algorithmID, o.input(botID, o.recorder.Book(botID), nil))
	o.algos.SetPerformance(algorithmID, perf)
	if cfg, err := o.algos.Get(algorithmID); err == nil {
		o.saveAlgorithm(ctx, cfg)
	}
}
