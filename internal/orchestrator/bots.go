package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/execution"
	"portfolio-orchestrator/internal/ledger"
	"portfolio-orchestrator/internal/lifecycle"
	"portfolio-orchestrator/internal/logging"
	"portfolio-orchestrator/internal/models"
)

// view fills the allocation fields of a bot from its ledger entry.
func (o *Orchestrator) view(bot models.TradingBot) models.TradingBot {
	l, err := o.ledgerOf(bot.ID)
	if err != nil {
		return bot
	}
	if a, ok := l.Allocation(bot.ID); ok {
		bot.AllocatedPercentage = a.Percentage
		bot.AllocatedAmount = a.Amount
		bot.Cash = a.Cash
		bot.CurrentValue = a.CurrentValue()
	}
	return bot
}

// Bot returns a bot snapshot.
func (o *Orchestrator) Bot(botID string) (models.TradingBot, error) {
	bot, err := o.bots.Get(botID)
	if err != nil {
		return models.TradingBot{}, err
	}
	return o.view(bot), nil
}

// Bots returns the bots of a portfolio ordered by creation.
func (o *Orchestrator) Bots(portfolioID string) ([]models.TradingBot, error) {
	if _, err := o.portfolioLedger(portfolioID); err != nil {
		return nil, err
	}
	bots := o.bots.List(portfolioID)
	for i := range bots {
		bots[i] = o.view(bots[i])
	}
	return bots, nil
}

// CreateBot adds a stopped bot to a portfolio and reserves percentage of the
// portfolio's value for it. A rejected reservation leaves no bot behind.
func (o *Orchestrator) CreateBot(ctx context.Context, portfolioID, name, description string, percentage decimal.Decimal) (models.TradingBot, error) {
	l, err := o.portfolioLedger(portfolioID)
	if err != nil {
		return models.TradingBot{}, err
	}
	bot, err := o.bots.Create(portfolioID, name, description)
	if err != nil {
		return models.TradingBot{}, err
	}

	o.mu.Lock()
	o.owners[bot.ID] = portfolioID
	o.mu.Unlock()
	l.Open(bot.ID)

	if !percentage.IsZero() {
		if _, err := l.Reserve(bot.ID, percentage); err != nil {
			o.discard(l, bot.ID)
			return models.TradingBot{}, err
		}
	}

	bot = o.view(bot)
	o.saveBot(ctx, bot)
	o.saveAllocation(ctx, bot.ID)
	o.savePortfolio(ctx, portfolioID)

	log := logging.WithBot(o.log, bot.ID)
	log.Info().Str("portfolio_id", portfolioID).Str("name", bot.Name).Msg("bot created")
	o.publish(portfolioID, bot.ID, models.EventBotStatusChanged, map[string]any{
		"from": "", "to": string(bot.Status), "reason": "created",
	})
	if !percentage.IsZero() {
		logging.LogAllocation(log, bot.ID, bot.AllocatedPercentage.String(), bot.AllocatedAmount.String())
		if a, ok := l.Allocation(bot.ID); ok {
			o.publish(portfolioID, bot.ID, models.EventAllocationChanged, allocationData(a))
		}
	}
	return bot, nil
}

// discard undoes a bot creation that has not been published yet.
func (o *Orchestrator) discard(l *ledger.Ledger, botID string) {
	if _, err := l.Release(botID); err != nil {
		o.log.Error().Err(err).Str("bot_id", botID).Msg("failed to release discarded bot")
	}
	if _, err := o.bots.Delete(botID); err != nil {
		o.log.Error().Err(err).Str("bot_id", botID).Msg("failed to remove discarded bot")
	}
	o.mu.Lock()
	delete(o.owners, botID)
	o.mu.Unlock()
}

// UpdateBot changes a bot's name and description. Nil leaves a field unchanged.
func (o *Orchestrator) UpdateBot(ctx context.Context, botID string, name, description *string) (models.TradingBot, error) {
	release, err := o.lockBot(ctx, botID)
	if err != nil {
		return models.TradingBot{}, err
	}
	bot, err := o.bots.Update(botID, name, description)
	release()
	if err != nil {
		return models.TradingBot{}, err
	}
	o.saveBot(ctx, bot)
	return o.view(bot), nil
}

// UpdateAllocation re-pins a bot's allocation to percentage of the current
// portfolio value.
func (o *Orchestrator) UpdateAllocation(ctx context.Context, botID string, percentage decimal.Decimal) (models.TradingBot, error) {
	release, err := o.lockBot(ctx, botID)
	if err != nil {
		return models.TradingBot{}, err
	}
	if _, divesting, _ := o.bots.Status(botID); divesting {
		release()
		return models.TradingBot{}, divestingError(botID)
	}
	l, err := o.ledgerOf(botID)
	if err != nil {
		release()
		return models.TradingBot{}, err
	}
	amount, err := l.Reserve(botID, percentage)
	alloc, _ := l.Allocation(botID)
	release()
	if err != nil {
		return models.TradingBot{}, err
	}

	logging.LogAllocation(o.log, botID, percentage.String(), amount.String())
	o.saveAllocation(ctx, botID)
	o.savePortfolio(ctx, l.PortfolioID())
	o.publish(l.PortfolioID(), botID, models.EventAllocationChanged, allocationData(alloc))
	return o.Bot(botID)
}

func divestingError(botID string) error {
	return apperrors.NewInvariantError(apperrors.ErrDivestInProgress, "divest", 0, 0, "bot "+botID+" is divesting")
}

// apply runs a lifecycle command under the bot's boundary.
func (o *Orchestrator) apply(ctx context.Context, botID string, cmd lifecycle.Command) (models.TradingBot, error) {
	release, err := o.lockBot(ctx, botID)
	if err != nil {
		return models.TradingBot{}, err
	}
	if _, divesting, _ := o.bots.Status(botID); divesting {
		release()
		return models.TradingBot{}, divestingError(botID)
	}
	t, err := o.bots.Apply(botID, cmd)
	release()
	if err != nil {
		return models.TradingBot{}, err
	}
	if t.Changed {
		o.transitioned(ctx, t)
	}
	return o.view(t.Bot), nil
}

func (o *Orchestrator) transitioned(ctx context.Context, t lifecycle.Transition) {
	logging.LogTransition(o.log, t.Bot.ID, string(t.From), string(t.To), t.Reason)
	o.saveBot(ctx, t.Bot)
	o.publish(t.Bot.PortfolioID, t.Bot.ID, models.EventBotStatusChanged, map[string]any{
		"from": string(t.From), "to": string(t.To), "reason": t.Reason,
	})
}

// StartBot moves a stopped or paused bot to running and launches its loop.
func (o *Orchestrator) StartBot(ctx context.Context, botID string) (models.TradingBot, error) {
	bot, err := o.apply(ctx, botID, lifecycle.CmdStart)
	if err != nil {
		return bot, err
	}
	o.runner.Start(botID)
	return bot, nil
}

// ResumeBot moves a paused bot back to running.
func (o *Orchestrator) ResumeBot(ctx context.Context, botID string) (models.TradingBot, error) {
	bot, err := o.apply(ctx, botID, lifecycle.CmdResume)
	if err != nil {
		return bot, err
	}
	o.runner.Start(botID)
	return bot, nil
}

// PauseBot suspends evaluation. A paused bot is still marked to market.
func (o *Orchestrator) PauseBot(ctx context.Context, botID string) (models.TradingBot, error) {
	return o.apply(ctx, botID, lifecycle.CmdPause)
}

// StopBot moves a bot to stopped and waits for its loop to exit, or for ctx.
func (o *Orchestrator) StopBot(ctx context.Context, botID string) (models.TradingBot, error) {
	bot, err := o.apply(ctx, botID, lifecycle.CmdStop)
	if err != nil {
		return bot, err
	}
	select {
	case <-o.runner.Stop(botID):
	case <-ctx.Done():
	}
	return bot, nil
}

// fault moves a running or paused bot to error. The fault is applied even if
// the bot's boundary cannot be taken in time.
func (o *Orchestrator) fault(ctx context.Context, botID, reason string) {
	release, err := o.lockBotDetached(ctx, botID)
	if err != nil {
		o.log.Warn().Err(err).Str("bot_id", botID).Msg("faulting bot without its lock")
		release = func() {}
	}
	t, err := o.bots.Fault(botID, reason)
	release()
	if err != nil {
		return
	}
	o.runner.Stop(botID)
	if t.Changed {
		o.transitioned(ctx, t)
	}
}

// DivestBot closes every open holding of a bot with synthetic sells at the
// latest quote and then stops it. A divest that cannot complete leaves the
// bot in error with the reason.
func (o *Orchestrator) DivestBot(ctx context.Context, botID string) (models.TradingBot, error) {
	release, err := o.lockBot(ctx, botID)
	if err != nil {
		return models.TradingBot{}, err
	}
	bot, err := o.bots.BeginDivest(botID)
	release()
	if err != nil {
		return models.TradingBot{}, err
	}
	log := logging.WithBot(o.log, botID)
	log.Info().Msg("divest started")
	o.saveBot(ctx, bot)

	// Detached from here on: the divest either completes or fails the bot.
	dctx := context.WithoutCancel(ctx)
	<-o.runner.Stop(botID)

	if err := o.awaitSettled(dctx, botID); err != nil {
		return o.failDivest(dctx, botID, err)
	}
	if err := o.liquidate(dctx, botID); err != nil {
		return o.failDivest(dctx, botID, err)
	}

	release, err = o.lockBotDetached(dctx, botID)
	if err != nil {
		return o.failDivest(dctx, botID, err)
	}
	if l, err := o.ledgerOf(botID); err == nil {
		l.Mark(botID, decimal.Zero)
	}
	t, err := o.bots.CompleteDivest(botID)
	release()
	if err != nil {
		return models.TradingBot{}, err
	}

	log.Info().Msg("divest completed")
	o.transitioned(dctx, t)
	if !t.Changed {
		o.saveBot(dctx, t.Bot)
	}
	o.saveAllocation(dctx, botID)
	if l, err := o.ledgerOf(botID); err == nil {
		if a, ok := l.Allocation(botID); ok {
			o.publish(l.PortfolioID(), botID, models.EventAllocationChanged, allocationData(a))
		}
	}
	return o.view(t.Bot), nil
}

func (o *Orchestrator) failDivest(ctx context.Context, botID string, cause error) (models.TradingBot, error) {
	reason := "divest failed: " + cause.Error()
	t, err := o.bots.FailDivest(botID, reason)
	if err != nil {
		return models.TradingBot{}, err
	}
	log := logging.WithBot(o.log, botID)
	log.Error().Err(cause).Msg("divest failed")
	o.transitioned(ctx, t)
	return o.view(t.Bot), apperrors.NewFaultError("divest", reason, cause)
}

// awaitSettled waits until none of the bot's executions is pending.
func (o *Orchestrator) awaitSettled(ctx context.Context, botID string) error {
	deadline := time.NewTimer(o.opts.SettleWait)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		pending := o.recorder.Pending(botID)
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-deadline.C:
			return apperrors.Wrapf(apperrors.ErrBrokerUnavailable, "%d orders still pending after %s", len(pending), o.opts.SettleWait)
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// liquidate sells every open position of a bot. Quotes are fetched before
// the boundary is taken; a symbol without a quote is closed at its last fill.
func (o *Orchestrator) liquidate(ctx context.Context, botID string) error {
	symbols := o.recorder.Book(botID).OpenSymbols()
	if len(symbols) == 0 {
		return nil
	}
	quotes, failed := o.quotes.GetQuotes(ctx, symbols)
	o.rememberQuotes(quotes)

	release, err := o.lockBotDetached(ctx, botID)
	if err != nil {
		return err
	}
	defer release()

	log := logging.WithBot(o.log, botID)
	book := o.recorder.Book(botID)
	for _, sym := range book.OpenSymbols() {
		pos := book.Positions[sym]
		price := pos.LastFillPrice
		if q, ok := quotes[sym]; ok {
			price = q.Price
		} else {
			log.Warn().Err(failed[sym]).Str("symbol", sym).Str("price", price.String()).Msg("no quote, closing at last fill price")
		}
		qty := pos.Quantity

		e, err := o.recorder.Record(botID, execution.Draft{
			Type:      models.ExecutionSell,
			Symbol:    sym,
			Quantity:  qty,
			Price:     price,
			Synthetic: true,
		})
		if err != nil {
			return fmt.Errorf("failed to record divest of %s: %w", sym, err)
		}
		e, err = o.recorder.Settle(e.ID, models.Settlement{
			Status:     models.ExecutionCompleted,
			Price:      &price,
			Quantity:   &qty,
			ExecutedAt: o.now(),
		})
		if err != nil {
			return fmt.Errorf("failed to settle divest of %s: %w", sym, err)
		}
		o.settled(ctx, botID, e)
	}
	return nil
}

// DeleteBot removes a stopped or errored bot without open holdings, returns
// its cash to the portfolio and drops its algorithms and history.
func (o *Orchestrator) DeleteBot(ctx context.Context, botID string) error {
	release, err := o.lockBot(ctx, botID)
	if err != nil {
		return err
	}
	if err := o.bots.CheckDeletable(botID); err != nil {
		release()
		return err
	}
	l, err := o.ledgerOf(botID)
	if err != nil {
		release()
		return err
	}
	// Holdings are closed, so any remaining mark is stale.
	l.Mark(botID, decimal.Zero)
	bot, err := o.bots.Delete(botID)
	if err != nil {
		release()
		return err
	}
	cash, err := l.Release(botID)
	if err != nil {
		o.log.Error().Err(err).Str("bot_id", botID).Msg("failed to release allocation of deleted bot")
	}
	algos := o.algos.DeleteBot(botID)
	o.recorder.Forget(botID)
	release()

	o.runner.Stop(botID)
	o.runner.Forget(botID)
	o.mu.Lock()
	delete(o.owners, botID)
	delete(o.series, botID)
	o.mu.Unlock()

	o.journalErr("delete_bot", o.journal.DeleteBot(context.WithoutCancel(ctx), botID))
	o.savePortfolio(ctx, bot.PortfolioID)
	log := logging.WithBot(o.log, botID)
	log.Info().Str("released_cash", cash.String()).Int("algorithms", len(algos)).Msg("bot deleted")
	o.publish(bot.PortfolioID, botID, models.EventBotStatusChanged, map[string]any{
		"from": string(bot.Status), "to": "deleted", "reason": "deleted", "released_cash": cash.String(),
	})
	return nil
}
