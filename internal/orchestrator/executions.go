package orchestrator

import (
	"context"

	"github.com/shopspring/decimal"

	"portfolio-orchestrator/internal/broker"
	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/execution"
	"portfolio-orchestrator/internal/logging"
	"portfolio-orchestrator/internal/models"
	"portfolio-orchestrator/pkg/utils"
)

// RecordExecution appends a pending execution to a bot's ledger. Its outcome
// arrives later through SettleExecution.
func (o *Orchestrator) RecordExecution(ctx context.Context, botID string, d execution.Draft) (models.BotExecution, error) {
	release, err := o.lockBot(ctx, botID)
	if err != nil {
		return models.BotExecution{}, err
	}
	defer release()
	if err := o.checkAttribution(botID, d.AlgorithmID); err != nil {
		return models.BotExecution{}, err
	}
	e, err := o.recorder.Record(botID, d)
	if err != nil {
		return models.BotExecution{}, err
	}
	o.saveExecution(ctx, e)
	return e, nil
}

// RecordSettled appends an execution and settles it in one step, for trades
// filled outside the orchestrator. If the settlement is rejected the execution
// is kept as failed with the reason.
func (o *Orchestrator) RecordSettled(ctx context.Context, botID string, d execution.Draft, s models.Settlement) (models.BotExecution, error) {
	release, err := o.lockBot(ctx, botID)
	if err != nil {
		return models.BotExecution{}, err
	}
	defer release()
	if err := o.checkAttribution(botID, d.AlgorithmID); err != nil {
		return models.BotExecution{}, err
	}
	e, err := o.recorder.Record(botID, d)
	if err != nil {
		return models.BotExecution{}, err
	}
	settledExec, err := o.recorder.Settle(e.ID, s)
	if err != nil {
		if failed, ferr := o.recorder.Settle(e.ID, models.Settlement{Status: models.ExecutionFailed, Error: err.Error(), ExecutedAt: s.ExecutedAt}); ferr == nil {
			o.settled(ctx, botID, failed)
		}
		return models.BotExecution{}, err
	}
	o.settled(ctx, botID, settledExec)
	return settledExec, nil
}

func (o *Orchestrator) checkAttribution(botID, algorithmID string) error {
	if algorithmID == "" {
		return nil
	}
	cfg, err := o.algos.Get(algorithmID)
	if err != nil {
		return err
	}
	if cfg.BotID != botID {
		return apperrors.NewValidationError("algorithm_id", algorithmID, "algorithm belongs to another bot")
	}
	return nil
}

// SettleExecution applies an outcome to a pending execution. A rejected
// settlement leaves the execution pending.
func (o *Orchestrator) SettleExecution(ctx context.Context, executionID string, s models.Settlement) (models.BotExecution, error) {
	botID, ok := o.recorder.BotOf(executionID)
	if !ok {
		return models.BotExecution{}, apperrors.Wrapf(apperrors.ErrExecutionNotFound, "execution %s", executionID)
	}
	release, err := o.locks.Acquire(ctx, botID)
	if err != nil {
		return models.BotExecution{}, err
	}
	defer release()
	e, err := o.recorder.Settle(executionID, s)
	if err != nil {
		return models.BotExecution{}, err
	}
	o.settled(ctx, botID, e)
	return e, nil
}

// HandleFill settles the execution behind a broker fill. A fill the ledger
// cannot apply, for example a buy the bot's cash no longer covers, settles the
// execution as failed with the reason.
func (o *Orchestrator) HandleFill(f broker.Fill) {
	ctx := context.Background()
	log := logging.WithExecution(o.log, f.ExecutionID)
	botID, ok := o.recorder.BotOf(f.ExecutionID)
	if !ok {
		log.Warn().Str("order_id", f.OrderID).Msg("fill for unknown execution")
		return
	}

	retry := o.opts.SubmitRetry
	retry.Retryable = func(err error) bool { return apperrors.KindOf(err) == apperrors.KindConflict }
	err := utils.Retry(ctx, retry, func() error {
		release, err := o.locks.Acquire(ctx, botID)
		if err != nil {
			return err
		}
		defer release()

		e, err := o.recorder.Settle(f.ExecutionID, f.Settlement())
		if err != nil && !apperrors.Is(err, apperrors.ErrExecutionSettled) && !apperrors.Is(err, apperrors.ErrExecutionNotFound) {
			log.Warn().Err(err).Msg("fill rejected by ledger, failing execution")
			e, err = o.recorder.Settle(f.ExecutionID, models.Settlement{
				Status:     models.ExecutionFailed,
				Error:      err.Error(),
				ExecutedAt: f.ExecutedAt,
			})
		}
		if err != nil {
			return err
		}
		o.settled(ctx, botID, e)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", f.OrderID).Msg("failed to settle fill")
	}
}

// settled journals and publishes a settled execution. Called with the bot's
// boundary held so the journal sees settlements in ledger order.
func (o *Orchestrator) settled(ctx context.Context, botID string, e models.BotExecution) {
	pf := o.portfolioOf(botID)
	trade := e.Status == models.ExecutionCompleted && e.IsTrade()
	o.saveExecution(ctx, e)
	logging.LogSettlement(logging.WithBot(o.log, botID), e.ID, e.Symbol, string(e.Type), string(e.Status),
		e.Quantity.String(), e.Price.String())

	data := map[string]any{
		"execution_id":   e.ID,
		"execution_type": string(e.Type),
		"symbol":         e.Symbol,
		"quantity":       e.Quantity.String(),
		"price":          e.Price.String(),
		"total_value":    e.TotalValue.String(),
		"status":         string(e.Status),
		"synthetic":      e.Synthetic,
	}
	if e.AlgorithmID != "" {
		data["algorithm_id"] = e.AlgorithmID
	}
	if e.ErrorMessage != "" {
		data["error"] = e.ErrorMessage
	}
	o.publish(pf, botID, models.EventExecutionSettled, data)

	if !trade {
		return
	}
	o.saveAllocation(ctx, botID)
	o.savePortfolio(ctx, pf)
	if e.AlgorithmID != "" {
		o.refreshAlgorithm(ctx, botID, e.AlgorithmID)
	}
}

// Execution returns one execution.
func (o *Orchestrator) Execution(executionID string) (models.BotExecution, error) {
	return o.recorder.Get(executionID)
}

// Executions returns a bot's executions with seq greater than afterSeq, oldest
// first, at most limit when limit is positive.
func (o *Orchestrator) Executions(botID string, afterSeq int64, limit int) ([]models.BotExecution, error) {
	if _, err := o.bots.Get(botID); err != nil {
		return nil, err
	}
	return o.recorder.Since(botID, afterSeq, limit), nil
}

// Holdings returns a bot's positions marked to fresh quotes. Symbols whose
// quote fails are valued at their last fill and flagged stale.
func (o *Orchestrator) Holdings(ctx context.Context, botID string) ([]models.Holding, error) {
	if _, err := o.bots.Get(botID); err != nil {
		return nil, err
	}
	book := o.recorder.Book(botID)
	quotes := map[string]models.Quote{}
	if symbols := book.OpenSymbols(); len(symbols) > 0 {
		var failed map[string]error
		quotes, failed = o.quotes.GetQuotes(ctx, symbols)
		o.rememberQuotes(quotes)
		log := logging.WithBot(o.log, botID)
		for sym, err := range failed {
			log.Debug().Err(err).Str("symbol", sym).Msg("holding priced at last fill")
		}
	}
	return book.Snapshot(o.portfolioOf(botID), botID, quotes), nil
}

// spendable is the bot's cash not yet committed to pending buys.
func (o *Orchestrator) spendable(botID string) decimal.Decimal {
	l, err := o.ledgerOf(botID)
	if err != nil {
		return decimal.Zero
	}
	a, ok := l.Allocation(botID)
	if !ok {
		return decimal.Zero
	}
	cash := a.Cash
	for _, e := range o.recorder.Pending(botID) {
		if e.Type == models.ExecutionBuy {
			cash = cash.Sub(e.TotalValue)
		}
	}
	return cash
}
