package orchestrator

import (
	"context"

	"portfolio-orchestrator/internal/broker"
	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/execution"
	"portfolio-orchestrator/internal/holdings"
	"portfolio-orchestrator/internal/ledger"
	"portfolio-orchestrator/internal/logging"
	"portfolio-orchestrator/internal/models"
	"portfolio-orchestrator/internal/runner"
	"portfolio-orchestrator/pkg/utils"
)

// host is the orchestrator as seen from the bot loops.
type host struct{ o *Orchestrator }

var _ runner.Host = host{}

func (h host) BotState(botID string) (models.BotStatus, bool, error) {
	return h.o.bots.Status(botID)
}

func (h host) Algorithms(botID string) []*models.AlgorithmConfig {
	return h.o.algos.Enabled(botID)
}

func (h host) Book(botID string) holdings.Book {
	return h.o.recorder.Book(botID)
}

func (h host) Account(botID string) (ledger.Allocation, bool) {
	l, err := h.o.ledgerOf(botID)
	if err != nil {
		return ledger.Allocation{}, false
	}
	return l.Allocation(botID)
}

// Submit records a pending execution for sig under the bot's boundary, then
// sends the order with the boundary released. The fill settles it later.
func (h host) Submit(ctx context.Context, botID string, sig models.Signal) error {
	o := h.o
	typ := models.ExecutionBuy
	if sig.Action == models.SignalSell {
		typ = models.ExecutionSell
	}

	release, err := o.locks.Acquire(ctx, botID)
	if err != nil {
		return err
	}
	status, divesting, err := o.bots.Status(botID)
	if err != nil {
		release()
		return err
	}
	if divesting || status != models.BotRunning {
		release()
		return apperrors.NewInvariantError(apperrors.ErrInvalidTransition, "submit", 0, 0,
			"bot "+botID+" is "+string(status)+", not submitting")
	}
	if typ == models.ExecutionBuy {
		need := sig.Quantity.Mul(sig.Price)
		if avail := o.spendable(botID); need.GreaterThan(avail) {
			release()
			return apperrors.NewInvariantError(apperrors.ErrInsufficientFunds, "bot_cash",
				need.InexactFloat64(), avail.InexactFloat64(), "signal exceeds the bot's uncommitted cash")
		}
	}
	e, err := o.recorder.Record(botID, execution.Draft{
		AlgorithmID: sig.AlgorithmID,
		Type:        typ,
		Symbol:      sig.Symbol,
		Quantity:    sig.Quantity,
		Price:       sig.Price,
	})
	if err == nil {
		o.saveExecution(ctx, e)
	}
	release()
	if err != nil {
		return err
	}

	log := logging.WithExecution(logging.WithBot(o.log, botID), e.ID)
	log.Info().Str("symbol", e.Symbol).Str("side", string(e.Side())).Str("quantity", e.Quantity.String()).
		Str("reason", sig.Reason).Msg("submitting order")

	orderID, err := utils.RetryWithResult(ctx, o.opts.SubmitRetry, func() (string, error) {
		return o.orders.SubmitOrder(ctx, broker.Order{
			ExecutionID: e.ID,
			BotID:       botID,
			Symbol:      e.Symbol,
			Side:        e.Side(),
			Quantity:    e.Quantity,
			Tag:         e.AlgorithmID,
		})
	})
	if err != nil {
		o.failSubmission(ctx, botID, e.ID, err)
		if apperrors.KindOf(err) == apperrors.KindOperational {
			return apperrors.NewFaultError("broker", "order submission failed", err)
		}
		return err
	}

	release, err = o.lockBotDetached(ctx, botID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("order sent but not linked")
		return nil
	}
	defer release()
	if err := o.recorder.AttachOrder(e.ID, orderID); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("failed to link order")
		return nil
	}
	if current, err := o.recorder.Get(e.ID); err == nil {
		o.saveExecution(ctx, current)
	}
	return nil
}

// failSubmission settles an execution whose order never reached the broker.
func (o *Orchestrator) failSubmission(ctx context.Context, botID, executionID string, cause error) {
	release, err := o.lockBotDetached(ctx, botID)
	if err != nil {
		o.log.Error().Err(err).Str("execution_id", executionID).Msg("failed execution left pending")
		return
	}
	defer release()
	e, err := o.recorder.Settle(executionID, models.Settlement{
		Status:     models.ExecutionFailed,
		Error:      cause.Error(),
		ExecutedAt: o.now(),
	})
	if err != nil {
		o.log.Error().Err(err).Str("execution_id", executionID).Msg("failed to settle rejected order")
		return
	}
	o.settled(ctx, botID, e)
}

func (h host) Mark(ctx context.Context, botID string, quotes map[string]models.Quote) {
	h.o.mark(ctx, botID, quotes)
}

func (h host) Fault(ctx context.Context, botID, reason string) {
	h.o.fault(ctx, botID, reason)
}
