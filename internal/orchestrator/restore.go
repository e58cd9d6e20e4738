package orchestrator

import (
	"context"
	"fmt"

	"portfolio-orchestrator/internal/ledger"
	"portfolio-orchestrator/internal/models"
	"portfolio-orchestrator/internal/resilience"
)

// Restore rebuilds in-memory state from the journal. It must run before any
// command. Bots that were running come back stopped, and executions that were
// still pending are cancelled since their orders did not survive the restart.
func (o *Orchestrator) Restore(ctx context.Context) error {
	state, err := o.journal.LoadState(ctx, o.opts.ReplayCapacity)
	if err != nil {
		return fmt.Errorf("failed to load journal: %w", err)
	}

	var bots, executions int
	for _, ps := range state.Portfolios {
		l := ledger.New(ps.Portfolio)
		l.Restore(ps.Portfolio.AvailableCash, ps.Allocations)

		o.mu.Lock()
		o.ledgers[ps.Portfolio.ID] = l
		for _, b := range ps.Bots {
			o.owners[b.ID] = ps.Portfolio.ID
		}
		o.mu.Unlock()

		for _, b := range ps.Bots {
			l.Open(b.ID)
			o.bots.Restore(b)
			if restored, err := o.bots.Get(b.ID); err == nil && restored.Status != b.Status {
				o.saveBot(ctx, restored)
			}
			bots++
		}
		for _, cfg := range ps.Algorithms {
			o.algos.Restore(cfg)
		}
		for _, botID := range sortedKeys(ps.Executions) {
			execs := ps.Executions[botID]
			if err := o.recorder.Restore(botID, execs); err != nil {
				return fmt.Errorf("failed to restore executions of bot %s: %w", botID, err)
			}
			executions += len(execs)
			o.cancelInterrupted(ctx, botID)
		}
		o.hub.Restore(ps.Portfolio.ID, ps.Events, ps.LastSeq)
	}

	o.log.Info().Int("portfolios", len(state.Portfolios)).Int("bots", bots).Int("executions", executions).Msg("state restored")
	return nil
}

func (o *Orchestrator) cancelInterrupted(ctx context.Context, botID string) {
	for _, e := range o.recorder.Pending(botID) {
		cancelled, err := o.recorder.Settle(e.ID, models.Settlement{
			Status:     models.ExecutionCancelled,
			Error:      "interrupted by restart",
			ExecutedAt: o.now(),
		})
		if err != nil {
			o.log.Warn().Err(err).Str("execution_id", e.ID).Msg("failed to cancel interrupted execution")
			continue
		}
		o.saveExecution(ctx, cancelled)
	}
}

// RegisterHealth adds the orchestrator's components to a health monitor.
func (o *Orchestrator) RegisterHealth(m *resilience.HealthMonitor) {
	m.RegisterComponent("journal", resilience.DatabaseHealthCheck(o.journal.Ping))
	if g, ok := o.quotes.(*resilience.GuardedQuotes); ok {
		m.RegisterComponent("quotes", resilience.BreakerHealthCheck(g.Breakers()))
	}
	m.RegisterComponent("bots", func(ctx context.Context) resilience.ComponentHealth {
		all := o.bots.List("")
		var faulted []string
		for _, b := range all {
			if b.Status == models.BotError {
				faulted = append(faulted, b.ID)
			}
		}
		h := resilience.ComponentHealth{
			Status: resilience.HealthStatusHealthy,
			Details: map[string]interface{}{
				"bots":    len(all),
				"running": len(o.runner.Running()),
				"faulted": faulted,
			},
		}
		if len(faulted) > 0 {
			h.Status = resilience.HealthStatusDegraded
			h.Message = fmt.Sprintf("%d bots in error", len(faulted))
		}
		return h
	})
}
