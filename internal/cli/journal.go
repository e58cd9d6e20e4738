package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"portfolio-orchestrator/internal/ledger"
	"portfolio-orchestrator/internal/models"
	"portfolio-orchestrator/internal/store"
	"portfolio-orchestrator/pkg/utils"
)

// newJournalCmd reads the persisted journal directly, without a running server.
func newJournalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the persisted journal",
		Long:  "Read portfolios, bots, executions and events from the SQLite journal.",
	}

	cmd.AddCommand(newJournalShowCmd(app))
	cmd.AddCommand(newJournalExecutionsCmd(app))
	cmd.AddCommand(newJournalEventsCmd(app))

	return cmd
}

func openJournal(app *App) (*store.SQLiteStore, error) {
	if !app.Config.Store.Enabled {
		return nil, fmt.Errorf("store is disabled in %s", app.ConfigDir)
	}
	return store.NewSQLiteStore(app.Config.Store.Path)
}

func loadJournal(app *App) (*store.State, error) {
	db, err := openJournal(app)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return db.LoadState(ctx, 0)
}

func newJournalShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show portfolios and their bots",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			state, err := loadJournal(app)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(state.Portfolios)
			}
			if len(state.Portfolios) == 0 {
				output.Info("Journal is empty.")
				return nil
			}
			for _, ps := range state.Portfolios {
				renderPortfolio(output, ps)
				output.Println()
			}
			return nil
		},
	}
}

func renderPortfolio(output *Output, ps store.PortfolioState) {
	p := ps.Portfolio
	allocs := make(map[string]ledger.Allocation, len(ps.Allocations))
	for _, a := range ps.Allocations {
		allocs[a.BotID] = a
	}

	output.Bold("Portfolio %s (%s)", shortID(p.ID), p.Owner)
	output.Printf("  Available cash: %s\n", utils.FormatCurrency(p.AvailableCash))
	output.Printf("  Last event:     #%d\n", ps.LastSeq)
	if len(ps.Bots) == 0 {
		output.Dim("  No bots.")
		return
	}

	table := NewTable(output, "Bot", "Name", "Status", "Alloc %", "Allocated", "Cash", "Value", "P&L", "Executions")
	for _, b := range ps.Bots {
		a := allocs[b.ID]
		value := a.CurrentValue()
		table.AddRow(
			shortID(b.ID),
			b.Name,
			output.Status(b.Status),
			a.Percentage.StringFixed(2),
			utils.FormatCurrency(a.Amount),
			utils.FormatCurrency(a.Cash),
			utils.FormatCurrency(value),
			output.PnL(value.Sub(a.Amount)),
			fmt.Sprint(len(ps.Executions[b.ID])),
		)
	}
	table.Render()
}

func newJournalExecutionsCmd(app *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "executions <bot-id>",
		Short: "Show a bot's execution ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			state, err := loadJournal(app)
			if err != nil {
				return err
			}
			var execs []models.BotExecution
			for _, ps := range state.Portfolios {
				if e, ok := ps.Executions[args[0]]; ok {
					execs = e
					break
				}
			}
			if limit > 0 && len(execs) > limit {
				execs = execs[len(execs)-limit:]
			}
			if output.IsJSON() {
				return output.JSON(execs)
			}
			if len(execs) == 0 {
				output.Info("No executions for bot %s.", args[0])
				return nil
			}
			table := NewTable(output, "Seq", "Time", "Type", "Symbol", "Qty", "Price", "Total", "Status", "Note")
			for _, e := range execs {
				status := string(e.Status)
				switch e.Status {
				case models.ExecutionCompleted:
					status = output.paint(green, status)
				case models.ExecutionFailed:
					status = output.paint(red, status)
				case models.ExecutionPending:
					status = output.paint(yellow, status)
				}
				note := e.ErrorMessage
				if e.Synthetic {
					note = "divest"
				}
				table.AddRow(
					fmt.Sprint(e.Seq),
					formatTime(e.CreatedAt),
					string(e.Type),
					e.Symbol,
					utils.FormatQuantity(e.Quantity),
					utils.FormatCurrency(e.Price),
					utils.FormatCurrency(e.TotalValue),
					status,
					note,
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "show at most this many recent executions (0 for all)")
	return cmd
}

func newJournalEventsCmd(app *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <portfolio-id>",
		Short: "Show a portfolio's recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			db, err := openJournal(app)
			if err != nil {
				return err
			}
			defer db.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			events, err := db.RecentEvents(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(events)
			}
			if len(events) == 0 {
				output.Info("No events for portfolio %s.", args[0])
				return nil
			}
			table := NewTable(output, "Seq", "Time", "Type", "Bot", "Data")
			for _, ev := range events {
				table.AddRow(fmt.Sprint(ev.Seq), formatTime(ev.Timestamp), string(ev.Type), shortID(ev.BotID), fmt.Sprint(ev.Data))
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events to show")
	return cmd
}

func decimalOf(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
