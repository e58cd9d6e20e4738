package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"portfolio-orchestrator/internal/api"
	"portfolio-orchestrator/internal/broker"
	"portfolio-orchestrator/internal/config"
	"portfolio-orchestrator/internal/logging"
	"portfolio-orchestrator/internal/notify"
	"portfolio-orchestrator/internal/orchestrator"
	"portfolio-orchestrator/internal/resilience"
	"portfolio-orchestrator/internal/store"
	"portfolio-orchestrator/internal/stream"
	"portfolio-orchestrator/pkg/utils"
)

func newServeCmd(app *App) *cobra.Command {
	var (
		addr      string
		memory    bool
		logEvents bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its REST and websocket API",
		Long: `Start the orchestrator against the paper broker.

State is journaled to SQLite and restored on the next start; bots that were
running come back stopped. Stop with Ctrl+C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *app.Config
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if memory {
				cfg.Store.Enabled = false
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, &cfg, app.Logger, NewOutput(cmd), logEvents)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&memory, "memory", false, "keep state in memory only")
	cmd.Flags().BoolVar(&logEvents, "print-events", false, "print every event to stdout")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger, output *Output, printEvents bool) error {
	paper := broker.NewPaperBroker(broker.PaperConfig{
		Symbols:     cfg.Paper.Symbols,
		Volatility:  cfg.Paper.Volatility,
		FillLatency: cfg.Paper.FillLatency,
		Seed:        cfg.Paper.Seed,
	})

	breaker := resilience.DefaultCircuitBreakerConfig()
	if cfg.Quotes.FailureThreshold > 0 {
		breaker.FailureThreshold = cfg.Quotes.FailureThreshold
	}
	if cfg.Quotes.OpenTimeout > 0 {
		breaker.Timeout = cfg.Quotes.OpenTimeout
	}
	quotes := resilience.NewGuardedQuotes(paper, resilience.QuoteGuardConfig{
		RatePerSecond: cfg.Quotes.RatePerSecond,
		Burst:         cfg.Quotes.Burst,
		Timeout:       cfg.Quotes.Timeout,
		Breaker:       breaker,
	})

	var journal store.Journal = store.Nop{}
	if cfg.Store.Enabled {
		db, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			paper.Close()
			return fmt.Errorf("failed to open journal: %w", err)
		}
		journal = store.NewWriter(db, store.DefaultWriterConfig(), logging.WithComponent(log, "journal"))
	}

	hub := stream.NewHubWithConfig(stream.HubConfig{
		BufferSize:           cfg.Stream.BufferSize,
		SubscriberBufferSize: cfg.Stream.SubscriberBufferSize,
		ReplayCapacity:       cfg.Stream.ReplayCapacity,
	})
	orch, err := orchestrator.New(orchestrator.Deps{
		Quotes:  quotes,
		Orders:  paper,
		Journal: journal,
		Hub:     hub,
	}, orchestrator.OptionsFromConfig(cfg), logging.WithComponent(log, "orchestrator"))
	if err != nil {
		paper.Close()
		_ = journal.Close()
		return err
	}
	paper.OnFill(orch.HandleFill)

	notifier := notify.NewMultiNotifier(cfg.Notify)
	if printEvents {
		notifier.AddChannel(notify.NewConsoleNotifier(os.Stdout))
	}
	var sink *notify.EventSink
	if notifier.HasChannels() {
		sink = notify.NewEventSink(notifier, logging.WithComponent(log, "notify"), 256)
		hub.RegisterSink(sink)
	}
	defer func() {
		// Fills stop before the engine closes its journal and hub.
		paper.Close()
		if err := orch.Close(); err != nil {
			log.Warn().Err(err).Msg("shutdown incomplete")
		}
		if sink != nil {
			sink.Close()
		}
	}()

	if err := orch.Restore(ctx); err != nil {
		return err
	}
	orch.Start(ctx)

	if len(orch.Portfolios()) == 0 && cfg.Paper.InitialCash > 0 {
		p, err := orch.CreatePortfolio(ctx, orDefault(cfg.Paper.Owner, "paper"), decimal.NewFromFloat(cfg.Paper.InitialCash))
		if err != nil {
			return err
		}
		output.Info("Created portfolio %s with %s", p.ID, utils.FormatCurrency(p.AvailableCash))
	}

	health := resilience.NewHealthMonitor()
	orch.RegisterHealth(health)
	srv := api.NewServer(orch, health, api.ConfigFrom(cfg), log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	output.Success("Serving on %s (paper broker, %d symbols)", cfg.Server.Addr, len(paper.Symbols()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	output.Dim("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
