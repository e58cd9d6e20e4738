// Package cli provides the command-line interface for the orchestrator.
package cli

import (
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"portfolio-orchestrator/internal/config"
	"portfolio-orchestrator/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI. Configuration is loaded
// lazily so --config takes effect.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Bot portfolio allocation and lifecycle engine",
		Long: `orchestrator runs many trading bots against one portfolio.

Each bot receives a percentage of the portfolio's cash, runs its algorithms on
a schedule, and reports executions, holdings and performance. Commands reach the
engine through the REST API started by 'orchestrator serve'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			app.ConfigDir = dir
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			app.Config = cfg

			logCfg := cfg.Logging()
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logCfg.Level = "debug"
			}
			if logCfg.FilePath == "" {
				logCfg.FilePath = filepath.Join(dir, "logs", "orchestrator.log")
			}
			app.Logger = logging.NewLoggerWithConfig(logCfg)
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/portfolio-orchestrator)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newTemplatesCmd(app))
	rootCmd.AddCommand(newJournalCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Version needs no configuration.
		PersistentPreRun: func(*cobra.Command, []string) {},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("orchestrator v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": app.ConfigDir})
			}
			output.Println(filepath.Join(app.ConfigDir, "config.toml"))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Server")
	output.Printf("  Address:          %s\n", cfg.Server.Addr)
	output.Printf("  Timeouts:         read %s, write %s\n", cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	output.Println()

	output.Bold("Engine")
	output.Printf("  Eval Interval:    %s\n", cfg.Engine.EvaluationInterval)
	output.Printf("  Lock Wait:        %s\n", cfg.Engine.LockWait)
	output.Printf("  Price History:    %d\n", cfg.Engine.PriceHistory)
	output.Printf("  Quote Failures:   %d\n", cfg.Engine.QuoteFailureLimit)
	output.Println()

	output.Bold("Performance")
	output.Printf("  Sharpe Lookback:  %d\n", cfg.Performance.SharpeLookback)
	output.Printf("  Annualization:    %.2f\n", cfg.Performance.AnnualizationRate)
	output.Printf("  Max Samples:      %d\n", cfg.Performance.MaxSamples)
	output.Println()

	output.Bold("Quotes")
	output.Printf("  Rate:             %.1f/s (burst %d)\n", cfg.Quotes.RatePerSecond, cfg.Quotes.Burst)
	output.Printf("  Breaker:          %d failures, open %s\n", cfg.Quotes.FailureThreshold, cfg.Quotes.OpenTimeout)
	output.Println()

	output.Bold("Store")
	output.Printf("  Enabled:          %v\n", cfg.Store.Enabled)
	output.Printf("  Path:             %s\n", cfg.Store.Path)
	output.Println()

	output.Bold("Paper Broker")
	output.Printf("  Initial Cash:     %.2f\n", cfg.Paper.InitialCash)
	output.Printf("  Symbols:          %v\n", cfg.Paper.Symbols)
	output.Printf("  Fill Latency:     %s\n", cfg.Paper.FillLatency)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Level:            %s\n", orDefault(cfg.Notify.Level, "all"))
	output.Printf("  Webhook:          %v\n", cfg.Notify.Webhook.Enabled)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
