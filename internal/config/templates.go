package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Portfolio Orchestrator Configuration

[server]
# Listen address for the REST API and websocket stream
addr = ":8080"
read_timeout = "15s"
write_timeout = "15s"

[engine]
# How often each running bot evaluates its algorithms
evaluation_interval = "5s"
# Maximum wait for a bot's exclusive-access boundary before a conflict is reported
lock_wait = "2s"
# Number of recent quotes kept per symbol for strategy evaluation
price_history = 250
# Consecutive cycles with no usable quote before a bot is faulted
quote_failure_limit = 3

[performance]
# Number of most recent value samples used for the Sharpe ratio
sharpe_lookback = 30
# Multiplier applied to the per-sample Sharpe ratio (1 = not annualized)
annualization_factor = 1.0
# Value samples retained per bot
max_samples = 10000

[quotes]
rate_per_second = 20.0
burst = 40
timeout = "3s"
# Per-symbol circuit breaker
failure_threshold = 5
open_timeout = "30s"

[stream]
buffer_size = 1000
subscriber_buffer_size = 100
# Events retained per portfolio for reconnect replay
replay_capacity = 5000

[store]
enabled = true
# path = "/var/lib/portfolio-orchestrator/orchestrator.db"

[paper]
# Starting cash of the default portfolio
initial_cash = 10000.0
owner = "default"
fill_latency = "250ms"
volatility = 0.01
seed = 42
symbols = ["AAPL", "MSFT", "GOOGL", "AMZN", "TSLA"]

[notify]
# all, trades_only, errors_only
level = "errors_only"

[notify.webhook]
enabled = false
url = ""
timeout = "5s"

[log]
# debug, info, warn, error
level = "info"
console = true
file = true
max_size = 100
max_backups = 7
max_age = 30
`

func writeTemplate(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
