package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"portfolio-orchestrator/internal/ledger"
	"portfolio-orchestrator/internal/models"
)

// SQLiteStore implements Journal using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Journal = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the journal database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Capital pools
	CREATE TABLE IF NOT EXISTS portfolios (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		available_cash TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Bot records; divesting is transient and never persisted
	CREATE TABLE IF NOT EXISTS bots (
		id TEXT PRIMARY KEY,
		portfolio_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		fault_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Cash sub-accounts; decimals are stored as text to keep them exact
	CREATE TABLE IF NOT EXISTS allocations (
		bot_id TEXT PRIMARY KEY,
		portfolio_id TEXT NOT NULL,
		percentage TEXT NOT NULL,
		amount TEXT NOT NULL,
		cash TEXT NOT NULL,
		holdings_value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Algorithm snapshots as JSON
	CREATE TABLE IF NOT EXISTS algorithms (
		id TEXT PRIMARY KEY,
		bot_id TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Append-only execution ledger; only status fields are ever updated
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		bot_id TEXT NOT NULL,
		algorithm_id TEXT NOT NULL DEFAULT '',
		execution_type TEXT NOT NULL,
		symbol TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price TEXT NOT NULL,
		total_value TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		broker_order_id TEXT NOT NULL DEFAULT '',
		synthetic INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		executed_at DATETIME
	);

	-- Per-portfolio event log
	CREATE TABLE IF NOT EXISTS events (
		portfolio_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		bot_id TEXT NOT NULL DEFAULT '',
		data TEXT,
		timestamp DATETIME NOT NULL,
		PRIMARY KEY (portfolio_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_bots_portfolio ON bots(portfolio_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_portfolio ON allocations(portfolio_id);
	CREATE INDEX IF NOT EXISTS idx_algorithms_bot ON algorithms(bot_id);
	CREATE INDEX IF NOT EXISTS idx_executions_bot_seq ON executions(bot_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Write Methods
// ============================================================================

// SavePortfolio upserts a portfolio.
func (s *SQLiteStore) SavePortfolio(ctx context.Context, p models.Portfolio) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO portfolios (id, owner, available_cash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Owner, p.AvailableCash.String(), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save portfolio: %w", err)
	}
	return nil
}

// SaveBot upserts a bot record.
func (s *SQLiteStore) SaveBot(ctx context.Context, b models.TradingBot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO bots (id, portfolio_id, name, description, status, fault_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.PortfolioID, b.Name, b.Description, string(b.Status), b.FaultReason, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save bot: %w", err)
	}
	return nil
}

// DeleteBot removes a bot together with its allocation, algorithms and executions.
func (s *SQLiteStore) DeleteBot(ctx context.Context, botID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM executions WHERE bot_id = ?",
		"DELETE FROM algorithms WHERE bot_id = ?",
		"DELETE FROM allocations WHERE bot_id = ?",
		"DELETE FROM bots WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, botID); err != nil {
			return fmt.Errorf("failed to delete bot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveAllocation upserts a bot's ledger entry.
func (s *SQLiteStore) SaveAllocation(ctx context.Context, portfolioID string, a ledger.Allocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO allocations (bot_id, portfolio_id, percentage, amount, cash, holdings_value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.BotID, portfolioID, a.Percentage.String(), a.Amount.String(), a.Cash.String(), a.HoldingsValue.String(), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save allocation: %w", err)
	}
	return nil
}

// SaveAlgorithm upserts an algorithm snapshot.
func (s *SQLiteStore) SaveAlgorithm(ctx context.Context, cfg models.AlgorithmConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal algorithm: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO algorithms (id, bot_id, data, updated_at)
		VALUES (?, ?, ?, ?)
	`, cfg.ID, cfg.BotID, string(data), cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save algorithm: %w", err)
	}
	return nil
}

// DeleteAlgorithm removes an algorithm snapshot.
func (s *SQLiteStore) DeleteAlgorithm(ctx context.Context, algorithmID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM algorithms WHERE id = ?", algorithmID); err != nil {
		return fmt.Errorf("failed to delete algorithm: %w", err)
	}
	return nil
}

// SaveExecution inserts an execution or updates its settlement fields.
func (s *SQLiteStore) SaveExecution(ctx context.Context, e models.BotExecution) error {
	synthetic := 0
	if e.Synthetic {
		synthetic = 1
	}
	var executedAt sql.NullTime
	if e.ExecutedAt != nil {
		executedAt = sql.NullTime{Time: *e.ExecutedAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, seq, bot_id, algorithm_id, execution_type, symbol, quantity, price, total_value, status, error_message, broker_order_id, synthetic, created_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			quantity = excluded.quantity,
			price = excluded.price,
			total_value = excluded.total_value,
			status = excluded.status,
			error_message = excluded.error_message,
			broker_order_id = excluded.broker_order_id,
			executed_at = excluded.executed_at
	`, e.ID, e.Seq, e.BotID, e.AlgorithmID, string(e.Type), e.Symbol, e.Quantity.String(), e.Price.String(), e.TotalValue.String(),
		string(e.Status), e.ErrorMessage, e.BrokerOrderID, synthetic, e.CreatedAt, executedAt)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// AppendEvent stores one event of a portfolio's log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (portfolio_id, seq, type, bot_id, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.PortfolioID, ev.Seq, string(ev.Type), ev.BotID, string(data), ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ============================================================================
// Restore
// ============================================================================

// LoadState reads every portfolio with its bots, allocations, algorithms,
// executions and the last replayLimit events.
func (s *SQLiteStore) LoadState(ctx context.Context, replayLimit int) (*State, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, owner, available_cash, created_at, updated_at FROM portfolios ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolios: %w", err)
	}
	var portfolios []models.Portfolio
	for rows.Next() {
		var p models.Portfolio
		var cash string
		if err := rows.Scan(&p.ID, &p.Owner, &cash, &p.CreatedAt, &p.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}
		if p.AvailableCash, err = decimal.NewFromString(cash); err != nil {
			rows.Close()
			return nil, fmt.Errorf("invalid available cash for portfolio %s: %w", p.ID, err)
		}
		portfolios = append(portfolios, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	state := &State{}
	for _, p := range portfolios {
		ps := PortfolioState{Portfolio: p}
		if ps.Bots, err = s.loadBots(ctx, p.ID); err != nil {
			return nil, err
		}
		if ps.Allocations, err = s.loadAllocations(ctx, p.ID); err != nil {
			return nil, err
		}
		if ps.Algorithms, err = s.loadAlgorithms(ctx, p.ID); err != nil {
			return nil, err
		}
		if ps.Executions, err = s.loadExecutions(ctx, p.ID); err != nil {
			return nil, err
		}
		if ps.Events, err = s.RecentEvents(ctx, p.ID, replayLimit); err != nil {
			return nil, err
		}
		if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM events WHERE portfolio_id = ?", p.ID).Scan(&ps.LastSeq); err != nil {
			return nil, fmt.Errorf("failed to read last seq: %w", err)
		}
		state.Portfolios = append(state.Portfolios, ps)
	}
	return state, nil
}

func (s *SQLiteStore) loadBots(ctx context.Context, portfolioID string) ([]models.TradingBot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, portfolio_id, name, description, status, fault_reason, created_at, updated_at
		FROM bots WHERE portfolio_id = ? ORDER BY created_at
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bots: %w", err)
	}
	defer rows.Close()

	var bots []models.TradingBot
	for rows.Next() {
		var b models.TradingBot
		var status string
		if err := rows.Scan(&b.ID, &b.PortfolioID, &b.Name, &b.Description, &status, &b.FaultReason, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bot: %w", err)
		}
		b.Status = models.BotStatus(status)
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (s *SQLiteStore) loadAllocations(ctx context.Context, portfolioID string) ([]ledger.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_id, percentage, amount, cash, holdings_value, updated_at
		FROM allocations WHERE portfolio_id = ? ORDER BY bot_id
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var allocs []ledger.Allocation
	for rows.Next() {
		var a ledger.Allocation
		var pct, amount, cash, held string
		if err := rows.Scan(&a.BotID, &pct, &amount, &cash, &held, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		if err := parseDecimals([]string{pct, amount, cash, held}, &a.Percentage, &a.Amount, &a.Cash, &a.HoldingsValue); err != nil {
			return nil, fmt.Errorf("invalid allocation for bot %s: %w", a.BotID, err)
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func (s *SQLiteStore) loadAlgorithms(ctx context.Context, portfolioID string) ([]models.AlgorithmConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.data FROM algorithms a JOIN bots b ON b.id = a.bot_id
		WHERE b.portfolio_id = ? ORDER BY a.bot_id, a.id
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query algorithms: %w", err)
	}
	defer rows.Close()

	var configs []models.AlgorithmConfig
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan algorithm: %w", err)
		}
		var cfg models.AlgorithmConfig
		if err := json.Unmarshal([]byte(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode algorithm: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *SQLiteStore) loadExecutions(ctx context.Context, portfolioID string) (map[string][]models.BotExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.seq, e.bot_id, e.algorithm_id, e.execution_type, e.symbol, e.quantity, e.price, e.total_value,
			e.status, e.error_message, e.broker_order_id, e.synthetic, e.created_at, e.executed_at
		FROM executions e JOIN bots b ON b.id = e.bot_id
		WHERE b.portfolio_id = ? ORDER BY e.bot_id, e.seq
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.BotExecution)
	for rows.Next() {
		var e models.BotExecution
		var typ, status, qty, price, total string
		var synthetic int
		var executedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.Seq, &e.BotID, &e.AlgorithmID, &typ, &e.Symbol, &qty, &price, &total,
			&status, &e.ErrorMessage, &e.BrokerOrderID, &synthetic, &e.CreatedAt, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if err := parseDecimals([]string{qty, price, total}, &e.Quantity, &e.Price, &e.TotalValue); err != nil {
			return nil, fmt.Errorf("invalid execution %s: %w", e.ID, err)
		}
		e.Type = models.ExecutionType(typ)
		e.Status = models.ExecutionStatus(status)
		e.Synthetic = synthetic == 1
		if executedAt.Valid {
			t := executedAt.Time
			e.ExecutedAt = &t
		}
		out[e.BotID] = append(out[e.BotID], e)
	}
	return out, rows.Err()
}

// RecentEvents returns up to limit most recent events of a portfolio, oldest first.
func (s *SQLiteStore) RecentEvents(ctx context.Context, portfolioID string, limit int) ([]models.Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, bot_id, data, timestamp FROM events
		WHERE portfolio_id = ? ORDER BY seq DESC LIMIT ?
	`, portfolioID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		ev := models.Event{PortfolioID: portfolioID}
		var typ string
		var data sql.NullString
		if err := rows.Scan(&ev.Seq, &typ, &ev.BotID, &data, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = models.EventType(typ)
		if data.Valid && data.String != "" && data.String != "null" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event %d: %w", ev.Seq, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func parseDecimals(raw []string, dst ...*decimal.Decimal) error {
	for i, r := range raw {
		d, err := decimal.NewFromString(r)
		if err != nil {
			return err
		}
		*dst[i] = d
	}
	return nil
}
