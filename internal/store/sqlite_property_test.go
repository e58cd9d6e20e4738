package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"portfolio-orchestrator/internal/ledger"
	"portfolio-orchestrator/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedBot(t *testing.T, s Journal, portfolioID, botID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	if err := s.SavePortfolio(ctx, models.Portfolio{
		ID: portfolioID, Owner: "owner", AvailableCash: decimal.RequireFromString("6000.50"),
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("SavePortfolio: %v", err)
	}
	if err := s.SaveBot(ctx, models.TradingBot{
		ID: botID, PortfolioID: portfolioID, Name: "bot " + botID, Status: models.BotError,
		FaultReason: "quotes down", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("SaveBot: %v", err)
	}
}

// Property: an execution saved as pending and then settled is loaded back
// with exact decimal fields and its final status.
func TestProperty_ExecutionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	seedBot(t, store, "pf", "bot")

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	seq := int64(0)
	properties.Property("save then settle then load preserves the execution", prop.ForAll(
		func(qtyMilli int64, priceCents int64, status string, sell bool) bool {
			ctx := context.Background()
			seq++
			qty := decimal.New(qtyMilli, -3)
			price := decimal.New(priceCents, -2)
			exec := models.BotExecution{
				ID:        fmt.Sprintf("exec-%d", seq),
				Seq:       seq,
				BotID:     "bot",
				Type:      models.ExecutionBuy,
				Symbol:    "AAPL",
				Quantity:  qty,
				Price:     price,
				Status:    models.ExecutionPending,
				CreatedAt: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC),
			}
			if sell {
				exec.Type = models.ExecutionSell
			}
			if err := store.SaveExecution(ctx, exec); err != nil {
				t.Logf("save: %v", err)
				return false
			}

			executedAt := exec.CreatedAt.Add(time.Second)
			exec.Status = models.ExecutionStatus(status)
			exec.TotalValue = qty.Mul(price)
			exec.ExecutedAt = &executedAt
			exec.BrokerOrderID = "PAPER_" + exec.ID
			if err := store.SaveExecution(ctx, exec); err != nil {
				t.Logf("settle: %v", err)
				return false
			}

			state, err := store.LoadState(ctx, 0)
			if err != nil || len(state.Portfolios) != 1 {
				t.Logf("load: %v", err)
				return false
			}
			execs := state.Portfolios[0].Executions["bot"]
			got := execs[len(execs)-1]
			return got.ID == exec.ID &&
				got.Seq == seq &&
				got.Type == exec.Type &&
				got.Status == exec.Status &&
				got.Quantity.Equal(qty) &&
				got.Price.Equal(price) &&
				got.TotalValue.Equal(exec.TotalValue) &&
				got.BrokerOrderID == exec.BrokerOrderID &&
				got.ExecutedAt != nil && got.ExecutedAt.Equal(executedAt)
		},
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(1, 10_000_000),
		gen.OneConstOf("completed", "failed", "cancelled"),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property: RecentEvents returns the newest limit events, oldest first.
func TestProperty_RecentEventsWindow(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	run := 0
	properties.Property("recent events window", prop.ForAll(
		func(published int, limit int) bool {
			store := newTestStore(t)
			ctx := context.Background()
			run++
			pf := fmt.Sprintf("pf-%d", run)
			for i := 1; i <= published; i++ {
				if err := store.AppendEvent(ctx, models.Event{
					Seq: int64(i), Type: models.EventAllocationChanged, PortfolioID: pf, BotID: "b",
					Data: map[string]any{"allocated_percentage": "40"}, Timestamp: time.Now().UTC(),
				}); err != nil {
					return false
				}
			}
			events, err := store.RecentEvents(ctx, pf, limit)
			if err != nil {
				return false
			}
			want := published
			if limit < want {
				want = limit
			}
			if len(events) != want {
				return false
			}
			for i, ev := range events {
				if ev.Seq != int64(published-want+1+i) || ev.Data["allocated_percentage"] != "40" {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 30),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

func TestLoadStateRestoresPortfolio(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedBot(t, store, "pf", "bot")

	alloc := ledger.Allocation{
		BotID:         "bot",
		Percentage:    decimal.NewFromInt(40),
		Amount:        decimal.NewFromInt(4000),
		Cash:          decimal.RequireFromString("3000.25"),
		HoldingsValue: decimal.RequireFromString("1010.10"),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := store.SaveAllocation(ctx, "pf", alloc); err != nil {
		t.Fatal(err)
	}
	cfg := models.AlgorithmConfig{
		ID: "algo", BotID: "bot", Name: "trend", Type: models.AlgoTrendFollowing,
		Symbols: []string{"AAPL"}, Enabled: true, Version: 3,
		Parameters: models.Parameters{"fast_period": 10.0, "use_volume": true},
	}
	if err := store.SaveAlgorithm(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 5; i++ {
		if err := store.AppendEvent(ctx, models.Event{Seq: i, Type: models.EventBotStatusChanged, PortfolioID: "pf", Timestamp: time.Now().UTC()}); err != nil {
			t.Fatal(err)
		}
	}

	state, err := store.LoadState(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Portfolios) != 1 {
		t.Fatalf("portfolios = %d", len(state.Portfolios))
	}
	ps := state.Portfolios[0]
	if !ps.Portfolio.AvailableCash.Equal(decimal.RequireFromString("6000.50")) {
		t.Errorf("available cash = %s", ps.Portfolio.AvailableCash)
	}
	if len(ps.Bots) != 1 || ps.Bots[0].Status != models.BotError || ps.Bots[0].FaultReason != "quotes down" {
		t.Errorf("bots = %+v", ps.Bots)
	}
	if len(ps.Allocations) != 1 || !ps.Allocations[0].Cash.Equal(alloc.Cash) || !ps.Allocations[0].HoldingsValue.Equal(alloc.HoldingsValue) {
		t.Errorf("allocations = %+v", ps.Allocations)
	}
	if len(ps.Algorithms) != 1 || ps.Algorithms[0].Parameters.Float("fast_period", 0) != 10 || !ps.Algorithms[0].Parameters.Bool("use_volume", false) {
		t.Errorf("algorithms = %+v", ps.Algorithms)
	}
	if ps.LastSeq != 5 || len(ps.Events) != 2 || ps.Events[0].Seq != 4 {
		t.Errorf("events = %+v last = %d", ps.Events, ps.LastSeq)
	}
}

func TestDeleteBotRemovesDependentRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedBot(t, store, "pf", "bot")
	_ = store.SaveAllocation(ctx, "pf", ledger.Allocation{BotID: "bot", UpdatedAt: time.Now()})
	_ = store.SaveAlgorithm(ctx, models.AlgorithmConfig{ID: "algo", BotID: "bot"})
	_ = store.SaveExecution(ctx, models.BotExecution{ID: "e1", Seq: 1, BotID: "bot", Type: models.ExecutionAnalysis, Status: models.ExecutionCompleted, CreatedAt: time.Now()})

	if err := store.DeleteBot(ctx, "bot"); err != nil {
		t.Fatal(err)
	}
	state, err := store.LoadState(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	ps := state.Portfolios[0]
	if len(ps.Bots)+len(ps.Allocations)+len(ps.Algorithms)+len(ps.Executions) != 0 {
		t.Errorf("leftovers: %+v", ps)
	}
}

func TestWriterDrainsInOrderOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	inner, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	w := NewWriter(inner, WriterConfig{QueueSize: 8}, zerolog.Nop())
	ctx := context.Background()

	seedBot(t, w, "pf", "bot")
	for i := int64(1); i <= 50; i++ {
		if err := w.AppendEvent(ctx, models.Event{Seq: i, Type: models.EventPerformanceUpdated, PortfolioID: "pf", Timestamp: time.Now().UTC()}); err != nil {
			t.Fatal(err)
		}
	}
	// The later upsert must win.
	_ = w.SaveBot(ctx, models.TradingBot{ID: "bot", PortfolioID: "pf", Name: "renamed", Status: models.BotStopped, CreatedAt: time.Now(), UpdatedAt: time.Now()})

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.AppendEvent(ctx, models.Event{Seq: 51, PortfolioID: "pf"}); err != nil {
		t.Errorf("write after close returned %v", err)
	}
	if st := w.Status(); st.Failed != 0 || st.Written != 53 || st.Pending != 0 {
		t.Errorf("status = %+v", st)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	state, err := reopened.LoadState(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	ps := state.Portfolios[0]
	if ps.LastSeq != 50 || len(ps.Events) != 50 {
		t.Errorf("events = %d last = %d", len(ps.Events), ps.LastSeq)
	}
	if ps.Bots[0].Name != "renamed" {
		t.Errorf("bot = %+v", ps.Bots[0])
	}
}
