package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"portfolio-orchestrator/internal/algorithm"
	"portfolio-orchestrator/internal/broker"
	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/holdings"
	"portfolio-orchestrator/internal/ledger"
	"portfolio-orchestrator/internal/models"
)

type fakeHost struct {
	mu        sync.Mutex
	status    models.BotStatus
	divesting bool
	engine    *algorithm.Engine
	submitted []models.Signal
	submitErr error
	marks     int
	faults    []string
}

func (h *fakeHost) BotState(string) (models.BotStatus, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.divesting, nil
}

func (h *fakeHost) Algorithms(botID string) []*models.AlgorithmConfig { return h.engine.Enabled(botID) }

func (h *fakeHost) Book(string) holdings.Book {
	return holdings.Book{Positions: map[string]holdings.Position{}}
}

func (h *fakeHost) Account(botID string) (ledger.Allocation, bool) {
	return ledger.Allocation{BotID: botID, Amount: decimal.NewFromInt(4000), Cash: decimal.NewFromInt(4000)}, true
}

func (h *fakeHost) Submit(_ context.Context, _ string, sig models.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.submitted = append(h.submitted, sig)
	return h.submitErr
}

func (h *fakeHost) Mark(context.Context, string, map[string]models.Quote) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.marks++
}

func (h *fakeHost) Fault(_ context.Context, _ string, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = append(h.faults, reason)
	h.status = models.BotError
}

func (h *fakeHost) setStatus(s models.BotStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
}

func newHost(t *testing.T) *fakeHost {
	t.Helper()
	catalog, err := algorithm.LoadCatalog()
	if err != nil {
		t.Fatal(err)
	}
	return &fakeHost{status: models.BotRunning, engine: algorithm.NewEngine(catalog)}
}

func newPaper() *broker.PaperBroker {
	return broker.NewPaperBroker(broker.PaperConfig{Symbols: []string{"AAPL", "MSFT"}, Seed: 7})
}

func TestHotParameterUpdateSeenNextCycle(t *testing.T) {
	host := newHost(t)
	cfg, err := host.engine.Create("bot", algorithm.Draft{Type: models.AlgoTrendFollowing, Symbols: []string{"AAPL"}})
	if err != nil {
		t.Fatal(err)
	}

	r := New(host, newPaper(), Config{}, zerolog.Nop())
	var seen []float64
	r.evaluate = func(c algorithm.Context) models.Signal {
		seen = append(seen, c.Config.StopLoss)
		return models.Signal{Action: models.SignalHold}
	}

	ctx := context.Background()
	if err := r.Cycle(ctx, "bot"); err != nil {
		t.Fatal(err)
	}
	if _, err := host.engine.UpdateParameters(cfg.ID, map[string]any{"stop_loss": 0.05}); err != nil {
		t.Fatal(err)
	}
	if err := r.Cycle(ctx, "bot"); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 2 || seen[0] == 0.05 || seen[1] != 0.05 {
		t.Errorf("stop_loss per cycle = %v", seen)
	}
	if host.status != models.BotRunning || len(host.faults) != 0 {
		t.Errorf("status = %s faults = %v", host.status, host.faults)
	}
}

func TestCycleSubmitsActionableSignalsWithinBudget(t *testing.T) {
	host := newHost(t)
	if _, err := host.engine.Create("bot", algorithm.Draft{Type: models.AlgoDynamicDCA, Symbols: []string{"AAPL", "MSFT"}, PositionSize: 0.1}); err != nil {
		t.Fatal(err)
	}
	r := New(host, newPaper(), Config{}, zerolog.Nop())
	var budgets []decimal.Decimal
	r.evaluate = func(c algorithm.Context) models.Signal {
		budgets = append(budgets, c.Budget)
		return models.Signal{Action: models.SignalBuy, Symbol: c.Symbol, Quantity: decimal.NewFromInt(1), Price: c.Quote.Price}
	}

	if err := r.Cycle(context.Background(), "bot"); err != nil {
		t.Fatal(err)
	}
	if len(host.submitted) != 2 || host.marks != 1 {
		t.Fatalf("submitted = %d marks = %d", len(host.submitted), host.marks)
	}
	for _, b := range budgets {
		if !b.Equal(decimal.NewFromInt(400)) {
			t.Errorf("budget = %s, want 400", b)
		}
	}
}

func TestPausedBotIsMarkedButNotEvaluated(t *testing.T) {
	host := newHost(t)
	_, _ = host.engine.Create("bot", algorithm.Draft{Type: models.AlgoScalping, Symbols: []string{"AAPL"}})
	host.setStatus(models.BotPaused)

	r := New(host, newPaper(), Config{}, zerolog.Nop())
	r.evaluate = func(algorithm.Context) models.Signal {
		t.Fatal("paused bot evaluated")
		return models.Signal{}
	}
	if err := r.Cycle(context.Background(), "bot"); err != nil {
		t.Fatal(err)
	}
	if host.marks != 1 {
		t.Errorf("marks = %d", host.marks)
	}
}

func TestStoppedOrDivestingBotHalts(t *testing.T) {
	host := newHost(t)
	r := New(host, newPaper(), Config{}, zerolog.Nop())

	host.setStatus(models.BotStopped)
	if err := r.Cycle(context.Background(), "bot"); err != errHalt {
		t.Errorf("stopped: err = %v", err)
	}
	host.setStatus(models.BotRunning)
	host.divesting = true
	if err := r.Cycle(context.Background(), "bot"); err != errHalt {
		t.Errorf("divesting: err = %v", err)
	}
}

func TestRepeatedQuoteFailuresFaultTheBot(t *testing.T) {
	host := newHost(t)
	_, _ = host.engine.Create("bot", algorithm.Draft{Type: models.AlgoTrendFollowing, Symbols: []string{"AAPL"}})
	paper := newPaper()
	paper.SetFailing("AAPL", true)

	r := New(host, paper, Config{QuoteFailureLimit: 2}, zerolog.Nop())
	ctx := context.Background()
	if err := r.Cycle(ctx, "bot"); err != nil {
		t.Fatalf("first failure should not halt: %v", err)
	}
	if err := r.Cycle(ctx, "bot"); err != errHalt {
		t.Fatalf("second failure: err = %v", err)
	}
	if len(host.faults) != 1 || host.status != models.BotError {
		t.Errorf("faults = %v status = %s", host.faults, host.status)
	}
}

func TestOperationalSubmitErrorFaultsOnlyThatBot(t *testing.T) {
	host := newHost(t)
	_, _ = host.engine.Create("bot", algorithm.Draft{Type: models.AlgoTrendFollowing, Symbols: []string{"AAPL"}})
	host.submitErr = apperrors.Wrap(apperrors.ErrBrokerUnavailable, "submit timed out")

	r := New(host, newPaper(), Config{}, zerolog.Nop())
	r.evaluate = func(c algorithm.Context) models.Signal {
		return models.Signal{Action: models.SignalBuy, Symbol: c.Symbol, Quantity: decimal.NewFromInt(1)}
	}
	if err := r.Cycle(context.Background(), "bot"); err != errHalt {
		t.Fatalf("err = %v", err)
	}
	if host.status != models.BotError {
		t.Errorf("status = %s", host.status)
	}
}

func TestPanicInEvaluationFaultsBot(t *testing.T) {
	host := newHost(t)
	_, _ = host.engine.Create("bot", algorithm.Draft{Type: models.AlgoTrendFollowing, Symbols: []string{"AAPL"}})
	other := newHost(t)
	_, _ = other.engine.Create("other", algorithm.Draft{Type: models.AlgoTrendFollowing, Symbols: []string{"AAPL"}})

	r := New(host, newPaper(), Config{}, zerolog.Nop())
	r.evaluate = func(algorithm.Context) models.Signal { panic("strategy bug") }
	if err := r.safeCycle(context.Background(), "bot"); err != errHalt {
		t.Fatalf("err = %v", err)
	}
	if len(host.faults) != 1 || host.status != models.BotError {
		t.Errorf("faults = %v status = %s", host.faults, host.status)
	}

	healthy := New(other, newPaper(), Config{}, zerolog.Nop())
	if err := healthy.safeCycle(context.Background(), "other"); err != nil {
		t.Errorf("other bot affected: %v", err)
	}
}

func TestLoopExitsWithinOneCycleOfStop(t *testing.T) {
	host := newHost(t)
	_, _ = host.engine.Create("bot", algorithm.Draft{Type: models.AlgoTrendFollowing, Symbols: []string{"AAPL"}})

	r := New(host, newPaper(), Config{Interval: 20 * time.Millisecond}, zerolog.Nop())
	r.evaluate = func(algorithm.Context) models.Signal { return models.Signal{Action: models.SignalHold} }
	r.Start("bot")
	r.Start("bot")
	if got := r.Running(); len(got) != 1 {
		t.Fatalf("running = %v", got)
	}

	host.setStatus(models.BotStopped)
	deadline := time.After(time.Second)
	for len(r.Running()) != 0 {
		select {
		case <-deadline:
			t.Fatal("loop did not observe stop")
		case <-time.After(5 * time.Millisecond):
		}
	}
	r.Close()
}
