package execution

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/holdings"
	"portfolio-orchestrator/internal/models"
)

// fakeCash is a single-bot cash account.
type fakeCash struct {
	mu       sync.Mutex
	balance  decimal.Decimal
	calls    int
	lastBook holdings.Book
}

func (f *fakeCash) ApplyTrade(_ string, delta decimal.Decimal, book holdings.Book) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	next := f.balance.Add(delta)
	if next.IsNegative() {
		return apperrors.NewInvariantError(apperrors.ErrInsufficientFunds, "bot_cash", 0, 0, "overdraft")
	}
	f.balance = next
	f.lastBook = book
	return nil
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func dp(v float64) *decimal.Decimal {
	x := decimal.NewFromFloat(v)
	return &x
}

func buyAndSettle(t *testing.T, r *Recorder, qty, price float64, at time.Time) models.BotExecution {
	t.Helper()
	e, err := r.Record("bot-1", Draft{Type: models.ExecutionBuy, Symbol: "AAPL", Quantity: d(qty), Price: d(price)})
	if err != nil {
		t.Fatalf("record buy: %v", err)
	}
	e, err = r.Settle(e.ID, models.Settlement{Status: models.ExecutionCompleted, Price: dp(price), ExecutedAt: at})
	if err != nil {
		t.Fatalf("settle buy: %v", err)
	}
	return e
}

func TestRecordStartsPending(t *testing.T) {
	r := NewRecorder(&fakeCash{balance: d(1000)})
	e, err := r.Record("bot-1", Draft{Type: models.ExecutionBuy, Symbol: "AAPL", Quantity: d(1), Price: d(10)})
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != models.ExecutionPending || e.ID == "" || e.Seq != 1 {
		t.Errorf("unexpected execution %+v", e)
	}
	if e.ExecutedAt != nil {
		t.Error("pending execution should have no executed_at")
	}
}

func TestRecordValidation(t *testing.T) {
	r := NewRecorder(nil)
	tests := []struct {
		name  string
		draft Draft
	}{
		{"unknown type", Draft{Type: "hedge", Symbol: "AAPL", Quantity: d(1)}},
		{"missing symbol", Draft{Type: models.ExecutionBuy, Quantity: d(1)}},
		{"zero quantity", Draft{Type: models.ExecutionBuy, Symbol: "AAPL"}},
		{"negative price", Draft{Type: models.ExecutionBuy, Symbol: "AAPL", Quantity: d(1), Price: d(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Record("bot-1", tt.draft)
			if !apperrors.Is(err, apperrors.ErrInputValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSettleEndToEndAverageCostAndOversell(t *testing.T) {
	cash := &fakeCash{balance: d(10000)}
	r := NewRecorder(cash)
	t0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	buyAndSettle(t, r, 10, 100, t0)
	buyAndSettle(t, r, 10, 120, t0.Add(time.Minute))

	pos := r.Book("bot-1").Positions["AAPL"]
	if !pos.AverageCost.Equal(d(110)) || !pos.Quantity.Equal(d(20)) {
		t.Fatalf("position = %+v", pos)
	}
	if !cash.balance.Equal(d(7800)) {
		t.Errorf("cash = %s, want 7800", cash.balance)
	}

	_, err := r.Record("bot-1", Draft{Type: models.ExecutionSell, Symbol: "AAPL", Quantity: d(25), Price: d(130)})
	if !apperrors.Is(err, apperrors.ErrInsufficientPosition) {
		t.Fatalf("expected InsufficientPosition, got %v", err)
	}
	if !r.Book("bot-1").Quantity("AAPL").Equal(d(20)) {
		t.Errorf("quantity changed after rejected sell")
	}
}

func TestRecordCountsPendingSells(t *testing.T) {
	r := NewRecorder(&fakeCash{balance: d(1000)})
	buyAndSettle(t, r, 10, 10, time.Now())

	if _, err := r.Record("bot-1", Draft{Type: models.ExecutionSell, Symbol: "AAPL", Quantity: d(6), Price: d(11)}); err != nil {
		t.Fatal(err)
	}
	_, err := r.Record("bot-1", Draft{Type: models.ExecutionSell, Symbol: "AAPL", Quantity: d(6), Price: d(11)})
	if !apperrors.Is(err, apperrors.ErrInsufficientPosition) {
		t.Fatalf("second sell should exceed unreserved quantity, got %v", err)
	}
}

func TestSettleFailedLeavesCashAndHoldings(t *testing.T) {
	cash := &fakeCash{balance: d(500)}
	r := NewRecorder(cash)
	e, _ := r.Record("bot-1", Draft{Type: models.ExecutionBuy, Symbol: "AAPL", Quantity: d(1), Price: d(100)})

	got, err := r.Settle(e.ID, models.Settlement{Status: models.ExecutionFailed, Error: "rejected by broker"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ExecutionFailed || got.ErrorMessage != "rejected by broker" {
		t.Errorf("settled = %+v", got)
	}
	if cash.calls != 0 || r.HasOpenHoldings("bot-1") {
		t.Error("failed settlement moved cash or holdings")
	}
}

func TestSettleIsAppendOnly(t *testing.T) {
	r := NewRecorder(&fakeCash{balance: d(500)})
	e := buyAndSettle(t, r, 1, 100, time.Now())

	_, err := r.Settle(e.ID, models.Settlement{Status: models.ExecutionCancelled})
	if !apperrors.Is(err, apperrors.ErrExecutionSettled) {
		t.Fatalf("expected ExecutionSettled, got %v", err)
	}
	got, _ := r.Get(e.ID)
	if got.Status != models.ExecutionCompleted {
		t.Errorf("status rewritten to %s", got.Status)
	}
}

func TestSettleRejectsOverdraftWithoutChanges(t *testing.T) {
	cash := &fakeCash{balance: d(50)}
	r := NewRecorder(cash)
	e, _ := r.Record("bot-1", Draft{Type: models.ExecutionBuy, Symbol: "AAPL", Quantity: d(1), Price: d(100)})

	_, err := r.Settle(e.ID, models.Settlement{Status: models.ExecutionCompleted, Price: dp(100)})
	if !apperrors.Is(err, apperrors.ErrInsufficientFunds) {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
	got, _ := r.Get(e.ID)
	if got.Status != models.ExecutionPending || r.HasOpenHoldings("bot-1") {
		t.Errorf("rejected settlement left state behind: %+v", got)
	}
}

func TestSettleRequiresPriceForTrades(t *testing.T) {
	r := NewRecorder(&fakeCash{balance: d(500)})
	e, _ := r.Record("bot-1", Draft{Type: models.ExecutionBuy, Symbol: "AAPL", Quantity: d(1)})

	_, err := r.Settle(e.ID, models.Settlement{Status: models.ExecutionCompleted})
	if !apperrors.Is(err, apperrors.ErrInputValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSettleUnknownAndNonTerminal(t *testing.T) {
	r := NewRecorder(nil)
	if _, err := r.Settle("nope", models.Settlement{Status: models.ExecutionCompleted}); !apperrors.Is(err, apperrors.ErrExecutionNotFound) {
		t.Errorf("unknown id: %v", err)
	}
	if _, err := r.Settle("nope", models.Settlement{Status: models.ExecutionPending}); !apperrors.Is(err, apperrors.ErrInputValidation) {
		t.Errorf("pending settlement: %v", err)
	}
}

func TestOrderMappingAndSince(t *testing.T) {
	r := NewRecorder(&fakeCash{balance: d(1000)})
	a, _ := r.Record("bot-1", Draft{Type: models.ExecutionAnalysis, Symbol: "AAPL"})
	b, _ := r.Record("bot-1", Draft{Type: models.ExecutionBuy, Symbol: "AAPL", Quantity: d(1), Price: d(10)})

	if err := r.AttachOrder(b.ID, "ord-7"); err != nil {
		t.Fatal(err)
	}
	if id, ok := r.ByOrder("ord-7"); !ok || id != b.ID {
		t.Errorf("ByOrder = %q %v", id, ok)
	}

	since := r.Since("bot-1", a.Seq, 0)
	if len(since) != 1 || since[0].ID != b.ID || since[0].BrokerOrderID != "ord-7" {
		t.Errorf("since = %+v", since)
	}
	if len(r.Pending("bot-1")) != 2 {
		t.Errorf("pending = %d", len(r.Pending("bot-1")))
	}
}

func TestRestoreRebuildsBookAndSequence(t *testing.T) {
	src := NewRecorder(&fakeCash{balance: d(1000)})
	buyAndSettle(t, src, 3, 10, time.Now())

	dst := NewRecorder(nil)
	if err := dst.Restore("bot-1", src.History("bot-1")); err != nil {
		t.Fatal(err)
	}
	if !dst.Book("bot-1").Quantity("AAPL").Equal(d(3)) {
		t.Errorf("restored quantity = %s", dst.Book("bot-1").Quantity("AAPL"))
	}
	e, _ := dst.Record("bot-1", Draft{Type: models.ExecutionAnalysis})
	if e.Seq <= src.History("bot-1")[0].Seq {
		t.Errorf("sequence not advanced past restored entries: %d", e.Seq)
	}

	dst.Forget("bot-1")
	if dst.History("bot-1") != nil {
		t.Error("forget kept history")
	}
}

func TestLookupOfForgottenBotIsNotFound(t *testing.T) {
	r := NewRecorder(&fakeCash{balance: d(1000)})
	e, err := r.Record("bot-1", Draft{Type: models.ExecutionBuy, Symbol: "AAPL", Quantity: d(1), Price: d(10)})
	if err != nil {
		t.Fatal(err)
	}

	// The bot's log is gone while its owner entry is still visible.
	r.mu.Lock()
	delete(r.bots, "bot-1")
	r.mu.Unlock()

	if _, err := r.Get(e.ID); !apperrors.Is(err, apperrors.ErrExecutionNotFound) {
		t.Errorf("get: %v", err)
	}
	if _, err := r.Settle(e.ID, models.Settlement{Status: models.ExecutionCancelled}); !apperrors.Is(err, apperrors.ErrExecutionNotFound) {
		t.Errorf("settle: %v", err)
	}
	if err := r.AttachOrder(e.ID, "order-1"); !apperrors.Is(err, apperrors.ErrExecutionNotFound) {
		t.Errorf("attach: %v", err)
	}
	if _, ok := r.ByOrder("order-1"); ok {
		t.Error("order attached to a missing execution")
	}
}

func TestForgetRacesRestoreAndLookups(t *testing.T) {
	src := NewRecorder(&fakeCash{balance: d(1000)})
	e := buyAndSettle(t, src, 1, 10, time.Now())
	history := src.History("bot-1")

	r := NewRecorder(nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			var wg sync.WaitGroup
			wg.Add(3)
			go func() {
				defer wg.Done()
				_ = r.Restore("bot-1", history)
			}()
			go func() {
				defer wg.Done()
				r.Forget("bot-1")
			}()
			go func() {
				defer wg.Done()
				_, _ = r.Get(e.ID)
			}()
			wg.Wait()
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("restore and forget deadlocked")
	}
}

func TestSettleHandsLedgerTheBookWithTheTrade(t *testing.T) {
	cash := &fakeCash{balance: d(5000)}
	r := NewRecorder(cash)
	buyAndSettle(t, r, 10, 100, time.Now())

	cash.mu.Lock()
	defer cash.mu.Unlock()
	if q := cash.lastBook.Quantity("AAPL"); !q.Equal(d(10)) {
		t.Errorf("book quantity = %s, want 10", q)
	}
}
