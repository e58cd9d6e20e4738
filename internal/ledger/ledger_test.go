package ledger

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/models"
)

func newTestLedger(cash int64) *Ledger {
	return New(models.Portfolio{
		ID:            "pf-1",
		Owner:         "tester",
		AvailableCash: decimal.NewFromInt(cash),
	})
}

func TestReserveEndToEndScenario(t *testing.T) {
	l := newTestLedger(10000)
	for _, id := range []string{"A", "B", "C"} {
		l.Open(id)
	}

	amount, err := l.Reserve("A", decimal.NewFromInt(40))
	if err != nil {
		t.Fatalf("reserve A: %v", err)
	}
	if !amount.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("A amount = %s, want 4000", amount)
	}

	if _, err := l.Reserve("B", decimal.NewFromInt(70)); !apperrors.Is(err, apperrors.ErrOverAllocated) {
		t.Fatalf("reserve B 70%%: expected OverAllocated, got %v", err)
	}
	if _, err := l.Reserve("B", decimal.NewFromInt(60)); err != nil {
		t.Fatalf("reserve B 60%%: %v", err)
	}
	if _, err := l.Reserve("C", decimal.NewFromInt(1)); !apperrors.Is(err, apperrors.ErrOverAllocated) {
		t.Fatalf("reserve C 1%%: expected OverAllocated, got %v", err)
	}

	p := l.Portfolio()
	if !p.AvailableCash.IsZero() {
		t.Errorf("available cash = %s, want 0", p.AvailableCash)
	}
	if !p.TotalValue.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("total value = %s, want 10000", p.TotalValue)
	}
}

func TestReserveRejectsOutOfRange(t *testing.T) {
	l := newTestLedger(1000)
	l.Open("A")

	for _, pct := range []float64{-1, 100.01} {
		_, err := l.Reserve("A", decimal.NewFromFloat(pct))
		if !apperrors.Is(err, apperrors.ErrOverAllocated) {
			t.Errorf("pct %v: expected OverAllocated, got %v", pct, err)
		}
	}
}

func TestReserveExcludesBotBeingModified(t *testing.T) {
	l := newTestLedger(1000)
	l.Open("A")
	if _, err := l.Reserve("A", decimal.NewFromInt(80)); err != nil {
		t.Fatal(err)
	}
	// 80 -> 100 only counts the new figure for A.
	amount, err := l.Reserve("A", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if !amount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("amount = %s", amount)
	}
}

func TestAllocationIsPinnedUntilRebalance(t *testing.T) {
	l := newTestLedger(10000)
	l.Open("A")
	if _, err := l.Reserve("A", decimal.NewFromInt(50)); err != nil {
		t.Fatal(err)
	}

	// Price movement raises the bot's holdings value; the pinned amount stays.
	if err := l.ApplyTrade("A", decimal.NewFromInt(-5000), decimal.NewFromInt(5000)); err != nil {
		t.Fatal(err)
	}
	l.Mark("A", decimal.NewFromInt(7000))

	a, _ := l.Allocation("A")
	if !a.Amount.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("pinned amount drifted to %s", a.Amount)
	}
	if !l.Portfolio().TotalValue.Equal(decimal.NewFromInt(12000)) {
		t.Errorf("total value = %s, want 12000", l.Portfolio().TotalValue)
	}

	// Explicit rebalance re-pins against the new total.
	amount, err := l.Reserve("A", decimal.NewFromInt(50))
	if err != nil {
		t.Fatal(err)
	}
	if !amount.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("re-pinned amount = %s, want 6000", amount)
	}
}

func TestApplyTradeRejectsOverdraft(t *testing.T) {
	l := newTestLedger(1000)
	l.Open("A")
	if _, err := l.Reserve("A", decimal.NewFromInt(10)); err != nil {
		t.Fatal(err)
	}
	err := l.ApplyTrade("A", decimal.NewFromInt(-101), decimal.NewFromInt(101))
	if !apperrors.Is(err, apperrors.ErrInsufficientFunds) {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
	a, _ := l.Allocation("A")
	if !a.Cash.Equal(decimal.NewFromInt(100)) || !a.HoldingsValue.IsZero() {
		t.Errorf("rejected trade moved the bot: cash %s holdings %s", a.Cash, a.HoldingsValue)
	}
}

func TestReleaseReturnsCash(t *testing.T) {
	l := newTestLedger(1000)
	l.Open("A")
	if _, err := l.Reserve("A", decimal.NewFromInt(30)); err != nil {
		t.Fatal(err)
	}
	if err := l.ApplyTrade("A", decimal.NewFromInt(20), decimal.Zero); err != nil {
		t.Fatal(err)
	}

	released, err := l.Release("A")
	if err != nil {
		t.Fatal(err)
	}
	if !released.Equal(decimal.NewFromInt(320)) {
		t.Errorf("released = %s, want 320", released)
	}
	if !l.Portfolio().AvailableCash.Equal(decimal.NewFromInt(1020)) {
		t.Errorf("available = %s", l.Portfolio().AvailableCash)
	}
	if !l.TotalAllocated().IsZero() {
		t.Errorf("total allocated = %s", l.TotalAllocated())
	}
}

func TestReleaseRefusesMarkedHoldings(t *testing.T) {
	l := newTestLedger(1000)
	l.Open("A")
	l.Mark("A", decimal.NewFromInt(10))
	if _, err := l.Release("A"); !apperrors.Is(err, apperrors.ErrHasOpenHoldings) {
		t.Fatalf("expected HasOpenHoldings, got %v", err)
	}
}

// Property: random sequences of allocate/deallocate never push the sum above 100
// and never make available cash negative.
func TestProperty_AllocationSumNeverExceedsHundred(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	opGen := gen.SliceOfN(40, gen.Struct(reflect.TypeOf(ledgerOp{}), map[string]gopter.Gen{
		"Bot":     gen.IntRange(0, 5),
		"Percent": gen.IntRange(-10, 110),
		"Release": gen.Bool(),
	}))

	properties.Property("sum of percentages <= 100 after every operation", prop.ForAll(
		func(ops []ledgerOp) bool {
			l := newTestLedger(50000)
			for _, op := range ops {
				id := fmt.Sprintf("bot-%d", op.Bot)
				if op.Release {
					_, _ = l.Release(id)
					continue
				}
				l.Open(id)
				_, _ = l.Reserve(id, decimal.NewFromInt(int64(op.Percent)))

				if l.TotalAllocated().GreaterThan(hundred) {
					t.Logf("sum exceeded: %s", l.TotalAllocated())
					return false
				}
				p := l.Portfolio()
				if p.AvailableCash.IsNegative() {
					t.Logf("negative cash: %s", p.AvailableCash)
					return false
				}
				if !p.TotalValue.Equal(decimal.NewFromInt(50000)) {
					t.Logf("value not conserved: %s", p.TotalValue)
					return false
				}
			}
			return true
		},
		opGen,
	))

	properties.TestingRun(t)
}

type ledgerOp struct {
	Bot     int
	Percent int
	Release bool
}

func TestApplyTradeKeepsTotalValueWhole(t *testing.T) {
	l := newTestLedger(10000)
	l.Open("A")
	l.Open("B")
	if _, err := l.Reserve("A", decimal.NewFromInt(40)); err != nil {
		t.Fatal(err)
	}
	if err := l.ApplyTrade("A", decimal.NewFromInt(-1000), decimal.NewFromInt(1000)); err != nil {
		t.Fatal(err)
	}

	a, _ := l.Allocation("A")
	if !a.CurrentValue().Equal(decimal.NewFromInt(4000)) {
		t.Errorf("current value = %s, want 4000", a.CurrentValue())
	}
	if got := l.Portfolio().TotalValue; !got.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("total value = %s, want 10000", got)
	}
	amount, err := l.Reserve("B", decimal.NewFromInt(60))
	if err != nil {
		t.Fatal(err)
	}
	if !amount.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("pinned amount = %s, want 6000", amount)
	}
}
