package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/models"
)

// Property: an order passes validation exactly when it has a symbol, a side, a
// positive quantity and an execution reference.
func TestProperty_OrderValidation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("validation accepts only well-formed orders", prop.ForAll(
		func(symbol string, side string, qty float64, execID string) bool {
			o := Order{
				ExecutionID: execID,
				Symbol:      symbol,
				Side:        models.OrderSide(side),
				Quantity:    decimal.NewFromFloat(qty),
			}
			want := symbol != "" && (side == "BUY" || side == "SELL") && o.Quantity.IsPositive() && execID != ""
			err := ValidateOrder(o)
			if want {
				return err == nil
			}
			return apperrors.Is(err, apperrors.ErrInputValidation)
		},
		gen.OneConstOf("AAPL", "MSFT", ""),
		gen.OneConstOf("BUY", "SELL", "HOLD"),
		gen.Float64Range(-10, 100),
		gen.OneConstOf("exec-1", ""),
	))

	properties.TestingRun(t)
}

// Property: the same seed produces the same quote sequence.
func TestProperty_PaperQuotesAreDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("seeded walk replays", prop.ForAll(
		func(seed int64, steps int) bool {
			a := NewPaperBroker(PaperConfig{Symbols: []string{"AAPL"}, Seed: seed, Volatility: 0.02})
			b := NewPaperBroker(PaperConfig{Symbols: []string{"AAPL"}, Seed: seed, Volatility: 0.02})
			ctx := context.Background()
			for i := 0; i < steps; i++ {
				qa, errA := a.GetQuote(ctx, "AAPL")
				qb, errB := b.GetQuote(ctx, "AAPL")
				if errA != nil || errB != nil || !qa.Price.Equal(qb.Price) || !qa.Price.IsPositive() {
					return false
				}
			}
			return true
		},
		gen.Int64Range(0, 1<<40),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

func TestGetQuotesFailsPerSymbol(t *testing.T) {
	p := NewPaperBroker(PaperConfig{Symbols: []string{"AAPL", "MSFT"}, Seed: 1})
	p.SetFailing("MSFT", true)

	quotes, errs := p.GetQuotes(context.Background(), []string{"AAPL", "MSFT", "NOPE"})
	if _, ok := quotes["AAPL"]; !ok {
		t.Fatal("AAPL quote missing")
	}
	if len(errs) != 2 {
		t.Fatalf("errs = %v", errs)
	}
	for s, err := range errs {
		if !apperrors.Is(err, apperrors.ErrQuoteUnavailable) {
			t.Errorf("%s: %v", s, err)
		}
	}
}

func TestSubmitOrderFillsAsynchronously(t *testing.T) {
	var mu sync.Mutex
	var fills []Fill
	done := make(chan struct{})

	p := NewPaperBroker(PaperConfig{Seed: 1, FillLatency: 5 * time.Millisecond})
	p.SetPrice("AAPL", 100)
	p.OnFill(func(f Fill) {
		mu.Lock()
		fills = append(fills, f)
		mu.Unlock()
		close(done)
	})

	id, err := p.SubmitOrder(context.Background(), Order{
		ExecutionID: "exec-1", Symbol: "AAPL", Side: models.OrderSideBuy, Quantity: decimal.NewFromInt(3),
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no fill")
	}
	mu.Lock()
	f := fills[0]
	mu.Unlock()
	if f.OrderID != id || f.ExecutionID != "exec-1" || f.Status != models.ExecutionCompleted {
		t.Fatalf("fill = %+v", f)
	}
	if !f.Price.Equal(decimal.NewFromInt(100)) || !f.Quantity.Equal(decimal.NewFromInt(3)) {
		t.Errorf("fill = %+v", f)
	}
	s := f.Settlement()
	if s.Price == nil || !s.Price.Equal(f.Price) {
		t.Errorf("settlement = %+v", s)
	}
}

func TestCloseCancelsPendingOrders(t *testing.T) {
	fills := make(chan Fill, 1)
	p := NewPaperBroker(PaperConfig{Seed: 1, FillLatency: time.Hour, OnFill: func(f Fill) { fills <- f }})
	p.SetPrice("AAPL", 100)

	if _, err := p.SubmitOrder(context.Background(), Order{
		ExecutionID: "exec-1", Symbol: "AAPL", Side: models.OrderSideSell, Quantity: decimal.NewFromInt(1),
	}); err != nil {
		t.Fatal(err)
	}
	p.Close()

	f := <-fills
	if f.Status != models.ExecutionCancelled {
		t.Errorf("status = %s", f.Status)
	}
	if _, err := p.SubmitOrder(context.Background(), Order{
		ExecutionID: "exec-2", Symbol: "AAPL", Side: models.OrderSideBuy, Quantity: decimal.NewFromInt(1),
	}); !apperrors.Is(err, apperrors.ErrBrokerUnavailable) {
		t.Errorf("submit after close: %v", err)
	}
}
