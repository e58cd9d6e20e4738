package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/models"
)

// PaperBroker simulates quotes with a seeded random walk and fills orders at the
// last simulated price after a fixed latency.
type PaperBroker struct {
	volatility  float64
	fillLatency time.Duration
	onFill      FillHandler
	now         func() time.Time

	mu           sync.Mutex
	rng          *rand.Rand
	prices       map[string]float64
	failing      map[string]bool
	orders       map[string]Fill
	orderCounter int

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// PaperConfig holds configuration for the paper broker.
type PaperConfig struct {
	Symbols     []string
	Volatility  float64
	FillLatency time.Duration
	Seed        int64
	OnFill      FillHandler
}

// NewPaperBroker creates a paper broker. Listed symbols get a deterministic
// starting price from the seed.
func NewPaperBroker(cfg PaperConfig) *PaperBroker {
	vol := cfg.Volatility
	if vol <= 0 {
		vol = 0.01
	}
	p := &PaperBroker{
		volatility:  vol,
		fillLatency: cfg.FillLatency,
		onFill:      cfg.OnFill,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		prices:      make(map[string]float64),
		failing:     make(map[string]bool),
		orders:      make(map[string]Fill),
		closed:      make(chan struct{}),
	}
	for _, s := range cfg.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			p.prices[s] = 50 + math.Round(p.rng.Float64()*45000)/100
		}
	}
	return p
}

// OnFill sets the fill handler. Call before submitting orders.
func (p *PaperBroker) OnFill(h FillHandler) {
	p.mu.Lock()
	p.onFill = h
	p.mu.Unlock()
}

// SetPrice pins a symbol's price, registering it if needed.
func (p *PaperBroker) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[strings.ToUpper(symbol)] = price
	p.mu.Unlock()
}

// SetFailing makes quotes for a symbol fail until cleared.
func (p *PaperBroker) SetFailing(symbol string, failing bool) {
	p.mu.Lock()
	p.failing[strings.ToUpper(symbol)] = failing
	p.mu.Unlock()
}

// Symbols returns the simulated symbols.
func (p *PaperBroker) Symbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.prices))
	for s := range p.prices {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// step advances the walk for one symbol. Caller holds p.mu.
func (p *PaperBroker) step(symbol string) (models.Quote, error) {
	if p.failing[symbol] {
		return models.Quote{}, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "paper feed for %s", symbol)
	}
	price, ok := p.prices[symbol]
	if !ok {
		return models.Quote{}, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "unknown symbol %s", symbol)
	}
	price *= 1 + p.rng.NormFloat64()*p.volatility
	if price < 0.01 {
		price = 0.01
	}
	p.prices[symbol] = price

	last := decimal.NewFromFloat(price).Round(2)
	half := last.Mul(decimal.NewFromFloat(0.0005)).Round(2)
	return models.Quote{
		Symbol:    symbol,
		Price:     last,
		Volume:    1000 + p.rng.Int63n(99000),
		Bid:       last.Sub(half),
		Ask:       last.Add(half),
		Timestamp: p.now(),
	}, nil
}

// GetQuote returns the next simulated quote for a symbol.
func (p *PaperBroker) GetQuote(ctx context.Context, symbol string) (models.Quote, error) {
	if err := ctx.Err(); err != nil {
		return models.Quote{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step(strings.ToUpper(symbol))
}

// GetQuotes returns simulated quotes, failing per symbol.
func (p *PaperBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, map[string]error) {
	quotes := make(map[string]models.Quote, len(symbols))
	errs := make(map[string]error)
	for _, s := range symbols {
		q, err := p.GetQuote(ctx, s)
		if err != nil {
			errs[s] = err
			continue
		}
		quotes[s] = q
	}
	return quotes, errs
}

// SubmitOrder accepts a market order and fills it asynchronously.
func (p *PaperBroker) SubmitOrder(ctx context.Context, order Order) (string, error) {
	if err := ValidateOrder(order); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	select {
	case <-p.closed:
		return "", apperrors.Wrap(apperrors.ErrBrokerUnavailable, "paper broker closed")
	default:
	}

	p.mu.Lock()
	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.orderCounter)
	p.orders[orderID] = Fill{OrderID: orderID, ExecutionID: order.ExecutionID, Status: models.ExecutionPending}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.fill(orderID, order)
	return orderID, nil
}

func (p *PaperBroker) fill(orderID string, order Order) {
	defer p.wg.Done()
	if p.fillLatency > 0 {
		t := time.NewTimer(p.fillLatency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-p.closed:
			p.finish(Fill{OrderID: orderID, ExecutionID: order.ExecutionID, Status: models.ExecutionCancelled,
				ExecutedAt: p.now(), Error: "broker shut down"})
			return
		}
	}

	symbol := strings.ToUpper(order.Symbol)
	p.mu.Lock()
	price, ok := p.prices[symbol]
	p.mu.Unlock()

	f := Fill{OrderID: orderID, ExecutionID: order.ExecutionID, ExecutedAt: p.now()}
	if !ok || price <= 0 {
		f.Status = models.ExecutionFailed
		f.Error = "no price for " + symbol
	} else {
		f.Status = models.ExecutionCompleted
		f.Price = decimal.NewFromFloat(price).Round(2)
		f.Quantity = order.Quantity
	}
	p.finish(f)
}

func (p *PaperBroker) finish(f Fill) {
	p.mu.Lock()
	p.orders[f.OrderID] = f
	h := p.onFill
	p.mu.Unlock()
	if h != nil {
		h(f)
	}
}

// Order returns the current state of a submitted order.
func (p *PaperBroker) Order(orderID string) (Fill, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.orders[orderID]
	return f, ok
}

// Close cancels unfilled orders and waits for their fills to be delivered.
func (p *PaperBroker) Close() {
	p.once.Do(func() { close(p.closed) })
	p.wg.Wait()
}
