package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"portfolio-orchestrator/internal/broker"
	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/models"
)

// QuoteGuardConfig configures GuardedQuotes.
type QuoteGuardConfig struct {
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	Breaker       CircuitBreakerConfig
}

// GuardedQuotes wraps a QuoteProvider with a shared rate limit, a per-call
// timeout and one circuit breaker per symbol, so one failing symbol never
// delays quotes for the others.
type GuardedQuotes struct {
	inner    broker.QuoteProvider
	limiter  *rate.Limiter
	breakers *CircuitBreakerRegistry
	timeout  time.Duration

	mu   sync.RWMutex
	last map[string]models.Quote
}

var _ broker.QuoteProvider = (*GuardedQuotes)(nil)

// NewGuardedQuotes creates a guarded provider.
func NewGuardedQuotes(inner broker.QuoteProvider, cfg QuoteGuardConfig) *GuardedQuotes {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &GuardedQuotes{
		inner:    inner,
		limiter:  rate.NewLimiter(limit, burst),
		breakers: NewCircuitBreakerRegistry(cfg.Breaker),
		timeout:  cfg.Timeout,
		last:     make(map[string]models.Quote),
	}
}

// Breakers exposes the per-symbol breakers for health reporting.
func (g *GuardedQuotes) Breakers() *CircuitBreakerRegistry {
	return g.breakers
}

// GetQuote fetches one quote through the limiter and the symbol's breaker.
func (g *GuardedQuotes) GetQuote(ctx context.Context, symbol string) (models.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if err := g.limiter.Wait(ctx); err != nil {
		return models.Quote{}, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "rate limit wait for %s: %v", symbol, err)
	}

	q, err := ExecuteWithResult(g.breakers.Get(symbol), ctx, func(ctx context.Context) (models.Quote, error) {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		q, err := g.inner.GetQuote(ctx, symbol)
		if err == nil && !q.Price.IsPositive() {
			err = apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "non-positive price for %s", symbol)
		}
		return q, err
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return models.Quote{}, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "%s: %v", symbol, err)
		}
		if !apperrors.Is(err, apperrors.ErrQuoteUnavailable) {
			err = apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "%s: %v", symbol, err)
		}
		return models.Quote{}, err
	}

	g.mu.Lock()
	g.last[symbol] = q
	g.mu.Unlock()
	return q, nil
}

// GetQuotes fetches symbols concurrently. Each symbol succeeds or fails on its own.
func (g *GuardedQuotes) GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, map[string]error) {
	quotes := make(map[string]models.Quote, len(symbols))
	errs := make(map[string]error)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			q, err := g.GetQuote(ctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[symbol] = err
				return
			}
			quotes[symbol] = q
		}(s)
	}
	wg.Wait()
	return quotes, errs
}

// LastQuote returns the most recent successful quote for a symbol.
func (g *GuardedQuotes) LastQuote(symbol string) (models.Quote, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	q, ok := g.last[strings.ToUpper(symbol)]
	return q, ok
}
