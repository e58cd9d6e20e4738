// Package orchestrator is the command and query facade of the engine. It
// composes the allocation ledgers, the bot state machine, the algorithm engine
// and the execution ledger, serializes work per bot, journals every committed
// change and publishes it as an event.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"portfolio-orchestrator/internal/algorithm"
	"portfolio-orchestrator/internal/broker"
	"portfolio-orchestrator/internal/config"
	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/execution"
	"portfolio-orchestrator/internal/holdings"
	"portfolio-orchestrator/internal/keylock"
	"portfolio-orchestrator/internal/ledger"
	"portfolio-orchestrator/internal/lifecycle"
	"portfolio-orchestrator/internal/logging"
	"portfolio-orchestrator/internal/models"
	"portfolio-orchestrator/internal/performance"
	"portfolio-orchestrator/internal/runner"
	"portfolio-orchestrator/internal/store"
	"portfolio-orchestrator/internal/stream"
	"portfolio-orchestrator/pkg/utils"
)

// Options holds orchestrator settings.
type Options struct {
	Runner runner.Config
	// LockWait bounds how long a command waits for a busy bot before it
	// fails with a concurrency conflict.
	LockWait            time.Duration
	SharpeLookback      int
	AnnualizationFactor float64
	MaxSamples          int
	ReplayCapacity      int
	// SubmitRetry governs retries of operational broker errors on submission.
	SubmitRetry utils.RetryConfig
	// SettleWait is how long a divest waits for in-flight orders to settle.
	SettleWait time.Duration
}

// DefaultOptions returns the default orchestrator settings.
func DefaultOptions() Options {
	return Options{
		Runner:              runner.DefaultConfig(),
		LockWait:            2 * time.Second,
		SharpeLookback:      30,
		AnnualizationFactor: 1,
		MaxSamples:          1000,
		ReplayCapacity:      1000,
		SubmitRetry: utils.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  100 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2.0,
		},
		SettleWait: 10 * time.Second,
	}
}

// OptionsFromConfig maps application configuration onto orchestrator settings.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.Runner = runner.Config{
		Interval:          cfg.Engine.EvaluationInterval,
		PriceHistory:      cfg.Engine.PriceHistory,
		QuoteFailureLimit: cfg.Engine.QuoteFailureLimit,
	}
	if cfg.Engine.LockWait > 0 {
		opts.LockWait = cfg.Engine.LockWait
	}
	if cfg.Performance.SharpeLookback > 0 {
		opts.SharpeLookback = cfg.Performance.SharpeLookback
	}
	if cfg.Performance.AnnualizationRate > 0 {
		opts.AnnualizationFactor = cfg.Performance.AnnualizationRate
	}
	if cfg.Performance.MaxSamples > 0 {
		opts.MaxSamples = cfg.Performance.MaxSamples
	}
	if cfg.Stream.ReplayCapacity > 0 {
		opts.ReplayCapacity = cfg.Stream.ReplayCapacity
	}
	return opts
}

// Deps are the collaborators an Orchestrator drives. Quotes and Orders are
// required; the rest default to in-memory implementations.
type Deps struct {
	Quotes  broker.QuoteProvider
	Orders  broker.OrderSubmitter
	Catalog *algorithm.Catalog
	Journal store.Journal
	Hub     *stream.Hub
}

// Orchestrator owns every portfolio and bot of the process.
type Orchestrator struct {
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
	quotes  broker.QuoteProvider
	orders  broker.OrderSubmitter
	journal store.Journal
	hub     *stream.Hub

	locks    *keylock.Locker
	bots     *lifecycle.Manager
	algos    *algorithm.Engine
	recorder *execution.Recorder
	perf     *performance.Calculator
	runner   *runner.Runner

	mu      sync.RWMutex
	ledgers map[string]*ledger.Ledger // portfolio id
	owners  map[string]string         // bot id -> portfolio id
	series  map[string]*performance.Series
	last    map[string]models.Quote

	closeOnce sync.Once
}

// New creates an Orchestrator.
func New(deps Deps, opts Options, log zerolog.Logger) (*Orchestrator, error) {
	if deps.Quotes == nil || deps.Orders == nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "orchestrator requires a quote provider and an order submitter")
	}
	def := DefaultOptions()
	if opts.LockWait <= 0 {
		opts.LockWait = def.LockWait
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = def.MaxSamples
	}
	if opts.ReplayCapacity <= 0 {
		opts.ReplayCapacity = def.ReplayCapacity
	}
	if opts.SubmitRetry.MaxAttempts <= 0 {
		opts.SubmitRetry = def.SubmitRetry
	}
	if opts.SettleWait <= 0 {
		opts.SettleWait = def.SettleWait
	}
	opts.SubmitRetry.Retryable = func(err error) bool {
		return apperrors.KindOf(err) == apperrors.KindOperational
	}

	catalog := deps.Catalog
	if catalog == nil {
		var err error
		if catalog, err = algorithm.LoadCatalog(); err != nil {
			return nil, err
		}
	}
	journal := deps.Journal
	if journal == nil {
		journal = store.Nop{}
	}
	hub := deps.Hub
	if hub == nil {
		hub = stream.NewHubWithConfig(stream.HubConfig{ReplayCapacity: opts.ReplayCapacity})
	}

	o := &Orchestrator{
		opts:    opts,
		log:     logging.WithComponent(log, "orchestrator"),
		now:     time.Now,
		quotes:  deps.Quotes,
		orders:  deps.Orders,
		journal: journal,
		hub:     hub,
		locks:   keylock.New(opts.LockWait),
		algos:   algorithm.NewEngine(catalog),
		perf:    performance.NewCalculator(opts.SharpeLookback, opts.AnnualizationFactor),
		ledgers: make(map[string]*ledger.Ledger),
		owners:  make(map[string]string),
		series:  make(map[string]*performance.Series),
		last:    make(map[string]models.Quote),
	}
	o.bots = lifecycle.NewManager(guards{o})
	o.recorder = execution.NewRecorder(cashRouter{o})
	o.runner = runner.New(host{o}, deps.Quotes, opts.Runner, log)

	hub.RegisterSink(stream.NewSinkFunc("journal", func(ev models.Event) {
		if err := o.journal.AppendEvent(context.Background(), ev); err != nil {
			o.log.Warn().Err(err).Int64("seq", ev.Seq).Msg("failed to journal event")
		}
	}))
	return o, nil
}

// Start begins event delivery.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.hub.IsStarted() {
		o.hub.Start(ctx)
	}
}

// Close stops every bot loop, then the hub, then drains and closes the journal.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.runner.Close()
		o.hub.Stop()
		err = o.journal.Close()
	})
	return err
}

// Hub exposes the event hub for subscribers.
func (o *Orchestrator) Hub() *stream.Hub {
	return o.hub
}

// Catalog exposes the algorithm template catalog.
func (o *Orchestrator) Catalog() *algorithm.Catalog {
	return o.algos.Catalog()
}

// Running returns the ids of bots with a live evaluation loop.
func (o *Orchestrator) Running() []string {
	return o.runner.Running()
}

func (o *Orchestrator) portfolioLedger(portfolioID string) (*ledger.Ledger, error) {
	o.mu.RLock()
	l, ok := o.ledgers[portfolioID]
	o.mu.RUnlock()
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrPortfolioNotFound, "portfolio %s", portfolioID)
	}
	return l, nil
}

func (o *Orchestrator) ledgerOf(botID string) (*ledger.Ledger, error) {
	o.mu.RLock()
	pf, ok := o.owners[botID]
	l := o.ledgers[pf]
	o.mu.RUnlock()
	if !ok || l == nil {
		return nil, apperrors.Wrapf(apperrors.ErrBotNotFound, "bot %s", botID)
	}
	return l, nil
}

func (o *Orchestrator) portfolioOf(botID string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owners[botID]
}

// lockBot checks that the bot exists and takes its exclusive-access boundary.
func (o *Orchestrator) lockBot(ctx context.Context, botID string) (func(), error) {
	if _, _, err := o.bots.Status(botID); err != nil {
		return nil, err
	}
	return o.locks.Acquire(ctx, botID)
}

// lockBotDetached takes a bot's boundary for work that must finish once
// started, regardless of the caller's context.
func (o *Orchestrator) lockBotDetached(ctx context.Context, botID string) (func(), error) {
	return o.locks.Acquire(context.WithoutCancel(ctx), botID)
}

func (o *Orchestrator) seriesOf(botID string) *performance.Series {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.series[botID]
	if !ok {
		s = performance.NewSeries(o.opts.MaxSamples)
		o.series[botID] = s
	}
	return s
}

func (o *Orchestrator) rememberQuotes(quotes map[string]models.Quote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for sym, q := range quotes {
		o.last[sym] = q
	}
}

// lastQuotes returns the last seen quote of each symbol that has one.
func (o *Orchestrator) lastQuotes(symbols []string) map[string]models.Quote {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]models.Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := o.last[s]; ok {
			out[s] = q
		}
	}
	return out
}

func (o *Orchestrator) publish(portfolioID, botID string, t models.EventType, data map[string]any) {
	o.hub.Publish(models.Event{Type: t, PortfolioID: portfolioID, BotID: botID, Data: data})
}

// journalErr logs a failed journal write. The in-memory change stands.
func (o *Orchestrator) journalErr(op string, err error) {
	if err != nil {
		o.log.Error().Err(err).Str("op", op).Msg("journal write failed")
	}
}

func (o *Orchestrator) saveBot(ctx context.Context, bot models.TradingBot) {
	o.journalErr("save_bot", o.journal.SaveBot(context.WithoutCancel(ctx), bot))
}

func (o *Orchestrator) saveAllocation(ctx context.Context, botID string) {
	l, err := o.ledgerOf(botID)
	if err != nil {
		return
	}
	if a, ok := l.Allocation(botID); ok {
		o.journalErr("save_allocation", o.journal.SaveAllocation(context.WithoutCancel(ctx), l.PortfolioID(), a))
	}
}

func (o *Orchestrator) savePortfolio(ctx context.Context, portfolioID string) {
	l, err := o.portfolioLedger(portfolioID)
	if err != nil {
		return
	}
	o.journalErr("save_portfolio", o.journal.SavePortfolio(context.WithoutCancel(ctx), l.Portfolio()))
}

func (o *Orchestrator) saveExecution(ctx context.Context, e models.BotExecution) {
	o.journalErr("save_execution", o.journal.SaveExecution(context.WithoutCancel(ctx), e))
}

func (o *Orchestrator) saveAlgorithm(ctx context.Context, cfg models.AlgorithmConfig) {
	o.journalErr("save_algorithm", o.journal.SaveAlgorithm(context.WithoutCancel(ctx), cfg))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func allocationData(a ledger.Allocation) map[string]any {
	return map[string]any{
		"allocated_percentage": a.Percentage.String(),
		"allocated_amount":     a.Amount.String(),
		"cash":                 a.Cash.String(),
		"current_value":        a.CurrentValue().String(),
	}
}

// cashRouter settles a bot's trades against the ledger of its portfolio.
type cashRouter struct{ o *Orchestrator }

func (c cashRouter) ApplyTrade(botID string, delta decimal.Decimal, book holdings.Book) error {
	l, err := c.o.ledgerOf(botID)
	if err != nil {
		return err
	}
	hs := book.Snapshot(l.PortfolioID(), botID, c.o.lastQuotes(book.OpenSymbols()))
	return l.ApplyTrade(botID, delta, holdings.MarketValue(hs))
}

// guards answers the state machine's start and delete preconditions.
type guards struct{ o *Orchestrator }

func (g guards) AllocatedPercentage(botID string) decimal.Decimal {
	l, err := g.o.ledgerOf(botID)
	if err != nil {
		return decimal.Zero
	}
	a, ok := l.Allocation(botID)
	if !ok {
		return decimal.Zero
	}
	return a.Percentage
}

func (g guards) HasEnabledAlgorithm(botID string) bool {
	return g.o.algos.HasEnabled(botID)
}

func (g guards) HasOpenHoldings(botID string) bool {
	return g.o.recorder.HasOpenHoldings(botID)
}
