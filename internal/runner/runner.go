// Package runner drives the evaluation loop of every running bot.
//
// Each bot gets its own goroutine. A cycle reads the bot's status and the current
// algorithm snapshots, fetches quotes without holding any lock, evaluates every
// enabled algorithm and hands actionable signals back to the host. Parameter
// changes are therefore seen on the next cycle, and a stop or divest is seen
// within one cycle.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"portfolio-orchestrator/internal/algorithm"
	"portfolio-orchestrator/internal/broker"
	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/holdings"
	"portfolio-orchestrator/internal/ledger"
	"portfolio-orchestrator/internal/logging"
	"portfolio-orchestrator/internal/models"
)

// Host is the orchestrator side of a bot loop.
type Host interface {
	// BotState reports the bot's status and whether a divest is in progress.
	BotState(botID string) (models.BotStatus, bool, error)
	// Algorithms returns immutable snapshots of the bot's enabled algorithms.
	Algorithms(botID string) []*models.AlgorithmConfig
	Book(botID string) holdings.Book
	Account(botID string) (ledger.Allocation, bool)
	// Submit records and sends an order for sig.
	Submit(ctx context.Context, botID string, sig models.Signal) error
	// Mark values the bot's holdings at quotes and samples its current value.
	Mark(ctx context.Context, botID string, quotes map[string]models.Quote)
	// Fault moves the bot to error with reason.
	Fault(ctx context.Context, botID, reason string)
}

// Config holds runner settings.
type Config struct {
	Interval          time.Duration
	PriceHistory      int
	QuoteFailureLimit int
}

// DefaultConfig returns the default runner settings.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Second,
		PriceHistory:      250,
		QuoteFailureLimit: 3,
	}
}

// errHalt ends a bot loop.
var errHalt = errors.New("bot loop halted")

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// botState is what a loop carries between cycles.
type botState struct {
	mu         sync.Mutex
	history    map[string][]float64
	lastAction map[string]time.Time
	failures   int
}

// Runner owns the loops of all running bots.
type Runner struct {
	host   Host
	quotes broker.QuoteProvider
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	// evaluate is swapped in tests to observe what a cycle sees.
	evaluate func(algorithm.Context) models.Signal

	base    context.Context
	stopAll context.CancelFunc

	mu     sync.Mutex
	loops  map[string]*loop
	states map[string]*botState
	wg     sync.WaitGroup
}

// New creates a Runner.
func New(host Host, quotes broker.QuoteProvider, cfg Config, log zerolog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PriceHistory <= 0 {
		cfg.PriceHistory = def.PriceHistory
	}
	if cfg.QuoteFailureLimit <= 0 {
		cfg.QuoteFailureLimit = def.QuoteFailureLimit
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		host:     host,
		quotes:   quotes,
		cfg:      cfg,
		log:      logging.WithComponent(log, "runner"),
		now:      time.Now,
		evaluate: algorithm.Evaluate,
		base:     base,
		stopAll:  cancel,
		loops:    make(map[string]*loop),
		states:   make(map[string]*botState),
	}
}

// Start launches the loop of a bot. Starting a bot that already has a loop is a no-op.
func (r *Runner) Start(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loops[botID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(r.base)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	r.loops[botID] = l
	r.wg.Add(1)
	go r.run(ctx, botID, l)
}

// Stop cancels a bot's loop and returns a channel closed when it has exited.
// A cycle already submitting an order finishes that submission first.
func (r *Runner) Stop(botID string) <-chan struct{} {
	r.mu.Lock()
	l, ok := r.loops[botID]
	r.mu.Unlock()
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	l.cancel()
	return l.done
}

// Forget drops the carried state of a deleted bot.
func (r *Runner) Forget(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, botID)
}

// Running returns the ids of bots with a live loop, sorted.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.loops))
	for id := range r.loops {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close stops every loop and waits for them to exit.
func (r *Runner) Close() {
	r.stopAll()
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, botID string, l *loop) {
	defer r.wg.Done()
	defer close(l.done)
	defer func() {
		r.mu.Lock()
		if r.loops[botID] == l {
			delete(r.loops, botID)
		}
		r.mu.Unlock()
	}()

	log := logging.WithBot(r.log, botID)
	log.Debug().Dur("interval", r.cfg.Interval).Msg("bot loop started")
	defer func() { log.Debug().Msg("bot loop exited") }()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := r.safeCycle(ctx, botID); err != nil {
			if errors.Is(err, errHalt) || errors.Is(err, context.Canceled) {
				return
			}
			log.Warn().Err(err).Msg("evaluation cycle failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// safeCycle contains a panicking cycle to its own bot.
func (r *Runner) safeCycle(ctx context.Context, botID string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reason := fmt.Sprintf("evaluation panic: %v", rec)
			r.log.Error().Str("bot_id", botID).Str("stack", string(debug.Stack())).Msg(reason)
			r.host.Fault(context.WithoutCancel(ctx), botID, reason)
			err = errHalt
		}
	}()
	return r.Cycle(ctx, botID)
}

func (r *Runner) state(botID string) *botState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[botID]
	if !ok {
		st = &botState{
			history:    make(map[string][]float64),
			lastAction: make(map[string]time.Time),
		}
		r.states[botID] = st
	}
	return st
}

// Cycle runs one evaluation of a bot. It returns errHalt when the bot is no
// longer running and its loop should end.
func (r *Runner) Cycle(ctx context.Context, botID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	status, divesting, err := r.host.BotState(botID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrBotNotFound) {
			return errHalt
		}
		return err
	}
	if divesting || (status != models.BotRunning && status != models.BotPaused) {
		return errHalt
	}

	st := r.state(botID)
	st.mu.Lock()
	defer st.mu.Unlock()

	algos := r.host.Algorithms(botID)
	book := r.host.Book(botID)
	symbols := watchlist(algos, book)
	if len(symbols) == 0 {
		return nil
	}

	quotes, failed := r.quotes.GetQuotes(ctx, symbols)
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(quotes) == 0 {
		st.failures++
		reason := firstError(failed)
		r.log.Warn().Str("bot_id", botID).Int("consecutive", st.failures).Str("reason", reason).Msg("no quotes this cycle")
		if st.failures >= r.cfg.QuoteFailureLimit {
			r.host.Fault(ctx, botID, fmt.Sprintf("quotes unavailable for %d cycles: %s", st.failures, reason))
			return errHalt
		}
		return nil
	}
	st.failures = 0
	for sym, q := range quotes {
		st.push(sym, q.Price.InexactFloat64(), r.cfg.PriceHistory)
	}

	if status == models.BotRunning {
		if err := r.evaluateAll(ctx, botID, st, algos, book, quotes); err != nil {
			return err
		}
	}

	r.host.Mark(ctx, botID, quotes)
	return nil
}

func (r *Runner) evaluateAll(ctx context.Context, botID string, st *botState, algos []*models.AlgorithmConfig,
	book holdings.Book, quotes map[string]models.Quote) error {
	log := logging.WithBot(r.log, botID)
	for _, cfg := range algos {
		for _, sym := range cfg.Symbols {
			q, ok := quotes[sym]
			if !ok {
				continue
			}
			// A stop or divest issued mid-cycle ends evaluation before the next order.
			if status, divesting, err := r.host.BotState(botID); err != nil || divesting || status != models.BotRunning {
				return errHalt
			}

			key := cfg.ID + "/" + sym
			sig := r.evaluate(algorithm.Context{
				Config:     cfg,
				Symbol:     sym,
				Quote:      q,
				History:    st.window(sym),
				Position:   book.Positions[sym],
				Budget:     r.budget(botID, cfg),
				Now:        r.now(),
				LastAction: st.lastAction[key],
			})
			if !sig.IsActionable() {
				continue
			}

			if err := r.host.Submit(ctx, botID, sig); err != nil {
				alog := logging.WithAlgorithm(log, cfg.ID)
				switch apperrors.KindOf(err) {
				case apperrors.KindOperational:
					r.host.Fault(context.WithoutCancel(ctx), botID, err.Error())
					return errHalt
				case apperrors.KindConflict:
					alog.Debug().Err(err).Msg("submit lost bot lock, retrying next cycle")
				default:
					alog.Info().Err(err).Str("symbol", sym).Msg("signal rejected")
				}
				continue
			}
			st.lastAction[key] = r.now()
			// Later algorithms see the position the submitted order will produce
			// only after it settles; refresh what is already settled.
			book = r.host.Book(botID)
		}
	}
	return nil
}

// budget is the cash one entry of cfg may deploy: its position_size share of
// the allocated amount, capped by the bot's undeployed cash.
func (r *Runner) budget(botID string, cfg *models.AlgorithmConfig) decimal.Decimal {
	acct, ok := r.host.Account(botID)
	if !ok {
		return decimal.Zero
	}
	b := acct.Amount.Mul(decimal.NewFromFloat(cfg.PositionSize)).Round(2)
	if b.GreaterThan(acct.Cash) {
		b = acct.Cash
	}
	if b.IsNegative() {
		return decimal.Zero
	}
	return b
}

// watchlist is every symbol a cycle needs: algorithm symbols plus open holdings.
func watchlist(algos []*models.AlgorithmConfig, book holdings.Book) []string {
	seen := make(map[string]struct{})
	for _, cfg := range algos {
		for _, s := range cfg.Symbols {
			seen[s] = struct{}{}
		}
	}
	for _, s := range book.OpenSymbols() {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func firstError(failed map[string]error) string {
	keys := make([]string, 0, len(failed))
	for k := range failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		return fmt.Sprintf("%s: %v", k, failed[k])
	}
	return "no quotes returned"
}

func (st *botState) push(symbol string, price float64, capacity int) {
	h := append(st.history[symbol], price)
	if len(h) > capacity {
		h = h[len(h)-capacity:]
	}
	st.history[symbol] = h
}

func (st *botState) window(symbol string) []float64 {
	h := st.history[symbol]
	out := make([]float64, len(h))
	copy(out, h)
	return out
}
