// Package execution keeps the append-only execution ledger of every bot.
package execution

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/holdings"
	"portfolio-orchestrator/internal/models"
)

// CashLedger moves a bot's cash when a trade settles. book is the bot's
// projection with the trade applied.
type CashLedger interface {
	ApplyTrade(botID string, delta decimal.Decimal, book holdings.Book) error
}

// Draft is a new execution as submitted by a caller.
type Draft struct {
	AlgorithmID string
	Type        models.ExecutionType
	Symbol      string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Synthetic   bool
}

type botLog struct {
	mu         sync.Mutex
	executions []models.BotExecution
	index      map[string]int
	book       holdings.Book
}

// Recorder is the single source of truth for holdings and P&L.
type Recorder struct {
	cash CashLedger
	seq  atomic.Int64
	now  func() time.Time

	// mu may be taken while a botLog's mu is held, never the other way round.
	mu      sync.RWMutex
	bots    map[string]*botLog
	owners  map[string]string // execution id -> bot id
	byOrder map[string]string // broker order id -> execution id
}

// NewRecorder creates a Recorder that settles cash through cash.
func NewRecorder(cash CashLedger) *Recorder {
	return &Recorder{
		cash:    cash,
		now:     time.Now,
		bots:    make(map[string]*botLog),
		owners:  make(map[string]string),
		byOrder: make(map[string]string),
	}
}

func (r *Recorder) log(botID string, create bool) *botLog {
	r.mu.RLock()
	bl, ok := r.bots[botID]
	r.mu.RUnlock()
	if ok || !create {
		return bl
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if bl, ok = r.bots[botID]; !ok {
		bl = &botLog{
			index: make(map[string]int),
			book:  holdings.Book{Positions: make(map[string]holdings.Position)},
		}
		r.bots[botID] = bl
	}
	return bl
}

// locate finds the log holding an execution and returns it locked.
func (r *Recorder) locate(executionID string) (string, *botLog, int, error) {
	r.mu.RLock()
	botID, ok := r.owners[executionID]
	bl := r.bots[botID]
	r.mu.RUnlock()
	if !ok || bl == nil {
		return "", nil, 0, apperrors.Wrapf(apperrors.ErrExecutionNotFound, "execution %s", executionID)
	}
	bl.mu.Lock()
	i, ok := bl.index[executionID]
	if !ok {
		bl.mu.Unlock()
		return "", nil, 0, apperrors.Wrapf(apperrors.ErrExecutionNotFound, "execution %s", executionID)
	}
	return botID, bl, i, nil
}

// Record appends a pending execution to a bot's ledger.
func (r *Recorder) Record(botID string, d Draft) (models.BotExecution, error) {
	if err := validateDraft(d); err != nil {
		return models.BotExecution{}, err
	}

	bl := r.log(botID, true)
	bl.mu.Lock()
	defer bl.mu.Unlock()

	if d.Type == models.ExecutionSell {
		available := bl.book.Quantity(d.Symbol).Sub(pendingSells(bl.executions, d.Symbol))
		if d.Quantity.GreaterThan(available) {
			return models.BotExecution{}, apperrors.NewInvariantError(apperrors.ErrInsufficientPosition, "position",
				available.InexactFloat64(), d.Quantity.InexactFloat64(),
				"cannot sell "+d.Quantity.String()+" "+d.Symbol+", available "+available.String())
		}
	}

	e := models.BotExecution{
		ID:          uuid.NewString(),
		Seq:         r.seq.Add(1),
		BotID:       botID,
		AlgorithmID: d.AlgorithmID,
		Type:        d.Type,
		Symbol:      d.Symbol,
		Quantity:    d.Quantity,
		Price:       d.Price,
		TotalValue:  d.Quantity.Mul(d.Price),
		Status:      models.ExecutionPending,
		Synthetic:   d.Synthetic,
		CreatedAt:   r.now(),
	}

	bl.index[e.ID] = len(bl.executions)
	bl.executions = append(bl.executions, e)

	r.mu.Lock()
	r.owners[e.ID] = botID
	r.mu.Unlock()

	return e, nil
}

func validateDraft(d Draft) error {
	switch d.Type {
	case models.ExecutionBuy, models.ExecutionSell:
		if d.Symbol == "" {
			return apperrors.NewValidationError("symbol", d.Symbol, "symbol is required")
		}
		if !d.Quantity.IsPositive() {
			return apperrors.NewValidationError("quantity", d.Quantity.String(), "quantity must be positive")
		}
	case models.ExecutionAnalysis:
		if d.Quantity.IsNegative() {
			return apperrors.NewValidationError("quantity", d.Quantity.String(), "quantity must not be negative")
		}
	default:
		return apperrors.NewValidationError("execution_type", d.Type, "must be buy, sell or analysis")
	}
	if d.Price.IsNegative() {
		return apperrors.NewValidationError("price", d.Price.String(), "price must not be negative")
	}
	return nil
}

func pendingSells(execs []models.BotExecution, symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, e := range execs {
		if e.Status == models.ExecutionPending && e.Type == models.ExecutionSell && e.Symbol == symbol {
			total = total.Add(e.Quantity)
		}
	}
	return total
}

// Settle moves a pending execution to a terminal status. Completing a trade re-projects
// the bot's holdings and adjusts its cash; if either step fails nothing changes.
func (r *Recorder) Settle(executionID string, s models.Settlement) (models.BotExecution, error) {
	if !s.Status.IsTerminal() {
		return models.BotExecution{}, apperrors.NewValidationError("status", s.Status, "settlement status must be completed, failed or cancelled")
	}

	botID, bl, i, err := r.locate(executionID)
	if err != nil {
		return models.BotExecution{}, err
	}
	defer bl.mu.Unlock()

	e := bl.executions[i]
	if e.Status.IsTerminal() {
		return e, apperrors.NewInvariantError(apperrors.ErrExecutionSettled, "append_only", 0, 0,
			"execution "+executionID+" is already "+string(e.Status))
	}

	at := s.ExecutedAt
	if at.IsZero() {
		at = r.now()
	}
	e.ExecutedAt = &at
	e.Status = s.Status
	e.ErrorMessage = s.Error

	if s.Status != models.ExecutionCompleted {
		bl.executions[i] = e
		return e, nil
	}

	if s.Price != nil {
		e.Price = *s.Price
	}
	if s.Quantity != nil {
		e.Quantity = *s.Quantity
	}

	if e.IsTrade() {
		if !e.Price.IsPositive() {
			return bl.executions[i], apperrors.NewValidationError("price", e.Price.String(), "completed trades require a positive price")
		}
		if !e.Quantity.IsPositive() {
			return bl.executions[i], apperrors.NewValidationError("quantity", e.Quantity.String(), "completed trades require a positive quantity")
		}
	}
	e.TotalValue = e.Quantity.Mul(e.Price)

	if !e.IsTrade() {
		bl.executions[i] = e
		return e, nil
	}

	candidate := make([]models.BotExecution, len(bl.executions))
	copy(candidate, bl.executions)
	candidate[i] = e
	book, err := holdings.Replay(candidate)
	if err != nil {
		return bl.executions[i], err
	}

	delta := e.TotalValue
	if e.Type == models.ExecutionBuy {
		delta = delta.Neg()
	}
	if r.cash != nil {
		if err := r.cash.ApplyTrade(botID, delta, book); err != nil {
			return bl.executions[i], err
		}
	}

	bl.executions[i] = e
	bl.book = book
	return e, nil
}

// AttachOrder links a broker order to a pending execution.
func (r *Recorder) AttachOrder(executionID, orderID string) error {
	_, bl, i, err := r.locate(executionID)
	if err != nil {
		return err
	}
	defer bl.mu.Unlock()
	bl.executions[i].BrokerOrderID = orderID

	r.mu.Lock()
	r.byOrder[orderID] = executionID
	r.mu.Unlock()
	return nil
}

// ByOrder resolves a broker order id to its execution id.
func (r *Recorder) ByOrder(orderID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byOrder[orderID]
	return id, ok
}

// Get returns one execution.
func (r *Recorder) Get(executionID string) (models.BotExecution, error) {
	_, bl, i, err := r.locate(executionID)
	if err != nil {
		return models.BotExecution{}, err
	}
	defer bl.mu.Unlock()
	return bl.executions[i], nil
}

// BotOf returns the owning bot of an execution.
func (r *Recorder) BotOf(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owners[executionID]
	return id, ok
}

// History returns a copy of a bot's ledger in sequence order.
func (r *Recorder) History(botID string) []models.BotExecution {
	bl := r.log(botID, false)
	if bl == nil {
		return nil
	}
	bl.mu.Lock()
	defer bl.mu.Unlock()
	out := make([]models.BotExecution, len(bl.executions))
	copy(out, bl.executions)
	return out
}

// Since returns up to limit executions of a bot with Seq greater than afterSeq.
func (r *Recorder) Since(botID string, afterSeq int64, limit int) []models.BotExecution {
	all := r.History(botID)
	start := sort.Search(len(all), func(i int) bool { return all[i].Seq > afterSeq })
	out := all[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Pending returns a bot's executions that have not settled yet.
func (r *Recorder) Pending(botID string) []models.BotExecution {
	var out []models.BotExecution
	for _, e := range r.History(botID) {
		if e.Status == models.ExecutionPending {
			out = append(out, e)
		}
	}
	return out
}

// Book returns the current projection of a bot's history.
func (r *Recorder) Book(botID string) holdings.Book {
	bl := r.log(botID, false)
	if bl == nil {
		return holdings.Book{Positions: map[string]holdings.Position{}}
	}
	bl.mu.Lock()
	defer bl.mu.Unlock()
	positions := make(map[string]holdings.Position, len(bl.book.Positions))
	for k, v := range bl.book.Positions {
		positions[k] = v
	}
	trades := make([]holdings.ClosedTrade, len(bl.book.Trades))
	copy(trades, bl.book.Trades)
	return holdings.Book{Positions: positions, Trades: trades}
}

// HasOpenHoldings reports whether a bot still carries quantity in any symbol.
func (r *Recorder) HasOpenHoldings(botID string) bool {
	return r.Book(botID).HasOpen()
}

// Forget drops a deleted bot's in-memory ledger. The persisted journal keeps it.
func (r *Recorder) Forget(botID string) {
	bl := r.log(botID, false)
	if bl == nil {
		return
	}
	bl.mu.Lock()
	defer bl.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range bl.executions {
		delete(r.owners, e.ID)
		if e.BrokerOrderID != "" {
			delete(r.byOrder, e.BrokerOrderID)
		}
	}
	if r.bots[botID] == bl {
		delete(r.bots, botID)
	}
}

// Restore loads persisted executions without touching cash. Executions must belong
// to one bot and come in sequence order.
func (r *Recorder) Restore(botID string, execs []models.BotExecution) error {
	book, err := holdings.Replay(execs)
	if err != nil {
		return err
	}

	bl := r.log(botID, true)
	bl.mu.Lock()
	defer bl.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range execs {
		bl.index[e.ID] = len(bl.executions)
		bl.executions = append(bl.executions, e)
		r.owners[e.ID] = botID
		if e.BrokerOrderID != "" {
			r.byOrder[e.BrokerOrderID] = e.ID
		}
		for {
			cur := r.seq.Load()
			if e.Seq <= cur || r.seq.CompareAndSwap(cur, e.Seq) {
				break
			}
		}
	}
	bl.book = book
	return nil
}
