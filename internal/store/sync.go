package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"portfolio-orchestrator/internal/ledger"
	"portfolio-orchestrator/internal/models"
	"portfolio-orchestrator/pkg/utils"
)

// WriterConfig holds configuration for the write-behind journal.
type WriterConfig struct {
	// QueueSize bounds the number of writes waiting for the database.
	QueueSize int
	// Retry governs how a failed write is reattempted before it is logged and dropped.
	Retry utils.RetryConfig
	// StaleAfter marks the journal stale when writes are pending and none
	// has succeeded for this long.
	StaleAfter time.Duration
}

// DefaultWriterConfig returns default writer configuration.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize: 4096,
		Retry: utils.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  50 * time.Millisecond,
			MaxDelay:      time.Second,
			BackoffFactor: 2.0,
		},
		StaleAfter: 30 * time.Second,
	}
}

// SyncStatus reports the progress of the write-behind journal.
type SyncStatus struct {
	Pending   int       `json:"pending"`
	Written   int64     `json:"written"`
	Failed    int64     `json:"failed"`
	LastWrite time.Time `json:"last_write"`
	LastError string    `json:"last_error,omitempty"`
	IsStale   bool      `json:"is_stale"`
}

type writeOp struct {
	name string
	fn   func(ctx context.Context, j Journal) error
}

// Writer applies journal writes in submission order on a single goroutine so
// callers never wait for disk I/O.
type Writer struct {
	journal Journal
	config  WriterConfig
	log     zerolog.Logger

	ops      chan writeOp
	done     chan struct{}
	sendMu   sync.RWMutex
	isClosed bool
	once     sync.Once
	closeErr error

	mu        sync.RWMutex
	written   int64
	failed    int64
	lastWrite time.Time
	lastError string
}

var _ Journal = (*Writer)(nil)

// NewWriter wraps journal and starts the writer goroutine.
func NewWriter(journal Journal, cfg WriterConfig, log zerolog.Logger) *Writer {
	def := DefaultWriterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	w := &Writer{
		journal:   journal,
		config:    cfg,
		log:       log,
		ops:       make(chan writeOp, cfg.QueueSize),
		done:      make(chan struct{}),
		lastWrite: time.Now(),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for op := range w.ops {
		w.apply(op)
	}
}

func (w *Writer) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := utils.Retry(ctx, w.config.Retry, func() error {
		return op.fn(ctx, w.journal)
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.failed++
		w.lastError = err.Error()
		w.log.Error().Err(err).Str("op", op.name).Msg("journal write failed")
		return
	}
	w.written++
	w.lastWrite = time.Now()
}

// enqueue blocks while the queue is full unless ctx ends first. Writes after
// Close are dropped.
func (w *Writer) enqueue(ctx context.Context, name string, fn func(context.Context, Journal) error) error {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.isClosed {
		w.log.Warn().Str("op", name).Msg("journal closed, dropping write")
		return nil
	}
	select {
	case w.ops <- writeOp{name: name, fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SavePortfolio queues a portfolio upsert.
func (w *Writer) SavePortfolio(ctx context.Context, p models.Portfolio) error {
	return w.enqueue(ctx, "save_portfolio", func(ctx context.Context, j Journal) error {
		return j.SavePortfolio(ctx, p)
	})
}

// SaveBot queues a bot upsert.
func (w *Writer) SaveBot(ctx context.Context, b models.TradingBot) error {
	return w.enqueue(ctx, "save_bot", func(ctx context.Context, j Journal) error {
		return j.SaveBot(ctx, b)
	})
}

// DeleteBot queues removal of a bot and its records.
func (w *Writer) DeleteBot(ctx context.Context, botID string) error {
	return w.enqueue(ctx, "delete_bot", func(ctx context.Context, j Journal) error {
		return j.DeleteBot(ctx, botID)
	})
}

// SaveAllocation queues an allocation upsert.
func (w *Writer) SaveAllocation(ctx context.Context, portfolioID string, a ledger.Allocation) error {
	return w.enqueue(ctx, "save_allocation", func(ctx context.Context, j Journal) error {
		return j.SaveAllocation(ctx, portfolioID, a)
	})
}

// SaveAlgorithm queues an algorithm snapshot upsert.
func (w *Writer) SaveAlgorithm(ctx context.Context, cfg models.AlgorithmConfig) error {
	return w.enqueue(ctx, "save_algorithm", func(ctx context.Context, j Journal) error {
		return j.SaveAlgorithm(ctx, cfg)
	})
}

// DeleteAlgorithm queues removal of an algorithm snapshot.
func (w *Writer) DeleteAlgorithm(ctx context.Context, algorithmID string) error {
	return w.enqueue(ctx, "delete_algorithm", func(ctx context.Context, j Journal) error {
		return j.DeleteAlgorithm(ctx, algorithmID)
	})
}

// SaveExecution queues an execution upsert.
func (w *Writer) SaveExecution(ctx context.Context, e models.BotExecution) error {
	return w.enqueue(ctx, "save_execution", func(ctx context.Context, j Journal) error {
		return j.SaveExecution(ctx, e)
	})
}

// AppendEvent queues an event append.
func (w *Writer) AppendEvent(ctx context.Context, ev models.Event) error {
	return w.enqueue(ctx, "append_event", func(ctx context.Context, j Journal) error {
		return j.AppendEvent(ctx, ev)
	})
}

// LoadState reads straight from the underlying journal. Call it before any
// writes are queued.
func (w *Writer) LoadState(ctx context.Context, replayLimit int) (*State, error) {
	return w.journal.LoadState(ctx, replayLimit)
}

// Ping checks the underlying journal.
func (w *Writer) Ping(ctx context.Context) error {
	return w.journal.Ping(ctx)
}

// Status returns the writer's progress.
func (w *Writer) Status() SyncStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	pending := len(w.ops)
	return SyncStatus{
		Pending:   pending,
		Written:   w.written,
		Failed:    w.failed,
		LastWrite: w.lastWrite,
		LastError: w.lastError,
		IsStale:   pending > 0 && time.Since(w.lastWrite) > w.config.StaleAfter,
	}
}

// Close stops accepting writes, drains the queue and closes the journal.
func (w *Writer) Close() error {
	w.once.Do(func() {
		w.sendMu.Lock()
		w.isClosed = true
		close(w.ops)
		w.sendMu.Unlock()
		<-w.done
		w.closeErr = w.journal.Close()
	})
	return w.closeErr
}
