package algorithm

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/models"
)

// Draft describes a new algorithm. Zero risk fields take their declared defaults.
type Draft struct {
	Name            string
	Type            models.AlgorithmType
	Symbols         []string
	PositionSize    float64
	MaxPositionSize float64
	StopLoss        float64
	TakeProfit      float64
	RiskPerTrade    float64
	Enabled         *bool
	Parameters      map[string]any
}

// slot holds the current immutable snapshot of one algorithm. Writers replace the
// pointer; an evaluation cycle loads it once and sees a consistent config.
type slot struct {
	cfg atomic.Pointer[models.AlgorithmConfig]
}

// Engine stores algorithm configurations per bot.
type Engine struct {
	catalog *Catalog
	now     func() time.Time

	mu    sync.RWMutex
	slots map[string]*slot
	byBot map[string][]string
}

// NewEngine creates an Engine backed by a template catalog.
func NewEngine(catalog *Catalog) *Engine {
	return &Engine{
		catalog: catalog,
		now:     time.Now,
		slots:   make(map[string]*slot),
		byBot:   make(map[string][]string),
	}
}

// Catalog returns the template catalog.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

func clone(c *models.AlgorithmConfig) *models.AlgorithmConfig {
	out := *c
	out.Parameters = c.Parameters.Clone()
	out.Symbols = append([]string(nil), c.Symbols...)
	if c.Performance.SharpeRatio != nil {
		s := *c.Performance.SharpeRatio
		out.Performance.SharpeRatio = &s
	}
	return &out
}

func normalizeSymbols(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func riskPatch(d Draft) map[string]any {
	patch := make(map[string]any, len(d.Parameters)+5)
	for k, v := range d.Parameters {
		patch[k] = v
	}
	for k, v := range map[string]float64{
		FieldPositionSize:    d.PositionSize,
		FieldMaxPositionSize: d.MaxPositionSize,
		FieldStopLoss:        d.StopLoss,
		FieldTakeProfit:      d.TakeProfit,
		FieldRiskPerTrade:    d.RiskPerTrade,
	} {
		if v != 0 {
			patch[k] = v
		}
	}
	return patch
}

// Create attaches a new algorithm to a bot.
func (e *Engine) Create(botID string, d Draft) (models.AlgorithmConfig, error) {
	if !d.Type.Valid() {
		return models.AlgorithmConfig{}, apperrors.NewValidationError("algorithm_type", d.Type, "unknown algorithm type")
	}
	symbols := normalizeSymbols(d.Symbols)
	if len(symbols) == 0 {
		return models.AlgorithmConfig{}, apperrors.NewValidationError("symbols", d.Symbols, "at least one symbol is required")
	}

	v, err := ValidatePatch(d.Type, riskPatch(d))
	if err != nil {
		return models.AlgorithmConfig{}, err
	}

	now := e.now()
	cfg := &models.AlgorithmConfig{
		ID:              uuid.NewString(),
		BotID:           botID,
		Name:            strings.TrimSpace(d.Name),
		Type:            d.Type,
		Symbols:         symbols,
		PositionSize:    0.1,
		MaxPositionSize: 0.25,
		StopLoss:        0.15,
		TakeProfit:      0.25,
		RiskPerTrade:    0.02,
		Enabled:         d.Enabled == nil || *d.Enabled,
		Parameters:      DefaultParameters(d.Type),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if cfg.Name == "" {
		cfg.Name = string(d.Type)
	}
	if _, set := v.Risk[FieldMaxPositionSize]; !set && v.Risk[FieldPositionSize] > cfg.MaxPositionSize {
		cfg.MaxPositionSize = v.Risk[FieldPositionSize]
	}
	applyRisk(cfg, v.Risk)
	for k, val := range v.Parameters {
		cfg.Parameters[k] = val
	}
	if err := checkCoherence(cfg); err != nil {
		return models.AlgorithmConfig{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.Enabled {
		if err := e.checkExposureLocked(cfg); err != nil {
			return models.AlgorithmConfig{}, err
		}
	}
	s := &slot{}
	s.cfg.Store(cfg)
	e.slots[cfg.ID] = s
	e.byBot[botID] = append(e.byBot[botID], cfg.ID)

	return *clone(cfg), nil
}

// CreateFromTemplate instantiates a template for a bot. Fields set in overrides win
// over the template's defaults.
func (e *Engine) CreateFromTemplate(botID, template string, overrides Draft) (models.AlgorithmConfig, error) {
	t, err := e.catalog.Get(template)
	if err != nil {
		return models.AlgorithmConfig{}, err
	}

	d := overrides
	d.Type = t.Type
	if d.Name == "" {
		d.Name = t.Name
	}
	if d.PositionSize == 0 {
		d.PositionSize = t.DefaultPositionSize
	}
	params := make(map[string]any, len(t.DefaultParameters)+len(overrides.Parameters))
	for k, v := range t.DefaultParameters {
		params[k] = v
	}
	for k, v := range overrides.Parameters {
		params[k] = v
	}
	d.Parameters = params

	return e.Create(botID, d)
}

// UpdateParameters validates patch against the algorithm's schema and swaps in a new
// snapshot. Nothing is applied unless every field is valid. Risk fields such as
// stop_loss may be patched alongside strategy parameters.
func (e *Engine) UpdateParameters(algorithmID string, patch map[string]any) (models.AlgorithmConfig, error) {
	if len(patch) == 0 {
		return models.AlgorithmConfig{}, apperrors.NewValidationError("parameters", patch, "patch is empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.slots[algorithmID]
	if !ok {
		return models.AlgorithmConfig{}, apperrors.Wrapf(apperrors.ErrAlgorithmNotFound, "algorithm %s", algorithmID)
	}
	cur := s.cfg.Load()

	v, err := ValidatePatch(cur.Type, patch)
	if err != nil {
		return models.AlgorithmConfig{}, err
	}

	next := clone(cur)
	applyRisk(next, v.Risk)
	for k, val := range v.Parameters {
		next.Parameters[k] = val
	}
	if err := checkCoherence(next); err != nil {
		return models.AlgorithmConfig{}, err
	}
	if next.Enabled {
		if err := e.checkExposureLocked(next); err != nil {
			return models.AlgorithmConfig{}, err
		}
	}

	next.Version++
	next.UpdatedAt = e.now()
	s.cfg.Store(next)
	return *clone(next), nil
}

// Toggle flips the enabled flag.
func (e *Engine) Toggle(algorithmID string) (models.AlgorithmConfig, error) {
	e.mu.RLock()
	s, ok := e.slots[algorithmID]
	e.mu.RUnlock()
	if !ok {
		return models.AlgorithmConfig{}, apperrors.Wrapf(apperrors.ErrAlgorithmNotFound, "algorithm %s", algorithmID)
	}
	return e.SetEnabled(algorithmID, !s.cfg.Load().Enabled)
}

// SetEnabled enables or disables an algorithm. Enabling fails with
// ErrPositionSizeExceeded when the bot's enabled position sizes would exceed the
// algorithm's max_position_size.
func (e *Engine) SetEnabled(algorithmID string, enabled bool) (models.AlgorithmConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.slots[algorithmID]
	if !ok {
		return models.AlgorithmConfig{}, apperrors.Wrapf(apperrors.ErrAlgorithmNotFound, "algorithm %s", algorithmID)
	}
	cur := s.cfg.Load()
	if cur.Enabled == enabled {
		return *clone(cur), nil
	}

	next := clone(cur)
	next.Enabled = enabled
	if enabled {
		if err := e.checkExposureLocked(next); err != nil {
			return models.AlgorithmConfig{}, err
		}
	}
	next.Version++
	next.UpdatedAt = e.now()
	s.cfg.Store(next)
	return *clone(next), nil
}

func (e *Engine) checkExposureLocked(cfg *models.AlgorithmConfig) error {
	total := cfg.PositionSize
	for _, id := range e.byBot[cfg.BotID] {
		if id == cfg.ID {
			continue
		}
		if other := e.slots[id].cfg.Load(); other.Enabled {
			total += other.PositionSize
		}
	}
	if total > cfg.MaxPositionSize+1e-9 {
		return apperrors.NewInvariantError(apperrors.ErrPositionSizeExceeded, "max_position_size",
			round4(total), cfg.MaxPositionSize,
			fmt.Sprintf("enabled position size %.4f would exceed max_position_size %.4f", total, cfg.MaxPositionSize))
	}
	return nil
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}

// SetPerformance stores derived performance figures without bumping the version.
func (e *Engine) SetPerformance(algorithmID string, perf models.AlgorithmPerformance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[algorithmID]
	if !ok {
		return
	}
	next := clone(s.cfg.Load())
	next.Performance = perf
	s.cfg.Store(next)
}

// Delete removes one algorithm.
func (e *Engine) Delete(algorithmID string) (models.AlgorithmConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.slots[algorithmID]
	if !ok {
		return models.AlgorithmConfig{}, apperrors.Wrapf(apperrors.ErrAlgorithmNotFound, "algorithm %s", algorithmID)
	}
	cfg := s.cfg.Load()
	delete(e.slots, algorithmID)

	ids := e.byBot[cfg.BotID]
	for i, id := range ids {
		if id == algorithmID {
			e.byBot[cfg.BotID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(e.byBot[cfg.BotID]) == 0 {
		delete(e.byBot, cfg.BotID)
	}
	return *clone(cfg), nil
}

// DeleteBot removes every algorithm of a bot and returns their ids.
func (e *Engine) DeleteBot(botID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := e.byBot[botID]
	for _, id := range ids {
		delete(e.slots, id)
	}
	delete(e.byBot, botID)
	return ids
}

// Get returns a copy of an algorithm.
func (e *Engine) Get(algorithmID string) (models.AlgorithmConfig, error) {
	snap := e.Snapshot(algorithmID)
	if snap == nil {
		return models.AlgorithmConfig{}, apperrors.Wrapf(apperrors.ErrAlgorithmNotFound, "algorithm %s", algorithmID)
	}
	return *clone(snap), nil
}

// Snapshot returns the current immutable config, or nil. Callers must not mutate it.
func (e *Engine) Snapshot(algorithmID string) *models.AlgorithmConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.slots[algorithmID]
	if !ok {
		return nil
	}
	return s.cfg.Load()
}

// ForBot returns copies of a bot's algorithms in creation order.
func (e *Engine) ForBot(botID string) []models.AlgorithmConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.AlgorithmConfig, 0, len(e.byBot[botID]))
	for _, id := range e.byBot[botID] {
		out = append(out, *clone(e.slots[id].cfg.Load()))
	}
	return out
}

// Enabled returns the current snapshots of a bot's enabled algorithms.
func (e *Engine) Enabled(botID string) []*models.AlgorithmConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*models.AlgorithmConfig
	for _, id := range e.byBot[botID] {
		if cfg := e.slots[id].cfg.Load(); cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out
}

// HasEnabled reports whether a bot has at least one enabled algorithm.
func (e *Engine) HasEnabled(botID string) bool {
	return len(e.Enabled(botID)) > 0
}

// Symbols returns the sorted union of symbols traded by a bot's enabled algorithms.
func (e *Engine) Symbols(botID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, cfg := range e.Enabled(botID) {
		for _, s := range cfg.Symbols {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Restore installs a persisted config as-is.
func (e *Engine) Restore(cfg models.AlgorithmConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := clone(&cfg)
	if c.Parameters == nil {
		c.Parameters = DefaultParameters(c.Type)
	}
	if _, ok := e.slots[c.ID]; !ok {
		e.byBot[c.BotID] = append(e.byBot[c.BotID], c.ID)
	}
	s := &slot{}
	s.cfg.Store(c)
	e.slots[c.ID] = s
}
