// Package lifecycle holds trading bot records and drives their status state machine.
package lifecycle

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "portfolio-orchestrator/internal/errors"
	"portfolio-orchestrator/internal/models"
)

// Command is a lifecycle operation.
type Command string

const (
	CmdStart  Command = "start"
	CmdStop   Command = "stop"
	CmdPause  Command = "pause"
	CmdResume Command = "resume"
)

// transitions lists the legal source states of each command and its target.
var transitions = map[Command]struct {
	from []models.BotStatus
	to   models.BotStatus
}{
	CmdStart:  {from: []models.BotStatus{models.BotStopped, models.BotPaused}, to: models.BotRunning},
	CmdStop:   {from: []models.BotStatus{models.BotRunning, models.BotPaused}, to: models.BotStopped},
	CmdPause:  {from: []models.BotStatus{models.BotRunning}, to: models.BotPaused},
	CmdResume: {from: []models.BotStatus{models.BotPaused}, to: models.BotRunning},
}

// Guards are the facts the state machine needs from other components.
type Guards interface {
	AllocatedPercentage(botID string) decimal.Decimal
	HasEnabledAlgorithm(botID string) bool
	HasOpenHoldings(botID string) bool
}

// Transition describes the outcome of a lifecycle command.
type Transition struct {
	Bot     models.TradingBot
	From    models.BotStatus
	To      models.BotStatus
	Reason  string
	Changed bool
}

// Manager owns bot records. Callers serialize commands per bot; the manager's own
// lock only guards its map.
type Manager struct {
	guards Guards
	now    func() time.Time

	mu   sync.RWMutex
	bots map[string]*models.TradingBot
}

// NewManager creates a Manager.
func NewManager(guards Guards) *Manager {
	return &Manager{
		guards: guards,
		now:    time.Now,
		bots:   make(map[string]*models.TradingBot),
	}
}

// Create registers a new bot in the stopped state.
func (m *Manager) Create(portfolioID, name, description string) (models.TradingBot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.TradingBot{}, apperrors.NewValidationError("name", name, "bot name is required")
	}
	if len(name) > 100 {
		return models.TradingBot{}, apperrors.NewValidationError("name", name, "bot name must be at most 100 characters")
	}

	now := m.now()
	bot := &models.TradingBot{
		ID:          uuid.NewString(),
		PortfolioID: portfolioID,
		Name:        name,
		Description: description,
		Status:      models.BotStopped,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	m.bots[bot.ID] = bot
	m.mu.Unlock()
	return *bot, nil
}

// Update changes a bot's name and description. Nil leaves a field unchanged.
func (m *Manager) Update(botID string, name, description *string) (models.TradingBot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, err := m.getLocked(botID)
	if err != nil {
		return models.TradingBot{}, err
	}
	if name != nil {
		n := strings.TrimSpace(*name)
		if n == "" || len(n) > 100 {
			return models.TradingBot{}, apperrors.NewValidationError("name", *name, "bot name must be 1-100 characters")
		}
		bot.Name = n
	}
	if description != nil {
		bot.Description = *description
	}
	bot.UpdatedAt = m.now()
	return *bot, nil
}

func (m *Manager) getLocked(botID string) (*models.TradingBot, error) {
	bot, ok := m.bots[botID]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrBotNotFound, "bot %s", botID)
	}
	return bot, nil
}

// Get returns a copy of a bot.
func (m *Manager) Get(botID string) (models.TradingBot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bot, err := m.getLocked(botID)
	if err != nil {
		return models.TradingBot{}, err
	}
	return *bot, nil
}

// Status returns a bot's status and whether it is divesting.
func (m *Manager) Status(botID string) (models.BotStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bot, err := m.getLocked(botID)
	if err != nil {
		return "", false, err
	}
	return bot.Status, bot.Divesting, nil
}

// List returns the bots of a portfolio ordered by creation time.
func (m *Manager) List(portfolioID string) []models.TradingBot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TradingBot
	for _, b := range m.bots {
		if portfolioID == "" || b.PortfolioID == portfolioID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Apply runs start, stop, pause or resume. A command whose target is the current
// state succeeds without change.
func (m *Manager) Apply(botID string, cmd Command) (Transition, error) {
	rule, ok := transitions[cmd]
	if !ok {
		return Transition{}, apperrors.NewValidationError("command", cmd, "unknown lifecycle command")
	}

	m.mu.RLock()
	bot, err := m.getLocked(botID)
	var from models.BotStatus
	var divesting bool
	if err == nil {
		from, divesting = bot.Status, bot.Divesting
	}
	m.mu.RUnlock()
	if err != nil {
		return Transition{}, err
	}

	if divesting {
		return Transition{}, apperrors.NewInvariantError(apperrors.ErrDivestInProgress, string(cmd), 0, 0,
			"bot "+botID+" is divesting")
	}
	if from == rule.to {
		b, _ := m.Get(botID)
		return Transition{Bot: b, From: from, To: from}, nil
	}
	if !contains(rule.from, from) {
		return Transition{}, apperrors.NewInvariantError(apperrors.ErrInvalidTransition, string(cmd), 0, 0,
			"cannot "+string(cmd)+" a bot that is "+string(from))
	}

	if rule.to == models.BotRunning {
		if err := m.checkRunnable(botID); err != nil {
			return Transition{}, err
		}
	}

	return m.set(botID, from, rule.to, "")
}

func (m *Manager) checkRunnable(botID string) error {
	if m.guards == nil {
		return nil
	}
	if !m.guards.AllocatedPercentage(botID).IsPositive() {
		return apperrors.NewInvariantError(apperrors.ErrAllocationRequired, "allocation", 0, 0,
			"bot "+botID+" has no allocation")
	}
	if !m.guards.HasEnabledAlgorithm(botID) {
		return apperrors.NewInvariantError(apperrors.ErrAlgorithmMissing, "algorithm", 0, 0,
			"bot "+botID+" has no enabled algorithm")
	}
	return nil
}

// set commits a transition if the bot is still in from.
func (m *Manager) set(botID string, from, to models.BotStatus, reason string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, err := m.getLocked(botID)
	if err != nil {
		return Transition{}, err
	}
	if bot.Status != from {
		return Transition{}, apperrors.NewConflictError(botID)
	}
	bot.Status = to
	if to == models.BotError {
		bot.FaultReason = reason
	} else {
		bot.FaultReason = ""
	}
	bot.UpdatedAt = m.now()
	return Transition{Bot: *bot, From: from, To: to, Reason: reason, Changed: true}, nil
}

// Fault moves a running or paused bot to error with a retained reason. Bots that
// are already stopped or in error are left alone.
func (m *Manager) Fault(botID, reason string) (Transition, error) {
	status, _, err := m.Status(botID)
	if err != nil {
		return Transition{}, err
	}
	if status != models.BotRunning && status != models.BotPaused {
		b, _ := m.Get(botID)
		return Transition{Bot: b, From: status, To: status}, nil
	}
	return m.set(botID, status, models.BotError, reason)
}

// BeginDivest marks a bot as divesting. Evaluation stops until the divest ends.
func (m *Manager) BeginDivest(botID string) (models.TradingBot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, err := m.getLocked(botID)
	if err != nil {
		return models.TradingBot{}, err
	}
	if bot.Divesting {
		return models.TradingBot{}, apperrors.NewInvariantError(apperrors.ErrDivestInProgress, "divest", 0, 0,
			"bot "+botID+" is already divesting")
	}
	bot.Divesting = true
	bot.UpdatedAt = m.now()
	return *bot, nil
}

// CompleteDivest clears the divesting flag and stops the bot.
func (m *Manager) CompleteDivest(botID string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, err := m.getLocked(botID)
	if err != nil {
		return Transition{}, err
	}
	from := bot.Status
	bot.Divesting = false
	bot.Status = models.BotStopped
	bot.FaultReason = ""
	bot.UpdatedAt = m.now()
	return Transition{Bot: *bot, From: from, To: models.BotStopped, Reason: "divested", Changed: from != models.BotStopped}, nil
}

// FailDivest clears the divesting flag and records the failure as a fault.
func (m *Manager) FailDivest(botID, reason string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, err := m.getLocked(botID)
	if err != nil {
		return Transition{}, err
	}
	from := bot.Status
	bot.Divesting = false
	bot.Status = models.BotError
	bot.FaultReason = reason
	bot.UpdatedAt = m.now()
	return Transition{Bot: *bot, From: from, To: models.BotError, Reason: reason, Changed: true}, nil
}

// CheckDeletable reports why a bot cannot be deleted, if it cannot.
func (m *Manager) CheckDeletable(botID string) error {
	status, divesting, err := m.Status(botID)
	if err != nil {
		return err
	}
	if divesting {
		return apperrors.NewInvariantError(apperrors.ErrDivestInProgress, "delete", 0, 0, "bot "+botID+" is divesting")
	}
	if !status.IsTerminal() {
		return apperrors.NewInvariantError(apperrors.ErrInvalidTransition, "delete", 0, 0,
			"only stopped or errored bots can be deleted, bot is "+string(status))
	}
	if m.guards != nil && m.guards.HasOpenHoldings(botID) {
		return apperrors.NewInvariantError(apperrors.ErrHasOpenHoldings, "delete", 0, 0,
			"bot "+botID+" still has open holdings; divest first")
	}
	return nil
}

// Delete removes a bot after CheckDeletable passes.
func (m *Manager) Delete(botID string) (models.TradingBot, error) {
	if err := m.CheckDeletable(botID); err != nil {
		return models.TradingBot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, err := m.getLocked(botID)
	if err != nil {
		return models.TradingBot{}, err
	}
	delete(m.bots, botID)
	return *bot, nil
}

// Restore installs a persisted bot. Bots that were running or paused come back
// stopped since no evaluation loop survives a restart.
func (m *Manager) Restore(bot models.TradingBot) {
	if bot.Status == models.BotRunning || bot.Status == models.BotPaused {
		bot.Status = models.BotStopped
	}
	bot.Divesting = false
	m.mu.Lock()
	m.bots[bot.ID] = &bot
	m.mu.Unlock()
}

func contains(states []models.BotStatus, s models.BotStatus) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
