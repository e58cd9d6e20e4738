package models

import "time"

// EventType names a state change published to the realtime broadcaster.
type EventType string

const (
	EventBotStatusChanged   EventType = "bot_status_changed"
	EventAllocationChanged  EventType = "allocation_changed"
	EventExecutionSettled   EventType = "execution_settled"
	EventPerformanceUpdated EventType = "performance_updated"
	EventParametersUpdated  EventType = "parameters_updated"
)

// Event is one entry of a portfolio's event log.
type Event struct {
	Seq         int64          `json:"seq"`
	Type        EventType      `json:"type"`
	PortfolioID string         `json:"portfolio_id"`
	BotID       string         `json:"bot_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
