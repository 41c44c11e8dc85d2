// Package events is the engine's activity stream. Events are logged
// through zerolog and appended to the activity_log table, which the
// status API reads back out.
package events

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrysalisfund/chrysalis/internal/store"
)

// EventType represents different event types
type EventType string

const (
	TradeExecuted   EventType = "TRADE_EXECUTED"
	PositionClosed  EventType = "POSITION_CLOSED"
	SignalRejected  EventType = "SIGNAL_REJECTED"
	RiskHalt        EventType = "RISK_HALT"
	RiskReset       EventType = "RISK_RESET"
	ErrorOccurred   EventType = "ERROR_OCCURRED"
	WebsocketDown   EventType = "WEBSOCKET_DOWN"
	WebsocketFailed EventType = "WEBSOCKET_FAILED"

	// Strategy lifecycle events
	StrategyDeployed   EventType = "STRATEGY_DEPLOYED"
	StrategyRolledBack EventType = "STRATEGY_ROLLED_BACK"

	// Candidate lifecycle events
	CandidateCreated  EventType = "CANDIDATE_CREATED"
	CandidateCanceled EventType = "CANDIDATE_CANCELED"
	CandidatePromoted EventType = "CANDIDATE_PROMOTED"

	// Orchestrator events
	CycleStarted  EventType = "CYCLE_STARTED"
	CycleComplete EventType = "CYCLE_COMPLETE"
	CycleSkipped  EventType = "CYCLE_SKIPPED"
)

// categories group event types for the activity_log table
var categories = map[EventType]string{
	TradeExecuted:      "trade",
	PositionClosed:     "trade",
	SignalRejected:     "trade",
	RiskHalt:           "risk",
	RiskReset:          "risk",
	ErrorOccurred:      "system",
	WebsocketDown:      "system",
	WebsocketFailed:    "system",
	StrategyDeployed:   "ai",
	StrategyRolledBack: "ai",
	CandidateCreated:   "candidate",
	CandidateCanceled:  "candidate",
	CandidatePromoted:  "candidate",
	CycleStarted:       "ai",
	CycleComplete:      "ai",
	CycleSkipped:       "ai",
}

// Event represents a system event
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Manager handles event emission, logging and persistence
type Manager struct {
	log   zerolog.Logger
	store *store.Store
}

// NewManager creates a new event manager. The store may be nil in tests;
// events then only hit the log.
func NewManager(log zerolog.Logger, s *store.Store) *Manager {
	return &Manager{
		log:   log.With().Str("component", "events").Logger(),
		store: s,
	}
}

// Emit logs an event and appends it to the activity stream
func (m *Manager) Emit(eventType EventType, message string, data map[string]any) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Message:   message,
		Data:      data,
	}

	eventJSON, _ := json.Marshal(event)
	m.log.Info().
		Str("event_type", string(eventType)).
		RawJSON("event", eventJSON).
		Msg(message)

	if m.store == nil {
		return
	}
	category, ok := categories[eventType]
	if !ok {
		category = "system"
	}
	detail := ""
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			detail = string(b)
		}
	}
	if _, err := m.store.Exec(
		"INSERT INTO activity_log (category, message, detail, created_at) VALUES (?, ?, ?, ?)",
		category, message, detail, event.Timestamp.Unix(),
	); err != nil {
		m.log.Warn().Err(err).Msg("failed to persist activity event")
	}
}

// EmitError emits an error event
func (m *Manager) EmitError(component string, err error) {
	m.Emit(ErrorOccurred, component+": "+err.Error(), map[string]any{
		"component": component,
		"error":     err.Error(),
	})
}

// Recent returns the newest activity rows for the status API.
func (m *Manager) Recent(limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.FetchAll(
		"SELECT category, message, detail, created_at FROM activity_log ORDER BY created_at DESC, id DESC LIMIT ?",
		limit,
	)
}

// Prune deletes activity rows older than the retention window.
func (m *Manager) Prune(olderThan time.Time) error {
	_, err := m.store.Exec("DELETE FROM activity_log WHERE created_at < ?", olderThan.Unix())
	return err
}
