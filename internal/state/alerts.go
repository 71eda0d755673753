package state

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Alert file names. Each alert is a single JSON document; writing one
// replaces any pending alert of the same kind.
const (
	AlertScheduledReview = "scheduled_review_needed.json"
	AlertStrategyReview  = "strategy_review_needed.json"
	AlertDiscovery       = "discovery_needed.json"
	AlertAPIFailure      = "api_failure_alert.json"
	AlertFallbackActions = "fallback_actions.json"
)

// Alert statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// Alert is the persisted handoff document between the monitor and the
// agent. ExecutedTrades is written by external tooling after the fact and
// is carried through untouched.
type Alert struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	AlertType      string            `json:"alert_type"`
	Status         string            `json:"status"`
	Payload        map[string]any    `json:"payload,omitempty"`
	ExecutedTrades []json.RawMessage `json:"executed_trades,omitempty"`
}

// WriteAlert persists a pending alert document to the named file.
func (s *Store) WriteAlert(file, alertType string, payload map[string]any) error {
	a := Alert{
		ID:        uuid.NewString(),
		Timestamp: s.now(),
		AlertType: alertType,
		Status:    StatusPending,
		Payload:   payload,
	}
	return s.write(file, a)
}

// ReadAlert returns the alert in the named file. ok is false when no alert
// file exists or it cannot be parsed.
func (s *Store) ReadAlert(file string) (Alert, bool) {
	var a Alert
	if err := s.read(file, &a); err != nil {
		s.logger.Printf("Warning: %v", err)
		return Alert{}, false
	}
	if a.ID == "" && a.AlertType == "" {
		return Alert{}, false
	}
	return a, true
}

// CompleteAlert flips the named alert to completed, preserving every other
// field including executed_trades written by external tooling.
func (s *Store) CompleteAlert(file string) error {
	a, ok := s.ReadAlert(file)
	if !ok {
		return nil
	}
	a.Status = StatusCompleted
	return s.write(file, a)
}

// ClearAlert removes the named alert file entirely.
func (s *Store) ClearAlert(file string) error {
	return s.remove(file)
}
