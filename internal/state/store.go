// Package state persists the monitor's durable records as one JSON file per
// concern. Writes use the write-temp-then-rename idiom so a crash at any
// point leaves every file parseable.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State file names, one per concern.
const (
	FileLastReview    = "last_review.json"
	FileLastDiscovery = "last_discovery.json"
	FilePriorClose    = "prior_close_state.json"
	FileVIXLog        = "vix_log.json"
	FileDefensive     = "defensive_mode_state.json"
	FileRotation      = "rotation_state.json"
	FileOvernight     = "overnight_state.json"
	FileAPIHealth     = "api_health.json"
	FileAgentResponse = "last_agent_response.json"
)

// maxVIXLogEntries bounds the VIX history ring.
const maxVIXLogEntries = 1000

// Stamp records when a scheduled job last ran.
type Stamp struct {
	Timestamp time.Time `json:"timestamp"`
}

// PriorClose is the portfolio value persisted at the close of a session.
type PriorClose struct {
	Value float64 `json:"value"`
	Date  string  `json:"date"` // exchange-local YYYY-MM-DD
}

// VIXReading is one entry in the bounded VIX history.
type VIXReading struct {
	Timestamp time.Time `json:"timestamp"`
	VIX       float64   `json:"vix"`
	Regime    string    `json:"regime"`
}

// DefensiveMode records an active or cleared defensive posture.
type DefensiveMode struct {
	Active         bool      `json:"active"`
	EnteredAt      time.Time `json:"entered_at,omitempty"`
	PreValue       float64   `json:"pre_value,omitempty"`
	TriggerLossPct float64   `json:"trigger_loss_pct,omitempty"`
	Actions        []string  `json:"actions,omitempty"`
}

// RotationMode records an active or cleared rotation posture.
type RotationMode struct {
	Active    bool      `json:"active"`
	EnteredAt time.Time `json:"entered_at,omitempty"`
}

// Overnight tracks the out-of-market jobs that must not repeat same-day.
type Overnight struct {
	LastScan         time.Time `json:"last_scan,omitempty"`
	LastPreMarket    string    `json:"last_premarket_date,omitempty"`    // local YYYY-MM-DD
	LastWeekend      string    `json:"last_weekend_date,omitempty"`      // local YYYY-MM-DD
	GapCheckDate     string    `json:"gap_check_date,omitempty"`         // exchange YYYY-MM-DD
	BreakerTripDate  string    `json:"breaker_trip_date,omitempty"`      // exchange YYYY-MM-DD
	DayStartValue    float64   `json:"day_start_value,omitempty"`
	DayStartDate     string    `json:"day_start_date,omitempty"` // exchange YYYY-MM-DD
}

// APIHealth tracks agent invocation outcomes across cycles.
type APIHealth struct {
	ConsecutiveFailures int       `json:"consecutive_api_failures"`
	LastSuccess         time.Time `json:"last_api_success,omitempty"`
}

// Store is the single writer for all state and alert files. Methods are
// safe for concurrent use; the dashboard reads through the same instance.
type Store struct {
	mu     sync.RWMutex
	dir    string
	logger *log.Logger
	now    func() time.Time
}

// NewStore creates the state directory if needed.
func NewStore(dir string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &Store{dir: dir, logger: logger, now: time.Now}, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string { return s.dir }

// read unmarshals the named file into out. A missing file is not an error:
// out keeps its zero value. A corrupt file is logged and treated as absent;
// the next successful write heals it.
func (s *Store) read(name string, out any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Printf("Warning: state file %s is corrupt (%v), using defaults", name, err)
		return nil
	}
	return nil
}

// write marshals v and atomically replaces the named file. The temp file is
// fsynced before the rename so a crash never exposes a partial write.
func (s *Store) write(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// remove deletes the named file, ignoring a missing file.
func (s *Store) remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// LastReview returns the timestamp of the last scheduled review, zero if none.
func (s *Store) LastReview() time.Time {
	var st Stamp
	if err := s.read(FileLastReview, &st); err != nil {
		s.logger.Printf("Warning: %v", err)
	}
	return st.Timestamp
}

// SetLastReview persists the review timestamp.
func (s *Store) SetLastReview(t time.Time) error {
	return s.write(FileLastReview, Stamp{Timestamp: t})
}

// LastDiscovery returns the timestamp of the last discovery run, zero if none.
func (s *Store) LastDiscovery() time.Time {
	var st Stamp
	if err := s.read(FileLastDiscovery, &st); err != nil {
		s.logger.Printf("Warning: %v", err)
	}
	return st.Timestamp
}

// SetLastDiscovery persists the discovery timestamp.
func (s *Store) SetLastDiscovery(t time.Time) error {
	return s.write(FileLastDiscovery, Stamp{Timestamp: t})
}

// PriorClose returns the stored prior-close value, zero-valued if absent.
func (s *Store) PriorClose() PriorClose {
	var pc PriorClose
	if err := s.read(FilePriorClose, &pc); err != nil {
		s.logger.Printf("Warning: %v", err)
	}
	return pc
}

// SetPriorClose persists the session close value for the gap check.
func (s *Store) SetPriorClose(pc PriorClose) error {
	return s.write(FilePriorClose, pc)
}

// VIXLog returns the bounded VIX history, oldest first.
func (s *Store) VIXLog() []VIXReading {
	var log []VIXReading
	if err := s.read(FileVIXLog, &log); err != nil {
		s.logger.Printf("Warning: %v", err)
	}
	return log
}

// AppendVIX appends a reading, trimming the ring to its bound.
func (s *Store) AppendVIX(r VIXReading) error {
	entries := s.VIXLog()
	entries = append(entries, r)
	if len(entries) > maxVIXLogEntries {
		entries = entries[len(entries)-maxVIXLogEntries:]
	}
	return s.write(FileVIXLog, entries)
}

// Defensive returns the defensive-mode record.
func (s *Store) Defensive() DefensiveMode {
	var dm DefensiveMode
	if err := s.read(FileDefensive, &dm); err != nil {
		s.logger.Printf("Warning: %v", err)
	}
	return dm
}

// SetDefensive persists the defensive-mode record.
func (s *Store) SetDefensive(dm DefensiveMode) error {
	return s.write(FileDefensive, dm)
}

// Rotation returns the rotation-mode record.
func (s *Store) Rotation() RotationMode {
	var rm RotationMode
	if err := s.read(FileRotation, &rm); err != nil {
		s.logger.Printf("Warning: %v", err)
	}
	return rm
}

// SetRotation persists the rotation-mode record.
func (s *Store) SetRotation(rm RotationMode) error {
	return s.write(FileRotation, rm)
}

// Overnight returns the out-of-market job record.
func (s *Store) Overnight() Overnight {
	var ov Overnight
	if err := s.read(FileOvernight, &ov); err != nil {
		s.logger.Printf("Warning: %v", err)
	}
	return ov
}

// SetOvernight persists the out-of-market job record.
func (s *Store) SetOvernight(ov Overnight) error {
	return s.write(FileOvernight, ov)
}

// APIHealth returns the agent health record.
func (s *Store) APIHealth() APIHealth {
	var h APIHealth
	if err := s.read(FileAPIHealth, &h); err != nil {
		s.logger.Printf("Warning: %v", err)
	}
	return h
}

// SetAPIHealth persists the agent health record.
func (s *Store) SetAPIHealth(h APIHealth) error {
	return s.write(FileAPIHealth, h)
}

// SaveAgentResponse persists the most recent agent envelope verbatim.
func (s *Store) SaveAgentResponse(v any) error {
	return s.write(FileAgentResponse, v)
}
