package state

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func TestStampRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if !s.LastReview().IsZero() {
		t.Error("expected zero timestamp before first write")
	}

	at := time.Date(2025, 3, 12, 10, 30, 0, 0, time.UTC)
	if err := s.SetLastReview(at); err != nil {
		t.Fatalf("SetLastReview failed: %v", err)
	}
	if got := s.LastReview(); !got.Equal(at) {
		t.Errorf("LastReview = %v, want %v", got, at)
	}
}

func TestAlertTimestampUsesStoreClock(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2025, 3, 12, 10, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.WriteAlert(AlertDiscovery, "DISCOVERY", nil); err != nil {
		t.Fatalf("WriteAlert failed: %v", err)
	}
	a, ok := s.ReadAlert(AlertDiscovery)
	if !ok {
		t.Fatal("alert expected")
	}
	if !a.Timestamp.Equal(fixed) {
		t.Errorf("alert timestamp = %v, want the store clock's %v", a.Timestamp, fixed)
	}
}

func TestPriorCloseRoundTrip(t *testing.T) {
	s := newTestStore(t)
	pc := PriorClose{Value: 98765.43, Date: "2025-03-12"}
	if err := s.SetPriorClose(pc); err != nil {
		t.Fatalf("SetPriorClose failed: %v", err)
	}
	if got := s.PriorClose(); got != pc {
		t.Errorf("PriorClose = %+v, want %+v", got, pc)
	}
}

func TestVIXLogRingBound(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < maxVIXLogEntries+5; i++ {
		err := s.AppendVIX(VIXReading{VIX: float64(i), Regime: "NORMAL"})
		if err != nil {
			t.Fatalf("AppendVIX failed at %d: %v", i, err)
		}
	}
	entries := s.VIXLog()
	if len(entries) != maxVIXLogEntries {
		t.Fatalf("ring size = %d, want %d", len(entries), maxVIXLogEntries)
	}
	// Oldest entries were dropped.
	if entries[0].VIX != 5 {
		t.Errorf("oldest retained VIX = %v, want 5", entries[0].VIX)
	}
	if entries[len(entries)-1].VIX != float64(maxVIXLogEntries+4) {
		t.Errorf("newest VIX = %v, want %v", entries[len(entries)-1].VIX, maxVIXLogEntries+4)
	}
}

func TestCorruptFileFallsBackToDefaults(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.Dir(), FileDefensive)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	dm := s.Defensive()
	if dm.Active {
		t.Error("corrupt file should yield zero-value record")
	}

	// The next write heals the file.
	if err := s.SetDefensive(DefensiveMode{Active: true, PreValue: 100}); err != nil {
		t.Fatalf("SetDefensive failed: %v", err)
	}
	if got := s.Defensive(); !got.Active || got.PreValue != 100 {
		t.Errorf("Defensive after heal = %+v", got)
	}
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetLastDiscovery(time.Now()); err != nil {
		t.Fatalf("SetLastDiscovery failed: %v", err)
	}
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestStateFilesAlwaysParse(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetOvernight(Overnight{DayStartValue: 100000, DayStartDate: "2025-03-12"}); err != nil {
		t.Fatalf("SetOvernight failed: %v", err)
	}
	if err := s.SetAPIHealth(APIHealth{ConsecutiveFailures: 2}); err != nil {
		t.Fatalf("SetAPIHealth failed: %v", err)
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(s.Dir(), e.Name()))
		if err != nil {
			t.Fatalf("reading %s: %v", e.Name(), err)
		}
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Errorf("state file %s does not parse: %v", e.Name(), err)
		}
	}
}

func TestAlertLifecycle(t *testing.T) {
	s := newTestStore(t)

	if _, ok := s.ReadAlert(AlertDiscovery); ok {
		t.Fatal("expected no alert before write")
	}

	err := s.WriteAlert(AlertDiscovery, "DISCOVERY", map[string]any{"cash": 5000.0})
	if err != nil {
		t.Fatalf("WriteAlert failed: %v", err)
	}

	a, ok := s.ReadAlert(AlertDiscovery)
	if !ok {
		t.Fatal("expected alert after write")
	}
	if a.Status != StatusPending {
		t.Errorf("status = %s, want %s", a.Status, StatusPending)
	}
	if a.AlertType != "DISCOVERY" {
		t.Errorf("alert_type = %s, want DISCOVERY", a.AlertType)
	}
	if a.ID == "" {
		t.Error("alert ID must be set")
	}

	if err := s.CompleteAlert(AlertDiscovery); err != nil {
		t.Fatalf("CompleteAlert failed: %v", err)
	}
	a, _ = s.ReadAlert(AlertDiscovery)
	if a.Status != StatusCompleted {
		t.Errorf("status after complete = %s, want %s", a.Status, StatusCompleted)
	}

	if err := s.ClearAlert(AlertDiscovery); err != nil {
		t.Fatalf("ClearAlert failed: %v", err)
	}
	if _, ok := s.ReadAlert(AlertDiscovery); ok {
		t.Error("expected no alert after clear")
	}
}

func TestCompleteAlertPreservesExecutedTrades(t *testing.T) {
	s := newTestStore(t)
	if err := s.WriteAlert(AlertScheduledReview, "SCHEDULED_REVIEW", nil); err != nil {
		t.Fatalf("WriteAlert failed: %v", err)
	}

	// External tooling appends executed_trades out-of-band.
	a, _ := s.ReadAlert(AlertScheduledReview)
	a.ExecutedTrades = []json.RawMessage{json.RawMessage(`{"ticker":"AAPL","qty":5}`)}
	if err := s.write(AlertScheduledReview, a); err != nil {
		t.Fatalf("rewriting alert: %v", err)
	}

	if err := s.CompleteAlert(AlertScheduledReview); err != nil {
		t.Fatalf("CompleteAlert failed: %v", err)
	}
	got, _ := s.ReadAlert(AlertScheduledReview)
	if len(got.ExecutedTrades) != 1 {
		t.Errorf("executed_trades lost on complete: %+v", got)
	}
}
