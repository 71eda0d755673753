package rotation

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/awray/market_sentry/internal/config"
	"github.com/awray/market_sentry/internal/models"
	"github.com/awray/market_sentry/internal/state"
)

// fakeQuotes serves canned technical signals.
type fakeQuotes struct {
	signals map[string]models.Signal
}

func (f *fakeQuotes) Price(ctx context.Context, ticker string) (float64, error) { return 0, nil }
func (f *fakeQuotes) VIX(ctx context.Context) (float64, error)                  { return 0, nil }
func (f *fakeQuotes) RSI(ctx context.Context, ticker string) (float64, error)   { return 0, nil }
func (f *fakeQuotes) TechnicalSignal(ctx context.Context, ticker string) models.Signal {
	if s, ok := f.signals[ticker]; ok {
		return s
	}
	return models.SignalHold
}

func rotationConfig() *config.Config {
	return &config.Config{
		RotationTrigger: config.RotationConfig{
			Enabled:             true,
			StrongSellThreshold: 0.40,
			RecoveryThreshold:   0.25,
			ViceTickers:         []string{"MO", "PM"},
			MaxDays:             30,
			MaxViceWeight:       0.25,
		},
	}
}

func newController(t *testing.T, signals map[string]models.Signal) (*Controller, *state.Store) {
	t.Helper()
	st, err := state.NewStore(t.TempDir(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return NewController(&fakeQuotes{signals: signals}, st, log.New(io.Discard, "", 0)), st
}

func longBook(n int) *models.Snapshot {
	s := &models.Snapshot{Cash: 1000}
	tickers := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	for i := 0; i < n; i++ {
		s.Positions = append(s.Positions, models.Position{
			Ticker: tickers[i], Quantity: 10, AvgCost: 100, CurrentPrice: 100,
		})
	}
	s.RecomputeTotal()
	return s
}

func TestEnterRotationAtThreshold(t *testing.T) {
	// 4 of 8 longs STRONG_SELL: 50% >= 40% threshold.
	signals := map[string]models.Signal{
		"A": models.SignalStrongSell,
		"B": models.SignalStrongSell,
		"C": models.SignalStrongSell,
		"D": models.SignalStrongSell,
	}
	c, st := newController(t, signals)

	d := c.Evaluate(context.Background(), rotationConfig(), longBook(8))
	if !d.Triggered || !d.Entering {
		t.Fatalf("decision = %+v, want entering rotation", d)
	}
	if d.SellFraction != 0.5 {
		t.Errorf("sell fraction = %v, want 0.5", d.SellFraction)
	}
	if !st.Rotation().Active {
		t.Error("rotation state must be persisted active")
	}
}

func TestEnterRotationStampsControllerClock(t *testing.T) {
	signals := map[string]models.Signal{
		"A": models.SignalStrongSell,
	}
	c, st := newController(t, signals)
	fixed := time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	if d := c.Evaluate(context.Background(), rotationConfig(), longBook(2)); !d.Triggered {
		t.Fatal("expected rotation entry")
	}
	if got := st.Rotation().EnteredAt; !got.Equal(fixed) {
		t.Errorf("EnteredAt = %v, want the controller clock's %v", got, fixed)
	}
}

func TestNoEntryBelowThreshold(t *testing.T) {
	signals := map[string]models.Signal{
		"A": models.SignalStrongSell,
		"B": models.SignalStrongSell,
	}
	c, st := newController(t, signals)

	d := c.Evaluate(context.Background(), rotationConfig(), longBook(8))
	if d.Triggered {
		t.Errorf("decision = %+v, want no trigger at 25%%", d)
	}
	if st.Rotation().Active {
		t.Error("rotation state must stay inactive")
	}
}

func TestExitRotationOnRecovery(t *testing.T) {
	signals := map[string]models.Signal{
		"A": models.SignalStrongBuy,
		"B": models.SignalStrongBuy,
	}
	c, st := newController(t, signals)
	if err := st.SetRotation(state.RotationMode{Active: true, EnteredAt: time.Now().Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("seeding rotation state: %v", err)
	}

	d := c.Evaluate(context.Background(), rotationConfig(), longBook(8))
	if !d.Triggered || d.Entering {
		t.Fatalf("decision = %+v, want rotation exit", d)
	}
	if st.Rotation().Active {
		t.Error("rotation state must be cleared")
	}
}

func TestExitRotationAtMaxDays(t *testing.T) {
	c, st := newController(t, nil) // no strong signals at all
	if err := st.SetRotation(state.RotationMode{Active: true, EnteredAt: time.Now().Add(-31 * 24 * time.Hour)}); err != nil {
		t.Fatalf("seeding rotation state: %v", err)
	}

	d := c.Evaluate(context.Background(), rotationConfig(), longBook(8))
	if !d.Triggered || d.Entering {
		t.Fatalf("decision = %+v, want aged-out exit", d)
	}
}

func TestShortsExcludedFromSignalMix(t *testing.T) {
	signals := map[string]models.Signal{
		"A": models.SignalStrongSell,
		"Z": models.SignalStrongSell, // short, must not count
	}
	c, _ := newController(t, signals)
	snap := longBook(2) // A, B long
	snap.Positions = append(snap.Positions, models.Position{Ticker: "Z", Quantity: -10, AvgCost: 50, CurrentPrice: 50})

	d := c.Evaluate(context.Background(), rotationConfig(), snap)
	if d.SellFraction != 0.5 {
		t.Errorf("sell fraction = %v, want 0.5 over longs only", d.SellFraction)
	}
}

func TestRotationDisabled(t *testing.T) {
	cfg := rotationConfig()
	cfg.RotationTrigger.Enabled = false
	c, _ := newController(t, map[string]models.Signal{"A": models.SignalStrongSell})

	if d := c.Evaluate(context.Background(), cfg, longBook(1)); d.Triggered {
		t.Error("disabled controller must never trigger")
	}
}
