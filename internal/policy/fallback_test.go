package policy

import (
	"testing"

	"github.com/awray/market_sentry/internal/config"
	"github.com/awray/market_sentry/internal/models"
)

func fallbackConfig() *config.Config {
	cfg := baseConfig()
	cfg.FallbackRules = config.FallbackRulesConfig{
		Enabled:           true,
		RSIProfitTaking:   config.RSITrimRule{MinRSI: 80, MinPnLPct: 0.20, TrimFraction: 0.25},
		ExtremeOverbought: config.RSITrimRule{MinRSI: 85, MinPnLPct: 0.30, TrimFraction: 0.30},
		PositionSizeLimit: config.SizeLimitRule{MaxWeight: 0.35, TargetWeight: 0.30},
		CashReserve:       config.CashReserveRule{MinCashWeight: 0.08, MinBestPnLPct: 0.25, TrimFraction: 0.15},
	}
	return cfg
}

func TestFallbackRSIProfitTaking(t *testing.T) {
	// RSI 82 with +24% P/L trims 25%.
	snap := snapshot(models.Position{Ticker: "NVDA", Quantity: 100, AvgCost: 100, CurrentPrice: 124})
	actions := EvaluateFallbackRules(snap, map[string]float64{"NVDA": 82}, fallbackConfig())
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	if actions[0].Quantity != 25 || actions[0].Action != models.ActionSell {
		t.Errorf("action = %s %v, want SELL 25", actions[0].Action, actions[0].Quantity)
	}
	if actions[0].Kind != models.KindFallbackTrim {
		t.Errorf("kind = %s, want fallback_trim", actions[0].Kind)
	}
}

func TestFallbackExtremeOverboughtTakesPrecedence(t *testing.T) {
	// RSI 90 with +40% matches both RSI rules; the deeper trim applies.
	snap := snapshot(models.Position{Ticker: "NVDA", Quantity: 100, AvgCost: 100, CurrentPrice: 140})
	actions := EvaluateFallbackRules(snap, map[string]float64{"NVDA": 90}, fallbackConfig())
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	if actions[0].Quantity != 30 {
		t.Errorf("quantity = %v, want 30 (30%% trim)", actions[0].Quantity)
	}
}

func TestFallbackPositionSizeLimit(t *testing.T) {
	// One position at 38% of a $100k portfolio trims down to 30%.
	snap := &models.Snapshot{
		Cash: 62000,
		Positions: []models.Position{
			{Ticker: "AAPL", Quantity: 380, AvgCost: 90, CurrentPrice: 100}, // $38,000
		},
	}
	snap.RecomputeTotal()

	actions := EvaluateFallbackRules(snap, nil, fallbackConfig())
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	// Target 30% of $100k = $30,000 -> 300 shares; trim 80.
	if actions[0].Quantity != 80 {
		t.Errorf("trim quantity = %v, want 80", actions[0].Quantity)
	}
}

func TestFallbackCashReserveTrimsBestPerformerOnce(t *testing.T) {
	// Cash 5% of total, best performer +30%.
	snap := &models.Snapshot{
		Cash: 5000,
		Positions: []models.Position{
			{Ticker: "AAPL", Quantity: 500, AvgCost: 100, CurrentPrice: 130}, // +30%, $65,000
			{Ticker: "MSFT", Quantity: 100, AvgCost: 280, CurrentPrice: 300}, // +7%, $30,000
		},
	}
	snap.RecomputeTotal()

	actions := EvaluateFallbackRules(snap, nil, fallbackConfig())
	if len(actions) != 1 {
		t.Fatalf("got %d actions, want 1", len(actions))
	}
	if actions[0].Ticker != "AAPL" || actions[0].Quantity != 75 {
		t.Errorf("action = %s %v, want AAPL 75 (15%% of 500)", actions[0].Ticker, actions[0].Quantity)
	}
}

func TestFallbackNoOpWhenNoRuleMatches(t *testing.T) {
	snap := &models.Snapshot{
		Cash: 50000,
		Positions: []models.Position{
			{Ticker: "AAPL", Quantity: 100, AvgCost: 100, CurrentPrice: 105},
		},
	}
	snap.RecomputeTotal()
	if actions := EvaluateFallbackRules(snap, map[string]float64{"AAPL": 55}, fallbackConfig()); len(actions) != 0 {
		t.Errorf("expected no actions, got %d", len(actions))
	}
}

func TestFallbackSkipsShorts(t *testing.T) {
	snap := snapshot(models.Position{Ticker: "XYZ", Quantity: -100, AvgCost: 100, CurrentPrice: 60})
	if actions := EvaluateFallbackRules(snap, map[string]float64{"XYZ": 95}, fallbackConfig()); len(actions) != 0 {
		t.Errorf("shorts must never be touched by fallback rules, got %d actions", len(actions))
	}
}

func TestFallbackDisabled(t *testing.T) {
	cfg := fallbackConfig()
	cfg.FallbackRules.Enabled = false
	snap := snapshot(models.Position{Ticker: "NVDA", Quantity: 100, AvgCost: 100, CurrentPrice: 140})
	if actions := EvaluateFallbackRules(snap, map[string]float64{"NVDA": 90}, cfg); len(actions) != 0 {
		t.Errorf("disabled rules must be a no-op, got %d actions", len(actions))
	}
}

func TestFallbackOneRulePerPosition(t *testing.T) {
	// An oversized, overbought winner gets exactly one trim, and the
	// cash-reserve rule skips it for the next-best candidate.
	snap := &models.Snapshot{
		Cash: 4000,
		Positions: []models.Position{
			{Ticker: "NVDA", Quantity: 400, AvgCost: 70, CurrentPrice: 100}, // 40% weight, +43%
			{Ticker: "AAPL", Quantity: 560, AvgCost: 80, CurrentPrice: 100}, // +25% -> not above threshold
		},
	}
	snap.RecomputeTotal()

	actions := EvaluateFallbackRules(snap, map[string]float64{"NVDA": 90}, fallbackConfig())
	count := map[string]int{}
	for _, a := range actions {
		count[a.Ticker]++
	}
	if count["NVDA"] != 1 {
		t.Errorf("NVDA trimmed %d times, want exactly 1", count["NVDA"])
	}
	// AAPL at exactly +25% does not clear the strict > threshold.
	if count["AAPL"] != 0 {
		t.Errorf("AAPL trimmed %d times, want 0", count["AAPL"])
	}
}
