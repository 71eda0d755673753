package main

import (
	"context"
	"log"
	"time"

	"github.com/awray/market_sentry/internal/agent"
	"github.com/awray/market_sentry/internal/broker"
	"github.com/awray/market_sentry/internal/clock"
	"github.com/awray/market_sentry/internal/config"
	"github.com/awray/market_sentry/internal/defense"
	"github.com/awray/market_sentry/internal/models"
	"github.com/awray/market_sentry/internal/policy"
	"github.com/awray/market_sentry/internal/quote"
	"github.com/awray/market_sentry/internal/rotation"
	"github.com/awray/market_sentry/internal/schedule"
	"github.com/awray/market_sentry/internal/state"
)

// outOfMarketSleep is the cycle interval while the exchange is closed.
const outOfMarketSleep = time.Minute

// tightenedStop is the stop fraction applied autonomously on regime
// escalation.
const tightenedStop = 0.10

// Monitor is the single-threaded cycle driver. All mutable run state lives
// here; everything else is reached through ports.
type Monitor struct {
	cfgStore *config.Store
	store    *state.Store
	clk      clock.Clock
	broker   broker.Broker
	quotes   quote.Service
	runner   *agent.Runner
	defense  *defense.Controller
	rotation *rotation.Controller
	logger   *log.Logger

	wasInMarket bool

	// Regime-driven stop tightening, applied on top of the loaded config
	// until the regime de-escalates. stopOverrides is per-ticker; when
	// globalStop is nonzero it caps the default stop for every position.
	stopOverrides map[string]float64
	globalStop    float64
}

// Run drives cycles until ctx is cancelled. Sleeps yield promptly on
// shutdown.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Println("Monitor starting main loop...")
	for {
		inMarket := m.clk.IsMarketHours()
		if m.wasInMarket && !inMarket {
			m.persistPriorClose(ctx)
		}
		m.wasInMarket = inMarket

		var sleep time.Duration
		if inMarket {
			cfg := m.marketCycle(ctx)
			sleep = cfg.CheckInterval()
		} else {
			m.outOfMarketCycle(ctx)
			sleep = outOfMarketSleep
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// marketCycle is one in-market iteration. It returns the config it ran
// under so the caller sleeps the configured interval.
func (m *Monitor) marketCycle(ctx context.Context) *config.Config {
	loaded, reloaded := m.cfgStore.MaybeReload()
	if reloaded {
		m.logger.Println("Configuration reloaded")
	}
	cfg := m.effectiveConfig(loaded)
	exchangeNow, _ := m.clk.Now()

	snap, err := m.broker.GetPortfolio(ctx)
	if err != nil {
		m.logger.Printf("Warning: portfolio snapshot failed, skipping cycle: %v", err)
		return cfg
	}

	tickers := make([]string, 0, len(snap.Positions))
	for i := range snap.Positions {
		tickers = append(tickers, snap.Positions[i].Ticker)
	}
	prices := quote.FetchPrices(ctx, m.quotes, tickers, m.logger)
	for i := range snap.Positions {
		if p, ok := prices[snap.Positions[i].Ticker]; ok {
			snap.Positions[i].CurrentPrice = p
		}
	}
	snap.RecomputeTotal()

	m.pinDayStart(exchangeNow, snap.TotalValue)
	m.runGapCheck(ctx, cfg, snap, exchangeNow)
	regime := m.checkVIXRegime(ctx, cfg, snap)

	// Re-derive the config in case the regime shift tightened stops above.
	cfg = m.effectiveConfig(loaded)
	defensive := m.defense.Active()
	in := policy.Input{
		Snapshot:  snap,
		Prices:    prices,
		Config:    cfg,
		Regime:    regime,
		Defensive: defensive,
	}
	actions := policy.Evaluate(in)

	if schedule.ReviewDue(exchangeNow, m.store.LastReview(),
		cfg.ReviewIntervals.StrategyHours, m.clk.MinutesToClose()) {
		m.runScheduledReview(ctx, cfg, snap, regime, len(actions) == 0)
	}
	if schedule.DiscoveryDue(exchangeNow, m.store.LastDiscovery(), cfg.ReviewIntervals) {
		m.runDiscovery(ctx, cfg, snap, regime)
	}

	m.executeActions(ctx, cfg, snap, regime, actions)

	m.checkCircuitBreaker(ctx, cfg, snap, exchangeNow)

	return cfg
}

// effectiveConfig layers the monitor's autonomous stop tightening over the
// loaded config without mutating the shared value.
func (m *Monitor) effectiveConfig(loaded *config.Config) *config.Config {
	if len(m.stopOverrides) == 0 && m.globalStop == 0 {
		return loaded
	}
	cfg := *loaded
	if m.globalStop > 0 && m.globalStop < cfg.DefaultStopLoss {
		cfg.DefaultStopLoss = m.globalStop
	}
	if len(m.stopOverrides) > 0 {
		merged := make(map[string]config.PositionStop, len(loaded.PositionStopLoss)+len(m.stopOverrides))
		for k, v := range loaded.PositionStopLoss {
			merged[k] = v
		}
		for ticker, threshold := range m.stopOverrides {
			if _, exists := merged[ticker]; !exists {
				merged[ticker] = config.PositionStop{Threshold: threshold, Reason: "regime escalation"}
			}
		}
		cfg.PositionStopLoss = merged
	}
	return &cfg
}

// pinDayStart records the day's starting value on the first in-market cycle.
func (m *Monitor) pinDayStart(exchangeNow time.Time, totalValue float64) {
	today := exchangeNow.Format("2006-01-02")
	ov := m.store.Overnight()
	if ov.DayStartDate == today {
		return
	}
	ov.DayStartDate = today
	ov.DayStartValue = totalValue
	if err := m.store.SetOvernight(ov); err != nil {
		m.logger.Printf("Warning: persisting day start: %v", err)
	}
	m.logger.Printf("Day start pinned: $%.2f", totalValue)
}

// runGapCheck compares the open against the stored prior close, once per
// day. A gap past the threshold enters defensive mode immediately.
func (m *Monitor) runGapCheck(ctx context.Context, cfg *config.Config, snap *models.Snapshot, exchangeNow time.Time) {
	today := exchangeNow.Format("2006-01-02")
	ov := m.store.Overnight()
	if ov.GapCheckDate == today {
		return
	}
	ov.GapCheckDate = today
	if err := m.store.SetOvernight(ov); err != nil {
		m.logger.Printf("Warning: persisting gap check flag: %v", err)
	}

	prior := m.store.PriorClose()
	if prior.Value <= 0 {
		return
	}
	gap := (snap.TotalValue - prior.Value) / prior.Value
	m.logger.Printf("Overnight gap check: prior close $%.2f, now $%.2f (%+.2f%%)", prior.Value, snap.TotalValue, gap*100)
	if !policy.GapTriggered(prior.Value, snap.TotalValue, cfg.GapThreshold) {
		return
	}
	if m.defense.Active() {
		return
	}
	m.defense.Enter(ctx, cfg, snap, prior.Value, -gap, "overnight gap")
}

// checkVIXRegime appends the reading, and on a significant transition
// writes the alert, executes the autonomous trims, and calls the agent.
// It returns the current regime for this cycle's policy evaluation.
func (m *Monitor) checkVIXRegime(ctx context.Context, cfg *config.Config, snap *models.Snapshot) policy.Regime {
	vix, err := m.quotes.VIX(ctx)
	if err != nil {
		m.logger.Printf("Warning: VIX fetch failed: %v", err)
		if entries := m.store.VIXLog(); len(entries) > 0 {
			return policy.Regime(entries[len(entries)-1].Regime)
		}
		return policy.RegimeNormal
	}

	regime := policy.RegimeFor(vix)
	var prev policy.Regime
	var prevVIX float64
	if entries := m.store.VIXLog(); len(entries) > 0 {
		prev = policy.Regime(entries[len(entries)-1].Regime)
		prevVIX = entries[len(entries)-1].VIX
	}
	exchangeNow, _ := m.clk.Now()
	if err := m.store.AppendVIX(state.VIXReading{
		Timestamp: exchangeNow,
		VIX:       vix,
		Regime:    string(regime),
	}); err != nil {
		m.logger.Printf("Warning: appending VIX reading: %v", err)
	}

	if prev == "" || prev == regime || !policy.SignificantTransition(prev, regime) {
		m.maybeRelaxStops(regime)
		return regime
	}

	m.logger.Printf("VIX regime change: %.1f -> %.1f (%s -> %s)", prevVIX, vix, prev, regime)
	if err := m.store.WriteAlert(state.AlertStrategyReview, "VIX_REGIME_CHANGE", map[string]any{
		"vix_previous":    prevVIX,
		"vix_current":     vix,
		"regime_previous": string(prev),
		"regime_current":  string(regime),
	}); err != nil {
		m.logger.Printf("Warning: writing VIX alert: %v", err)
	}

	if policy.Escalated(prev, regime) {
		m.applyRegimeShift(ctx, cfg, snap, regime)
	} else {
		m.maybeRelaxStops(regime)
	}

	prompt := agent.BuildPrompt(agent.TriggerVIXAlert, agent.PromptContext{
		Snapshot:   snap,
		Config:     cfg,
		Regime:     string(regime),
		RegimeFrom: string(prev),
		VIXPrev:    prevVIX,
		VIXCurrent: vix,
	})
	if _, err := m.runner.Invoke(ctx, agent.TriggerVIXAlert, prompt); err != nil {
		m.logger.Printf("Warning: VIX alert agent invocation failed: %v", err)
	}
	return regime
}

// applyRegimeShift executes the autonomous trims for an escalation and
// tightens stops: per-ticker on ELEVATED, globally on HIGH.
func (m *Monitor) applyRegimeShift(ctx context.Context, cfg *config.Config, snap *models.Snapshot, to policy.Regime) {
	in := policy.Input{Snapshot: snap, Prices: pricesFromSnapshot(snap), Config: cfg, Regime: to}
	for _, a := range policy.EvaluateRegimeShift(in, to) {
		m.submit(ctx, a)
		if to == policy.RegimeElevated {
			if m.stopOverrides == nil {
				m.stopOverrides = make(map[string]float64)
			}
			m.stopOverrides[a.Ticker] = tightenedStop
		}
	}
	if to == policy.RegimeHigh {
		m.globalStop = tightenedStop
	}
}

// maybeRelaxStops clears the autonomous tightening once the regime is back
// below ELEVATED.
func (m *Monitor) maybeRelaxStops(current policy.Regime) {
	if current != policy.RegimeCalm && current != policy.RegimeNormal {
		return
	}
	if len(m.stopOverrides) == 0 && m.globalStop == 0 {
		return
	}
	m.logger.Printf("Regime back to %s, relaxing tightened stops", current)
	m.stopOverrides = nil
	m.globalStop = 0
}

// runScheduledReview writes the review alert, stamps state, evaluates the
// rotation controller, and invokes the agent with either the rotation or
// the scheduled prompt.
func (m *Monitor) runScheduledReview(ctx context.Context, cfg *config.Config, snap *models.Snapshot, regime policy.Regime, calm bool) {
	m.logger.Println("Scheduled review due")
	if err := m.store.WriteAlert(state.AlertScheduledReview, "SCHEDULED_REVIEW", map[string]any{
		"total_value": snap.TotalValue,
		"cash":        snap.Cash,
		"longs":       snap.LongCount(),
		"shorts":      snap.ShortCount(),
		"regime":      string(regime),
	}); err != nil {
		m.logger.Printf("Warning: writing review alert: %v", err)
	}
	now, _ := m.clk.Now()
	if err := m.store.SetLastReview(now); err != nil {
		m.logger.Printf("Warning: persisting review timestamp: %v", err)
	}

	pc := agent.PromptContext{Snapshot: snap, Config: cfg, Regime: string(regime)}
	trigger := agent.TriggerScheduled
	if calm {
		if d := m.rotation.Evaluate(ctx, cfg, snap); d.Triggered {
			trigger = agent.TriggerRotation
			pc.RotationEntering = d.Entering
			pc.SellFraction = d.SellFraction
			pc.BuyFraction = d.BuyFraction
		}
	}

	prompt := agent.BuildPrompt(trigger, pc)
	if _, err := m.runner.Invoke(ctx, trigger, prompt); err != nil {
		m.logger.Printf("Warning: review agent invocation failed: %v", err)
	}
}

func (m *Monitor) runDiscovery(ctx context.Context, cfg *config.Config, snap *models.Snapshot, regime policy.Regime) {
	m.logger.Println("Discovery due")
	if err := m.store.WriteAlert(state.AlertDiscovery, "DISCOVERY", map[string]any{
		"scan_universe": cfg.ScanUniverse,
		"cash":          snap.Cash,
	}); err != nil {
		m.logger.Printf("Warning: writing discovery alert: %v", err)
	}
	now, _ := m.clk.Now()
	if err := m.store.SetLastDiscovery(now); err != nil {
		m.logger.Printf("Warning: persisting discovery timestamp: %v", err)
	}

	prompt := agent.BuildPrompt(agent.TriggerDiscovery, agent.PromptContext{
		Snapshot: snap, Config: cfg, Regime: string(regime),
	})
	if _, err := m.runner.Invoke(ctx, agent.TriggerDiscovery, prompt); err != nil {
		m.logger.Printf("Warning: discovery agent invocation failed: %v", err)
	}
}

// executeActions routes policy actions through the broker in their emitted
// order. A profit-protection exit marked for review triggers a redeployment
// invocation after the order completes.
func (m *Monitor) executeActions(ctx context.Context, cfg *config.Config, snap *models.Snapshot, regime policy.Regime, actions []models.ProposedAction) {
	for _, a := range actions {
		result := m.submit(ctx, a)
		if result == nil || !a.TriggerReview {
			continue
		}
		freed := result.FilledQuantity * result.FilledPrice
		if err := m.store.WriteAlert(state.AlertScheduledReview, "PROFIT_PROTECTION_REVIEW", map[string]any{
			"ticker":     a.Ticker,
			"reason":     a.Reason,
			"freed_cash": freed,
		}); err != nil {
			m.logger.Printf("Warning: writing redeployment alert: %v", err)
		}
		prompt := agent.BuildPrompt(agent.TriggerProfitProtection, agent.PromptContext{
			Snapshot:     snap,
			Config:       cfg,
			Regime:       string(regime),
			ClosedTicker: a.Ticker,
			ClosedReason: a.Reason,
			FreedCash:    freed,
		})
		if _, err := m.runner.Invoke(ctx, agent.TriggerProfitProtection, prompt); err != nil {
			m.logger.Printf("Warning: redeployment agent invocation failed: %v", err)
		}
	}
}

func (m *Monitor) submit(ctx context.Context, a models.ProposedAction) *broker.OrderResult {
	m.logger.Printf("Executing: %s", a)
	result, err := m.broker.SubmitOrder(ctx, broker.OrderRequest{
		Ticker:   a.Ticker,
		Action:   a.Action,
		Quantity: a.Quantity,
		Type:     models.OrderMarket,
		Reason:   a.Reason,
	})
	if err != nil {
		m.logger.Printf("Warning: order failed for %s: %v", a.Ticker, err)
		return nil
	}
	if result.Status == broker.StatusRejected || result.Status == broker.StatusError {
		m.logger.Printf("Warning: order for %s not filled: %s (%s)", a.Ticker, result.Status, result.Message)
	}
	return result
}

// checkCircuitBreaker trips at most once per day and hands control to the
// defensive controller; when already defensive it checks the exit rule.
func (m *Monitor) checkCircuitBreaker(ctx context.Context, cfg *config.Config, snap *models.Snapshot, exchangeNow time.Time) {
	if m.defense.Active() {
		m.defense.MaybeExit(exchangeNow, snap.TotalValue)
		return
	}

	today := exchangeNow.Format("2006-01-02")
	ov := m.store.Overnight()
	if ov.BreakerTripDate == today || ov.DayStartValue <= 0 {
		return
	}
	if !policy.CircuitBreakerTriggered(ov.DayStartValue, snap.TotalValue, cfg.DailyLossLimit) {
		return
	}

	ov.BreakerTripDate = today
	if err := m.store.SetOvernight(ov); err != nil {
		m.logger.Printf("Warning: persisting breaker trip: %v", err)
	}
	loss := (ov.DayStartValue - snap.TotalValue) / ov.DayStartValue
	m.logger.Printf("CIRCUIT BREAKER: down %.2f%% from day start $%.2f", loss*100, ov.DayStartValue)
	m.defense.Enter(ctx, cfg, snap, ov.DayStartValue, loss, "daily circuit breaker")
}

// outOfMarketCycle runs the overnight scheduler branch: news scans and
// briefings keyed to local wall-clock times.
func (m *Monitor) outOfMarketCycle(ctx context.Context) {
	loaded, reloaded := m.cfgStore.MaybeReload()
	if reloaded {
		m.logger.Println("Configuration reloaded")
	}
	cfg := loaded
	_, localNow := m.clk.Now()
	ov := m.store.Overnight()

	if schedule.OvernightScanDue(localNow, ov.LastScan, cfg.Schedule.OvernightScans) {
		m.logger.Println("Overnight news scan due")
		ov.LastScan = localNow
		if err := m.store.SetOvernight(ov); err != nil {
			m.logger.Printf("Warning: persisting scan timestamp: %v", err)
		}
		m.runBriefing(ctx, cfg, agent.TriggerDiscovery)
		ov = m.store.Overnight()
	}

	if schedule.PreMarketDue(localNow, ov.LastPreMarket, cfg.Schedule.PreMarketClock) {
		m.logger.Println("Pre-market briefing due")
		ov.LastPreMarket = localNow.Format("2006-01-02")
		if err := m.store.SetOvernight(ov); err != nil {
			m.logger.Printf("Warning: persisting pre-market date: %v", err)
		}
		m.runBriefing(ctx, cfg, agent.TriggerPreMarket)
		ov = m.store.Overnight()
	}

	if schedule.WeekendBriefingDue(localNow, ov.LastWeekend, cfg.Schedule.WeekendClock) {
		m.logger.Println("Weekend briefing due")
		ov.LastWeekend = localNow.Format("2006-01-02")
		if err := m.store.SetOvernight(ov); err != nil {
			m.logger.Printf("Warning: persisting weekend date: %v", err)
		}
		m.runBriefing(ctx, cfg, agent.TriggerWeekend)
	}
}

func (m *Monitor) runBriefing(ctx context.Context, cfg *config.Config, trigger agent.Trigger) {
	snap, err := m.broker.GetPortfolio(ctx)
	if err != nil {
		m.logger.Printf("Warning: briefing snapshot failed: %v", err)
		return
	}
	regime := policy.RegimeNormal
	if entries := m.store.VIXLog(); len(entries) > 0 {
		regime = policy.Regime(entries[len(entries)-1].Regime)
	}
	prompt := agent.BuildPrompt(trigger, agent.PromptContext{
		Snapshot: snap, Config: cfg, Regime: string(regime),
	})
	if _, err := m.runner.Invoke(ctx, trigger, prompt); err != nil {
		m.logger.Printf("Warning: %s agent invocation failed: %v", trigger, err)
	}
}

// persistPriorClose stores the session-end value for tomorrow's gap check.
func (m *Monitor) persistPriorClose(ctx context.Context) {
	snap, err := m.broker.GetPortfolio(ctx)
	if err != nil {
		m.logger.Printf("Warning: could not snapshot for prior close: %v", err)
		return
	}
	exchangeNow, _ := m.clk.Now()
	pc := state.PriorClose{Value: snap.TotalValue, Date: exchangeNow.Format("2006-01-02")}
	if err := m.store.SetPriorClose(pc); err != nil {
		m.logger.Printf("Warning: persisting prior close: %v", err)
		return
	}
	m.logger.Printf("Prior close persisted: $%.2f", pc.Value)
}

func pricesFromSnapshot(snap *models.Snapshot) map[string]float64 {
	prices := make(map[string]float64, len(snap.Positions))
	for i := range snap.Positions {
		if snap.Positions[i].CurrentPrice > 0 {
			prices[snap.Positions[i].Ticker] = snap.Positions[i].CurrentPrice
		}
	}
	return prices
}
