package policy

import (
	"fmt"
	"math"

	"github.com/awray/market_sentry/internal/config"
	"github.com/awray/market_sentry/internal/models"
)

// Input bundles the immutable facts one evaluation works from. Prices holds
// the cycle's fresh spot prices; a position whose ticker is absent is
// skipped by every rule.
type Input struct {
	Snapshot  *models.Snapshot
	Prices    map[string]float64
	Config    *config.Config
	Regime    Regime
	Defensive bool
}

func (in Input) price(ticker string) (float64, bool) {
	p, ok := in.Prices[ticker]
	return p, ok && p > 0
}

// Evaluate runs the per-cycle rules in their fixed order: stop-losses,
// then profit protection, then dip-buys. A ticker claimed by an earlier
// rule is excluded from later ones, so each ticker yields at most one exit
// and a dip-buy never coexists with an exit.
func Evaluate(in Input) []models.ProposedAction {
	claimed := make(map[string]bool)
	var actions []models.ProposedAction

	for _, a := range EvaluateStopLosses(in) {
		claimed[a.Ticker] = true
		actions = append(actions, a)
	}
	for _, a := range EvaluateProfitProtection(in) {
		if claimed[a.Ticker] {
			continue
		}
		claimed[a.Ticker] = true
		actions = append(actions, a)
	}
	for _, a := range EvaluateDipBuys(in) {
		if claimed[a.Ticker] {
			continue
		}
		actions = append(actions, a)
	}
	return actions
}

// EvaluateStopLosses fires a full-quantity market exit for every position
// whose sign-corrected loss breached its effective stop fraction.
func EvaluateStopLosses(in Input) []models.ProposedAction {
	var actions []models.ProposedAction
	for i := range in.Snapshot.Positions {
		pos := &in.Snapshot.Positions[i]
		current, ok := in.price(pos.Ticker)
		if !ok || pos.AvgCost <= 0 {
			continue
		}
		s := in.Config.StopLossFor(pos.Ticker, string(in.Regime), in.Defensive)

		if pos.IsLong() && current <= pos.AvgCost*(1-s) {
			actions = append(actions, models.ProposedAction{
				Kind:     models.KindStopLossExit,
				Ticker:   pos.Ticker,
				Action:   models.ActionSell,
				Quantity: pos.Quantity,
				Reason:   fmt.Sprintf("stop-loss at -%.0f%% (price fell to $%.2f)", s*100, current),
			})
		}
		if pos.IsShort() && current >= pos.AvgCost*(1+s) {
			actions = append(actions, models.ProposedAction{
				Kind:     models.KindStopLossExit,
				Ticker:   pos.Ticker,
				Action:   models.ActionCover,
				Quantity: math.Abs(pos.Quantity),
				Reason:   fmt.Sprintf("stop-loss at +%.0f%% (price rose to $%.2f)", s*100, current),
			})
		}
	}
	return actions
}

// EvaluateProfitProtection closes positions whose configured price floor
// (longs) or ceiling (shorts) tripped. Entries marked trigger_review carry
// the flag through so the monitor loop schedules a redeployment review.
func EvaluateProfitProtection(in Input) []models.ProposedAction {
	var actions []models.ProposedAction
	for i := range in.Snapshot.Positions {
		pos := &in.Snapshot.Positions[i]
		entry, ok := in.Config.ProfitProtection[pos.Ticker]
		if !ok {
			continue
		}
		current, okPrice := in.price(pos.Ticker)
		if !okPrice {
			continue
		}

		switch {
		case entry.PositionType == "long" && pos.IsLong() && current <= entry.MinPrice:
			actions = append(actions, models.ProposedAction{
				Kind:          models.KindProfitProtectionExit,
				Ticker:        pos.Ticker,
				Action:        models.ActionSell,
				Quantity:      pos.Quantity,
				Reason:        fmt.Sprintf("profit protection: price $%.2f breached floor $%.2f (%s)", current, entry.MinPrice, entry.Reason),
				TriggerReview: entry.TriggerReview,
			})
		case entry.PositionType == "short" && pos.IsShort() && current >= entry.MaxPrice:
			actions = append(actions, models.ProposedAction{
				Kind:          models.KindProfitProtectionExit,
				Ticker:        pos.Ticker,
				Action:        models.ActionCover,
				Quantity:      math.Abs(pos.Quantity),
				Reason:        fmt.Sprintf("profit protection: price $%.2f breached ceiling $%.2f (%s)", current, entry.MaxPrice, entry.Reason),
				TriggerReview: entry.TriggerReview,
			})
		}
	}
	return actions
}

// EvaluateDipBuys sizes an add for each held dip-list ticker trading in the
// configured dip band below entry: min(10% of position notional, 50% of
// cash), emitted only when it buys at least one whole share. Disabled
// entirely in defensive mode.
func EvaluateDipBuys(in Input) []models.ProposedAction {
	cfg := in.Config.DipBuying
	if !cfg.Enabled || in.Defensive {
		return nil
	}
	inList := make(map[string]bool, len(cfg.Tickers))
	for _, t := range cfg.Tickers {
		inList[t] = true
	}

	var actions []models.ProposedAction
	for i := range in.Snapshot.Positions {
		pos := &in.Snapshot.Positions[i]
		if !pos.IsLong() || !inList[pos.Ticker] || pos.AvgCost <= 0 {
			continue
		}
		current, ok := in.price(pos.Ticker)
		if !ok {
			continue
		}
		ret := (current - pos.AvgCost) / pos.AvgCost
		if ret > -cfg.MinPct || ret < -cfg.MaxPct {
			continue
		}

		notional := math.Min(0.10*pos.Quantity*current, 0.50*in.Snapshot.Cash)
		if notional <= 0 {
			continue
		}
		qty := models.RoundShares(notional / current)
		if qty < 1 {
			continue
		}
		actions = append(actions, models.ProposedAction{
			Kind:     models.KindDipBuy,
			Ticker:   pos.Ticker,
			Action:   models.ActionBuy,
			Quantity: qty,
			Reason:   fmt.Sprintf("dip-buy: %.1f%% below entry (band %.0f%%-%.0f%%)", -ret*100, cfg.MinPct*100, cfg.MaxPct*100),
		})
	}
	return actions
}

// CircuitBreakerTriggered reports whether current value has fallen from the
// day's starting value by at least the daily loss limit. A fall of exactly
// the limit triggers.
func CircuitBreakerTriggered(dayStart, current, dailyLossLimit float64) bool {
	if dayStart <= 0 {
		return false
	}
	return (current-dayStart)/dayStart <= -dailyLossLimit
}

// GapTriggered reports whether current value gapped below the prior close
// by more than the threshold.
func GapTriggered(priorClose, current, gapThreshold float64) bool {
	if priorClose <= 0 {
		return false
	}
	return (current-priorClose)/priorClose <= -gapThreshold
}

// EvaluateRegimeShift returns the autonomous actions for an escalation into
// ELEVATED or HIGH: ELEVATED trims every extreme-beta position by half,
// HIGH exits them entirely. Non-escalations produce nothing.
func EvaluateRegimeShift(in Input, to Regime) []models.ProposedAction {
	if to != RegimeElevated && to != RegimeHigh {
		return nil
	}
	var actions []models.ProposedAction
	for i := range in.Snapshot.Positions {
		pos := &in.Snapshot.Positions[i]
		hb, ok := in.Config.HighBetaPositions[pos.Ticker]
		if !ok || !hb.Extreme {
			continue
		}
		if _, okPrice := in.price(pos.Ticker); !okPrice {
			continue
		}

		held := math.Abs(pos.Quantity)
		exit := models.ActionSell
		if pos.IsShort() {
			exit = models.ActionCover
		}
		if to == RegimeElevated {
			qty := models.RoundShares(held / 2)
			if qty <= 0 {
				continue
			}
			actions = append(actions, models.ProposedAction{
				Kind:     models.KindDefensiveTrim,
				Ticker:   pos.Ticker,
				Action:   exit,
				Quantity: qty,
				Reason:   fmt.Sprintf("VIX ELEVATED: trimming extreme-beta position (beta %.1f) by 50%%", hb.Beta),
			})
		} else {
			actions = append(actions, models.ProposedAction{
				Kind:     models.KindDefensiveExit,
				Ticker:   pos.Ticker,
				Action:   exit,
				Quantity: held,
				Reason:   fmt.Sprintf("VIX HIGH: exiting extreme-beta position (beta %.1f)", hb.Beta),
			})
		}
	}
	return actions
}
