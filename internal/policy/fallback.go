package policy

import (
	"fmt"

	"github.com/awray/market_sentry/internal/config"
	"github.com/awray/market_sentry/internal/models"
)

// EvaluateFallbackRules applies the deterministic trim rules used when the
// agent is unreachable. At most one rule fires per position (first match
// wins, in rule order) and the cash-reserve rule fires at most once per
// invocation. Only long positions are trimmed; the rules never open or
// extend anything.
func EvaluateFallbackRules(snap *models.Snapshot, rsi map[string]float64, cfg *config.Config) []models.ProposedAction {
	rules := cfg.FallbackRules
	if !rules.Enabled || snap.TotalValue <= 0 {
		return nil
	}

	claimed := make(map[string]bool)
	var actions []models.ProposedAction

	for i := range snap.Positions {
		pos := &snap.Positions[i]
		if !pos.IsLong() || pos.CurrentPrice <= 0 {
			continue
		}
		pnl := pos.PnLPercent()
		weight := pos.MarketValue() / snap.TotalValue
		posRSI, hasRSI := rsi[pos.Ticker]

		var act *models.ProposedAction
		switch {
		case hasRSI && posRSI > rules.ExtremeOverbought.MinRSI && pnl > rules.ExtremeOverbought.MinPnLPct:
			act = trim(pos, rules.ExtremeOverbought.TrimFraction,
				fmt.Sprintf("extreme overbought: RSI %.0f with +%.0f%% gain", posRSI, pnl*100))
		case hasRSI && posRSI > rules.RSIProfitTaking.MinRSI && pnl > rules.RSIProfitTaking.MinPnLPct:
			act = trim(pos, rules.RSIProfitTaking.TrimFraction,
				fmt.Sprintf("RSI profit-taking: RSI %.0f with +%.0f%% gain", posRSI, pnl*100))
		case weight > rules.PositionSizeLimit.MaxWeight:
			target := rules.PositionSizeLimit.TargetWeight * snap.TotalValue / pos.CurrentPrice
			qty := models.RoundShares(pos.Quantity - target)
			if qty > 0 {
				act = &models.ProposedAction{
					Kind:     models.KindFallbackTrim,
					Ticker:   pos.Ticker,
					Action:   models.ActionSell,
					Quantity: qty,
					Reason: fmt.Sprintf("position size limit: %.0f%% of portfolio, trimming to %.0f%%",
						weight*100, rules.PositionSizeLimit.TargetWeight*100),
				}
			}
		}
		if act != nil {
			claimed[pos.Ticker] = true
			actions = append(actions, *act)
		}
	}

	// Cash-reserve floor: one trim of the best performer, skipping any
	// position a rule above already claimed.
	cashWeight := snap.Cash / snap.TotalValue
	if cashWeight < rules.CashReserve.MinCashWeight {
		if best := bestPerformer(snap, claimed); best != nil &&
			best.PnLPercent() > rules.CashReserve.MinBestPnLPct {
			if act := trim(best, rules.CashReserve.TrimFraction,
				fmt.Sprintf("cash reserve: cash at %.1f%%, trimming best performer (+%.0f%%)",
					cashWeight*100, best.PnLPercent()*100)); act != nil {
				actions = append(actions, *act)
			}
		}
	}
	return actions
}

func trim(pos *models.Position, fraction float64, reason string) *models.ProposedAction {
	qty := models.RoundShares(pos.Quantity * fraction)
	if qty <= 0 {
		return nil
	}
	return &models.ProposedAction{
		Kind:     models.KindFallbackTrim,
		Ticker:   pos.Ticker,
		Action:   models.ActionSell,
		Quantity: qty,
		Reason:   reason,
	}
}

func bestPerformer(snap *models.Snapshot, skip map[string]bool) *models.Position {
	var best *models.Position
	for i := range snap.Positions {
		pos := &snap.Positions[i]
		if !pos.IsLong() || skip[pos.Ticker] || pos.CurrentPrice <= 0 {
			continue
		}
		if best == nil || pos.PnLPercent() > best.PnLPercent() {
			best = pos
		}
	}
	return best
}
