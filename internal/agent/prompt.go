package agent

import (
	"fmt"
	"strings"

	"github.com/awray/market_sentry/internal/config"
	"github.com/awray/market_sentry/internal/models"
)

// Trigger identifies why the agent is being invoked. The prompt body is
// built per trigger.
type Trigger string

const (
	TriggerScheduled        Trigger = "scheduled"
	TriggerProfitProtection Trigger = "profit_protection"
	TriggerVIXAlert         Trigger = "vix_alert"
	TriggerDiscovery        Trigger = "discovery"
	TriggerPreMarket        Trigger = "premarket"
	TriggerWeekend          Trigger = "weekend"
	TriggerRotation         Trigger = "rotation"
	TriggerDefensive        Trigger = "defensive"
)

// PromptContext carries the facts a prompt embeds. Fields beyond Snapshot
// and Config are trigger-specific and zero-valued when unused.
type PromptContext struct {
	Snapshot *models.Snapshot
	Config   *config.Config
	Regime   string

	// VIX alert fields.
	VIXPrev, VIXCurrent float64
	RegimeFrom          string

	// Profit-protection fields.
	ClosedTicker string
	ClosedReason string
	FreedCash    float64

	// Defensive fields.
	ExcessCash    float64
	RetainedStars []string

	// Rotation fields.
	RotationEntering bool
	SellFraction     float64
	BuyFraction      float64
}

// BuildPrompt renders the textual prompt for one invocation.
func BuildPrompt(trigger Trigger, pc PromptContext) string {
	var b strings.Builder

	writePortfolioSection(&b, pc)

	switch trigger {
	case TriggerScheduled:
		writeScheduledBody(&b, pc)
	case TriggerProfitProtection:
		fmt.Fprintf(&b, "\nA profit-protection exit just closed %s (%s), freeing $%.2f of cash.\n",
			pc.ClosedTicker, pc.ClosedReason, pc.FreedCash)
		b.WriteString("Review the portfolio and propose how to redeploy the freed capital, or hold cash if nothing qualifies.\n")
	case TriggerVIXAlert:
		fmt.Fprintf(&b, "\nVolatility regime change: VIX moved %.1f -> %.1f (%s -> %s).\n",
			pc.VIXPrev, pc.VIXCurrent, pc.RegimeFrom, pc.Regime)
		b.WriteString("Autonomous defensive trims for extreme-beta positions have already been executed. ")
		b.WriteString("Assess the remaining book for further de-risking. Do not add new speculative positions while the regime is elevated.\n")
	case TriggerDiscovery:
		writeDiscoveryBody(&b, pc)
	case TriggerPreMarket:
		b.WriteString("\nPre-market briefing: summarize overnight news affecting current holdings and the watchlist, ")
		b.WriteString("flag positions at risk at the open, and list any orders worth queueing. Do not place orders pre-market.\n")
	case TriggerWeekend:
		b.WriteString("\nWeekend review: assess the week's performance, position health, and upcoming catalysts. ")
		b.WriteString("Produce a written plan only; markets are closed and no orders may be placed.\n")
	case TriggerRotation:
		writeRotationBody(&b, pc)
	case TriggerDefensive:
		writeDefensiveBody(&b, pc)
	}

	writeConstraintsSection(&b, pc)
	return b.String()
}

func writePortfolioSection(b *strings.Builder, pc PromptContext) {
	snap := pc.Snapshot
	fmt.Fprintf(b, "Portfolio: total value $%.2f, cash $%.2f, %d long / %d short positions. Volatility regime: %s.\n",
		snap.TotalValue, snap.Cash, snap.LongCount(), snap.ShortCount(), pc.Regime)
	for i := range snap.Positions {
		p := &snap.Positions[i]
		side := "long"
		if p.IsShort() {
			side = "short"
		}
		fmt.Fprintf(b, "  %s: %.4f %s @ $%.2f avg, now $%.2f (%+.1f%%)\n",
			p.Ticker, p.Quantity, side, p.AvgCost, p.CurrentPrice, p.PnLPercent()*100)
	}
}

func writeScheduledBody(b *strings.Builder, pc PromptContext) {
	b.WriteString("\nScheduled portfolio review. Evaluate each holding against its thesis, current technicals, and the regime. ")
	b.WriteString("Propose exits, trims, adds, or new entries from the watchlist.\n")
	if len(pc.Config.Watchlist) > 0 {
		fmt.Fprintf(b, "Watchlist: %s\n", strings.Join(pc.Config.Watchlist, ", "))
	}

	var shorts []string
	for i := range pc.Snapshot.Positions {
		if pc.Snapshot.Positions[i].IsShort() {
			shorts = append(shorts, pc.Snapshot.Positions[i].Ticker)
		}
	}
	if len(shorts) > 0 {
		fmt.Fprintf(b, "Current short positions: %s.\n", strings.Join(shorts, ", "))
	} else {
		b.WriteString("Current short positions: none.\n")
	}
	if pc.Config.ShortSelling.Enabled &&
		pc.Snapshot.ShortCount() >= pc.Config.ShortSelling.MaxShortPositions {
		fmt.Fprintf(b, "HARD CONSTRAINT: the short-position cap of %d is reached. You must NOT open any new short position. Any new short order will be rejected.\n",
			pc.Config.ShortSelling.MaxShortPositions)
	}
}

func writeDiscoveryBody(b *strings.Builder, pc PromptContext) {
	b.WriteString("\nOpportunity discovery. Scan the universe for new long candidates not already held.\n")
	if len(pc.Config.ScanUniverse) > 0 {
		fmt.Fprintf(b, "Scan universe: %s\n", strings.Join(pc.Config.ScanUniverse, ", "))
	}
	reserve := pc.Config.CapitalManagement.OpportunityReserveFraction
	fmt.Fprintf(b, "Cash posture: $%.2f available, opportunity reserve %.0f%% of total value must remain untouched.\n",
		pc.Snapshot.Cash, reserve*100)
	if !pc.Config.ShortSelling.Enabled {
		b.WriteString("Short selling is disabled; propose long ideas only.\n")
	} else {
		fmt.Fprintf(b, "Short selling is capped at %d simultaneous positions (%d currently open).\n",
			pc.Config.ShortSelling.MaxShortPositions, pc.Snapshot.ShortCount())
	}
}

func writeRotationBody(b *strings.Builder, pc PromptContext) {
	vice := strings.Join(pc.Config.RotationTrigger.ViceTickers, ", ")
	viceCap := pc.Config.RotationTrigger.MaxViceWeight * 100
	if pc.RotationEntering {
		fmt.Fprintf(b, "\nRotation signal: %.0f%% of long holdings show STRONG_SELL. ", pc.SellFraction*100)
		fmt.Fprintf(b, "Rotate a portion of weak growth holdings into the defensive set [%s], keeping that set at or below %.0f%% of the portfolio. ", vice, viceCap)
		b.WriteString("You decide which positions to rotate and how much; the monitor will place no trades on its own.\n")
	} else {
		fmt.Fprintf(b, "\nRotation recovery: %.0f%% of long holdings now show STRONG_BUY. ", pc.BuyFraction*100)
		fmt.Fprintf(b, "Unwind the defensive set [%s] back into growth holdings as conditions warrant. ", vice)
		b.WriteString("You decide the pace; the monitor will place no trades on its own.\n")
	}
}

func writeDefensiveBody(b *strings.Builder, pc PromptContext) {
	b.WriteString("\nDefensive mode is active: weak longs and all shorts have been closed and stops are tightened.\n")
	if len(pc.RetainedStars) > 0 {
		fmt.Fprintf(b, "Retained strong performers: %s.\n", strings.Join(pc.RetainedStars, ", "))
	}
	fmt.Fprintf(b, "Excess cash beyond the opportunity reserve: $%.2f.\n", pc.ExcessCash)
	b.WriteString("Choose exactly one safe-haven deployment for the excess cash:\n")
	b.WriteString("  1. Add to an existing strong performer.\n")
	b.WriteString("  2. A broad-market ETF.\n")
	b.WriteString("  3. A defensive sector ETF.\n")
	b.WriteString("  4. Hold cash.\n")
	b.WriteString("Do not open speculative positions or shorts while defensive mode is active.\n")
}

func writeConstraintsSection(b *strings.Builder, pc PromptContext) {
	b.WriteString("\nStanding constraints: ")
	fmt.Fprintf(b, "max margin %.0f%% of total value; opportunity reserve %.0f%%; ",
		pc.Config.CapitalManagement.MaxMarginFraction*100,
		pc.Config.CapitalManagement.OpportunityReserveFraction*100)
	if pc.Config.ShortSelling.Enabled {
		fmt.Fprintf(b, "short cap %d positions. ", pc.Config.ShortSelling.MaxShortPositions)
	} else {
		b.WriteString("short selling disabled. ")
	}
	b.WriteString("All orders are subject to the monitor's stop-loss and sizing rules.\n")
}
