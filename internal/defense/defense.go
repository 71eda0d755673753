// Package defense implements defensive mode: the transition into a
// tightened-risk posture after a circuit breaker or overnight gap, and the
// exit back to normal policy.
package defense

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/awray/market_sentry/internal/agent"
	"github.com/awray/market_sentry/internal/broker"
	"github.com/awray/market_sentry/internal/config"
	"github.com/awray/market_sentry/internal/models"
	"github.com/awray/market_sentry/internal/state"
)

const (
	// weakLongThreshold closes longs below this P/L at entry.
	weakLongThreshold = -0.10
	// strongPerformerThreshold marks positions reported to the agent as
	// keepers.
	strongPerformerThreshold = 0.05
	// excessCashFloor is the minimum excess worth asking the agent about.
	excessCashFloor = 1000.0
	// recoveryBand exits defensive mode when value returns to within this
	// fraction of the pre-defensive value.
	recoveryBand = 0.01
)

// Controller manages defensive-mode entry and exit.
type Controller struct {
	broker broker.Broker
	runner *agent.Runner
	store  *state.Store
	logger *log.Logger
	now    func() time.Time
	// scanner runs the emergency news scan at entry. The scan itself lives
	// outside the monitor; nil is tolerated.
	scanner func(ctx context.Context)
}

// NewController creates the controller.
func NewController(b broker.Broker, r *agent.Runner, st *state.Store, logger *log.Logger) *Controller {
	return &Controller{broker: b, runner: r, store: st, logger: logger, now: time.Now}
}

// SetScanner installs the emergency news scan hook.
func (c *Controller) SetScanner(fn func(ctx context.Context)) { c.scanner = fn }

// Active reports whether defensive mode is currently persisted as active.
func (c *Controller) Active() bool { return c.store.Defensive().Active }

// Enter performs the defensive transition: emergency scan, close weak longs
// and every short, then hand excess cash to the agent for safe-haven
// deployment. preValue is the portfolio value before the drawdown; lossPct
// is the drawdown fraction that tripped the trigger.
func (c *Controller) Enter(ctx context.Context, cfg *config.Config, snap *models.Snapshot, preValue, lossPct float64, cause string) {
	c.logger.Printf("ENTERING DEFENSIVE MODE: %s (%.1f%% drawdown from $%.2f)", cause, lossPct*100, preValue)

	if c.scanner != nil {
		c.scanner(ctx)
	}

	var actions []string
	var retained []string
	for i := range snap.Positions {
		pos := &snap.Positions[i]
		pnl := pos.PnLPercent()
		switch {
		case pos.IsShort():
			if c.close(ctx, pos, fmt.Sprintf("defensive entry: closing short (%s)", cause)) {
				actions = append(actions, fmt.Sprintf("closed short %s", pos.Ticker))
			}
		case pnl < weakLongThreshold:
			if c.close(ctx, pos, fmt.Sprintf("defensive entry: closing weak long at %.1f%% (%s)", pnl*100, cause)) {
				actions = append(actions, fmt.Sprintf("closed long %s at %.1f%%", pos.Ticker, pnl*100))
			}
		case pnl > strongPerformerThreshold:
			retained = append(retained, pos.Ticker)
		}
	}

	record := state.DefensiveMode{
		Active:         true,
		EnteredAt:      c.now(),
		PreValue:       preValue,
		TriggerLossPct: lossPct,
		Actions:        actions,
	}
	if err := c.store.SetDefensive(record); err != nil {
		c.logger.Printf("Warning: persisting defensive state: %v", err)
	}

	// Re-snapshot so excess cash reflects the closes above.
	after, err := c.broker.GetPortfolio(ctx)
	if err != nil {
		c.logger.Printf("Warning: defensive re-snapshot failed, skipping safe-haven step: %v", err)
		return
	}
	excess := after.Cash - cfg.CapitalManagement.OpportunityReserveFraction*after.TotalValue
	if excess <= excessCashFloor {
		c.logger.Printf("Defensive entry complete: excess cash $%.2f below deployment floor", excess)
		return
	}

	prompt := agent.BuildPrompt(agent.TriggerDefensive, agent.PromptContext{
		Snapshot:      after,
		Config:        cfg,
		Regime:        "", // regime is embedded by the caller's cycle context when relevant
		ExcessCash:    excess,
		RetainedStars: retained,
	})
	if _, err := c.runner.Invoke(ctx, agent.TriggerDefensive, prompt); err != nil {
		c.logger.Printf("Warning: defensive agent invocation failed: %v", err)
	}
}

// MaybeExit clears defensive mode when a new exchange-local day has begun
// or the portfolio recovered to within the band of the pre-defensive value.
// It reports whether an exit happened.
func (c *Controller) MaybeExit(exchangeNow time.Time, currentValue float64) bool {
	dm := c.store.Defensive()
	if !dm.Active {
		return false
	}

	newDay := exchangeNow.Format("2006-01-02") != dm.EnteredAt.In(exchangeNow.Location()).Format("2006-01-02")
	recovered := dm.PreValue > 0 && currentValue >= dm.PreValue*(1-recoveryBand)
	if !newDay && !recovered {
		return false
	}

	reason := "new trading day"
	if recovered {
		reason = fmt.Sprintf("recovered to $%.2f (pre-defensive $%.2f)", currentValue, dm.PreValue)
	}
	c.logger.Printf("EXITING DEFENSIVE MODE: %s", reason)
	if err := c.store.SetDefensive(state.DefensiveMode{Active: false}); err != nil {
		c.logger.Printf("Warning: clearing defensive state: %v", err)
	}
	return true
}

func (c *Controller) close(ctx context.Context, pos *models.Position, reason string) bool {
	action := models.ActionSell
	if pos.IsShort() {
		action = models.ActionCover
	}
	result, err := c.broker.SubmitOrder(ctx, broker.OrderRequest{
		Ticker:   pos.Ticker,
		Action:   action,
		Quantity: math.Abs(pos.Quantity),
		Type:     models.OrderMarket,
		Reason:   reason,
	})
	if err != nil {
		c.logger.Printf("Warning: defensive close failed for %s: %v", pos.Ticker, err)
		return false
	}
	if result.Status == broker.StatusRejected || result.Status == broker.StatusError {
		c.logger.Printf("Warning: defensive close for %s not filled: %s", pos.Ticker, result.Message)
		return false
	}
	return true
}
