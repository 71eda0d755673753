// Package rotation tracks the aggregate technical posture of the long book
// and flips rotation mode when enough holdings turn. Transitions only ever
// produce an agent prompt; the monitor places no rotation trades itself.
package rotation

import (
	"context"
	"log"
	"time"

	"github.com/awray/market_sentry/internal/config"
	"github.com/awray/market_sentry/internal/models"
	"github.com/awray/market_sentry/internal/quote"
	"github.com/awray/market_sentry/internal/state"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Triggered    bool
	Entering     bool // true = entering rotation, false = exiting
	SellFraction float64
	BuyFraction  float64
}

// Controller evaluates rotation transitions during scheduled reviews.
type Controller struct {
	quotes quote.Service
	store  *state.Store
	logger *log.Logger
	now    func() time.Time
}

// NewController creates the controller.
func NewController(q quote.Service, st *state.Store, logger *log.Logger) *Controller {
	return &Controller{quotes: q, store: st, logger: logger, now: time.Now}
}

// Evaluate computes signal fractions over the long book and applies the
// enter/exit rules, persisting any transition. The caller invokes the agent
// with the rotation prompt when Triggered is set.
func (c *Controller) Evaluate(ctx context.Context, cfg *config.Config, snap *models.Snapshot) Decision {
	rc := cfg.RotationTrigger
	if !rc.Enabled {
		return Decision{}
	}

	longCount, strongSell, strongBuy := 0, 0, 0
	for i := range snap.Positions {
		pos := &snap.Positions[i]
		if !pos.IsLong() {
			continue
		}
		longCount++
		switch c.quotes.TechnicalSignal(ctx, pos.Ticker) {
		case models.SignalStrongSell:
			strongSell++
		case models.SignalStrongBuy:
			strongBuy++
		}
	}
	if longCount == 0 {
		return Decision{}
	}

	d := Decision{
		SellFraction: float64(strongSell) / float64(longCount),
		BuyFraction:  float64(strongBuy) / float64(longCount),
	}

	mode := c.store.Rotation()
	switch {
	case !mode.Active && d.SellFraction >= rc.StrongSellThreshold:
		c.logger.Printf("Rotation trigger: %.0f%% of %d longs STRONG_SELL, entering rotation",
			d.SellFraction*100, longCount)
		if err := c.store.SetRotation(state.RotationMode{Active: true, EnteredAt: c.now()}); err != nil {
			c.logger.Printf("Warning: persisting rotation state: %v", err)
		}
		d.Triggered = true
		d.Entering = true

	case mode.Active:
		aged := c.now().Sub(mode.EnteredAt) >= time.Duration(rc.MaxDays)*24*time.Hour
		if d.BuyFraction >= rc.RecoveryThreshold || aged {
			reason := "recovery signal"
			if aged {
				reason = "max rotation days reached"
			}
			c.logger.Printf("Rotation exit: %s (%.0f%% STRONG_BUY)", reason, d.BuyFraction*100)
			if err := c.store.SetRotation(state.RotationMode{Active: false}); err != nil {
				c.logger.Printf("Warning: persisting rotation state: %v", err)
			}
			d.Triggered = true
			d.Entering = false
		}
	}
	return d
}
