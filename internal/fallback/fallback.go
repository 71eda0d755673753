// Package fallback executes the deterministic trim rules when the agent is
// unreachable. It only ever reduces existing long positions.
package fallback

import (
	"context"
	"log"

	"github.com/awray/market_sentry/internal/broker"
	"github.com/awray/market_sentry/internal/config"
	"github.com/awray/market_sentry/internal/models"
	"github.com/awray/market_sentry/internal/policy"
	"github.com/awray/market_sentry/internal/quote"
	"github.com/awray/market_sentry/internal/state"
)

// fallbackCause is journaled with every fallback action batch.
const fallbackCause = "Claude API unavailable"

// Engine applies the fallback rules against the live portfolio.
type Engine struct {
	broker broker.Broker
	quotes quote.Service
	store  *state.Store
	cfg    func() *config.Config
	logger *log.Logger
}

// NewEngine creates the engine. cfg is consulted at run time so hot
// reloads apply.
func NewEngine(b broker.Broker, q quote.Service, st *state.Store, cfg func() *config.Config, logger *log.Logger) *Engine {
	return &Engine{broker: b, quotes: q, store: st, cfg: cfg, logger: logger}
}

// Run evaluates the rules against a fresh snapshot and places the resulting
// market orders. A portfolio where no rule fires produces no orders and no
// journal entry.
func (e *Engine) Run(ctx context.Context) {
	cfg := e.cfg()
	if !cfg.FallbackRules.Enabled {
		e.logger.Printf("Fallback rules disabled, skipping")
		return
	}

	snap, err := e.broker.GetPortfolio(ctx)
	if err != nil {
		e.logger.Printf("Warning: fallback could not snapshot portfolio: %v", err)
		return
	}

	rsi := make(map[string]float64)
	for i := range snap.Positions {
		pos := &snap.Positions[i]
		if !pos.IsLong() {
			continue
		}
		v, err := e.quotes.RSI(ctx, pos.Ticker)
		if err != nil {
			e.logger.Printf("Warning: RSI unavailable for %s: %v", pos.Ticker, err)
			continue
		}
		rsi[pos.Ticker] = v
	}

	actions := policy.EvaluateFallbackRules(snap, rsi, cfg)
	if len(actions) == 0 {
		e.logger.Printf("Fallback engine: no rule conditions met")
		return
	}

	var journal []map[string]any
	for _, a := range actions {
		result, err := e.broker.SubmitOrder(ctx, broker.OrderRequest{
			Ticker:   a.Ticker,
			Action:   a.Action,
			Quantity: a.Quantity,
			Type:     models.OrderMarket,
			Reason:   a.Reason,
		})
		entry := map[string]any{
			"ticker":   a.Ticker,
			"action":   string(a.Action),
			"quantity": a.Quantity,
			"reason":   a.Reason,
		}
		switch {
		case err != nil:
			e.logger.Printf("Warning: fallback order failed for %s: %v", a.Ticker, err)
			entry["status"] = broker.StatusError
			entry["error"] = err.Error()
		default:
			e.logger.Printf("Fallback: %s %s %.4f shares (%s) -> %s", a.Action, a.Ticker, a.Quantity, a.Reason, result.Status)
			entry["status"] = result.Status
			entry["filled_quantity"] = result.FilledQuantity
		}
		journal = append(journal, entry)
	}

	if err := e.store.WriteAlert(state.AlertFallbackActions, "FALLBACK_ACTIONS", map[string]any{
		"cause":   fallbackCause,
		"actions": journal,
	}); err != nil {
		e.logger.Printf("Warning: journaling fallback actions: %v", err)
	}
}
