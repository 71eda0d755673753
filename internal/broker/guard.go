package broker

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/awray/market_sentry/internal/models"
)

// Limits are the order-level safety rails the guard enforces. The monitor
// refreshes them after every config reload.
type Limits struct {
	ShortSellingEnabled bool
	MaxShortPositions   int
}

// GuardedBroker rejects orders that would breach the short-position cap or
// flip a position's sign, regardless of who proposed them. It sits between
// every caller and the real adapter so agent-driven and fallback orders go
// through the same rails.
type GuardedBroker struct {
	broker Broker
	limits func() Limits
	logger *log.Logger
}

var _ Broker = (*GuardedBroker)(nil)

// NewGuardedBroker wraps broker. limits is consulted on every submit so
// hot-reloaded config takes effect without rewiring.
func NewGuardedBroker(broker Broker, limits func() Limits, logger *log.Logger) *GuardedBroker {
	return &GuardedBroker{broker: broker, limits: limits, logger: logger}
}

// GetPortfolio passes through to the underlying broker.
func (g *GuardedBroker) GetPortfolio(ctx context.Context) (*models.Snapshot, error) {
	return g.broker.GetPortfolio(ctx)
}

// GetOpenOrders passes through to the underlying broker.
func (g *GuardedBroker) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	return g.broker.GetOpenOrders(ctx)
}

// CancelOrder passes through to the underlying broker.
func (g *GuardedBroker) CancelOrder(ctx context.Context, orderID string) error {
	return g.broker.CancelOrder(ctx, orderID)
}

// SubmitOrder applies the safety rails before forwarding. A rejection is
// returned as a rejected OrderResult, not an error, so callers journal it
// the same way as a brokerage rejection.
func (g *GuardedBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Quantity <= 0 {
		return g.reject(req, "quantity must be positive")
	}

	snap, err := g.broker.GetPortfolio(ctx)
	if err != nil {
		return nil, fmt.Errorf("guard portfolio check: %w", err)
	}
	pos := snap.Find(req.Ticker)

	switch req.Action {
	case models.ActionShort:
		lim := g.limits()
		if !lim.ShortSellingEnabled {
			return g.reject(req, "short selling is disabled")
		}
		if pos != nil && pos.IsLong() {
			return g.reject(req, fmt.Sprintf("SHORT would flip long position in %s", req.Ticker))
		}
		// Only a new short counts against the cap.
		if pos == nil && snap.ShortCount() >= lim.MaxShortPositions {
			return g.reject(req, fmt.Sprintf("short position cap reached (%d)", lim.MaxShortPositions))
		}
	case models.ActionSell:
		if pos == nil || !pos.IsLong() {
			return g.reject(req, fmt.Sprintf("no long position in %s to sell", req.Ticker))
		}
		if req.Quantity > pos.Quantity {
			return g.reject(req, fmt.Sprintf("SELL %.4f exceeds long position %.4f in %s",
				req.Quantity, pos.Quantity, req.Ticker))
		}
	case models.ActionCover:
		if pos == nil || !pos.IsShort() {
			return g.reject(req, fmt.Sprintf("no short position in %s to cover", req.Ticker))
		}
		if req.Quantity > math.Abs(pos.Quantity) {
			return g.reject(req, fmt.Sprintf("COVER %.4f exceeds short position %.4f in %s",
				req.Quantity, math.Abs(pos.Quantity), req.Ticker))
		}
	case models.ActionBuy:
		if pos != nil && pos.IsShort() {
			return g.reject(req, fmt.Sprintf("BUY would flip short position in %s, use COVER", req.Ticker))
		}
	default:
		return g.reject(req, fmt.Sprintf("unknown order action %q", req.Action))
	}

	return g.broker.SubmitOrder(ctx, req)
}

func (g *GuardedBroker) reject(req OrderRequest, msg string) (*OrderResult, error) {
	g.logger.Printf("Order rejected: %s %s %.4f: %s", req.Action, req.Ticker, req.Quantity, msg)
	return &OrderResult{Status: StatusRejected, Message: msg}, nil
}
