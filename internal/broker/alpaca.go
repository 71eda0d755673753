package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/awray/market_sentry/internal/models"
)

// fillPollInterval and fillPollBudget bound the post-submit status poll for
// market orders.
const (
	fillPollInterval = 500 * time.Millisecond
	fillPollBudget   = 5 * time.Second
)

// AlpacaBroker adapts the Alpaca trading API to the Broker port. The SDK
// reads APCA_API_KEY_ID, APCA_API_SECRET_KEY and APCA_API_BASE_URL from the
// environment.
type AlpacaBroker struct {
	client *alpaca.Client
	logger *log.Logger
}

var _ Broker = (*AlpacaBroker)(nil)

// NewAlpacaBroker creates the adapter. baseURL selects paper or live
// trading; empty means the SDK default.
func NewAlpacaBroker(baseURL string, logger *log.Logger) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{BaseURL: baseURL}),
		logger: logger,
	}
}

// GetPortfolio maps the Alpaca account and position list onto a Snapshot.
// Short positions come back with negative quantities already; the mapping
// preserves the sign.
func (a *AlpacaBroker) GetPortfolio(ctx context.Context) (*models.Snapshot, error) {
	acct, err := a.client.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	positions, err := a.client.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	snap := &models.Snapshot{
		Cash:  acct.Cash.InexactFloat64(),
		Taken: time.Now(),
	}
	for _, p := range positions {
		qty := p.Qty
		if p.Side == "short" && qty.IsPositive() {
			qty = qty.Neg()
		}
		current := decimal.Zero
		if p.CurrentPrice != nil {
			current = *p.CurrentPrice
		}
		snap.Positions = append(snap.Positions, models.Position{
			Ticker:       p.Symbol,
			Quantity:     qty.InexactFloat64(),
			AvgCost:      p.AvgEntryPrice.InexactFloat64(),
			CurrentPrice: current.InexactFloat64(),
		})
	}
	snap.RecomputeTotal()
	return snap, nil
}

// SubmitOrder places the order and polls briefly for a terminal status so
// callers see fills from liquid market orders synchronously.
func (a *AlpacaBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	qty := decimal.NewFromFloat(req.Quantity)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:      req.Ticker,
		Qty:         &qty,
		Side:        mapSide(req.Action),
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	}
	if req.Type == models.OrderLimit {
		limit := decimal.NewFromFloat(req.LimitPrice)
		placeReq.Type = alpaca.Limit
		placeReq.LimitPrice = &limit
	}

	order, err := a.client.PlaceOrder(placeReq)
	if err != nil {
		return &OrderResult{Status: StatusError, Message: err.Error()}, nil
	}

	deadline := time.Now().Add(fillPollBudget)
	for {
		if isTerminal(order.Status) || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return mapResult(order), ctx.Err()
		case <-time.After(fillPollInterval):
		}
		refreshed, err := a.client.GetOrder(order.ID)
		if err != nil {
			a.logger.Printf("Warning: polling order %s: %v", order.ID, err)
			break
		}
		order = refreshed
	}
	return mapResult(order), nil
}

// GetOpenOrders lists working orders.
func (a *AlpacaBroker) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	orders, err := a.client.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 100})
	if err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}
	var result []OpenOrder
	for _, o := range orders {
		qty := decimal.Zero
		if o.Qty != nil {
			qty = *o.Qty
		}
		action := models.ActionBuy
		if o.Side == alpaca.Sell {
			action = models.ActionSell
		}
		result = append(result, OpenOrder{
			OrderID:  o.ID,
			Ticker:   o.Symbol,
			Action:   action,
			Quantity: qty.InexactFloat64(),
		})
	}
	return result, nil
}

// CancelOrder cancels a working order.
func (a *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	return a.client.CancelOrder(orderID)
}

// mapSide collapses the four-action order model onto Alpaca's buy/sell:
// shorting is a sell with no position, covering is a buy against a short.
func mapSide(action models.OrderAction) alpaca.Side {
	switch action {
	case models.ActionSell, models.ActionShort:
		return alpaca.Sell
	default:
		return alpaca.Buy
	}
}

func isTerminal(status string) bool {
	switch status {
	case "filled", "canceled", "rejected", "expired", "done_for_day":
		return true
	}
	return false
}

func mapResult(o *alpaca.Order) *OrderResult {
	res := &OrderResult{
		OrderID:        o.ID,
		FilledQuantity: o.FilledQty.InexactFloat64(),
		SubmittedAt:    o.CreatedAt,
	}
	if o.FilledAvgPrice != nil {
		res.FilledPrice = o.FilledAvgPrice.InexactFloat64()
	}
	switch o.Status {
	case "filled":
		res.Status = StatusFilled
	case "rejected", "canceled", "expired":
		res.Status = StatusRejected
		res.Message = fmt.Sprintf("order %s", o.Status)
	default:
		if o.FilledQty.IsPositive() {
			res.Status = StatusPartial
		} else {
			res.Status = StatusError
			res.Message = fmt.Sprintf("order still %s after poll window", o.Status)
		}
	}
	return res
}
