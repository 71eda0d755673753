// Package broker defines the execution port for the monitor and its
// production adapters. All mutating calls take a context so the monitor
// loop can bound them.
package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/awray/market_sentry/internal/models"
)

// Order statuses reported by the broker port.
const (
	StatusFilled   = "filled"
	StatusPartial  = "partial"
	StatusRejected = "rejected"
	StatusError    = "error"
)

// OrderRequest describes one order to submit.
type OrderRequest struct {
	Ticker     string             `json:"ticker"`
	Action     models.OrderAction `json:"action"`
	Quantity   float64            `json:"quantity"`
	Type       models.OrderType   `json:"type"`
	LimitPrice float64            `json:"limit_price,omitempty"`
	Reason     string             `json:"reason"`
}

// OrderResult is the outcome of a submitted order.
type OrderResult struct {
	OrderID        string    `json:"order_id"`
	Status         string    `json:"status"`
	FilledQuantity float64   `json:"filled_quantity"`
	FilledPrice    float64   `json:"filled_price"`
	Message        string    `json:"message,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// OpenOrder is a working order at the broker.
type OpenOrder struct {
	OrderID  string             `json:"order_id"`
	Ticker   string             `json:"ticker"`
	Action   models.OrderAction `json:"action"`
	Quantity float64            `json:"quantity"`
}

// Broker is the execution port. Implementations must be safe for use from
// the single monitor goroutine plus the dashboard's read path.
type Broker interface {
	// GetPortfolio returns a fresh snapshot of cash and positions.
	GetPortfolio(ctx context.Context) (*models.Snapshot, error)
	// SubmitOrder places an order and reports its immediate outcome.
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	// GetOpenOrders lists working orders.
	GetOpenOrders(ctx context.Context) ([]OpenOrder, error)
	// CancelOrder cancels a working order by ID.
	CancelOrder(ctx context.Context, orderID string) error
}

// CircuitBreakerBroker wraps a Broker so repeated adapter failures stop
// hammering the brokerage API.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// execBreaker is a generic helper for the wrapper methods.
func execBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// BreakerSettings configures the broker circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32        // max requests when half-open
	Interval     time.Duration // counts reset interval
	Timeout      time.Duration // open-state duration
	MinRequests  uint32        // min requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// NewCircuitBreakerBroker wraps broker with default settings: trip on a
// 60% failure rate over at least 5 calls, stay open for 30 seconds.
func NewCircuitBreakerBroker(broker Broker, logger *log.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings wraps broker with explicit settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *log.Logger, settings BreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// GetPortfolio wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) GetPortfolio(ctx context.Context) (*models.Snapshot, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*models.Snapshot, error) {
		return b.GetPortfolio(ctx)
	})
}

// SubmitOrder wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) (*OrderResult, error) {
		return b.SubmitOrder(ctx, req)
	})
}

// GetOpenOrders wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	return execBreaker(c.breaker, c.broker, func(b Broker) ([]OpenOrder, error) {
		return b.GetOpenOrders(ctx)
	})
}

// CancelOrder wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}
