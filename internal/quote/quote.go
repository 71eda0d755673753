// Package quote provides the market-data port: spot prices, the volatility
// index reading, and technical signals. Callers treat a missing value as a
// degraded cycle, never as a fatal error.
package quote

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/markcheno/go-talib"

	"github.com/awray/market_sentry/internal/models"
)

// Service is the market-data port.
type Service interface {
	// Price returns the latest trade price for ticker.
	Price(ctx context.Context, ticker string) (float64, error)
	// VIX returns the current volatility index reading.
	VIX(ctx context.Context) (float64, error)
	// TechnicalSignal classifies the ticker's technical posture. It never
	// returns an error: any data problem degrades to SignalUnknown.
	TechnicalSignal(ctx context.Context, ticker string) models.Signal
	// RSI returns the 14-period relative strength index on daily bars.
	RSI(ctx context.Context, ticker string) (float64, error)
}

const (
	rsiPeriod    = 14
	smaFast      = 20
	smaSlow      = 50
	barsLookback = 100 // calendar days of daily bars fetched
)

// AlpacaQuotes implements Service on the Alpaca market-data API.
type AlpacaQuotes struct {
	client    *marketdata.Client
	vixSymbol string
	logger    *log.Logger
}

var _ Service = (*AlpacaQuotes)(nil)

// NewAlpacaQuotes creates the adapter. vixSymbol is the instrument used as
// the volatility index reading.
func NewAlpacaQuotes(vixSymbol string, logger *log.Logger) *AlpacaQuotes {
	return &AlpacaQuotes{
		client:    marketdata.NewClient(marketdata.ClientOpts{}),
		vixSymbol: vixSymbol,
		logger:    logger,
	}
}

// Price returns the latest trade price for ticker.
func (q *AlpacaQuotes) Price(ctx context.Context, ticker string) (float64, error) {
	trade, err := q.client.GetLatestTrade(ticker, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, fmt.Errorf("latest trade for %s: %w", ticker, err)
	}
	if trade == nil || trade.Price <= 0 {
		return 0, fmt.Errorf("no trade data for %s", ticker)
	}
	return trade.Price, nil
}

// VIX returns the latest reading of the configured volatility instrument.
func (q *AlpacaQuotes) VIX(ctx context.Context) (float64, error) {
	return q.Price(ctx, q.vixSymbol)
}

// RSI computes the 14-period Wilder RSI on daily closes.
func (q *AlpacaQuotes) RSI(ctx context.Context, ticker string) (float64, error) {
	closes, err := q.dailyCloses(ticker)
	if err != nil {
		return 0, err
	}
	rsi, ok := computeRSI(closes, rsiPeriod)
	if !ok {
		return 0, fmt.Errorf("insufficient history for %s RSI", ticker)
	}
	return rsi, nil
}

// TechnicalSignal classifies the ticker from its moving averages and RSI.
// Any failure along the way degrades to SignalUnknown.
func (q *AlpacaQuotes) TechnicalSignal(ctx context.Context, ticker string) models.Signal {
	closes, err := q.dailyCloses(ticker)
	if err != nil {
		q.logger.Printf("Warning: technical signal for %s unavailable: %v", ticker, err)
		return models.SignalUnknown
	}
	return classify(closes)
}

func (q *AlpacaQuotes) dailyCloses(ticker string) ([]float64, error) {
	bars, err := q.client.GetBars(ticker, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     time.Now().AddDate(0, 0, -barsLookback),
	})
	if err != nil {
		return nil, fmt.Errorf("daily bars for %s: %w", ticker, err)
	}
	closes := make([]float64, 0, len(bars))
	for _, b := range bars {
		closes = append(closes, b.Close)
	}
	return closes, nil
}

// computeRSI returns the latest Wilder-smoothed RSI over the closes.
func computeRSI(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	out := talib.Rsi(closes, period)
	last := out[len(out)-1]
	if math.IsNaN(last) {
		return 0, false
	}
	return last, true
}

// sma returns the simple moving average of the last n closes.
func sma(closes []float64, n int) (float64, bool) {
	if len(closes) < n {
		return 0, false
	}
	out := talib.Sma(closes, n)
	last := out[len(out)-1]
	if math.IsNaN(last) {
		return 0, false
	}
	return last, true
}

// classify maps price-vs-SMA posture and RSI into the five-signal scale.
func classify(closes []float64) models.Signal {
	fast, okFast := sma(closes, smaFast)
	slow, okSlow := sma(closes, smaSlow)
	rsi, okRSI := computeRSI(closes, rsiPeriod)
	if !okFast || !okSlow || !okRSI || len(closes) == 0 {
		return models.SignalUnknown
	}
	price := closes[len(closes)-1]

	switch {
	case price > fast && fast > slow && rsi >= 60:
		return models.SignalStrongBuy
	case price > fast && fast > slow:
		return models.SignalBuy
	case price < fast && fast < slow && rsi <= 40:
		return models.SignalStrongSell
	case price < fast && fast < slow:
		return models.SignalSell
	default:
		return models.SignalHold
	}
}
