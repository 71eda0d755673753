package quote

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// fanoutConcurrency bounds simultaneous quote requests.
	fanoutConcurrency = 8
	// fanoutTimeout bounds the whole price refresh.
	fanoutTimeout = 15 * time.Second
)

// FetchPrices fetches spot prices for all tickers concurrently. A ticker
// whose fetch fails is simply absent from the result; callers skip
// evaluating positions without a price this cycle.
func FetchPrices(ctx context.Context, svc Service, tickers []string, logger *log.Logger) map[string]float64 {
	ctx, cancel := context.WithTimeout(ctx, fanoutTimeout)
	defer cancel()

	var mu sync.Mutex
	prices := make(map[string]float64, len(tickers))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fanoutConcurrency)
	for _, ticker := range tickers {
		ticker := ticker
		g.Go(func() error {
			price, err := svc.Price(ctx, ticker)
			if err != nil {
				logger.Printf("Warning: price fetch failed for %s: %v", ticker, err)
				return nil // a missing price degrades one ticker, not the cycle
			}
			mu.Lock()
			prices[ticker] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return prices
}
