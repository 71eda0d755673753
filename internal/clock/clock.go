// Package clock centralizes wall-clock time for the monitor. All higher
// layers read time only through the Clock interface so tests can inject a
// fixed time.
package clock

import (
	"log"
	"time"
)

const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0
)

// Clock provides exchange-local and operator-local time plus the market
// session predicates derived from them.
type Clock interface {
	// Now returns the current time in the exchange zone and the local zone.
	Now() (exchange, local time.Time)
	// IsMarketHours reports whether the exchange session is open: weekdays
	// between 09:30 and 16:00 exchange-local, close-inclusive.
	IsMarketHours() bool
	// MinutesToClose returns whole minutes until today's 16:00 close.
	// Negative after close, and meaningless on weekends.
	MinutesToClose() int
	// NextOpen returns the next 09:30 exchange-local session open.
	NextOpen() time.Time
}

// MarketClock is the production Clock backed by two time.Locations.
type MarketClock struct {
	exchange *time.Location
	local    *time.Location
	// now is swappable for tests.
	now func() time.Time
}

// Ensure MarketClock implements Clock at compile time.
var _ Clock = (*MarketClock)(nil)

// New creates a MarketClock for the given exchange and local zone names.
// Unloadable zones fall back to a fixed ET offset, matching the behavior of
// minimal containers without tzdata.
func New(exchangeTZ, localTZ string) *MarketClock {
	return &MarketClock{
		exchange: loadLocation(exchangeTZ, time.FixedZone("ET", -5*60*60)),
		local:    loadLocation(localTZ, time.Local),
		now:      time.Now,
	}
}

// NewFixed returns a MarketClock whose Now is pinned to t, for tests.
func NewFixed(t time.Time, exchangeTZ, localTZ string) *MarketClock {
	c := New(exchangeTZ, localTZ)
	c.now = func() time.Time { return t }
	return c
}

func loadLocation(name string, fallback *time.Location) *time.Location {
	if name == "" {
		return fallback
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("Warning: failed to load timezone %q (%v), using fallback", name, err)
		return fallback
	}
	return loc
}

// Now returns the current exchange-local and operator-local time.
func (c *MarketClock) Now() (time.Time, time.Time) {
	t := c.now()
	return t.In(c.exchange), t.In(c.local)
}

// IsMarketHours reports whether the exchange session is open right now.
func (c *MarketClock) IsMarketHours() bool {
	ex, _ := c.Now()
	if ex.Weekday() == time.Saturday || ex.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(ex.Year(), ex.Month(), ex.Day(), openHour, openMinute, 0, 0, ex.Location())
	close := time.Date(ex.Year(), ex.Month(), ex.Day(), closeHour, closeMinute, 0, 0, ex.Location())
	// Inclusive on both ends: minutesToClose()==0 still counts as in-market.
	return !ex.Before(open) && !ex.After(close)
}

// MinutesToClose returns whole minutes until today's close in exchange time.
func (c *MarketClock) MinutesToClose() int {
	ex, _ := c.Now()
	close := time.Date(ex.Year(), ex.Month(), ex.Day(), closeHour, closeMinute, 0, 0, ex.Location())
	return int(close.Sub(ex).Minutes())
}

// NextOpen returns the next weekday 09:30 session open in exchange time.
func (c *MarketClock) NextOpen() time.Time {
	ex, _ := c.Now()
	open := time.Date(ex.Year(), ex.Month(), ex.Day(), openHour, openMinute, 0, 0, ex.Location())
	if !ex.Before(open) {
		open = open.AddDate(0, 0, 1)
	}
	for open.Weekday() == time.Saturday || open.Weekday() == time.Sunday {
		open = open.AddDate(0, 0, 1)
	}
	return open
}
