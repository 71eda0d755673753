// Package models defines the shared data types for the trading monitor:
// positions, portfolio snapshots, proposed actions, and technical signals.
package models

import (
	"fmt"
	"math"
	"time"
)

// Position is a single holding. Quantity is signed: positive for long,
// negative for short. Fractional quantities are permitted.
type Position struct {
	Ticker       string  `json:"ticker"`
	Quantity     float64 `json:"quantity"`
	AvgCost      float64 `json:"avg_cost"`
	CurrentPrice float64 `json:"current_price"`
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool { return p.Quantity > 0 }

// IsShort reports whether the position is short.
func (p *Position) IsShort() bool { return p.Quantity < 0 }

// MarketValue returns the signed market value of the position.
func (p *Position) MarketValue() float64 {
	return p.Quantity * p.CurrentPrice
}

// PnLPercent returns the sign-corrected unrealized return from average cost,
// as a fraction (0.10 = +10%). Shorts profit when price falls.
func (p *Position) PnLPercent() float64 {
	if p.AvgCost == 0 {
		return 0
	}
	raw := (p.CurrentPrice - p.AvgCost) / p.AvgCost
	if p.IsShort() {
		return -raw
	}
	return raw
}

// Snapshot is an immutable view of the portfolio within one monitor cycle.
// Cash may be negative (margin debit).
type Snapshot struct {
	Cash       float64    `json:"cash"`
	TotalValue float64    `json:"total_value"`
	Positions  []Position `json:"positions"`
	Taken      time.Time  `json:"taken"`
}

// Find returns the position for ticker, or nil if not held.
func (s *Snapshot) Find(ticker string) *Position {
	for i := range s.Positions {
		if s.Positions[i].Ticker == ticker {
			return &s.Positions[i]
		}
	}
	return nil
}

// ShortCount returns the number of open short positions.
func (s *Snapshot) ShortCount() int {
	n := 0
	for i := range s.Positions {
		if s.Positions[i].IsShort() {
			n++
		}
	}
	return n
}

// LongCount returns the number of open long positions.
func (s *Snapshot) LongCount() int {
	n := 0
	for i := range s.Positions {
		if s.Positions[i].IsLong() {
			n++
		}
	}
	return n
}

// RecomputeTotal recalculates TotalValue as cash plus the signed market
// value of every position.
func (s *Snapshot) RecomputeTotal() {
	total := s.Cash
	for i := range s.Positions {
		total += s.Positions[i].MarketValue()
	}
	s.TotalValue = total
}

// OrderAction is the side of an order submitted to the broker port.
type OrderAction string

const (
	// ActionBuy opens or adds to a long position.
	ActionBuy OrderAction = "BUY"
	// ActionSell reduces or closes a long position.
	ActionSell OrderAction = "SELL"
	// ActionShort opens or adds to a short position.
	ActionShort OrderAction = "SHORT"
	// ActionCover reduces or closes a short position.
	ActionCover OrderAction = "COVER"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	// OrderMarket executes at the prevailing price.
	OrderMarket OrderType = "market"
	// OrderLimit executes at limit_price or better.
	OrderLimit OrderType = "limit"
)

// ActionKind classifies why the policy engine proposed an action.
type ActionKind string

const (
	// KindStopLossExit closes a position whose loss breached its stop.
	KindStopLossExit ActionKind = "stop_loss_exit"
	// KindProfitProtectionExit closes a position whose profit floor tripped.
	KindProfitProtectionExit ActionKind = "profit_protection_exit"
	// KindDipBuy adds to a held position trading in the configured dip band.
	KindDipBuy ActionKind = "dip_buy"
	// KindDefensiveTrim partially reduces a high-beta position on a regime change.
	KindDefensiveTrim ActionKind = "defensive_trim"
	// KindDefensiveExit fully closes a position on a regime change or defensive entry.
	KindDefensiveExit ActionKind = "defensive_exit"
	// KindFallbackTrim is a deterministic trim applied when the agent is unavailable.
	KindFallbackTrim ActionKind = "fallback_trim"
)

// ProposedAction is one order the policy engine wants executed. The engine
// never performs I/O; the monitor loop routes these through the broker port.
type ProposedAction struct {
	Kind     ActionKind  `json:"kind"`
	Ticker   string      `json:"ticker"`
	Action   OrderAction `json:"action"`
	Quantity float64     `json:"quantity"`
	Reason   string      `json:"reason"`
	// TriggerReview asks the monitor loop to request a scheduled review
	// with redeployment context after executing the action.
	TriggerReview bool `json:"trigger_review,omitempty"`
}

func (a ProposedAction) String() string {
	return fmt.Sprintf("%s %s %.4f %s (%s)", a.Kind, a.Action, a.Quantity, a.Ticker, a.Reason)
}

// Signal is the technical posture reported by the quote port.
type Signal string

const (
	// SignalStrongBuy indicates strongly bullish technicals.
	SignalStrongBuy Signal = "STRONG_BUY"
	// SignalBuy indicates bullish technicals.
	SignalBuy Signal = "BUY"
	// SignalHold indicates neutral technicals.
	SignalHold Signal = "HOLD"
	// SignalSell indicates bearish technicals.
	SignalSell Signal = "SELL"
	// SignalStrongSell indicates strongly bearish technicals.
	SignalStrongSell Signal = "STRONG_SELL"
	// SignalUnknown is returned when the quote port cannot compute a signal.
	SignalUnknown Signal = "UNKNOWN"
)

// RoundShares truncates a share quantity to 4 decimal places, the finest
// fractional increment the broker accepts.
func RoundShares(qty float64) float64 {
	return math.Trunc(qty*10000) / 10000
}
