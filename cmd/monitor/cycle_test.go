package main

import (
	"testing"

	"github.com/awray/market_sentry/internal/config"
	"github.com/awray/market_sentry/internal/models"
)

func TestEffectiveConfigNoOverrides(t *testing.T) {
	m := &Monitor{}
	loaded := &config.Config{DefaultStopLoss: 0.20}
	if got := m.effectiveConfig(loaded); got != loaded {
		t.Error("without overrides the loaded config must pass through untouched")
	}
}

func TestEffectiveConfigGlobalStop(t *testing.T) {
	m := &Monitor{globalStop: 0.10}
	loaded := &config.Config{DefaultStopLoss: 0.20}

	got := m.effectiveConfig(loaded)
	if got.DefaultStopLoss != 0.10 {
		t.Errorf("default stop = %v, want tightened 0.10", got.DefaultStopLoss)
	}
	if loaded.DefaultStopLoss != 0.20 {
		t.Error("loaded config must not be mutated")
	}
}

func TestEffectiveConfigGlobalStopNeverLoosens(t *testing.T) {
	m := &Monitor{globalStop: 0.10}
	loaded := &config.Config{DefaultStopLoss: 0.05}
	if got := m.effectiveConfig(loaded); got.DefaultStopLoss != 0.05 {
		t.Errorf("default stop = %v, a tighter configured stop must win", got.DefaultStopLoss)
	}
}

func TestEffectiveConfigPerTickerOverride(t *testing.T) {
	m := &Monitor{stopOverrides: map[string]float64{"NVDA": 0.10, "AAPL": 0.10}}
	loaded := &config.Config{
		DefaultStopLoss: 0.20,
		PositionStopLoss: map[string]config.PositionStop{
			"AAPL": {Threshold: 0.08, Reason: "earnings week"},
		},
	}

	got := m.effectiveConfig(loaded)
	if s := got.StopLossFor("NVDA", "NORMAL", false); s != 0.10 {
		t.Errorf("NVDA stop = %v, want regime override 0.10", s)
	}
	// An explicit config entry outranks the autonomous tightening.
	if s := got.StopLossFor("AAPL", "NORMAL", false); s != 0.08 {
		t.Errorf("AAPL stop = %v, want configured 0.08", s)
	}
	if len(loaded.PositionStopLoss) != 1 {
		t.Error("loaded per-ticker map must not be mutated")
	}
}

func TestPricesFromSnapshot(t *testing.T) {
	snap := &models.Snapshot{
		Positions: []models.Position{
			{Ticker: "AAPL", CurrentPrice: 160},
			{Ticker: "TSLA", CurrentPrice: 0}, // stale, omitted
		},
	}
	prices := pricesFromSnapshot(snap)
	if len(prices) != 1 || prices["AAPL"] != 160 {
		t.Errorf("prices = %v, want AAPL only", prices)
	}
}
