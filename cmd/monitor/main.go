package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/awray/market_sentry/internal/agent"
	"github.com/awray/market_sentry/internal/broker"
	"github.com/awray/market_sentry/internal/clock"
	"github.com/awray/market_sentry/internal/config"
	"github.com/awray/market_sentry/internal/dashboard"
	"github.com/awray/market_sentry/internal/defense"
	"github.com/awray/market_sentry/internal/fallback"
	"github.com/awray/market_sentry/internal/notify"
	"github.com/awray/market_sentry/internal/quote"
	"github.com/awray/market_sentry/internal/rotation"
	"github.com/awray/market_sentry/internal/state"
)

const paperBaseURL = "https://paper-api.alpaca.markets"

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.json", "Path to configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "[MONITOR] ", log.LstdFlags|log.Lshortfile)

	// Secrets come from the environment; .env is a development convenience.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Printf("Warning: loading .env: %v", err)
	}

	cfgStore, err := config.NewStore(configPath, logger)
	if err != nil {
		logger.Printf("Failed to load config: %v", err)
		return 1
	}
	cfg := cfgStore.Current()

	logger.Printf("Starting trading monitor in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - no real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	store, err := state.NewStore(cfg.StateDir, logger)
	if err != nil {
		logger.Printf("Failed to initialize state store: %v", err)
		return 1
	}

	baseURL := ""
	if cfg.IsPaperTrading() {
		baseURL = paperBaseURL
	}
	var brk broker.Broker = broker.NewAlpacaBroker(baseURL, logger)
	brk = broker.NewCircuitBreakerBroker(brk, logger)
	brk = broker.NewGuardedBroker(brk, func() broker.Limits {
		c := cfgStore.Current()
		return broker.Limits{
			ShortSellingEnabled: c.ShortSelling.Enabled,
			MaxShortPositions:   c.ShortSelling.MaxShortPositions,
		}
	}, logger)

	quotes := quote.NewAlpacaQuotes(cfg.Broker.VIXSymbol, logger)
	notifier := notify.NewDesktop(logger)

	runner := agent.NewRunner(cfg.Agent.Command, cfg.Agent.WorkDir, cfg.AgentTimeout(),
		cfg.Agent.FallbackEnabled, store, notifier, logger)
	fb := fallback.NewEngine(brk, quotes, store, cfgStore.Current, logger)
	runner.SetExhaustionHandler(fb.Run)

	monitor := &Monitor{
		cfgStore: cfgStore,
		store:    store,
		clk:      clock.New(cfg.Schedule.ExchangeTimezone, cfg.Schedule.LocalTimezone),
		broker:   brk,
		quotes:   quotes,
		runner:   runner,
		defense:  defense.NewController(brk, runner, store, logger),
		rotation: rotation.NewController(quotes, store, logger),
		logger:   logger,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Startup health check: fail loudly before the first cycle if the
	// brokerage is unreachable.
	if snap, err := brk.GetPortfolio(ctx); err != nil {
		logger.Printf("Warning: broker health check failed: %v", err)
	} else {
		logger.Printf("Connected to broker. Portfolio value: $%.2f, cash: $%.2f", snap.TotalValue, snap.Cash)
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		dashLogger.SetLevel(logrus.InfoLevel)
		dash = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, store, brk, dashLogger)
		go func() {
			if err := dash.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("Warning: status server stopped: %v", err)
			}
		}()
	}

	monitor.Run(ctx)

	if dash != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := dash.Shutdown(shutdownCtx); err != nil {
			logger.Printf("Warning: status server shutdown: %v", err)
		}
	}

	logger.Println("Monitor stopped")
	return 0
}
