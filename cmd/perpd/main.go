// perpd runs the perpetual-futures accounting engine: oracle
// aggregation, position ledger, funding accrual and liquidation
// scanning, with events on NATS and metrics on Prometheus.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/perp/internal/config"
	"github.com/luxfi/perp/pkg/bus"
	"github.com/luxfi/perp/pkg/log"
	"github.com/luxfi/perp/pkg/metrics"
	"github.com/luxfi/perp/pkg/perp"
)

// fanoutPublisher delivers each event to every sink
type fanoutPublisher []perp.EventPublisher

func (f fanoutPublisher) Publish(event perp.Event) {
	for _, p := range f {
		p.Publish(event)
	}
}

// metricsPublisher bumps Prometheus counters from engine events
type metricsPublisher struct {
	m *metrics.EngineMetrics
}

func (p *metricsPublisher) Publish(event perp.Event) {
	symbol, _ := event.Data["symbol"].(string)
	switch event.Type {
	case perp.EventPositionOpened:
		p.m.PositionsOpened.WithLabelValues(symbol).Inc()
	case perp.EventPositionClosed:
		p.m.PositionsClosed.WithLabelValues(symbol).Inc()
	case perp.EventPositionLiquidated:
		p.m.PositionsLiquidated.WithLabelValues(symbol).Inc()
	case perp.EventFundingAccrued:
		p.m.FundingAccruals.WithLabelValues(symbol).Inc()
	case perp.EventSocializedLoss:
		p.m.SocializedLosses.Inc()
	}
}

func main() {
	configPath := flag.String("config", "configs/perpd.yaml", "path to config file")
	flag.Parse()

	// Optional .env for local development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("config load failed")
	}

	logger := log.New(cfg.Logging.Level)
	logger.WithField("name", cfg.Engine.Name).Info("starting engine")

	engineMetrics := metrics.New("perp")

	publishers := fanoutPublisher{&metricsPublisher{m: engineMetrics}}
	if cfg.NATS.URL != "" {
		natsPub, err := bus.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.WithError(err).Fatal("nats connect failed")
		}
		defer natsPub.Close()
		publishers = append(publishers, natsPub)
	}

	oracle := buildOracle(cfg, logger)

	vault := perp.NewCollateralVault()
	seed := decimal.Zero
	if cfg.Insurance.Seed != "" {
		seed, err = decimal.NewFromString(cfg.Insurance.Seed)
		if err != nil {
			logger.WithError(err).Fatal("invalid insurance seed")
		}
	}
	insurance := perp.NewInsuranceFund(seed)
	if seed.Sign() > 0 {
		if err := vault.Fund(seed); err != nil {
			logger.WithError(err).Fatal("vault seed failed")
		}
	}

	ledger := perp.NewPositionLedger(vault, oracle, perp.NewMarginEngine(), insurance, publishers, logger)

	for _, m := range cfg.Markets {
		if _, err := ledger.AddMarket(perp.MarketConfig{
			Symbol:                    m.Symbol,
			MaxLeverage:               m.MaxLeverage,
			MaintenanceMarginRatioBps: m.MaintenanceMarginRatioBps,
			IsActive:                  m.Active,
		}); err != nil {
			logger.WithField("symbol", m.Symbol).WithError(err).Fatal("market setup failed")
		}
		oracle.SetRequireMultipleSources(m.Symbol, m.RequireMultipleSources)
	}

	funding := perp.NewFundingRateAccrual(ledger, oracle, perp.FundingRateAccrualConfig{
		Interval:              cfg.Funding.Interval.Std(),
		SensitivityBps:        cfg.Funding.SensitivityBps,
		MaxRateBpsPerInterval: cfg.Funding.MaxRateBpsPerInterval,
	}, logger)

	liquidation := perp.NewLiquidationEngine(ledger, insurance, cfg.Liquidation.FeeBps, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, engineMetrics, logger)
	}

	go fundingLoop(ctx, funding, cfg.Funding.Interval.Std())
	go liquidationLoop(ctx, liquidation, cfg.Liquidation.Keeper, cfg.Liquidation.ScanInterval.Std())
	go gaugeLoop(ctx, ledger, vault, insurance, engineMetrics)

	<-ctx.Done()
	logger.Info("shutting down")
}

// buildOracle constructs the aggregator and its configured sources
func buildOracle(cfg *config.Config, logger *logrus.Logger) *perp.OracleAggregator {
	oracle := perp.NewOracleAggregator(perp.OracleAggregatorConfig{
		MinSources:      cfg.Oracle.MinSources,
		MaxDeviationBps: cfg.Oracle.MaxDeviationBps,
		CacheMaxAge:     cfg.Oracle.CacheMaxAge.Std(),
		FetchTimeout:    cfg.Oracle.FetchTimeout.Std(),
		Decay: perp.DecayPolicy{
			Enabled:  cfg.Oracle.Decay.Enabled,
			FloorPct: cfg.Oracle.Decay.FloorPct,
		},
	}, logger)

	for _, sc := range cfg.Oracle.Sources {
		weight := decimal.NewFromInt(1)
		if sc.Weight != "" {
			if w, err := decimal.NewFromString(sc.Weight); err == nil {
				weight = w
			}
		}
		srcConfig := perp.SourceConfig{
			Weight:    weight,
			Heartbeat: sc.Heartbeat.Std(),
			Priority:  sc.Priority,
		}

		var source perp.PriceSource
		switch sc.Type {
		case "pyth":
			pyth := perp.NewPythPriceSource(sc.Name, sc.WSURL, sc.HTTPURL, sc.Feeds)
			pyth.OnUpdate = oracle.Invalidate
			if err := pyth.Connect(); err != nil {
				logger.WithField("source", sc.Name).WithError(err).Warn("stream connect failed, serving via http")
			}
			source = pyth
		case "chainlink":
			chainlink := perp.NewChainlinkPriceSource(sc.Name, sc.Feeds, sc.PollInterval.Std(), sc.Confidence)
			chainlink.OnUpdate = oracle.Invalidate
			chainlink.Start()
			source = chainlink
		}

		if err := oracle.RegisterSource(source, srcConfig); err != nil {
			logger.WithField("source", sc.Name).WithError(err).Fatal("source registration failed")
		}
	}

	return oracle
}

func serveMetrics(addr string, m *metrics.EngineMetrics, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	logger.WithField("addr", addr).Info("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.WithError(err).Error("metrics server stopped")
	}
}

func fundingLoop(ctx context.Context, funding *perp.FundingRateAccrual, interval time.Duration) {
	// Tick well inside the interval; Accrue itself enforces cadence.
	tick := interval / 10
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			funding.AccrueAll(ctx)
		}
	}
}

func liquidationLoop(ctx context.Context, engine *perp.LiquidationEngine, keeper string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.Scan(ctx, keeper)
		}
	}
}

func gaugeLoop(ctx context.Context, ledger *perp.PositionLedger, vault *perp.CollateralVault, insurance *perp.InsuranceFund, m *metrics.EngineMetrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			locked, _ := vault.LockedBalance().Float64()
			m.VaultLocked.Set(locked)
			balance, _ := insurance.Balance().Float64()
			m.InsuranceBalance.Set(balance)

			for _, symbol := range ledger.Markets() {
				snapshot, err := ledger.GetMarket(symbol)
				if err != nil {
					continue
				}
				long, _ := snapshot.OpenInterestLong.Float64()
				short, _ := snapshot.OpenInterestShort.Float64()
				m.OpenInterest.WithLabelValues(symbol, "long").Set(long)
				m.OpenInterest.WithLabelValues(symbol, "short").Set(short)
			}
		}
	}
}
