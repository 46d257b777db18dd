package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"broker_engine/internal/broker"
	"broker_engine/internal/config"
	"broker_engine/internal/core"
	"broker_engine/internal/infrastructure/metrics"
	"broker_engine/internal/mock"
	"broker_engine/internal/pipeline"
	"broker_engine/internal/retention"
	"broker_engine/pkg/logging"
	"broker_engine/pkg/telemetry"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	brokerName = flag.String("broker", "mock", "Broker name from the config's brokers section")
)

// printer subscribes to lifecycle events and logs them.
type printer struct {
	name   string
	logger core.ILogger
}

func (p *printer) Name() string { return p.name }

func (p *printer) OnEvent(kind core.EventKind, payload *core.EventPayload) {
	fields := []interface{}{"event", kind.String()}
	if payload.Order != nil {
		fields = append(fields,
			"asset", payload.Order.Asset.Key(),
			"status", payload.Order.Status.String())
	}
	if payload.Position != nil {
		fields = append(fields, "position", payload.Position.Quantity.String())
	}
	p.logger.Info("Lifecycle event", fields...)
}

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configFile); err == nil {
		loadedCfg, err := config.LoadConfig(*configFile)
		if err != nil {
			logger, _ := logging.NewZapLogger("INFO")
			logger.Fatal("Failed to load config file", "error", err)
		}
		cfg = loadedCfg
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	bcfg, err := cfg.GetBrokerConfig(*brokerName)
	if err != nil {
		logger.Fatal("Unknown broker", "broker", *brokerName, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup("broker_engine")
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}
	defer tel.Shutdown(context.Background())

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.Start()
	}

	adapter := mock.NewAdapter(*brokerName)
	stream := mock.NewStream()
	adapter.AttachStream(stream)
	adapter.FillMarketOrders = true

	b := broker.New(adapter, stream, broker.Config{
		Strategy: bcfg.Strategy,
		Pipeline: pipeline.Config{
			MaxConcurrency: bcfg.MaxConcurrency,
			RateLimit:      bcfg.RateLimit,
			RateBurst:      bcfg.RateBurst,
		},
		Retention:         retentionConfig(cfg.Retention),
		PollInterval:      time.Duration(bcfg.PollIntervalSeconds) * time.Second,
		CancelOnMissing:   bcfg.CancelOnMissing,
		PinnedQuoteAssets: bcfg.PinnedQuoteAssets,
		StartupTimeout:    time.Duration(bcfg.StartupTimeoutSeconds) * time.Second,
	}, logger)

	b.Subscribe(&printer{name: bcfg.Strategy, logger: logger})

	if err := b.Start(ctx); err != nil {
		logger.Fatal("Failed to start broker", "error", err)
	}

	// Paper session: one market buy, one resting limit sell.
	asset := core.Asset{Symbol: "SPY", Type: core.AssetTypeStock, Multiplier: 1}
	buy := core.NewOrder(bcfg.Strategy, asset, core.OrderSideBuy, decimal.NewFromInt(100), core.OrderTypeMarket)
	b.SubmitOrder(buy)

	limit := decimal.NewFromInt(105)
	sell := core.NewOrder(bcfg.Strategy, asset, core.OrderSideSell, decimal.NewFromInt(100), core.OrderTypeLimit)
	sell.LimitPrice = &limit
	b.SubmitOrder(sell)

	logger.Info("Paper trading session running, Ctrl-C to stop")
	<-ctx.Done()

	if cfg.System.CancelOnExit {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if failed := b.CancelOpenOrders(cancelCtx); len(failed) > 0 {
			logger.Warn("Some cancel requests failed on exit", "count", len(failed))
		}
		cancel()
	}

	if err := b.Stop(); err != nil {
		logger.Error("Broker stop failed", "error", err)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Stop(shutdownCtx)
		cancel()
	}

	if path := cfg.System.TradeLogPath; path != "" {
		if err := b.ExportTradeLog(path); err != nil {
			logger.Error("Failed to export trade log", "path", path, "error", err)
		} else {
			logger.Info("Trade log exported", "path", path, "records", b.TradeLog().Len())
		}
	}
}

func retentionConfig(rc config.RetentionConfig) retention.Config {
	toPolicy := func(p config.PolicyConfig) retention.Policy {
		return retention.Policy{MaxAge: p.MaxAge(), MaxCount: p.MaxCount, MinKeep: p.MinKeep}
	}
	return retention.Config{
		FilledOrders:     toPolicy(rc.FilledOrders),
		CanceledOrders:   toPolicy(rc.CanceledOrders),
		ErrorOrders:      toPolicy(rc.ErrorOrders),
		Positions:        toPolicy(rc.Positions),
		EveryNIterations: rc.EveryNIterations,
	}
}
