package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sevenquant/auto-trader/internal/broker"
	"github.com/sevenquant/auto-trader/internal/config"
	"github.com/sevenquant/auto-trader/internal/engine/barclose"
	"github.com/sevenquant/auto-trader/internal/engine/breaker"
	"github.com/sevenquant/auto-trader/internal/engine/edge"
	"github.com/sevenquant/auto-trader/internal/engine/fn"
	"github.com/sevenquant/auto-trader/internal/engine/marketdata"
	"github.com/sevenquant/auto-trader/internal/engine/orderexec"
	"github.com/sevenquant/auto-trader/internal/engine/registry"
	"github.com/sevenquant/auto-trader/internal/execlog"
	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/marketstream"
	"github.com/sevenquant/auto-trader/internal/risk"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// runAction wires the full engine: config, persistence, breaker, order
// manager, function registry, bar close detection, and the market data
// stream, then blocks until interrupted.
func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	store, err := orderexec.NewStateStore(cfg.Execution.StatePath, appLogger)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	circuitBreaker := breaker.NewCircuitBreaker(
		cfg.Breaker.FailureThreshold,
		cfg.Breaker.ResetTimeout.Std(),
		true,
		appLogger,
	)

	sizerConfig := risk.DefaultConfig()
	sizerConfig.MaxExposurePercent = decimal.NewFromFloat(cfg.Execution.MaxExposurePercent)
	sizer := risk.NewSizer(sizerConfig, appLogger)

	builderConfig := orderexec.DefaultBuilderConfig()
	builderConfig.DefaultStopLossPercent = decimal.NewFromFloat(cfg.Execution.StopLossPercent)
	builderConfig.DefaultTakeProfitPercent = decimal.NewFromFloat(cfg.Execution.TakeProfitPercent)
	builder := orderexec.NewBuilder(builderConfig, sizer, appLogger)

	var orderBroker orderexec.Broker
	if !cfg.Execution.SimulationMode {
		orderBroker = broker.NewBinanceBroker(cfg.Binance, appLogger)
	}

	manager, err := orderexec.NewManager(orderexec.ManagerConfig{
		SimulationMode: cfg.Execution.SimulationMode,
		BrokerTimeout:  cfg.Execution.BrokerTimeout.Std(),
	}, orderBroker, circuitBreaker, store, builder, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create order manager: %w", err)
	}

	manager.SetBalance(decimal.NewFromFloat(cfg.Execution.InitialBalance))

	deps := fn.Deps{
		Detector: edge.NewDetector(edge.DefaultConfig(), appLogger),
		Logger:   appLogger,
	}

	functions := registry.NewDefaultRegistry(deps, appLogger)
	for _, functionConfig := range cfg.Functions {
		if _, err := functions.CreateFunction(functionConfig); err != nil {
			return fmt.Errorf("failed to create function %q: %w", functionConfig.Name, err)
		}
	}

	detector := barclose.NewDetector(appLogger)
	defer detector.Close()

	adapterConfig := marketdata.DefaultConfig()
	adapterConfig.BufferSize = cfg.MarketData.BufferSize
	adapter := marketdata.NewAdapter(adapterConfig, functions, detector, execlog.NewRecorder(appLogger), manager, appLogger)

	adapter.AddSignalCallback(func(signalCtx context.Context, sig types.ExecutionSignal, ec *types.ExecutionContext) error {
		result := manager.HandleExecutionSignal(signalCtx, sig, ec)
		if !result.Success {
			appLogger.Warn("signal rejected",
				zap.String("symbol", ec.Symbol),
				zap.String("message", result.Message),
			)
		}

		return nil
	})

	symbols := make([]string, 0, len(cfg.Symbols))

	for _, symbolConfig := range cfg.Symbols {
		symbols = append(symbols, symbolConfig.Symbol)

		for _, timeframe := range symbolConfig.Timeframes {
			if err := adapter.StartMonitoring(symbolConfig.Symbol, timeframe); err != nil {
				return fmt.Errorf("failed to monitor %s %s: %w", symbolConfig.Symbol, timeframe, err)
			}
		}
	}

	stream := marketstream.NewBinanceStream(symbols, cfg.MarketData.PollInterval.Std(), func(barCtx context.Context, bar types.Bar) error {
		return adapter.OnMarketDataUpdate(bar)
	}, appLogger)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := stream.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start market stream: %w", err)
	}

	appLogger.Info("engine running",
		zap.Strings("symbols", symbols),
		zap.Bool("simulation_mode", cfg.Execution.SimulationMode),
	)

	<-runCtx.Done()

	appLogger.Info("shutting down")
	stream.Stop()
	manager.Flush()

	return nil
}

// schemaAction prints the JSON schema for the engine config.
func schemaAction(_ context.Context, _ *cli.Command) error {
	schema, err := config.GenerateSchemaJSON()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	fmt.Println(schema)

	return nil
}

// auditAction prints the order audit trail from a state database.
func auditAction(_ context.Context, cmd *cli.Command) error {
	store, err := orderexec.NewStateStore(cmd.String("state"), logger.NewNopLogger())
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	trail, err := store.AuditTrail()
	if err != nil {
		return fmt.Errorf("failed to read audit trail: %w", err)
	}

	for _, entry := range trail {
		fmt.Printf("%s  %-16s %-10s %-4s %s x%d @ %s [%s] %s\n",
			entry.RecordedAt.Format("2006-01-02 15:04:05"),
			entry.Action,
			entry.Symbol,
			entry.Side,
			entry.OrderType,
			entry.Quantity,
			entry.Price,
			entry.Status,
			entry.OrderID,
		)
	}

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "trader",
		Usage: "Bar close driven trade execution engine",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the execution engine",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "Path to the engine YAML config",
						Required: true,
					},
				},
				Action: runAction,
			},
			{
				Name:   "schema",
				Usage:  "Print the JSON schema for the engine config",
				Action: schemaAction,
			},
			{
				Name:  "audit",
				Usage: "Print the order audit trail from a state database",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "state",
						Aliases:  []string{"s"},
						Usage:    "Path to the state database",
						Required: true,
					},
				},
				Action: auditAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
