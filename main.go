package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os/signal"
	"syscall"
	"time"

	"straddlebot/config"
	"straddlebot/internal/adapters/binanceclient"
	"straddlebot/internal/adapters/httpapi"
	"straddlebot/internal/adapters/logger"
	"straddlebot/internal/adapters/paper"
	"straddlebot/internal/adapters/sqlite"
	"straddlebot/internal/adapters/telegram"
	"straddlebot/internal/execution"
	"straddlebot/internal/portfolio"
	"straddlebot/internal/ports"
	"straddlebot/internal/scheduler"
	"straddlebot/internal/straddle"
	"straddlebot/internal/volatility"

	"github.com/prometheus/client_golang/prometheus"
)

// pricePollInterval drives the paper gateway's price feed from live tickers.
const pricePollInterval = 2 * time.Second

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	// Built even in paper mode: public endpoints feed the simulated gateway
	// with real prices and klines.
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized")

	// 5. Select the Order Gateway
	var gateway ports.OrderGateway = binanceClient
	var paperGw *paper.Gateway
	if cfg.PaperTrading {
		paperGw, err = paper.New(appLogger)
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize paper gateway")
			log.Fatalf("FATAL: Failed to initialize paper gateway: %v", err)
		}
		gateway = paperGw
		appLogger.Info(context.Background(), "Paper trading enabled, orders will be simulated")
	}

	// 6. Initialize Execution Coordinator
	coordinator, err := execution.New(execution.Config{
		Gateway:     gateway,
		Logger:      appLogger,
		MaxAttempts: cfg.MaxSubmitAttempts,
		BackoffMin:  cfg.RetryBackoffMin,
		BackoffMax:  cfg.RetryBackoffMax,
		CallTimeout: cfg.GatewayTimeout,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize execution coordinator")
		log.Fatalf("FATAL: Failed to initialize execution coordinator: %v", err)
	}

	// 7. Initialize Volatility Estimator
	estimator, err := volatility.New(gateway, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize volatility estimator")
		log.Fatalf("FATAL: Failed to initialize volatility estimator: %v", err)
	}

	// 8. Initialize Controller Manager
	manager, err := straddle.NewManager(coordinator, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize controller manager")
		log.Fatalf("FATAL: Failed to initialize controller manager: %v", err)
	}

	// 9. Initialize Portfolio Aggregator and the notifier chain.
	// Controllers notify the aggregator; the aggregator forwards to Telegram
	// when configured.
	registry := prometheus.NewRegistry()
	var tgBot *telegram.Notifier

	aggregator, err := portfolio.New(manager, ports.NopNotifier{}, appLogger, registry)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize portfolio aggregator")
		log.Fatalf("FATAL: Failed to initialize portfolio aggregator: %v", err)
	}

	if cfg.TelegramToken != "" {
		tgBot, err = telegram.New(telegram.Config{
			Token:        cfg.TelegramToken,
			AuthorizedID: cfg.TelegramChatID,
			Logger:       appLogger,
			Snapshots:    aggregator,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Telegram notifier")
			log.Fatalf("FATAL: Failed to initialize Telegram notifier: %v", err)
		}
		aggregator.SetNext(tgBot)
		go tgBot.Start()
		appLogger.Info(context.Background(), "Telegram notifier initialized")
	}

	// 10. Build one controller per enabled symbol.
	for _, sym := range cfg.EnabledSymbols() {
		profile := cfg.Profiles[sym.Timeframe]
		ctrl, err := straddle.NewController(straddle.Config{
			Symbol:    sym.Symbol,
			Profile:   profile,
			Executor:  coordinator,
			Prices:    gateway,
			Estimator: estimator,
			Notifier:  aggregator,
			Repo:      repo,
			Logger:    appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to build controller", map[string]interface{}{"symbol": sym.Symbol})
			log.Fatalf("FATAL: Failed to build controller for %s: %v", sym.Symbol, err)
		}
		if err := manager.Add(ctrl); err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to register controller", map[string]interface{}{"symbol": sym.Symbol})
			log.Fatalf("FATAL: Failed to register controller for %s: %v", sym.Symbol, err)
		}
		appLogger.Info(context.Background(), "Controller registered", map[string]interface{}{
			"symbol":    sym.Symbol,
			"timeframe": sym.Timeframe,
			"interval":  profile.EvaluationInterval.String(),
		})
	}

	// 11. Paper mode: pump live prices and seed history into the simulator.
	if paperGw != nil {
		seedPaperMarketData(ctx, cfg, paperGw, binanceClient, appLogger)
		go pollPrices(ctx, cfg, paperGw, binanceClient, appLogger)
	}

	// 12. Start the fill stream.
	fillDoneCh, fillStopCh, err := manager.Start(ctx)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to start fill stream")
		log.Fatalf("FATAL: Failed to start fill stream: %v", err)
	}

	// 13. Launch the tick driver, one loop per controller.
	driver, err := scheduler.New(appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize tick driver")
		log.Fatalf("FATAL: Failed to initialize tick driver: %v", err)
	}
	for _, ctrl := range manager.Controllers() {
		driver.Launch(ctx, ctrl, ctrl.Profile().EvaluationInterval)
	}

	// 14. Start the HTTP read API.
	httpServer, err := httpapi.New(httpapi.Config{
		Addr:      cfg.HTTPAddr,
		Logger:    appLogger,
		Snapshots: aggregator,
		Cycles:    repo,
		Gatherer:  registry,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize HTTP server")
		log.Fatalf("FATAL: Failed to initialize HTTP server: %v", err)
	}
	go func() {
		if err := httpServer.Start(); err != nil {
			appLogger.Error(context.Background(), err, "HTTP server exited with error")
		}
	}()

	appLogger.Info(ctx, "Straddle bot running", map[string]interface{}{
		"symbols":      len(manager.Controllers()),
		"paperTrading": cfg.PaperTrading,
		"httpAddr":     cfg.HTTPAddr,
	})

	// 15. Block until shutdown is requested, then drain.
	<-ctx.Done()
	appLogger.Info(context.Background(), "Shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	manager.StopAll(shutdownCtx)
	driver.Wait()

	select {
	case fillStopCh <- struct{}{}:
	default:
	}
	select {
	case <-fillDoneCh:
	case <-shutdownCtx.Done():
	}

	if tgBot != nil {
		tgBot.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error(context.Background(), err, "Error shutting down HTTP server")
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}

// seedPaperMarketData loads recent klines into the paper gateway so the
// volatility estimator has history from the first tick.
func seedPaperMarketData(ctx context.Context, cfg *config.Config, gw *paper.Gateway, client *binanceclient.Client, appLogger ports.Logger) {
	for _, sym := range cfg.EnabledSymbols() {
		profile := cfg.Profiles[sym.Timeframe]
		interval := volatility.KlineInterval(sym.Timeframe)
		klines, err := client.GetKlines(ctx, sym.Symbol, interval, profile.LookbackPeriod+1)
		if err != nil {
			appLogger.Warn(ctx, "Could not seed paper klines, estimator will fall back", map[string]interface{}{
				"symbol": sym.Symbol,
				"error":  err.Error(),
			})
			continue
		}
		if len(klines) == 0 {
			continue
		}
		gw.SeedKlines(sym.Symbol, klines)
		gw.SetPrice(sym.Symbol, klines[len(klines)-1].Close)
	}
}

// pollPrices mirrors live ticker prices into the paper gateway, which crosses
// resting simulated orders as the price moves.
func pollPrices(ctx context.Context, cfg *config.Config, gw *paper.Gateway, client *binanceclient.Client, appLogger ports.Logger) {
	ticker := time.NewTicker(pricePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range cfg.EnabledSymbols() {
				price, err := client.GetTickerPrice(ctx, sym.Symbol)
				if err != nil {
					appLogger.Debug(ctx, "Price poll failed", map[string]interface{}{"symbol": sym.Symbol, "error": err.Error()})
					continue
				}
				gw.SetPrice(sym.Symbol, price)
			}
		}
	}
}
