package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gregtusar/fleet/api"
	"github.com/gregtusar/fleet/internal/config"
	"github.com/gregtusar/fleet/pkg/backtest"
	"github.com/gregtusar/fleet/pkg/broker"
	"github.com/gregtusar/fleet/pkg/engine"
	"github.com/gregtusar/fleet/pkg/events"
	"github.com/gregtusar/fleet/pkg/ledger"
	"github.com/gregtusar/fleet/pkg/models"
	"github.com/gregtusar/fleet/pkg/notify"
	"github.com/gregtusar/fleet/pkg/risk"
	"github.com/gregtusar/fleet/pkg/secrets"
	"github.com/gregtusar/fleet/pkg/strategy"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleet",
		Short: "Autonomous multi-account trading engine",
		Long:  `Runs configurable strategies across several brokerage accounts with risk controls, position reconciliation and a dashboard API`,
		Run:   runFleet,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	backtestCmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay recorded candles through a strategy",
		Run:   runBacktest,
	}
	backtestCmd.Flags().String("data", "", "CSV candle file (time,open,high,low,close[,volume])")
	backtestCmd.Flags().String("symbol", "EURUSD", "symbol the candles belong to")
	backtestCmd.Flags().String("strategy", "sma_crossover", "strategy name ("+strings.Join(strategy.Available(), ", ")+")")
	backtestCmd.Flags().String("timeframe", "M5", "candle timeframe label")
	backtestCmd.Flags().Float64("balance", 10000, "starting balance")
	backtestCmd.MarkFlagRequired("data")
	rootCmd.AddCommand(backtestCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config) {
	logger = logrus.New()
	if cfg.Logging.Format != "text" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func runFleet(cmd *cobra.Command, args []string) {
	godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	setupLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := openStore(cfg)
	defer store.Close()

	bus := events.NewBus(logger)
	logger.AddHook(events.NewLogHook(bus))
	book := ledger.New(store, logger)

	manager, err := secretManager(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create secret manager")
	}
	if manager != nil {
		// Ambient secrets left blank in the config are looked up by a
		// well-known name; a miss keeps the configured value.
		if cfg.Server.JWTSecret == "" {
			cfg.Server.JWTSecret = manager.GetSecretWithDefault(ctx, "fleet-jwt-secret", "")
		}
		if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
			cfg.Telegram.Token = manager.GetSecretWithDefault(ctx, "fleet-telegram-token", "")
		}
	}

	ports := portFactory(ctx, cfg, manager)

	limits := risk.Limits{
		RiskPercent:        cfg.Trading.RiskPercentage,
		MaxVolume:          cfg.Trading.MaxVolume,
		MaxOpenPositions:   cfg.Trading.MaxOpenPositions,
		MaxDrawdownPercent: cfg.Trading.MaxDrawdownPercent,
	}
	riskMgr := risk.NewManager(limits, logger)

	workerCfg := engine.WorkerConfig{
		SleepInterval: time.Duration(cfg.Trading.SleepSeconds) * time.Second,
		Timeframe:     cfg.Trading.Timeframe,
		HistoryBars:   cfg.Trading.HistoryBars,
		CallTimeout:   time.Duration(cfg.Trading.ProviderTimeout) * time.Second,
		MaxRetries:    cfg.Trading.MaxRetries,
		BreakevenPips: cfg.Trading.BreakevenPips,
		TrailingPips:  cfg.Trading.TrailingPips,
	}
	if start, end, ok := cfg.Trading.Session(); ok {
		workerCfg.Session = &engine.SessionWindow{Start: start, End: end}
	}

	supervisor := engine.NewSupervisor(ports, riskMgr, book, bus, limits, engine.SupervisorConfig{
		Worker:         workerCfg,
		MaxDailyTrades: cfg.Trading.MaxDailyTrades,
	}, logger)

	accounts := cfg.EnabledAccounts(logger)
	if len(accounts) == 0 {
		logger.Fatal("No runnable accounts configured")
	}
	for _, account := range accounts {
		if err := supervisor.AddAccount(account, strategy.Params{}); err != nil {
			logger.WithError(err).WithField("account", account.ID).Error("Excluding account")
		}
	}

	hub := api.NewHub(logger)
	go hub.Run(bus.Subscribe("dashboard", 256))

	if cfg.Telegram.Enabled {
		notifier, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, logger)
		if err != nil {
			logger.WithError(err).Error("Telegram notifier disabled")
		} else {
			go notifier.Run(bus.Subscribe("telegram", 128))
		}
	}

	supervisor.Start(ctx)

	server := api.NewServer(supervisor, book, hub, logger, cfg.Server.Port, cfg.Server.JWTSecret)
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.WithField("accounts", len(accounts)).Info("Fleet is running. Press Ctrl+C to stop.")
	<-sigChan
	logger.Info("Received shutdown signal")

	supervisor.ApplyControl(models.ActionStop)
	bus.Close()
	cancel()
	logger.Info("Fleet stopped")
}

// openStore connects to Postgres, falling back to the in-memory store so a
// missing database degrades durability instead of blocking trading.
func openStore(cfg *config.Config) ledger.Store {
	store, err := ledger.NewPostgresStore(cfg.Database.DSN(),
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnLifetime())
	if err != nil {
		logger.WithError(err).Warn("Postgres unavailable, using in-memory ledger")
		return ledger.NewMemoryStore()
	}
	logger.WithField("host", cfg.Database.Host).Info("Connected to Postgres")
	return store
}

// secretManager connects to GCP Secret Manager when the deployment enables
// it; otherwise callers fall back to environment variables.
func secretManager(ctx context.Context, cfg *config.Config) (*secrets.GCPSecretManager, error) {
	if !cfg.GCP.UseSecrets || cfg.GCP.ProjectID == "" {
		return nil, nil
	}
	return secrets.NewGCPSecretManager(ctx, cfg.GCP.ProjectID, logger)
}

// portFactory builds authenticated bridge sessions, resolving credentials
// through the secret manager when one is available and environment
// variables otherwise.
func portFactory(ctx context.Context, cfg *config.Config, manager *secrets.GCPSecretManager) engine.PortFactory {
	rateLimit := cfg.Trading.RateLimitPerSec

	return func(account models.Account) (broker.Port, error) {
		creds, err := resolveCredentials(ctx, manager, account)
		if err != nil {
			return nil, err
		}
		server := account.Server
		if creds.Server != "" {
			server = creds.Server
		}
		client := broker.NewBridgeClient(server, creds.Login, creds.Password)
		return broker.NewRateLimited(client, rateLimit, 5), nil
	}
}

func resolveCredentials(ctx context.Context, manager *secrets.GCPSecretManager, account models.Account) (secrets.Credentials, error) {
	if manager != nil {
		return manager.ResolveCredentials(ctx, account.CredentialsRef)
	}

	// Without Secret Manager the handle names an environment variable
	// holding "login:password".
	raw := os.Getenv(account.CredentialsRef)
	parts := strings.SplitN(raw, ":", 2)
	if raw == "" || len(parts) != 2 {
		return secrets.Credentials{}, fmt.Errorf("no credentials in $%s for account %s", account.CredentialsRef, account.ID)
	}
	return secrets.Credentials{Login: parts[0], Password: parts[1]}, nil
}

func runBacktest(cmd *cobra.Command, args []string) {
	godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	setupLogger(cfg)

	dataPath, _ := cmd.Flags().GetString("data")
	symbol, _ := cmd.Flags().GetString("symbol")
	strategyName, _ := cmd.Flags().GetString("strategy")
	timeframe, _ := cmd.Flags().GetString("timeframe")
	balance, _ := cmd.Flags().GetFloat64("balance")

	candles, err := backtest.LoadCSV(dataPath, symbol)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load candles")
	}

	result, err := backtest.New(logger).Run(candles, backtest.Config{
		Strategy:       strategyName,
		Symbol:         symbol,
		Timeframe:      timeframe,
		InitialBalance: balance,
		Limits: risk.Limits{
			RiskPercent:        cfg.Trading.RiskPercentage,
			MaxVolume:          cfg.Trading.MaxVolume,
			MaxOpenPositions:   cfg.Trading.MaxOpenPositions,
			MaxDrawdownPercent: cfg.Trading.MaxDrawdownPercent,
		},
		Spec: defaultSpec(symbol),
	})
	if err != nil {
		logger.WithError(err).Fatal("Backtest failed")
	}

	// Persist the run so the dashboard's history endpoint can serve it.
	store := openStore(cfg)
	defer store.Close()
	book := ledger.New(store, logger)
	if err := book.RecordBacktest(&result); err != nil {
		logger.WithError(err).Error("Failed to persist backtest result")
	}

	logger.WithFields(logrus.Fields{
		"strategy":      result.Strategy,
		"symbol":        result.Symbol,
		"trades":        result.TotalTrades,
		"win_rate":      fmt.Sprintf("%.1f%%", result.WinRate()),
		"return":        fmt.Sprintf("%.2f%%", result.ReturnPercent()),
		"max_drawdown":  fmt.Sprintf("%.2f%%", result.MaxDrawdown),
		"profit_factor": fmt.Sprintf("%.2f", result.ProfitFactor),
		"sharpe":        fmt.Sprintf("%.2f", result.SharpeRatio),
	}).Info("Backtest finished")
}

// defaultSpec approximates contract specs by symbol class for offline runs
// where no broker session is available to ask.
func defaultSpec(symbol string) broker.SymbolSpec {
	spec := broker.SymbolSpec{
		Symbol:     symbol,
		Point:      0.0001,
		PipValue:   10,
		VolumeMin:  0.01,
		VolumeMax:  100,
		VolumeStep: 0.01,
	}
	upper := strings.ToUpper(symbol)
	switch {
	case strings.Contains(upper, "JPY"):
		spec.Point = 0.01
	case strings.Contains(upper, "XAU") || strings.Contains(upper, "GOLD"):
		spec.Point = 0.01
		spec.PipValue = 1
	case strings.Contains(upper, "BTC") || strings.Contains(upper, "ETH"):
		spec.Point = 0.01
		spec.PipValue = 0.01
	}
	return spec
}
