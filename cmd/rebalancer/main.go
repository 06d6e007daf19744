package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/binmath"
	"github.com/dlmm-labs/rebalancer/internal/chaindata"
	"github.com/dlmm-labs/rebalancer/internal/config"
	"github.com/dlmm-labs/rebalancer/internal/engine"
	"github.com/dlmm-labs/rebalancer/internal/execution"
	"github.com/dlmm-labs/rebalancer/internal/logger"
	"github.com/dlmm-labs/rebalancer/internal/monitor"
	"github.com/dlmm-labs/rebalancer/internal/notify"
	"github.com/dlmm-labs/rebalancer/internal/observability"
	"github.com/dlmm-labs/rebalancer/internal/scheduler"
	"github.com/dlmm-labs/rebalancer/internal/state"
	"github.com/dlmm-labs/rebalancer/internal/stoploss"
	"github.com/dlmm-labs/rebalancer/internal/txqueue"
	"github.com/dlmm-labs/rebalancer/internal/web"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// main is the entry point for the rebalancing engine.
func main() {
	// --- 1. Initialization Phase ---
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Warning: .env file not found. Relying on OS environment variables.")
	}

	if err := config.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	params := config.LoadEngineParameters()

	logger.Initialize(os.Getenv("LOG_LEVEL"))
	log.Info().Msg("DLMM Rebalancing Engine starting...")

	// Initialize database connection
	dbCfg := state.DBConfig{
		Host: os.Getenv("DB_HOST"), Port: mustAtoi(os.Getenv("DB_PORT"), 5432),
		User: os.Getenv("DB_USER"), Password: os.Getenv("DB_PASSWORD"),
		DBName: os.Getenv("DB_NAME"), SSLMode: os.Getenv("DB_SSLMODE"),
	}
	store, err := state.NewStore(dbCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer store.Close()
	if err := store.EnsureSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure database schema")
	}

	registry := prometheus.NewRegistry()
	metrics := observability.New(registry)

	// --- 2. Collaborator Initialization ---
	provider, err := chaindata.NewHTTPProvider(chaindata.HTTPProviderConfig{
		BaseURL:        config.RPCEndpoint,
		Timeout:        params.CollaboratorTimeout,
		RequestSpacing: params.RequestSpacing,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize chain-data provider")
	}

	executor, err := execution.NewHTTPCollaborator(config.ExecutorEndpoint, params.CollaboratorTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize execution collaborator")
	}

	notifiers := []notify.Notifier{notify.NewLogNotifier()}
	if config.TelegramBotToken != "" && config.TelegramChatID != "" {
		notifiers = append(notifiers, notify.NewTelegramNotifier(config.TelegramBotToken, config.TelegramChatID, "", 10*time.Second))
		log.Info().Msg("Telegram notifications enabled")
	}
	alerts := notify.NewDispatcher(store, notifiers...)

	// --- 3. Core Service Wiring ---
	rangeParams := binmath.RangeParams{
		MinWidth: params.MinRangeWidth,
		MaxWidth: params.MaxRangeWidth,
		MaxSpan:  params.MaxBinSpan,
	}
	evaluator, err := engine.NewEvaluator(params.BoundaryThresholdPct, rangeParams)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to construct decision engine")
	}

	queue, err := txqueue.New(txqueue.Config{
		Store:       store,
		Executor:    executor,
		Alerter:     alerts,
		Metrics:     metrics,
		Expiry:      params.TxExpiry,
		ExecTimeout: params.CollaboratorTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to construct approval queue")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := queue.Restore(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to restore approval queue from store")
	}

	monitorCfg := monitor.Config{
		Provider:  provider,
		Evaluator: evaluator,
		Executor:  executor,
		Queue:     queue,
		Alerts:    alerts,
		Store:     store,
		Metrics:   metrics,
		Params:    params,
		Wallets:   config.MonitoredWallets,
	}

	pm, err := monitor.New(monitorCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to construct position monitor")
	}

	// Eco mode batches proposals hourly; immediate mode enqueues them as soon
	// as a cycle produces them. The scheduler re-evaluates through the monitor
	// at drain time, so the two are built in sequence and bound afterwards.
	var eco *scheduler.EcoScheduler
	if os.Getenv("REBALANCE_MODE") != "immediate" {
		eco, err = scheduler.NewEcoScheduler(scheduler.EcoConfig{
			Interval:       params.EcoInterval,
			BatchSize:      params.EcoBatchSize,
			AdmissionFloor: params.EcoAdmissionFloor,
			QueueCapacity:  params.EcoQueueCapacity,
			SavingsRatio:   params.GasSavingsRatio,
		}, pm, pm, alerts, metrics)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to construct eco scheduler")
		}
		pm.SetEco(eco)
	}

	stopLoss, err := stoploss.NewMonitor(store, pm, pm, alerts, metrics, params.StopLossInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to construct stop-loss monitor")
	}

	sweep := scheduler.NewTask("expiry_sweep", params.ExpirySweepInterval, func(ctx context.Context) error {
		_, err := queue.SweepExpired(ctx)
		return err
	})

	// --- 4. Web API ---
	webServer := web.NewWebServer(config.WebPort, queue, stopLoss, pm, store, store, registry)
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error().Err(err).Msg("Web server stopped")
		}
	}()

	// --- 5. Run Until Signalled ---
	pm.Start(ctx)
	if eco != nil {
		eco.Start(ctx)
		log.Info().Dur("interval", params.EcoInterval).Msg("Eco-batch mode enabled")
	} else {
		log.Info().Msg("Immediate rebalance mode enabled")
	}
	stopLoss.Start(ctx)
	sweep.Start(ctx)

	log.Info().
		Dur("monitorInterval", params.MonitorInterval).
		Int("wallets", len(config.MonitoredWallets)).
		Msg("Rebalancing engine running")

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received; stopping tasks...")

	sweep.Stop()
	stopLoss.Stop()
	if eco != nil {
		eco.Stop()
	}
	pm.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Web server shutdown failed")
	}

	log.Info().Msg("Rebalancing engine stopped")
}

// Helper to convert string to int with a default value.
func mustAtoi(s string, defaultValue int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return i
}
