package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"

	"exit_engine/internal/alert"
	"exit_engine/internal/bootstrap"
	"exit_engine/internal/broker"
	"exit_engine/internal/config"
	"exit_engine/internal/core"
	"exit_engine/internal/crypto"
	"exit_engine/internal/engine"
	"exit_engine/internal/events"
	"exit_engine/internal/infrastructure/health"
	"exit_engine/internal/infrastructure/metrics"
	"exit_engine/internal/mock"
	"exit_engine/internal/storage"
	"exit_engine/pkg/concurrency"
	"exit_engine/pkg/eventstream"
	"exit_engine/pkg/logging"
	"exit_engine/pkg/telemetry"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		fallback, _ := logging.NewZapLogger("INFO")
		fallback.Fatal("Failed to bootstrap", "error", err)
	}
	cfg, logger := app.Cfg, app.Logger

	logger.Info("Starting exit engine", "default_broker", cfg.App.DefaultBroker)

	tel, err := telemetry.Setup("exit_engine")
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", "error", err)
	}

	store, err := storage.Open(cfg.Storage.Path, cfg.Storage.BusyTimeoutMS)
	if err != nil {
		logger.Fatal("Failed to open storage", "error", err, "path", cfg.Storage.Path)
	}

	cryptoMgr := crypto.NewManager(string(cfg.Encryption.Key), cfg.Encryption.Salt)
	if string(cfg.Encryption.Key) == "" {
		cryptoMgr = crypto.NewManagerFromEnv()
	}

	bus := events.NewBus(logger)

	factory := broker.NewFactory(store.BrokerAccounts(), cryptoMgr, cfg, logger)
	// The mock broker is always registered so local accounts with
	// broker_id "mock" work without real credentials.
	factory.Register(mock.BrokerID, func(_ *core.BrokerAccount, _ config.BrokerConfig, _ func(), _ core.ILogger) (core.IBrokerClient, error) {
		return mock.NewBrokerClient(), nil
	})

	manager := engine.NewManager(cfg, factory, bus, store.Rules(), store.BrokerAccounts(), store.TradeLog(), logger)

	// Alerts ride their own pool so a slow webhook never stalls an exit.
	alertPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "alerts",
		MaxWorkers:  cfg.Concurrency.AlertPoolSize,
		MaxCapacity: cfg.Concurrency.AlertPoolBuffer,
		NonBlocking: true,
	}, logger)
	alerts := alert.NewManager(alertPool, logger)
	if cfg.Alerts.Enabled {
		if url := string(cfg.Alerts.SlackWebhookURL); url != "" {
			alerts.AddChannel(alert.NewSlackChannel(url))
		}
		if token := string(cfg.Alerts.TelegramBotToken); token != "" && cfg.Alerts.TelegramChatID != "" {
			alerts.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
		}
		logger.Info("Alerting enabled", "channels", alerts.Channels())
	}
	bridge := alert.NewBridge(bus, alerts)

	healthMgr := health.NewManager(logger)
	healthMgr.Register("database", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return store.Ping(ctx)
	})
	healthMgr.Register("engines", manager.Health)
	healthMgr.Register("ticker", manager.TickerHealth)

	runners := []bootstrap.Runner{
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if cfg.App.Autostart {
				if err := manager.StartAll(ctx); err != nil {
					return err
				}
			}
			<-ctx.Done()
			manager.StopAll()
			return nil
		}),
	}

	if cfg.Telemetry.EnableMetrics {
		metricsSrv := metrics.NewServer(cfg.Telemetry.MetricsPort, healthMgr, logger)
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			metricsSrv.Start()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Stop(shutdownCtx)
		}))
	}

	if cfg.EventStream.Enabled {
		hub := eventstream.NewHub(logger)
		streamSrv := eventstream.NewServer(hub, logger, eventstream.Options{
			MaxConnections: cfg.EventStream.MaxConnections,
		})
		detach := streamSrv.Attach(bus)
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			defer detach()
			return streamSrv.Start(ctx, cfg.EventStream.ListenAddr)
		}))
	}

	err = app.Run(runners...)

	bridge.Close()
	alertPool.Stop()
	if cerr := store.Close(); cerr != nil {
		logger.Error("Storage close failed", "error", cerr)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if terr := tel.Shutdown(shutdownCtx); terr != nil {
		logger.Error("Telemetry shutdown failed", "error", terr)
	}
	cancel()

	if err != nil {
		logger.Fatal("Exit engine terminated", "error", err)
	}
	logger.Info("Exit engine stopped")
}
