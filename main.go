package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"inventory-relay/internal/httpapi"
	"inventory-relay/internal/inventory"
	"inventory-relay/internal/natspub"
	"inventory-relay/internal/pglisten"
	"inventory-relay/internal/relay"
	"inventory-relay/internal/telemetry"
)

// sourceAdapter narrows pglisten.Source to the interface the bridge wants.
type sourceAdapter struct {
	src *pglisten.Source
}

func (a sourceAdapter) Acquire(ctx context.Context, channel string) (relay.Listener, error) {
	listener, err := a.src.Acquire(ctx, channel)
	if err != nil {
		return nil, err
	}
	return listener, nil
}

// forwarderSource does the same for the NATS forwarder.
type forwarderSource struct {
	src *pglisten.Source
}

func (a forwarderSource) Acquire(ctx context.Context, channel string) (natspub.Listener, error) {
	listener, err := a.src.Acquire(ctx, channel)
	if err != nil {
		return nil, err
	}
	return listener, nil
}

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	_ = godotenv.Load()

	// Load configuration
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Set log level from config
	if level, err := logrus.ParseLevel(config.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	logger.Info("Starting inventory relay service...")

	if config.Postgres.URL == "" {
		logger.Fatal("No Postgres connection string configured (set postgres.url or DATABASE_URL)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The ordinary query pool serves reads and the trigger installer; the
	// subscriber source below keeps its own, smaller pool so long-lived
	// stream sessions cannot starve request traffic.
	queryPool, err := pgxpool.New(ctx, config.Postgres.URL)
	if err != nil {
		logger.Fatalf("Failed to create query pool: %v", err)
	}
	defer queryPool.Close()

	source, err := pglisten.NewSource(ctx, config.Postgres.URL, config.Relay.MaxSessions, config.Relay.AcquireTimeout, logger)
	if err != nil {
		logger.Fatalf("Failed to create subscriber source: %v", err)
	}
	defer source.Close()

	checker := inventory.NewChecker(queryPool, logger)
	if err := checker.Check(ctx); err != nil {
		logger.Fatalf("Postgres preflight failed: %v", err)
	}

	if config.Postgres.InstallTrigger {
		if err := inventory.EnsureTrigger(ctx, queryPool, logger); err != nil {
			logger.Fatalf("Failed to install notify trigger: %v", err)
		}
	}

	var metrics *telemetry.Metrics
	if config.HTTP.EnableMetrics {
		metrics = telemetry.New()
	}

	bridge := relay.NewBridge(sourceAdapter{src: source}, config.Relay.Channel, 0, logger, metrics)
	store := inventory.NewStore(queryPool, logger)

	// Optional NATS republisher for consumers without a stream client
	if config.NATS.URL != "" {
		publisher, err := natspub.NewPublisher(config.NATS.URL, config.NATS.Subject, config.NATS.MaxReconnect, config.NATS.ReconnectWait, logger)
		if err != nil {
			logger.Fatalf("Failed to create NATS publisher: %v", err)
		}
		defer publisher.Close()

		forwarder := natspub.NewForwarder(forwarderSource{src: source}, publisher, config.Relay.Channel, logger)
		go func() {
			if err := forwarder.Start(ctx); err != nil {
				logger.Errorf("Forwarder error: %v", err)
			}
		}()
	}

	health := func(ctx context.Context) error {
		if err := queryPool.Ping(ctx); err != nil {
			return err
		}
		return source.Ping(ctx)
	}

	server := httpapi.NewServer(ctx, config.HTTP.Addr, bridge, store, health, metrics, logger)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start()
	}()
	logger.Infof("HTTP server listening on %s", config.HTTP.Addr)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v, shutting down...", sig)
	case err := <-errChan:
		if err != nil {
			logger.Errorf("HTTP server error: %v", err)
		}
	}

	// Cancelling the process context ends live stream sessions (their request
	// contexts derive from it), which releases the subscriber connections and
	// lets the drain below finish.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown error: %v, forcing close", err)
		if err := server.Close(); err != nil {
			logger.Errorf("HTTP close error: %v", err)
		}
	}

	logger.Info("Inventory relay service stopped")
}
