// Package main implements minerd, the Xenohash round coordinator service.
// It serves the WebSocket mining protocol and the HTTP API and closes a
// round every tick once a qualifying share has been admitted.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/xenohash/internal/broadcast"
	"github.com/bardlex/xenohash/internal/config"
	"github.com/bardlex/xenohash/internal/database"
	"github.com/bardlex/xenohash/internal/database/influx"
	"github.com/bardlex/xenohash/internal/database/postgres"
	"github.com/bardlex/xenohash/internal/database/redis"
	"github.com/bardlex/xenohash/internal/difficulty"
	"github.com/bardlex/xenohash/internal/energy"
	"github.com/bardlex/xenohash/internal/identity"
	"github.com/bardlex/xenohash/internal/messaging"
	"github.com/bardlex/xenohash/internal/notify"
	"github.com/bardlex/xenohash/internal/presence"
	"github.com/bardlex/xenohash/internal/round"
	"github.com/bardlex/xenohash/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting minerd",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"listen_addr", cfg.Addr(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("minerd failed")
		os.Exit(1)
	}

	logger.Info("minerd stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	dbManager, err := database.NewManager(ctx, databaseConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Error("failed to close database manager")
		}
	}()

	gate, err := energy.NewGate(energy.GateConfig{
		RechargeRate: cfg.EnergyRechargeRate,
		Max:          cfg.EnergyMax,
		Costs:        energy.Costs(cfg.ModeCosts),
		CacheSize:    cfg.EnergyCacheSize,
		StoreTimeout: cfg.LedgerTimeout,
	}, dbManager, logger)
	if err != nil {
		return err
	}

	registry := presence.NewRegistry()
	fanout := broadcast.NewFanout(logger, broadcast.DefaultSinkTimeout, dbManager.Sinks()...)

	closeSinks, err := attachEventSinks(cfg, fanout, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	coord := round.NewCoordinator(roundConfig(cfg), dbManager, gate, registry, fanout, logger)
	if err := coord.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore round state: %w", err)
	}

	verifier := identity.NewTelegramVerifier(identity.TelegramConfig{
		BotToken: cfg.TelegramBotToken,
		MaxAge:   cfg.AuthMaxAge,
		Bypass:   cfg.Development() && cfg.BypassTelegramAuth,
	}, logger)

	server := NewServer(cfg, logger, coord, gate, registry, fanout, verifier, dbManager)
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ticker := round.NewTicker(coord, cfg.TickInterval, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve on %s: %w", httpServer.Addr, err)
		}
		return nil
	})

	g.Go(func() error {
		return ticker.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var result *multierror.Error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, err)
		}
		return result.ErrorOrNil()
	})

	return g.Wait()
}

func databaseConfig(cfg *config.Config) *database.Config {
	dbConfig := &database.Config{
		Postgres:       postgres.DefaultConfig(cfg.PostgresURL),
		EnergyCacheTTL: time.Hour,
	}
	if cfg.RedisURL != "" {
		dbConfig.Redis = redis.DefaultConfig(cfg.RedisURL)
	}
	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbConfig
}

func roundConfig(cfg *config.Config) round.Config {
	return round.Config{
		Controller: difficulty.Controller{
			Target: cfg.TargetRoundDuration,
			Factor: cfg.AdjustmentFactor,
			Min:    cfg.MinDifficulty,
			Max:    cfg.MaxDifficulty,
		},
		InitialDifficulty: cfg.InitialDifficulty,
		BaseReward:        decimal.NewFromFloat(cfg.BaseReward),
		DecreaseRate:      decimal.NewFromFloat(cfg.RewardDecreaseRate),
		LedgerTimeout:     cfg.LedgerTimeout,
	}
}

// attachEventSinks adds the Kafka and ZMQ sinks that are configured. The
// returned func closes them.
func attachEventSinks(cfg *config.Config, fanout *broadcast.Fanout, logger *log.Logger) (func(), error) {
	var closers []func() error

	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		fanout.AddSink(messaging.NewSink(kafkaClient))
		closers = append(closers, kafkaClient.Close)
		logger.Info("kafka event sink enabled", "brokers", cfg.KafkaBrokers)
	}

	if cfg.ZMQPubAddr != "" {
		publisher, err := notify.NewPublisher(cfg.ZMQPubAddr, logger)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, err
		}
		fanout.AddSink(publisher)
		closers = append(closers, publisher.Close)
	}

	return func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.WithError(err).Warn("failed to close event sink")
			}
		}
	}, nil
}
