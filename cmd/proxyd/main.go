// Package main implements proxyd, which accepts Stratum V2 mining devices
// and translates their traffic for an upstream Stratum V1 pool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/gomproxy/internal/config"
	"github.com/bardlex/gomproxy/internal/database"
	"github.com/bardlex/gomproxy/internal/database/influx"
	"github.com/bardlex/gomproxy/internal/database/postgres"
	"github.com/bardlex/gomproxy/internal/database/redis"
	"github.com/bardlex/gomproxy/internal/events"
	"github.com/bardlex/gomproxy/internal/messaging"
	"github.com/bardlex/gomproxy/internal/proxy"
	"github.com/bardlex/gomproxy/pkg/log"
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
	logger.Info("starting proxyd",
		"version", cfg.Version,
		"listen_address", cfg.ListenAddress(),
		"upstream_addr", cfg.UpstreamAddr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to the optional stores
	dbManager, err := database.NewManager(ctx, storeConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to create database manager")
		os.Exit(1)
	}

	var kafkaClient *messaging.KafkaClient
	if cfg.KafkaEnabled {
		kafkaClient = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	}

	publisher := events.NewPublisher(cfg.EventBufferSize, cfg.EventWorkers, logger, buildSinks(dbManager, kafkaClient)...)

	opts := []proxy.Option{proxy.WithPublisher(publisher)}
	if dbManager.Redis != nil {
		opts = append(opts, proxy.WithRateLimiter(dbManager.Redis), proxy.WithGauge(dbManager.Redis))
	}
	server := proxy.NewServer(cfg, logger, opts...)

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		_ = publisher.Run(ctx)
	}()

	dbManager.StartPeriodicTasks(ctx, func() (active, total, dropped int64) {
		active, total, _ = server.Stats()
		_, dropped, _ = publisher.Stats()
		return active, total, dropped
	})

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the server
	go func() {
		if err := server.Start(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("server failed")
			cancel()
		}
	}()

	// Wait for shutdown signal or server failure
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	exitCode := 0
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		exitCode = 1
	}

	// Sessions are closed, so the publisher can drain what they reported
	cancel()
	background.Wait()

	if kafkaClient != nil {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}
	if err := dbManager.Close(); err != nil {
		logger.WithError(err).Error("failed to close database manager")
	}

	published, dropped, failed := publisher.Stats()
	logger.Info("proxyd stopped", "events_published", published, "events_dropped", dropped, "events_failed", failed)
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// storeConfig selects the stores enabled in cfg
func storeConfig(cfg *config.Config) *database.Config {
	dbConfig := &database.Config{}

	if cfg.PostgresEnabled {
		dbConfig.Postgres = &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 10,
			MaxIdleConns: 2,
			MaxLifetime:  5 * time.Minute,
		}
	}

	if cfg.RedisEnabled {
		dbConfig.Redis = &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}

	if cfg.InfluxEnabled {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}

	return dbConfig
}

// buildSinks returns one sink per configured side channel
func buildSinks(m *database.Manager, kafkaClient *messaging.KafkaClient) []events.Sink {
	var sinks []events.Sink

	if kafkaClient != nil {
		sinks = append(sinks, events.NewKafkaSink(kafkaClient))
	}
	if m == nil {
		return sinks
	}
	if m.Influx != nil {
		sinks = append(sinks, events.NewMetricsSink(m.Influx))
	}
	if m.Postgres != nil {
		sinks = append(sinks, events.NewLedgerSink(m))
	}
	if m.Redis != nil {
		sinks = append(sinks, events.NewCounterSink(m.Redis))
	}

	return sinks
}
