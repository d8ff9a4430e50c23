// Package database coordinates the optional stores of the proxy: the PostgreSQL
// share ledger, Redis counters and InfluxDB metrics. A nil store config leaves
// that store disabled.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/gomproxy/internal/database/influx"
	"github.com/bardlex/gomproxy/internal/database/postgres"
	"github.com/bardlex/gomproxy/internal/database/redis"
	"github.com/bardlex/gomproxy/pkg/circuit"
	"github.com/bardlex/gomproxy/pkg/errors"
	"github.com/bardlex/gomproxy/pkg/log"
	"github.com/bardlex/gomproxy/pkg/retry"
)

// Manager coordinates the configured stores
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Shares      *postgres.ShareRepository
	Connections *postgres.ConnectionRepository

	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// ConnectionStats reports connection gauges for the periodic metric
type ConnectionStats func() (active, total, dropped int64)

// NewManager connects to every configured store. On failure the stores that
// were already opened are closed again.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.WithComponent("database")

	m := &Manager{
		logger:      logger,
		retryConfig: retry.DatabaseConfig(),
	}

	cbConfig := circuit.SinkConfig("database")
	cbConfig.OnStateChange = func(name string, from, to circuit.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}
	m.circuitBreaker = circuit.New(cbConfig)

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database"))
		}
		m.Postgres = pgClient

		if err := pgClient.Migrate(ctx); err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate",
				"failed to create ledger tables"))
		}
		m.Shares = postgres.NewShareRepository(pgClient.DB())
		m.Connections = postgres.NewConnectionRepository(pgClient.DB())
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database"))
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx)
		if err != nil {
			return nil, m.abort(errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database"))
		}
		m.Influx = influxClient
	}

	return m, nil
}

// abort closes what was opened so far and attaches any cleanup failure to err
func (m *Manager) abort(err *errors.ServiceError) error {
	if closeErr := m.Close(); closeErr != nil {
		return err.WithContext("cleanup_error", closeErr.Error())
	}
	return err
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of the configured connections
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// RecordShare stores a resolved share in the ledger
func (m *Manager) RecordShare(ctx context.Context, share *postgres.TranslatedShare) error {
	if m.Shares == nil {
		return nil
	}

	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Shares.CreateShare(ctx, share); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
					"failed to store share in PostgreSQL").
					WithContext("user", share.DownstreamUser).
					WithContext("upstream_job_id", share.UpstreamJobID).
					WithContext("sequence_number", share.SequenceNumber)
			}
			return nil
		})
	})
}

// RecordConnection stores a closed connection in the ledger
func (m *Manager) RecordConnection(ctx context.Context, conn *postgres.ConnectionRecord) error {
	if m.Connections == nil {
		return nil
	}

	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Connections.CreateConnection(ctx, conn); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_connection",
					"failed to store connection in PostgreSQL").
					WithContext("connection_id", conn.ConnectionID)
			}
			return nil
		})
	})
}

// BreakerStats exposes the ledger circuit breaker statistics
func (m *Manager) BreakerStats() circuit.Stats {
	return m.circuitBreaker.GetStats()
}

// StartPeriodicTasks flushes InfluxDB writes and records connection gauges
// until ctx is canceled.
func (m *Manager) StartPeriodicTasks(ctx context.Context, stats ConnectionStats) {
	if m.Influx == nil {
		return
	}

	// Flush InfluxDB writes every 10 seconds
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	if stats == nil {
		return
	}

	// Write connection statistics every minute
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				active, total, dropped := stats()
				m.Influx.WriteConnectionMetric(active, total, dropped)
				m.logger.Debug("connection metric written", "active", active, "total", total, "dropped", dropped)
			}
		}
	}()
}
