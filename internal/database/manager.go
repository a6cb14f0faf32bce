// Package database coordinates the pool's three stores: Postgres for
// durable share and block records, Redis for hot caches, InfluxDB for
// metrics. The manager is the pipeline's persistence collaborator.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/poolcore/internal/database/influx"
	"github.com/bardlex/poolcore/internal/database/postgres"
	"github.com/bardlex/poolcore/internal/database/redis"
	"github.com/bardlex/poolcore/internal/validation"
	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
	"github.com/bardlex/poolcore/pkg/retry"
)

// hashrateWindow sizes the Redis hashrate samples; one share at
// difficulty d represents roughly d*2^32 hashes.
const hashrateWindow = 10 * time.Minute

// Manager coordinates writes across PostgreSQL, Redis and InfluxDB.
// Postgres writes are the critical path; Redis and Influx are best
// effort and never fail a record operation.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	Shares *postgres.ShareRepository
	Blocks *postgres.BlockRepository

	breaker     *circuit.Breaker
	retryConfig *retry.Config
	logger      *log.Logger
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager connects to all three stores. Any connection failure
// tears down whatever already connected.
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindDatabase, "postgres_connect",
			"failed to connect to PostgreSQL")
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			logger.WithError(closeErr).Error("failed to close PostgreSQL during cleanup")
		}
		return nil, errors.Wrap(err, errors.KindDatabase, "redis_connect",
			"failed to connect to Redis")
	}

	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			logger.WithError(closeErr).Error("failed to close PostgreSQL during cleanup")
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			logger.WithError(closeErr).Error("failed to close Redis during cleanup")
		}
		return nil, errors.Wrap(err, errors.KindDatabase, "influx_connect",
			"failed to connect to InfluxDB")
	}

	breaker := circuit.New(&circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	})

	return &Manager{
		Postgres:    pgClient,
		Redis:       redisClient,
		Influx:      influxClient,
		Shares:      postgres.NewShareRepository(pgClient.DB()),
		Blocks:      postgres.NewBlockRepository(pgClient.DB()),
		breaker:     breaker,
		retryConfig: retry.DatabaseConfig(),
		logger:      logger,
	}, nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// AddShare durably records an accepted share, then updates metrics and
// the hashrate cache best effort. The Postgres insert is idempotent on
// the submission tuple, so retries cannot double-credit.
func (m *Manager) AddShare(ctx context.Context, share *validation.Share) error {
	row := &postgres.Share{
		MinerAddress:     share.MinerAddress,
		WorkerName:       share.WorkerName,
		JobID:            share.JobID,
		ExtraNonce2:      share.ExtraNonce2,
		NTime:            share.NTime,
		Nonce:            share.Nonce,
		Difficulty:       share.Difficulty,
		BlockHeight:      share.Height,
		IsBlockCandidate: share.IsBlockCandidate(),
		SubmittedAt:      share.SubmittedAt,
	}

	err := m.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Shares.InsertShare(ctx, row); err != nil {
				return errors.Wrap(err, errors.KindDatabase, "add_share",
					"failed to store share").
					WithField("miner", share.MinerAddress).
					WithField("job_id", share.JobID)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	m.Influx.WriteShareMetric(share.MinerAddress, share.WorkerName,
		share.Difficulty, share.IsValid(), share.IsBlockCandidate())

	hashrate := share.Difficulty * 4294967296 / hashrateWindow.Seconds()
	if err := m.Redis.SetHashrate(ctx, share.MinerAddress, share.WorkerName, hashrate, hashrateWindow); err != nil {
		m.logger.WithError(err).Warn("failed to update hashrate cache",
			"miner", share.MinerAddress, "worker", share.WorkerName)
	}

	return nil
}

// AddBlock durably records a confirmed block. Only shares that passed
// daemon-side verification reach this point; the insert is idempotent
// on (height, hash).
func (m *Manager) AddBlock(ctx context.Context, share *validation.Share) error {
	hash, ok := share.ConfirmedBlock()
	if !ok {
		return errors.New(errors.KindInternal, "add_block",
			"block record requested for unconfirmed share").
			WithField("block_hash", share.BlockHash)
	}

	row := &postgres.Block{
		Height:       share.Height,
		Hash:         hash,
		CoinbaseHash: share.CoinbaseHash,
		MinerAddress: share.MinerAddress,
		WorkerName:   share.WorkerName,
		Difficulty:   share.Difficulty,
		Status:       postgres.BlockStatusConfirmed,
		FoundAt:      share.SubmittedAt,
	}

	err := m.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Blocks.InsertBlock(ctx, row); err != nil {
				return errors.Wrap(err, errors.KindDatabase, "add_block",
					"failed to store block").
					WithField("block_hash", hash).
					WithField("block_height", share.Height)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	m.Influx.WriteBlockMetric(share.Height, hash,
		share.MinerAddress, share.WorkerName, share.Difficulty)

	blockKey := fmt.Sprintf("block:%d", share.Height)
	if err := m.Redis.SetCache(ctx, blockKey, row, 24*time.Hour); err != nil {
		m.logger.WithError(err).Warn("failed to cache block",
			"block_hash", hash, "block_height", share.Height)
	}

	return nil
}

// StartPeriodicTasks runs background flushes until ctx is cancelled.
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
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
}
