// Package main implements poold, the pool server daemon. It serves
// Stratum V1 to miners, builds jobs from the coin daemon's block
// templates, and runs every submission through the share pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/config"
	"github.com/bardlex/poolcore/internal/database"
	"github.com/bardlex/poolcore/internal/database/influx"
	"github.com/bardlex/poolcore/internal/database/postgres"
	"github.com/bardlex/poolcore/internal/database/redis"
	"github.com/bardlex/poolcore/internal/jobs"
	"github.com/bardlex/poolcore/internal/messaging"
	"github.com/bardlex/poolcore/internal/pipeline"
	"github.com/bardlex/poolcore/internal/validation"
	"github.com/bardlex/poolcore/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poold",
		"version", cfg.Version,
		"listen_addr", cfg.ListenAddr,
		"listen_port", cfg.ListenPort,
	)

	daemon, err := bitcoin.NewRPCClient(cfg.DaemonRPCHost, cfg.DaemonRPCPort, cfg.DaemonRPCUser, cfg.DaemonRPCPassword)
	if err != nil {
		logger.WithError(err).Error("failed to create daemon RPC client")
		os.Exit(1)
	}
	defer daemon.Close()

	// Refuse to start with a payout address the daemon will not pay to.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), cfg.DaemonCallTimeout)
	valid, err := daemon.ValidateAddress(startupCtx, cfg.PoolAddress)
	startupCancel()
	if err != nil {
		logger.WithError(err).Error("failed to validate pool address")
		os.Exit(1)
	}
	if !valid {
		logger.Error("pool address rejected by daemon", "address", cfg.PoolAddress)
		os.Exit(1)
	}

	dbConfig := &database.Config{
		Postgres: &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		Redis: &redis.Config{
			URL:          cfg.RedisURL,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	}

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create database manager")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	publisher := messaging.NewPublisher(kafkaClient, logger)
	publisher.Start(ctx)

	bus := pipeline.NewBus()
	publisher.Attach(bus)

	jobStore := jobs.NewStore()
	builder := jobs.NewBuilder(daemon, jobStore, cfg.PoolAddress, &chaincfg.MainNetParams, logger)
	validator := validation.NewValidator(cfg.MaxTimeSkew)

	sharePipeline := pipeline.New(jobStore, validator, daemon, dbManager, bus, publisher, logger, cfg.DaemonCallTimeout)

	dbManager.StartPeriodicTasks(ctx)

	server := NewStratumServer(cfg, logger, sharePipeline, jobStore, builder, publisher, dbManager, kafkaClient)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(ctx); err != nil {
			logger.WithError(err).Error("server failed")
			cancel()
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("poold stopped")
}
