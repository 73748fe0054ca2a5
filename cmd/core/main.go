// Command core boots the event-sourcing transport and delivery pipeline:
// batcher → unit of work, outbox sweeper and poller against the local
// store, and a Redis-backed stream consumer coordinated across a consumer
// group. It registers every worker with the launcher and blocks until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/slapcommerce/core/batcher"
	"github.com/slapcommerce/core/bootstrap"
	"github.com/slapcommerce/core/config"
	"github.com/slapcommerce/core/consumer"
	"github.com/slapcommerce/core/coordinator"
	"github.com/slapcommerce/core/eventstore"
	"github.com/slapcommerce/core/logging/mzap"
	"github.com/slapcommerce/core/outbox"
	"github.com/slapcommerce/core/transport"
)

const ordersStream = "orders.events"

func main() {
	logger, err := mzap.NewDefault()
	if err != nil {
		panic(err)
	}

	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := eventstore.Open(cfg.StoreEngine, cfg.StorePath)
	if err != nil {
		logger.Fatalf("open event store: %v", err)
	}
	defer store.Close()

	b := batcher.New(store.DB(), logger.WithFields("component", "batcher"), cfg.FlushInterval(), cfg.BatchSizeThreshold, cfg.MaxQueueDepth)

	client, err := transport.Connect(ctx, cfg.RedisAddr, logger.WithFields("component", "transport"))
	if err != nil {
		logger.Fatalf("connect transport: %v", err)
	}
	defer client.Close()

	publisher := transport.NewStreamPublisher(client, cfg.PartitionCount, int64(cfg.StreamMaxLen))

	dispatcher := outbox.NewDispatcher(store, publisher, logger.WithFields("component", "dispatcher"), nil,
		cfg.DispatchCatchupInterval(), cfg.BatchSizeThreshold)

	sweeper := outbox.NewSweeper(store, publisher, logger.WithFields("component", "sweeper"), nil,
		time.Duration(cfg.SweepPendingThresholdSec)*time.Second,
		time.Duration(cfg.SweepDispatchedThresholdSec)*time.Second,
		time.Duration(cfg.SweepPendingThresholdSec)*time.Second,
		uint32(cfg.MaxDispatchAttempts))

	poller := outbox.NewPoller(store, logger.WithFields("component", "poller"), nil,
		cfg.FlushInterval(), cfg.BatchSizeThreshold, cfg.ConsumerRetryBase, cfg.RetryUnit(), cfg.ConsumerMaxRetries)

	consumerID := uuid.NewString()
	group := "projectors"

	coord := coordinator.New(client, group, uint32(cfg.PartitionCount), cfg.HeartbeatTimeout(), logger.WithFields("component", "coordinator"))
	resolver := bootstrap.NewPartitionResolver(ordersStream)
	heartbeat := bootstrap.NewHeartbeatLoop(coord, consumerID, cfg.HeartbeatInterval(), resolver, logger.WithFields("component", "coordinator"))

	streamConsumer := consumer.New(client, store, resolver.Resolve, consumer.Config{
		Group:         group,
		ConsumerID:    consumerID,
		BlockDuration: cfg.BlockTime(),
		BatchSize:     int64(cfg.ConsumerBatchSize),
		MaxRetries:    cfg.ConsumerMaxRetries,
	}, logger.WithFields("component", "consumer"), nil)

	b.Start(ctx)
	defer b.Stop()

	launcher := bootstrap.NewLauncher(
		bootstrap.WithLogger(logger),
		bootstrap.WithContext(ctx),
		bootstrap.RunApp("heartbeat", bootstrap.Worker(heartbeat)),
		bootstrap.RunApp("dispatcher", bootstrap.Worker(dispatcher)),
		bootstrap.RunApp("sweeper", bootstrap.Worker(sweeper)),
		bootstrap.RunApp("poller", bootstrap.Worker(poller)),
		bootstrap.RunApp("consumer", bootstrap.Worker(streamConsumer)),
	)

	launcher.Run()
}
