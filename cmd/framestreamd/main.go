package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"framestream/internal/analysis"
	"framestream/internal/config"
	"framestream/internal/dispatch"
	"framestream/internal/domain"
	"framestream/internal/framequeue"
	"framestream/internal/ingest/kafka"
	"framestream/internal/ingest/rabbitmq"
	"framestream/internal/ingest/socket"
	"framestream/internal/pipeline"
	"framestream/internal/sampler"
	"framestream/internal/storage"
	"framestream/internal/storage/memory"
	"framestream/internal/storage/sqlite"
	"framestream/internal/streams"
)

func main() {
	cfgPath := flag.String("config", "framestream.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("framestreamd exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var engine storage.Engine
	switch cfg.Storage.Backend {
	case "memory":
		engine = memory.NewStore()
	default:
		store, err := sqlite.NewStore(cfg.Storage.DataDir, logger)
		if err != nil {
			return err
		}
		engine = store
	}
	defer engine.Close()

	mgr, err := streams.NewManager(ctx, streams.Config{
		FrameStream:  cfg.Streams.FrameStream,
		ResultStream: cfg.Streams.ResultStream,
		Group:        cfg.Streams.Group,
		Consumer:     cfg.Streams.Consumer,
		Logger:       logger,
	}, engine)
	if err != nil {
		return err
	}

	smp, err := sampler.New(cfg.Pipeline.SampleInterval)
	if err != nil {
		return err
	}
	queue, err := framequeue.New[domain.FrameEvent](cfg.Pipeline.QueueCapacity)
	if err != nil {
		return err
	}
	pipe := pipeline.New(smp, queue, mgr, pipeline.Config{
		RecordFrameMetadata: cfg.Pipeline.RecordFrameMetadata,
		Logger:              logger,
	})

	var analyzer analysis.Analyzer
	if cfg.Analysis.Stub {
		analyzer = analysis.Stub{}
	} else {
		analyzer = analysis.NewClient(cfg.Analysis.URL, cfg.Analysis.Timeout)
	}

	worker := dispatch.NewWorker(queue, analyzer, mgr, dispatch.Config{
		ModelVersion: cfg.Pipeline.ModelName,
		Logger:       logger,
	})
	if err := worker.Start(); err != nil {
		return err
	}

	var srv *socket.Server
	if cfg.Server.Enabled {
		srv = socket.NewServer(socket.Config{
			Network:          cfg.Server.Network,
			Address:          cfg.Server.Address,
			UnixSocketPath:   cfg.Server.UnixSocketPath,
			AuthToken:        cfg.Server.AuthToken,
			MaxInflight:      cfg.Server.MaxInflight,
			GlobalQueueLimit: cfg.Server.GlobalQueueLimit,
			Logger:           logger,
		}, mgr)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("socket server stopped", "error", err)
			}
		}()
	}

	var rmq *rabbitmq.Adapter
	if cfg.Ingest.RabbitMQ.Enabled {
		rmq, err = rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           cfg.Ingest.RabbitMQ.URL,
			Exchange:      cfg.Ingest.RabbitMQ.Exchange,
			Queue:         cfg.Ingest.RabbitMQ.Queue,
			PrefetchCount: cfg.Ingest.RabbitMQ.PrefetchCount,
			ManualAck:     true,
			Workers:       cfg.Ingest.RabbitMQ.Workers,
			DeliveryQueue: cfg.Ingest.RabbitMQ.PrefetchCount,
			Logger:        logger,
		}, pipe)
		if err != nil {
			return err
		}
		if err := rmq.Start(ctx); err != nil {
			return err
		}
	}

	var kfk *kafka.Adapter
	kafkaDone := make(chan error, 1)
	if cfg.Ingest.Kafka.Enabled {
		kfk, err = kafka.NewAdapter(kafka.Config{
			Enabled: true,
			Brokers: cfg.Ingest.Kafka.Brokers,
			Topics:  cfg.Ingest.Kafka.Topics,
			GroupID: cfg.Ingest.Kafka.GroupID,
			Logger:  logger,
		}, pipe)
		if err != nil {
			return err
		}
		go func() { kafkaDone <- kfk.Start(ctx) }()
	}

	logger.Info("framestreamd started",
		"sample_interval", cfg.Pipeline.SampleInterval,
		"queue_capacity", cfg.Pipeline.QueueCapacity,
		"backend", cfg.Storage.Backend,
		"server", cfg.Server.Enabled,
		"kafka", cfg.Ingest.Kafka.Enabled,
		"rabbitmq", cfg.Ingest.RabbitMQ.Enabled,
	)

	select {
	case <-ctx.Done():
	case err := <-kafkaDone:
		if err != nil && ctx.Err() == nil {
			logger.Error("kafka adapter stopped", "error", err)
		}
	}

	// Shutdown order: stop ingest first so nothing new enters the queue,
	// then drain the worker, then tear down the serving surface.
	if kfk != nil {
		kfk.Close()
	}
	if rmq != nil {
		if err := rmq.Close(); err != nil {
			logger.Warn("rabbitmq close", "error", err)
		}
	}
	if err := worker.Stop(); err != nil {
		logger.Warn("dispatch worker stop", "error", err)
	}
	if srv != nil {
		_ = srv.Close()
	}
	logger.Info("framestreamd stopped",
		"offered", pipe.Offered(), "sampled", pipe.Sampled(),
		"processed", worker.Processed(), "failed", worker.Failed(), "dropped", queue.Dropped())
	return nil
}
