package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/lsm/docsink/internal/breaker"
	"github.com/lsm/docsink/internal/bulk"
	"github.com/lsm/docsink/internal/config"
	"github.com/lsm/docsink/internal/dlq"
	"github.com/lsm/docsink/internal/kafka"
	"github.com/lsm/docsink/internal/observability"
	"github.com/lsm/docsink/internal/retry"
	kafkasource "github.com/lsm/docsink/internal/source/kafka"
	"github.com/lsm/docsink/internal/task"
	"github.com/lsm/docsink/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/docsink/connector.yaml", "path to the connector config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(observability.GetLogLevel(cfg.LogLevel))
	logger := observability.NewLogger("docsink", logLevel)
	slog.SetDefault(logger)

	// Metrics registry and observability server
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	obs := observability.NewServer(cfg.MetricsAddr, reg, logger)
	obs.Start()

	// Tracing
	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("docsink"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Verify topics before consuming; create the DLQ topic if needed.
	if err := kafka.Preflight(ctx, &cfg.Kafka.Cluster, cfg.Kafka.Topics, cfg.DeadLetterTopic, logger); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	// Bulk executor
	executor, err := bulk.NewExecutor(bulk.Config{
		URL:            cfg.Store.URL,
		Username:       cfg.Store.Username,
		Password:       cfg.Store.Password,
		IndexPrefix:    cfg.Store.IndexPrefix,
		UseRecordKey:   cfg.Store.UseRecordKey,
		RequestTimeout: cfg.Store.RequestTimeout.Std(),
		RequestsPerSec: cfg.Store.RequestsPerSec,
		Breaker: breaker.Config{
			Enabled:          cfg.Store.Breaker.Enabled,
			FailureThreshold: cfg.Store.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Store.Breaker.SuccessThreshold,
			ResetTimeout:     cfg.Store.Breaker.ResetTimeout.Std(),
		},
	}, logger.With("component", "bulk"))
	if err != nil {
		return fmt.Errorf("bulk executor: %w", err)
	}
	executor.SetTracer(tracer)

	// Sink task engine
	engine := task.NewEngine(task.Config{
		BatchSize:          cfg.Batching.BatchSize,
		MaxBufferedRecords: cfg.Batching.MaxBufferedRecords,
		Retry: retry.Config{
			MaxRetries:      cfg.Retry.MaxRetries,
			InitialInterval: cfg.Retry.InitialInterval.Std(),
			MaxInterval:     cfg.Retry.MaxInterval.Std(),
			Jitter:          cfg.Retry.Jitter,
		},
	}, executor, logger.With("component", "task"))
	engine.SetMetrics(metrics)

	// Dead letter reporting for rejected documents
	if cfg.DeadLetterTopic != "" {
		publisher, err := kafkasource.NewPublisher(&cfg.Kafka.Cluster)
		if err != nil {
			return fmt.Errorf("dlq publisher: %w", err)
		}
		publisher.SetTracer(tracer)
		reporter := dlq.NewReporter(publisher, cfg.DeadLetterTopic, cfg.Name)
		defer func() { _ = reporter.Close() }()
		engine.SetReporter(reporter)
	}

	// Consumer
	source, err := kafkasource.NewSource(kafkasource.Config{
		Cluster:        &cfg.Kafka.Cluster,
		Topics:         cfg.Kafka.Topics,
		ConsumerGroup:  cfg.Kafka.ConsumerGroup,
		StartOffset:    cfg.Kafka.StartOffset,
		PollInterval:   cfg.Kafka.PollInterval.Std(),
		CommitInterval: cfg.Kafka.CommitInterval.Std(),
	}, engine, logger.With("component", "consumer"))
	if err != nil {
		return fmt.Errorf("kafka source: %w", err)
	}
	source.SetTracer(tracer)
	engine.SetPauser(source)

	// Watch the config file so the log level can be adjusted live.
	watchDone := make(chan struct{})
	watcher := config.NewWatcher(*configPath, logger, func(updated *config.Config) {
		logLevel.Set(observability.GetLogLevel(updated.LogLevel))
		logger.Info("log level applied", "level", updated.LogLevel)
	})
	go func() {
		if err := watcher.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	obs.SetReady(true)
	logger.Info("connector starting",
		"name", cfg.Name,
		"topics", cfg.Kafka.Topics,
		"store", cfg.Store.URL,
	)

	runErr := source.Run(ctx)

	// Shutdown
	obs.SetReady(false)
	close(watchDone)
	engine.Stop()
	if err := source.Close(); err != nil {
		logger.Error("source close error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		logger.Error("observability server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("connector shutdown complete", "name", cfg.Name)
	return nil
}
