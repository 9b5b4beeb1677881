package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/cache"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/completion"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/config"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/events"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/httpapi"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/jetstream"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/observer"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/platform"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/storage"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/usecase"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	observer.InitMetrics(cfg.Metrics.Enabled)

	logger.Log.Info("Starting Daisi IM Bridge",
		zap.String("environment", cfg.Environment),
		zap.Bool("nats_enabled", cfg.NATS.Enabled),
		zap.Bool("responder_enabled", cfg.Consumer.Responder.Enabled),
	)

	postgresRepo, err := initPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate, cfg.Database.Schema)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}

	var jsClient *jetstream.Client
	var bus events.Bus
	if cfg.NATS.Enabled {
		jsClient, err = initJetStreamClient(cfg)
		if err != nil {
			logger.Log.Fatal("Failed to initialize JetStream client", zap.Error(err))
		}
		bus = events.NewNATSBus(jsClient, cfg.NATS.SubjectPrefix)
	} else {
		logger.Log.Warn("NATS disabled, events stay inside this instance")
		bus = events.NewLocalBus()
	}

	platformRepo := storage.NewPlatformConfigRepoAdapter(postgresRepo)
	bindingRepo := storage.NewBindingRepoAdapter(postgresRepo)
	messageRepo := storage.NewMessageLogRepoAdapter(postgresRepo)
	taskRepo := storage.NewAsyncTaskRepoAdapter(postgresRepo)

	// Platform configs are cached per instance and invalidated cluster-wide over the bus.
	platformCache := cache.NewPlatformCache(platformRepo, cfg.PlatformCache.TTL)
	unsubscribeCache, err := platformCache.Subscribe(bus)
	if err != nil {
		logger.Log.Fatal("Failed to subscribe platform cache to config updates", zap.Error(err))
	}
	registry := platform.NewRegistry(platformCache, &http.Client{Timeout: 15 * time.Second})

	messageNotifier := events.NewNotifier()
	unsubscribeMessages, err := events.NotifyOn(bus, events.KindMessageReceived, messageNotifier)
	if err != nil {
		logger.Log.Fatal("Failed to subscribe to message events", zap.Error(err))
	}
	taskNotifier := events.NewNotifier()
	unsubscribeTasks, err := events.NotifyOn(bus, events.KindTaskEnqueued, taskNotifier)
	if err != nil {
		logger.Log.Fatal("Failed to subscribe to task events", zap.Error(err))
	}

	bindingService := usecase.NewBindingService(bindingRepo, platformCache, cfg.Binding)
	messageService := usecase.NewMessageLogService(messageRepo)
	dispatcher := usecase.NewDispatcher(registry, messageService)
	consumerService := usecase.NewConsumerService(messageService, dispatcher, messageNotifier, cfg.Consumer)
	bindHandler := usecase.NewBindCommandHandler(bindingService, consumerService)
	taskQueue := usecase.NewTaskQueue(taskRepo, bus, cfg.WorkerPools.Tasks.Retry)
	dedupCache := cache.NewDedupCache(cfg.MessageLog.DedupCapacity, cfg.MessageLog.DedupFalsePosRate)
	ingestService := usecase.NewIngestService(registry, messageService, bindingService, taskQueue, dedupCache, bus, bindHandler)
	platformService := usecase.NewPlatformService(platformRepo, platformCache, bus)

	mainCtx, mainCancel := context.WithCancel(logger.WithLogger(context.Background(), logger.Log))
	defer mainCancel()

	if err := platformService.Seed(mainCtx, cfg.Platforms); err != nil {
		logger.Log.Fatal("Failed to seed platform configs", zap.Error(err))
	}

	router := usecase.NewTaskRouter()
	router.Register(model.TaskTypeAttachmentResolve, usecase.NewAttachmentHandler(registry, messageService))
	taskWorker, err := usecase.NewTaskWorker(cfg.WorkerPools.Tasks, taskQueue, router, taskNotifier, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize task worker pool", zap.Error(err))
	}
	taskWorker.Start(mainCtx)

	// Background loops exit when mainCtx is cancelled.
	var background sync.WaitGroup
	runBackground := func(name string, fn func(ctx context.Context)) {
		background.Add(1)
		utils.SafeGo(func() {
			defer background.Done()
			fn(mainCtx)
		}, func(r interface{}, stack []byte) {
			logger.Log.Error("Panic in background loop",
				zap.String("loop", name),
				zap.Any("panic", r),
				zap.ByteString("stack", stack),
			)
		})
	}

	runBackground("reclaim", usecase.NewReclaimSweeper(messageService, cfg.MessageLog.ReclaimInterval, cfg.MessageLog.ReclaimTimeout).Run)
	runBackground("binding_codes", usecase.NewBindingCodeSweeper(bindingService, cfg.Binding.HousekeepingInterval).Run)
	runBackground("task_lease", usecase.NewTaskLeaseSweeper(taskQueue, cfg.WorkerPools.Tasks.LeaseSweepInterval, cfg.WorkerPools.Tasks.LeaseTimeout).Run)

	if cfg.Consumer.Responder.Enabled {
		completer := completion.NewClient(cfg.Completion)
		responder := usecase.NewResponder(consumerService, messageService, bindHandler, completer, cfg.Consumer, logger.Log)
		runBackground("responder", responder.Run)
	}

	readiness := []httpapi.ReadinessCheck{{Name: "postgres", Check: postgresRepo.Ping}}
	if jsClient != nil {
		readiness = append(readiness, httpapi.ReadinessCheck{Name: "nats", Check: func(context.Context) error {
			if !jsClient.Connected() {
				return errors.New("not connected")
			}
			return nil
		}})
	}

	server := httpapi.NewServer(cfg, httpapi.Deps{
		Ingest:    ingestService,
		Consumer:  consumerService,
		Bindings:  bindingService,
		Platforms: platformService,
		Tasks:     taskQueue,
		Readiness: readiness,
	}, logger.Log)

	if cfg.Metrics.Enabled {
		server.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	} else {
		logger.Log.Info("Metrics endpoint disabled for environment", zap.String("environment", cfg.Environment))
	}

	server.Start()

	logger.Log.Info("HTTP endpoints available",
		zap.String("webhooks", fmt.Sprintf("http://localhost:%d/webhooks/{platform}", cfg.Server.Port)),
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("readiness", fmt.Sprintf("http://localhost:%d/ready", cfg.Server.Port)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", shutdownTimeout))

	// Stop taking webhooks and API calls first so nothing new enters the pipeline.
	httpStart := time.Now()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Log.Error("[shutdown] Error stopping HTTP server", zap.Error(err))
	} else {
		logger.Log.Info("[shutdown] HTTP server stopped", zap.Duration("duration", time.Since(httpStart)))
	}

	mainCancel()

	var wg sync.WaitGroup
	wg.Add(2)

	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping task worker pool")
		start := time.Now()
		taskWorker.Stop(shutdownTimeout / 2)
		logger.Log.Info("[shutdown] Task worker pool stopped",
			zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping task worker pool",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
	})

	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Waiting for sweepers and responder")
		start := time.Now()
		background.Wait()
		logger.Log.Info("[shutdown] Background loops stopped",
			zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while waiting for background loops",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
	})

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] Workers stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, closing connections anyway")
	}

	unsubscribeTasks()
	unsubscribeMessages()
	unsubscribeCache()

	logger.Log.Info("[shutdown] Closing PostgreSQL connection")
	pgStart := time.Now()
	if err := postgresRepo.Close(shutdownCtx); err != nil {
		logger.Log.Error("[shutdown] Failed to close PostgreSQL connection", zap.Error(err))
	} else {
		logger.Log.Info("[shutdown] PostgreSQL connection closed",
			zap.Duration("duration", time.Since(pgStart)))
	}

	if jsClient != nil {
		logger.Log.Info("[shutdown] Closing NATS connection")
		jsStart := time.Now()
		jsClient.Close()
		logger.Log.Info("[shutdown] NATS connection closed",
			zap.Duration("duration", time.Since(jsStart)))
	}

	logger.Log.Info("Daisi IM Bridge shutdown complete")
}

// initPostgresRepo opens the database and prepares the schema.
func initPostgresRepo(dsn string, autoMigrate bool, schema string) (*storage.PostgresRepo, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	repo, err := storage.NewPostgresRepo(dsn, autoMigrate, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
	}

	logger.Log.Info("Initialized PostgreSQL repository", zap.String("schema", schema))
	return repo, nil
}

// initJetStreamClient connects to NATS and makes sure the event stream exists.
func initJetStreamClient(cfg *config.Config) (*jetstream.Client, error) {
	client, err := jetstream.NewClient(cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	streamCfg := events.StreamConfig(cfg.NATS.Stream, cfg.NATS.SubjectPrefix, cfg.NATS.MaxAge)
	if err := client.SetupStream(ctx, streamCfg); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set up stream %s: %w", cfg.NATS.Stream, err)
	}
	logger.Log.Info("Initialized JetStream client",
		zap.String("url", cfg.NATS.URL),
		zap.String("stream", cfg.NATS.Stream))
	return client, nil
}
