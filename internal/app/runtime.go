// Package app wires configuration, stores, queues and providers into the poold processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarkoPoloResearchLab/envpool/internal/awsprovider"
	"github.com/MarkoPoloResearchLab/envpool/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/envpool/internal/httpapi"
	"github.com/MarkoPoloResearchLab/envpool/internal/queue/memqueue"
	"github.com/MarkoPoloResearchLab/envpool/internal/queue/natsqueue"
	"github.com/MarkoPoloResearchLab/envpool/internal/scheduler"
	"github.com/MarkoPoloResearchLab/envpool/internal/telemetry"
	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

const shutdownTimeout = 5 * time.Second

// QueueBroker is both ends of the work queue.
type QueueBroker interface {
	pool.Queue
	pool.Consumer
	Close() error
}

// Runtime owns every long-lived dependency of a poold process.
type Runtime struct {
	Config       Config
	Logger       *zap.Logger
	Stores       Stores
	Queue        QueueBroker
	Registry     *cleanup.Registry
	Orchestrator *cleanup.Orchestrator
	Coordinator  *pool.Coordinator
	Sweeper      *pool.Sweeper
	Metrics      *prometheus.Registry

	tracer     telemetry.TracerProvider
	closeStore func() error
}

// NewRuntime opens stores and the queue, then builds the pool services.
// The caller must Close the runtime.
func NewRuntime(ctx context.Context, cfg Config, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runtime := &Runtime{Config: cfg, Logger: logger, Metrics: prometheus.NewRegistry()}
	runtime.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(runtime.Metrics)
	if err != nil {
		return nil, err
	}
	operationLogger := telemetry.NewOperationLogger(logger, metrics)

	runtime.tracer, err = telemetry.NewTracerProvider(cfg.TraceStdout, os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}

	stores, closeStore, err := OpenStores(ctx, cfg)
	if err != nil {
		runtime.Close()
		return nil, err
	}
	runtime.Stores = stores
	runtime.closeStore = closeStore

	runtime.Queue, err = openQueue(ctx, cfg, logger)
	if err != nil {
		runtime.Close()
		return nil, err
	}

	cleaners, issuer, err := buildProvider(ctx, cfg)
	if err != nil {
		runtime.Close()
		return nil, err
	}
	if err := runtime.buildServices(cleaners, issuer, operationLogger); err != nil {
		runtime.Close()
		return nil, err
	}
	return runtime, nil
}

func (runtime *Runtime) buildServices(cleaners []cleanup.Cleaner, issuer pool.CredentialsIssuer, operationLogger *telemetry.OperationLogger) error {
	cfg := runtime.Config
	registry, err := cleanup.NewRegistry(cleaners...)
	if err != nil {
		return fmt.Errorf("cleaner registry: %w", err)
	}
	cleanupOptions := []cleanup.Option{
		cleanup.WithOperationLogger(operationLogger),
		cleanup.WithEventStore(runtime.Stores.Events, cfg.EventTTL),
		cleanup.WithRetryDelay(cfg.CleanupRetryDelay),
		cleanup.WithTracerProvider(runtime.tracer),
	}
	if cfg.CleanupMaxAttempts > 0 {
		cleanupOptions = append(cleanupOptions, cleanup.WithMaxAttempts(cfg.CleanupMaxAttempts))
	}
	driver, err := cleanup.NewDriver(cfg.Regions, cleanupOptions...)
	if err != nil {
		return fmt.Errorf("cleanup driver: %w", err)
	}
	orchestrator, err := cleanup.NewOrchestrator(runtime.Stores.Accounts, registry, driver, time.Now, cleanupOptions...)
	if err != nil {
		return fmt.Errorf("cleanup orchestrator: %w", err)
	}

	poolOptions := []pool.Option{
		pool.WithOperationLogger(operationLogger),
		pool.WithEventStore(runtime.Stores.Events),
		pool.WithReservationTTL(cfg.ReservationTTL),
		pool.WithRetryDelay(cfg.ReservationRetryDelay),
		pool.WithJammedThreshold(cfg.JammedThreshold),
		pool.WithEventTTL(cfg.EventTTL),
	}
	if cfg.ReservationAttemptJitter > 0 {
		poolOptions = append(poolOptions, pool.WithAttemptJitter(cfg.ReservationAttemptJitter))
	}
	if issuer != nil {
		poolOptions = append(poolOptions, pool.WithCredentialsIssuer(issuer))
	}
	coordinator, err := pool.NewCoordinator(runtime.Stores.Accounts, runtime.Stores.Reservations, runtime.Queue, time.Now, poolOptions...)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	sweeper, err := pool.NewSweeper(runtime.Stores.Accounts, runtime.Stores.Reservations, runtime.Queue, time.Now, poolOptions...)
	if err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}

	runtime.Registry = registry
	runtime.Orchestrator = orchestrator
	runtime.Coordinator = coordinator
	runtime.Sweeper = sweeper
	return nil
}

func openQueue(ctx context.Context, cfg Config, logger *zap.Logger) (QueueBroker, error) {
	if cfg.QueueDriver == QueueDriverMemory {
		return memqueue.New(), nil
	}
	queue, err := natsqueue.Connect(ctx, natsqueue.Config{URL: cfg.NATSURL}, logger)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return queue, nil
}

func buildProvider(ctx context.Context, cfg Config) ([]cleanup.Cleaner, pool.CredentialsIssuer, error) {
	if cfg.Provider != ProviderAWS {
		return nil, nil, nil
	}
	base, err := awsprovider.LoadConfig(ctx, cfg.Regions[0], cfg.AWSProfile)
	if err != nil {
		return nil, nil, err
	}
	clients, err := awsprovider.NewAccountClients(base, cfg.ExecutionRoleName)
	if err != nil {
		return nil, nil, err
	}
	cleaners := awsprovider.Cleaners(clients)
	if cfg.CredentialsRoleARN == "" {
		return cleaners, nil, nil
	}
	issuer, err := awsprovider.NewCredentialsIssuer(sts.NewFromConfig(base), cfg.CredentialsRoleARN)
	if err != nil {
		return nil, nil, err
	}
	return cleaners, issuer, nil
}

// RunAPI serves the HTTP surface until ctx is canceled.
func (runtime *Runtime) RunAPI(ctx context.Context) error {
	if err := runtime.Config.ValidateAPI(); err != nil {
		return err
	}
	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:        runtime.Config.ListenAddr,
		AllowedOrigins:    runtime.Config.AllowedOrigins,
		SessionSigningKey: runtime.Config.SessionSigningKey,
		SessionIssuer:     runtime.Config.SessionIssuer,
		SessionCookieName: runtime.Config.SessionCookieName,
	}, httpapi.Dependencies{
		Reservations: runtime.Coordinator,
		Accounts:     runtime.Stores.Accounts,
		Events:       runtime.Stores.Events,
		Gatherer:     runtime.Metrics,
		Logger:       runtime.Logger,
	})
}

// RunWorker consumes both queues and reports consumer health over gRPC.
func (runtime *Runtime) RunWorker(ctx context.Context) error {
	handlers := map[string]pool.BatchHandler{
		pool.QueueReserveAccounts: runtime.Coordinator.HandleReserveBatch,
		pool.QueueCleanAccounts:   runtime.Orchestrator.HandleCleanBatch,
	}
	services := make([]string, 0, len(handlers))
	for _, queueName := range pool.QueueNames() {
		services = append(services, grpcserver.ServiceName(queueName))
	}
	health := grpcserver.NewHealthServer(runtime.Logger, services...)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return health.Serve(groupCtx, runtime.Config.HealthAddr)
	})
	for _, queueName := range pool.QueueNames() {
		handler := handlers[queueName]
		group.Go(func() error {
			service := grpcserver.ServiceName(queueName)
			health.SetServing(service, true)
			defer health.SetServing(service, false)
			runtime.Logger.Info("consumer started", zap.String("queue", queueName))
			if err := runtime.Queue.Consume(groupCtx, queueName, handler); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("consume %s: %w", queueName, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// Jobs returns the periodic sweeps.
func (runtime *Runtime) Jobs() []scheduler.Job {
	return []scheduler.Job{
		{Name: "sweep_jammed", Interval: runtime.Config.JammedSweepInterval, Run: sweepJob(runtime.Sweeper.SweepJammedAccounts)},
		{Name: "sweep_orphaned", Interval: runtime.Config.OrphanSweepInterval, Run: sweepJob(runtime.Sweeper.SweepOrphanedAccounts)},
		{Name: "sweep_expired", Interval: runtime.Config.ExpirySweepInterval, Run: sweepJob(runtime.Sweeper.SweepExpiredReservations)},
	}
}

func sweepJob(sweep func(ctx context.Context) (pool.SweepReport, error)) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := sweep(ctx)
		return err
	}
}

// RunScheduler triggers the sweeps until ctx is canceled.
func (runtime *Runtime) RunScheduler(ctx context.Context) error {
	sweeps, err := scheduler.New(runtime.Logger, runtime.Jobs()...)
	if err != nil {
		return err
	}
	return sweeps.Start(ctx)
}

// Serve runs the API, the worker and the scheduler in one process.
func (runtime *Runtime) Serve(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return runtime.RunAPI(groupCtx) })
	group.Go(func() error { return runtime.RunWorker(groupCtx) })
	group.Go(func() error { return runtime.RunScheduler(groupCtx) })
	return group.Wait()
}

// Close releases the queue, the store and the tracer.
func (runtime *Runtime) Close() {
	if runtime.Queue != nil {
		if err := runtime.Queue.Close(); err != nil {
			runtime.Logger.Warn("queue close", zap.Error(err))
		}
	}
	if runtime.closeStore != nil {
		if err := runtime.closeStore(); err != nil {
			runtime.Logger.Warn("store close", zap.Error(err))
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := runtime.tracer.Shutdown(shutdownCtx); err != nil {
		runtime.Logger.Warn("tracer shutdown", zap.Error(err))
	}
}
