package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	vault "github.com/hashicorp/vault/api"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	appscanning "github.com/ahrav/vulnscan-armada/internal/app/scanning"
	"github.com/ahrav/vulnscan-armada/internal/config"
	"github.com/ahrav/vulnscan-armada/internal/config/fileloader"
	"github.com/ahrav/vulnscan-armada/internal/domain/credentials"
	"github.com/ahrav/vulnscan-armada/internal/domain/events"
	domain "github.com/ahrav/vulnscan-armada/internal/domain/scanning"
	"github.com/ahrav/vulnscan-armada/internal/infra/credstore"
	"github.com/ahrav/vulnscan-armada/internal/infra/eventbus/kafka"
	"github.com/ahrav/vulnscan-armada/internal/infra/gate"
	"github.com/ahrav/vulnscan-armada/internal/infra/registry"
	"github.com/ahrav/vulnscan-armada/internal/infra/scanner/osp"
	scanningStore "github.com/ahrav/vulnscan-armada/internal/infra/storage/scanning/postgres"
	"github.com/ahrav/vulnscan-armada/pkg/common"
	"github.com/ahrav/vulnscan-armada/pkg/common/logger"
	"github.com/ahrav/vulnscan-armada/pkg/common/otel"
)

const serviceType = "manager"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := config.LoadRuntime(os.Getenv("VULNSCAN_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("MANAGER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	logg := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tracer trace.Tracer = noop.NewTracerProvider().Tracer("")
	if cfg.Telemetry.Enabled {
		tp, telemetryTeardown, err := otel.InitTelemetry(logg, otel.Config{
			ServiceName:      cfg.Telemetry.ServiceName,
			ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
			ExcludedRoutes: map[string]struct{}{
				"/v1/health":    {},
				"/v1/readiness": {},
			},
			Probability:      cfg.Telemetry.SamplingRatio,
			InsecureExporter: true,
		})
		if err != nil {
			logg.Error(ctx, "failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer telemetryTeardown(ctx)
		tracer = tp.Tracer(cfg.Telemetry.ServiceName)
	}

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(cfg.Health.Addr, ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			logg.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		logg.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = cfg.Database.MinConns
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logg.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		logg.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	logg.Info(ctx, "Migrations applied successfully. Starting manager...")

	resourceGate := gate.NewPostgresGate(pool, map[domain.Resource]int{
		domain.ResourceScanUpdate:       cfg.Gate.ScanUpdates,
		domain.ResourceDBConnection:     cfg.Gate.DBConnections,
		domain.ResourceReportProcessing: cfg.Gate.ReportProcessing,
	}, logg, tracer)
	if err := resourceGate.Reconcile(ctx); err != nil {
		logg.Error(ctx, "failed to reconcile resource gate", "error", err)
		os.Exit(1)
	}

	var publisher events.DomainEventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.ConnectWithRetry(&kafka.Config{
			Brokers:           cfg.Kafka.Brokers,
			JobLifecycleTopic: cfg.Kafka.JobLifecycleTopic,
			ClientID:          cfg.Kafka.ClientID,
		})
		if err != nil {
			logg.Error(ctx, "failed to connect to kafka", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = kafka.NewDomainEventPublisher(producer, cfg.Kafka.JobLifecycleTopic, logg, tracer)
	}

	taskRepo := scanningStore.NewTaskStore(pool, tracer)
	reportRepo := scanningStore.NewReportStore(pool, tracer)
	targetRepo := scanningStore.NewTargetStore(pool, tracer)
	scannerRepo := scanningStore.NewScannerStore(pool, tracer)
	relayRepo := scanningStore.NewRelayStore(pool, tracer)
	postProcessor := scanningStore.NewPostProcessor(pool, tracer)

	localCreds := credstore.NewLocalStore(pool, tracer)
	var vaultSource credentials.CredentialSource
	if cfg.Vault.Address != "" {
		vaultCfg := vault.DefaultConfig()
		vaultCfg.Address = cfg.Vault.Address
		vaultClient, err := vault.NewClient(vaultCfg)
		if err != nil {
			logg.Error(ctx, "failed to create vault client", "error", err)
			os.Exit(1)
		}
		vaultClient.SetToken(cfg.Vault.Token)
		vaultSource = credstore.NewVaultStore(vaultClient, cfg.Vault.Mount, logg, tracer)
	}
	credSource := credstore.NewSelector(localCreds, vaultSource)

	resolver := osp.NewResolver(relayRepo, logg, tracer)
	clientFactory := osp.NewFactory(resolver, osp.RegisteredClient(), logg)

	activeJobs := registry.NewActiveJobs()

	svc := appscanning.NewScanJobService(
		taskRepo, reportRepo, targetRepo, scannerRepo,
		clientFactory, credSource, postProcessor,
		resourceGate, activeJobs, publisher,
		appscanning.PollerConfig{
			Interval:    cfg.Poller.Interval,
			GateTimeout: cfg.Poller.GateTimeout,
			RetryBudget: cfg.Poller.RetryBudget,
		},
		logg, tracer,
	)

	scheduler := appscanning.NewJobScheduler(svc, taskRepo, activeJobs,
		appscanning.SchedulerConfig{
			MaxActiveJobs:       cfg.Scheduler.MaxActiveJobs,
			LaunchRatePerSecond: cfg.Scheduler.LaunchRatePerSecond,
		},
		logg, tracer,
	)

	if cfg.TaskDefinitionPath != "" {
		defs, err := fileloader.NewFileLoader(cfg.TaskDefinitionPath).Load(ctx)
		if err != nil {
			logg.Error(ctx, "failed to load task definitions", "error", err)
			os.Exit(1)
		}
		materializer := appscanning.NewMaterializer(taskRepo, targetRepo, scannerRepo, localCreds, logg, tracer)
		if err := materializer.Materialize(ctx, defs); err != nil {
			logg.Error(ctx, "failed to materialize task definitions", "error", err)
			os.Exit(1)
		}
	}

	if err := scheduler.ResumeInterrupted(ctx); err != nil {
		logg.Error(ctx, "failed to queue interrupted jobs for resume", "error", err)
		os.Exit(1)
	}

	logg.Info(ctx, "Manager initialized")
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() { errCh <- scheduler.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logg.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel()

		// Give in-flight poll cycles a chance to finish their commits.
		select {
		case <-errCh:
		case <-time.After(30 * time.Second):
			logg.Warn(context.Background(), "Shutdown timed out waiting for workers")
		}

	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			logg.Error(ctx, "Scheduler error", "error", err)
			os.Exit(1)
		}
	}
}

// runMigrations uses golang-migrate to apply all up migrations from
// "db/migrations". It acquires a single pgx connection from the pool, runs
// migrations, and then releases the connection back to the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("VULNSCAN_MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
