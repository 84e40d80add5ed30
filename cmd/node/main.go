package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ahrav/historical-armada/internal/api"
	appanalysis "github.com/ahrav/historical-armada/internal/app/analysis"
	"github.com/ahrav/historical-armada/internal/app/cluster"
	"github.com/ahrav/historical-armada/internal/config"
	"github.com/ahrav/historical-armada/internal/config/fileloader"
	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/domain/events"
	"github.com/ahrav/historical-armada/internal/infra/cluster/kubernetes"
	"github.com/ahrav/historical-armada/internal/infra/cluster/standalone"
	eventdispatcher "github.com/ahrav/historical-armada/internal/infra/event_dispatcher"
	"github.com/ahrav/historical-armada/internal/infra/eventbus/kafka"
	eventmemory "github.com/ahrav/historical-armada/internal/infra/eventbus/memory"
	"github.com/ahrav/historical-armada/internal/infra/runner"
	"github.com/ahrav/historical-armada/internal/infra/storage"
	storemem "github.com/ahrav/historical-armada/internal/infra/storage/analysis/memory"
	storepg "github.com/ahrav/historical-armada/internal/infra/storage/analysis/postgres"
	grpctransport "github.com/ahrav/historical-armada/internal/infra/transport/grpc"
	"github.com/ahrav/historical-armada/pkg/common"
	"github.com/ahrav/historical-armada/pkg/common/logger"
	"github.com/ahrav/historical-armada/pkg/common/otel"
)

var build = "develop"

const serviceType = "historical-analysis-node"

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", os.Getenv("HA_CONFIG_FILE"), "path to a YAML config file")
	fileOnly := flag.Bool("config-file-only", false, "read configuration from the YAML file alone, ignoring HA_ environment overrides")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	ctx := context.Background()

	var loader config.Loader = config.NewViperLoader(*configPath)
	if *fileOnly {
		loader = fileloader.NewFileLoader(*configPath)
	}
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			maps.Copy(errorAttrs, r.Attributes)

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"service":   cfg.Telemetry.ServiceName,
		"node_id":   cfg.Node.ID,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	l := logger.NewWithMetadata(os.Stdout, parseLevel(cfg.Node.LogLevel), cfg.Telemetry.ServiceName, otel.GetTraceID, logEvents, metadata)

	if err := run(ctx, l, cfg, hostname); err != nil {
		l.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build, "role", cfg.Node.Role)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// Telemetry
	log.Info(ctx, "startup", "status", "initializing telemetry")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	excluded := make(map[string]struct{}, len(cfg.Telemetry.ExcludedRoutes))
	for _, r := range cfg.Telemetry.ExcludedRoutes {
		excluded[r] = struct{}{}
	}
	providers, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExcludedRoutes:   excluded,
		Probability:      cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"node.id":          cfg.Node.ID,
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		Registerer: registry,
	})
	if err != nil {
		return fmt.Errorf("starting telemetry: %w", err)
	}
	defer providers.Shutdown(context.Background())
	log = log.Tee(providers.LogHandler(cfg.Telemetry.ServiceName))

	tracer := providers.Tracer.Tracer(cfg.Telemetry.ServiceName)
	clock := clockwork.NewRealClock()

	metrics, err := appanalysis.NewCoordinatorMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("creating analysis metrics: %w", err)
	}

	// -------------------------------------------------------------------------
	// Storage
	var (
		store    analysis.TaskStore
		resolver analysis.EntityResolver
	)
	if cfg.Postgres.DSN != "" {
		log.Info(ctx, "startup", "status", "connecting to postgres")

		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("parsing db config: %w", err)
		}
		if cfg.Postgres.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Postgres.MaxConns
		}
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("opening db: %w", err)
		}
		defer pool.Close()

		if cfg.Postgres.Migrate {
			if err := storage.MigrateUp(pool, cfg.Postgres.MigrationsURL); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
			log.Info(ctx, "startup", "status", "migrations applied")
		}

		store = storepg.NewTaskStore(pool, tracer)
		resolver = storepg.NewEntityResolver(pool, cfg.Postgres.MaxEntities, tracer)
	} else {
		log.Warn(ctx, "startup", "status", "no postgres dsn configured, using in-memory task store")
		store = storemem.NewTaskStore(clock)
		resolver = storemem.NewEntityResolver(nil)
	}

	// -------------------------------------------------------------------------
	// Lifecycle events
	var bus events.EventBus
	if len(cfg.Kafka.Brokers) > 0 {
		log.Info(ctx, "startup", "status", "connecting to kafka", "brokers", cfg.Kafka.Brokers)

		clientID := fmt.Sprintf("%s-%s", cfg.Telemetry.ServiceName, cfg.Node.ID)
		kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: clientID,
			Version:  cfg.Kafka.Version,
		})
		if err != nil {
			return fmt.Errorf("creating kafka client: %w", err)
		}
		defer kafkaClient.Close()

		busMetrics, err := kafka.NewEventBusMetrics(providers.Meter)
		if err != nil {
			return fmt.Errorf("creating event bus metrics: %w", err)
		}
		kafkaBus, err := kafka.ConnectEventBus(ctx, &kafka.EventBusConfig{
			LifecycleTopic:  cfg.Kafka.LifecycleTopic,
			GroupID:         cfg.Kafka.GroupID,
			ClientID:        clientID,
			ServiceType:     serviceType,
			PublishAttempts: cfg.Kafka.PublishAttempts,
			CommitInterval:  cfg.Kafka.CommitInterval,
		}, kafkaClient, log, busMetrics, tracer)
		if err != nil {
			return fmt.Errorf("connecting event bus: %w", err)
		}
		defer kafkaBus.Close()
		bus = kafkaBus
	} else {
		log.Warn(ctx, "startup", "status", "no kafka brokers configured, using in-memory event bus")
		broker := eventmemory.NewBroker()
		defer broker.Close()
		bus = broker
	}
	publisher := kafka.NewDomainEventPublisher(bus, log, tracer)

	var lifecycle *appanalysis.LifecycleHandler
	if cfg.Node.ServesCoordinator() {
		lifecycle = appanalysis.NewLifecycleHandler(0, metrics, log, tracer)
		dispatcher := eventdispatcher.New(cfg.Node.ID, tracer, log)
		if err := dispatcher.RegisterHandler(ctx, lifecycle); err != nil {
			return fmt.Errorf("registering lifecycle handler: %w", err)
		}
		if err := bus.Subscribe(ctx, dispatcher.EventTypes(), dispatcher.Dispatch); err != nil {
			return fmt.Errorf("subscribing to lifecycle events: %w", err)
		}
	}

	// -------------------------------------------------------------------------
	// Transport
	peers, err := cfg.GRPC.PeerAddresses()
	if err != nil {
		return err
	}
	client := grpctransport.NewClient(peers, log,
		grpctransport.WithCallTimeout(cfg.GRPC.CallTimeout),
		grpctransport.WithTracerProvider(providers.Tracer),
	)
	defer client.Close()

	workers := cfg.Analysis.Workers
	if len(workers) == 0 {
		workers = []string{cfg.Node.ID}
	}
	selector := appanalysis.NewRoundRobinSelector(workers)

	// -------------------------------------------------------------------------
	// Analysis roles
	var (
		coordinator *appanalysis.Coordinator
		worker      *appanalysis.EntityWorker
		reconciler  *appanalysis.StaleEntityReconciler
	)
	if cfg.Node.ServesCoordinator() {
		policy, err := analysis.ParseFinalizePolicy(cfg.Analysis.FinalizePolicy)
		if err != nil {
			return err
		}
		coordinator = appanalysis.NewCoordinator(
			cfg.Node.ID,
			appanalysis.CoordinatorConfig{
				RetryLimit:         cfg.Analysis.RetryLimit,
				MaxRunningEntities: cfg.Analysis.MaxRunningEntities,
				FinalizePolicy:     policy,
				RetryablePatterns:  cfg.Analysis.RetryablePatterns,
				DispatchRPS:        cfg.Analysis.DispatchRPS,
				DispatchBurst:      cfg.Analysis.DispatchBurst,
			},
			appanalysis.NewTaskCacheManager(clock),
			store, resolver, client, selector, publisher,
			clock, metrics, log, tracer,
		)
		defer coordinator.Stop()

		reconciler = appanalysis.NewStaleEntityReconciler(
			coordinator, client, selector, store,
			cfg.Reconciler.Interval, cfg.Reconciler.Threshold,
			clock, tracer, log,
		)
		reconciler.Start(ctx)
		defer reconciler.Stop()
	}
	if cfg.Node.ServesWorker() {
		worker = appanalysis.NewEntityWorker(
			cfg.Node.ID,
			appanalysis.WorkerConfig{
				MaxConcurrentTasks: cfg.Worker.MaxConcurrentTasks,
				ReportAttempts:     cfg.Worker.ReportAttempts,
				ReportBackoff:      cfg.Worker.ReportBackoff,
			},
			runner.NewSimulated(cfg.Worker.SimulatedRunDuration, clock),
			client, clock, metrics, log, tracer,
		)
		worker.Start(ctx)
		defer worker.Stop()
	}

	// -------------------------------------------------------------------------
	// Leader election
	var elector cluster.Coordinator
	switch cfg.Cluster.LeaderElection {
	case config.LeaderElectionKubernetes:
		elector, err = kubernetes.NewCoordinator(cfg.Node.ID, &kubernetes.K8sConfig{
			Namespace:     cfg.Cluster.Namespace,
			LeaderLockID:  cfg.Cluster.LeaderLockID,
			KubeConfig:    cfg.Cluster.KubeConfig,
			LeaseDuration: cfg.Cluster.LeaseDuration,
			RenewDeadline: cfg.Cluster.RenewDeadline,
			RetryPeriod:   cfg.Cluster.RetryPeriod,
		}, log, tracer)
		if err != nil {
			return fmt.Errorf("creating leader elector: %w", err)
		}
	default:
		elector = standalone.NewCoordinator(log)
	}
	elector.OnLeadershipChange(func(isLeader bool) {
		if reconciler != nil {
			reconciler.OnLeadershipChange(ctx, isLeader)
		}
	})

	// -------------------------------------------------------------------------
	// Servers
	ops := common.NewOpsServer(cfg.HTTP.ListenAddr, registry, common.HTTPTimeouts{
		Read:  cfg.HTTP.ReadTimeout,
		Write: cfg.HTTP.WriteTimeout,
		Idle:  cfg.HTTP.IdleTimeout,
	})
	ops.Server().ErrorLog = logger.NewStdLogger(log, logger.LevelError)

	if coordinator != nil {
		apiMetrics, err := api.NewAPIMetrics(providers.Meter)
		if err != nil {
			return fmt.Errorf("creating api metrics: %w", err)
		}
		runAPI := api.NewServer(coordinator, store, lifecycle, apiMetrics, log, tracer)
		ops.Mount("/v1/", runAPI.Handler())
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler(
			otelgrpc.WithTracerProvider(providers.Tracer),
			otelgrpc.WithMeterProvider(providers.Meter),
		)),
	)
	var forwardHandler grpctransport.ForwardHandler
	if coordinator != nil {
		forwardHandler = coordinator
	}
	var taskExecutor grpctransport.TaskExecutor
	if worker != nil {
		taskExecutor = worker
	}
	grpctransport.RegisterNodeServer(grpcServer, grpctransport.NewServer(forwardHandler, taskExecutor, log))

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPC.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info(gctx, "startup", "status", "http ops server started", "host", cfg.HTTP.ListenAddr)
		if err := ops.Server().ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info(gctx, "startup", "status", "gRPC server started", "host", cfg.GRPC.ListenAddr)
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := elector.Start(gctx); err != nil {
			return fmt.Errorf("leader election: %w", err)
		}
		return nil
	})

	ops.SetReady(true)

	// -------------------------------------------------------------------------
	// Shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info(ctx, "shutdown", "status", "shutdown started")
		ops.SetReady(false)
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := elector.Stop(); err != nil {
			log.Error(shutdownCtx, "shutdown", "status", "stopping leader election", "err", err)
		}
		log.Info(shutdownCtx, "shutdown", "status", "stopping HTTP server")
		if err := ops.Server().Shutdown(shutdownCtx); err != nil {
			ops.Server().Close()
		}
		log.Info(shutdownCtx, "shutdown", "status", "stopping gRPC server")
		grpcServer.GracefulStop()
		return nil
	})

	err = g.Wait()
	log.Info(context.Background(), "shutdown", "status", "shutdown complete")
	return err
}
