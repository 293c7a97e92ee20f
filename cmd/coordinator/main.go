// Command coordinator runs the Angzarr coordinator set (C1-C9) as a single
// process: storage and bus backend selection from config, one
// AggregateCoordinator per configured domain bound to a LocalRouter,
// projector/saga/process-manager coordinators subscribed to the bus, and
// the read-side EventQueryService/SpeculativeService.
//
// Grounded on cuemby-warren's cmd/warren cobra root + --config flag
// pattern (cmd/warren/root.go): one root command, a persistent --config
// flag, everything else read from the YAML file it names.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/angzarr-io/angzarr/gen/angzarrpb"
	"github.com/angzarr-io/angzarr/internal/bus"
	"github.com/angzarr-io/angzarr/internal/config"
	"github.com/angzarr-io/angzarr/internal/coordinator"
	"github.com/angzarr-io/angzarr/internal/eventbookcache"
	"github.com/angzarr-io/angzarr/internal/lease"
	"github.com/angzarr-io/angzarr/internal/query"
	"github.com/angzarr-io/angzarr/internal/rpcclient"
	"github.com/angzarr-io/angzarr/internal/rpcserver"
	"github.com/angzarr-io/angzarr/internal/storage"
	"github.com/angzarr-io/angzarr/internal/telemetry"
	"github.com/angzarr-io/angzarr/internal/upcaster"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "coordinator",
		Short: "Runs the Angzarr event-sourcing coordinator set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to coordinator config YAML")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := telemetry.NewLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	tracerProvider := telemetry.NewTracerProvider()

	store, err := buildStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("building store: %w", err)
	}

	eventBus, err := buildBus(cfg.Bus)
	if err != nil {
		return fmt.Errorf("building bus: %w", err)
	}

	leaser, err := buildLeaser(cfg.Lease)
	if err != nil {
		return fmt.Errorf("building leaser: %w", err)
	}

	chains, upClosers, err := buildUpcasterChains(cfg.Upcasters)
	if err != nil {
		return fmt.Errorf("dialing upcasters: %w", err)
	}
	defer closeAll(upClosers)
	pipeline := upcaster.New(chains, log)

	cache := eventbookcache.New(5*time.Minute, 10*time.Minute)

	deps := coordinator.Deps{
		Store:     store,
		Bus:       eventBus,
		Upcasters: pipeline,
		Cache:     cache,
		Leaser:    leaser,
		Metrics:   metrics,
		Tracer:    tracerProvider,
		Log:       log,
		Cfg: coordinator.Config{
			MaxCascadeDepth: cfg.Coordinator.MaxCascadeDepth,
			AppendRetries:   cfg.Coordinator.AppendRetries,
			CallTimeout:     cfg.Coordinator.CallTimeout,
			SnapshotEveryN:  cfg.Coordinator.SnapshotEveryN,
			LeaseTTL:        cfg.Lease.TTL,
			DefaultSyncMode: parseSyncMode(cfg.Ingress.SyncModeDefault),
		},
	}

	router := coordinator.NewLocalRouter()
	projectorCoord := coordinator.NewProjectorCoordinator(deps)
	sagaCoord := coordinator.NewSagaCoordinator(deps, router)
	pmCoord := coordinator.NewProcessManagerCoordinator(deps, router)
	specServer := query.NewSpeculativeServer(store, pipeline, tracerProvider)

	var closers []func() error

	for _, ep := range cfg.Aggregates {
		client, err := rpcclient.NewAggregate(ep.Addr)
		if err != nil {
			return fmt.Errorf("dialing aggregate %s: %w", ep.Domain, err)
		}
		closers = append(closers, client.Close)
		agg := coordinator.NewAggregateCoordinator(ep.Domain, client, router, projectorCoord, sagaCoord, deps)
		router.Bind(ep.Domain, agg)
		specServer.RegisterAggregate(ep.Domain, client)
	}

	for _, pc := range cfg.Projectors {
		client, err := rpcclient.NewProjector(pc.Addr)
		if err != nil {
			return fmt.Errorf("dialing projector %s: %w", pc.Name, err)
		}
		closers = append(closers, client.Close)
		projectorCoord.Register(coordinator.ProjectorConfig{
			Name:    pc.Name,
			Pattern: bus.Pattern{Domain: pc.Source.Domain, Types: pc.Source.Types},
			Client:  client,
		})
		specServer.RegisterProjector(pc.Name, client)
	}

	for _, sc := range cfg.Sagas {
		client, err := rpcclient.NewSaga(sc.Addr)
		if err != nil {
			return fmt.Errorf("dialing saga %s: %w", sc.Name, err)
		}
		closers = append(closers, client.Close)
		sagaCoord.Register(coordinator.SagaConfig{
			Name:          sc.Name,
			SourcePattern: bus.Pattern{Domain: sc.Source.Domain, Types: sc.Source.Types},
			Client:        client,
		})
		specServer.RegisterSaga(sc.Name, client)
	}

	for _, mc := range cfg.ProcessManagers {
		client, err := rpcclient.NewProcessManager(mc.Addr)
		if err != nil {
			return fmt.Errorf("dialing process manager %s: %w", mc.Name, err)
		}
		closers = append(closers, client.Close)
		patterns := make([]bus.Pattern, 0, len(mc.Sources))
		for _, s := range mc.Sources {
			patterns = append(patterns, bus.Pattern{Domain: s.Domain, Types: s.Types})
		}
		pmCoord.Register(coordinator.PmConfig{
			Name:       mc.Name,
			Patterns:   patterns,
			Client:     client,
			HasPrepare: mc.HasPrepare,
		})
		specServer.RegisterPm(mc.Name, client)
	}
	defer closeAll(closers)

	if err := projectorCoord.StartSubscriptions(); err != nil {
		return fmt.Errorf("starting projector subscriptions: %w", err)
	}
	if err := sagaCoord.StartSubscriptions(); err != nil {
		return fmt.Errorf("starting saga subscriptions: %w", err)
	}
	if err := pmCoord.StartSubscriptions(); err != nil {
		return fmt.Errorf("starting process manager subscriptions: %w", err)
	}

	queryServer := &query.EventQueryServer{
		Store:     store,
		Upcasters: pipeline,
		Bus:       eventBus,
		Tracer:    tracerProvider,
		Log:       log,
	}

	server, listener, cleanup, err := rpcserver.Create(func(s *grpc.Server) {
		angzarrpb.RegisterEventQueryServiceServer(s, queryServer)
		angzarrpb.RegisterSpeculativeServiceServer(s, specServer)
		for _, ep := range cfg.Aggregates {
			if agg, ok := router.Lookup(ep.Domain); ok {
				angzarrpb.RegisterAggregateCoordinatorServiceServer(s, agg)
			}
		}
	}, rpcserver.Options{
		ServiceName:      "coordinator",
		TransportType:    cfg.Ingress.TransportType,
		UDSBasePath:      cfg.Ingress.UDSBasePath,
		Port:             cfg.Ingress.Port,
		EnableReflection: cfg.Ingress.EnableReflection,
	})
	if err != nil {
		return fmt.Errorf("creating gRPC server: %w", err)
	}

	go serveMetrics(log, cfg.Ingress.MetricsPort, reg)

	return rpcserver.Run(log, server, listener, cleanup)
}

func serveMetrics(log *zap.Logger, port string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Error("metrics server stopped", zap.Error(err))
	}
}

func parseSyncMode(s string) angzarrpb.SyncMode {
	switch s {
	case "SIMPLE":
		return angzarrpb.SyncMode_SYNC_MODE_SIMPLE
	case "CASCADE":
		return angzarrpb.SyncMode_SYNC_MODE_CASCADE
	default:
		return angzarrpb.SyncMode_SYNC_MODE_NONE
	}
}

func buildStore(cfg config.Storage) (storage.Store, error) {
	switch cfg.Kind {
	case "postgres":
		return storage.NewPgStore(context.Background(), cfg.PgDSN)
	default:
		return storage.NewBoltStore(cfg.BoltPath)
	}
}

func buildBus(cfg config.Bus) (bus.Bus, error) {
	switch cfg.Kind {
	case "amqp":
		return bus.NewAmqpBus(cfg.AmqpURL)
	default:
		return bus.NewChanBus(), nil
	}
}

func buildLeaser(cfg config.Lease) (lease.Leaser, error) {
	if cfg.RedisAddr == "" {
		return lease.NoopLeaser{}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return lease.NewRedisLeaser(client), nil
}

func buildUpcasterChains(cfgs []config.UpcasterConfig) (map[string][]upcaster.Client, []func() error, error) {
	byDomain := make(map[string][]config.UpcasterConfig)
	for _, c := range cfgs {
		byDomain[c.Domain] = append(byDomain[c.Domain], c)
	}

	chains := make(map[string][]upcaster.Client, len(byDomain))
	var closers []func() error
	for domain, links := range byDomain {
		sortUpcastersByOrder(links)
		for _, link := range links {
			client, err := rpcclient.NewUpcaster(link.Addr)
			if err != nil {
				return nil, closers, fmt.Errorf("dialing upcaster for domain %s: %w", domain, err)
			}
			closers = append(closers, client.Close)
			chains[domain] = append(chains[domain], client)
		}
	}
	return chains, closers, nil
}

// sortUpcastersByOrder sorts links in place by Order ascending -- the
// per-domain chain is small (tens of links at most), so a plain insertion
// sort avoids pulling in sort for a handful of comparisons per domain.
func sortUpcastersByOrder(links []config.UpcasterConfig) {
	for i := 1; i < len(links); i++ {
		for j := i; j > 0 && links[j].Order < links[j-1].Order; j-- {
			links[j], links[j-1] = links[j-1], links[j]
		}
	}
}

func closeAll(closers []func() error) {
	for _, c := range closers {
		_ = c()
	}
}
