package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/openjobspec/scan-populator/internal/core"
	"github.com/openjobspec/scan-populator/internal/joblock"
	"github.com/openjobspec/scan-populator/internal/metrics"
	natsbackend "github.com/openjobspec/scan-populator/internal/nats"
	"github.com/openjobspec/scan-populator/internal/orchestrator"
	"github.com/openjobspec/scan-populator/internal/pipeline"
	"github.com/openjobspec/scan-populator/internal/scheduler"
	"github.com/openjobspec/scan-populator/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const grpcServiceName = "populator.v1.Populator"

func main() {
	cfg := server.LoadConfig()

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	loc, err := core.LoadLocation(cfg.Timezone)
	if err != nil {
		slog.Error("invalid timezone", "timezone", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	// Connect to NATS
	backend, err := natsbackend.Connect(cfg.NatsURL, natsbackend.BucketOptions{LeaseTTL: cfg.LockLeaseTTL})
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	slog.Info("connected to NATS", "url", cfg.NatsURL)

	var lock joblock.Lock
	switch cfg.LockMode {
	case "nats":
		d := joblock.NewDistributed(backend.Leases, "population")
		slog.Info("using distributed job lock", "owner", d.Owner(), "lease_ttl", cfg.LockLeaseTTL)
		lock = d
	default:
		lock = joblock.NewLocal()
	}

	metrics.Init(version, cfg.LockMode)

	aliases := pipeline.DefaultAliases()
	if cfg.AliasesFile != "" {
		aliases, err = pipeline.LoadAliases(cfg.AliasesFile)
		if err != nil {
			slog.Error("failed to load field aliases", "file", cfg.AliasesFile, "error", err)
			os.Exit(1)
		}
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 2*cfg.DBConnectTimeout)
	db, err := pipeline.OpenPostgres(startCtx, cfg.DatabaseURL, cfg.DBConnectTimeout, aliases)
	cancelStart()
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	downloader, err := pipeline.NewS3Downloader(pipeline.S3Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
		Bucket:    cfg.S3Bucket,
		Prefix:    cfg.S3Prefix,
		Dir:       cfg.AuditDir,
	})
	if err != nil {
		slog.Error("failed to create object store client", "error", err)
		os.Exit(1)
	}

	analyzer := pipeline.NewCSVAnalyzer(aliases)
	if cfg.EnrichmentURL == "" {
		slog.Warn("ENRICHMENT_URL not set, enrichment stages disabled")
	}
	sources := pipeline.NewLocalSources(cfg.AuditDir)

	orch := orchestrator.New(orchestrator.Config{Location: loc}, orchestrator.Deps{
		Lock:   lock,
		Ledger: backend.Ledger,
		Budget: backend.Budget,
		Pipeline: orchestrator.Pipeline{
			Downloader: downloader,
			Sources:    sources,
			Lister:     sources,
			Ingester:   db,
			Enricher:   pipeline.NewHTTPEnricher(cfg.EnrichmentURL, cfg.EnrichmentTimeout, analyzer),
			Verifier:   db,
			Probe:      db,
			Analyzer:   analyzer,
		},
		Events: backend.Events,
	})

	if cfg.StartupCatchUp {
		orch.Go(context.Background(), "startup-catch-up", orch.StartupCatchUp)
	}

	// Start background scheduler
	sched, err := scheduler.New(orch, scheduler.Config{
		Location:        loc,
		Slots:           orch.Slots(),
		HealthCheckSpec: cfg.HealthCheckSpec,
	})
	if err != nil {
		slog.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}
	sched.Start()

	router := server.NewRouter(orch, backend)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start server
	go func() {
		slog.Info("populator listening", "port", cfg.Port, "timezone", loc.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Start gRPC health server
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			slog.Error("failed to listen for gRPC", "port", cfg.GRPCPort, "error", err)
			os.Exit(1)
		}
		slog.Info("gRPC health server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server error", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	healthSrv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	sched.Stop(ctx)
	grpcServer.GracefulStop()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := orch.Wait(ctx); err != nil {
		slog.Warn("background population still running at shutdown", "error", err)
	}

	slog.Info("server stopped")
}
