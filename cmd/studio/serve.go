package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/HatiCode/foresight/cmd/studio/config"
	"github.com/HatiCode/foresight/cmd/studio/logger"
	"github.com/HatiCode/foresight/cmd/studio/metrics"
	"github.com/HatiCode/foresight/cmd/studio/router"
	"github.com/HatiCode/foresight/cmd/studio/sessions"
	"github.com/HatiCode/foresight/cmd/studio/telemetry"
	"github.com/HatiCode/foresight/pkg/httpx"
	"github.com/HatiCode/foresight/pkg/models"
	"github.com/HatiCode/foresight/pkg/pipeline"
	"github.com/HatiCode/foresight/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session HTTP API",
	Long: `Serve the studio HTTP API. Each session walks the forecasting pipeline
one stage per request; exports are published to the configured store.
A gRPC health service runs alongside on --grpc-listen.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger.New(cfg))
	},
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	slog.SetDefault(log)
	log.Info("starting foresight studio",
		"version", version,
		"listen", cfg.Listen,
		"grpc_listen", cfg.GRPCListen,
		"forecaster", cfg.Forecaster,
		"storage", cfg.Storage,
		"tls_enabled", cfg.TLS.Enabled,
	)

	shutdownTracing, err := telemetry.Setup(cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Error("failed to flush spans", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	runner, err := newRunner(cfg, log, m)
	if err != nil {
		return err
	}

	store, check, closeStore, err := newStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := sessions.New(runner, cfg.Session.IdleTTL, log, m)
	if err := registry.StartSweeper(cfg.Session.Sweep); err != nil {
		return fmt.Errorf("start session sweeper: %w", err)
	}
	defer registry.Stop()

	mux := router.SetupRoutes(router.Deps{
		Sessions:       registry,
		Store:          store,
		Metrics:        m,
		Gatherer:       reg,
		CV:             cfg.CVSettings(),
		MaxUploadBytes: cfg.MaxUploadBytes,
		Health:         check,
		Logger:         log,
	})
	handler := httpx.Chain(mux,
		httpx.LoggingMiddleware(log),
		httpx.RecoveryMiddleware(log),
		telemetry.Middleware,
	)

	serverTLS, err := cfg.TLS.Config().ServerConfig()
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	httpServer := httpx.NewServer(cfg.Listen, handler, log)
	if serverTLS != nil {
		httpServer.SetTLSConfig(serverTLS)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)

	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if cfg.GRPCListen != "" {
		var opts []grpc.ServerOption
		if serverTLS != nil {
			opts = append(opts, grpc.Creds(credentials.NewTLS(serverTLS)))
		}
		grpcServer = grpc.NewServer(opts...)

		healthServer = health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		reflection.Register(grpcServer)

		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			_ = httpServer.Stop(shutdownTimeout)
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			log.Info("grpc health server listening", "address", cfg.GRPCListen)
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		if grpcServer != nil {
			healthServer.Shutdown()
			grpcServer.GracefulStop()
		}
		return httpServer.Stop(shutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// newRunner builds the forecaster named by the config and the runner that
// executes every session's stages with it.
func newRunner(cfg *config.Config, log *slog.Logger, recorder pipeline.Recorder) (*pipeline.Runner, error) {
	forecaster, err := models.New(cfg.Forecaster, cfg.BYOM.URL, cfg.BYOM.Timeout)
	if err != nil {
		return nil, err
	}
	if byom, ok := forecaster.(*models.BYOMForecaster); ok {
		client, err := httpx.NewClient(cfg.BYOM.TLS.Config(), cfg.BYOM.Timeout)
		if err != nil {
			return nil, fmt.Errorf("byom client: %w", err)
		}
		byom.SetHTTPClient(client)
	}

	runner := pipeline.NewRunner(forecaster, cfg.Workers, log, recorder)
	runner.FoldTimeout = cfg.FoldTimeout
	runner.CandidateTimeout = cfg.CandidateTimeout
	return runner, nil
}

// newStore returns the export store, a health check for it and a func that
// releases it.
func newStore(cfg *config.Config, log *slog.Logger) (storage.Store, func(context.Context) error, func(), error) {
	switch cfg.Storage {
	case "redis":
		rs, err := storage.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis store: %w", err)
		}
		log.Info("using redis export store", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB, "ttl", cfg.Redis.TTL)
		closeFn := func() {
			if err := rs.Close(); err != nil {
				log.Error("failed to close redis store", "error", err)
			}
		}
		return rs, rs.Ping, closeFn, nil
	default:
		if cfg.Redis.TTL > 0 {
			ms := storage.NewMemoryStoreWithTTL(cfg.Redis.TTL, time.Minute)
			return ms, nil, ms.Stop, nil
		}
		ms := storage.NewMemoryStore()
		return ms, nil, ms.Stop, nil
	}
}
