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

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/replay-fetcher/internal/async"
	"github.com/joseph-ayodele/replay-fetcher/internal/bridge"
	"github.com/joseph-ayodele/replay-fetcher/internal/clock"
	"github.com/joseph-ayodele/replay-fetcher/internal/common"
	"github.com/joseph-ayodele/replay-fetcher/internal/coordinator"
	"github.com/joseph-ayodele/replay-fetcher/internal/core"
	"github.com/joseph-ayodele/replay-fetcher/internal/download"
	"github.com/joseph-ayodele/replay-fetcher/internal/notify"
	repo "github.com/joseph-ayodele/replay-fetcher/internal/repository"
	"github.com/joseph-ayodele/replay-fetcher/internal/retry"
	"github.com/joseph-ayodele/replay-fetcher/internal/sharecode"
)

// downloaderService is the health service name that tracks coordinator reachability.
const downloaderService = "replay.Downloader"

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML config file (default $REPLAYD_CONFIG)")
	pflag.Parse()

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := common.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	drv, pool, err := repo.Connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer repo.Close(drv, pool, logger)

	if err := repo.HealthCheck(ctx, drv, 5*time.Second, logger); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if err := repo.Migrate(ctx, drv, logger); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Worker.DownloadsDir, 0o755); err != nil {
		logger.Error("failed to create downloads dir", "dir", cfg.Worker.DownloadsDir, "error", err)
		os.Exit(1)
	}

	jobsRepo := repo.NewJobRepository(drv, logger)
	usersRepo := repo.NewUserRepository(drv, logger)

	session, err := bridge.New(cfg.Bridge.Addr, logger, bridge.WithReconnectDelay(cfg.Bridge.ReconnectDelay))
	if err != nil {
		logger.Error("invalid bridge address", "addr", cfg.Bridge.Addr, "error", err)
		os.Exit(2)
	}
	coord := coordinator.NewClient(session, logger, coordinator.WithTimeout(cfg.Worker.CoordinatorTimeout))
	fetcher := download.NewFetcher(logger, download.WithAttemptTimeout(cfg.Worker.DownloadTimeout))
	dispatcher := notify.NewDispatcher(session, jobsRepo, logger)
	processor := core.NewProcessor(logger, jobsRepo, coord, fetcher, dispatcher,
		clock.Real(), cfg.Worker.DownloadsDir, cfg.Worker.RetryCooldown)

	// A processing row older than one full download cycle has no live owner.
	cycleTimeout := downloadCycleTimeout(cfg.Worker)
	staleAfter := cycleTimeout + 5*time.Minute
	if _, err := processor.ReclaimStale(ctx, staleAfter); err != nil {
		logger.Error("failed to reclaim stale jobs", "error", err)
	}

	downloads := async.NewPoller("downloads",
		func(ctx context.Context) error {
			_, err := processor.ProcessNext(ctx)
			return err
		},
		logger,
		async.WithInterval(cfg.Worker.PollInterval),
		async.WithGate(session.CoordinatorReady),
		async.WithCycleTimeout(cycleTimeout),
	)
	notifications := async.NewPoller("notifications",
		func(ctx context.Context) error {
			_, err := processor.DispatchFeedback(ctx)
			return err
		},
		logger,
		async.WithInterval(cfg.Worker.NotifyInterval),
		async.WithGate(session.SocialReady),
	)
	reaper := async.NewPoller("reaper",
		func(ctx context.Context) error {
			_, err := processor.ReclaimStale(ctx, staleAfter)
			return err
		},
		logger,
		async.WithInterval(time.Minute),
	)
	session.OnCoordinatorReady(downloads.Trigger)
	pollers := []*async.Poller{downloads, notifications, reaper}

	if cfg.ShareCode.APIKey != "" {
		sc, err := sharecode.NewPoller(cfg.ShareCode, usersRepo, jobsRepo, logger)
		if err != nil {
			logger.Error("failed to build share-code poller", "error", err)
			os.Exit(1)
		}
		pollers = append(pollers, async.NewPoller("sharecodes", sc.Cycle, logger,
			async.WithInterval(cfg.ShareCode.Interval),
			async.WithCycleTimeout(30*time.Minute),
		))
	} else {
		logger.Info("share-code polling disabled, STEAM_API_KEY not set")
	}

	// gRPC server
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
		os.Exit(1)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(downloaderService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	go func() {
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("bridge stopped", "error", err)
		}
	}()
	go trackReadiness(ctx, healthServer, session)
	for _, p := range pollers {
		go p.Run(ctx)
	}

	logger.Info("replayd listening", "addr", cfg.Server.GRPCAddr, "downloads_dir", cfg.Worker.DownloadsDir)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC serve error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, p := range pollers {
		p.Shutdown(shutdownCtx)
	}
	dispatcher.Wait(shutdownCtx)
	healthServer.Shutdown()
	grpcServer.GracefulStop()
}

// downloadCycleTimeout leaves room for the coordinator wait and every
// download attempt with its backoff.
func downloadCycleTimeout(w common.WorkerConfig) time.Duration {
	policy := retry.DownloadPolicy()
	total := w.CoordinatorTimeout + time.Minute
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		total += w.DownloadTimeout
		if policy.ShouldRetry(attempt) {
			total += policy.Backoff(attempt)
		}
	}
	return total
}

type readiness interface {
	CoordinatorReady() bool
}

// trackReadiness mirrors coordinator reachability into the health service.
func trackReadiness(ctx context.Context, hs *health.Server, r readiness) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	last := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready := r.CoordinatorReady()
			if ready == last {
				continue
			}
			last = ready
			status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
			if ready {
				status = grpc_health_v1.HealthCheckResponse_SERVING
			}
			hs.SetServingStatus(downloaderService, status)
		}
	}
}
