package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgip-dev/pgip/internal/app/migrate"
	"github.com/pgip-dev/pgip/internal/benchmark"
	"github.com/pgip-dev/pgip/internal/docker"
	httpx "github.com/pgip-dev/pgip/internal/http"
	"github.com/pgip-dev/pgip/internal/mediatype"
	"github.com/pgip-dev/pgip/internal/orchestrator"
	"github.com/pgip-dev/pgip/internal/provenance"
	"github.com/pgip-dev/pgip/internal/registry"
	"github.com/pgip-dev/pgip/internal/repository"
	"github.com/pgip-dev/pgip/internal/repository/memory"
	"github.com/pgip-dev/pgip/internal/repository/postgres"
	"github.com/pgip-dev/pgip/internal/workspace"
	"github.com/pgip-dev/pgip/internal/ws"
	"github.com/pgip-dev/pgip/pkg/config"
	"github.com/pgip-dev/pgip/pkg/logger"
)

func main() {
	cfg := config.LoadRegistryConfig()
	log := logger.New("registry", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		plugins  repository.PluginRepository
		runs     repository.RunRepository
		dbHealth func(context.Context) error
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		repo := postgres.New(pool)
		plugins, runs = repo, repo
		dbHealth = pool.Ping
	} else {
		log.Warn("no database configured, using in-memory store")
		store := memory.New()
		plugins, runs = store, store
	}

	types := mediatype.NewRegistry()

	var resolver registry.DigestResolver
	var jobRunner orchestrator.Runner
	dockerCli, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Warn("docker unavailable, execution disabled", "error", err)
	} else if err := dockerCli.Ping(ctx); err != nil {
		log.Warn("docker ping failed, execution disabled", "error", err)
		dockerCli.Close()
	} else {
		defer dockerCli.Close()
		resolver = dockerCli
		jobRunner = dockerCli
	}

	registrySvc := registry.New(plugins, runs, types, resolver, log)
	if cfg.SeedDir != "" {
		if n, err := registrySvc.SeedFromDir(ctx, cfg.SeedDir); err != nil {
			log.Error("seeding failed", "error", err)
		} else if n > 0 {
			log.Info("registry seeded", "manifests", n)
		}
	}

	hub := ws.NewHub()

	var archive *provenance.Archive
	if cfg.ArtifactEndpoint != "" {
		archive, err = provenance.NewArchive(provenance.ArchiveConfig{
			Endpoint:  cfg.ArtifactEndpoint,
			AccessKey: cfg.ArtifactAccessKey,
			SecretKey: cfg.ArtifactSecretKey,
			Bucket:    cfg.ArtifactBucket,
			UseSSL:    cfg.ArtifactUseSSL,
		})
		if err != nil {
			log.Error("artifact archive unavailable", "error", err)
			os.Exit(1)
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			log.Error("artifact bucket setup failed", "error", err)
			os.Exit(1)
		}
	}
	recorder := provenance.NewRecorder(runs, archive, log)

	var executor httpx.Executor
	var feed httpx.RunFeed = recorder
	if jobRunner != nil {
		manager, err := workspace.New(cfg.WorkspaceRoot)
		if err != nil {
			log.Error("workspace root unavailable", "error", err)
			os.Exit(1)
		}
		orch := orchestrator.New(jobRunner, manager, recorder, ws.NewRunEvents(hub, log), log, orchestrator.Config{
			DefaultTimeout:  cfg.RunTimeout,
			CallbackBaseURL: cfg.CallbackBaseURL,
			TokenSecret:     cfg.RunTokenSecret,
			TokenTTL:        cfg.RunTokenTTL,
		})
		executor = orch

		if cfg.BenchmarkInterval > 0 && cfg.BenchmarkDatasets != "" {
			datasets, err := benchmark.LoadDatasets(cfg.BenchmarkDatasets)
			if err != nil {
				log.Error("benchmark dataset catalog invalid", "error", err)
				os.Exit(1)
			}
			harness := benchmark.New(registrySvc, orch, log, datasets, cfg.BenchmarkInterval)
			go harness.Start(ctx)
		}
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, registrySvc, executor, feed, hub, limiter, cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RunTokenSecret, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("registry server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("registry server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
