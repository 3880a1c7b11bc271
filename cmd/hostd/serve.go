package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/splax/hostd/internal/app/migrate"
	"github.com/splax/hostd/internal/cache"
	"github.com/splax/hostd/internal/container"
	"github.com/splax/hostd/internal/docker"
	"github.com/splax/hostd/internal/events"
	"github.com/splax/hostd/internal/git"
	httpx "github.com/splax/hostd/internal/http"
	"github.com/splax/hostd/internal/metrics"
	"github.com/splax/hostd/internal/ports"
	"github.com/splax/hostd/internal/repository"
	"github.com/splax/hostd/internal/repository/memory"
	"github.com/splax/hostd/internal/repository/postgres"
	"github.com/splax/hostd/internal/runner"
	"github.com/splax/hostd/internal/service/project"
	"github.com/splax/hostd/internal/service/reconcile"
	"github.com/splax/hostd/internal/service/session"
	"github.com/splax/hostd/internal/workspace"
	"github.com/splax/hostd/pkg/config"
	"github.com/splax/hostd/pkg/crypto"
	"github.com/splax/hostd/pkg/logger"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: API, reconciler and session managers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadEngineConfig()
			log := logger.New("hostd", logger.ParseLevel(cfg.LogLevel), logger.Options{Journal: cfg.LogJournal})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := serve(ctx, cfg, log); err != nil {
				log.Error("engine stopped with error", "error", err)
				return err
			}
			log.Info("engine stopped")
			return nil
		},
	}
}

func serve(ctx context.Context, cfg config.EngineConfig, log *slog.Logger) error {
	m := metrics.New(prometheus.DefaultRegisterer)
	checks := map[string]httpx.HealthCheck{}

	cmdRunner := runner.New(runner.Options{
		DefaultTimeout: cfg.ComposeTimeout,
		KillGrace:      cfg.KillGrace,
		MaxOutputBytes: cfg.MaxOutputBytes,
		Observer:       m.CommandFinished,
	}, log)

	engine, err := docker.New(cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer engine.Close()
	if daemon, err := engine.Daemon(ctx); err != nil {
		log.Warn("docker engine unavailable", "error", err)
	} else {
		log.Info("docker engine connected", "version", daemon.Version, "api_version", daemon.APIVersion, "os", daemon.OS, "arch", daemon.Arch)
	}

	containers := container.New(cmdRunner, engine, container.Config{
		Network:        cfg.DockerNetwork,
		ComposeTimeout: cfg.ComposeTimeout,
		StatusTimeout:  cfg.StatusTimeout,
	}, log)
	checks["docker"] = containers.Health
	if err := containers.EnsureNetwork(ctx); err != nil {
		log.Warn("docker network unavailable", "network", cfg.DockerNetwork, "error", err)
	}

	store, closeStore, err := openStore(ctx, cfg, log, checks)
	if err != nil {
		return err
	}
	defer closeStore()

	listing, limiter, closeCache := openCache(ctx, cfg, log, checks)
	defer closeCache()

	workspaces, err := workspace.New(cfg.ProjectsDir)
	if err != nil {
		return err
	}
	sources := git.New(cmdRunner, cfg.GitValidateTimeout, cfg.GitTimeout, log)
	allocator := ports.New(ports.NewProcListeners(cmdRunner), containers, store, ports.Config{
		Min:      cfg.PortRangeMin,
		Max:      cfg.PortRangeMax,
		Reserved: cfg.ReservedPorts,
	}, log)

	bus := events.NewBus(log)
	defer bus.Close()
	bus.Handle(func(evt events.Event) {
		log.Debug("project event", "type", evt.Type, "project_id", evt.ProjectID, "status", evt.Status)
	})

	orchestrator := project.New(project.Dependencies{
		Store:      store,
		Sources:    sources,
		Containers: containers,
		Ports:      allocator,
		Workspaces: workspaces,
		Runner:     cmdRunner,
		Cache:      listing,
		Events:     bus,
		Metrics:    m,
	}, project.Config{
		Network:            cfg.DockerNetwork,
		BuildTimeout:       cfg.BuildTimeout,
		PortConflictWindow: cfg.PortConflictWindow,
		VerifyAttempts:     cfg.VerifyAttempts,
		VerifyInterval:     cfg.VerifyInterval,
	}, log)

	reconciler := reconcile.New(store, containers, listing, bus, m, reconcile.Config{
		Interval:      cfg.ReconcileInterval,
		DeployTimeout: cfg.DeployTimeout,
		StuckTimeout:  cfg.StuckDeployTimeout,
	}, log)

	sessionCfg := session.Config{
		MessageCap:   cfg.SessionMessageCap,
		IdleTimeout:  cfg.SessionIdleTimeout,
		InputRate:    float64(cfg.SessionInputRate),
		DefaultTail:  cfg.SessionDefaultTail,
		DefaultShell: cfg.SessionDefaultShell,
	}
	logSessions := session.NewLogManager(orchestrator, containers, sessionCfg, m, log)
	consoleSessions := session.NewConsoleManager(orchestrator, containers, sessionCfg, m, log)

	router := httpx.NewRouter(log, httpx.Options{
		Projects: orchestrator,
		Logs:     logSessions,
		Console:  consoleSessions,
		Events:   bus,
		Metrics:  m,
		Gatherer: prometheus.DefaultGatherer,
		Limiter:  limiter,
		Auth: httpx.AuthConfig{
			Secret:            cfg.JWTSecret,
			TokenTTL:          cfg.TokenTTL,
			AdminPasswordHash: cfg.AdminPasswordHash,
		},
		RateLimitPerMin:    cfg.RateLimitPerMin,
		DeployLimitPerMin:  cfg.DeployRatePerMin,
		SessionLimitPerMin: cfg.SessionRatePerMin,
		Checks:             checks,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		logSessions.RunSweeper(gctx, sweepInterval)
		return nil
	})
	g.Go(func() error {
		consoleSessions.RunSweeper(gctx, sweepInterval)
		return nil
	})
	g.Go(func() error {
		log.Info("api server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		logSessions.Shutdown()
		consoleSessions.Shutdown()
		return nil
	})
	return g.Wait()
}

// openStore selects the project store. The postgres store migrates the schema
// before use.
func openStore(ctx context.Context, cfg config.EngineConfig, log *slog.Logger, checks map[string]httpx.HealthCheck) (repository.ProjectRepository, func(), error) {
	if strings.EqualFold(cfg.Store, "memory") {
		log.Warn("using in-memory project store; state is lost on restart")
		return memory.New(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("database ping: %w", err)
	}
	migrator, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := migrator.Ensure(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	cipher, err := crypto.NewCipher(cfg.EnvEncryptionKey)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("environment cipher: %w", err)
	}
	checks["database"] = pool.Ping
	return postgres.New(pool, cipher), pool.Close, nil
}

// openCache wires Redis for the listing cache and the rate limiter when
// configured, falling back to process memory.
func openCache(ctx context.Context, cfg config.EngineConfig, log *slog.Logger, checks map[string]httpx.HealthCheck) (cache.ListingCache, httpx.RateLimiter, func()) {
	memoryFallback := func() (cache.ListingCache, httpx.RateLimiter, func()) {
		return cache.NewMemory(cfg.CacheTTL), httpx.NewMemoryRateLimiter(), func() {}
	}
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return memoryFallback()
	}
	cacheClient, err := cache.Dial(ctx, addr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Warn("redis unavailable, using in-memory cache", "addr", addr, "error", err)
		return memoryFallback()
	}
	limiterClient, err := cache.Dial(ctx, addr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		_ = cacheClient.Close()
		log.Warn("redis unavailable, using in-memory cache", "addr", addr, "error", err)
		return memoryFallback()
	}
	checks["redis"] = func(ctx context.Context) error { return cacheClient.Ping(ctx).Err() }
	return cache.NewRedis(cacheClient, cfg.CacheTTL, log), httpx.NewRedisRateLimiter(limiterClient, log), func() { _ = cacheClient.Close() }
}
