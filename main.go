package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/hostdeck/internal/cache"
	"github.com/gluk-w/hostdeck/internal/config"
	"github.com/gluk-w/hostdeck/internal/credentials"
	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/gluk-w/hostdeck/internal/events"
	"github.com/gluk-w/hostdeck/internal/handlers"
	"github.com/gluk-w/hostdeck/internal/hosts"
	"github.com/gluk-w/hostdeck/internal/hoststatus"
	"github.com/gluk-w/hostdeck/internal/logging"
	"github.com/gluk-w/hostdeck/internal/metrics"
	"github.com/gluk-w/hostdeck/internal/middleware"
	"github.com/gluk-w/hostdeck/internal/monitor"
	"github.com/gluk-w/hostdeck/internal/retry"
	"github.com/gluk-w/hostdeck/internal/sshkeys"
	"github.com/gluk-w/hostdeck/internal/sshprobe"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const limiterIdleTimeout = 10 * time.Minute

func main() {
	if err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(config.Cfg.LogLevel, config.Cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.Cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Settings, log *zap.Logger) error {
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close(db)

	store, err := newCacheStore(ctx, cfg)
	if err != nil {
		return err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	log.Info("cache ready", zap.String("backend", cfg.CacheBackend))

	identity, publicKey, err := sshkeys.EnsureKeyPair(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("ssh key init: %w", err)
	}
	log.Info("ssh identity loaded", zap.Int("public_key_bytes", len(publicKey)))

	repo := database.NewHostRepository(db)
	hub := events.NewHub()
	svc := hosts.NewService(hosts.Config{
		Repo:   repo,
		Cache:  hoststatus.New(store, repo, log),
		Prober: sshprobe.NewDialer(identity),
		Box:    credentials.NewBox(database.NewSettingStore(db)),
		Events: hub,
		Logger: log,
		Retry: retry.Options{
			Retries:  cfg.ProbeRetries,
			Delay:    cfg.ProbeDelay,
			Timeout:  cfg.ProbeTimeout,
			MaxDelay: cfg.ProbeMaxDelay,
			Label:    "ssh_probe",
			Logger:   log,
		},
		ActivityWindow: cfg.ActivityWindow,
		ExecTimeout:    cfg.ExecTimeout,
		SSHConfigPath:  cfg.SSHConfigPath,
		MetricsStore:   store,
		MetricsTTL:     cfg.SystemMetricsTTL,
		MetricsHistory: cfg.SystemMetricsHistory,
	})

	if err := seed(ctx, cfg, svc, log); err != nil {
		return err
	}

	mon := monitor.New(svc, monitor.Options{
		Schedule:    cfg.MonitorSchedule,
		Concurrency: cfg.MonitorConcurrency,
		Logger:      log,
	})
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	defer mon.Stop()

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go func() {
		ticker := time.NewTicker(limiterIdleTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup(limiterIdleTimeout)
			}
		}
	}()

	allow, err := middleware.ParseAllowList(cfg.AllowedNetworks)
	if err != nil {
		return fmt.Errorf("allowed networks: %w", err)
	}

	h := &handlers.Handler{
		Hosts:  svc,
		Events: hub,
		Log:    log,
		Checks: map[string]handlers.Pinger{
			"database": func(ctx context.Context) error { return database.Ping(ctx, db) },
			"cache":    store.Ping,
		},
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(cfg, h, limiter, allow, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.ListenAddr), zap.Bool("auth_disabled", cfg.DisableAuth))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func newCacheStore(ctx context.Context, cfg config.Settings) (cache.Store, error) {
	switch cfg.CacheBackend {
	case "memory":
		return cache.NewMemoryStore(cfg.CacheTTL), nil
	case "redis":
		store := cache.NewRedisStore(cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   "hostdeck:",
			TTL:      cfg.CacheTTL,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			store.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// seed adds the localhost host in auth-less mode and imports the seed file.
// Neither blocks startup when the hosts cannot be reached.
func seed(ctx context.Context, cfg config.Settings, svc *hosts.Service, log *zap.Logger) error {
	if cfg.DisableAuth {
		h, created, err := svc.EnsureDefaultHost(ctx, cfg.DefaultHostUser)
		switch {
		case err != nil:
			log.Warn("default host not created", zap.Error(err))
		case created:
			log.Info("default host created", logging.HostID(h.ID))
		}
	}
	if cfg.SeedFile != "" {
		res, err := svc.ImportFile(ctx, cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("seed %s: %w", cfg.SeedFile, err)
		}
		log.Info("seed file imported", zap.Strings("added", res.Added), zap.Strings("skipped", res.Skipped))
	}
	return nil
}

func newRouter(cfg config.Settings, h *handlers.Handler, limiter *middleware.RateLimiter, allow *middleware.AllowList, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(log))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RestrictSources(allow, log))
		r.Use(limiter.Middleware)
		r.Use(middleware.RequireAuth(cfg.APIToken, cfg.DisableAuth))
		h.HostRoutes(r)
	})
	return r
}
