package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cfhttp "github.com/Strob0t/sentry-webhooks/internal/adapter/http"
	cfnats "github.com/Strob0t/sentry-webhooks/internal/adapter/nats"
	"github.com/Strob0t/sentry-webhooks/internal/adapter/natskv"
	"github.com/Strob0t/sentry-webhooks/internal/adapter/optcache"
	"github.com/Strob0t/sentry-webhooks/internal/adapter/outbound"
	cfotel "github.com/Strob0t/sentry-webhooks/internal/adapter/otel"
	"github.com/Strob0t/sentry-webhooks/internal/adapter/postgres"
	"github.com/Strob0t/sentry-webhooks/internal/adapter/ristretto"
	"github.com/Strob0t/sentry-webhooks/internal/adapter/tiered"
	"github.com/Strob0t/sentry-webhooks/internal/config"
	"github.com/Strob0t/sentry-webhooks/internal/domain/webhook"
	"github.com/Strob0t/sentry-webhooks/internal/logger"
	"github.com/Strob0t/sentry-webhooks/internal/middleware"
	"github.com/Strob0t/sentry-webhooks/internal/netguard"
	"github.com/Strob0t/sentry-webhooks/internal/port/cache"
	"github.com/Strob0t/sentry-webhooks/internal/port/messagequeue"
	"github.com/Strob0t/sentry-webhooks/internal/port/plugin"
	"github.com/Strob0t/sentry-webhooks/internal/resilience"
	"github.com/Strob0t/sentry-webhooks/internal/secrets"
	"github.com/Strob0t/sentry-webhooks/internal/service"
	"github.com/Strob0t/sentry-webhooks/internal/version"
	"github.com/Strob0t/sentry-webhooks/internal/workpool"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"version", version.Version,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"dispatch_policy", cfg.Webhook.DispatchPolicy,
		"payload_format", cfg.Webhook.PayloadFormat,
		"max_parallel", cfg.Webhook.MaxParallel,
		"disallowed_networks", cfg.Webhook.DisallowedNetworks,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownOTel, err := cfotel.Init(ctx, cfg.OTel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	health := map[string]cfhttp.Pinger{"postgres": pool}

	var queue *cfnats.Queue
	if cfg.NATS.URL != "" {
		queue, err = cfnats.Connect(ctx, cfg.NATS)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
		health["nats"] = queue
	}

	sharedCache, closeCache, err := buildCache(ctx, cfg.Cache, queue)
	if err != nil {
		return err
	}
	defer closeCache()

	// --- Services ---

	guard, err := netguard.New(cfg.Webhook.DisallowedNetworks, nil)
	if err != nil {
		return fmt.Errorf("disallowed networks: %w", err)
	}

	store := optcache.New(postgres.NewStore(pool), sharedCache, cfg.Cache.TTL, webhook.Keys...)
	optionsSvc := service.NewOptionsService(store, guard)

	senderOpts := []outbound.Option{
		outbound.WithTimeout(cfg.Webhook.Timeout),
		outbound.WithDialControl(guard.DialControl),
	}
	if cfg.Webhook.UserAgent != "" {
		senderOpts = append(senderOpts, outbound.WithUserAgent(cfg.Webhook.UserAgent))
	}

	dispatcher := service.NewDispatcher(
		optionsSvc,
		guard,
		outbound.NewSender(senderOpts...),
		resilience.NewSet(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout),
		workpool.New(cfg.Webhook.MaxParallel),
		metrics,
		service.DispatcherConfig{
			Policy:        cfg.Webhook.DispatchPolicy,
			Format:        cfg.Webhook.PayloadFormat,
			LookupTimeout: cfg.Webhook.Timeout,
		},
	)

	registry := plugin.NewRegistry()
	if err := registry.Register(dispatcher); err != nil {
		return fmt.Errorf("register plugin: %w", err)
	}

	ingest := service.NewIngestService(registry)
	defer ingest.Wait()

	if queue != nil {
		cancelSub, err := queue.Subscribe(ctx, messagequeue.SubjectPostProcess, ingest.HandleMessage)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectPostProcess, err)
		}
		defer cancelSub()
		slog.Info("consuming post-process events", "subject", messagequeue.SubjectPostProcess)
	}

	// --- HTTP ---

	vault, err := loadVault(cfg.Server)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	go reloadOnSIGHUP(ctx, vault)

	limiter := middleware.NewRateLimiter(cfg.Server.IngestRate, cfg.Server.IngestBurst)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	handlers := &cfhttp.Handlers{
		Options: optionsSvc,
		Ingest:  ingest,
		Plugins: registry,
		Health:  health,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(cfhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(chimw.Timeout(30 * time.Second))

	cfhttp.MountRoutes(r, handlers, cfhttp.RouteGuards{
		IngestSecret: vault.Getter(secrets.KeyIngestSecret),
		APIToken:     vault.Getter(secrets.KeyAPIToken),
		Limiter:      limiter,
		Replay:       sharedCache,
		ReplayTTL:    cfg.Server.ReplayTTL,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadVault layers credentials from the secrets dir over the config values.
func loadVault(server config.Server) (*secrets.Vault, error) {
	return secrets.NewVault(secrets.Chain(
		secrets.Static(map[string]string{
			secrets.KeyIngestSecret: server.IngestSecret,
			secrets.KeyAPIToken:     server.APIToken,
		}),
		secrets.DirLoader(server.SecretsDir, secrets.KeyIngestSecret, secrets.KeyAPIToken),
	))
}

// reloadOnSIGHUP re-reads the API credentials each time the process gets SIGHUP.
func reloadOnSIGHUP(ctx context.Context, vault *secrets.Vault) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := vault.Reload(); err != nil {
				slog.Error("secret reload failed", "error", err)
				continue
			}
			slog.Info("secrets reloaded")
		}
	}
}

// buildCache assembles the options cache: ristretto in-process, plus a NATS
// KV bucket shared between replicas when NATS and a bucket are configured.
func buildCache(ctx context.Context, cfg config.Cache, queue *cfnats.Queue) (cache.Cache, func(), error) {
	l1, err := ristretto.New(cfg.L1MaxSizeMB << 20)
	if err != nil {
		return nil, nil, fmt.Errorf("l1 cache: %w", err)
	}

	var l2 cache.Cache
	if queue != nil && cfg.L2Bucket != "" {
		kv, err := natskv.Open(ctx, queue.JetStream(), cfg.L2Bucket, cfg.TTL)
		if err != nil {
			l1.Close()
			return nil, nil, fmt.Errorf("l2 cache: %w", err)
		}
		l2 = kv
		slog.Info("options cache uses nats kv", "bucket", cfg.L2Bucket)
	}

	return tiered.New(l1, l2, cfg.L1TTL), l1.Close, nil
}
