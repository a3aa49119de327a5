// @title           Asset Repository API
// @version         1.0.0
// @description     Builds, tracks and serves ZIP archives of the plugins and themes installed on a site.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "JWT or admin API key. 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics and profiling are served on a dedicated side-channel port (default: 9090) separate from the main API server. Configure the port with LAR_TELEMETRY_METRICS_PROMETHEUS_PORT. pprof (LAR_TELEMETRY_PROFILING_ENABLED=true) is served on LAR_TELEMETRY_PROFILING_PORT (default: 6060).

// Package main is the entry point for the asset repository server binary.
// It dispatches its subcommands (serve, regenerate, migrate, token and
// version) via a simple switch on os.Args so the binary's full CLI surface is
// readable in one place.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- pprof is only served on the dedicated profiling port.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/live-assets/asset-repository/internal/api"
	"github.com/live-assets/asset-repository/internal/archive"
	"github.com/live-assets/asset-repository/internal/asset"
	"github.com/live-assets/asset-repository/internal/auth"
	"github.com/live-assets/asset-repository/internal/catalog"
	"github.com/live-assets/asset-repository/internal/config"
	"github.com/live-assets/asset-repository/internal/crypto"
	"github.com/live-assets/asset-repository/internal/db"
	"github.com/live-assets/asset-repository/internal/delivery"
	"github.com/live-assets/asset-repository/internal/jobs"
	"github.com/live-assets/asset-repository/internal/kvstore"
	kvredis "github.com/live-assets/asset-repository/internal/kvstore/redis"
	"github.com/live-assets/asset-repository/internal/notify"
	"github.com/live-assets/asset-repository/internal/repository"
	"github.com/live-assets/asset-repository/internal/safego"
	"github.com/live-assets/asset-repository/internal/storage"
	"github.com/live-assets/asset-repository/internal/telemetry"
	"github.com/live-assets/asset-repository/internal/updatelog"
	"github.com/live-assets/asset-repository/internal/versions"

	// Key/value store backends
	_ "github.com/live-assets/asset-repository/internal/kvstore/memory"
	_ "github.com/live-assets/asset-repository/internal/kvstore/postgres"

	// Mirror backends
	_ "github.com/live-assets/asset-repository/internal/storage/azure"
	_ "github.com/live-assets/asset-repository/internal/storage/gcs"
	_ "github.com/live-assets/asset-repository/internal/storage/local"
	_ "github.com/live-assets/asset-repository/internal/storage/s3"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

const usage = "Available commands: serve, regenerate, migrate <up|down>, token <subject>, version"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("Asset Repository v%s\n", version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg)
	case "regenerate":
		return regenerate(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "token":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s token <subject>", os.Args[0])
		}
		return mintToken(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\n%s", command, usage)
	}
}

// app holds the components shared by serve and regenerate.
type app struct {
	store    kvstore.Store
	signer   *delivery.Signer
	notifier *notify.Notifier
	service  *repository.Service
}

func (a *app) Close() {
	a.notifier.Close()
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
}

// newApp wires the repository core. The notifier is created but not started.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	loc, err := time.LoadLocation(cfg.Repository.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	store, err := kvstore.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	slog.Info("key/value store ready", "backend", cfg.Store.Backend)
	if cfg.Store.Backend == "memory" {
		slog.Warn("memory store in use: the site secret and last-seen versions are lost on restart and every download URL changes")
	}

	var cipher *crypto.SecretCipher
	if cfg.Security.EncryptionKey != "" {
		if cipher, err = crypto.FromPassphrase(cfg.Security.EncryptionKey, nil); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to initialise secret cipher: %w", err)
		}
	}
	secret, err := delivery.LoadSecret(ctx, store, cipher)
	if err != nil {
		store.Close()
		return nil, err
	}
	signer, err := delivery.NewSigner(secret, cfg.Repository.SiteIdentity, cfg.Server.BaseURL)
	if err != nil {
		store.Close()
		return nil, err
	}

	builder := archive.NewBuilder(cfg.Repository.DownloadDir, signer)
	if err := builder.Prepare(); err != nil {
		store.Close()
		return nil, err
	}

	notifier, err := notify.New(cfg.Webhook)
	if err != nil {
		store.Close()
		return nil, err
	}

	opts := []repository.Option{
		repository.WithNotifier(notifier),
		repository.WithSite(cfg.Server.BaseURL),
		repository.WithLocation(loc),
	}
	if cfg.Mirror.Enabled {
		backend, err := storage.NewStorage(cfg)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to initialise mirror backend: %w", err)
		}
		mirror := storage.NewMirror(backend, cfg.Mirror.Backend)
		if err := mirror.Prepare(ctx); err != nil {
			slog.Warn("mirror backend not prepared", "backend", mirror.Name(), "error", err)
		}
		opts = append(opts, repository.WithMirror(mirror))
		slog.Info("archive mirror enabled", "backend", mirror.Name())
	}

	cat := catalog.New(cfg.Repository.PluginsDir, cfg.Repository.ThemesDir)
	ulog := updatelog.New(cfg.Repository.LogFilePath(), updatelog.WithLocation(loc))
	svc := repository.NewService(cat, builder, versions.NewTracker(store), ulog, opts...)

	return &app{
		store:    store,
		signer:   signer,
		notifier: notifier,
		service:  svc,
	}, nil
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.notifier != nil {
		a.notifier.Start(ctx)
	}

	var tokens *auth.TokenIssuer
	if cfg.Auth.JWTSecret != "" {
		if tokens, err = auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry); err != nil {
			return fmt.Errorf("security configuration error: %w", err)
		}
	}
	if tokens == nil && len(cfg.Auth.AdminAPIKeyHashes) == 0 {
		slog.Warn("no admin credentials configured: admin routes will reject every request")
	}
	if cfg.Delivery.AllowUntokenized {
		slog.Warn("untokenized downloads enabled: anyone who knows a slug can fetch its archive via /download",
			"setting", "delivery.allow_untokenized")
	}

	var redisClient *goredis.Client
	if cfg.Security.RateLimiting.Enabled && cfg.Security.RateLimiting.Distributed {
		redisClient = kvredis.NewClient(cfg.Redis)
		defer redisClient.Close()
	}

	dispatcher := repository.NewDispatcher(a.service, cfg.Jobs.EventQueueSize)
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	if cfg.Repository.BuildOnStart {
		if err := dispatcher.Submit(repository.Event{Type: repository.EventActivated}); err != nil {
			slog.Warn("failed to queue initial build", "error", err)
		}
	}

	var watcher *jobs.SourceWatcher
	if cfg.Watcher.Enabled {
		watcher, err = jobs.NewSourceWatcher(map[asset.Kind]string{
			asset.KindPlugin: cfg.Repository.PluginsDir,
			asset.KindTheme:  cfg.Repository.ThemesDir,
		}, dispatcher, cfg.Watcher.Debounce)
		if err != nil {
			return fmt.Errorf("failed to start source watcher: %w", err)
		}
		safego.Go("source-watcher", func() { watcher.Start(ctx) })
	}

	var regen *jobs.RegenerationJob
	if cfg.Jobs.RegenerateInterval > 0 {
		regen = jobs.NewRegenerationJob(a.service, cfg.Jobs.RegenerateInterval)
		safego.Go("regeneration-job", func() { regen.Start(ctx) })
	}

	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	if cfg.Telemetry.Profiling.Enabled {
		pprofAddr := fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port)
		go func() {
			slog.Info("starting pprof server", "addr", pprofAddr)
			srv := &http.Server{ //nolint:gosec // #nosec G112 -- internal-only pprof port
				Addr:         pprofAddr,
				Handler:      http.DefaultServeMux,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("pprof server error", "error", err)
			}
		}()
	}

	router, bgServices := api.NewRouter(api.Dependencies{
		Config:     cfg,
		Repository: a.service,
		Downloads:  delivery.NewServer(cfg.Repository.DownloadDir, a.signer),
		Store:      a.store,
		Tokens:     tokens,
		Redis:      redisClient,
		Version:    version,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"base_url", cfg.Server.BaseURL,
			"download_dir", cfg.Repository.DownloadDir,
			"store", cfg.Store.Backend)

		var err error
		if cfg.Security.TLS.Enabled {
			slog.Info("TLS enabled", "cert", cfg.Security.TLS.CertFile, "key", cfg.Security.TLS.KeyFile)
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	bgServices.Shutdown()
	if watcher != nil {
		watcher.Stop()
	}
	if regen != nil {
		regen.Stop()
	}
	cancel()

	slog.Info("server stopped gracefully")
	return nil
}

// regenerate rebuilds every archive once and exits.
func regenerate(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.service.RegenerateAll(ctx)
	if err != nil {
		return fmt.Errorf("regeneration failed: %w", err)
	}
	for _, item := range report.Items {
		if item.Error != "" {
			fmt.Printf("FAILED  %s/%s: %s\n", item.Kind, item.Slug, item.Error)
			continue
		}
		fmt.Printf("OK      %s/%s %s -> %s\n", item.Kind, item.Slug, item.Version, item.Filename)
	}
	fmt.Printf("%d items, %d built, %d failed, %d version changes\n",
		report.Total, report.Built, report.Failed, report.Changed)
	if report.Canceled {
		return errors.New("regeneration interrupted")
	}
	return nil
}

func mintToken(cfg *config.Config, subject string) error {
	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry)
	if err != nil {
		return fmt.Errorf("cannot mint token: %w", err)
	}
	token, err := tokens.Generate(subject)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	conn, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(conn.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(conn.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", v, "dirty", dirty)
	return nil
}
