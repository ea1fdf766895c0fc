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

	"github.com/joho/godotenv"

	"studio/api/internal/anchor"
	"studio/api/internal/app"
	"studio/api/internal/artifact"
	"studio/api/internal/config"
	"studio/api/internal/editlock"
	"studio/api/internal/email"
	"studio/api/internal/gitrepo"
	"studio/api/internal/presence"
	"studio/api/internal/render"
	"studio/api/internal/search"
	"studio/api/internal/session"
	"studio/api/internal/store"
	"studio/api/internal/versions"
)

// backend is satisfied by both the Postgres and the in-memory store.
type backend interface {
	app.DataStore
	versions.Persistence
	anchor.Persistence
	session.Authorizer
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var data backend
	var searchIndex search.Index
	var fallback search.Searcher
	var loader search.RecordLoader
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("database connection failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		data = store.NewPostgresStore(db)
		pgfts := search.NewPgFTS(db)
		fallback = pgfts
		loader = pgfts
	} else {
		logger.Warn("DATABASE_URL not set, documents are kept in memory")
		data = store.NewMemoryStore(nil)
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		searchIndex = meiliClient
	}
	searchService := search.NewService(searchIndex, fallback, loader, logger)

	var tracker presence.Tracker
	var locks editlock.Locker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := presence.NewRedisStore(cfg.RedisURL, cfg.PresenceTimeout)
		if err != nil {
			logger.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		tracker = redisStore
		locks = editlock.NewRedisLocker(redisStore.Client(), cfg.LeaseDuration, nil)
		logger.Info("presence and edit leases backed by redis")
	} else {
		tracker = presence.NewRegistry(cfg.PresenceTimeout, nil)
		locks = editlock.NewManager(cfg.LeaseDuration, nil)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		logger.Error("failed to create repos dir", "error", err)
		os.Exit(1)
	}

	// With a shared database other instances may commit, so every access
	// revalidates against the stored head.
	versionStore := versions.NewStore(data, nil)
	comments := anchor.NewTracker(data, versionStore, nil)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		versionStore = versions.NewSharedStore(data, nil)
		comments = anchor.NewSharedTracker(data, versionStore, nil)
	}
	coordinator := session.NewCoordinator(versionStore, comments, tracker, locks, data, logger)

	deps := app.Deps{
		Store:       data,
		Versions:    versionStore,
		Coordinator: coordinator,
		Mirror:      gitrepo.New(cfg.ReposDir),
		Search:      searchService,
		Notifier: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: "Diagram Studio",
		}),
	}

	if cfg.RenderEnabled {
		renderer, err := render.NewChromeRenderer(cfg.MermaidURL, 30*time.Second)
		if err != nil {
			logger.Warn("rendering disabled", "error", err)
		} else {
			deps.Renderer = renderer
		}
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		artifacts, err := artifact.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioRegion, cfg.MinioUseSSL)
		if err != nil {
			logger.Error("artifact storage setup failed", "error", err)
			os.Exit(1)
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = artifacts.EnsureBucket(bucketCtx)
		cancel()
		if err != nil {
			logger.Warn("artifact storage unavailable, exports are streamed", "error", err)
		} else {
			deps.Artifacts = artifacts
		}
	}

	service := app.New(cfg, deps, logger)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap failed", "error", err)
	}
	go searchService.ReindexAll(ctx)
	go coordinator.Run(ctx, cfg.SweepInterval)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("studio api listening", "addr", cfg.Addr, "lease", cfg.LeaseDuration, "presence_timeout", cfg.PresenceTimeout)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("studio api stopped")
}
