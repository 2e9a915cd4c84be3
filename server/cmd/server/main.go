package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/obot-platform/buildbox/server/internal/config"
	"github.com/obot-platform/buildbox/server/internal/database"
	"github.com/obot-platform/buildbox/server/internal/handler"
	"github.com/obot-platform/buildbox/server/internal/logger"
	"github.com/obot-platform/buildbox/server/internal/middleware"
	"github.com/obot-platform/buildbox/server/internal/portalloc"
	"github.com/obot-platform/buildbox/server/internal/preview"
	"github.com/obot-platform/buildbox/server/internal/reaper"
	"github.com/obot-platform/buildbox/server/internal/sandbox"
	"github.com/obot-platform/buildbox/server/internal/snapshot"
	"github.com/obot-platform/buildbox/server/internal/store"
	"github.com/obot-platform/buildbox/server/internal/version"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logr, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logr.Close() }()

	if err := run(cfg, logr); err != nil {
		logr.Error("server failed", "error", err)
		_ = logr.Close()
		log.Fatal(err)
	}
}

func run(cfg *config.Config, logr *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.New(cfg, logr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s := store.New(db.DB)

	blobs, err := snapshot.NewFileStore(cfg.SnapshotDir)
	if err != nil {
		return err
	}

	b := &backend{
		cfg:   cfg,
		store: s,
		ports: portalloc.New(cfg.PortRangeStart, cfg.PortRangeEnd),
		blobs: blobs,
		log:   logr,
	}
	sandbox.SetDefaultBuilder(b.build)

	// Build eagerly so a misconfigured backend fails at startup.
	manager, err := sandbox.Default()
	if err != nil {
		return fmt.Errorf("failed to initialize sandbox backend: %w", err)
	}

	reap := reaper.New(s, sandbox.Default, blobs, reaper.OptionsFromConfig(cfg), logr)
	reap.Start(ctx)

	if cfg.OverlayFile != "" {
		watcher, err := config.NewWatcher(cfg, func(err error) {
			logr.Warn("config reload failed", "file", cfg.OverlayFile, "error", err)
		})
		if err != nil {
			return err
		}
		watcher.Subscribe(func(next *config.Config) {
			logr.SetLevel(next.LogLevel)
			reap.Reconfigure(next)
		})
		go watcher.Run(ctx)
	}

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logr))
	r.Use(chimiddleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", handler.UserHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version.Get(),
			"backend": cfg.SandboxBackend,
		})
	})

	handler.New(s, manager, blobs, logr).Routes(r)

	previewOpts := preview.OptionsFromConfig(cfg)
	previewOpts.User = handler.UserFromRequest
	previewOpts.Upstream = manager.Upstream
	preview.New(s, previewOpts, logr).Routes(r)

	// Agent turns stream for minutes, so there is no write timeout.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", "port", cfg.Port, "backend", cfg.SandboxBackend, "version", version.Get())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logr.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("server forced to shutdown", "error", err)
	}
	if err := reap.Shutdown(shutdownCtx); err != nil {
		logr.Error("reaper shutdown failed", "error", err)
	}
	if err := b.close(shutdownCtx); err != nil {
		logr.Error("sandbox backend shutdown failed", "error", err)
	}

	logr.Info("server stopped")
	return nil
}
