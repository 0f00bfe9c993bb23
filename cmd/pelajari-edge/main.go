// Pelajari Edge - offline-resilient gateway for the Pelajari learning platform
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hamardikan/pelajari-edge/internal/cache"
	"github.com/hamardikan/pelajari-edge/internal/config"
	"github.com/hamardikan/pelajari-edge/internal/connectivity"
	"github.com/hamardikan/pelajari-edge/internal/gateway"
	"github.com/hamardikan/pelajari-edge/internal/middleware"
	"github.com/hamardikan/pelajari-edge/internal/practice"
	"github.com/hamardikan/pelajari-edge/internal/queue"
	"github.com/hamardikan/pelajari-edge/internal/store"
	"github.com/hamardikan/pelajari-edge/internal/upstream"
	"github.com/hamardikan/pelajari-edge/internal/ws"
	"github.com/hamardikan/pelajari-edge/web"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Log.File != "" {
		var out io.Writer = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		}
		logger = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)
	}

	slog.Info("Starting edge", "port", cfg.Port, "upstream", cfg.UpstreamURL, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Offline queue: startup expiry pass, then a periodic sweep.
	q := queue.New(repo)
	if dropped := q.ClearExpired(ctx); dropped > 0 {
		slog.Info("Startup queue cleanup complete", "dropped", dropped)
	}
	q.StartSweeper(ctx, cfg.SweepInterval)

	client := upstream.New(cfg.UpstreamURL)
	if cfg.APIToken != "" {
		client.SetToken(cfg.APIToken)
	}

	cacheCtl := cache.New(repo, client, web.OfflinePage(), cfg.PrecacheURLs)
	if err := cacheCtl.Init(ctx); err != nil {
		slog.Error("Failed to initialize cache", "error", err)
		os.Exit(1)
	}
	cacheCtl.Activate(ctx)
	slog.Info("Cache initialized")

	monitor := connectivity.NewMonitor(true)
	ctrl := practice.NewController(client, q, monitor.Online())
	monitor.Subscribe(func(online bool) {
		ctrl.SetOnline(ctx, online)
	})
	cacheCtl.SetSyncHook(func(ctx context.Context) {
		ctrl.DrainQueue(ctx)
	})

	// Realtime channel doubles as the connectivity signal.
	listener := ws.NewListener(cfg.WebSocketURL, cfg.APIToken, ctrl, monitor)
	go listener.Run(ctx)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	allowedOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		allowedOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(allowedOrigins))

	handler := gateway.NewHandler(cacheCtl, ctrl, monitor)
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Edge listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Edge stopped successfully")
}
