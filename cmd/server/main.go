package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/p-n-ai/pai-progress/internal/analytics"
	"github.com/p-n-ai/pai-progress/internal/api"
	"github.com/p-n-ai/pai-progress/internal/course"
	"github.com/p-n-ai/pai-progress/internal/ledger"
	"github.com/p-n-ai/pai-progress/internal/platform/cache"
	"github.com/p-n-ai/pai-progress/internal/platform/config"
	"github.com/p-n-ai/pai-progress/internal/platform/database"
	"github.com/p-n-ai/pai-progress/internal/progress"
	"github.com/p-n-ai/pai-progress/internal/syncer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx, ledger.Schema, progress.Schema); err != nil {
		slog.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	loader, err := course.NewLoader(cfg.CoursePath)
	if err != nil {
		slog.Error("failed to load courses", "path", cfg.CoursePath, "error", err)
		os.Exit(1)
	}
	slog.Info("courses loaded", "count", len(loader.CourseIDs()))

	ledgerStore, err := ledger.NewPostgresStore(db.Pool, cfg.Ledger.AppendTimeout)
	if err != nil {
		slog.Error("failed to create ledger store", "error", err)
		os.Exit(1)
	}

	snapStore, err := progress.NewPostgresSnapshotStore(db.Pool)
	if err != nil {
		slog.Error("failed to create snapshot store", "error", err)
		os.Exit(1)
	}

	var snapshots progress.SnapshotStore = snapStore
	if cfg.Cache.Enabled {
		c, err := cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			// The cache is an optimization; snapshots still come from Postgres.
			slog.Warn("cache unavailable, serving snapshots uncached", "error", err)
		} else {
			defer c.Close()
			snapshots = progress.NewCachedSnapshotStore(snapStore, c)
		}
	}

	engine, err := progress.NewEngine(progress.EngineConfig{
		Courses:             loader,
		Ledger:              ledgerStore,
		Snapshots:           snapshots,
		CompletionThreshold: cfg.Mastery.CompletionThreshold,
	})
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	hub := api.NewHub()

	reconciler, err := syncer.New(loader, ledgerStore, engine, hub)
	if err != nil {
		slog.Error("failed to create reconciler", "error", err)
		os.Exit(1)
	}

	aggregator, err := analytics.New(loader, snapshots, cfg.Analytics.MinCohort)
	if err != nil {
		slog.Error("failed to create aggregator", "error", err)
		os.Exit(1)
	}

	apiServer, err := api.NewServer(loader, engine, reconciler, aggregator, hub)
	if err != nil {
		slog.Error("failed to create api server", "error", err)
		os.Exit(1)
	}

	mux := newMux(db)
	apiServer.Register(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

// newMux creates the HTTP router with health check endpoints.
func newMux(db *database.DB) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", handleReadyz(db))
	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func handleReadyz(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"degraded"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}
