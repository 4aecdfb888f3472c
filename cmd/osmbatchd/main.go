package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Kirorus/osm-batch-downloader/internal/api"
	"github.com/Kirorus/osm-batch-downloader/pkg/catalog"
	"github.com/Kirorus/osm-batch-downloader/pkg/config"
	"github.com/Kirorus/osm-batch-downloader/pkg/downloader"
	"github.com/Kirorus/osm-batch-downloader/pkg/jobs"
	"github.com/Kirorus/osm-batch-downloader/pkg/landclip"
	"github.com/Kirorus/osm-batch-downloader/pkg/logging"
	"github.com/Kirorus/osm-batch-downloader/pkg/overpass"
	"github.com/Kirorus/osm-batch-downloader/pkg/preview"
	"github.com/Kirorus/osm-batch-downloader/pkg/probe"
	"github.com/Kirorus/osm-batch-downloader/pkg/version"
)

var configPath = flag.String("config", "configs/osmbatchd.yaml", "Path to the configuration file")

func main() {
	flag.Parse()

	// A .env file is optional; environment overrides still apply.
	_ = godotenv.Load()

	if err := run(context.Background(), *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("OSM batch downloader started", "version", version.Version,
		"data_dir", cfg.Data.Dir, "overpass_url", cfg.Overpass.URL)

	client := overpass.New(cfg.Overpass)
	cat := catalog.New(cfg, client)
	prev := preview.New(cfg, client)
	land := landclip.New(cfg)
	dl := downloader.New(cfg, client, prev, land)
	mgr := jobs.NewManager(dl.Run)

	probes := []probe.Probe{
		{
			Name: "Data directory",
			Check: func(context.Context) error {
				return os.MkdirAll(cfg.Data.Dir, 0o755)
			},
			Critical: true,
		},
		{
			Name: "Land polygons dataset",
			Check: func(context.Context) error {
				if !land.Present() {
					return errors.New("not downloaded yet, clip jobs fetch it on demand")
				}
				return nil
			},
		},
	}
	if err := probe.AnalyzeResults(probe.Run(ctx, probes)); err != nil {
		return fmt.Errorf("startup checks failed: %w", err)
	}

	srv := api.NewServer(cfg.Server.Address, cfg.Server.StaticDir,
		api.NewHealthHandler(land, mgr),
		api.NewLandHandler(land),
		api.NewCatalogHandler(cat),
		api.NewPreviewHandler(prev, cat),
		api.NewJobHandler(mgr, cat))
	srv.Handler = loggingMiddleware(srv.Handler)

	return runServerLifecycle(ctx, srv)
}

func runServerLifecycle(ctx context.Context, srv *http.Server) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	slog.Info("Starting server", "addr", srv.Addr)
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	select {
	case <-quit:
		slog.Info("Shutting down server...")
	case <-ctx.Done():
		slog.Info("Context cancelled, shutting down...")
	case err := <-serverErrors:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("Request processed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
