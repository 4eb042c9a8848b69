// The tileworker daemon drains the drawing pipeline job queue: it ingests
// uploaded drawing sets and generates deep-zoom tile pyramids for their
// pages.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	gstorage "cloud.google.com/go/storage"

	"github.com/colefleming/plantiler/internal/config"
	"github.com/colefleming/plantiler/internal/gcp"
	"github.com/colefleming/plantiler/internal/pdftool"
	"github.com/colefleming/plantiler/internal/services"
	"github.com/colefleming/plantiler/internal/store"
	"github.com/colefleming/plantiler/internal/worker"
)

func main() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("Worker terminated with error.", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(".env")
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	storageClient, err := gstorage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create storage client: %w", err)
	}
	defer storageClient.Close()

	uploads := gcp.NewObjectStore(storageClient, cfg.UploadsBucket)
	tiles := gcp.NewObjectStore(storageClient, cfg.TilesBucket)

	pdf := pdftool.NewRunner(cfg.PDF.PdfinfoPath, cfg.PDF.PdftotextPath, cfg.PDF.PdftoppmPath, cfg.PDF.ToolTimeout)
	ingestor := services.NewIngestor(db, uploads, tiles, pdf, cfg.PDF.RasterDPI)
	tiler := services.NewTiler(db, tiles, cfg.TilePublicBaseURL)

	w := worker.New(db, cfg.Worker.PollInterval, cfg.Worker.BatchSize)
	w.Handle(store.JobTypeProcessDrawingSet, func(ctx context.Context, job store.Job) error {
		var payload services.ProcessDrawingSetPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode payload: %w", err)
		}
		_, err := ingestor.Process(ctx, payload)
		return err
	})
	w.Handle(store.JobTypeGenerateDrawingTiles, func(ctx context.Context, job store.Job) error {
		var payload services.GenerateTilesPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode payload: %w", err)
		}
		_, err := tiler.Process(ctx, payload)
		return err
	})

	slog.Info("Tile worker started.",
		"pollInterval", cfg.Worker.PollInterval.String(),
		"batchSize", cfg.Worker.BatchSize,
		"uploadsBucket", cfg.UploadsBucket,
		"tilesBucket", cfg.TilesBucket,
	)
	w.Start(context.Background())

	<-ctx.Done()
	slog.Info("Shutdown signal received, draining in-flight jobs.")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to drain worker: %w", err)
	}
	slog.Info("Tile worker stopped.")
	return nil
}
