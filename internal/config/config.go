package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the tile worker process.
type Config struct {
	// DatabaseURL is a pgx connection string for the metadata store.
	DatabaseURL string

	// UploadsBucket holds user-uploaded source PDFs.
	UploadsBucket string
	// TilesBucket holds all derived artifacts: temp rasters, tiles,
	// manifests and thumbnails.
	TilesBucket string
	// TilePublicBaseURL is the URL prefix viewers use to fetch objects
	// from the tiles bucket.
	TilePublicBaseURL string

	Worker WorkerConfig
	PDF    PDFConfig
}

// WorkerConfig controls the job queue polling loop.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// PDFConfig locates the external PDF utilities and sets rasterization options.
type PDFConfig struct {
	PdfinfoPath   string
	PdftotextPath string
	PdftoppmPath  string
	ToolTimeout   time.Duration
	RasterDPI     int
}

// Load reads configuration from the environment, optionally seeded from a
// .env file. A missing .env file is not an error; required variables are
// validated either way.
func Load(envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg := &Config{
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		UploadsBucket:     getEnv("UPLOADS_BUCKET", ""),
		TilesBucket:       getEnv("TILES_BUCKET", ""),
		TilePublicBaseURL: getEnv("TILE_PUBLIC_BASE_URL", ""),
		Worker: WorkerConfig{
			PollInterval: getEnvAsDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			BatchSize:    getEnvAsInt("WORKER_BATCH_SIZE", 5),
		},
		PDF: PDFConfig{
			PdfinfoPath:   getEnv("PDFINFO_PATH", "pdfinfo"),
			PdftotextPath: getEnv("PDFTOTEXT_PATH", "pdftotext"),
			PdftoppmPath:  getEnv("PDFTOPPM_PATH", "pdftoppm"),
			ToolTimeout:   getEnvAsDuration("PDF_TOOL_TIMEOUT", 2*time.Minute),
			RasterDPI:     getEnvAsInt("RASTER_DPI", 150),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable must be set")
	}
	if cfg.UploadsBucket == "" {
		return nil, fmt.Errorf("UPLOADS_BUCKET environment variable must be set")
	}
	if cfg.TilesBucket == "" {
		return nil, fmt.Errorf("TILES_BUCKET environment variable must be set")
	}
	if cfg.TilePublicBaseURL == "" {
		cfg.TilePublicBaseURL = fmt.Sprintf("https://storage.googleapis.com/%s", cfg.TilesBucket)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
