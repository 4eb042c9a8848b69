package services

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/colefleming/plantiler/internal/pyramid"
	"github.com/colefleming/plantiler/internal/store"
)

// tileUploadConcurrency caps in-flight tile uploads per level. It bounds
// both memory (encoded tile buffers) and outbound connection pressure.
const tileUploadConcurrency = 8

// GenerateTilesPayload is the job payload for tiling one sheet version.
type GenerateTilesPayload struct {
	SheetVersionID uuid.UUID `json:"sheetVersionId"`
}

// TileResult summarizes one tiling run.
type TileResult struct {
	SheetVersionID uuid.UUID
	Skipped        bool
	Levels         int
	TilesUploaded  int
	Warnings       []string
}

// Tiler handles generate_drawing_tiles jobs: one page's temp raster becomes
// a deep-zoom pyramid, and the parent set is flipped to ready once every
// sheet has one.
type Tiler struct {
	db            MetadataStore
	tiles         BlobStore
	publicBaseURL string
}

// NewTiler wires a Tiler. publicBaseURL is the viewer-facing prefix for
// objects in the tiles bucket.
func NewTiler(db MetadataStore, tiles BlobStore, publicBaseURL string) *Tiler {
	return &Tiler{db: db, tiles: tiles, publicBaseURL: publicBaseURL}
}

// Process tiles one sheet version. Safe to re-run: a version that already
// has a manifest and base URL is left untouched.
func (t *Tiler) Process(ctx context.Context, payload GenerateTilesPayload) (*TileResult, error) {
	if payload.SheetVersionID == uuid.Nil {
		return nil, fmt.Errorf("invalid payload: sheetVersionId is required")
	}

	result := &TileResult{SheetVersionID: payload.SheetVersionID}
	logCtx := slog.With("sheetVersionId", payload.SheetVersionID)

	version, err := t.db.GetSheetVersion(ctx, payload.SheetVersionID)
	if err != nil {
		return nil, err
	}
	if version.HasTiles() {
		logCtx.Info("Version already tiled, skipping.")
		result.Skipped = true
		return result, nil
	}

	meta := version.Metadata
	if meta.TempRasterPath == "" {
		return nil, fmt.Errorf("sheet version %s has no temp raster path", version.ID)
	}
	pageIndex := version.PageIndex
	if pageIndex <= 0 {
		pageIndex = meta.PageIndex
	}
	if pageIndex <= 0 {
		return nil, fmt.Errorf("sheet version %s has no page index", version.ID)
	}

	rasterBytes, err := t.tiles.Get(ctx, meta.TempRasterPath)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch temp raster: %w", err)
	}
	src, err := png.Decode(bytes.NewReader(rasterBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to decode temp raster: %w", err)
	}

	width := src.Bounds().Dx()
	height := src.Bounds().Dy()
	maxLevel := pyramid.MaxLevel(width, height)
	levels := maxLevel + 1
	result.Levels = levels
	logCtx = logCtx.With("width", width, "height", height, "levels", levels)

	pagePrefix := fmt.Sprintf("drawings/%s/%s/pages/%d", version.OrgID, meta.ContentHash, pageIndex)

	// Levels are rendered sequentially so only one resized buffer is live
	// at a time; uploads within a level run with bounded concurrency.
	for level := 0; level <= maxLevel; level++ {
		rendered := pyramid.RenderLevel(src, level, maxLevel)
		uploaded, err := t.uploadLevel(ctx, pagePrefix, level, pyramid.SliceTiles(level, rendered))
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", level, err)
		}
		result.TilesUploaded += uploaded
	}

	manifest, err := pyramid.MarshalManifest(pyramid.NewManifest(width, height, levels))
	if err != nil {
		return nil, err
	}
	if err := t.tiles.Put(ctx, pagePrefix+"/manifest.json", manifest, "application/json", immutableCacheControl); err != nil {
		return nil, fmt.Errorf("failed to upload manifest: %w", err)
	}

	thumb, err := pyramid.EncodePNG(pyramid.Thumbnail(src, pyramid.TileSize))
	if err != nil {
		return nil, err
	}
	if err := t.tiles.Put(ctx, pagePrefix+"/thumbnail.png", thumb, "image/png", immutableCacheControl); err != nil {
		return nil, fmt.Errorf("failed to upload thumbnail: %w", err)
	}

	update := store.TileUpdate{
		Manifest:     manifest,
		BaseURL:      fmt.Sprintf("%s/%s/tiles", t.publicBaseURL, pagePrefix),
		Levels:       levels,
		ImageWidth:   width,
		ImageHeight:  height,
		ThumbnailURL: fmt.Sprintf("%s/%s/thumbnail.png", t.publicBaseURL, pagePrefix),
	}
	if err := t.db.UpdateSheetVersionTiles(ctx, version.ID, update); err != nil {
		return nil, err
	}

	// The pyramid fully supersedes the temp raster.
	if err := t.tiles.DeleteMany(ctx, []string{meta.TempRasterPath}); err != nil {
		result.warnf(logCtx, "failed to delete temp raster: %v", err)
	}

	t.cascadeCompletion(ctx, logCtx, result, version.OrgID)

	logCtx.Info("Tiling complete.", "tilesUploaded", result.TilesUploaded)
	return result, nil
}

// uploadLevel encodes and uploads one level's tiles with bounded
// concurrency.
func (t *Tiler) uploadLevel(ctx context.Context, pagePrefix string, level int, tiles []pyramid.Tile) (int, error) {
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(tileUploadConcurrency)

	for _, tile := range tiles {
		eg.Go(func() error {
			data, err := pyramid.EncodePNG(tile.Image)
			if err != nil {
				return fmt.Errorf("tile %d_%d: %w", tile.X, tile.Y, err)
			}
			key := fmt.Sprintf("%s/tiles/%d/%d_%d.png", pagePrefix, level, tile.X, tile.Y)
			if err := t.tiles.Put(gctx, key, data, "image/png", immutableCacheControl); err != nil {
				return fmt.Errorf("tile %d_%d: %w", tile.X, tile.Y, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}
	return len(tiles), nil
}

// cascadeCompletion re-evaluates every processing set in the org from
// scratch and flips fully tiled ones to ready. Level-triggered on purpose:
// it is correct under any completion ordering and idempotent under
// duplicate job execution. Failures here never fail the tiling job.
func (t *Tiler) cascadeCompletion(ctx context.Context, logCtx *slog.Logger, result *TileResult, orgID uuid.UUID) {
	sets, err := t.db.ListProcessingSets(ctx, orgID)
	if err != nil {
		result.warnf(logCtx, "completion check: failed to list processing sets: %v", err)
		return
	}
	for _, set := range sets {
		total, tiled, err := t.db.SheetTileCounts(ctx, set.ID)
		if err != nil {
			result.warnf(logCtx, "completion check: failed to count sheets for set %s: %v", set.ID, err)
			continue
		}
		if total == 0 || tiled < total {
			continue
		}
		if err := t.db.MarkDrawingSetReady(ctx, set.ID, total); err != nil {
			result.warnf(logCtx, "completion check: failed to mark set %s ready: %v", set.ID, err)
			continue
		}
		logCtx.Info("Drawing set fully tiled.", "drawingSetId", set.ID, "sheets", total)
	}
}

func (r *TileResult) warnf(logCtx *slog.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logCtx.Warn(msg)
	r.Warnings = append(r.Warnings, msg)
}
