package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/colefleming/plantiler/internal/detect"
	"github.com/colefleming/plantiler/internal/store"
)

// ProcessDrawingSetPayload is the job payload for ingesting one uploaded
// drawing set.
type ProcessDrawingSetPayload struct {
	DrawingSetID uuid.UUID `json:"drawingSetId"`
	ProjectID    uuid.UUID `json:"projectId"`
	SourceFileID uuid.UUID `json:"sourceFileId"`
}

// IngestResult summarizes one ingestion run, including soft failures that
// were logged and skipped rather than aborting the run.
type IngestResult struct {
	DrawingSetID     uuid.UUID
	Pages            int
	SheetsCreated    int
	TileJobsEnqueued int
	Warnings         []string
}

// Ingestor handles process_drawing_set jobs: it turns one uploaded PDF into
// per-page rasters, sheet records and queued tiling work.
type Ingestor struct {
	db      MetadataStore
	uploads BlobStore
	tiles   BlobStore
	pdf     PDFRunner
	dpi     int
}

// NewIngestor wires an Ingestor. uploads holds source PDFs, tiles holds
// derived artifacts.
func NewIngestor(db MetadataStore, uploads, tiles BlobStore, pdf PDFRunner, rasterDPI int) *Ingestor {
	if rasterDPI <= 0 {
		rasterDPI = 150
	}
	return &Ingestor{db: db, uploads: uploads, tiles: tiles, pdf: pdf, dpi: rasterDPI}
}

// Process runs one ingestion end to end. Scratch files are cleaned up on
// every exit path. Per-page rasterization failures degrade to missing
// sheets; everything else aborts the job for the worker to retry.
func (ing *Ingestor) Process(ctx context.Context, payload ProcessDrawingSetPayload) (*IngestResult, error) {
	if payload.DrawingSetID == uuid.Nil || payload.ProjectID == uuid.Nil || payload.SourceFileID == uuid.Nil {
		return nil, fmt.Errorf("invalid payload: drawingSetId, projectId and sourceFileId are required")
	}

	logCtx := slog.With("drawingSetId", payload.DrawingSetID)
	result := &IngestResult{DrawingSetID: payload.DrawingSetID}

	set, err := ing.db.GetDrawingSet(ctx, payload.DrawingSetID)
	if err != nil {
		return nil, err
	}
	file, err := ing.db.GetFile(ctx, payload.SourceFileID)
	if err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "drawing-ingest-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	// 1. Fetch the source PDF into the scratch dir.
	pdfBytes, err := ing.uploads.Get(ctx, file.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source pdf: %w", err)
	}
	sourcePath := filepath.Join(tempDir, "source.pdf")
	if err := os.WriteFile(sourcePath, pdfBytes, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write source pdf: %w", err)
	}

	// Optimize/repair before the rasterizer sees it. Best-effort: a PDF
	// that pdfcpu rejects may still rasterize fine.
	workPath := filepath.Join(tempDir, "optimized.pdf")
	if err := ing.pdf.Optimize(ctx, sourcePath, workPath); err != nil {
		result.warnf(logCtx, "pdf optimization failed, using source as-is: %v", err)
		workPath = sourcePath
	}

	// 2. Page count is mandatory: without it there is nothing to process.
	pageCount, err := ing.pdf.PageCount(ctx, workPath)
	if err != nil {
		return nil, fmt.Errorf("failed to determine page count: %w", err)
	}
	result.Pages = pageCount
	logCtx = logCtx.With("pageCount", pageCount)

	// 3. Text layer is an enhancement, not a requirement.
	pageTexts, err := ing.pdf.ExtractText(ctx, workPath, pageCount)
	if err != nil {
		result.warnf(logCtx, "text extraction failed, treating all pages as empty: %v", err)
		pageTexts = make([]string, pageCount)
	}

	// 4. One revision per ingestion run.
	revision := &store.DrawingRevision{
		ID:           uuid.New(),
		DrawingSetID: set.ID,
		Name:         "Initial",
	}
	if err := ing.db.CreateRevision(ctx, revision); err != nil {
		return nil, err
	}

	// 5. The content hash keys every derived artifact: re-ingesting
	// byte-identical content reuses the same path prefix.
	hash := sha256.Sum256(pdfBytes)
	contentHash := hex.EncodeToString(hash[:])
	basePath := fmt.Sprintf("drawings/%s/%s", set.OrgID, contentHash)

	// 6. Rasterize pages sequentially to bound memory. A failed page is a
	// missing sheet, not a failed run.
	tempRasterKeys := ing.rasterizePages(ctx, logCtx, result, workPath, basePath, tempDir, pageCount)

	// 7-8. Detect sheet identity, persist sheet + version rows, fan out one
	// tiling job per version.
	deduper := detect.NewDeduper()
	for page := 1; page <= pageCount; page++ {
		tempKey, ok := tempRasterKeys[page]
		if !ok {
			continue
		}

		detection := detect.DetectSheetMetadata(pageTexts[page-1], set.Title, page)
		sheetNumber := deduper.Unique(detection.SheetNumber, page)

		sheet := &store.DrawingSheet{
			ID:           uuid.New(),
			DrawingSetID: set.ID,
			SheetNumber:  sheetNumber,
			SheetTitle:   detection.SheetTitle,
			Discipline:   detection.Discipline,
			SortOrder:    page,
		}
		if err := ing.db.CreateSheet(ctx, sheet); err != nil {
			return nil, err
		}

		version := &store.SheetVersion{
			ID:         uuid.New(),
			SheetID:    sheet.ID,
			RevisionID: revision.ID,
			PageIndex:  page,
			Metadata: store.ExtractedMetadata{
				TempRasterPath: tempKey,
				ContentHash:    contentHash,
				PageIndex:      page,
				Detection: store.DetectionInfo{
					Method:     detection.Method,
					Confidence: detection.Confidence,
					SourceLine: detection.SourceLine,
				},
			},
		}
		if err := ing.db.CreateSheetVersion(ctx, version); err != nil {
			return nil, err
		}
		if err := ing.db.SetSheetCurrentRevision(ctx, sheet.ID, revision.ID); err != nil {
			return nil, err
		}
		result.SheetsCreated++

		_, err := ing.db.EnqueueJob(ctx, set.OrgID, store.JobTypeGenerateDrawingTiles,
			GenerateTilesPayload{SheetVersionID: version.ID}, time.Now())
		if err != nil {
			return nil, err
		}
		result.TileJobsEnqueued++
	}

	// 9. Record the page count; the set stays "processing" until the tiling
	// cascade flips it.
	if err := ing.db.UpdateDrawingSetTotalPages(ctx, set.ID, pageCount); err != nil {
		return nil, err
	}

	// 10. Downstream read model refresh is best-effort.
	if err := ing.db.RefreshSheetSearchIndex(ctx); err != nil {
		result.warnf(logCtx, "failed to refresh sheet search index: %v", err)
	}

	logCtx.Info("Ingestion complete.",
		"sheetsCreated", result.SheetsCreated,
		"tileJobsEnqueued", result.TileJobsEnqueued,
		"warnings", len(result.Warnings),
	)
	return result, nil
}

// rasterizePages renders and uploads every page's temp raster, returning a
// map of page number to uploaded object key. Failed pages are skipped.
func (ing *Ingestor) rasterizePages(ctx context.Context, logCtx *slog.Logger, result *IngestResult, pdfPath, basePath, tempDir string, pageCount int) map[int]string {
	keys := make(map[int]string, pageCount)
	for page := 1; page <= pageCount; page++ {
		outPrefix := filepath.Join(tempDir, fmt.Sprintf("page-%d", page))
		if err := ing.pdf.RasterizePage(ctx, pdfPath, page, ing.dpi, outPrefix); err != nil {
			result.warnf(logCtx, "page %d: rasterization failed: %v", page, err)
			continue
		}
		raster, err := os.ReadFile(outPrefix + ".png")
		if err != nil {
			result.warnf(logCtx, "page %d: failed to read raster: %v", page, err)
			continue
		}

		key := fmt.Sprintf("%s/temp/page-%d.png", basePath, page)
		if err := ing.tiles.Put(ctx, key, raster, "image/png", tempCacheControl); err != nil {
			result.warnf(logCtx, "page %d: raster upload failed: %v", page, err)
			continue
		}
		keys[page] = key
	}
	return keys
}

func (r *IngestResult) warnf(logCtx *slog.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logCtx.Warn(msg)
	r.Warnings = append(r.Warnings, msg)
}
