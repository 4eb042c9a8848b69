package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/colefleming/plantiler/internal/store"
)

// Cache-control policies for derived artifacts. Tiles and manifests are
// content-addressed (the object path embeds the source content hash), so
// they can be cached forever; temp rasters are superseded once the pyramid
// exists.
const (
	immutableCacheControl = "public, max-age=31536000, immutable"
	tempCacheControl      = "private, max-age=3600"
)

// BlobStore is the slice of the object store the handlers need. Satisfied
// by gcp.ObjectStore; tests substitute an in-memory fake.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType, cacheControl string) error
	DeleteMany(ctx context.Context, keys []string) error
}

// MetadataStore is the slice of the relational store the handlers need.
// Satisfied by store.Store.
type MetadataStore interface {
	GetDrawingSet(ctx context.Context, id uuid.UUID) (*store.DrawingSet, error)
	GetFile(ctx context.Context, id uuid.UUID) (*store.File, error)
	CreateRevision(ctx context.Context, rev *store.DrawingRevision) error
	CreateSheet(ctx context.Context, sheet *store.DrawingSheet) error
	CreateSheetVersion(ctx context.Context, version *store.SheetVersion) error
	SetSheetCurrentRevision(ctx context.Context, sheetID, revisionID uuid.UUID) error
	UpdateDrawingSetTotalPages(ctx context.Context, id uuid.UUID, totalPages int) error
	EnqueueJob(ctx context.Context, orgID uuid.UUID, jobType store.JobType, payload any, runAt time.Time) (uuid.UUID, error)
	RefreshSheetSearchIndex(ctx context.Context) error

	GetSheetVersion(ctx context.Context, id uuid.UUID) (*store.SheetVersion, error)
	UpdateSheetVersionTiles(ctx context.Context, id uuid.UUID, update store.TileUpdate) error
	ListProcessingSets(ctx context.Context, orgID uuid.UUID) ([]store.DrawingSet, error)
	SheetTileCounts(ctx context.Context, setID uuid.UUID) (total int, tiled int, err error)
	MarkDrawingSetReady(ctx context.Context, setID uuid.UUID, processedPages int) error
}

// PDFRunner is the external PDF tooling surface. Satisfied by
// pdftool.Runner.
type PDFRunner interface {
	PageCount(ctx context.Context, pdfPath string) (int, error)
	ExtractText(ctx context.Context, pdfPath string, pageCount int) ([]string, error)
	RasterizePage(ctx context.Context, pdfPath string, page, dpi int, outPrefix string) error
	Optimize(ctx context.Context, inPath, outPath string) error
}
