package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DrawingSetStatus tracks a set through the pipeline.
type DrawingSetStatus string

const (
	SetStatusProcessing DrawingSetStatus = "processing"
	SetStatusReady      DrawingSetStatus = "ready"
	SetStatusFailed     DrawingSetStatus = "failed"
)

// JobStatus is the queue-side state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobType identifies which handler a job is dispatched to. The pipeline
// knows exactly two kinds.
type JobType string

const (
	JobTypeProcessDrawingSet    JobType = "process_drawing_set"
	JobTypeGenerateDrawingTiles JobType = "generate_drawing_tiles"
)

// KnownJobTypes lists every job type the worker will claim.
var KnownJobTypes = []JobType{JobTypeProcessDrawingSet, JobTypeGenerateDrawingTiles}

// DrawingSet is one user-uploaded multi-page PDF of construction drawings.
type DrawingSet struct {
	ID             uuid.UUID
	OrgID          uuid.UUID
	Title          string
	Status         DrawingSetStatus
	TotalPages     int
	ProcessedPages int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// File is a record in the upload registry. The pipeline only reads it.
type File struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	StorageKey  string
	Filename    string
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
}

// DrawingRevision is a named issuance of a drawing set.
type DrawingRevision struct {
	ID           uuid.UUID
	DrawingSetID uuid.UUID
	Name         string
	CreatedAt    time.Time
}

// DrawingSheet is one logical sheet: one PDF page at creation time.
// SheetNumber is unique per set, case-insensitive.
type DrawingSheet struct {
	ID                uuid.UUID
	DrawingSetID      uuid.UUID
	SheetNumber       string
	SheetTitle        string
	Discipline        string
	SortOrder         int
	CurrentRevisionID *uuid.UUID
	CreatedAt         time.Time
}

// DetectionInfo records how the sheet metadata detector arrived at its
// answer, kept for later auditability.
type DetectionInfo struct {
	Method     string `json:"method"`
	Confidence string `json:"confidence"`
	SourceLine string `json:"sourceLine,omitempty"`
}

// ExtractedMetadata is the JSON blob stored on a sheet version at ingestion
// time. It carries everything the tiling job needs to find the temp raster.
type ExtractedMetadata struct {
	TempRasterPath string        `json:"tempRasterPath"`
	ContentHash    string        `json:"contentHash"`
	PageIndex      int           `json:"pageIndex"`
	Detection      DetectionInfo `json:"detection"`
}

// SheetVersion is the renderable artifact for one (sheet, revision) pair.
// A version either has no tile manifest (pending) or a complete one whose
// size and level count match ImageWidth/ImageHeight/TileLevels.
//
// OrgID and DrawingSetID are denormalized from the owning sheet's set on
// read so handlers don't need extra lookups.
type SheetVersion struct {
	ID           uuid.UUID
	SheetID      uuid.UUID
	RevisionID   uuid.UUID
	DrawingSetID uuid.UUID
	OrgID        uuid.UUID
	PageIndex    int
	Metadata     ExtractedMetadata
	TileManifest json.RawMessage
	TileBaseURL  string
	TileLevels   int
	ImageWidth   int
	ImageHeight  int
	ThumbnailURL string
	TiledAt      *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasTiles reports whether the version already carries a complete pyramid.
func (v *SheetVersion) HasTiles() bool {
	return len(v.TileManifest) > 0 && v.TileBaseURL != ""
}

// TileUpdate is the set of fields written back to a sheet version once its
// pyramid exists.
type TileUpdate struct {
	Manifest     json.RawMessage
	BaseURL      string
	Levels       int
	ImageWidth   int
	ImageHeight  int
	ThumbnailURL string
}

// Job is one durable queue record.
type Job struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	JobType    JobType
	Payload    json.RawMessage
	Status     JobStatus
	RetryCount int
	RunAt      time.Time
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
