package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetDrawingSet loads one drawing set by id.
func (s *Store) GetDrawingSet(ctx context.Context, id uuid.UUID) (*DrawingSet, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, title, status, total_pages, processed_pages, created_at, updated_at
		FROM drawing_sets WHERE id = $1`, id)

	var set DrawingSet
	err := row.Scan(&set.ID, &set.OrgID, &set.Title, &set.Status, &set.TotalPages,
		&set.ProcessedPages, &set.CreatedAt, &set.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("drawing set not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get drawing set: %w", err)
	}
	return &set, nil
}

// GetFile loads one upload registry record by id.
func (s *Store) GetFile(ctx context.Context, id uuid.UUID) (*File, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, storage_key, filename, content_type, size_bytes, created_at
		FROM files WHERE id = $1`, id)

	var f File
	err := row.Scan(&f.ID, &f.OrgID, &f.StorageKey, &f.Filename, &f.ContentType, &f.SizeBytes, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("file not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return &f, nil
}

// CreateRevision inserts a new drawing revision.
func (s *Store) CreateRevision(ctx context.Context, rev *DrawingRevision) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO drawing_revisions (id, drawing_set_id, name)
		VALUES ($1, $2, $3)`,
		rev.ID, rev.DrawingSetID, rev.Name)
	if err != nil {
		return fmt.Errorf("failed to create revision: %w", err)
	}
	return nil
}

// CreateSheet inserts a new drawing sheet.
func (s *Store) CreateSheet(ctx context.Context, sheet *DrawingSheet) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO drawing_sheets (id, drawing_set_id, sheet_number, sheet_title, discipline, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sheet.ID, sheet.DrawingSetID, sheet.SheetNumber, sheet.SheetTitle, sheet.Discipline, sheet.SortOrder)
	if err != nil {
		return fmt.Errorf("failed to create sheet %q: %w", sheet.SheetNumber, err)
	}
	return nil
}

// CreateSheetVersion inserts a new sheet version with its extracted metadata.
func (s *Store) CreateSheetVersion(ctx context.Context, version *SheetVersion) error {
	metadata, err := json.Marshal(version.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal extracted metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO drawing_sheet_versions (id, sheet_id, revision_id, page_index, extracted_metadata)
		VALUES ($1, $2, $3, $4, $5)`,
		version.ID, version.SheetID, version.RevisionID, version.PageIndex, metadata)
	if err != nil {
		return fmt.Errorf("failed to create sheet version: %w", err)
	}
	return nil
}

// SetSheetCurrentRevision points a sheet at its current revision.
func (s *Store) SetSheetCurrentRevision(ctx context.Context, sheetID, revisionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE drawing_sheets SET current_revision_id = $2 WHERE id = $1`,
		sheetID, revisionID)
	if err != nil {
		return fmt.Errorf("failed to set current revision: %w", err)
	}
	return nil
}

// UpdateDrawingSetTotalPages records the page count discovered at ingestion.
func (s *Store) UpdateDrawingSetTotalPages(ctx context.Context, id uuid.UUID, totalPages int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE drawing_sets SET total_pages = $2, updated_at = now() WHERE id = $1`,
		id, totalPages)
	if err != nil {
		return fmt.Errorf("failed to update total pages: %w", err)
	}
	return nil
}

// GetSheetVersion loads one sheet version joined with its owning sheet and
// set so callers get the org and set context in one read.
func (s *Store) GetSheetVersion(ctx context.Context, id uuid.UUID) (*SheetVersion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT v.id, v.sheet_id, v.revision_id, sh.drawing_set_id, ds.org_id,
		       v.page_index, v.extracted_metadata, v.tile_manifest,
		       COALESCE(v.tile_base_url, ''), v.tile_levels,
		       v.image_width, v.image_height, COALESCE(v.thumbnail_url, ''),
		       v.tiled_at, v.created_at, v.updated_at
		FROM drawing_sheet_versions v
		JOIN drawing_sheets sh ON sh.id = v.sheet_id
		JOIN drawing_sets ds ON ds.id = sh.drawing_set_id
		WHERE v.id = $1`, id)

	var v SheetVersion
	var metadata []byte
	err := row.Scan(&v.ID, &v.SheetID, &v.RevisionID, &v.DrawingSetID, &v.OrgID,
		&v.PageIndex, &metadata, &v.TileManifest,
		&v.TileBaseURL, &v.TileLevels,
		&v.ImageWidth, &v.ImageHeight, &v.ThumbnailURL,
		&v.TiledAt, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("sheet version not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get sheet version: %w", err)
	}
	if err := json.Unmarshal(metadata, &v.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extracted metadata: %w", err)
	}
	return &v, nil
}

// UpdateSheetVersionTiles writes the completed pyramid back onto a version.
func (s *Store) UpdateSheetVersionTiles(ctx context.Context, id uuid.UUID, update TileUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE drawing_sheet_versions
		SET tile_manifest = $2, tile_base_url = $3, tile_levels = $4,
		    image_width = $5, image_height = $6, thumbnail_url = $7,
		    tiled_at = now(), updated_at = now()
		WHERE id = $1`,
		id, update.Manifest, update.BaseURL, update.Levels,
		update.ImageWidth, update.ImageHeight, update.ThumbnailURL)
	if err != nil {
		return fmt.Errorf("failed to update sheet version tiles: %w", err)
	}
	return nil
}

// ListProcessingSets returns every drawing set in the org still marked
// processing. The tiling cascade re-evaluates each of them from scratch.
func (s *Store) ListProcessingSets(ctx context.Context, orgID uuid.UUID) ([]DrawingSet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, title, status, total_pages, processed_pages, created_at, updated_at
		FROM drawing_sets WHERE org_id = $1 AND status = 'processing'`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing sets: %w", err)
	}
	defer rows.Close()

	var sets []DrawingSet
	for rows.Next() {
		var set DrawingSet
		if err := rows.Scan(&set.ID, &set.OrgID, &set.Title, &set.Status, &set.TotalPages,
			&set.ProcessedPages, &set.CreatedAt, &set.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan drawing set: %w", err)
		}
		sets = append(sets, set)
	}
	return sets, rows.Err()
}

// SheetTileCounts returns how many sheets a set has and how many of them
// already have at least one version with a tile manifest.
func (s *Store) SheetTileCounts(ctx context.Context, setID uuid.UUID) (total int, tiled int, err error) {
	row := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE EXISTS (
		           SELECT 1 FROM drawing_sheet_versions v
		           WHERE v.sheet_id = sh.id AND v.tile_manifest IS NOT NULL
		       ))
		FROM drawing_sheets sh
		WHERE sh.drawing_set_id = $1`, setID)
	if err := row.Scan(&total, &tiled); err != nil {
		return 0, 0, fmt.Errorf("failed to count tiled sheets: %w", err)
	}
	return total, tiled, nil
}

// MarkDrawingSetReady flips a fully tiled set to ready.
func (s *Store) MarkDrawingSetReady(ctx context.Context, setID uuid.UUID, processedPages int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE drawing_sets
		SET status = 'ready', processed_pages = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		setID, processedPages)
	if err != nil {
		return fmt.Errorf("failed to mark drawing set ready: %w", err)
	}
	return nil
}

// RefreshSheetSearchIndex rebuilds the read-optimized sheet view.
func (s *Store) RefreshSheetSearchIndex(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY sheet_search_index`); err != nil {
		return fmt.Errorf("failed to refresh sheet search index: %w", err)
	}
	return nil
}
