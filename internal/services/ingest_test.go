package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colefleming/plantiler/internal/store"
)

func newIngestFixture(t *testing.T, pageCount int, texts []string) (*Ingestor, *fakeStore, *fakeBlob, ProcessDrawingSetPayload, string) {
	t.Helper()

	db := newFakeStore()
	uploads := newFakeBlob()
	tiles := newFakeBlob()

	orgID := uuid.New()
	set := db.addSet(orgID, "Permit Set")
	file := db.addFile(orgID, "uploads/drawings.pdf")

	pdfBytes := []byte("%PDF-1.7 fixture")
	require.NoError(t, uploads.Put(context.Background(), file.StorageKey, pdfBytes, "application/pdf", ""))
	hash := sha256.Sum256(pdfBytes)
	basePath := fmt.Sprintf("drawings/%s/%s", orgID, hex.EncodeToString(hash[:]))

	pdf := &fakePDF{pageCount: pageCount, texts: texts}
	ing := NewIngestor(db, uploads, tiles, pdf, 150)

	payload := ProcessDrawingSetPayload{
		DrawingSetID: set.ID,
		ProjectID:    uuid.New(),
		SourceFileID: file.ID,
	}
	return ing, db, tiles, payload, basePath
}

func TestIngestEmptyTextFallsBackToPageNames(t *testing.T) {
	ing, db, tiles, payload, basePath := newIngestFixture(t, 3, nil)

	result, err := ing.Process(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Pages)
	assert.Equal(t, 3, result.SheetsCreated)
	assert.Equal(t, 3, result.TileJobsEnqueued)
	assert.Empty(t, result.Warnings)

	sheets := db.sheetList()
	require.Len(t, sheets, 3)
	sort.Slice(sheets, func(i, j int) bool { return sheets[i].SortOrder < sheets[j].SortOrder })
	for i, sheet := range sheets {
		page := i + 1
		assert.Equal(t, fmt.Sprintf("Permit Set - Page %d", page), sheet.SheetNumber)
		assert.Equal(t, "X", sheet.Discipline)
		assert.Equal(t, page, sheet.SortOrder)
		require.NotNil(t, sheet.CurrentRevisionID)
	}

	// Temp rasters land under the content-addressed prefix.
	for page := 1; page <= 3; page++ {
		key := fmt.Sprintf("%s/temp/page-%d.png", basePath, page)
		obj, ok := tiles.objects[key]
		require.True(t, ok, "missing temp raster %s", key)
		assert.Equal(t, "image/png", obj.contentType)
		assert.Equal(t, tempCacheControl, obj.cacheControl)
	}

	set, err := db.GetDrawingSet(context.Background(), payload.DrawingSetID)
	require.NoError(t, err)
	assert.Equal(t, 3, set.TotalPages)
	assert.Equal(t, store.SetStatusProcessing, set.Status, "the set stays processing until tiling completes")
	assert.Equal(t, 1, db.searchRefreshes)
}

func TestIngestDetectsSheetIdentity(t *testing.T) {
	texts := []string{
		"FIRST FLOOR PLAN\nSHEET NO: A-101\nSCALE: 1/4\" = 1'-0\"",
		"ELECTRICAL RISER DIAGRAM\nDWG NO E-201",
	}
	ing, db, _, payload, _ := newIngestFixture(t, 2, texts)

	result, err := ing.Process(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 2, result.SheetsCreated)

	byNumber := map[string]*store.DrawingSheet{}
	for _, sheet := range db.sheetList() {
		byNumber[sheet.SheetNumber] = sheet
	}
	require.Contains(t, byNumber, "A-101")
	require.Contains(t, byNumber, "E-201")
	assert.Equal(t, "A", byNumber["A-101"].Discipline)
	assert.Equal(t, "FIRST FLOOR PLAN", byNumber["A-101"].SheetTitle)
	assert.Equal(t, "E", byNumber["E-201"].Discipline)

	// Versions carry the detection audit trail and raster pointer.
	db.mu.Lock()
	defer db.mu.Unlock()
	require.Len(t, db.versions, 2)
	for _, version := range db.versions {
		assert.NotEmpty(t, version.Metadata.TempRasterPath)
		assert.NotEmpty(t, version.Metadata.ContentHash)
		assert.Equal(t, version.PageIndex, version.Metadata.PageIndex)
		assert.Equal(t, "label", version.Metadata.Detection.Method)
		assert.Equal(t, "high", version.Metadata.Detection.Confidence)
	}
}

func TestIngestDuplicateNumbersStayUnique(t *testing.T) {
	texts := []string{
		"SHEET NO: A-101",
		"SHEET NO: A-101",
	}
	ing, db, _, payload, _ := newIngestFixture(t, 2, texts)

	_, err := ing.Process(context.Background(), payload)
	require.NoError(t, err)

	var numbers []string
	for _, sheet := range db.sheetList() {
		numbers = append(numbers, sheet.SheetNumber)
	}
	sort.Strings(numbers)
	assert.Equal(t, []string{"A-101", "A-101-P2"}, numbers)
}

func TestIngestSkipsPagesThatFailToRasterize(t *testing.T) {
	ing, db, _, payload, _ := newIngestFixture(t, 3, nil)
	ing.pdf.(*fakePDF).rasterErr = map[int]error{2: errors.New("ghostscript crashed")}

	result, err := ing.Process(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Pages)
	assert.Equal(t, 2, result.SheetsCreated)
	assert.Equal(t, 2, result.TileJobsEnqueued)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "page 2")

	pages := map[int]bool{}
	for _, sheet := range db.sheetList() {
		pages[sheet.SortOrder] = true
	}
	assert.Equal(t, map[int]bool{1: true, 3: true}, pages)

	set, err := db.GetDrawingSet(context.Background(), payload.DrawingSetID)
	require.NoError(t, err)
	assert.Equal(t, 3, set.TotalPages, "total pages counts the source, not the survivors")
}

func TestIngestTextExtractionFailureDegradesToFallback(t *testing.T) {
	ing, db, _, payload, _ := newIngestFixture(t, 2, nil)
	ing.pdf.(*fakePDF).textErr = errors.New("pdftotext missing")

	result, err := ing.Process(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 2, result.SheetsCreated)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "text extraction failed")

	for _, sheet := range db.sheetList() {
		assert.Equal(t, "X", sheet.Discipline)
	}
}

func TestIngestOptimizeFailureUsesSourceAsIs(t *testing.T) {
	ing, _, _, payload, _ := newIngestFixture(t, 1, nil)
	ing.pdf.(*fakePDF).optimizeErr = errors.New("corrupt xref")

	result, err := ing.Process(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SheetsCreated)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "pdf optimization failed")
}

func TestIngestAbortsWhenPageCountFails(t *testing.T) {
	ing, db, tiles, payload, _ := newIngestFixture(t, 0, nil)
	ing.pdf.(*fakePDF).pageCountErr = errors.New("could not parse page count from pdfinfo output")

	_, err := ing.Process(context.Background(), payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to determine page count")

	// Nothing downstream runs: no sheets, no jobs, no uploads. The job is
	// left to the worker's retry policy.
	assert.Empty(t, db.sheetList())
	db.mu.Lock()
	assert.Empty(t, db.jobs)
	assert.Empty(t, db.revisions, "the revision is created only after the page count is known")
	db.mu.Unlock()
	assert.Zero(t, tiles.putCount())
}

func TestIngestRejectsIncompletePayload(t *testing.T) {
	ing, _, _, payload, _ := newIngestFixture(t, 1, nil)
	payload.SourceFileID = uuid.Nil

	_, err := ing.Process(context.Background(), payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid payload")
}
