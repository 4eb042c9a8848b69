package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colefleming/plantiler/internal/store"
)

// fakeStore is an in-memory MetadataStore. Methods hold the lock for their
// whole body; the handlers under test call it from multiple goroutines.
type fakeStore struct {
	mu       sync.Mutex
	sets     map[uuid.UUID]*store.DrawingSet
	files    map[uuid.UUID]*store.File
	sheets   map[uuid.UUID]*store.DrawingSheet
	versions map[uuid.UUID]*store.SheetVersion

	revisions []*store.DrawingRevision
	jobs      []enqueuedJob

	searchRefreshes int
	refreshErr      error
}

type enqueuedJob struct {
	orgID   uuid.UUID
	jobType store.JobType
	payload any
	runAt   time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sets:     make(map[uuid.UUID]*store.DrawingSet),
		files:    make(map[uuid.UUID]*store.File),
		sheets:   make(map[uuid.UUID]*store.DrawingSheet),
		versions: make(map[uuid.UUID]*store.SheetVersion),
	}
}

func (f *fakeStore) addSet(orgID uuid.UUID, title string) *store.DrawingSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := &store.DrawingSet{ID: uuid.New(), OrgID: orgID, Title: title, Status: store.SetStatusProcessing}
	f.sets[set.ID] = set
	return set
}

func (f *fakeStore) addFile(orgID uuid.UUID, storageKey string) *store.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	file := &store.File{ID: uuid.New(), OrgID: orgID, StorageKey: storageKey, Filename: "drawings.pdf", ContentType: "application/pdf"}
	f.files[file.ID] = file
	return file
}

func (f *fakeStore) GetDrawingSet(ctx context.Context, id uuid.UUID) (*store.DrawingSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[id]
	if !ok {
		return nil, fmt.Errorf("drawing set %s not found", id)
	}
	cp := *set
	return &cp, nil
}

func (f *fakeStore) GetFile(ctx context.Context, id uuid.UUID) (*store.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s not found", id)
	}
	cp := *file
	return &cp, nil
}

func (f *fakeStore) CreateRevision(ctx context.Context, rev *store.DrawingRevision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rev
	f.revisions = append(f.revisions, &cp)
	return nil
}

func (f *fakeStore) CreateSheet(ctx context.Context, sheet *store.DrawingSheet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sheet
	f.sheets[sheet.ID] = &cp
	return nil
}

func (f *fakeStore) CreateSheetVersion(ctx context.Context, version *store.SheetVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *version
	f.versions[version.ID] = &cp
	return nil
}

func (f *fakeStore) SetSheetCurrentRevision(ctx context.Context, sheetID, revisionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sheet, ok := f.sheets[sheetID]
	if !ok {
		return fmt.Errorf("sheet %s not found", sheetID)
	}
	rev := revisionID
	sheet.CurrentRevisionID = &rev
	return nil
}

func (f *fakeStore) UpdateDrawingSetTotalPages(ctx context.Context, id uuid.UUID, totalPages int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[id]
	if !ok {
		return fmt.Errorf("drawing set %s not found", id)
	}
	set.TotalPages = totalPages
	return nil
}

func (f *fakeStore) EnqueueJob(ctx context.Context, orgID uuid.UUID, jobType store.JobType, payload any, runAt time.Time) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, enqueuedJob{orgID: orgID, jobType: jobType, payload: payload, runAt: runAt})
	return uuid.New(), nil
}

func (f *fakeStore) RefreshSheetSearchIndex(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.searchRefreshes++
	return nil
}

// GetSheetVersion mirrors the production query: org and set context come
// from the owning sheet's set.
func (f *fakeStore) GetSheetVersion(ctx context.Context, id uuid.UUID) (*store.SheetVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	version, ok := f.versions[id]
	if !ok {
		return nil, fmt.Errorf("sheet version %s not found", id)
	}
	cp := *version
	if sheet, ok := f.sheets[version.SheetID]; ok {
		if set, ok := f.sets[sheet.DrawingSetID]; ok {
			cp.DrawingSetID = set.ID
			cp.OrgID = set.OrgID
		}
	}
	return &cp, nil
}

func (f *fakeStore) UpdateSheetVersionTiles(ctx context.Context, id uuid.UUID, update store.TileUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	version, ok := f.versions[id]
	if !ok {
		return fmt.Errorf("sheet version %s not found", id)
	}
	version.TileManifest = update.Manifest
	version.TileBaseURL = update.BaseURL
	version.TileLevels = update.Levels
	version.ImageWidth = update.ImageWidth
	version.ImageHeight = update.ImageHeight
	version.ThumbnailURL = update.ThumbnailURL
	now := time.Now()
	version.TiledAt = &now
	return nil
}

func (f *fakeStore) ListProcessingSets(ctx context.Context, orgID uuid.UUID) ([]store.DrawingSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.DrawingSet
	for _, set := range f.sets {
		if set.OrgID == orgID && set.Status == store.SetStatusProcessing {
			out = append(out, *set)
		}
	}
	return out, nil
}

func (f *fakeStore) SheetTileCounts(ctx context.Context, setID uuid.UUID) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total, tiled := 0, 0
	for _, sheet := range f.sheets {
		if sheet.DrawingSetID != setID {
			continue
		}
		total++
		for _, version := range f.versions {
			if version.SheetID == sheet.ID && version.HasTiles() {
				tiled++
				break
			}
		}
	}
	return total, tiled, nil
}

func (f *fakeStore) MarkDrawingSetReady(ctx context.Context, setID uuid.UUID, processedPages int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[setID]
	if !ok {
		return fmt.Errorf("drawing set %s not found", setID)
	}
	if set.Status != store.SetStatusProcessing {
		return nil
	}
	set.Status = store.SetStatusReady
	set.ProcessedPages = processedPages
	return nil
}

func (f *fakeStore) sheetList() []*store.DrawingSheet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.DrawingSheet, 0, len(f.sheets))
	for _, sheet := range f.sheets {
		cp := *sheet
		out = append(out, &cp)
	}
	return out
}

// fakeBlob is an in-memory BlobStore that records cache-control headers and
// deletions.
type fakeBlob struct {
	mu      sync.Mutex
	objects map[string]blobObject
	puts    int
	deleted []string
}

type blobObject struct {
	data         []byte
	contentType  string
	cacheControl string
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{objects: make(map[string]blobObject)}
}

func (b *fakeBlob) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return obj.data, nil
}

func (b *fakeBlob) Put(ctx context.Context, key string, data []byte, contentType, cacheControl string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	b.objects[key] = blobObject{data: data, contentType: contentType, cacheControl: cacheControl}
	return nil
}

func (b *fakeBlob) DeleteMany(ctx context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.objects, key)
		b.deleted = append(b.deleted, key)
	}
	return nil
}

func (b *fakeBlob) keysWithPrefix(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for key := range b.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, key)
		}
	}
	return out
}

func (b *fakeBlob) putCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}

// fakePDF stands in for the external PDF toolchain. RasterizePage writes a
// real PNG so the read-back path in the ingestor is exercised.
type fakePDF struct {
	pageCount    int
	pageCountErr error
	texts        []string
	textErr      error
	optimizeErr  error
	rasterErr    map[int]error
	rasterImage  image.Image
}

func (p *fakePDF) PageCount(ctx context.Context, pdfPath string) (int, error) {
	if p.pageCountErr != nil {
		return 0, p.pageCountErr
	}
	return p.pageCount, nil
}

func (p *fakePDF) ExtractText(ctx context.Context, pdfPath string, pageCount int) ([]string, error) {
	if p.textErr != nil {
		return nil, p.textErr
	}
	out := make([]string, pageCount)
	copy(out, p.texts)
	return out, nil
}

func (p *fakePDF) RasterizePage(ctx context.Context, pdfPath string, page, dpi int, outPrefix string) error {
	if err, ok := p.rasterErr[page]; ok {
		return err
	}
	img := p.rasterImage
	if img == nil {
		img = testRaster(64, 48)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}
	return os.WriteFile(outPrefix+".png", buf.Bytes(), 0o600)
}

func (p *fakePDF) Optimize(ctx context.Context, inPath, outPath string) error {
	if p.optimizeErr != nil {
		return p.optimizeErr
	}
	data, err := os.ReadFile(inPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, data, 0o600)
}

// testRaster is a white canvas with a red band, distinguishable from pure
// white after resampling.
func testRaster(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if y > h/3 && y < 2*h/3 {
				img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
			} else {
				img.Set(x, y, color.White)
			}
		}
	}
	return img
}
