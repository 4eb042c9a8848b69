// Package pyramid builds deep-zoom tile pyramids from a single source
// raster. Level maxLevel is full resolution; each level below it halves
// both dimensions until level 0 fits in a single ~1px tile. The package is
// pure: callers decide where tiles go.
package pyramid

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	xdraw "golang.org/x/image/draw"
)

// Pyramid parameters. Tiles are PNG, 256px square, no overlap; edge tiles
// are clipped to the remaining pixels rather than padded.
const (
	TileSize   = 256
	TileFormat = "png"
	Overlap    = 0
)

// Manifest describes one pyramid to the viewer. Levels is non-standard: the
// viewer uses it to tell a true pyramid from a single-level stub.
type Manifest struct {
	Image ManifestImage `json:"Image"`
}

type ManifestImage struct {
	Format   string       `json:"Format"`
	Overlap  int          `json:"Overlap"`
	TileSize int          `json:"TileSize"`
	Levels   int          `json:"Levels"`
	Size     ManifestSize `json:"Size"`
}

type ManifestSize struct {
	Width  int `json:"Width"`
	Height int `json:"Height"`
}

// Tile is one slice of one level.
type Tile struct {
	Level int
	X     int
	Y     int
	Image image.Image
}

// MaxLevel returns ceil(log2(max(w, h))): the level index at which the
// source is full resolution. The pyramid has MaxLevel+1 levels.
func MaxLevel(w, h int) int {
	maxDim := w
	if h > maxDim {
		maxDim = h
	}
	if maxDim < 1 {
		maxDim = 1
	}
	level := 0
	for size := 1; size < maxDim; size <<= 1 {
		level++
	}
	return level
}

// LevelDims returns level L's dimensions: the source scaled by
// 1/2^(maxLevel-L), each dimension rounded up to at least 1px.
func LevelDims(w, h, level, maxLevel int) (int, int) {
	denom := 1 << (maxLevel - level)
	lw := (w + denom - 1) / denom
	lh := (h + denom - 1) / denom
	if lw < 1 {
		lw = 1
	}
	if lh < 1 {
		lh = 1
	}
	return lw, lh
}

// RenderLevel resizes the source to one level's exact dimensions. Only one
// level buffer is materialized at a time; callers iterate levels
// sequentially to bound peak memory.
func RenderLevel(src image.Image, level, maxLevel int) *image.RGBA {
	bounds := src.Bounds()
	lw, lh := LevelDims(bounds.Dx(), bounds.Dy(), level, maxLevel)
	dst := image.NewRGBA(image.Rect(0, 0, lw, lh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
	return dst
}

// SliceTiles cuts one rendered level into its tile grid:
// ceil(w/256) x ceil(h/256) tiles, edge tiles clipped.
func SliceTiles(level int, img *image.RGBA) []Tile {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	cols := (w + TileSize - 1) / TileSize
	rows := (h + TileSize - 1) / TileSize

	tiles := make([]Tile, 0, cols*rows)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			rect := image.Rect(
				x*TileSize,
				y*TileSize,
				min((x+1)*TileSize, w),
				min((y+1)*TileSize, h),
			)
			tiles = append(tiles, Tile{
				Level: level,
				X:     x,
				Y:     y,
				Image: img.SubImage(rect),
			})
		}
	}
	return tiles
}

// Thumbnail renders a center-fit thumbnail on a white square canvas.
func Thumbnail(src image.Image, size int) *image.RGBA {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	scale := float64(size) / float64(w)
	if hScale := float64(size) / float64(h); hScale < scale {
		scale = hScale
	}
	if scale > 1 {
		scale = 1
	}
	tw := int(float64(w) * scale)
	th := int(float64(h) * scale)
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	offsetX := (size - tw) / 2
	offsetY := (size - th) / 2
	target := image.Rect(offsetX, offsetY, offsetX+tw, offsetY+th)
	xdraw.CatmullRom.Scale(canvas, target, src, bounds, xdraw.Over, nil)
	return canvas
}

// NewManifest builds the manifest for a pyramid of the given source size.
func NewManifest(w, h, levels int) Manifest {
	return Manifest{
		Image: ManifestImage{
			Format:   TileFormat,
			Overlap:  Overlap,
			TileSize: TileSize,
			Levels:   levels,
			Size:     ManifestSize{Width: w, Height: h},
		},
	}
}

// MarshalManifest serializes a manifest to its stored JSON form.
func MarshalManifest(m Manifest) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tile manifest: %w", err)
	}
	return data, nil
}

// EncodePNG serializes one image to PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
