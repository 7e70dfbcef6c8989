// Package tiles computes how a tall content raster is cut into overlapping,
// phone-sized tiles and how tall the reassembled canvas must be.
//
// Everything here is pure arithmetic on pixel rows; no image data is touched.
package tiles

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidGeometry = errors.New("tiles: invalid geometry")

// Plan describes the tiling of a content region of ContentHeight rows.
type Plan struct {
	ContentHeight int
	SliceHeight   int
	Overlap       int

	// Step is the vertical distance between consecutive tile origins.
	Step int

	TileCount    int
	CanvasHeight int
}

// Tile is the source row range [StartY, EndY) of one tile and where it lands
// on the canvas.
type Tile struct {
	Index  int
	StartY int
	EndY   int
	PasteY int
}

// Height returns the number of rows covered by the tile.
func (t Tile) Height() int {
	return t.EndY - t.StartY
}

// NewPlan computes the tiling for contentHeight rows cut into tiles of
// sliceHeight rows that share overlap rows with their successor.
func NewPlan(contentHeight, sliceHeight, overlap int) (Plan, error) {
	if contentHeight <= 0 {
		return Plan{}, fmt.Errorf("%w: content height must be positive, got %d", ErrInvalidGeometry, contentHeight)
	}
	if overlap < 0 {
		return Plan{}, fmt.Errorf("%w: overlap cannot be negative, got %d", ErrInvalidGeometry, overlap)
	}
	if sliceHeight <= overlap {
		return Plan{}, fmt.Errorf("%w: slice height %d must exceed overlap %d", ErrInvalidGeometry, sliceHeight, overlap)
	}

	step := sliceHeight - overlap
	count := 1
	if contentHeight > sliceHeight {
		count = (contentHeight + step - 1) / step
	}

	last := (count - 1) * step
	canvas := last + min(sliceHeight, contentHeight-last)

	return Plan{
		ContentHeight: contentHeight,
		SliceHeight:   sliceHeight,
		Overlap:       overlap,
		Step:          step,
		TileCount:     count,
		CanvasHeight:  canvas,
	}, nil
}

// Bounds returns the source row range of tile i. The last tile is clamped to
// ContentHeight so it never reads past the raster.
func (p Plan) Bounds(i int) (startY, endY int) {
	startY = i * p.Step
	endY = min(startY+p.SliceHeight, p.ContentHeight)
	return startY, endY
}

// Tile returns tile i with its paste offset.
func (p Plan) Tile(i int) Tile {
	start, end := p.Bounds(i)
	return Tile{Index: i, StartY: start, EndY: end, PasteY: i * p.Step}
}

// All returns every tile, top to bottom.
func (p Plan) All() []Tile {
	out := make([]Tile, 0, p.TileCount)
	for i := 0; i < p.TileCount; i++ {
		out = append(out, p.Tile(i))
	}
	return out
}

// SliceHeight returns the height of a tile that is width pixels wide with an
// aspectW:aspectH portrait ratio, rounded to the nearest row. 600 wide at 9:16
// gives 1067.
func SliceHeight(width, aspectW, aspectH int) int {
	if aspectW <= 0 {
		return 0
	}
	return int(math.Round(float64(width) * float64(aspectH) / float64(aspectW)))
}
