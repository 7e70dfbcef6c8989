// Package compose stitches the tiles of a tiling plan back into a single
// canvas and encodes it as JPEG.
package compose

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png" // screenshots arrive as PNG

	"golang.org/x/image/draw"

	"github.com/entrhq/charsnap/pkg/tiles"
)

// DefaultQuality is the JPEG quality used when Options.Quality is zero.
const DefaultQuality = 95

var ErrDecode = errors.New("compose: cannot decode raster")

// Options configures a Compositor.
type Options struct {
	// Width of the output canvas in pixels.
	Width int

	// Quality is the JPEG quality, 1-100.
	Quality int

	// Background fills canvas rows no tile covers.
	Background color.Color
}

// Compositor pastes planned tiles onto a blank canvas.
type Compositor struct {
	width      int
	quality    int
	background color.Color
}

// New creates a compositor with the given options.
func New(opts Options) (*Compositor, error) {
	if opts.Width <= 0 {
		return nil, fmt.Errorf("compose: width must be positive, got %d", opts.Width)
	}
	if opts.Quality == 0 {
		opts.Quality = DefaultQuality
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		return nil, fmt.Errorf("compose: quality must be between 1 and 100, got %d", opts.Quality)
	}
	if opts.Background == nil {
		opts.Background = color.White
	}
	return &Compositor{width: opts.Width, quality: opts.Quality, background: opts.Background}, nil
}

// RasterSize reads the pixel dimensions of an encoded raster without
// decoding its pixels.
func RasterSize(raster []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raster))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return cfg.Width, cfg.Height, nil
}

// Compose decodes raster once, pastes every tile of plan at its offset and
// returns the JPEG encoding of the canvas. A later tile overwrites the
// overlap band of the one before it; both hold the same source rows.
func (c *Compositor) Compose(raster []byte, plan tiles.Plan) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raster))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	canvas, err := c.Stitch(src, plan)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("compose: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Stitch builds the canvas for plan from an already decoded source image.
func (c *Compositor) Stitch(src image.Image, plan tiles.Plan) (*image.RGBA, error) {
	if plan.TileCount <= 0 || plan.CanvasHeight <= 0 {
		return nil, fmt.Errorf("compose: empty plan")
	}

	canvas := image.NewRGBA(image.Rect(0, 0, c.width, plan.CanvasHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(c.background), image.Point{}, draw.Src)

	origin := src.Bounds().Min
	for _, tile := range plan.All() {
		crop := image.Rect(0, tile.StartY, c.width, tile.EndY).Add(origin).Intersect(src.Bounds())
		if crop.Empty() {
			continue
		}
		dst := image.Pt(0, tile.PasteY)
		draw.Copy(canvas, dst, src, crop, draw.Src, nil)
	}
	return canvas, nil
}
