// Package crop computes pixel-aligned crop windows for geometries laid on a
// raster pixel grid.
package crop

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geo-align/internal/geo"
)

var (
	// ErrInvalidOffset marks bbox offsets that are not an [x,y] pair.
	ErrInvalidOffset = errors.New("invalid bbox offsets")

	// ErrAmbiguousCropSpec marks a request carrying both a pixel and a
	// real-world crop size.
	ErrAmbiguousCropSpec = errors.New("ambiguous crop size")
)

// BBox returns the corners of the geometry's axis-aligned bounding box,
// normalized so the first point carries the component-wise minima. With
// offsets, a box of half-widths (dx,dy) is centered on the centroid instead
// of using the natural extent.
func BBox(g orb.Geometry, offsets []float64) (tl, br orb.Point, err error) {
	if len(offsets) > 0 && len(offsets) != 2 {
		return orb.Point{}, orb.Point{}, fmt.Errorf("%w: got %d values, want 2", ErrInvalidOffset, len(offsets))
	}
	if len(offsets) == 2 {
		c := geo.Centroid(g)
		tl = orb.Point{c[0] - offsets[0], c[1] + offsets[1]}
		br = orb.Point{c[0] + offsets[0], c[1] - offsets[1]}
	} else {
		b := g.Bound()
		tl = orb.Point{b.Min[0], b.Max[1]}
		br = orb.Point{b.Max[0], b.Min[1]}
	}
	return orb.Point{math.Min(tl[0], br[0]), math.Min(tl[1], br[1])},
		orb.Point{math.Max(tl[0], br[0]), math.Max(tl[1], br[1])}, nil
}

// Window is a pixel-aligned crop around a geometry. TopLeft and BottomRight
// are the snapped corners back in geo coordinates; ROI is the rectangle
// between them with vertices in (tl, tr, br, bl) order.
type Window struct {
	ROI         orb.Polygon
	TopLeft     orb.Point
	BottomRight orb.Point
	Width       int
	Height      int
}

// Options tunes a Compute call. Zero values mean absent.
type Options struct {
	// Buffer grows the geometry by this distance before the bounding box is
	// taken. Buffering by zero still normalizes the geometry, so the field
	// is a pointer to keep zero distinguishable from unset.
	Buffer *float64
	// PixelCrop forces the window to exactly this many pixels per side.
	PixelCrop int
	// RealCrop forces the window to cover this many geometry units per side.
	RealCrop float64
}

// Compute derives the pixel crop window of a geometry on a grid with the
// given resolution and skew. The grid origin never enters the math; only
// scale and shear do.
func Compute(g orb.Geometry, pixelSize, skew [2]float64, opts Options) (Window, error) {
	if opts.PixelCrop != 0 && opts.RealCrop != 0 {
		return Window{}, fmt.Errorf("%w: pixel and real crop sizes are mutually exclusive", ErrAmbiguousCropSpec)
	}
	if opts.Buffer != nil {
		buffered, err := geo.Buffer(g, *opts.Buffer)
		if err != nil {
			return Window{}, err
		}
		g = buffered
	}
	local, err := geo.NewGeoTransform([6]float64{0, pixelSize[0], skew[0], 0, skew[1], pixelSize[1]})
	if err != nil {
		return Window{}, err
	}

	var offsets []float64
	switch {
	case opts.PixelCrop != 0:
		span := local.GeoOf(float64(opts.PixelCrop), float64(opts.PixelCrop))
		offsets = []float64{math.Abs(span[0] / 2), math.Abs(span[1] / 2)}
	case opts.RealCrop != 0:
		half := opts.RealCrop / 2
		offsets = []float64{half, half}
	}
	tl, br, err := BBox(g, offsets)
	if err != nil {
		return Window{}, err
	}

	tlColReal, tlRowReal, err := local.PixelOf(tl)
	if err != nil {
		return Window{}, err
	}
	tlCol, tlRow := int(math.Floor(tlColReal)), int(math.Floor(tlRowReal))

	var brCol, brRow, width, height int
	if opts.PixelCrop != 0 {
		// Fixed pixel crops pin the window size exactly, immune to rounding.
		width, height = opts.PixelCrop, opts.PixelCrop
		brCol, brRow = tlCol+opts.PixelCrop, tlRow+opts.PixelCrop
	} else {
		brColReal, brRowReal, err := local.PixelOf(br)
		if err != nil {
			return Window{}, err
		}
		brCol, brRow = int(math.Ceil(brColReal)), int(math.Ceil(brRowReal))
		width = max(brCol-tlCol, 1)
		height = max(brRow-tlRow, 1)
	}

	tlGeo := local.GeoOf(float64(tlCol), float64(tlRow))
	brGeo := local.GeoOf(float64(brCol), float64(brRow))
	roi := orb.Polygon{orb.Ring{
		tlGeo,
		{brGeo[0], tlGeo[1]},
		brGeo,
		{tlGeo[0], brGeo[1]},
		tlGeo,
	}}
	return Window{
		ROI:         roi,
		TopLeft:     tlGeo,
		BottomRight: brGeo,
		Width:       width,
		Height:      height,
	}, nil
}
