// Package geo holds the affine pixel/geo math and the geometry operations
// shared by the raster and feature pipelines.
package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// ErrDegenerateTransform marks a geotransform that cannot be used: zero
// pixel resolution at construction, or a non-invertible matrix when mapping
// geo coordinates back to pixels.
var ErrDegenerateTransform = errors.New("degenerate geotransform")

const detEpsilon = 1e-12

// GeoTransform is the 6-parameter affine map from pixel (col,row) to geo
// (x,y) space, in GDAL parameter order:
//
//	x = p[0] + col*p[1] + row*p[2]
//	y = p[3] + col*p[4] + row*p[5]
//
// Values are immutable after construction.
type GeoTransform struct {
	p [6]float64
}

// NewGeoTransform validates raw GDAL-order parameters. Zero resolution in
// either axis is rejected.
func NewGeoTransform(params [6]float64) (GeoTransform, error) {
	if params[1] == 0 || params[5] == 0 {
		return GeoTransform{}, fmt.Errorf("%w: zero resolution (res_x=%g, res_y=%g)",
			ErrDegenerateTransform, params[1], params[5])
	}
	return GeoTransform{p: params}, nil
}

// Params returns the raw GDAL-order parameters.
func (gt GeoTransform) Params() [6]float64 { return gt.p }

// Origin returns the geo coordinates of pixel (0,0).
func (gt GeoTransform) Origin() orb.Point { return orb.Point{gt.p[0], gt.p[3]} }

// Resolution returns the pixel size (res_x, res_y). res_y is negative for
// north-up rasters.
func (gt GeoTransform) Resolution() (float64, float64) { return gt.p[1], gt.p[5] }

// Skew returns the rotation terms (skew_x, skew_y).
func (gt GeoTransform) Skew() (float64, float64) { return gt.p[2], gt.p[4] }

// GeoOf maps a (possibly fractional) pixel coordinate to geo space.
func (gt GeoTransform) GeoOf(col, row float64) orb.Point {
	return orb.Point{
		gt.p[0] + col*gt.p[1] + row*gt.p[2],
		gt.p[3] + col*gt.p[4] + row*gt.p[5],
	}
}

// PixelOf maps a geo coordinate to (usually fractional) pixel space.
func (gt GeoTransform) PixelOf(pt orb.Point) (col, row float64, err error) {
	det := gt.p[1]*gt.p[5] - gt.p[2]*gt.p[4]
	if math.Abs(det) < detEpsilon {
		return 0, 0, fmt.Errorf("%w: determinant %g", ErrDegenerateTransform, det)
	}
	dx := pt[0] - gt.p[0]
	dy := pt[1] - gt.p[3]
	col = (gt.p[5]*dx - gt.p[2]*dy) / det
	row = (gt.p[1]*dy - gt.p[4]*dx) / det
	return col, row, nil
}

// WindowExtent returns the geo corners of the given pixel window in
// top-left, bottom-left, bottom-right, top-right order. ROI construction
// downstream depends on exactly this ordering.
func (gt GeoTransform) WindowExtent(col, row, width, height float64) [4]orb.Point {
	return [4]orb.Point{
		gt.GeoOf(col, row),
		gt.GeoOf(col, row+height),
		gt.GeoOf(col+width, row+height),
		gt.GeoOf(col+width, row),
	}
}
